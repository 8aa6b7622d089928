package frames

// CodecMulaw is the codec tag of 8 kHz G.711 μ-law telephony audio.
const CodecMulaw = "mulaw"

// MediaFrame is one inbound audio packet. Payload is still base64 encoded;
// decoding happens in the audio pipeline so malformed payloads are reported
// there.
type MediaFrame struct {
	*BaseFrame
	StreamSID string
	Sequence  int64
	Chunk     int64
	Timestamp int64 // milliseconds since stream start, as reported by the sender
	Track     string
	Codec     string
	Payload   string
}

func NewMediaFrame(streamSID string, sequence int64, payload string) *MediaFrame {
	return &MediaFrame{
		BaseFrame: NewBaseFrame("MediaFrame"),
		StreamSID: streamSID,
		Sequence:  sequence,
		Codec:     CodecMulaw,
		Payload:   payload,
	}
}
