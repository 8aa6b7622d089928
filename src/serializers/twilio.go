package serializers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/frames"
)

// TwilioFrameSerializer handles the Twilio Media Streams WebSocket protocol.
// One instance belongs to one connection; it is not safe for concurrent use.
type TwilioFrameSerializer struct {
	streamSid string
	callSid   string
}

// Twilio message structures
type twilioMessage struct {
	Event          string       `json:"event"`
	StreamSid      string       `json:"streamSid,omitempty"`
	SequenceNumber flexInt      `json:"sequenceNumber,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
	Stop           *twilioStop  `json:"stop,omitempty"`
	DTMF           *twilioDTMF  `json:"dtmf,omitempty"`
}

type twilioMedia struct {
	Track     string  `json:"track"`
	Chunk     flexInt `json:"chunk"`
	Timestamp flexInt `json:"timestamp"`
	Payload   string  `json:"payload"` // base64-encoded mulaw audio
}

type twilioStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      twilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type twilioMediaFormat struct {
	Encoding   string  `json:"encoding"`
	SampleRate flexInt `json:"sampleRate"`
	Channels   flexInt `json:"channels"`
}

type twilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioDTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// flexInt accepts both JSON numbers and numeric strings. Twilio sends
// sequence numbers and timestamps as strings.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", b, err)
	}
	*n = flexInt(v)
	return nil
}

// NewTwilioFrameSerializer creates a new Twilio serializer
func NewTwilioFrameSerializer(streamSid, callSid string) *TwilioFrameSerializer {
	return &TwilioFrameSerializer{
		streamSid: streamSid,
		callSid:   callSid,
	}
}

// Type returns the serialization type (Twilio uses JSON/text)
func (s *TwilioFrameSerializer) Type() SerializerType {
	return SerializerTypeText
}

// Deserialize converts Twilio WebSocket JSON data to frames
func (s *TwilioFrameSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, errdefs.Decode("twilio.deserialize", fmt.Errorf("expected string or []byte, got %T", data))
	}

	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errdefs.Decode("twilio.deserialize", err)
	}
	if msg.StreamSid != "" {
		s.streamSid = msg.StreamSid
	}

	switch msg.Event {
	case "connected":
		return nil, nil

	case "start":
		if msg.Start != nil {
			if msg.Start.StreamSid != "" {
				s.streamSid = msg.Start.StreamSid
			}
			if msg.Start.CallSid != "" {
				s.callSid = msg.Start.CallSid
			}
		}

		startFrame := frames.NewStartFrame(s.streamSid, s.callSid)
		if msg.Start != nil {
			startFrame.AccountSID = msg.Start.AccountSid
			startFrame.Tracks = msg.Start.Tracks
			startFrame.MediaFormat = frames.MediaFormat{
				Encoding:   msg.Start.MediaFormat.Encoding,
				SampleRate: int(msg.Start.MediaFormat.SampleRate),
				Channels:   int(msg.Start.MediaFormat.Channels),
			}
			for k, v := range msg.Start.CustomParameters {
				startFrame.CustomParameters[k] = v
			}
		}
		return startFrame, nil

	case "media":
		if msg.Media == nil {
			return nil, errdefs.Decode("twilio.deserialize", fmt.Errorf("media event missing media data"))
		}

		// Twilio uses 8kHz mulaw
		mediaFrame := frames.NewMediaFrame(s.streamSid, int64(msg.SequenceNumber), msg.Media.Payload)
		mediaFrame.Chunk = int64(msg.Media.Chunk)
		mediaFrame.Timestamp = int64(msg.Media.Timestamp)
		mediaFrame.Track = msg.Media.Track
		return mediaFrame, nil

	case "stop":
		return frames.NewStopFrame(s.streamSid, s.callSid), nil

	case "mark":
		if msg.Mark == nil {
			return nil, nil
		}
		return frames.NewMarkFrame(s.streamSid, msg.Mark.Name), nil

	case "dtmf":
		if msg.DTMF == nil {
			return nil, nil
		}
		return frames.NewDTMFFrame(s.streamSid, msg.DTMF.Digit), nil

	default:
		// Unknown event, ignore
		return nil, nil
	}
}

// GetStreamSid returns the current stream SID
func (s *TwilioFrameSerializer) GetStreamSid() string {
	return s.streamSid
}

// GetCallSid returns the current call SID
func (s *TwilioFrameSerializer) GetCallSid() string {
	return s.callSid
}
