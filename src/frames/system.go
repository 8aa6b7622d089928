package frames

// MediaFormat describes the encoding announced in the start event.
type MediaFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// StartFrame signals the start of a media stream
type StartFrame struct {
	*BaseFrame
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

func NewStartFrame(streamSID, callSID string) *StartFrame {
	return &StartFrame{
		BaseFrame:        NewBaseFrame("StartFrame"),
		StreamSID:        streamSID,
		CallSID:          callSID,
		CustomParameters: make(map[string]string),
	}
}

// CallerAddress returns the "from" custom parameter, if the stream carried one.
func (f *StartFrame) CallerAddress() string {
	for _, key := range []string{"from", "From", "caller"} {
		if v := f.CustomParameters[key]; v != "" {
			return v
		}
	}
	return ""
}

// StopFrame signals the end of a media stream
type StopFrame struct {
	*BaseFrame
	StreamSID string
	CallSID   string
}

func NewStopFrame(streamSID, callSID string) *StopFrame {
	return &StopFrame{
		BaseFrame: NewBaseFrame("StopFrame"),
		StreamSID: streamSID,
		CallSID:   callSID,
	}
}
