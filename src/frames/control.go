package frames

// MarkFrame echoes a named mark once the telephony side has played up to it
type MarkFrame struct {
	*BaseFrame
	StreamSID string
	Mark      string
}

func NewMarkFrame(streamSID, mark string) *MarkFrame {
	return &MarkFrame{
		BaseFrame: NewBaseFrame("MarkFrame"),
		StreamSID: streamSID,
		Mark:      mark,
	}
}

// DTMFFrame carries a keypad digit pressed by the caller
type DTMFFrame struct {
	*BaseFrame
	StreamSID string
	Digit     string
}

func NewDTMFFrame(streamSID, digit string) *DTMFFrame {
	return &DTMFFrame{
		BaseFrame: NewBaseFrame("DTMFFrame"),
		StreamSID: streamSID,
		Digit:     digit,
	}
}
