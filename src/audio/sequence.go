package audio

// SequenceStatus classifies a frame's sequence number against the previous one.
type SequenceStatus int

const (
	SequenceUntracked SequenceStatus = iota // frame carried no sequence number
	SequenceFirst
	SequenceInOrder
	SequenceGap
	SequenceReordered // duplicate or older than the last seen frame
)

func (s SequenceStatus) String() string {
	switch s {
	case SequenceUntracked:
		return "untracked"
	case SequenceFirst:
		return "first"
	case SequenceInOrder:
		return "in-order"
	case SequenceGap:
		return "gap"
	case SequenceReordered:
		return "reordered"
	default:
		return "unknown"
	}
}

// SequenceTracker watches sequence numbers of one stream. It never buffers or
// reorders; frames are always processed in arrival order.
type SequenceTracker struct {
	last      int64
	seen      bool
	gaps      int64
	missing   int64
	reordered int64
}

// Observe records seq and reports how it relates to the previous frame. For
// gaps, missing is the number of skipped sequence numbers.
func (t *SequenceTracker) Observe(seq int64) (status SequenceStatus, missing int64) {
	if seq <= 0 {
		return SequenceUntracked, 0
	}
	if !t.seen {
		t.seen = true
		t.last = seq
		return SequenceFirst, 0
	}

	switch {
	case seq == t.last+1:
		t.last = seq
		return SequenceInOrder, 0
	case seq > t.last+1:
		missing = seq - t.last - 1
		t.gaps++
		t.missing += missing
		t.last = seq
		return SequenceGap, missing
	default:
		t.reordered++
		return SequenceReordered, 0
	}
}

// SequenceStats is a snapshot of tracker counters.
type SequenceStats struct {
	Last      int64
	Gaps      int64
	Missing   int64
	Reordered int64
}

func (t *SequenceTracker) Stats() SequenceStats {
	return SequenceStats{Last: t.last, Gaps: t.gaps, Missing: t.missing, Reordered: t.reordered}
}

// Reset forgets all history.
func (t *SequenceTracker) Reset() {
	*t = SequenceTracker{}
}
