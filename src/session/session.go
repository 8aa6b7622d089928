// Package session holds per-call state and the registry that owns it.
//
// Each CallSession is guarded by its own mutex; the registry map has a
// separate lock, so work on one call never waits on another.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a call.
type State string

const (
	StateActive           State = "ACTIVE"
	StateIdentityPending  State = "IDENTITY_PENDING"
	StateIdentityVerified State = "IDENTITY_VERIFIED"
	StateProcessing       State = "PROCESSING"
	StateBargeIn          State = "BARGE_IN"
	StateCompleted        State = "COMPLETED"
	StateError            State = "ERROR"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

var transitions = map[State][]State{
	StateActive:           {StateIdentityPending, StateProcessing, StateBargeIn, StateCompleted},
	StateIdentityPending:  {StateIdentityVerified, StateActive, StateProcessing, StateBargeIn, StateCompleted},
	StateIdentityVerified: {StateActive, StateProcessing, StateBargeIn, StateCompleted},
	StateProcessing:       {StateActive, StateBargeIn, StateIdentityPending, StateIdentityVerified, StateCompleted},
	StateBargeIn:          {StateActive, StateProcessing, StateCompleted},
}

// CanTransition reports whether from → to is a legal move. Staying in the
// same non-terminal state is allowed. ERROR is reachable from any
// non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if from == to || to == StateError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrDuplicateSession is returned by Create when the call id is already registered.
	ErrDuplicateSession = errors.New("session: duplicate session")
	// ErrInvalidTransition is returned for state changes the lifecycle does not allow.
	ErrInvalidTransition = errors.New("session: invalid state transition")
	// ErrRegistryClosed is returned by Create after Close.
	ErrRegistryClosed = errors.New("session: registry closed")
)

// Speaker tags a conversation turn.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// ConversationTurn is one finalized utterance. Turns are never modified once appended.
type ConversationTurn struct {
	Speaker    Speaker
	Text       string
	Confidence float64
	Timestamp  time.Time
	Final      bool
}

// JobStatus is the state of a synthesis job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// TTSJob is one synthesized chunk of a response.
type TTSJob struct {
	ID                string
	Text              string
	PlayableRef       string
	EstimatedDuration time.Duration
	Status            JobStatus
	CreatedAt         time.Time
}

// Identity tracks caller verification.
type Identity struct {
	Verified bool
	Name     string
	DOB      string
	Attempts int
}

// Data is the mutable state of a call. It is only reachable through
// CallSession.Update (exclusive) or CallSession.Snapshot (copy).
type Data struct {
	CallSID       string
	StreamSID     string
	CallerAddress string
	State         State
	Identity      Identity

	PartialTranscript string
	FinalTranscript   string
	Confidence        float64
	Generating        bool

	TTSQueue          []TTSJob
	CurrentlyPlaying  string
	PlaybackStartedAt time.Time

	BargeIn            bool
	BargeInAt          time.Time
	InterruptedContent []string
	// UnspokenText is generated text that has not been handed to playback yet.
	UnspokenText string

	History []ConversationTurn

	// Degraded is set when speech recognition is unavailable for the rest of the call.
	Degraded bool

	CreatedAt    time.Time
	LastActivity time.Time
}

// Transition moves the call to state to. Leaving BARGE_IN clears the
// barge-in flag, keeping the flag and the state in step.
func (d *Data) Transition(to State) error {
	if !CanTransition(d.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, d.State, to)
	}
	d.State = to
	if to != StateBargeIn {
		d.BargeIn = false
	}
	return nil
}

// AppendTurn adds a turn to the history, stamping it if needed.
func (d *Data) AppendTurn(turn ConversationTurn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if turn.Speaker == SpeakerAssistant && turn.Confidence == 0 {
		turn.Confidence = 1.0
	}
	d.History = append(d.History, turn)
}

// RecentHistory returns a copy of the last n turns, oldest first.
func (d *Data) RecentHistory(n int) []ConversationTurn {
	if n <= 0 || len(d.History) == 0 {
		return nil
	}
	start := len(d.History) - n
	if start < 0 {
		start = 0
	}
	out := make([]ConversationTurn, len(d.History)-start)
	copy(out, d.History[start:])
	return out
}

// EnqueueJob appends a job to the TTS queue.
func (d *Data) EnqueueJob(job TTSJob) {
	d.TTSQueue = append(d.TTSQueue, job)
}

// Job looks up a queued job by id.
func (d *Data) Job(id string) (TTSJob, bool) {
	for _, j := range d.TTSQueue {
		if j.ID == id {
			return j, true
		}
	}
	return TTSJob{}, false
}

// SetPlaying marks job id as the one currently audible.
func (d *Data) SetPlaying(id string, at time.Time) {
	d.CurrentlyPlaying = id
	d.PlaybackStartedAt = at
}

// ClearPlaying clears CurrentlyPlaying if it still refers to id. An empty
// id clears unconditionally.
func (d *Data) ClearPlaying(id string) bool {
	if id != "" && d.CurrentlyPlaying != id {
		return false
	}
	d.CurrentlyPlaying = ""
	d.PlaybackStartedAt = time.Time{}
	return true
}

// The identity helpers are driven by the caller-verification tools, which
// sit outside the media path.

// BeginIdentityCheck moves the call into identity verification.
func (d *Data) BeginIdentityCheck() error {
	if d.Identity.Verified {
		return nil
	}
	return d.Transition(StateIdentityPending)
}

// VerifyIdentity records a successful verification.
func (d *Data) VerifyIdentity(name, dob string) error {
	if err := d.Transition(StateIdentityVerified); err != nil {
		return err
	}
	d.Identity.Verified = true
	d.Identity.Name = name
	d.Identity.DOB = dob
	return nil
}

// FailIdentityAttempt counts a failed attempt and returns the total.
func (d *Data) FailIdentityAttempt() int {
	d.Identity.Attempts++
	return d.Identity.Attempts
}

func (d *Data) clone() Data {
	c := *d
	c.TTSQueue = append([]TTSJob(nil), d.TTSQueue...)
	c.InterruptedContent = append([]string(nil), d.InterruptedContent...)
	c.History = append([]ConversationTurn(nil), d.History...)
	return c
}

// CallSession is one call's state behind a mutex.
type CallSession struct {
	id  string
	now func() time.Time

	mu   sync.Mutex
	data Data
}

func newCallSession(id, callerAddress string, clock func() time.Time) *CallSession {
	now := clock()
	return &CallSession{
		id:  id,
		now: clock,
		data: Data{
			CallSID:       id,
			CallerAddress: callerAddress,
			State:         StateActive,
			CreatedAt:     now,
			LastActivity:  now,
		},
	}
}

// ID returns the call SID.
func (s *CallSession) ID() string {
	return s.id
}

// Update runs fn with exclusive access to the session data and counts as
// activity for the idle sweep.
func (s *CallSession) Update(fn func(d *Data)) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	s.data.LastActivity = now
}

// Snapshot returns a copy of the session data.
func (s *CallSession) Snapshot() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State
}

// BargeIn reports whether the caller has interrupted playback.
func (s *CallSession) BargeIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.BargeIn
}

// CurrentlyPlaying returns the id of the audible job, or "".
func (s *CallSession) CurrentlyPlaying() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CurrentlyPlaying
}

// Touch marks the session active without changing anything else.
func (s *CallSession) Touch() {
	now := s.now()
	s.mu.Lock()
	s.data.LastActivity = now
	s.mu.Unlock()
}

func (s *CallSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastActivity
}
