// Package servicestest provides in-memory collaborators for tests.
package servicestest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

// Telephony records every control request.
type Telephony struct {
	mu      sync.Mutex
	Played  []string
	Said    []string
	Stopped int

	// PlayErr, StopErr and SayErr are returned by the matching calls when set.
	PlayErr error
	StopErr error
	SayErr  error
	// OnPlay runs after a Play request is recorded.
	OnPlay func(playableRef string)
	// StopGate, when set, holds StopPlayback until it is closed or ctx ends.
	StopGate chan struct{}
}

func (t *Telephony) Play(ctx context.Context, callSID, playableRef string) error {
	t.mu.Lock()
	t.Played = append(t.Played, playableRef)
	err := t.PlayErr
	hook := t.OnPlay
	t.mu.Unlock()
	if hook != nil {
		hook(playableRef)
	}
	return err
}

func (t *Telephony) StopPlayback(ctx context.Context, callSID string) error {
	t.mu.Lock()
	gate := t.StopGate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Stopped++
	return t.StopErr
}

func (t *Telephony) Say(ctx context.Context, callSID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Said = append(t.Said, text)
	return t.SayErr
}

// Snapshot returns copies of the recorded calls.
func (t *Telephony) Snapshot() (played, said []string, stopped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Played...), append([]string(nil), t.Said...), t.Stopped
}

// Synthesizer returns "tts://<n>" refs. Texts in Fail produce a synthesis error.
type Synthesizer struct {
	mu       sync.Mutex
	Texts    []string
	Fail     map[string]bool
	Duration time.Duration
}

func (s *Synthesizer) Synthesize(ctx context.Context, callSID, text string) (*services.Synthesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	if s.Fail[text] {
		return nil, errdefs.Synthesis("fake.synthesize", errors.New("voice unavailable"))
	}
	return &services.Synthesis{
		PlayableRef:       fmt.Sprintf("tts://%d", len(s.Texts)),
		EstimatedDuration: s.Duration,
	}, nil
}

// Requests returns the texts synthesized so far.
func (s *Synthesizer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Texts...)
}

// Generator replies with Reply, or fails with Err.
type Generator struct {
	mu      sync.Mutex
	Reply   string
	Err     error
	Inputs  []string
	History [][]session.ConversationTurn
}

func (g *Generator) Generate(ctx context.Context, text string, history []session.ConversationTurn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Inputs = append(g.Inputs, text)
	g.History = append(g.History, history)
	if g.Err != nil {
		return "", errdefs.Generation("fake.generate", g.Err)
	}
	return g.Reply, nil
}

// Calls returns the texts the generator was asked about.
func (g *Generator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Inputs...)
}

// Recognizer hands out Streams. OpenErrs are returned by successive Open
// calls before it starts succeeding.
type Recognizer struct {
	mu       sync.Mutex
	OpenErrs []error
	Opens    int
	Streams  []*Stream
}

func (r *Recognizer) Open(ctx context.Context, opts services.RecognitionOptions, handlers services.RecognitionHandlers) (services.RecognitionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Opens++
	if len(r.OpenErrs) > 0 {
		err := r.OpenErrs[0]
		r.OpenErrs = r.OpenErrs[1:]
		if err != nil {
			return nil, errdefs.Connection("fake.open", err)
		}
	}
	s := &Stream{Handlers: handlers, Options: opts}
	r.Streams = append(r.Streams, s)
	return s, nil
}

// OpenCount returns how many times Open was called.
func (r *Recognizer) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Opens
}

// Latest returns the most recently opened stream, or nil.
func (r *Recognizer) Latest() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Streams) == 0 {
		return nil
	}
	return r.Streams[len(r.Streams)-1]
}

// Stream is a fake recognition handle.
type Stream struct {
	mu       sync.Mutex
	Handlers services.RecognitionHandlers
	Options  services.RecognitionOptions
	Sent     [][]byte
	SendErr  error
	Closed   bool
}

func (s *Stream) Send(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return errdefs.Transport("fake.send", errors.New("stream closed"))
	}
	if s.SendErr != nil {
		return errdefs.Transport("fake.send", s.SendErr)
	}
	s.Sent = append(s.Sent, append([]byte(nil), audio...))
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// SentBytes returns the total number of audio bytes received.
func (s *Stream) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.Sent {
		n += len(b)
	}
	return n
}

// IsClosed reports whether Close was called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// Emit delivers a transcript through the registered handler.
func (s *Stream) Emit(t services.Transcript) {
	s.Handlers.OnTranscript(t)
}

// Fail delivers an error through the registered handler.
func (s *Stream) Fail(err error) {
	s.Handlers.OnError(err)
}
