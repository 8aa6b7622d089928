// Package reconnect keeps a call's recognition stream alive. When the stream
// fails it is reopened a bounded number of times; after that the call
// continues without recognition instead of being torn down.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

// DegradedApology is spoken to the caller when recognition cannot be restored.
const DegradedApology = "I'm having trouble with speech recognition. Please speak clearly."

// Outcome is the result of opening or recovering a link.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeRecovered
	OutcomeDegraded
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds configuration for the supervisor
type Config struct {
	// Backoff is the wait before each reopen attempt (default: 1s)
	Backoff time.Duration
	// MaxAttempts is the number of reopen attempts before degrading (default: 1)
	MaxAttempts int
	// Apology is spoken when the link degrades (default: DegradedApology)
	Apology string
	// OnOutcome, if set, is called after every open or recovery attempt
	// finishes. cause is the error that triggered recovery, if any.
	OnOutcome func(callSID string, outcome Outcome, cause error)
}

// DefaultConfig returns the default supervisor configuration
func DefaultConfig() Config {
	return Config{
		Backoff:     time.Second,
		MaxAttempts: 1,
		Apology:     DegradedApology,
	}
}

// Supervisor opens supervised recognition links.
type Supervisor struct {
	recognizer services.Recognizer
	telephony  services.TelephonyController
	config     Config
	log        *logger.Logger
}

// New creates a supervisor
func New(recognizer services.Recognizer, telephony services.TelephonyController, config Config) *Supervisor {
	def := DefaultConfig()
	if config.Backoff < 0 {
		config.Backoff = def.Backoff
	}
	if config.MaxAttempts < 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Apology == "" {
		config.Apology = def.Apology
	}
	return &Supervisor{
		recognizer: recognizer,
		telephony:  telephony,
		config:     config,
		log:        logger.WithPrefix("ReconnectSupervisor"),
	}
}

// Link is a supervised recognition stream for one call.
type Link struct {
	sup      *Supervisor
	sess     *session.CallSession
	opts     services.RecognitionOptions
	handlers services.RecognitionHandlers
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	handle     services.RecognitionHandle
	generation int
	recovering bool
	degraded   bool
	closed     bool
}

// Open connects a recognition stream for sess. Connection failures go
// through the same retry-then-degrade path as later errors, so Open never
// fails; check the returned Outcome or Link.Degraded.
func (s *Supervisor) Open(ctx context.Context, sess *session.CallSession, opts services.RecognitionOptions, handlers services.RecognitionHandlers) (*Link, Outcome) {
	linkCtx, cancel := context.WithCancel(ctx)
	opts.CallSID = sess.ID()
	l := &Link{
		sup:      s,
		sess:     sess,
		opts:     opts,
		handlers: handlers,
		log:      s.log.WithCall(sess.ID()),
		ctx:      linkCtx,
		cancel:   cancel,
	}

	l.mu.Lock()
	l.recovering = true
	l.mu.Unlock()

	h, err := l.open(1)
	if err == nil {
		l.install(h, 1)
		s.report(sess.ID(), OutcomeConnected, nil)
		return l, OutcomeConnected
	}

	l.log.Warn("Initial recognition connect failed: %v", err)
	return l, l.retry(err)
}

func (s *Supervisor) report(callSID string, o Outcome, cause error) {
	if s.config.OnOutcome != nil {
		s.config.OnOutcome(callSID, o, cause)
	}
}

func (l *Link) open(gen int) (services.RecognitionHandle, error) {
	handlers := services.RecognitionHandlers{
		OnTranscript: func(t services.Transcript) {
			if l.handlers.OnTranscript != nil {
				l.handlers.OnTranscript(t)
			}
		},
		OnError: func(err error) { l.HandleError(gen, err) },
	}
	return l.sup.recognizer.Open(l.ctx, l.opts, handlers)
}

// install makes h the live handle unless the link closed meanwhile.
func (l *Link) install(h services.RecognitionHandle, gen int) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = h.Close()
		return false
	}
	l.handle = h
	l.generation = gen
	l.recovering = false
	l.mu.Unlock()
	return true
}

// Send forwards audio to the live stream. Audio is dropped while the link
// is recovering, degraded or closed. A send failure starts recovery and is
// returned to the caller for logging.
func (l *Link) Send(ctx context.Context, audio []byte) error {
	l.mu.Lock()
	h, gen := l.handle, l.generation
	l.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Send(ctx, audio); err != nil {
		l.HandleError(gen, err)
		return err
	}
	return nil
}

// HandleError starts recovery for an error raised by the stream of
// generation gen. Errors from superseded streams, and errors arriving
// while a recovery is already running, are ignored.
func (l *Link) HandleError(gen int, cause error) {
	l.mu.Lock()
	if l.closed || l.degraded || l.recovering || gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.recovering = true
	old := l.handle
	l.handle = nil
	l.wg.Add(1)
	l.mu.Unlock()

	l.log.Warn("Recognition stream error: %v", cause)

	// Recovery runs off the caller's goroutine: cause usually comes from the
	// stream's own reader, which closing the stream would otherwise block.
	go func() {
		defer l.wg.Done()
		if old != nil {
			if err := old.Close(); err != nil {
				l.log.Debug("Closing failed stream: %v", err)
			}
		}
		l.retry(cause)
	}()
}

// retry reopens the stream with backoff, degrading once the budget is spent.
func (l *Link) retry(cause error) Outcome {
	l.mu.Lock()
	gen := l.generation
	l.mu.Unlock()

	for attempt := 1; attempt <= l.sup.config.MaxAttempts; attempt++ {
		if !l.wait(l.sup.config.Backoff) {
			return OutcomeClosed
		}
		gen++
		h, err := l.open(gen)
		if err != nil {
			l.log.Warn("Reconnect attempt %d/%d failed: %v", attempt, l.sup.config.MaxAttempts, err)
			continue
		}
		if !l.install(h, gen) {
			return OutcomeClosed
		}
		l.log.Info("Recognition stream restored after %d attempt(s)", attempt)
		l.sup.report(l.sess.ID(), OutcomeRecovered, cause)
		return OutcomeRecovered
	}

	l.degrade(cause)
	return OutcomeDegraded
}

func (l *Link) wait(d time.Duration) bool {
	if d <= 0 {
		return l.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Link) degrade(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.degraded = true
	l.recovering = false
	l.mu.Unlock()

	l.log.Error("Recognition unavailable, continuing call without it")
	l.sess.Update(func(d *session.Data) { d.Degraded = true })

	if err := l.sup.telephony.Say(l.ctx, l.sess.ID(), l.sup.config.Apology); err != nil {
		l.log.Error("Failed to play degraded-service message: %v", err)
	}
	l.sup.report(l.sess.ID(), OutcomeDegraded, cause)
}

// Degraded reports whether recognition was given up for this call.
func (l *Link) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Close stops any recovery in progress and releases the stream. Safe to
// call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	h := l.handle
	l.handle = nil
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	if h != nil {
		return h.Close()
	}
	return nil
}
