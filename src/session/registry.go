package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Option configures a Registry
type Option func(*Registry)

// WithTTL sets the idle time after which the periodic sweep removes a session.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Registry owns every live CallSession, keyed by call SID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	removals map[string]*time.Timer
	closed   bool

	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. Call Start to run the expiry sweep.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*CallSession),
		removals: make(map[string]*time.Timer),
		ttl:      DefaultTTL,
		interval: DefaultSweepInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.WithPrefix("SessionRegistry")
	}
	return r
}

// Create registers a new session in state ACTIVE.
func (r *Registry) Create(id, callerAddress string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, logger.ShortID(id))
	}
	s := newCallSession(id, callerAddress, r.now)
	r.sessions[id] = s
	r.log.Debug("Created session %s", logger.ShortID(id))
	return s, nil
}

// Get returns the session for id and refreshes its last-activity time.
func (r *Registry) Get(id string) (*CallSession, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// GetOrCreate returns the live session for id, creating it on a miss. A
// session left in a terminal state by an earlier stream is replaced.
func (r *Registry) GetOrCreate(id, callerAddress string) (s *CallSession, created bool, err error) {
	if s, ok := r.Get(id); ok {
		if !s.State().Terminal() {
			return s, false, nil
		}
		r.Delete(id)
	}
	s, err = r.Create(id, callerAddress)
	if err != nil {
		// Lost a race with another creator.
		if existing, ok := r.Get(id); ok {
			return existing, false, nil
		}
		return nil, false, err
	}
	return s, true, nil
}

// Update applies fn to the session under its own lock. It returns false and
// does nothing when id is unknown.
func (r *Registry) Update(id string, fn func(d *Data)) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.Update(fn)
	return true
}

// Delete removes the session for id.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.removals[id]; ok {
		t.Stop()
		delete(r.removals, id)
	}
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.log.Debug("Deleted session %s", logger.ShortID(id))
	return true
}

// SweepExpired removes every session idle for longer than ttl and returns
// how many were removed.
func (r *Registry) SweepExpired(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	r.mu.Lock()
	for _, id := range expired {
		s, ok := r.sessions[id]
		// Re-check: the session may have been touched since the scan.
		if !ok || !s.idleSince().Before(cutoff) {
			continue
		}
		delete(r.sessions, id)
		if t, ok := r.removals[id]; ok {
			t.Stop()
			delete(r.removals, id)
		}
		removed++
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.Info("Swept %d expired session(s)", removed)
	}
	return removed
}

// ScheduleRemoval deletes the session after grace, provided it is in a
// terminal state by then. Rescheduling replaces the previous timer.
func (r *Registry) ScheduleRemoval(id string, grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if t, ok := r.removals[id]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(grace, func() {
		r.mu.Lock()
		if r.removals[id] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.removals, id)
		s, ok := r.sessions[id]
		if ok && s.State().Terminal() {
			delete(r.sessions, id)
			r.log.Debug("Removed session %s after grace period", logger.ShortID(id))
		}
		r.mu.Unlock()
	})
	r.removals[id] = timer
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListActive returns the ids of sessions that are not in a terminal state.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	all := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var ids []string
	for _, s := range all {
		if !s.State().Terminal() {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

// Start launches the periodic expiry sweep. It runs until ctx is cancelled
// or Close is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.log.Info("Started (ttl=%s, sweep every %s)", r.ttl, r.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepExpired(r.ttl)
			}
		}
	}()
}

// Close stops the sweep and pending removals, then waits for in-flight
// session mutations to finish. Sessions stay readable after Close.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	for id, t := range r.removals {
		t.Stop()
		delete(r.removals, id)
	}
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	// Acquire each session lock once so no mutation is mid-flight on return.
	for _, s := range sessions {
		s.mu.Lock()
		s.mu.Unlock() //nolint:staticcheck
	}
	r.log.Info("Stopped")
}
