package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
)

// LogStore writes events to the log. Used when no database is configured.
type LogStore struct {
	log *logger.Logger
}

// NewLogStore creates a LogStore
func NewLogStore() *LogStore {
	return &LogStore{log: logger.WithPrefix("Audit")}
}

func (s *LogStore) Record(_ context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	s.log.Info("%s call=%s success=%t phone=%s data=%s err=%q",
		e.Type, logger.ShortID(e.CallSID), e.Success, e.PhoneMasked, data, e.Error)
	return nil
}

// AsyncSink hands events to a background writer through a bounded queue.
// When the queue is full the event is dropped and logged locally.
type AsyncSink struct {
	next    Sink
	queue   chan Event
	timeout time.Duration
	log     *logger.Logger

	dropped atomic.Int64
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewAsyncSink starts a writer forwarding to next. Each write gets timeout.
func NewAsyncSink(next Sink, size int, timeout time.Duration) *AsyncSink {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &AsyncSink{
		next:    next,
		queue:   make(chan Event, size),
		timeout: timeout,
		log:     logger.WithPrefix("Audit"),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues e without blocking. It never returns an error.
func (s *AsyncSink) Record(_ context.Context, e Event) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.drop(e, "sink closed")
		return nil
	}
	select {
	case s.queue <- e:
	default:
		s.drop(e, "queue full")
	}
	return nil
}

func (s *AsyncSink) drop(e Event, reason string) {
	s.dropped.Add(1)
	s.log.Warn("Dropped audit event %s for call %s: %s", e.Type, logger.ShortID(e.CallSID), reason)
}

// Dropped returns the number of events that were not written.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.Record(ctx, e); err != nil {
			s.log.Error("Failed to write audit event %s: %v", e.Type, err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (s *AsyncSink) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()
	<-s.done
}
