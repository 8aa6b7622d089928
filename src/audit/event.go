// Package audit records call lifecycle events with caller-identifying
// values masked. Recording never blocks the media path.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/pharmacy-voice-agent/src/redact"
)

// Event types emitted by the media pipeline.
const (
	EventSessionStart   = "session_start"
	EventSessionEnd     = "session_end"
	EventAuthRejected   = "auth_rejected"
	EventSTTDegraded    = "stt_degraded"
	EventSTTRecovered   = "stt_recovered"
	EventBargeIn        = "barge_in"
	EventGenerationFail = "generation_failed"
)

const maxUserAgent = 100

// Event is one audit record. Build it with NewEvent so PHI is masked.
type Event struct {
	ID          string
	Type        string
	CallSID     string
	Data        map[string]string
	PhoneMasked string
	DOBMasked   string
	RemoteAddr  string
	UserAgent   string
	Success     bool
	Error       string
	CreatedAt   time.Time
}

// EventOption sets optional event fields.
type EventOption func(*Event)

// WithPhone records the caller number, masked to its last four digits.
func WithPhone(phone string) EventOption {
	return func(e *Event) {
		if phone != "" {
			e.PhoneMasked = redact.MaskPhone(phone)
		}
	}
}

// WithDOB records a date of birth as month and day only.
func WithDOB(dob string) EventOption {
	return func(e *Event) {
		if dob != "" {
			e.DOBMasked = redact.MaskDOB(dob)
		}
	}
}

// WithData attaches event details. Identity-bearing keys are masked.
func WithData(data map[string]string) EventOption {
	return func(e *Event) {
		if len(data) > 0 {
			e.Data = redact.Fields(data)
		}
	}
}

// WithError marks the event failed and stores a sanitized message.
func WithError(err error) EventOption {
	return func(e *Event) {
		if err != nil {
			e.Success = false
			e.Error = redact.Sanitize(err.Error())
		}
	}
}

// WithRequest records the remote address and a truncated user agent.
func WithRequest(remoteAddr, userAgent string) EventOption {
	return func(e *Event) {
		e.RemoteAddr = remoteAddr
		if len(userAgent) > maxUserAgent {
			userAgent = userAgent[:maxUserAgent]
		}
		e.UserAgent = userAgent
	}
}

// NewEvent builds an event of the given type for callSID.
func NewEvent(eventType, callSID string, opts ...EventOption) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		CallSID:   callSID,
		Success:   true,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Sink accepts events. Record must not block the caller for long.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
