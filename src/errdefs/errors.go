// Package errdefs defines the error kinds shared across the media pipeline.
//
// Every failure is reported as an *Error carrying one of the sentinel kinds
// below, so callers branch with errors.Is and still reach the root cause.
package errdefs

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrAuth is returned when a media connection carries a bad or missing session token.
	ErrAuth = errors.New("unauthorized")

	// ErrDecode is returned for malformed frames or payloads. The frame is dropped.
	ErrDecode = errors.New("decode failed")

	// ErrTransport is returned when the media socket or the recognition channel fails.
	ErrTransport = errors.New("transport failed")

	// ErrSynthesis is returned when speech synthesis fails.
	ErrSynthesis = errors.New("synthesis failed")

	// ErrGeneration is returned when the response generator fails.
	ErrGeneration = errors.New("generation failed")

	// ErrConnection is returned when a recognition connection cannot be established.
	ErrConnection = errors.New("connection failed")
)

// Error is a classified failure. Kind is one of the sentinels above.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps err as an authorization failure.
func Auth(op string, err error) error { return newError(ErrAuth, op, err) }

// Decode wraps err as a decode failure.
func Decode(op string, err error) error { return newError(ErrDecode, op, err) }

// Transport wraps err as a transport failure.
func Transport(op string, err error) error { return newError(ErrTransport, op, err) }

// Synthesis wraps err as a synthesis failure.
func Synthesis(op string, err error) error { return newError(ErrSynthesis, op, err) }

// Generation wraps err as a generation failure.
func Generation(op string, err error) error { return newError(ErrGeneration, op, err) }

// Connection wraps err as a recognition connection failure.
func Connection(op string, err error) error { return newError(ErrConnection, op, err) }

// APIError is a non-2xx response from a provider HTTP API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the status code suggests a retry may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// KindOf returns the sentinel kind of err, or nil when err is unclassified.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
