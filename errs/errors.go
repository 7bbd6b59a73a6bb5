// Package errs implements the framework's error taxonomy: a small, tagged
// error type that every subsystem (container, event bus, module manager,
// router) raises instead of ad-hoc errors.New calls, plus the Router that
// dispatches those errors to kind-specific handlers.
package errs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Kind groups errors by the subsystem and failure category that produced
// them. Kinds are deliberately coarse - enough to pick a default HTTP
// status and a handler, not a full taxonomy of every failure mode.
type Kind string

const (
	KindValidation Kind = "Validation"
	KindAuth       Kind = "Auth"
	KindAccess     Kind = "Access"
	KindConfig     Kind = "Config"
	KindService    Kind = "Service"
	KindNetwork    Kind = "Network"
	KindEvent      Kind = "Event"
	KindModule     Kind = "Module"
	KindRouter     Kind = "Router"
)

// defaultStatus maps a Kind to the HTTP-like status code a framework
// integration should use when no more specific mapping is registered.
var defaultStatus = map[Kind]int{
	KindValidation: http.StatusBadRequest,
	KindAuth:       http.StatusUnauthorized,
	KindAccess:     http.StatusForbidden,
	KindConfig:     http.StatusInternalServerError,
	KindService:    http.StatusServiceUnavailable,
	KindNetwork:    http.StatusServiceUnavailable,
	KindEvent:      http.StatusInternalServerError,
	KindModule:     http.StatusInternalServerError,
	KindRouter:     http.StatusInternalServerError,
}

// DefaultStatus returns the HTTP-like status code associated with kind, or
// 500 for an unrecognized kind.
func DefaultStatus(kind Kind) int {
	if status, ok := defaultStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is the tagged error value raised throughout this module. It carries
// enough structure - a kind, a stable machine-readable code, a message,
// free-form details, a timestamp, and an optional cause - for a router or a
// framework integration to act on it without string-parsing Error().
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Details   map[string]any
	Timestamp time.Time
	Cause     error
}

// Option mutates an Error at construction time.
type Option func(*Error)

// WithDetails attaches a details map to the error. Subsequent calls merge
// into, rather than replace, any details already set.
func WithDetails(details map[string]any) Option {
	return func(e *Error) {
		if e.Details == nil {
			e.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			e.Details[k] = v
		}
	}
}

// WithCause attaches an underlying error, preserved for errors.Is/As via
// Unwrap.
func WithCause(cause error) Option {
	return func(e *Error) { e.Cause = cause }
}

// WithTimestamp overrides the timestamp that would otherwise default to
// time.Now(). Mainly useful for round-trip tests.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) { e.Timestamp = t }
}

// New constructs an Error of the given kind, code, and message, applying
// opts in order.
func New(kind Kind, code, message string, opts ...Option) *Error {
	e := &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the cause chain to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP-like status code for this error's kind.
func (e *Error) Status() int { return DefaultStatus(e.Kind) }

// jsonError is the wire representation used by MarshalJSON/FromJSON. Cause
// is flattened to its Error() string since arbitrary error chains don't
// round-trip through JSON.
type jsonError struct {
	Kind      Kind           `json:"kind"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Cause     string         `json:"cause,omitempty"`
}

// MarshalJSON implements json.Marshaler so an *Error serializes directly to
// the wire shape a framework integration would send to a client.
func (e *Error) MarshalJSON() ([]byte, error) {
	je := jsonError{
		Kind:      e.Kind,
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: e.Timestamp,
	}
	if e.Cause != nil {
		je.Cause = e.Cause.Error()
	}
	return json.Marshal(je)
}

// FromJSON reconstructs an *Error from the wire shape produced by
// MarshalJSON. The reconstructed error's Cause is a plain error wrapping
// the original cause's message, not the original error value.
func FromJSON(data []byte) (*Error, error) {
	var je jsonError
	if err := json.Unmarshal(data, &je); err != nil {
		return nil, fmt.Errorf("errs: decode: %w", err)
	}
	e := &Error{
		Kind:      je.Kind,
		Code:      je.Code,
		Message:   je.Message,
		Details:   je.Details,
		Timestamp: je.Timestamp,
	}
	if je.Cause != "" {
		e.Cause = fmt.Errorf("%s", je.Cause)
	}
	return e, nil
}

// Convenience constructors for the kinds this module's own subsystems
// raise most often.

func NewConfig(code, message string, opts ...Option) *Error {
	return New(KindConfig, code, message, opts...)
}

func NewService(code, message string, opts ...Option) *Error {
	return New(KindService, code, message, opts...)
}

func NewEvent(code, message string, opts ...Option) *Error {
	return New(KindEvent, code, message, opts...)
}

func NewModule(code, message string, opts ...Option) *Error {
	return New(KindModule, code, message, opts...)
}

func NewRouter(code, message string, opts ...Option) *Error {
	return New(KindRouter, code, message, opts...)
}
