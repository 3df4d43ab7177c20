package scanerr

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a structured error carrying the failing operation, its kind and
// an optional cause chain.
type Error struct {
	// Op is the operation that failed (e.g. "pool.Acquire", "agent.Query")
	Op string `json:"op"`

	// Kind classifies the failure and drives retry decisions
	Kind Kind `json:"kind"`

	// Message is a human-readable description
	Message string `json:"message,omitempty"`

	// Details contains additional context as key-value pairs
	Details map[string]any `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`
}

// New creates a structured error without a cause.
//
// Example:
//
//	err := scanerr.New("orchestrator.Submit", scanerr.KindValidation, "probe set is empty")
func New(op string, kind Kind, message string) *Error {
	return &Error{
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// Wrap creates a structured error around cause. The message is left empty so
// Error() reads "op [kind]: cause".
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{
		Op:    op,
		Kind:  kind,
		Cause: cause,
	}
}

// WithCause sets the underlying error and returns the same instance for chaining.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails merges details into the error and returns the same instance for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// Error implements the error interface.
// It formats the error as: "op [kind]: message: cause"
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("%s [%s]", e.Op, e.Kind)}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause so errors.Is and errors.As can walk the chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same kind. An empty Op on
// the target matches any operation, so kind sentinels work with errors.Is:
//
//	errors.Is(err, &scanerr.Error{Kind: scanerr.KindNetwork})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Sentinel kind matchers for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrRateLimit         = &Error{Kind: KindRateLimit}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
	ErrAgentFailure      = &Error{Kind: KindAgentFailure}
	ErrSystem            = &Error{Kind: KindSystem}
)

// ErrEmptyResponse is returned when a target agent answers with nothing.
var ErrEmptyResponse = errors.New("empty response from target agent")
