package scanerr

import (
	"context"
	"errors"
	"net"
)

// Kind categorizes errors by how the caller should react to them.
type Kind string

const (
	// KindValidation indicates a malformed request. Never retried.
	KindValidation Kind = "validation"

	// KindNetwork indicates the target was unreachable or timed out.
	KindNetwork Kind = "network"

	// KindRateLimit indicates a quota or circuit-breaker rejection.
	KindRateLimit Kind = "rate_limit"

	// KindResourceExhausted indicates pool or node capacity ran out.
	KindResourceExhausted Kind = "resource_exhausted"

	// KindAgentFailure indicates the target returned a malformed or empty response.
	KindAgentFailure Kind = "agent_failure"

	// KindSystem indicates an unexpected internal fault. Never retried.
	KindSystem Kind = "system"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if k is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindValidation, KindNetwork, KindRateLimit, KindResourceExhausted, KindAgentFailure, KindSystem:
		return true
	default:
		return false
	}
}

// Retryable returns true for the kinds that recover automatically.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimit
}

// kinder is implemented by errors from other packages (breaker, pool) that
// know their own kind without depending on *Error.
type kinder interface {
	ErrorKind() Kind
}

// KindOf classifies an arbitrary error. Structured errors report their own
// kind; deadline and net errors are network failures; anything unknown is a
// system fault. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}

	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	if errors.Is(err, ErrEmptyResponse) {
		return KindAgentFailure
	}

	return KindSystem
}

// IsRetryable reports whether err belongs to a kind that recovery strategies
// are allowed to retry. Cancellation by the caller is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	return KindOf(err).Retryable()
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable regardless of its kind. KindOf still
// reports the wrapped kind.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
