package scanerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  New("orchestrator.Submit", KindValidation, "probe set is empty"),
			want: "orchestrator.Submit [validation]: probe set is empty",
		},
		{
			name: "wrapped cause",
			err:  Wrap("agent.Query", KindNetwork, errors.New("connection refused")),
			want: "agent.Query [network]: connection refused",
		},
		{
			name: "message and cause",
			err:  New("pool.Acquire", KindResourceExhausted, "no slot").WithCause(context.DeadlineExceeded),
			want: "pool.Acquire [resource_exhausted]: no slot: context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("scan failed: %w", Wrap("agent.Query", KindNetwork, context.DeadlineExceeded))

	assert.True(t, errors.Is(err, ErrNetwork))
	assert.True(t, errors.Is(err, &Error{Op: "agent.Query", Kind: KindNetwork}))
	assert.False(t, errors.Is(err, &Error{Op: "pool.Acquire", Kind: KindNetwork}))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "cause must stay reachable")

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "agent.Query", se.Op)
}

func TestWithDetailsMerges(t *testing.T) {
	err := New("op", KindSystem, "boom").
		WithDetails(map[string]any{"a": 1}).
		WithDetails(map[string]any{"b": 2})

	assert.Equal(t, map[string]any{"a": 1, "b": 2}, err.Details)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

type kindedErr struct{}

func (kindedErr) Error() string   { return "circuit open" }
func (kindedErr) ErrorKind() Kind { return KindRateLimit }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "structured", err: New("x", KindAgentFailure, "garbled"), want: KindAgentFailure},
		{name: "wrapped structured", err: fmt.Errorf("outer: %w", New("x", KindRateLimit, "quota")), want: KindRateLimit},
		{name: "deadline", err: context.DeadlineExceeded, want: KindNetwork},
		{name: "net error", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, want: KindNetwork},
		{name: "self-describing", err: kindedErr{}, want: KindRateLimit},
		{name: "empty response", err: ErrEmptyResponse, want: KindAgentFailure},
		{name: "unknown", err: errors.New("nil pointer"), want: KindSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Wrap("q", KindNetwork, errors.New("reset"))))
	assert.True(t, IsRetryable(New("q", KindRateLimit, "429")))
	assert.False(t, IsRetryable(New("q", KindValidation, "bad")))
	assert.False(t, IsRetryable(New("q", KindSystem, "bug")))
	assert.False(t, IsRetryable(New("q", KindAgentFailure, "garbled")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	cause := New("breaker.Execute", KindRateLimit, "circuit open")
	err := Permanent(cause)

	assert.True(t, IsPermanent(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.Equal(t, cause.Error(), err.Error())
}
