package probegrid

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseWithLog(t *testing.T) {
	tests := []struct {
		name    string
		closer  io.Closer
		wantLog string
	}{
		{name: "nil closer"},
		{name: "clean close", closer: closerFunc(func() error { return nil })},
		{
			name:    "close error",
			closer:  closerFunc(func() error { return errors.New("connection reset") }),
			wantLog: "connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			CloseWithLog(tt.closer, slog.New(slog.NewTextHandler(&buf, nil)), "redis store")

			if tt.wantLog == "" {
				assert.Empty(t, buf.String())
				return
			}
			out := buf.String()
			assert.Contains(t, out, "level=WARN")
			assert.Contains(t, out, "resource=\"redis store\"")
			assert.Contains(t, out, tt.wantLog)
		})
	}
}

func TestCloseWithLog_NilLogger(t *testing.T) {
	calls := 0
	c := closerFunc(func() error {
		calls++
		return errors.New("boom")
	})
	require.NotPanics(t, func() { CloseWithLog(c, nil, "publisher") })
	assert.Equal(t, 1, calls)
}

func TestCloseWithLog_Engine(t *testing.T) {
	e := newTestEngine(t, testConfig())

	var buf bytes.Buffer
	func() {
		defer CloseWithLog(e, slog.New(slog.NewTextHandler(&buf, nil)), "engine")
	}()

	assert.Empty(t, buf.String())
	assert.ErrorIs(t, e.Start(t.Context()), ErrClosed)
}
