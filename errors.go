package probegrid

import (
	"errors"
	"io"
	"log/slog"
)

var (
	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("engine closed")
)

// CloseWithLog closes closer and logs a failure at warning level under the
// given resource name. It is meant for deferred cleanup. A nil logger falls
// back to slog.Default().
//
//	defer probegrid.CloseWithLog(engine, logger, "engine")
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource", "resource", name, "error", err)
	}
}
