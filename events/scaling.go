package events

import (
	"context"
	"errors"

	"github.com/zero-day-ai/probegrid/scaler"
)

// ScalingSink announces every applied scaling event and then forwards it to
// Next, if set.
type ScalingSink struct {
	Publisher Publisher
	Next      scaler.HistorySink
}

var _ scaler.HistorySink = ScalingSink{}

// SaveEvent implements scaler.HistorySink.
func (s ScalingSink) SaveEvent(ctx context.Context, e scaler.Event) error {
	var errs []error
	if s.Publisher != nil {
		out := New(TypeScalingApplied, e)
		out.Time = e.Time
		errs = append(errs, s.Publisher.Publish(ctx, out))
	}
	if s.Next != nil {
		errs = append(errs, s.Next.SaveEvent(ctx, e))
	}
	return errors.Join(errs...)
}
