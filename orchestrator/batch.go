package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zero-day-ai/probegrid/scanerr"
	"golang.org/x/sync/errgroup"
)

// Host load thresholds for batch wave sizing, in percent.
const (
	batchRaiseCPU    = 50
	batchRaiseMemory = 60
	batchLowerCPU    = 80
	batchLowerMemory = 85
)

// SubmitBatch runs every request and returns results keyed by target ID.
// Requests run in waves; between waves the wave size doubles while the host
// is idle and halves while it is loaded, within the batch concurrency bounds.
// Failed requests are omitted from the map and their errors joined.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []ScanRequest) (map[string]ScanResult, error) {
	const op = "orchestrator.SubmitBatch"

	seen := make(map[string]struct{}, len(reqs))
	for i, req := range reqs {
		if req.Target == nil {
			return nil, scanerr.New(op, scanerr.KindValidation, fmt.Sprintf("request %d: target is required", i))
		}
		id := req.Target.Config().ID
		if _, dup := seen[id]; dup {
			return nil, scanerr.New(op, scanerr.KindValidation, fmt.Sprintf("duplicate target %q in batch", id)).
				WithDetails(map[string]any{"target_id": id})
		}
		seen[id] = struct{}{}
	}

	var (
		mu      sync.Mutex
		results = make(map[string]ScanResult, len(reqs))
		errs    []error
	)

	wave := o.opts.BatchMinConcurrency
	for start := 0; start < len(reqs); {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		wave = o.waveSize(ctx, wave)
		end := min(start+wave, len(reqs))

		// Errors are collected per target rather than cancelling siblings.
		var g errgroup.Group
		for _, req := range reqs[start:end] {
			g.Go(func() error {
				id := req.Target.Config().ID
				res, err := o.Submit(ctx, req)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, fmt.Errorf("target %s: %w", id, err))
					return nil
				}
				results[id] = res
				return nil
			})
		}
		_ = g.Wait()

		o.logger.Debug("batch wave finished", "from", start, "to", end, "wave", wave)
		start = end
	}

	return results, errors.Join(errs...)
}

// waveSize adjusts cur to the host load reported by the sampler. Without a
// sampler, or when sampling fails, cur is kept.
func (o *Orchestrator) waveSize(ctx context.Context, cur int) int {
	lo, hi := o.opts.BatchMinConcurrency, o.opts.BatchMaxConcurrency
	cur = max(lo, min(cur, hi))
	if o.deps.Sampler == nil {
		return cur
	}

	snap, err := o.deps.Sampler.Sample(ctx)
	if err != nil {
		o.logger.Debug("host sample failed", "error", err)
		return cur
	}

	switch {
	case snap.CPUPercent > batchLowerCPU || snap.MemoryPercent > batchLowerMemory:
		return max(lo, cur/2)
	case snap.CPUPercent < batchRaiseCPU && snap.MemoryPercent < batchRaiseMemory:
		return min(hi, cur*2)
	}
	return cur
}
