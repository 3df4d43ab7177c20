package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zero-day-ai/probegrid/breaker"
	"github.com/zero-day-ai/probegrid/finding"
	"github.com/zero-day-ai/probegrid/pool"
	"github.com/zero-day-ai/probegrid/probe"
	"github.com/zero-day-ai/probegrid/scanerr"
	"github.com/zero-day-ai/probegrid/target"
)

const defaultTaskTimeout = 30 * time.Second

// Slot is one unit of scan capacity on a worker.
type Slot struct {
	ID       string
	WorkerID string
	Uses     atomic.Int64
}

// Config configures a Worker.
type Config struct {
	// ID identifies the worker. If empty, hostname-pid-uuid is generated.
	ID string

	// Slots is the maximum number of concurrent scans. Default: 4
	Slots int

	// MinSlots are created up front. Default: 1
	MinSlots int

	// Breakers guards agent calls. If nil, a private manager without
	// recovery is used.
	Breakers *breaker.Manager

	Logger *slog.Logger
}

// Stats is a snapshot of worker activity.
type Stats struct {
	ID        string     `json:"id"`
	Slots     pool.Stats `json:"slots"`
	Running   int64      `json:"running"`
	Completed uint64     `json:"completed"`
	Failed    uint64     `json:"failed"`
}

// Worker executes probe tasks.
type Worker struct {
	id       string
	slots    *pool.Pool[*Slot]
	breakers *breaker.Manager
	logger   *slog.Logger

	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a worker and pre-warms its slot pool.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = generateWorkerID()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	if cfg.MinSlots <= 0 {
		cfg.MinSlots = 1
	}
	if cfg.MinSlots > cfg.Slots {
		cfg.MinSlots = cfg.Slots
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewManager(breaker.ManagerConfig{}, nil, cfg.Logger)
	}

	w := &Worker{
		id:       cfg.ID,
		breakers: cfg.Breakers,
		logger:   cfg.Logger.With("component", "worker", "worker_id", cfg.ID),
	}

	slots, err := pool.New(ctx, pool.Config[*Slot]{
		Name:    "slots:" + cfg.ID,
		MinSize: cfg.MinSlots,
		MaxSize: cfg.Slots,
		Factory: func(context.Context) (*Slot, error) {
			return &Slot{ID: uuid.NewString(), WorkerID: cfg.ID}, nil
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create slot pool for worker %s: %w", cfg.ID, err)
	}
	w.slots = slots

	w.logger.Info("worker started", "slots", cfg.Slots)
	return w, nil
}

// ID returns the worker ID.
func (w *Worker) ID() string {
	return w.id
}

// AcquireSlot leases a scan slot. See pool.Pool.Acquire for timeout semantics.
func (w *Worker) AcquireSlot(ctx context.Context, timeout time.Duration) (*pool.Lease[*Slot], error) {
	l, err := w.slots.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	l.Resource().Uses.Add(1)
	return l, nil
}

// ReleaseSlot returns a slot leased by AcquireSlot.
func (w *Worker) ReleaseSlot(l *pool.Lease[*Slot]) {
	w.slots.Release(l)
}

// Resize changes the slot cap.
func (w *Worker) Resize(slots int) error {
	return w.slots.Resize(slots)
}

// Stats returns a snapshot of worker activity.
func (w *Worker) Stats() Stats {
	return Stats{
		ID:        w.id,
		Slots:     w.slots.Stats(),
		Running:   w.running.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
}

// Close closes the slot pool.
func (w *Worker) Close() error {
	w.logger.Info("worker stopping")
	return w.slots.Close()
}

// Run sends the probe payload to the agent and evaluates the response. The
// call runs under task.Timeout and through the breaker for the task target.
// A timeout, agent error, empty response or open circuit yields a failed
// outcome with zero confidence.
func (w *Worker) Run(ctx context.Context, task Task, agent target.Agent, p probe.Probe) Outcome {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w.running.Add(1)
	defer w.running.Add(-1)

	out := Outcome{
		TaskID:    task.ID,
		Probe:     task.Probe,
		WorkerID:  w.id,
		State:     StateRunning,
		StartedAt: time.Now(),
	}
	logger := w.logger.With("task_id", task.ID, "probe", task.Probe, "target_id", task.TargetID)
	logger.Debug("task started")

	var response string
	err := w.breakers.Execute(ctx, task.TargetID, func(ctx context.Context) error {
		text, err := query(ctx, agent, task.Payload)
		if err != nil {
			return err
		}
		response = text
		return nil
	})
	out.EndedAt = time.Now()

	if err != nil {
		w.failed.Add(1)
		out.State = StateFailed
		out.Err = err
		out.ErrorKind = scanerr.KindOf(err)
		out.Error = err.Error()
		logger.Debug("task failed",
			"kind", string(out.ErrorKind),
			"duration_ms", out.Duration().Milliseconds(),
			"error", err,
		)
		return out
	}

	out.Verdict = p.Evaluate(response)
	if out.Verdict.Vulnerable {
		f := finding.New(task.Probe, task.TargetID, findingTitle(out.Verdict, task.Probe), out.Verdict.Severity)
		f.Confidence = out.Verdict.Confidence
		f.Evidence = out.Verdict.Evidence
		out.Finding = &f
	}
	out.State = StateCompleted
	w.completed.Add(1)

	logger.Debug("task completed",
		"vulnerable", out.Verdict.Vulnerable,
		"duration_ms", out.Duration().Milliseconds(),
	)
	return out
}

// query waits for the agent's asynchronous answer or the task deadline,
// whichever comes first.
func query(ctx context.Context, agent target.Agent, prompt string) (string, error) {
	const op = "agent.Query"
	select {
	case resp, ok := <-agent.QueryAsync(ctx, prompt):
		if !ok {
			return "", scanerr.Wrap(op, scanerr.KindAgentFailure, scanerr.ErrEmptyResponse)
		}
		if resp.Err != nil {
			var se *scanerr.Error
			if errors.As(resp.Err, &se) {
				return "", resp.Err
			}
			return "", scanerr.Wrap(op, scanerr.KindOf(resp.Err), resp.Err)
		}
		if strings.TrimSpace(resp.Text) == "" {
			return "", scanerr.Wrap(op, scanerr.KindAgentFailure, scanerr.ErrEmptyResponse)
		}
		return resp.Text, nil
	case <-ctx.Done():
		return "", scanerr.Wrap(op, scanerr.KindOf(ctx.Err()), ctx.Err())
	}
}

func findingTitle(v probe.Verdict, probeName string) string {
	if v.Title != "" {
		return v.Title
	}
	return probeName
}

// generateWorkerID creates a unique identifier from hostname, PID and a
// short UUID.
func generateWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
}
