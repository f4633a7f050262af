package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunState mirrors Run's lifecycle for in-process tracking of a
// submitted run, generalizing the teacher's AgentState enum from a
// single in-memory execution to a run whose actual progress lives in
// the Store.
type RunState int32

const (
	RunStatePending RunState = iota
	RunStateRunning
	RunStateCompleted
	RunStateFailed
)

func (s RunState) String() string {
	switch s {
	case RunStatePending:
		return "pending"
	case RunStateRunning:
		return "running"
	case RunStateCompleted:
		return "completed"
	case RunStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is completed or failed.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// RunHandle tracks a submitted Run by polling the Store until it
// reaches a terminal status. Prefer Notifier for event-driven
// completion; RunHandle is for callers that want a blocking Await
// without standing up a Notifier.
type RunHandle struct {
	id     string
	store  Store
	state  atomic.Int32
	run    Run
	done   chan struct{}
	cancel context.CancelFunc
}

// SubmitOption configures Submit.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	logger       *slog.Logger
	pollInterval time.Duration
}

// SubmitLogger sets the logger used for run lifecycle events.
func SubmitLogger(l *slog.Logger) SubmitOption {
	return func(c *submitConfig) { c.logger = l }
}

// SubmitPollInterval sets how often Submit checks the Store for a
// terminal status (default 500ms).
func SubmitPollInterval(d time.Duration) SubmitOption {
	return func(c *submitConfig) { c.pollInterval = d }
}

// Submit starts wf against input via NewRun and returns a RunHandle
// that polls store for completion in the background. The parent ctx
// controls the handle's lifetime; cancelling it stops polling (the run
// itself keeps progressing server-side — cancellation only detaches
// this handle).
func Submit(ctx context.Context, store Store, wf *ResolvedWorkflow, input []byte, opts ...SubmitOption) (*RunHandle, error) {
	cfg := submitConfig{logger: slog.Default(), pollInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	runID, err := NewRun(ctx, store, wf, input)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     runID,
		store:  store,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(RunStateRunning))

	cfg.logger.Info("run submitted", "workflow", wf.Slug, "run_id", runID)

	go func() {
		defer cancel()
		ticker := time.NewTicker(cfg.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					continue
				}
				if run.Status == RunStarted {
					continue
				}
				h.run = run
				if run.Status == RunCompleted {
					h.state.Store(int32(RunStateCompleted))
					cfg.logger.Info("run completed", "run_id", runID)
				} else {
					h.state.Store(int32(RunStateFailed))
					cfg.logger.Error("run failed", "run_id", runID, "error", run.Error)
				}
				close(h.done)
				return
			}
		}
	}()

	return h, nil
}

// ID returns the run's identifier.
func (h *RunHandle) ID() string { return h.id }

// State returns the current tracked state. If terminal, State blocks
// briefly until Done() is closed, guaranteeing Result() is valid once
// State().IsTerminal() is true.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed once the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (Run, error) {
	select {
	case <-h.done:
		return h.run, nil
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
}

// Result returns the run's final state. Only meaningful after Done()
// is closed; returns an error before then.
func (h *RunHandle) Result() (Run, error) {
	select {
	case <-h.done:
		return h.run, nil
	default:
		return Run{}, fmt.Errorf("workflows: run %q not yet terminal", h.id)
	}
}

// Cancel detaches this handle from polling. Non-blocking. Does not
// affect the run itself, which continues server-side.
func (h *RunHandle) Cancel() { h.cancel() }
