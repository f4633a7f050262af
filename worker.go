package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Worker polls the Queue for task messages, invokes the bound Callable
// for each, and reports the outcome back through the Store's transition
// functions (spec §4.6).
type Worker struct {
	store    Store
	queue    Queue
	resolved *ResolvedWorkflow
	notifier Notifier

	queueName     string
	maxInFlight   int
	batchSize     int
	pollTimeout   time.Duration
	maxPollBackoff time.Duration
	shutdownGrace time.Duration
	visSlack      time.Duration
	workerID      string

	middleware *MiddlewareChain
	sandboxes  map[string]StepRunner

	logger *slog.Logger
	tracer Tracer

	clock Clock
}

// WorkerOption configures a Worker built by NewWorker.
type WorkerOption func(*Worker)

// WithMaxInFlight bounds concurrent task execution (default 8).
func WithMaxInFlight(n int) WorkerOption {
	return func(w *Worker) { w.maxInFlight = n }
}

// WithBatchSize sets how many messages ReadWithPoll fetches per call
// (default 1).
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) { w.batchSize = n }
}

// WithPollTimeout bounds how long ReadWithPoll waits for a message
// before returning empty (default 5s).
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollTimeout = d }
}

// WithMaxPollBackoff caps the exponential backoff between empty polls
// (default 30s).
func WithMaxPollBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) { w.maxPollBackoff = d }
}

// WithShutdownGrace bounds how long Run waits for in-flight callables
// to finish once ctx is cancelled (default 30s).
func WithShutdownGrace(d time.Duration) WorkerOption {
	return func(w *Worker) { w.shutdownGrace = d }
}

// WithQueueName overrides the default queue name (the workflow slug).
func WithQueueName(name string) WorkerOption {
	return func(w *Worker) { w.queueName = name }
}

// WithWorkerID sets an identifier that is kept on the Worker only; it
// is not written to Run.worker_version or StepTask.last_worker_id.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) { w.workerID = id }
}

// WithMiddleware installs task middleware, outermost first.
func WithMiddleware(mw ...TaskMiddleware) WorkerOption {
	return func(w *Worker) {
		for _, m := range mw {
			w.middleware.Use(m)
		}
	}
}

// WithSandbox routes slug's callable through runner instead of direct
// in-process invocation.
func WithSandbox(slug string, runner StepRunner) WorkerOption {
	return func(w *Worker) { w.sandboxes[slug] = runner }
}

// WithNotifier forwards run failure events to n (see Notifier); a later
// WithNotifier replaces an earlier one.
func WithNotifier(n Notifier) WorkerOption {
	return func(w *Worker) { w.notifier = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithTracer installs an OpenTelemetry-backed Tracer for task spans.
func WithTracer(t Tracer) WorkerOption {
	return func(w *Worker) { w.tracer = t }
}

// WithClock overrides the Worker's time source (tests inject a Frozen
// clock; production uses the default RealClock).
func WithClock(c Clock) WorkerOption {
	return func(w *Worker) { w.clock = c }
}

// NewWorker builds a Worker that executes resolved's callables for
// tasks read from queue, reporting outcomes through store.
func NewWorker(store Store, queue Queue, resolved *ResolvedWorkflow, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:          store,
		queue:          queue,
		resolved:       resolved,
		queueName:      resolved.Slug,
		maxInFlight:    8,
		batchSize:      1,
		pollTimeout:    5 * time.Second,
		maxPollBackoff: 30 * time.Second,
		shutdownGrace:  30 * time.Second,
		visSlack:       5 * time.Second,
		middleware:     NewMiddlewareChain(),
		sandboxes:      make(map[string]StepRunner),
		logger:         slog.Default(),
		tracer:         NoopTracer{},
		clock:          RealClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls the queue and dispatches tasks until ctx is cancelled, then
// waits up to ShutdownGrace for in-flight callables before returning.
func (w *Worker) Run(ctx context.Context) error {
	sem := newLimiter(w.maxInFlight)
	var wg sync.WaitGroup
	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.MaxInterval = w.maxPollBackoff
	waitInFlight := func() {
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(w.shutdownGrace):
		}
	}

	for {
		select {
		case <-ctx.Done():
			waitInFlight()
			return nil
		default:
		}

		msgs, err := w.queue.ReadWithPoll(ctx, w.queueName, w.batchSize, w.visibilityTimeout(), w.pollTimeout)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				waitInFlight()
				return nil
			}
			w.logger.Error("poll failed", "error", err)
			time.Sleep(backoffPolicy.NextBackOff())
			continue
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(backoffPolicy.NextBackOff()):
			}
			continue
		}
		backoffPolicy.Reset()

		for _, m := range msgs {
			if err := sem.acquire(ctx); err != nil {
				waitInFlight()
				return nil
			}
			wg.Add(1)
			go func(m QueueMessage) {
				defer wg.Done()
				defer sem.release()
				w.handle(ctx, m)
			}(m)
		}
	}
}

// visibilityTimeout returns the default read visibility window; a
// task's actual effective timeout (from its StepDefinition) extends it
// via extendVisibility while the callable runs.
func (w *Worker) visibilityTimeout() time.Duration {
	return time.Duration(w.resolved.TimeoutS)*time.Second + w.visSlack
}

func (w *Worker) handle(ctx context.Context, m QueueMessage) {
	msg := m.Payload
	step, ok := w.resolved.Steps[msg.StepSlug]
	if !ok {
		w.logger.Error("task for unknown step", "step", msg.StepSlug)
		_ = w.queue.Delete(ctx, w.queueName, m.ID)
		return
	}

	effectiveTimeout := time.Duration(step.TimeoutS(w.resolved.TimeoutS)) * time.Second
	taskCtx, cancel := context.WithTimeout(ctx, effectiveTimeout)
	defer cancel()

	stopExtend := w.extendVisibility(ctx, m.ID, effectiveTimeout)
	defer stopExtend()

	run, err := w.store.GetRun(taskCtx, msg.RunID)
	if err != nil {
		w.logger.Error("load run failed", "run_id", msg.RunID, "error", err)
		return
	}

	input, err := MergedInput(taskCtx, w.store, w.resolved, &run, msg.StepSlug, msg.TaskIndex)
	if err != nil {
		w.fail(taskCtx, m, msg, err.Error())
		return
	}

	idempotencyKey := IdempotencyKey(w.resolved.Slug, msg.StepSlug, msg.RunID, msg.TaskIndex)
	if err := w.store.StartTasks(taskCtx, msg.RunID, msg.StepSlug, []int{msg.TaskIndex}); err != nil {
		w.logger.Error("start task failed", "error", err)
		return
	}

	fn := w.resolveCallable(msg.StepSlug, step)
	fn = w.middleware.Wrap(msg, fn)

	ctx2, span := w.tracer.Start(taskCtx, "workflows.task", StringAttr("step_slug", msg.StepSlug), StringAttr("run_id", msg.RunID))
	output, callErr := w.invoke(ctx2, fn, input)
	if callErr != nil {
		span.Error(callErr)
	}
	span.End()

	if callErr != nil {
		w.fail(taskCtx, m, msg, callErr.Error())
		return
	}
	w.complete(taskCtx, m, msg, idempotencyKey, output)
}

// invoke recovers a panicking Callable into ErrTaskError, matching the
// task_error classification for both a returned error and a panic.
func (w *Worker) invoke(ctx context.Context, fn Callable, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(ErrTaskError, formatPanic(r))
		}
	}()
	out, err = fn(ctx, input)
	if err != nil && ctx.Err() != nil {
		return nil, errors.Join(ErrTaskTimeout, ctx.Err())
	}
	return out, err
}

func (w *Worker) resolveCallable(slug string, step StepDefinition) Callable {
	if step.Sandboxed {
		if runner, ok := w.sandboxes[slug]; ok {
			return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				return runner.Run(ctx, step.CallableRef, input)
			}
		}
	}
	return w.resolved.Callables[slug]
}

func (w *Worker) complete(ctx context.Context, m QueueMessage, msg TaskMessage, idempotencyKey string, output json.RawMessage) {
	newTasks, err := w.store.CompleteTask(ctx, msg.RunID, msg.StepSlug, msg.TaskIndex, idempotencyKey, output)
	if err != nil && !errors.Is(err, ErrLateCompletion) {
		w.logger.Error("complete_task failed", "error", err)
		return
	}
	_ = w.queue.Delete(ctx, w.queueName, m.ID)
	for _, t := range newTasks {
		_ = w.queue.Send(ctx, w.queueName, t)
	}
}

func (w *Worker) fail(ctx context.Context, m QueueMessage, msg TaskMessage, errMsg string) {
	idempotencyKey := IdempotencyKey(w.resolved.Slug, msg.StepSlug, msg.RunID, msg.TaskIndex)
	retry, summary, err := w.store.FailTask(ctx, msg.RunID, msg.StepSlug, msg.TaskIndex, idempotencyKey, errMsg)
	if err != nil && !errors.Is(err, ErrLateCompletion) {
		w.logger.Error("fail_task failed", "error", err)
		return
	}
	_ = w.queue.Delete(ctx, w.queueName, m.ID)
	if retry {
		_ = w.queue.Send(ctx, w.queueName, msg)
	}
	if summary != nil && w.notifier != nil {
		w.notifier.Notify(ctx, *summary)
	}
}

// extendVisibility starts a ticker that extends m's visibility timeout
// to effectiveTimeout plus slack while the callable runs, stopping when
// the returned func is called.
func (w *Worker) extendVisibility(ctx context.Context, msgID string, effectiveTimeout time.Duration) func() {
	interval := effectiveTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = w.queue.SetVisibilityTimeout(ctx, w.queueName, msgID, effectiveTimeout+w.visSlack)
			}
		}
	}()
	return func() { close(done) }
}

func formatPanic(r any) error {
	return fmt.Errorf("panic: %v", r)
}
