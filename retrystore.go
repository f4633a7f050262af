package workflows

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
)

// retryStore decorates a Store, retrying any call that fails with
// ErrTransientStore using exponential backoff, up to maxAttempts. Every
// transition is already a single transaction at the underlying Store,
// so a retried call is safe to re-issue — it never observes or leaves
// partial state.
type retryStore struct {
	Store
	maxAttempts uint
}

// WithStoreRetry wraps s so transient errors are retried transparently
// before they reach callers, matching the teacher's provider-wrapping
// shape (WithRetry(Provider, ...)) generalized to Store.
func WithStoreRetry(s Store, maxAttempts uint) Store {
	return &retryStore{Store: s, maxAttempts: maxAttempts}
}

func retryOp[T any](ctx context.Context, maxAttempts uint, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(maxAttempts),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

func (r *retryStore) CreateRun(ctx context.Context, wf *ResolvedWorkflow, input []byte) (string, error) {
	return retryOp(ctx, r.maxAttempts, func() (string, error) {
		id, err := r.Store.CreateRun(ctx, wf, input)
		return id, classifyStoreErr(err)
	})
}

func (r *retryStore) GetRun(ctx context.Context, runID string) (Run, error) {
	return retryOp(ctx, r.maxAttempts, func() (Run, error) {
		run, err := r.Store.GetRun(ctx, runID)
		return run, classifyStoreErr(err)
	})
}

func (r *retryStore) StartReadySteps(ctx context.Context, runID string) ([]TaskMessage, error) {
	return retryOp(ctx, r.maxAttempts, func() ([]TaskMessage, error) {
		msgs, err := r.Store.StartReadySteps(ctx, runID)
		return msgs, classifyStoreErr(err)
	})
}

func (r *retryStore) CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, output []byte) ([]TaskMessage, error) {
	return retryOp(ctx, r.maxAttempts, func() ([]TaskMessage, error) {
		msgs, err := r.Store.CompleteTask(ctx, runID, stepSlug, taskIndex, idempotencyKey, output)
		return msgs, classifyStoreErr(err)
	})
}

func (r *retryStore) FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, errMsg string) (bool, *RunSummary, error) {
	type result struct {
		retry   bool
		summary *RunSummary
	}
	res, err := retryOp(ctx, r.maxAttempts, func() (result, error) {
		retry, summary, err := r.Store.FailTask(ctx, runID, stepSlug, taskIndex, idempotencyKey, errMsg)
		return result{retry: retry, summary: summary}, classifyStoreErr(err)
	})
	return res.retry, res.summary, err
}

// classifyStoreErr marks errors worth retrying as backoff.Permanent's
// inverse: returning err unchanged retries it, wrapping in
// backoff.Permanent stops. Only ErrTransientStore is retried — anything
// else (validation, late completion, a canceled context) is permanent.
func classifyStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientStore) {
		return err
	}
	return backoff.Permanent(err)
}
