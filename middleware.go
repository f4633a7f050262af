package workflows

import (
	"context"
	"encoding/json"
)

// TaskMiddleware wraps a task's Callable invocation — for logging,
// metrics, or per-step guardrails — without the Worker needing to know
// about any of it. Must be safe for concurrent use.
type TaskMiddleware interface {
	// Around runs before and after next, and may short-circuit by not
	// calling next at all (returning its own output/error instead).
	Around(ctx context.Context, msg TaskMessage, input json.RawMessage, next Callable) (json.RawMessage, error)
}

// MiddlewareChain holds an ordered list of TaskMiddleware and composes
// them into a single Callable wrapper, outermost first.
type MiddlewareChain struct {
	chain []TaskMiddleware
}

// NewMiddlewareChain creates an empty chain.
func NewMiddlewareChain() *MiddlewareChain {
	return &MiddlewareChain{}
}

// Use appends mw to the chain.
func (c *MiddlewareChain) Use(mw TaskMiddleware) *MiddlewareChain {
	c.chain = append(c.chain, mw)
	return c
}

// Wrap returns fn decorated by every middleware in the chain, outermost
// first, for the given task message.
func (c *MiddlewareChain) Wrap(msg TaskMessage, fn Callable) Callable {
	wrapped := fn
	for i := len(c.chain) - 1; i >= 0; i-- {
		mw := c.chain[i]
		inner := wrapped
		wrapped = func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return mw.Around(ctx, msg, input, inner)
		}
	}
	return wrapped
}
