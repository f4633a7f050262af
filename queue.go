package workflows

import (
	"context"
	"time"
)

// Queue is the visibility-timeout task queue (§4.4, §6.2): a message
// becomes invisible to other readers for a configurable window once
// read, and must be explicitly deleted or it reappears for redelivery.
// mq/pgmq implements Queue over Postgres.
type Queue interface {
	// Send enqueues msg, visible immediately.
	Send(ctx context.Context, queue string, msg TaskMessage) error

	// ReadWithPoll returns up to batchSize currently-visible messages,
	// marking them invisible for visibilityTimeout. If none are
	// visible, it waits up to pollTimeout for one to arrive before
	// returning an empty slice — never a busy loop.
	ReadWithPoll(ctx context.Context, queue string, batchSize int, visibilityTimeout, pollTimeout time.Duration) ([]QueueMessage, error)

	// Delete removes a message by ID. Callers delete after a
	// successfully processed message, success or terminal failure
	// alike — visibility expiry is the crash-recovery fallback only.
	Delete(ctx context.Context, queue string, msgID string) error

	// SetVisibilityTimeout extends or shortens how long msgID stays
	// invisible from now, used by the Worker Loop to keep a
	// long-running task's message hidden while it executes.
	SetVisibilityTimeout(ctx context.Context, queue string, msgID string, timeout time.Duration) error

	Close() error
}

// QueueMessage is a message as delivered by ReadWithPoll: the envelope
// (ID, enqueue time) plus the decoded TaskMessage payload.
type QueueMessage struct {
	ID        string
	Payload   TaskMessage
	CreatedAt time.Time
}
