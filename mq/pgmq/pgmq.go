// Package pgmq implements workflows.Queue over PostgreSQL: a single
// mq_messages table shared by every logical queue (rows carry their
// queue name in a queue column), SELECT ... FOR UPDATE SKIP
// LOCKED for contention-free reads, and LISTEN/NOTIFY so ReadWithPoll
// can block on an empty queue instead of busy-polling it.
package pgmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	workflows "github.com/Singularity-ng/singularity-workflows"
)

// Queue implements workflows.Queue over an externally-owned pgxpool.Pool.
// The caller creates and closes the pool.
type Queue struct {
	pool *pgxpool.Pool
}

var _ workflows.Queue = (*Queue)(nil)

// New creates a Queue using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Init creates the backing table and index, idempotently.
func (q *Queue) Init(ctx context.Context) error {
	for _, stmt := range initStatements {
		if _, err := q.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgmq: init: %w", err)
		}
	}
	return nil
}

func (q *Queue) Close() error {
	q.pool.Close()
	return nil
}

var initStatements = []string{
	`CREATE TABLE IF NOT EXISTS mq_messages (
		msg_id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload JSONB NOT NULL,
		visible_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS mq_messages_queue_visible_idx
		ON mq_messages (queue, visible_at)`,
}

// Send enqueues msg, visible immediately, and notifies any blocked
// reader on the queue's channel.
func (q *Queue) Send(ctx context.Context, queue string, msg workflows.TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pgmq: send: marshal payload: %w", err)
	}

	id := uuid.NewString()
	tag, err := q.pool.Exec(ctx,
		`INSERT INTO mq_messages (msg_id, queue, payload, visible_at) VALUES ($1, $2, $3, now())`,
		id, queue, payload,
	)
	if err != nil {
		return wrapTransient("send", err)
	}
	_ = tag

	if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, '')`, notifyChannel(queue)); err != nil {
		return wrapTransient("send notify", err)
	}
	return nil
}

// ReadWithPoll returns up to batchSize currently-visible messages,
// marking them invisible until now+visibilityTimeout. If the queue is
// empty it LISTENs on the queue's notify channel and waits up to
// pollTimeout for a Send to wake it, rechecking once woken or on
// timeout, and returning an empty slice if still nothing is visible.
func (q *Queue) ReadWithPoll(ctx context.Context, queue string, batchSize int, visibilityTimeout, pollTimeout time.Duration) ([]workflows.QueueMessage, error) {
	msgs, err := q.read(ctx, queue, batchSize, visibilityTimeout)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 || pollTimeout <= 0 {
		return msgs, nil
	}

	if err := q.waitForNotify(ctx, queue, pollTimeout); err != nil {
		return nil, err
	}
	return q.read(ctx, queue, batchSize, visibilityTimeout)
}

func (q *Queue) read(ctx context.Context, queue string, batchSize int, visibilityTimeout time.Duration) ([]workflows.QueueMessage, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, wrapTransient("begin read", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT msg_id, payload, created_at FROM mq_messages
		 WHERE queue = $1 AND visible_at <= now()
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		queue, batchSize,
	)
	if err != nil {
		return nil, wrapTransient("select visible", err)
	}

	var ids []string
	var msgs []workflows.QueueMessage
	for rows.Next() {
		var id string
		var payload json.RawMessage
		var createdAt time.Time
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			rows.Close()
			return nil, wrapTransient("scan visible", err)
		}
		var task workflows.TaskMessage
		if err := json.Unmarshal(payload, &task); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgmq: read: unmarshal payload: %w", err)
		}
		ids = append(ids, id)
		msgs = append(msgs, workflows.QueueMessage{ID: id, Payload: task, CreatedAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransient("select visible", err)
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE mq_messages SET visible_at = now() + $2 WHERE msg_id = ANY($1)`,
			ids, visibilityTimeout,
		); err != nil {
			return nil, wrapTransient("hide read batch", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapTransient("commit read", err)
	}
	return msgs, nil
}

// waitForNotify blocks on a dedicated connection until a Send on queue
// fires pg_notify, ctx is done, or pollTimeout elapses — whichever
// comes first. A missed notification just falls through to the caller
// re-checking the table, so no race can wedge it.
func (q *Queue) waitForNotify(ctx context.Context, queue string, pollTimeout time.Duration) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return wrapTransient("acquire listen conn", err)
	}
	defer conn.Release()

	channel := notifyChannel(queue)
	if _, err := conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
		return wrapTransient("listen", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	_, err = conn.Conn().WaitForNotification(waitCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return wrapTransient("wait for notification", err)
	}
	return nil
}

// Delete removes a message by ID. Deleting an ID that no longer exists
// (already deleted, or never existed) is not an error — callers may
// race a crash-recovery redelivery against their own completion.
func (q *Queue) Delete(ctx context.Context, queue string, msgID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM mq_messages WHERE queue = $1 AND msg_id = $2`, queue, msgID)
	return wrapTransient("delete", err)
}

// SetVisibilityTimeout extends or shortens how long msgID stays
// invisible from now.
func (q *Queue) SetVisibilityTimeout(ctx context.Context, queue string, msgID string, timeout time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE mq_messages SET visible_at = now() + $3 WHERE queue = $1 AND msg_id = $2`,
		queue, msgID, timeout,
	)
	if err != nil {
		return wrapTransient("set visibility timeout", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgmq: set visibility timeout: message %s not found", msgID)
	}
	return nil
}

// notifyChannel derives a NOTIFY channel name from the queue name.
// Postgres channel names are limited to 63 bytes, so a longer name is
// cut to its first 63 bytes; queues whose names agree in their first 58
// bytes then share a channel, which only costs a reader an extra wake-up.
func notifyChannel(queue string) string {
	ch := "pgmq_" + queue
	if len(ch) > 63 {
		ch = ch[:63]
	}
	return ch
}

func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "08000", "08003", "08006":
			return fmt.Errorf("pgmq: %s: %w: %w", op, workflows.ErrTransientQueue, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("pgmq: %s: %w", op, err)
	}
	return fmt.Errorf("pgmq: %s: %w", op, err)
}
