// Package postgres implements workflows.Store backed by PostgreSQL,
// running the transition functions (§4.5) as plain Go functions over a
// pgx.Tx. StartReadySteps, CompleteTask and FailTask are each a single
// transaction that first locks the Run row (SELECT ... FOR UPDATE), which
// serializes the transitions of one run; later rows are locked in the
// order each function's statements reach them (CompleteTask updates its
// StepTask before its StepState). StartTasks is a single UPDATE that
// takes no Run lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	workflows "github.com/Singularity-ng/singularity-workflows"
)

// Store implements workflows.Store over an externally-owned pgxpool.Pool.
// The caller creates and closes the pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ workflows.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init applies the schema (tables and index), idempotently.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range initStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var initStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
		slug TEXT PRIMARY KEY CHECK (slug ~ '^[a-z0-9]([a-z0-9_]{0,61}[a-z0-9])?$'),
		max_attempts INTEGER NOT NULL,
		timeout_s INTEGER NOT NULL,
		steps JSONB NOT NULL,
		deps JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_slug TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'started',
		input JSONB NOT NULL,
		output JSONB,
		error TEXT,
		remaining_steps INTEGER NOT NULL,
		worker_version TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS step_states (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_slug TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'created',
		remaining_deps INTEGER NOT NULL,
		initial_tasks INTEGER,
		remaining_tasks INTEGER NOT NULL DEFAULT 0,
		attempts_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		PRIMARY KEY (run_id, step_slug)
	)`,

	`CREATE TABLE IF NOT EXISTS step_dependencies (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_slug TEXT NOT NULL,
		depends_on_step TEXT NOT NULL,
		PRIMARY KEY (run_id, step_slug, depends_on_step)
	)`,

	`CREATE TABLE IF NOT EXISTS step_tasks (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_slug TEXT NOT NULL,
		task_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		output JSONB,
		error_message TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		last_worker_id TEXT,
		trace_id TEXT,
		span_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		PRIMARY KEY (run_id, step_slug, task_index)
	)`,
	`CREATE INDEX IF NOT EXISTS step_tasks_run_step_idx ON step_tasks(run_id, step_slug)`,
}

// --- Definition persistence ---

func (s *Store) GetWorkflowDefinition(ctx context.Context, slug string) (workflows.WorkflowDefinition, error) {
	var def workflows.WorkflowDefinition
	var stepsJSON, depsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT slug, max_attempts, timeout_s, steps, deps FROM workflow_definitions WHERE slug = $1`,
		slug,
	).Scan(&def.Slug, &def.MaxAttempts, &def.TimeoutS, &stepsJSON, &depsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflows.WorkflowDefinition{}, &workflows.ErrWorkflowNotFound{Slug: slug}
	}
	if err != nil {
		return workflows.WorkflowDefinition{}, wrapTransient("get workflow definition", err)
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return workflows.WorkflowDefinition{}, fmt.Errorf("postgres: unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(depsJSON, &def.Deps); err != nil {
		return workflows.WorkflowDefinition{}, fmt.Errorf("postgres: unmarshal deps: %w", err)
	}
	return def, nil
}

func (s *Store) PutWorkflowDefinition(ctx context.Context, def workflows.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("postgres: marshal steps: %w", err)
	}
	depsJSON, err := json.Marshal(def.Deps)
	if err != nil {
		return fmt.Errorf("postgres: marshal deps: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_definitions (slug, max_attempts, timeout_s, steps, deps)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (slug) DO UPDATE SET
		   max_attempts = EXCLUDED.max_attempts,
		   timeout_s = EXCLUDED.timeout_s,
		   steps = EXCLUDED.steps,
		   deps = EXCLUDED.deps`,
		def.Slug, def.MaxAttempts, def.TimeoutS, stepsJSON, depsJSON,
	)
	return wrapTransient("put workflow definition", err)
}

// --- Run lifecycle ---

func (s *Store) CreateRun(ctx context.Context, wf *workflows.ResolvedWorkflow, input []byte) (string, error) {
	runID := workflows.NewRunID()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", wrapTransient("begin create run", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, workflow_slug, status, input, remaining_steps, started_at)
		 VALUES ($1, $2, 'started', $3, $4, now())`,
		runID, wf.Slug, input, len(wf.Steps),
	)
	if err != nil {
		return "", wrapTransient("insert run", err)
	}

	for slug, step := range wf.Steps {
		remainingDeps := len(wf.Deps[slug])
		_, err = tx.Exec(ctx,
			`INSERT INTO step_states (run_id, step_slug, status, remaining_deps, initial_tasks, remaining_tasks)
			 VALUES ($1, $2, 'created', $3, $4, COALESCE($4, 0))`,
			runID, slug, remainingDeps, step.InitialTasks,
		)
		if err != nil {
			return "", wrapTransient("insert step state", err)
		}
		for _, dep := range wf.Deps[slug] {
			if _, err := tx.Exec(ctx,
				`INSERT INTO step_dependencies (run_id, step_slug, depends_on_step) VALUES ($1, $2, $3)`,
				runID, slug, dep,
			); err != nil {
				return "", wrapTransient("insert step dependency", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", wrapTransient("commit create run", err)
	}
	return runID, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (workflows.Run, error) {
	var run workflows.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow_slug, status, input, output, error, remaining_steps,
		        created_at, started_at, completed_at, failed_at
		 FROM runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.WorkflowSlug, &run.Status, &run.Input, &run.Output, &run.Error,
		&run.RemainingSteps, &run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflows.Run{}, fmt.Errorf("postgres: run %q: %w", runID, workflows.ErrDefinitionMissing)
	}
	if err != nil {
		return workflows.Run{}, wrapTransient("get run", err)
	}
	return run, nil
}

func (s *Store) GetStepState(ctx context.Context, runID, stepSlug string) (workflows.StepState, error) {
	var st workflows.StepState
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, step_slug, status, remaining_deps, initial_tasks, remaining_tasks,
		        attempts_count, error_message, created_at, started_at, completed_at, failed_at
		 FROM step_states WHERE run_id = $1 AND step_slug = $2`,
		runID, stepSlug,
	).Scan(&st.RunID, &st.StepSlug, &st.Status, &st.RemainingDeps, &st.InitialTasks, &st.RemainingTasks,
		&st.AttemptsCount, &st.ErrorMessage, &st.CreatedAt, &st.StartedAt, &st.CompletedAt, &st.FailedAt)
	if err != nil {
		return workflows.StepState{}, wrapTransient("get step state", err)
	}
	return st, nil
}

func (s *Store) ListTasks(ctx context.Context, runID, stepSlug string) ([]workflows.StepTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, step_slug, task_index, status, attempts, output, error_message,
		        idempotency_key, last_worker_id, trace_id, span_id,
		        created_at, started_at, completed_at, failed_at
		 FROM step_tasks WHERE run_id = $1 AND step_slug = $2 ORDER BY task_index`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, wrapTransient("list tasks", err)
	}
	defer rows.Close()

	var tasks []workflows.StepTask
	for rows.Next() {
		var t workflows.StepTask
		if err := rows.Scan(&t.RunID, &t.StepSlug, &t.TaskIndex, &t.Status, &t.Attempts, &t.Output,
			&t.ErrorMessage, &t.IdempotencyKey, &t.LastWorkerID, &t.TraceID, &t.SpanID,
			&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.FailedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, wrapTransient("list tasks", rows.Err())
}

// --- Transitions ---

// StartReadySteps locks every created StepState at remaining_deps=0 (in
// step_slug order, per the fixed lock ordering), starts it, creates its
// fixed-fan-out StepTasks, and returns the resulting TaskMessages.
func (s *Store) StartReadySteps(ctx context.Context, runID string) ([]workflows.TaskMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapTransient("begin start_ready_steps", err)
	}
	defer tx.Rollback(ctx)

	var workflowSlug string
	if err := tx.QueryRow(ctx, `SELECT workflow_slug FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&workflowSlug); err != nil {
		return nil, wrapTransient("lock run", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT step_slug, initial_tasks FROM step_states
		 WHERE run_id = $1 AND status = 'created' AND remaining_deps = 0
		 ORDER BY step_slug FOR UPDATE`,
		runID,
	)
	if err != nil {
		return nil, wrapTransient("select ready steps", err)
	}
	type ready struct {
		slug  string
		tasks *int
	}
	var readySteps []ready
	for rows.Next() {
		var r ready
		if err := rows.Scan(&r.slug, &r.tasks); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan ready step: %w", err)
		}
		readySteps = append(readySteps, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapTransient("select ready steps", err)
	}

	var messages []workflows.TaskMessage
	for _, r := range readySteps {
		if r.tasks == nil {
			// Dynamic map step: fan-out size is unknown until its
			// single producing upstream completes; leave it started
			// with remaining_tasks=0 and no tasks yet.
			if _, err := tx.Exec(ctx,
				`UPDATE step_states SET status = 'started', started_at = now() WHERE run_id = $1 AND step_slug = $2`,
				runID, r.slug,
			); err != nil {
				return nil, wrapTransient("start dynamic map step", err)
			}
			continue
		}
		n := *r.tasks
		if _, err := tx.Exec(ctx,
			`UPDATE step_states SET status = 'started', started_at = now(), remaining_tasks = $3 WHERE run_id = $1 AND step_slug = $2`,
			runID, r.slug, n,
		); err != nil {
			return nil, wrapTransient("start step", err)
		}
		for i := 0; i < n; i++ {
			key := workflows.IdempotencyKey(workflowSlug, r.slug, runID, i)
			if _, err := tx.Exec(ctx,
				`INSERT INTO step_tasks (run_id, step_slug, task_index, idempotency_key) VALUES ($1, $2, $3, $4)`,
				runID, r.slug, i, key,
			); err != nil {
				return nil, wrapTransient("insert task", err)
			}
			messages = append(messages, workflows.TaskMessage{RunID: runID, StepSlug: r.slug, TaskIndex: i, IsMapTask: n > 1})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapTransient("commit start_ready_steps", err)
	}
	return messages, nil
}

func (s *Store) StartTasks(ctx context.Context, runID, stepSlug string, taskIndexes []int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE step_tasks SET status = 'started', attempts = attempts + 1, started_at = now()
		 WHERE run_id = $1 AND step_slug = $2 AND task_index = ANY($3)`,
		runID, stepSlug, taskIndexes,
	)
	return wrapTransient("start tasks", err)
}

func (s *Store) CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, output []byte) ([]workflows.TaskMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapTransient("begin complete_task", err)
	}
	defer tx.Rollback(ctx)

	var runStatus, workflowSlug string
	if err := tx.QueryRow(ctx, `SELECT status, workflow_slug FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus, &workflowSlug); err != nil {
		return nil, wrapTransient("lock run", err)
	}
	if runStatus != "started" {
		return nil, workflows.ErrLateCompletion
	}

	tag, err := tx.Exec(ctx,
		`UPDATE step_tasks SET status = 'completed', output = $4, completed_at = now()
		 WHERE run_id = $1 AND step_slug = $2 AND task_index = $3 AND idempotency_key = $5 AND status != 'completed'`,
		runID, stepSlug, taskIndex, output, idempotencyKey,
	)
	if err != nil {
		return nil, wrapTransient("complete task", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, workflows.ErrLateCompletion
	}

	var remainingTasks int
	if err := tx.QueryRow(ctx,
		`UPDATE step_states SET remaining_tasks = remaining_tasks - 1
		 WHERE run_id = $1 AND step_slug = $2
		 RETURNING remaining_tasks`,
		runID, stepSlug,
	).Scan(&remainingTasks); err != nil {
		return nil, wrapTransient("decrement remaining_tasks", err)
	}

	var messages []workflows.TaskMessage
	if remainingTasks <= 0 {
		messages, err = completeStepAndCascade(ctx, tx, runID, stepSlug, workflowSlug)
		if err != nil {
			if errors.Is(err, workflows.ErrTypeViolation) {
				if cerr := tx.Commit(ctx); cerr != nil {
					return nil, wrapTransient("commit type_violation", cerr)
				}
			}
			return nil, err
		}
	}

	if err := maybeCompleteRun(ctx, tx, runID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapTransient("commit complete_task", err)
	}
	return messages, nil
}

// completeStepAndCascade marks stepSlug completed and decrements
// remaining_deps on every step that depends on it (in step_slug
// order), starting any step newly at remaining_deps=0 via
// StartReadySteps-equivalent logic run inline on the same transaction.
func completeStepAndCascade(ctx context.Context, tx pgx.Tx, runID, stepSlug, workflowSlug string) ([]workflows.TaskMessage, error) {
	if _, err := tx.Exec(ctx,
		`UPDATE step_states SET status = 'completed', completed_at = now() WHERE run_id = $1 AND step_slug = $2`,
		runID, stepSlug,
	); err != nil {
		return nil, wrapTransient("complete step", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT step_slug FROM step_dependencies WHERE run_id = $1 AND depends_on_step = $2 ORDER BY step_slug`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, wrapTransient("select dependents", err)
	}
	var dependents []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan dependent: %w", err)
		}
		dependents = append(dependents, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapTransient("select dependents", err)
	}

	var newlyReady []string
	for _, d := range dependents {
		var remaining int
		if err := tx.QueryRow(ctx,
			`UPDATE step_states SET remaining_deps = remaining_deps - 1
			 WHERE run_id = $1 AND step_slug = $2
			 RETURNING remaining_deps`,
			runID, d,
		).Scan(&remaining); err != nil {
			return nil, wrapTransient("decrement remaining_deps", err)
		}
		if remaining == 0 {
			newlyReady = append(newlyReady, d)
		}
	}

	var messages []workflows.TaskMessage
	for _, d := range newlyReady {
		var tasks *int
		if err := tx.QueryRow(ctx, `SELECT initial_tasks FROM step_states WHERE run_id = $1 AND step_slug = $2`, runID, d).Scan(&tasks); err != nil {
			return nil, wrapTransient("read initial_tasks", err)
		}
		if tasks == nil {
			// d is a dynamic map: stepSlug is its sole producing upstream
			// (legal only with exactly one), which just completed above.
			// Materialize d's fan-out from stepSlug's aggregated output
			// now that the array length is known.
			kind, err := stepKindTx(ctx, tx, workflowSlug, stepSlug)
			if err != nil {
				return nil, err
			}
			producerOutput, err := aggregatedOutputTx(ctx, tx, runID, stepSlug, kind)
			if err != nil {
				return nil, err
			}
			var items []json.RawMessage
			if err := json.Unmarshal(producerOutput, &items); err != nil {
				return nil, failRunTypeViolation(ctx, tx, runID, stepSlug, d)
			}
			n := len(items)
			if _, err := tx.Exec(ctx,
				`UPDATE step_states SET status = 'started', started_at = now(), initial_tasks = $3, remaining_tasks = $3 WHERE run_id = $1 AND step_slug = $2`,
				runID, d, n,
			); err != nil {
				return nil, wrapTransient("materialize dynamic map step", err)
			}
			for i := 0; i < n; i++ {
				key := workflows.IdempotencyKey(workflowSlug, d, runID, i)
				if _, err := tx.Exec(ctx,
					`INSERT INTO step_tasks (run_id, step_slug, task_index, idempotency_key) VALUES ($1, $2, $3, $4)`,
					runID, d, i, key,
				); err != nil {
					return nil, wrapTransient("insert task", err)
				}
				messages = append(messages, workflows.TaskMessage{RunID: runID, StepSlug: d, TaskIndex: i, IsMapTask: n > 1})
			}
			if n == 0 {
				taskless, err := cascadeCompleteTasklessSteps(ctx, tx, runID, d, workflowSlug)
				if err != nil {
					return nil, err
				}
				messages = append(messages, taskless...)
			}
			continue
		}
		n := *tasks
		if _, err := tx.Exec(ctx,
			`UPDATE step_states SET status = 'started', started_at = now(), remaining_tasks = $3 WHERE run_id = $1 AND step_slug = $2`,
			runID, d, n,
		); err != nil {
			return nil, wrapTransient("start step", err)
		}
		for i := 0; i < n; i++ {
			key := workflows.IdempotencyKey(workflowSlug, d, runID, i)
			if _, err := tx.Exec(ctx,
				`INSERT INTO step_tasks (run_id, step_slug, task_index, idempotency_key) VALUES ($1, $2, $3, $4)`,
				runID, d, i, key,
			); err != nil {
				return nil, wrapTransient("insert task", err)
			}
			messages = append(messages, workflows.TaskMessage{RunID: runID, StepSlug: d, TaskIndex: i, IsMapTask: n > 1})
		}
	}

	return messages, nil
}

// cascadeCompleteTasklessSteps handles a started map step whose dynamic
// fan-out resolves to zero tasks (its producing upstream's array
// output was empty): the step completes immediately with no tasks,
// and the cascade continues to its own dependents.
func cascadeCompleteTasklessSteps(ctx context.Context, tx pgx.Tx, runID, stepSlug, workflowSlug string) ([]workflows.TaskMessage, error) {
	var remaining int
	if err := tx.QueryRow(ctx, `SELECT remaining_tasks FROM step_states WHERE run_id = $1 AND step_slug = $2`, runID, stepSlug).Scan(&remaining); err != nil {
		return nil, wrapTransient("read remaining_tasks", err)
	}
	if remaining != 0 {
		return nil, nil
	}
	return completeStepAndCascade(ctx, tx, runID, stepSlug, workflowSlug)
}

// stepKindTx reads stepSlug's Kind from the persisted workflow
// definition, needed to know whether a producer's tasks aggregate as a
// single value or an ordered array.
func stepKindTx(ctx context.Context, tx pgx.Tx, workflowSlug, stepSlug string) (workflows.StepKind, error) {
	var stepsJSON []byte
	if err := tx.QueryRow(ctx, `SELECT steps FROM workflow_definitions WHERE slug = $1`, workflowSlug).Scan(&stepsJSON); err != nil {
		return "", wrapTransient("read workflow steps", err)
	}
	var steps map[string]workflows.StepDefinition
	if err := json.Unmarshal(stepsJSON, &steps); err != nil {
		return "", fmt.Errorf("postgres: unmarshal steps: %w", err)
	}
	def, ok := steps[stepSlug]
	if !ok {
		return "", fmt.Errorf("postgres: unknown step %q in workflow %q", stepSlug, workflowSlug)
	}
	return def.Kind, nil
}

// aggregatedOutputTx returns stepSlug's output the way a downstream
// step sees it (merge.AggregatedStepOutput, but tx-scoped for use
// inside an in-flight transition): a single task's output for
// KindSingle, or the ordered array of task outputs for KindMap.
func aggregatedOutputTx(ctx context.Context, tx pgx.Tx, runID, stepSlug string, kind workflows.StepKind) (json.RawMessage, error) {
	rows, err := tx.Query(ctx,
		`SELECT output FROM step_tasks WHERE run_id = $1 AND step_slug = $2 ORDER BY task_index`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, wrapTransient("select producer tasks", err)
	}
	defer rows.Close()

	var outputs []json.RawMessage
	for rows.Next() {
		var out json.RawMessage
		if err := rows.Scan(&out); err != nil {
			return nil, fmt.Errorf("postgres: scan producer task: %w", err)
		}
		if out == nil {
			out = json.RawMessage("null")
		}
		outputs = append(outputs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransient("select producer tasks", err)
	}

	if kind == workflows.KindSingle {
		if len(outputs) == 0 {
			return json.RawMessage("null"), nil
		}
		return outputs[0], nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal producer output: %w", err)
	}
	return b, nil
}

// failRunTypeViolation fails the run when producerSlug's output does
// not satisfy stepSlug's dynamic map array requirement (spec §4.5 step
// 3: complete_task returns -1, run fails with error "type_violation").
func failRunTypeViolation(ctx context.Context, tx pgx.Tx, runID, producerSlug, stepSlug string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE step_states SET status = 'failed', error_message = $3, failed_at = now() WHERE run_id = $1 AND step_slug = $2`,
		runID, stepSlug, fmt.Sprintf("producer %q output is not an array", producerSlug),
	); err != nil {
		return wrapTransient("mark step failed", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'failed', failed_at = now(), error = $2 WHERE id = $1`,
		runID, "type_violation",
	); err != nil {
		return wrapTransient("fail run", err)
	}
	return workflows.ErrTypeViolation
}

// maybeCompleteRun completes the run once every step has completed
// (spec §4.5's remaining_steps counter reaching zero), aggregating
// output as the map of every step's slug to its aggregated output.
func maybeCompleteRun(ctx context.Context, tx pgx.Tx, runID string) error {
	var remaining int
	if err := tx.QueryRow(ctx,
		`UPDATE runs SET remaining_steps = (
			SELECT count(*) FROM step_states WHERE run_id = $1 AND status NOT IN ('completed', 'failed')
		 ) WHERE id = $1 RETURNING remaining_steps`,
		runID,
	).Scan(&remaining); err != nil {
		return wrapTransient("recompute remaining_steps", err)
	}
	if remaining > 0 {
		return nil
	}
	var workflowSlug string
	if err := tx.QueryRow(ctx, `SELECT workflow_slug FROM runs WHERE id = $1`, runID).Scan(&workflowSlug); err != nil {
		return wrapTransient("read workflow slug", err)
	}

	rows, err := tx.Query(ctx, `SELECT step_slug FROM step_states WHERE run_id = $1`, runID)
	if err != nil {
		return wrapTransient("select steps for output", err)
	}
	output := map[string]json.RawMessage{}
	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan step slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapTransient("select steps for output", err)
	}

	for _, slug := range slugs {
		taskRows, err := tx.Query(ctx,
			`SELECT task_index, output FROM step_tasks WHERE run_id = $1 AND step_slug = $2 ORDER BY task_index`,
			runID, slug,
		)
		if err != nil {
			return wrapTransient("select step output", err)
		}
		var outs []json.RawMessage
		for taskRows.Next() {
			var idx int
			var out json.RawMessage
			if err := taskRows.Scan(&idx, &out); err != nil {
				taskRows.Close()
				return fmt.Errorf("postgres: scan task output: %w", err)
			}
			outs = append(outs, out)
		}
		taskRows.Close()
		if err := taskRows.Err(); err != nil {
			return wrapTransient("select step output", err)
		}
		kind, err := stepKindTx(ctx, tx, workflowSlug, slug)
		if err != nil {
			return err
		}
		if kind == workflows.KindSingle && len(outs) > 0 {
			output[slug] = outs[0]
		} else if kind == workflows.KindMap {
			b, _ := json.Marshal(append([]json.RawMessage{}, outs...))
			output[slug] = b
		} else {
			output[slug] = json.RawMessage("null")
		}
	}

	outJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("postgres: marshal run output: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'completed', completed_at = now(), output = $2 WHERE id = $1`,
		runID, outJSON,
	); err != nil {
		return wrapTransient("complete run", err)
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, errMsg string) (bool, *workflows.RunSummary, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, wrapTransient("begin fail_task", err)
	}
	defer tx.Rollback(ctx)

	var runStatus string
	if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus); err != nil {
		return false, nil, wrapTransient("lock run", err)
	}
	if runStatus != "started" {
		return false, nil, workflows.ErrLateCompletion
	}

	var attempts int
	var def workflows.WorkflowDefinition
	var workflowSlug string
	if err := tx.QueryRow(ctx, `SELECT workflow_slug FROM runs WHERE id = $1`, runID).Scan(&workflowSlug); err != nil {
		return false, nil, wrapTransient("read workflow slug", err)
	}
	def, err = s.GetWorkflowDefinition(ctx, workflowSlug)
	if err != nil {
		return false, nil, err
	}
	maxAttempts := def.Steps[stepSlug].MaxAttempts(def.MaxAttempts)

	// attempts is already incremented by StartTasks at dispatch time;
	// FailTask only reads it back to decide whether the budget is spent.
	if err := tx.QueryRow(ctx,
		`UPDATE step_tasks SET error_message = $4
		 WHERE run_id = $1 AND step_slug = $2 AND task_index = $3 AND idempotency_key = $5
		 RETURNING attempts`,
		runID, stepSlug, taskIndex, errMsg, idempotencyKey,
	).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, workflows.ErrLateCompletion
		}
		return false, nil, wrapTransient("fail task", err)
	}

	if attempts < maxAttempts {
		if _, err := tx.Exec(ctx,
			`UPDATE step_tasks SET status = 'queued' WHERE run_id = $1 AND step_slug = $2 AND task_index = $3`,
			runID, stepSlug, taskIndex,
		); err != nil {
			return false, nil, wrapTransient("requeue task", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, nil, wrapTransient("commit fail_task retry", err)
		}
		return true, nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE step_tasks SET status = 'failed', error_message = $4, failed_at = now()
		 WHERE run_id = $1 AND step_slug = $2 AND task_index = $3`,
		runID, stepSlug, taskIndex, errMsg,
	); err != nil {
		return false, nil, wrapTransient("mark task failed", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE step_states SET status = 'failed', error_message = $3, failed_at = now()
		 WHERE run_id = $1 AND step_slug = $2`,
		runID, stepSlug, errMsg,
	); err != nil {
		return false, nil, wrapTransient("mark step failed", err)
	}

	var output json.RawMessage
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'failed', failed_at = now(), error = $2 WHERE id = $1`,
		runID, fmt.Sprintf("step %q: %s", stepSlug, errMsg),
	); err != nil {
		return false, nil, wrapTransient("fail run", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, wrapTransient("commit fail_task terminal", err)
	}

	return false, &workflows.RunSummary{
		RunID:        runID,
		WorkflowSlug: workflowSlug,
		Status:       workflows.RunFailed,
		Output:       output,
		Error:        errMsg,
	}, nil
}

// wrapTransient tags connection-level and serialization failures with
// ErrTransientStore so callers (and retryStore) can distinguish them
// from permanent validation/late-completion errors.
func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "08000", "08003", "08006":
			return fmt.Errorf("postgres: %s: %w: %w", op, workflows.ErrTransientStore, err)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
