// Package sqlite implements workflows.Store backed by a local SQLite
// file, running the same transition logic as store/postgres. There are
// no row-level locks: the pool holds a single connection, which
// serializes every transaction. The transactions are SQLite's default
// deferred kind, not BEGIN IMMEDIATE.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	workflows "github.com/Singularity-ng/singularity-workflows"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store implements workflows.Store backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ workflows.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection (SetMaxOpenConns(1)) so that all callers
// serialize through one connection, eliminating SQLITE_BUSY errors
// caused by concurrent writers opening independent connections.
func New(dbPath string) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is unregistered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Init creates the schema, idempotently.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			slug TEXT PRIMARY KEY,
			max_attempts INTEGER NOT NULL,
			timeout_s INTEGER NOT NULL,
			steps TEXT NOT NULL,
			deps TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_slug TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'started',
			input TEXT NOT NULL,
			output TEXT,
			error TEXT,
			remaining_steps INTEGER NOT NULL,
			worker_version TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			failed_at TEXT
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
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			failed_at TEXT,
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
			output TEXT,
			error_message TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			last_worker_id TEXT,
			trace_id TEXT,
			span_id TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			failed_at TEXT,
			PRIMARY KEY (run_id, step_slug, task_index)
		)`,
		`CREATE INDEX IF NOT EXISTS step_tasks_run_step_idx ON step_tasks(run_id, step_slug)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- timestamp helpers: SQLite has no native timestamptz, so every
// column is TEXT holding RFC3339Nano. ---

func nowText() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func scanTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse timestamp %q: %w", raw.String, err)
	}
	return &t, nil
}

// --- Definition persistence ---

func (s *Store) GetWorkflowDefinition(ctx context.Context, slug string) (workflows.WorkflowDefinition, error) {
	var def workflows.WorkflowDefinition
	var stepsJSON, depsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT slug, max_attempts, timeout_s, steps, deps FROM workflow_definitions WHERE slug = ?`,
		slug,
	).Scan(&def.Slug, &def.MaxAttempts, &def.TimeoutS, &stepsJSON, &depsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return workflows.WorkflowDefinition{}, &workflows.ErrWorkflowNotFound{Slug: slug}
	}
	if err != nil {
		return workflows.WorkflowDefinition{}, wrapErr("get workflow definition", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return workflows.WorkflowDefinition{}, fmt.Errorf("sqlite: unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &def.Deps); err != nil {
		return workflows.WorkflowDefinition{}, fmt.Errorf("sqlite: unmarshal deps: %w", err)
	}
	return def, nil
}

func (s *Store) PutWorkflowDefinition(ctx context.Context, def workflows.WorkflowDefinition) error {
	if err := workflows.ValidateSlug(def.Slug); err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("sqlite: marshal steps: %w", err)
	}
	depsJSON, err := json.Marshal(def.Deps)
	if err != nil {
		return fmt.Errorf("sqlite: marshal deps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (slug, max_attempts, timeout_s, steps, deps)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET
		   max_attempts = excluded.max_attempts,
		   timeout_s = excluded.timeout_s,
		   steps = excluded.steps,
		   deps = excluded.deps`,
		def.Slug, def.MaxAttempts, def.TimeoutS, string(stepsJSON), string(depsJSON),
	)
	return wrapErr("put workflow definition", err)
}

// --- Run lifecycle ---

func (s *Store) CreateRun(ctx context.Context, wf *workflows.ResolvedWorkflow, input []byte) (string, error) {
	runID := workflows.NewRunID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapErr("begin create run", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := nowText()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_slug, status, input, remaining_steps, created_at, started_at)
		 VALUES (?, ?, 'started', ?, ?, ?, ?)`,
		runID, wf.Slug, string(input), len(wf.Steps), now, now,
	); err != nil {
		return "", wrapErr("insert run", err)
	}

	for slug, step := range wf.Steps {
		remainingDeps := len(wf.Deps[slug])
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_states (run_id, step_slug, status, remaining_deps, initial_tasks, remaining_tasks, created_at)
			 VALUES (?, ?, 'created', ?, ?, COALESCE(?, 0), ?)`,
			runID, slug, remainingDeps, step.InitialTasks, step.InitialTasks, now,
		); err != nil {
			return "", wrapErr("insert step state", err)
		}
		for _, dep := range wf.Deps[slug] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO step_dependencies (run_id, step_slug, depends_on_step) VALUES (?, ?, ?)`,
				runID, slug, dep,
			); err != nil {
				return "", wrapErr("insert step dependency", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", wrapErr("commit create run", err)
	}
	return runID, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (workflows.Run, error) {
	var run workflows.Run
	var output, errMsg sql.NullString
	var createdAt string
	var startedAt, completedAt, failedAt sql.NullString
	var input string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_slug, status, input, output, error, remaining_steps,
		        created_at, started_at, completed_at, failed_at
		 FROM runs WHERE id = ?`,
		runID,
	).Scan(&run.ID, &run.WorkflowSlug, &run.Status, &input, &output, &errMsg, &run.RemainingSteps,
		&createdAt, &startedAt, &completedAt, &failedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return workflows.Run{}, fmt.Errorf("sqlite: run %q: %w", runID, workflows.ErrDefinitionMissing)
	}
	if err != nil {
		return workflows.Run{}, wrapErr("get run", err)
	}
	run.Input = json.RawMessage(input)
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	run.Error = errMsg.String
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		run.CreatedAt = t
	}
	if run.StartedAt, err = scanTimePtr(startedAt); err != nil {
		return workflows.Run{}, err
	}
	if run.CompletedAt, err = scanTimePtr(completedAt); err != nil {
		return workflows.Run{}, err
	}
	if run.FailedAt, err = scanTimePtr(failedAt); err != nil {
		return workflows.Run{}, err
	}
	return run, nil
}

func (s *Store) GetStepState(ctx context.Context, runID, stepSlug string) (workflows.StepState, error) {
	var st workflows.StepState
	var errMsg sql.NullString
	var createdAt string
	var startedAt, completedAt, failedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, step_slug, status, remaining_deps, initial_tasks, remaining_tasks,
		        attempts_count, error_message, created_at, started_at, completed_at, failed_at
		 FROM step_states WHERE run_id = ? AND step_slug = ?`,
		runID, stepSlug,
	).Scan(&st.RunID, &st.StepSlug, &st.Status, &st.RemainingDeps, &st.InitialTasks, &st.RemainingTasks,
		&st.AttemptsCount, &errMsg, &createdAt, &startedAt, &completedAt, &failedAt)
	if err != nil {
		return workflows.StepState{}, wrapErr("get step state", err)
	}
	st.ErrorMessage = errMsg.String
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		st.CreatedAt = t
	}
	if st.StartedAt, err = scanTimePtr(startedAt); err != nil {
		return workflows.StepState{}, err
	}
	if st.CompletedAt, err = scanTimePtr(completedAt); err != nil {
		return workflows.StepState{}, err
	}
	if st.FailedAt, err = scanTimePtr(failedAt); err != nil {
		return workflows.StepState{}, err
	}
	return st, nil
}

func (s *Store) ListTasks(ctx context.Context, runID, stepSlug string) ([]workflows.StepTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_slug, task_index, status, attempts, output, error_message,
		        idempotency_key, last_worker_id, trace_id, span_id,
		        created_at, started_at, completed_at, failed_at
		 FROM step_tasks WHERE run_id = ? AND step_slug = ? ORDER BY task_index`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, wrapErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []workflows.StepTask
	for rows.Next() {
		var t workflows.StepTask
		var output, errMsg, lastWorker, traceID, spanID sql.NullString
		var createdAt string
		var startedAt, completedAt, failedAt sql.NullString
		if err := rows.Scan(&t.RunID, &t.StepSlug, &t.TaskIndex, &t.Status, &t.Attempts, &output,
			&errMsg, &t.IdempotencyKey, &lastWorker, &traceID, &spanID,
			&createdAt, &startedAt, &completedAt, &failedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		if output.Valid {
			t.Output = json.RawMessage(output.String)
		}
		t.ErrorMessage = errMsg.String
		t.LastWorkerID = lastWorker.String
		t.TraceID = traceID.String
		t.SpanID = spanID.String
		if tm, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			t.CreatedAt = tm
		}
		if t.StartedAt, err = scanTimePtr(startedAt); err != nil {
			return nil, err
		}
		if t.CompletedAt, err = scanTimePtr(completedAt); err != nil {
			return nil, err
		}
		if t.FailedAt, err = scanTimePtr(failedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, wrapErr("list tasks", rows.Err())
}

// --- Transitions ---

func (s *Store) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	// The driver opened a deferred transaction. SELECT 1 reads no table,
	// so it only checks the connection and takes no database lock;
	// writers are serialized by SetMaxOpenConns(1), not by this call.
	if _, err := tx.ExecContext(ctx, `SELECT 1`); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}
	return tx, nil
}

func (s *Store) StartReadySteps(ctx context.Context, runID string) ([]workflows.TaskMessage, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, wrapErr("begin start_ready_steps", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var workflowSlug string
	if err := tx.QueryRowContext(ctx, `SELECT workflow_slug FROM runs WHERE id = ?`, runID).Scan(&workflowSlug); err != nil {
		return nil, wrapErr("lock run", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT step_slug, initial_tasks FROM step_states
		 WHERE run_id = ? AND status = 'created' AND remaining_deps = 0
		 ORDER BY step_slug`,
		runID,
	)
	if err != nil {
		return nil, wrapErr("select ready steps", err)
	}
	type ready struct {
		slug  string
		tasks sql.NullInt64
	}
	var readySteps []ready
	for rows.Next() {
		var r ready
		if err := rows.Scan(&r.slug, &r.tasks); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan ready step: %w", err)
		}
		readySteps = append(readySteps, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("select ready steps", err)
	}

	now := nowText()
	var messages []workflows.TaskMessage
	for _, r := range readySteps {
		if !r.tasks.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE step_states SET status = 'started', started_at = ? WHERE run_id = ? AND step_slug = ?`,
				now, runID, r.slug,
			); err != nil {
				return nil, wrapErr("start dynamic map step", err)
			}
			continue
		}
		n := int(r.tasks.Int64)
		if _, err := tx.ExecContext(ctx,
			`UPDATE step_states SET status = 'started', started_at = ?, remaining_tasks = ? WHERE run_id = ? AND step_slug = ?`,
			now, n, runID, r.slug,
		); err != nil {
			return nil, wrapErr("start step", err)
		}
		for i := 0; i < n; i++ {
			key := workflows.IdempotencyKey(workflowSlug, r.slug, runID, i)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO step_tasks (run_id, step_slug, task_index, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?)`,
				runID, r.slug, i, key, now,
			); err != nil {
				return nil, wrapErr("insert task", err)
			}
			messages = append(messages, workflows.TaskMessage{RunID: runID, StepSlug: r.slug, TaskIndex: i, IsMapTask: n > 1})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("commit start_ready_steps", err)
	}
	return messages, nil
}

func (s *Store) StartTasks(ctx context.Context, runID, stepSlug string, taskIndexes []int) error {
	if len(taskIndexes) == 0 {
		return nil
	}
	placeholders := make([]string, len(taskIndexes))
	args := make([]any, 0, len(taskIndexes)+3)
	args = append(args, nowText(), runID, stepSlug)
	for i, idx := range taskIndexes {
		placeholders[i] = "?"
		args = append(args, idx)
	}
	query := fmt.Sprintf(
		`UPDATE step_tasks SET status = 'started', attempts = attempts + 1, started_at = ?
		 WHERE run_id = ? AND step_slug = ? AND task_index IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	_, err := s.db.ExecContext(ctx, query, args...)
	return wrapErr("start tasks", err)
}

func (s *Store) CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, output []byte) ([]workflows.TaskMessage, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, wrapErr("begin complete_task", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var runStatus, workflowSlug string
	if err := tx.QueryRowContext(ctx, `SELECT status, workflow_slug FROM runs WHERE id = ?`, runID).Scan(&runStatus, &workflowSlug); err != nil {
		return nil, wrapErr("lock run", err)
	}
	if runStatus != "started" {
		return nil, workflows.ErrLateCompletion
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE step_tasks SET status = 'completed', output = ?, completed_at = ?
		 WHERE run_id = ? AND step_slug = ? AND task_index = ? AND idempotency_key = ? AND status != 'completed'`,
		string(output), nowText(), runID, stepSlug, taskIndex, idempotencyKey,
	)
	if err != nil {
		return nil, wrapErr("complete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, workflows.ErrLateCompletion
	}

	var remainingTasks int
	if err := tx.QueryRowContext(ctx,
		`UPDATE step_states SET remaining_tasks = remaining_tasks - 1
		 WHERE run_id = ? AND step_slug = ?
		 RETURNING remaining_tasks`,
		runID, stepSlug,
	).Scan(&remainingTasks); err != nil {
		return nil, wrapErr("decrement remaining_tasks", err)
	}

	var messages []workflows.TaskMessage
	if remainingTasks <= 0 {
		messages, err = completeStepAndCascade(ctx, tx, runID, stepSlug, workflowSlug)
		if err != nil {
			if errors.Is(err, workflows.ErrTypeViolation) {
				if cerr := tx.Commit(); cerr != nil {
					return nil, wrapErr("commit type_violation", cerr)
				}
			}
			return nil, err
		}
	}

	if err := maybeCompleteRun(ctx, tx, runID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("commit complete_task", err)
	}
	return messages, nil
}

func completeStepAndCascade(ctx context.Context, tx *sql.Tx, runID, stepSlug, workflowSlug string) ([]workflows.TaskMessage, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE step_states SET status = 'completed', completed_at = ? WHERE run_id = ? AND step_slug = ?`,
		nowText(), runID, stepSlug,
	); err != nil {
		return nil, wrapErr("complete step", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT step_slug FROM step_dependencies WHERE run_id = ? AND depends_on_step = ? ORDER BY step_slug`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, wrapErr("select dependents", err)
	}
	var dependents []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan dependent: %w", err)
		}
		dependents = append(dependents, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("select dependents", err)
	}

	var newlyReady []string
	for _, d := range dependents {
		var remaining int
		if err := tx.QueryRowContext(ctx,
			`UPDATE step_states SET remaining_deps = remaining_deps - 1
			 WHERE run_id = ? AND step_slug = ?
			 RETURNING remaining_deps`,
			runID, d,
		).Scan(&remaining); err != nil {
			return nil, wrapErr("decrement remaining_deps", err)
		}
		if remaining == 0 {
			newlyReady = append(newlyReady, d)
		}
	}

	now := nowText()
	var messages []workflows.TaskMessage
	for _, d := range newlyReady {
		var tasks sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT initial_tasks FROM step_states WHERE run_id = ? AND step_slug = ?`, runID, d).Scan(&tasks); err != nil {
			return nil, wrapErr("read initial_tasks", err)
		}
		if !tasks.Valid {
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
			m := len(items)
			if _, err := tx.ExecContext(ctx,
				`UPDATE step_states SET status = 'started', started_at = ?, initial_tasks = ?, remaining_tasks = ? WHERE run_id = ? AND step_slug = ?`,
				now, m, m, runID, d,
			); err != nil {
				return nil, wrapErr("materialize dynamic map step", err)
			}
			for i := 0; i < m; i++ {
				key := workflows.IdempotencyKey(workflowSlug, d, runID, i)
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO step_tasks (run_id, step_slug, task_index, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?)`,
					runID, d, i, key, now,
				); err != nil {
					return nil, wrapErr("insert task", err)
				}
				messages = append(messages, workflows.TaskMessage{RunID: runID, StepSlug: d, TaskIndex: i, IsMapTask: m > 1})
			}
			if m == 0 {
				taskless, err := cascadeCompleteTasklessSteps(ctx, tx, runID, d, workflowSlug)
				if err != nil {
					return nil, err
				}
				messages = append(messages, taskless...)
			}
			continue
		}
		n := int(tasks.Int64)
		if _, err := tx.ExecContext(ctx,
			`UPDATE step_states SET status = 'started', started_at = ?, remaining_tasks = ? WHERE run_id = ? AND step_slug = ?`,
			now, n, runID, d,
		); err != nil {
			return nil, wrapErr("start step", err)
		}
		for i := 0; i < n; i++ {
			key := workflows.IdempotencyKey(workflowSlug, d, runID, i)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO step_tasks (run_id, step_slug, task_index, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?)`,
				runID, d, i, key, now,
			); err != nil {
				return nil, wrapErr("insert task", err)
			}
			messages = append(messages, workflows.TaskMessage{RunID: runID, StepSlug: d, TaskIndex: i, IsMapTask: n > 1})
		}
	}

	return messages, nil
}

func cascadeCompleteTasklessSteps(ctx context.Context, tx *sql.Tx, runID, stepSlug, workflowSlug string) ([]workflows.TaskMessage, error) {
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT remaining_tasks FROM step_states WHERE run_id = ? AND step_slug = ?`, runID, stepSlug).Scan(&remaining); err != nil {
		return nil, wrapErr("read remaining_tasks", err)
	}
	if remaining != 0 {
		return nil, nil
	}
	return completeStepAndCascade(ctx, tx, runID, stepSlug, workflowSlug)
}

// stepKindTx reads stepSlug's Kind from the persisted workflow
// definition, needed to know whether a producer's tasks aggregate as a
// single value or an ordered array.
func stepKindTx(ctx context.Context, tx *sql.Tx, workflowSlug, stepSlug string) (workflows.StepKind, error) {
	var stepsJSON string
	if err := tx.QueryRowContext(ctx, `SELECT steps FROM workflow_definitions WHERE slug = ?`, workflowSlug).Scan(&stepsJSON); err != nil {
		return "", wrapErr("read workflow steps", err)
	}
	var steps map[string]workflows.StepDefinition
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return "", fmt.Errorf("sqlite: unmarshal steps: %w", err)
	}
	def, ok := steps[stepSlug]
	if !ok {
		return "", fmt.Errorf("sqlite: unknown step %q in workflow %q", stepSlug, workflowSlug)
	}
	return def.Kind, nil
}

// aggregatedOutputTx returns stepSlug's output the way a downstream
// step sees it (merge.AggregatedStepOutput, but tx-scoped for use
// inside an in-flight transition): a single task's output for
// KindSingle, or the ordered array of task outputs for KindMap.
func aggregatedOutputTx(ctx context.Context, tx *sql.Tx, runID, stepSlug string, kind workflows.StepKind) (json.RawMessage, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT output FROM step_tasks WHERE run_id = ? AND step_slug = ? ORDER BY task_index`,
		runID, stepSlug,
	)
	if err != nil {
		return nil, wrapErr("select producer tasks", err)
	}
	defer rows.Close()

	var outputs []json.RawMessage
	for rows.Next() {
		var out sql.NullString
		if err := rows.Scan(&out); err != nil {
			return nil, fmt.Errorf("sqlite: scan producer task: %w", err)
		}
		if out.Valid {
			outputs = append(outputs, json.RawMessage(out.String))
		} else {
			outputs = append(outputs, json.RawMessage("null"))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("select producer tasks", err)
	}

	if kind == workflows.KindSingle {
		if len(outputs) == 0 {
			return json.RawMessage("null"), nil
		}
		return outputs[0], nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal producer output: %w", err)
	}
	return b, nil
}

// failRunTypeViolation fails the run when producerSlug's output does
// not satisfy stepSlug's dynamic map array requirement (spec §4.5 step
// 3: complete_task returns -1, run fails with error "type_violation").
func failRunTypeViolation(ctx context.Context, tx *sql.Tx, runID, producerSlug, stepSlug string) error {
	now := nowText()
	if _, err := tx.ExecContext(ctx,
		`UPDATE step_states SET status = 'failed', error_message = ?, failed_at = ? WHERE run_id = ? AND step_slug = ?`,
		fmt.Sprintf("producer %q output is not an array", producerSlug), now, runID, stepSlug,
	); err != nil {
		return wrapErr("mark step failed", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', failed_at = ?, error = ? WHERE id = ?`,
		now, "type_violation", runID,
	); err != nil {
		return wrapErr("fail run", err)
	}
	return workflows.ErrTypeViolation
}

func maybeCompleteRun(ctx context.Context, tx *sql.Tx, runID string) error {
	var remaining int
	if err := tx.QueryRowContext(ctx,
		`UPDATE runs SET remaining_steps = (
			SELECT count(*) FROM step_states WHERE run_id = ? AND status NOT IN ('completed', 'failed')
		 ) WHERE id = ? RETURNING remaining_steps`,
		runID, runID,
	).Scan(&remaining); err != nil {
		return wrapErr("recompute remaining_steps", err)
	}
	if remaining > 0 {
		return nil
	}
	var workflowSlug string
	if err := tx.QueryRowContext(ctx, `SELECT workflow_slug FROM runs WHERE id = ?`, runID).Scan(&workflowSlug); err != nil {
		return wrapErr("read workflow slug", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT step_slug FROM step_states WHERE run_id = ?`, runID)
	if err != nil {
		return wrapErr("select steps for output", err)
	}
	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scan step slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapErr("select steps for output", err)
	}

	output := map[string]json.RawMessage{}
	for _, slug := range slugs {
		taskRows, err := tx.QueryContext(ctx,
			`SELECT output FROM step_tasks WHERE run_id = ? AND step_slug = ? ORDER BY task_index`,
			runID, slug,
		)
		if err != nil {
			return wrapErr("select step output", err)
		}
		var outs []json.RawMessage
		for taskRows.Next() {
			var out sql.NullString
			if err := taskRows.Scan(&out); err != nil {
				taskRows.Close()
				return fmt.Errorf("sqlite: scan task output: %w", err)
			}
			if out.Valid {
				outs = append(outs, json.RawMessage(out.String))
			} else {
				outs = append(outs, json.RawMessage("null"))
			}
		}
		taskRows.Close()
		if err := taskRows.Err(); err != nil {
			return wrapErr("select step output", err)
		}
		kind, err := stepKindTx(ctx, tx, workflowSlug, slug)
		if err != nil {
			return err
		}
		switch {
		case kind == workflows.KindMap:
			b, _ := json.Marshal(append([]json.RawMessage{}, outs...))
			output[slug] = b
		case len(outs) == 0:
			output[slug] = json.RawMessage("null")
		default:
			output[slug] = outs[0]
		}
	}

	outJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run output: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'completed', completed_at = ?, output = ? WHERE id = ?`,
		nowText(), string(outJSON), runID,
	); err != nil {
		return wrapErr("complete run", err)
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, errMsg string) (bool, *workflows.RunSummary, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return false, nil, wrapErr("begin fail_task", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var runStatus, workflowSlug string
	if err := tx.QueryRowContext(ctx, `SELECT status, workflow_slug FROM runs WHERE id = ?`, runID).Scan(&runStatus, &workflowSlug); err != nil {
		return false, nil, wrapErr("lock run", err)
	}
	if runStatus != "started" {
		return false, nil, workflows.ErrLateCompletion
	}

	def, err := s.GetWorkflowDefinition(ctx, workflowSlug)
	if err != nil {
		return false, nil, err
	}
	maxAttempts := def.Steps[stepSlug].MaxAttempts(def.MaxAttempts)

	// attempts is already incremented by StartTasks at dispatch time;
	// FailTask only reads it back to decide whether the budget is spent.
	var attempts int
	if err := tx.QueryRowContext(ctx,
		`UPDATE step_tasks SET error_message = ?
		 WHERE run_id = ? AND step_slug = ? AND task_index = ? AND idempotency_key = ?
		 RETURNING attempts`,
		errMsg, runID, stepSlug, taskIndex, idempotencyKey,
	).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil, workflows.ErrLateCompletion
		}
		return false, nil, wrapErr("fail task", err)
	}

	if attempts < maxAttempts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE step_tasks SET status = 'queued' WHERE run_id = ? AND step_slug = ? AND task_index = ?`,
			runID, stepSlug, taskIndex,
		); err != nil {
			return false, nil, wrapErr("requeue task", err)
		}
		if err := tx.Commit(); err != nil {
			return false, nil, wrapErr("commit fail_task retry", err)
		}
		return true, nil, nil
	}

	now := nowText()
	if _, err := tx.ExecContext(ctx,
		`UPDATE step_tasks SET status = 'failed', error_message = ?, failed_at = ?
		 WHERE run_id = ? AND step_slug = ? AND task_index = ?`,
		errMsg, now, runID, stepSlug, taskIndex,
	); err != nil {
		return false, nil, wrapErr("mark task failed", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE step_states SET status = 'failed', error_message = ?, failed_at = ?
		 WHERE run_id = ? AND step_slug = ?`,
		errMsg, now, runID, stepSlug,
	); err != nil {
		return false, nil, wrapErr("mark step failed", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', failed_at = ?, error = ? WHERE id = ?`,
		now, fmt.Sprintf("step %q: %s", stepSlug, errMsg), runID,
	); err != nil {
		return false, nil, wrapErr("fail run", err)
	}

	if err := tx.Commit(); err != nil {
		return false, nil, wrapErr("commit fail_task terminal", err)
	}

	return false, &workflows.RunSummary{
		RunID:        runID,
		WorkflowSlug: workflowSlug,
		Status:       workflows.RunFailed,
		Error:        errMsg,
	}, nil
}

// wrapErr tags SQLITE_BUSY/SQLITE_LOCKED with ErrTransientStore so
// callers (and retryStore) can distinguish contention from permanent
// validation/late-completion errors. modernc.org/sqlite surfaces these
// as plain error strings rather than a typed error, so matching is
// string-based.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("sqlite: %s: %w: %w", op, workflows.ErrTransientStore, err)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}
