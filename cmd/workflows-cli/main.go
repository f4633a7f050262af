// Command workflows-cli submits a new run of a workflow and, optionally,
// polls the store until the run leaves the started state, printing its
// final status and output.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	workflows "github.com/Singularity-ng/singularity-workflows"
	"github.com/Singularity-ng/singularity-workflows/internal/config"
	"github.com/Singularity-ng/singularity-workflows/steps/ingest"
	"github.com/Singularity-ng/singularity-workflows/store/postgres"
	"github.com/Singularity-ng/singularity-workflows/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to a workflows.toml config file")
	workflowSlug := flag.String("workflow", "", "workflow slug to run (required)")
	inputPath := flag.String("input", "", "path to a JSON input file (default: {})")
	wait := flag.Bool("wait", false, "poll the store until the run completes or fails")
	pollEvery := flag.Duration("poll-every", 2*time.Second, "polling interval when -wait is set")
	timeout := flag.Duration("timeout", 5*time.Minute, "max time to wait when -wait is set")
	flag.Parse()

	if *workflowSlug == "" {
		log.Fatal("-workflow is required")
	}

	input := json.RawMessage("{}")
	if *inputPath != "" {
		data, err := os.ReadFile(*inputPath)
		if err != nil {
			log.Fatalf("read input file: %v", err)
		}
		if !json.Valid(data) {
			log.Fatalf("input file %s does not contain valid JSON", *inputPath)
		}
		input = data
	}

	cfg := config.Load(*configPath)
	ctx := context.Background()

	store, closeStore := mustStore(ctx, cfg)
	defer closeStore()

	reg := ingest.Register(workflows.NewRegistry())
	resolved, err := workflows.ResolveFromStore(ctx, store, *workflowSlug, reg)
	if err != nil {
		log.Fatalf("resolve workflow %q: %v", *workflowSlug, err)
	}

	runID, err := workflows.NewRun(ctx, store, resolved, input)
	if err != nil {
		log.Fatalf("start run: %v", err)
	}
	fmt.Println(runID)

	if !*wait {
		return
	}

	run, err := awaitRun(ctx, store, runID, *pollEvery, *timeout)
	if err != nil {
		log.Fatalf("wait for run: %v", err)
	}

	fmt.Fprintf(os.Stderr, "status: %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", run.Error)
	}
	if len(run.Output) > 0 {
		fmt.Println(string(run.Output))
	}
	if run.Status == workflows.RunFailed {
		os.Exit(1)
	}
}

// awaitRun polls the store for runID until it leaves the started
// state or timeout elapses.
func awaitRun(ctx context.Context, store workflows.Store, runID string, pollEvery, timeout time.Duration) (workflows.Run, error) {
	deadline := time.Now().Add(timeout)
	for {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return workflows.Run{}, err
		}
		if run.Status != workflows.RunStarted {
			return run, nil
		}
		if time.Now().After(deadline) {
			return run, fmt.Errorf("timed out after %s waiting for run %s", timeout, runID)
		}
		select {
		case <-ctx.Done():
			return workflows.Run{}, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// mustStore opens the configured Store backend. The CLI never needs a
// Queue: submitting a run only writes the initial Run/StepState/Task
// rows, it doesn't dequeue anything.
func mustStore(ctx context.Context, cfg config.Config) (workflows.Store, func()) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.Postgres)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			log.Fatalf("init postgres store: %v", err)
		}
		return store, func() { pool.Close() }

	case "sqlite", "":
		store := sqlite.New(cfg.Store.SQLite)
		if err := store.Init(ctx); err != nil {
			log.Fatalf("init sqlite store: %v", err)
		}
		return store, func() { store.Close() }

	default:
		log.Fatalf("unknown store backend %q", cfg.Store.Backend)
		return nil, func() {}
	}
}
