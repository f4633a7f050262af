// Command workflows-worker runs a Worker Loop for a single workflow,
// wiring the configured Store/Queue backend, observability, and
// Telegram notifications.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	workflows "github.com/Singularity-ng/singularity-workflows"
	"github.com/Singularity-ng/singularity-workflows/frontend/telegram"
	"github.com/Singularity-ng/singularity-workflows/internal/config"
	"github.com/Singularity-ng/singularity-workflows/mq/pgmq"
	"github.com/Singularity-ng/singularity-workflows/observer"
	"github.com/Singularity-ng/singularity-workflows/sandbox/docker"
	"github.com/Singularity-ng/singularity-workflows/steps/ingest"
	"github.com/Singularity-ng/singularity-workflows/store/postgres"
	"github.com/Singularity-ng/singularity-workflows/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to a workflows.toml config file")
	workflowSlug := flag.String("workflow", "", "workflow slug to resolve and run (required)")
	flag.Parse()

	if *workflowSlug == "" {
		log.Fatal("-workflow is required")
	}

	cfg := config.Load(*configPath)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, queue, closeBackend := mustBackend(ctx, cfg)
	defer closeBackend()

	reg := ingest.Register(workflows.NewRegistry())

	resolved, err := workflows.ResolveFromStore(ctx, store, *workflowSlug, reg)
	if err != nil {
		log.Fatalf("resolve workflow %q: %v", *workflowSlug, err)
	}

	opts := []workflows.WorkerOption{
		workflows.WithMaxInFlight(cfg.Worker.MaxInFlight),
		workflows.WithBatchSize(cfg.Worker.BatchSize),
		workflows.WithPollTimeout(secondsToDuration(cfg.Worker.PollTimeoutS)),
		workflows.WithMaxPollBackoff(secondsToDuration(cfg.Worker.MaxPollBackoffS)),
		workflows.WithShutdownGrace(secondsToDuration(cfg.Worker.ShutdownGraceS)),
		workflows.WithLogger(slog.Default()),
	}

	var notifiers []workflows.Notifier
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		opts = append(opts,
			workflows.WithTracer(observer.NewTracer()),
			workflows.WithMiddleware(observer.NewMetricsMiddleware(inst)),
		)
		notifiers = append(notifiers, observer.NewRunMetricsNotifier(inst))
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		notifiers = append(notifiers, telegram.NewNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID))
	}
	if len(notifiers) > 0 {
		opts = append(opts, workflows.WithNotifier(workflows.NotifierFunc(func(ctx context.Context, s workflows.RunSummary) {
			for _, n := range notifiers {
				n.Notify(ctx, s)
			}
		})))
	}

	for slug, step := range resolved.Steps {
		if !step.Sandboxed {
			continue
		}
		runner, err := docker.NewRunner()
		if err != nil {
			log.Fatalf("sandbox runner for %s: %v", slug, err)
		}
		defer runner.Close()
		opts = append(opts, workflows.WithSandbox(slug, runner))
	}

	if queue == nil {
		log.Fatal("workflows-worker: the sqlite backend has no Queue implementation; set store.backend = \"postgres\"")
	}
	worker := workflows.NewWorker(store, queue, resolved, opts...)

	log.Printf("workflows-worker: running %q against %s backend", *workflowSlug, cfg.Store.Backend)
	if err := worker.Run(ctx); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
}

func mustBackend(ctx context.Context, cfg config.Config) (workflows.Store, workflows.Queue, func()) {
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
		queue := pgmq.New(pool)
		if err := queue.Init(ctx); err != nil {
			log.Fatalf("init pgmq: %v", err)
		}
		return store, queue, func() { pool.Close() }

	case "sqlite", "":
		store := sqlite.New(cfg.Store.SQLite)
		if err := store.Init(ctx); err != nil {
			log.Fatalf("init sqlite store: %v", err)
		}
		return store, nil, func() { store.Close() }

	default:
		log.Fatalf("unknown store backend %q", cfg.Store.Backend)
		return nil, nil, func() {}
	}
}

func secondsToDuration(s int) (d time.Duration) {
	return time.Duration(s) * time.Second
}
