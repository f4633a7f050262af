// Package observer provides OTEL-based observability for the workflow
// engine: a Tracer implementation for per-task spans (tracer.go) and a
// set of task-level metrics wired into the Worker as TaskMiddleware.
//
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.); Init wires OTLP HTTP exporters
// for traces, metrics, and logs behind the global OTEL providers.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/Singularity-ng/singularity-workflows/observer"

// Instruments holds every OTEL instrument the observer package emits.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	TasksExecuted metric.Int64Counter
	TaskDuration  metric.Float64Histogram
	TaskRetries   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters and returns Instruments built from the global providers.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("singularity-workflows")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	tasksExecuted, err := meter.Int64Counter("workflows.task.executions",
		metric.WithDescription("Task callable invocations, by step and outcome"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}
	taskDuration, err := meter.Float64Histogram("workflows.task.duration",
		metric.WithDescription("Task callable wall-clock duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	taskRetries, err := meter.Int64Counter("workflows.task.retries",
		metric.WithDescription("Task retries after a failed attempt"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}
	runsCompleted, err := meter.Int64Counter("workflows.run.completed",
		metric.WithDescription("Runs that reached a completed terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	runsFailed, err := meter.Int64Counter("workflows.run.failed",
		metric.WithDescription("Runs that reached a failed terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:        tracer,
		Meter:         meter,
		TasksExecuted: tasksExecuted,
		TaskDuration:  taskDuration,
		TaskRetries:   taskRetries,
		RunsCompleted: runsCompleted,
		RunsFailed:    runsFailed,
	}, nil
}
