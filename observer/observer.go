// Package observer provides OTEL-based observability for the session runtime.
//
// Init configures OTLP HTTP exporters for traces, metrics, and logs; the
// endpoint comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT and
// friends). Instruments carries the counters and histograms the runtime and
// scheduler report into, and NewTracer adapts the global tracer provider to
// the relay.Tracer contract.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/relay/observer"

// Instruments holds the OTEL instruments the runtime and scheduler report into.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TurnCount        metric.Int64Counter
	CompactionCount  metric.Int64Counter
	WatchdogTimeouts metric.Int64Counter
	TaskRuns         metric.Int64Counter

	// Histograms
	TurnDuration          metric.Float64Histogram
	TaskDuration          metric.Float64Histogram
	CompactionCharsBefore metric.Int64Histogram
	CompactionCharsAfter  metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("relay")),
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
	logger := global.GetLoggerProvider().Logger(scopeName)

	turnCount, err := meter.Int64Counter("session.turns",
		metric.WithDescription("Completed session turns"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("session.turn.duration",
		metric.WithDescription("Turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	compactionCount, err := meter.Int64Counter("session.compactions",
		metric.WithDescription("Context compaction passes"),
		metric.WithUnit("{compaction}"))
	if err != nil {
		return nil, err
	}

	compactionBefore, err := meter.Int64Histogram("session.compaction.chars_before",
		metric.WithDescription("History size before compaction"),
		metric.WithUnit("{char}"))
	if err != nil {
		return nil, err
	}

	compactionAfter, err := meter.Int64Histogram("session.compaction.chars_after",
		metric.WithDescription("History size after compaction"),
		metric.WithUnit("{char}"))
	if err != nil {
		return nil, err
	}

	watchdogTimeouts, err := meter.Int64Counter("session.watchdog.timeouts",
		metric.WithDescription("Turns aborted by the inactivity watchdog"),
		metric.WithUnit("{timeout}"))
	if err != nil {
		return nil, err
	}

	taskRuns, err := meter.Int64Counter("scheduler.task.runs",
		metric.WithDescription("Scheduled task executions"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("scheduler.task.duration",
		metric.WithDescription("Scheduled task duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:                tracer,
		Meter:                 meter,
		Logger:                logger,
		TurnCount:             turnCount,
		TurnDuration:          turnDuration,
		CompactionCount:       compactionCount,
		CompactionCharsBefore: compactionBefore,
		CompactionCharsAfter:  compactionAfter,
		WatchdogTimeouts:      watchdogTimeouts,
		TaskRuns:              taskRuns,
		TaskDuration:          taskDuration,
	}, nil
}

// RecordTurn reports one completed turn. source tells event origins apart
// (user, scheduler); ok is false for error and aborted outcomes.
func (i *Instruments) RecordTurn(ctx context.Context, source string, ok bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", ok),
	)
	i.TurnCount.Add(ctx, 1, attrs)
	i.TurnDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordCompaction reports one compaction pass with history sizes in chars.
func (i *Instruments) RecordCompaction(ctx context.Context, before, after int) {
	i.CompactionCount.Add(ctx, 1)
	i.CompactionCharsBefore.Record(ctx, int64(before))
	i.CompactionCharsAfter.Record(ctx, int64(after))
}

// RecordWatchdogTimeout reports one watchdog-aborted turn.
func (i *Instruments) RecordWatchdogTimeout(ctx context.Context) {
	i.WatchdogTimeouts.Add(ctx, 1)
}

// RecordTaskRun reports one scheduled task execution.
func (i *Instruments) RecordTaskRun(ctx context.Context, ok bool, d time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", ok))
	i.TaskRuns.Add(ctx, 1, attrs)
	i.TaskDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}
