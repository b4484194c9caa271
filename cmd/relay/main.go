// Command relay runs the session bot: a Telegram front-end bridged to an
// OpenAI-compatible engine through the session runtime, with checkpoint
// persistence and a scheduled task runner.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/engine/openaicompat"
	"github.com/nevindra/relay/frontend/telegram"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/internal/scheduling"
	"github.com/nevindra/relay/observer"
	"github.com/nevindra/relay/store/postgres"
	"github.com/nevindra/relay/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load(os.Getenv("RELAY_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability is opt-in; without it span creation is skipped entirely.
	var inst *observer.Instruments
	var tracer relay.Tracer
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
		logger.Info("observer enabled", "endpoint", cfg.Observer.Endpoint)
	}

	// The sqlite store always opens: it holds scheduled tasks even when
	// checkpoints live in Postgres.
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	var checkpoints relay.CheckpointStore = store
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			return err
		}
		checkpoints = pg
		logger.Info("checkpoints on postgres")
	}

	eng := openaicompat.New(cfg.Engine.APIKey, cfg.Engine.Model, cfg.Engine.BaseURL,
		openaicompat.WithLogger(logger))

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithCheckpointStore(checkpoints),
		relay.WithSystemPrompt(cfg.Session.SystemPrompt),
	}
	if summaryModel := cfg.Engine.SummaryModel; summaryModel != "" {
		summarizer := openaicompat.New(cfg.Engine.APIKey, summaryModel, cfg.Engine.BaseURL,
			openaicompat.WithLogger(logger))
		opts = append(opts, relay.WithSummarizer(summarizer, summaryModel))
	}
	if cfg.Session.BudgetChars > 0 {
		opts = append(opts, relay.WithBudget(cfg.Session.BudgetChars))
	}
	if cfg.Session.WatchdogSeconds > 0 {
		opts = append(opts, relay.WithWatchdogTimeout(time.Duration(cfg.Session.WatchdogSeconds)*time.Second))
	}
	if cfg.Session.StalenessHours > 0 {
		opts = append(opts, relay.WithStalenessWindow(time.Duration(cfg.Session.StalenessHours)*time.Hour))
	} else if cfg.Session.StalenessHours < 0 {
		opts = append(opts, relay.WithStalenessWindow(0))
	}
	if tracer != nil {
		opts = append(opts, relay.WithTracer(tracer))
	}
	if inst != nil {
		opts = append(opts, relay.WithCompactionHook(inst.RecordCompaction))
	}

	rt := relay.New(eng, opts...)
	if err := rt.Init(ctx); err != nil {
		return err
	}

	bot := telegram.New(cfg.Telegram.Token, telegram.WithLogger(logger))

	if cfg.Scheduler.Enabled {
		schedOpts := []scheduling.Option{
			scheduling.WithInterval(time.Duration(cfg.Scheduler.PollSeconds) * time.Second),
			scheduling.WithTZOffset(cfg.Scheduler.TimezoneOffset),
			scheduling.WithLogger(logger),
		}
		if inst != nil {
			schedOpts = append(schedOpts, scheduling.WithMetrics(inst))
		}
		if tracer != nil {
			schedOpts = append(schedOpts, scheduling.WithTracer(tracer))
		}
		sched := scheduling.New(store, eng, bot, schedOpts...)
		go sched.Start(ctx)
	}

	a := &app{
		cfg:    cfg,
		bot:    bot,
		rt:     rt,
		logger: logger,
	}
	// Assigned only when non-nil so the interface stays nil otherwise.
	if inst != nil {
		a.metrics = inst
	}
	logger.Info("relay started", "model", cfg.Engine.Model)
	return a.run(ctx)
}
