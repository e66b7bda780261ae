package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genstudio/internal/events"
	"genstudio/internal/infra"
	"genstudio/internal/jobs"
	"genstudio/internal/ledger"
	"genstudio/internal/pipeline"
)

const (
	reapBatch  = 100
	reapRounds = 10
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "reaper").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	// Reaped jobs have no subscriber in this process; Kafka carries their
	// terminal events to whoever is listening.
	hubOpts := events.Options{Logger: &logger}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(events.KafkaSinkConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			logger.Fatal().Err(err).Msg("reaper: kafka sink")
		}
		defer sink.Close()
		hubOpts.Sink = sink
	}

	orch := pipeline.New(pipeline.Options{
		Ledger: ledger.NewService(ledger.NewPGStore(runner), ledger.Options{GraceDays: cfg.CreditGraceDays, Logger: &logger}),
		Jobs:   jobs.NewPGStore(runner),
		Hub:    events.NewHub(hubOpts),
		Logger: &logger,
	})

	logger.Info().
		Dur("stale_after", cfg.ReaperStaleAfter).
		Dur("interval", cfg.ReaperInterval).
		Msg("reaper started")

	ticker := time.NewTicker(cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		reapAll(ctx, orch, cfg.ReaperStaleAfter, logger)
		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
		}
	}
}

func reapAll(ctx context.Context, orch *pipeline.Orchestrator, staleAfter time.Duration, logger infra.Logger) {
	cutoff := time.Now().Add(-staleAfter)
	total := 0
	for round := 0; round < reapRounds && ctx.Err() == nil; round++ {
		n, err := orch.Reap(ctx, cutoff, reapBatch)
		total += n
		if err != nil {
			logger.Error().Err(err).Msg("reap failed")
			break
		}
		if n < reapBatch {
			break
		}
	}
	if total > 0 {
		logger.Info().Int("reaped", total).Msg("stale jobs failed and refunded")
	}
}
