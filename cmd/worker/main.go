package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/campaign-engine/internal/app"
	"github.com/unclebandit/campaign-engine/internal/config"
	"github.com/unclebandit/campaign-engine/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format).WithComponent("worker")

	if err := checkConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid worker config")
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise engine")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Consume(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to register consumer")
	}
	go a.Worker.Start(ctx)

	if _, err := a.Campaigns.RecoverSending(ctx); err != nil {
		log.Error().Err(err).Msg("failed to re-dispatch campaigns left sending")
	}

	log.Info().Msg("worker running, waiting for chunk jobs...")
	<-ctx.Done()
	log.Info().Msg("worker stopped")
}

// checkConfig rejects settings under which a standalone worker would never
// receive a job.
func checkConfig(cfg *config.Config) error {
	if !cfg.AMQP.Enabled {
		return fmt.Errorf("amqp.enabled must be true for a standalone worker")
	}
	if cfg.AMQP.URL == "" {
		return fmt.Errorf("amqp.url is required")
	}
	if cfg.Engine.DispatchInterval <= 0 {
		return fmt.Errorf("engine.dispatch_interval must be positive, got %s", cfg.Engine.DispatchInterval)
	}
	return nil
}
