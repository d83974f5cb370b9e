package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/app"
	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	"github.com/Nayeam009/vetmedix-sub000/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg, "expiry-worker")
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(rootCtx, 15*time.Second)
	stack, err := app.Open(startCtx, cfg, log, app.Options{Sinks: true})
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Error().Err(err).Msg("error closing resources")
		}
	}()

	// Run once at startup
	runOnce(rootCtx, stack.Service, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, stack.Service, log)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, promoted, err := svc.SweepExpired(runCtx)
	evt := log.Info()
	if err != nil {
		evt = log.Error().Err(err)
	}
	evt.
		Int("expired", expired).
		Int("promoted", promoted).
		Dur("took", time.Since(start)).
		Msg("expiry run complete")
}
