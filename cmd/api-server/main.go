package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nayeam009/vetmedix-sub000/internal/api"
	"github.com/Nayeam009/vetmedix-sub000/internal/app"
	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	"github.com/Nayeam009/vetmedix-sub000/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "api-server",
		Short: "Clinic slot booking and waitlist API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			count, err := app.Migrate(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log := logging.New(cfg, "api-server")
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Dur("notification_ttl", cfg.NotificationTTL).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(rootCtx, 15*time.Second)
	stack, err := app.Open(startCtx, cfg, log, app.Options{Migrate: migrate, Sinks: true})
	cancelStart()
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Error().Err(err).Msg("error closing resources")
		}
	}()

	auth := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if auth.DevMode() {
		log.Warn().Msg("JWT_SECRET not set, trusting X-User-ID headers")
	}

	var limiter *api.LimiterStore
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewLimiterStore(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter.StartJanitor(rootCtx)
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service: stack.Service,
			Auth:    auth,
			Limiter: limiter,
			Deps:    stack.Deps,
			Logger:  log,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutting down api-server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
