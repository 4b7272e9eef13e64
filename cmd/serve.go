package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jmach/agentauth/internal/config"
	"github.com/jmach/agentauth/internal/server"
)

type serveRunner interface {
	Start() error
	Stop(ctx context.Context) error
}

var (
	serveHost string
	servePort int
)

var (
	newServeServer = func(cfg *config.Config, a *app) serveRunner {
		return server.New(cfg, a.auth, a.coordinator)
	}
	buildServeApp       = buildApp
	signalNotifyContext = signal.NotifyContext
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (default: from AGENTAUTH_HOST)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default: from AGENTAUTH_PORT)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if serveHost != "" {
		cfg.Host = serveHost
	}
	if servePort > 0 {
		cfg.Port = servePort
	}

	log.Logger = config.InitLogger(cfg.LogLevel)
	log.Info().
		Str("log_level", cfg.LogLevel).
		Msg("logger initialized")

	a, err := buildServeApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close app failed")
		}
	}()

	srv := newServeServer(cfg, a)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The coordinator sweeper expires stale sessions; the quota sweeper is
	// the backstop for allocations that lost their session. Release is
	// idempotent, so both may reap the same expiry.
	go a.coordinator.RunSweeper(ctx, cfg.SweepInterval)
	go a.quota.RunSweeper(ctx, cfg.SweepInterval)

	startErrCh := make(chan error, 1)
	go func() {
		startErrCh <- srv.Start()
	}()

	select {
	case err := <-startErrCh:
		if err != nil {
			log.Error().Err(err).Msg("serve exited with error")
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Stop(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("serve shutdown failed")
			return err
		}

		select {
		case err := <-startErrCh:
			if err != nil {
				log.Error().Err(err).Msg("serve exited after shutdown with error")
			}
			return err
		case <-time.After(10 * time.Second):
			log.Error().Msg("serve shutdown timed out")
			return fmt.Errorf("shutdown timeout")
		}
	}
}
