// Package server exposes the coordination daemon's HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/jmach/agentauth/internal/auth"
	"github.com/jmach/agentauth/internal/config"
	"github.com/jmach/agentauth/internal/provider"
	"github.com/jmach/agentauth/internal/quota"
	"github.com/jmach/agentauth/internal/session"
)

type providerDirectory interface {
	ProviderStatus(ctx context.Context) []*provider.Status
}

type sessionCoordinator interface {
	Start(ctx context.Context, preference string, category quota.TaskCategory, estimate int64) (*session.Session, error)
	ReportUsage(sessionID string, tokens int64) error
	End(sessionID string, outcome session.Outcome) (*session.UsageSummary, error)
}

type Server struct {
	config     *config.Config
	providers  providerDirectory
	sessions   sessionCoordinator
	httpServer *http.Server

	serveFn    func() error
	shutdownFn func(ctx context.Context) error
}

func New(cfg *config.Config, authMgr *auth.Manager, coordinator *session.Coordinator) *Server {
	if cfg == nil {
		cfg = &config.Config{
			Host:    "127.0.0.1",
			Port:    28600,
			DataDir: "./data",
		}
	}

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 28600
	}

	s := &Server{
		config:    cfg,
		providers: authMgr,
		sessions:  coordinator,
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.setupRoutes(),
	}
	s.serveFn = s.httpServer.ListenAndServe
	s.shutdownFn = s.httpServer.Shutdown

	return s
}

func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("http server starting")

	if err := s.serveFn(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.shutdownFn(ctx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}
