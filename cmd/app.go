package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/jmach/agentauth/internal/audit"
	"github.com/jmach/agentauth/internal/auth"
	"github.com/jmach/agentauth/internal/config"
	"github.com/jmach/agentauth/internal/credential"
	"github.com/jmach/agentauth/internal/oauth"
	"github.com/jmach/agentauth/internal/provider"
	"github.com/jmach/agentauth/internal/quota"
	"github.com/jmach/agentauth/internal/session"
)

// app holds the wired component graph shared by the CLI commands.
type app struct {
	cfg         *config.Config
	store       *credential.Store
	audit       *audit.Log
	quota       *quota.Manager
	auth        *auth.Manager
	coordinator *session.Coordinator
	oauthFlow   *oauth.Flow
}

func buildApp(cfg *config.Config) (*app, error) {
	store, err := credential.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	limits := make(map[string]quota.ProviderLimits)
	var adapters []provider.Adapter
	var oauthFlow *oauth.Flow

	if cfg.OAuthProvider.Enabled {
		flows := oauth.NewFlowLimiter(cfg.MaxOAuthFlows)
		oauthFlow = oauth.NewFlow(cfg.OAuthProvider.Name, oauth.Endpoints{
			ClientID:  cfg.OAuthProvider.ClientID,
			AuthURL:   cfg.OAuthProvider.AuthURL,
			TokenURL:  cfg.OAuthProvider.TokenURL,
			StatusURL: cfg.OAuthProvider.StatusURL,
			Scopes:    cfg.OAuthProvider.Scopes,
		}, store, flows)
		oauthFlow.SetLoginTimeout(cfg.CallbackTimeout)

		adapters = append(adapters, provider.NewOAuthAdapter(provider.OAuthOptions{
			Name:       cfg.OAuthProvider.Name,
			DailyLimit: cfg.OAuthProvider.DailyLimit,
			StatusTTL:  cfg.OAuthProvider.StatusTTL,
		}, oauthFlow, store))
		limits[cfg.OAuthProvider.Name] = quota.ProviderLimits{
			DailyLimit:      cfg.OAuthProvider.DailyLimit,
			ConcurrentLimit: cfg.OAuthProvider.ConcurrentLimit,
		}
	}

	if cfg.KeyProvider.Enabled {
		adapters = append(adapters, provider.NewStaticKeyAdapter(provider.StaticKeyOptions{
			Name:        cfg.KeyProvider.Name,
			APIKey:      cfg.KeyProvider.APIKey,
			ValidateURL: cfg.KeyProvider.ValidateURL,
			DailyLimit:  cfg.KeyProvider.DailyLimit,
			StatusTTL:   cfg.KeyProvider.StatusTTL,
		}, store))
		limits[cfg.KeyProvider.Name] = quota.ProviderLimits{
			DailyLimit:      cfg.KeyProvider.DailyLimit,
			ConcurrentLimit: cfg.KeyProvider.ConcurrentLimit,
		}
	}

	quotaMgr := quota.NewManager(limits)
	quotaMgr.SetAllocationTTL(cfg.SessionTTL)

	authMgr := auth.NewManager(adapters, store, quotaMgr, auditLog, auth.Options{
		FallbackOrder:    cfg.FallbackOrder,
		FallbackEnabled:  cfg.FallbackEnabled,
		CautionThreshold: cfg.CautionThreshold,
		RefreshBuffer:    cfg.RefreshBuffer,
	})

	coordinator := session.NewCoordinator(authMgr, quotaMgr, auditLog, cfg.StartupTimeout)

	return &app{
		cfg:         cfg,
		store:       store,
		audit:       auditLog,
		quota:       quotaMgr,
		auth:        authMgr,
		coordinator: coordinator,
		oauthFlow:   oauthFlow,
	}, nil
}

func (a *app) Close() error {
	return a.audit.Close()
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(cfg)
}
