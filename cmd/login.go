package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmach/agentauth/internal/audit"
	"github.com/jmach/agentauth/internal/config"
	"github.com/jmach/agentauth/internal/credential"
)

type loginFlow interface {
	Login(ctx context.Context) (*credential.Credential, error)
}

var (
	loginAPIKey string

	loadLoginConfig = config.Load
	buildLoginApp   = buildApp
	newLoginFlow    = func(a *app) loginFlow {
		return a.oauthFlow
	}
)

var loginCmd = &cobra.Command{
	Use:   "login <provider>",
	Short: "Authenticate against a provider and store the credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "static API key (key-based providers only)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])

	cfg, err := loadLoginConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if loginAPIKey != "" {
		if name != cfg.KeyProvider.Name {
			return fmt.Errorf("--api-key only applies to provider %q", cfg.KeyProvider.Name)
		}
		cfg.KeyProvider.APIKey = loginAPIKey
	}

	a, err := buildLoginApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cred, err := loginCredential(cmd.Context(), a, name)

	outcome := "success"
	detail := ""
	if err != nil {
		outcome = "failure"
		detail = err.Error()
	}
	a.audit.Append(audit.Event{
		Kind:     audit.KindLogin,
		Provider: name,
		Outcome:  outcome,
		Detail:   detail,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s.\nMode: %s\nTier: %s\n", name, cred.Mode, cred.SubscriptionTier)
	return nil
}

func loginCredential(ctx context.Context, a *app, name string) (*credential.Credential, error) {
	// An explicit login always runs the full flow for subscription providers
	// instead of reusing a stored credential.
	if name == a.cfg.OAuthProvider.Name && a.cfg.OAuthProvider.Enabled {
		flow := newLoginFlow(a)
		return flow.Login(ctx)
	}

	adapter, ok := a.auth.Adapter(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return adapter.Authenticate(ctx)
}
