package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"github.com/jmach/agentauth/internal/credential"
)

const defaultLoginTimeout = 5 * time.Minute

// Endpoints identifies one provider's OAuth surface.
type Endpoints struct {
	ClientID  string
	AuthURL   string
	TokenURL  string
	StatusURL string
	Scopes    []string
}

// SubscriptionStatus is the provider-reported tier and usage snapshot.
type SubscriptionStatus struct {
	Tier            string `json:"tier"`
	RemainingBudget int64  `json:"remaining_budget"`
	ResetAt         string `json:"reset_at,omitempty"`
}

// Flow drives one authorization-code + PKCE exchange per Login call. The
// flows semaphore caps concurrent logins system-wide and is shared across
// all Flow instances of a process.
type Flow struct {
	provider   string
	endpoints  Endpoints
	store      *credential.Store
	httpClient *http.Client
	flows      *semaphore.Weighted

	loginTimeout          time.Duration
	browserOpener         func(ctx context.Context, targetURL string) error
	callbackServerFactory func(startPort, attempts int) (callbackServerRunner, error)
	stateGenerator        func(size int) string
}

// NewFlowLimiter builds the shared concurrent-login cap.
func NewFlowLimiter(max int64) *semaphore.Weighted {
	if max <= 0 {
		max = 2
	}
	return semaphore.NewWeighted(max)
}

func NewFlow(provider string, endpoints Endpoints, store *credential.Store, flows *semaphore.Weighted) *Flow {
	if flows == nil {
		flows = NewFlowLimiter(2)
	}

	return &Flow{
		provider:              provider,
		endpoints:             endpoints,
		store:                 store,
		httpClient:            &http.Client{Timeout: 30 * time.Second},
		flows:                 flows,
		loginTimeout:          defaultLoginTimeout,
		browserOpener:         openBrowser,
		callbackServerFactory: newCallbackServerRunner,
		stateGenerator:        generateRandomState,
	}
}

// SetLoginTimeout overrides the callback wait window.
func (f *Flow) SetLoginTimeout(timeout time.Duration) {
	if timeout > 0 {
		f.loginTimeout = timeout
	}
}

func (f *Flow) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.endpoints.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.endpoints.AuthURL,
			TokenURL: f.endpoints.TokenURL,
		},
		RedirectURL: redirectURL,
		Scopes:      f.endpoints.Scopes,
	}
}

// Login performs the full authorization-code + PKCE exchange and persists
// the resulting credential. The callback state is compared before any token
// exchange; a mismatch aborts the attempt with ErrStateMismatch.
func (f *Flow) Login(ctx context.Context) (*credential.Credential, error) {
	if !f.flows.TryAcquire(1) {
		return nil, ErrTooManyFlows
	}
	defer f.flows.Release(1)

	cbServer, err := f.callbackServerFactory(defaultStartPort, maxPortAttempts)
	if err != nil {
		return nil, fmt.Errorf("oauth login: create callback server: %w", err)
	}
	defer cbServer.Close(context.Background())

	verifier := oauth2.GenerateVerifier()
	state := f.stateGenerator(32)

	cfg := f.oauthConfig(cbServer.URL())
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	if err := f.browserOpener(ctx, authURL); err != nil {
		return nil, fmt.Errorf("oauth login: open browser: %w", err)
	}
	log.Info().
		Str("provider", f.provider).
		Msg("waiting for oauth callback")

	result, err := cbServer.Wait(ctx, f.loginTimeout)
	if err != nil {
		if errors.Is(err, ErrCallbackTimeout) {
			return nil, ErrCallbackTimeout
		}
		return nil, fmt.Errorf("oauth login: wait callback: %w", err)
	}
	if strings.TrimSpace(result.Error) != "" {
		return nil, fmt.Errorf("oauth login: authorization failed: %s", result.Error)
	}
	if result.State != state {
		return nil, ErrStateMismatch
	}
	if strings.TrimSpace(result.Code) == "" {
		return nil, fmt.Errorf("oauth login: missing authorization code")
	}

	token, err := cfg.Exchange(f.clientContext(ctx), result.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oauth login: exchange token: %w", err)
	}

	cred := &credential.Credential{
		Provider:         f.provider,
		Mode:             credential.ModeOAuth,
		AccessToken:      token.AccessToken,
		RefreshToken:     token.RefreshToken,
		ExpiresAt:        token.Expiry.UTC(),
		SubscriptionTier: credential.TierUnknown,
		LastVerifiedAt:   time.Now().UTC(),
	}

	if status, statusErr := f.FetchStatus(ctx, token.AccessToken); statusErr == nil {
		cred.SubscriptionTier = status.Tier
	} else {
		log.Warn().
			Err(statusErr).
			Str("provider", f.provider).
			Msg("subscription status lookup failed after login")
	}

	if err := f.store.Save(f.provider, cred); err != nil {
		return nil, fmt.Errorf("oauth login: save credential: %w", err)
	}

	log.Info().
		Str("provider", f.provider).
		Str("tier", cred.SubscriptionTier).
		Msg("oauth login completed")

	return cred, nil
}

// Refresh exchanges the stored refresh token for a new token pair and
// persists the result. On provider-reported invalid_grant the stored
// credential is cleared and ErrRefreshTokenInvalid returned.
func (f *Flow) Refresh(ctx context.Context, cred *credential.Credential) (*credential.Credential, error) {
	if cred == nil || strings.TrimSpace(cred.RefreshToken) == "" {
		return nil, fmt.Errorf("oauth refresh: no refresh token for %s", f.provider)
	}

	cfg := f.oauthConfig("")
	source := cfg.TokenSource(f.clientContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})

	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && strings.Contains(strings.ToLower(string(retrieveErr.Body)), "invalid_grant") {
			if deleteErr := f.store.Delete(f.provider); deleteErr != nil {
				log.Warn().
					Err(deleteErr).
					Str("provider", f.provider).
					Msg("clear credential after invalid refresh token failed")
			}
			return nil, ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("oauth refresh: %w", err)
	}

	updated := *cred
	updated.AccessToken = token.AccessToken
	if strings.TrimSpace(token.RefreshToken) != "" {
		updated.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		updated.ExpiresAt = token.Expiry.UTC()
	}
	updated.LastVerifiedAt = time.Now().UTC()

	if err := f.store.Save(f.provider, &updated); err != nil {
		return nil, fmt.Errorf("oauth refresh: save credential: %w", err)
	}

	return &updated, nil
}

// FetchStatus queries the provider's subscription/status endpoint.
func (f *Flow) FetchStatus(ctx context.Context, accessToken string) (*SubscriptionStatus, error) {
	if strings.TrimSpace(f.endpoints.StatusURL) == "" {
		return nil, fmt.Errorf("fetch status: no status endpoint for %s", f.provider)
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("fetch status: empty access token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoints.StatusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch status: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch status: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("fetch status: access token invalid or expired")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch status: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status SubscriptionStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("fetch status: parse json: %w", err)
	}
	if strings.TrimSpace(status.Tier) == "" {
		status.Tier = credential.TierUnknown
	}

	return &status, nil
}

func (f *Flow) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

func generateRandomState(size int) string {
	if size <= 0 {
		size = 32
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("state-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func openBrowser(ctx context.Context, targetURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", targetURL)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", targetURL)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", targetURL)
	}
	return cmd.Start()
}
