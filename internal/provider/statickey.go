package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/jmach/agentauth/internal/credential"
)

// StaticKeyAdapter authenticates with a long-lived API key. Keys do not
// expire on a schedule known to us, so Refresh is a no-op and status checks
// reduce to a lightweight validation call.
type StaticKeyAdapter struct {
	name        string
	apiKey      string
	validateURL string
	dailyLimit  int64
	store       *credential.Store
	httpClient  *http.Client
	cache       *statusCache

	retryBackoff func() backoff.BackOff
}

type StaticKeyOptions struct {
	Name        string
	APIKey      string
	ValidateURL string
	DailyLimit  int64
	StatusTTL   time.Duration
}

func NewStaticKeyAdapter(opts StaticKeyOptions, store *credential.Store) *StaticKeyAdapter {
	return &StaticKeyAdapter{
		name:         opts.Name,
		apiKey:       strings.TrimSpace(opts.APIKey),
		validateURL:  opts.ValidateURL,
		dailyLimit:   opts.DailyLimit,
		store:        store,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		cache:        newStatusCache(opts.StatusTTL),
		retryBackoff: defaultRetryBackoff,
	}
}

func (a *StaticKeyAdapter) Name() string              { return a.name }
func (a *StaticKeyAdapter) Mode() credential.AuthMode { return credential.ModeStaticKey }

func (a *StaticKeyAdapter) Authenticate(ctx context.Context) (*credential.Credential, error) {
	key := a.apiKey
	if key == "" {
		stored, err := a.store.Load(a.name)
		if err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				return nil, ErrNotAuthenticated
			}
			return nil, fmt.Errorf("authenticate %s: %w", a.name, err)
		}
		key = stored.APIKey
	}
	if key == "" {
		return nil, ErrNotAuthenticated
	}

	if err := a.validateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", a.name, err)
	}

	cred := &credential.Credential{
		Provider:         a.name,
		Mode:             credential.ModeStaticKey,
		APIKey:           key,
		SubscriptionTier: "metered",
		LastVerifiedAt:   time.Now().UTC(),
	}
	if err := a.store.Save(a.name, cred); err != nil {
		return nil, fmt.Errorf("authenticate %s: save credential: %w", a.name, err)
	}

	return cred, nil
}

// Refresh is a no-op for static keys.
func (a *StaticKeyAdapter) Refresh(_ context.Context, cred *credential.Credential) (*credential.Credential, error) {
	return cred, nil
}

func (a *StaticKeyAdapter) CheckStatus(ctx context.Context) (*Status, error) {
	now := time.Now().UTC()
	if cached, ok := a.cache.get(now); ok {
		return cached, nil
	}

	status := &Status{
		Provider:         a.name,
		Mode:             credential.ModeStaticKey,
		SubscriptionTier: "metered",
		RemainingBudget:  a.dailyLimit,
		CheckedAt:        now,
	}

	cred, err := a.credentialKey()
	if err != nil {
		a.cache.put(status, now)
		return status, nil
	}

	if err := a.validateKey(ctx, cred); err != nil {
		log.Warn().
			Err(err).
			Str("provider", a.name).
			Msg("static key validation failed")
	} else {
		status.Authenticated = true
	}

	a.cache.put(status, now)
	return status, nil
}

func (a *StaticKeyAdapter) credentialKey() (string, error) {
	if a.apiKey != "" {
		return a.apiKey, nil
	}
	stored, err := a.store.Load(a.name)
	if err != nil {
		return "", err
	}
	if stored.APIKey == "" {
		return "", ErrNotAuthenticated
	}
	return stored.APIKey, nil
}

// validateKey performs the lightweight validation call, retrying transient
// network failures a bounded number of times.
func (a *StaticKeyAdapter) validateKey(ctx context.Context, key string) error {
	if a.validateURL == "" {
		// No validation endpoint configured; accept the key as-is.
		return nil
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.validateURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("validate key: create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+key)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("validate key: send request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("validate key: rejected with status %d", resp.StatusCode))
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("validate key: status %d", resp.StatusCode)
		case resp.StatusCode >= http.StatusBadRequest:
			return backoff.Permanent(fmt.Errorf("validate key: status %d", resp.StatusCode))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(a.retryBackoff(), ctx))
}
