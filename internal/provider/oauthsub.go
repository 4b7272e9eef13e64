package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jmach/agentauth/internal/credential"
	"github.com/jmach/agentauth/internal/oauth"
)

// oauthFlow is the slice of oauth.Flow this adapter depends on.
type oauthFlow interface {
	Login(ctx context.Context) (*credential.Credential, error)
	Refresh(ctx context.Context, cred *credential.Credential) (*credential.Credential, error)
	FetchStatus(ctx context.Context, accessToken string) (*oauth.SubscriptionStatus, error)
}

// OAuthAdapter authenticates against a subscription-backed backend. First
// login goes through the full authorization-code flow; afterwards the stored
// token pair is refreshed in place. Concurrent expiry-triggered refreshes
// collapse into a single network call and store write.
type OAuthAdapter struct {
	name       string
	flow       oauthFlow
	store      *credential.Store
	dailyLimit int64
	cache      *statusCache

	refreshGroup singleflight.Group
	retryBackoff func() backoff.BackOff
}

type OAuthOptions struct {
	Name       string
	DailyLimit int64
	StatusTTL  time.Duration
}

func NewOAuthAdapter(opts OAuthOptions, flow *oauth.Flow, store *credential.Store) *OAuthAdapter {
	return &OAuthAdapter{
		name:         opts.Name,
		flow:         flow,
		store:        store,
		dailyLimit:   opts.DailyLimit,
		cache:        newStatusCache(opts.StatusTTL),
		retryBackoff: defaultRetryBackoff,
	}
}

func (a *OAuthAdapter) Name() string              { return a.name }
func (a *OAuthAdapter) Mode() credential.AuthMode { return credential.ModeOAuth }

// Authenticate returns the stored credential when usable, refreshing an
// expiring one. With nothing stored it drives a full interactive login.
func (a *OAuthAdapter) Authenticate(ctx context.Context) (*credential.Credential, error) {
	stored, err := a.store.Load(a.name)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			return nil, fmt.Errorf("authenticate %s: %w", a.name, err)
		}

		cred, loginErr := a.flow.Login(ctx)
		if loginErr != nil {
			return nil, fmt.Errorf("authenticate %s: %w", a.name, loginErr)
		}
		a.cache.invalidate()
		return cred, nil
	}

	return stored, nil
}

// Refresh renews the token pair through a single-flight group keyed by
// provider, so two concurrent expiry-triggered refreshes never race to
// write conflicting tokens.
func (a *OAuthAdapter) Refresh(ctx context.Context, cred *credential.Credential) (*credential.Credential, error) {
	result, err, shared := a.refreshGroup.Do(a.name, func() (interface{}, error) {
		var refreshed *credential.Credential
		operation := func() error {
			updated, refreshErr := a.flow.Refresh(ctx, cred)
			if refreshErr != nil {
				if errors.Is(refreshErr, oauth.ErrRefreshTokenInvalid) {
					return backoff.Permanent(refreshErr)
				}
				return refreshErr
			}
			refreshed = updated
			return nil
		}
		if err := backoff.Retry(operation, backoff.WithContext(a.retryBackoff(), ctx)); err != nil {
			return nil, err
		}
		return refreshed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", a.name, err)
	}
	if shared {
		log.Debug().
			Str("provider", a.name).
			Msg("refresh de-duplicated with in-flight call")
	}

	a.cache.invalidate()
	return result.(*credential.Credential), nil
}

func (a *OAuthAdapter) CheckStatus(ctx context.Context) (*Status, error) {
	now := time.Now().UTC()
	if cached, ok := a.cache.get(now); ok {
		return cached, nil
	}

	status := &Status{
		Provider:         a.name,
		Mode:             credential.ModeOAuth,
		SubscriptionTier: credential.TierUnknown,
		RemainingBudget:  a.dailyLimit,
		CheckedAt:        now,
	}

	stored, err := a.store.Load(a.name)
	if err != nil {
		if !errors.Is(err, credential.ErrNotFound) {
			return nil, fmt.Errorf("check status %s: %w", a.name, err)
		}
		a.cache.put(status, now)
		return status, nil
	}

	status.Authenticated = true
	status.SubscriptionTier = stored.SubscriptionTier

	remote, err := a.fetchStatus(ctx, stored.AccessToken)
	if err != nil {
		log.Warn().
			Err(err).
			Str("provider", a.name).
			Msg("subscription status lookup failed, using stored tier")
	} else {
		status.SubscriptionTier = remote.Tier
		status.RemainingBudget = remote.RemainingBudget
	}

	a.cache.put(status, now)
	return status, nil
}

func (a *OAuthAdapter) fetchStatus(ctx context.Context, accessToken string) (*oauth.SubscriptionStatus, error) {
	var remote *oauth.SubscriptionStatus
	operation := func() error {
		fetched, err := a.flow.FetchStatus(ctx, accessToken)
		if err != nil {
			return err
		}
		remote = fetched
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(a.retryBackoff(), ctx)); err != nil {
		return nil, err
	}
	return remote, nil
}
