// Package provider wraps each backend's authentication semantics behind one
// capability interface. The variant set is closed: a backend is either
// static-key-backed or oauth-subscription-backed.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmach/agentauth/internal/credential"
)

var (
	// ErrNotAuthenticated means no usable credential exists for the provider.
	ErrNotAuthenticated = errors.New("provider: not authenticated")
)

// Status is an ephemeral, derived snapshot of one provider. It is recomputed
// on demand and cached for a short TTL to bound status-endpoint calls.
type Status struct {
	Provider         string              `json:"provider"`
	Mode             credential.AuthMode `json:"mode"`
	Authenticated    bool                `json:"authenticated"`
	SubscriptionTier string              `json:"subscription_tier"`
	RemainingBudget  int64               `json:"remaining_budget"`
	// ConcurrencyHeadroom is filled in by the orchestrator from quota state;
	// adapters leave it zero.
	ConcurrencyHeadroom int       `json:"concurrency_headroom"`
	CheckedAt           time.Time `json:"checked_at"`
}

// Adapter is the per-backend capability interface.
type Adapter interface {
	Name() string
	Mode() credential.AuthMode

	// Authenticate returns a usable credential, driving a login if none is
	// stored.
	Authenticate(ctx context.Context) (*credential.Credential, error)

	// Refresh renews the credential. Static-key adapters return the same
	// credential unchanged.
	Refresh(ctx context.Context, cred *credential.Credential) (*credential.Credential, error)

	// CheckStatus returns the provider's current snapshot, served from a
	// short-lived cache when fresh.
	CheckStatus(ctx context.Context) (*Status, error)
}

// statusCache holds the last CheckStatus result for the TTL window.
type statusCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	cached   *Status
	cachedAt time.Time
}

func newStatusCache(ttl time.Duration) *statusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &statusCache{ttl: ttl}
}

func (c *statusCache) get(now time.Time) (*Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil || now.Sub(c.cachedAt) >= c.ttl {
		return nil, false
	}
	return c.cached, true
}

func (c *statusCache) put(status *Status, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = status
	c.cachedAt = now
}

func (c *statusCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

// defaultRetryBackoff bounds transient-failure retries to a small attempt
// count before surfacing the error.
func defaultRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	return backoff.WithMaxRetries(bo, 2)
}
