// Package auth orchestrates provider selection: given a task, it picks a
// backend, ensures its credential is fresh, and reports why candidates were
// passed over.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmach/agentauth/internal/audit"
	"github.com/jmach/agentauth/internal/credential"
	"github.com/jmach/agentauth/internal/provider"
	"github.com/jmach/agentauth/internal/quota"
)

// ErrNoProviders is returned when no authenticated provider can satisfy the
// request. It is surfaced to the caller, never silently retried.
var ErrNoProviders = errors.New("auth: no providers available")

const defaultRefreshBuffer = 5 * time.Minute

// highTiers are subscription tiers treated as broad-allowance plans and
// preferred by the selection ladder.
var highTiers = map[string]bool{
	"pro":       true,
	"max":       true,
	"unlimited": true,
}

// TaskContext describes one authentication request.
type TaskContext struct {
	// Preference names the caller's explicit provider choice, if any.
	Preference string
	// Category drives the budget estimate when EstimatedBudget is zero.
	Category quota.TaskCategory
	// EstimatedBudget is the token budget the session will reserve.
	EstimatedBudget int64
}

// Grant is the result of a successful selection.
type Grant struct {
	Provider   string
	Credential *credential.Credential
}

type auditor interface {
	Append(audit.Event)
}

// Manager applies the provider-selection policy. One instance is constructed
// at startup and passed down; fresh instances give tests a clean slate.
type Manager struct {
	adapters map[string]provider.Adapter
	store    *credential.Store
	quota    *quota.Manager
	audit    auditor

	fallbackOrder    []string
	fallbackEnabled  bool
	cautionThreshold float64
	refreshBuffer    time.Duration
}

type Options struct {
	FallbackOrder    []string
	FallbackEnabled  bool
	CautionThreshold float64
	RefreshBuffer    time.Duration
}

func NewManager(adapters []provider.Adapter, store *credential.Store, quotaMgr *quota.Manager, auditLog auditor, opts Options) *Manager {
	byName := make(map[string]provider.Adapter, len(adapters))
	order := opts.FallbackOrder
	for _, adapter := range adapters {
		byName[adapter.Name()] = adapter
	}
	if len(order) == 0 {
		for _, adapter := range adapters {
			order = append(order, adapter.Name())
		}
	}

	threshold := opts.CautionThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	buffer := opts.RefreshBuffer
	if buffer <= 0 {
		buffer = defaultRefreshBuffer
	}

	return &Manager{
		adapters:         byName,
		store:            store,
		quota:            quotaMgr,
		audit:            auditLog,
		fallbackOrder:    order,
		fallbackEnabled:  opts.FallbackEnabled,
		cautionThreshold: threshold,
		refreshBuffer:    buffer,
	}
}

// AuthenticateForTask selects a provider for the task and returns a fresh
// credential. Candidates are evaluated highest priority first; a refresh
// failure on one candidate falls through to the next when fallback is
// enabled.
func (m *Manager) AuthenticateForTask(ctx context.Context, task TaskContext) (*Grant, error) {
	estimate := task.EstimatedBudget
	if estimate <= 0 {
		estimate = quota.Estimate(task.Category)
	}

	candidates := m.rankCandidates(ctx, task.Preference, estimate)
	if len(candidates) == 0 {
		m.audit.Append(audit.Event{
			Kind:    audit.KindQuotaDeny,
			Outcome: "no candidate providers",
			Detail:  fmt.Sprintf("estimate=%d preference=%s", estimate, task.Preference),
		})
		return nil, ErrNoProviders
	}
	if !m.fallbackEnabled {
		candidates = candidates[:1]
	}

	var lastErr error
	for _, name := range candidates {
		grant, err := m.credentialFor(ctx, name)
		if err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("provider", name).
				Msg("candidate provider unusable, falling through")
			continue
		}
		return grant, nil
	}

	if lastErr != nil && !m.fallbackEnabled {
		return nil, lastErr
	}
	return nil, ErrNoProviders
}

// rankCandidates orders eligible providers per the selection ladder:
// explicit preference, then high-tier subscriptions under the caution
// threshold, then the configured fallback order.
func (m *Manager) rankCandidates(ctx context.Context, preference string, estimate int64) []string {
	eligible := make(map[string]*provider.Status)
	for name := range m.adapters {
		status, ok := m.eligible(ctx, name, estimate)
		if ok {
			eligible[name] = status
		}
	}

	var (
		ranked []string
		seen   = make(map[string]bool)
	)
	push := func(name string) {
		if !seen[name] && eligible[name] != nil {
			ranked = append(ranked, name)
			seen[name] = true
		}
	}

	if preference != "" {
		push(preference)
	}
	for _, name := range m.fallbackOrder {
		status := eligible[name]
		if status == nil || !highTiers[status.SubscriptionTier] {
			continue
		}
		if m.underCautionThreshold(name) {
			push(name)
		}
	}
	for _, name := range m.fallbackOrder {
		push(name)
	}

	return ranked
}

func (m *Manager) eligible(ctx context.Context, name string, estimate int64) (*provider.Status, bool) {
	adapter, ok := m.adapters[name]
	if !ok {
		return nil, false
	}

	status, err := adapter.CheckStatus(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Str("provider", name).
			Msg("status check failed during selection")
		return nil, false
	}
	if !status.Authenticated {
		return nil, false
	}

	remaining, err := m.quota.Remaining(name)
	if err != nil || remaining < estimate {
		return nil, false
	}
	headroom, err := m.quota.Headroom(name)
	if err != nil || headroom <= 0 {
		return nil, false
	}

	return status, true
}

// underCautionThreshold reports whether the provider's consumed share of its
// daily budget is still below the caution threshold.
func (m *Manager) underCautionThreshold(name string) bool {
	limit, err := m.quota.DailyLimit(name)
	if err != nil || limit <= 0 {
		return false
	}

	remaining, err := m.quota.Remaining(name)
	if err != nil {
		return false
	}

	usedFraction := 1 - float64(remaining)/float64(limit)
	return usedFraction < m.cautionThreshold
}

// credentialFor loads the candidate's credential and refreshes it when it is
// inside the refresh buffer. A credential close to expiry is never handed
// out without a refresh attempt first.
func (m *Manager) credentialFor(ctx context.Context, name string) (*Grant, error) {
	adapter := m.adapters[name]

	cred, err := m.store.Load(name)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			// A static-key provider may be configured through the
			// environment without an explicit login; Authenticate is
			// non-interactive for those and materializes the record.
			if adapter.Mode() == credential.ModeStaticKey {
				cred, err = adapter.Authenticate(ctx)
				if err != nil {
					return nil, fmt.Errorf("select %s: %w", name, err)
				}
				return &Grant{Provider: name, Credential: cred}, nil
			}
			return nil, fmt.Errorf("select %s: %w", name, provider.ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("select %s: %w", name, err)
	}

	if cred.ExpiresWithin(m.refreshBuffer) {
		refreshed, refreshErr := adapter.Refresh(ctx, cred)
		if refreshErr != nil {
			m.audit.Append(audit.Event{
				Kind:     audit.KindRefresh,
				Provider: name,
				Outcome:  "failure",
				Detail:   refreshErr.Error(),
			})
			return nil, fmt.Errorf("select %s: refresh: %w", name, refreshErr)
		}
		m.audit.Append(audit.Event{
			Kind:     audit.KindRefresh,
			Provider: name,
			Outcome:  "success",
		})
		cred = refreshed
	}

	return &Grant{Provider: name, Credential: cred}, nil
}

// ProviderStatus reports every configured provider's snapshot with quota
// headroom merged in.
func (m *Manager) ProviderStatus(ctx context.Context) []*provider.Status {
	statuses := make([]*provider.Status, 0, len(m.fallbackOrder))
	for _, name := range m.fallbackOrder {
		adapter, ok := m.adapters[name]
		if !ok {
			continue
		}

		status, err := adapter.CheckStatus(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("provider", name).
				Msg("status check failed")
			status = &provider.Status{Provider: name, Mode: adapter.Mode()}
		}

		if remaining, err := m.quota.Remaining(name); err == nil && remaining < status.RemainingBudget {
			status.RemainingBudget = remaining
		}
		if headroom, err := m.quota.Headroom(name); err == nil {
			status.ConcurrencyHeadroom = headroom
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Adapter exposes a configured adapter by name.
func (m *Manager) Adapter(name string) (provider.Adapter, bool) {
	adapter, ok := m.adapters[name]
	return adapter, ok
}
