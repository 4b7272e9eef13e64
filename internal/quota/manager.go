// Package quota tracks per-provider usage budgets and session allocations.
// All reservation state is local to one manager instance; reserve, report
// and release are indivisible with respect to concurrent callers.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInsufficientQuota   = errors.New("quota: insufficient remaining budget")
	ErrConcurrentLimit     = errors.New("quota: concurrent session limit exceeded")
	ErrAllocationExceeded  = errors.New("quota: usage exceeds allocated budget")
	ErrAllocationNotFound  = errors.New("quota: allocation not found")
	ErrSessionExists       = errors.New("quota: session already holds an allocation")
	ErrProviderUnknown     = errors.New("quota: unknown provider")
	ErrEstimateNonPositive = errors.New("quota: estimated budget must be positive")
)

// Priority classifies allocations for later scheduling decisions.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityLow    Priority = "low"
)

const defaultAllocationTTL = 3 * time.Hour

// Allocation is one live budget grant to a worker session. Reserved-but-
// unused budget counts as committed until released.
type Allocation struct {
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Allocated int64     `json:"allocated"`
	Used      int64     `json:"used"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProviderLimits configures one provider's ceilings.
type ProviderLimits struct {
	DailyLimit      int64
	ConcurrentLimit int
}

type providerPool struct {
	limits    ProviderLimits
	committed int64 // sum of live allocated budgets
	used      int64 // consumed budget, live and released
	live      map[string]*Allocation
}

// Manager owns the allocation table. A single mutex guards every operation;
// each critical section is short so the hourly sweep never blocks live
// reservations for long.
type Manager struct {
	mu            sync.Mutex
	pools         map[string]*providerPool
	bySession     map[string]*Allocation
	allocationTTL time.Duration
}

func NewManager(limits map[string]ProviderLimits) *Manager {
	pools := make(map[string]*providerPool, len(limits))
	for name, l := range limits {
		pools[name] = &providerPool{
			limits: l,
			live:   make(map[string]*Allocation),
		}
	}

	return &Manager{
		pools:         pools,
		bySession:     make(map[string]*Allocation),
		allocationTTL: defaultAllocationTTL,
	}
}

// SetAllocationTTL overrides the hard expiry ceiling for new allocations.
func (m *Manager) SetAllocationTTL(ttl time.Duration) {
	if ttl > 0 {
		m.allocationTTL = ttl
	}
}

// Reserve grants a budget slice to a session. Both ceilings - remaining
// budget and concurrent sessions - are checked atomically with the update.
func (m *Manager) Reserve(provider, sessionID string, estimated int64, priority Priority) (*Allocation, error) {
	if estimated <= 0 {
		return nil, ErrEstimateNonPositive
	}
	if priority == "" {
		priority = PriorityNormal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, provider)
	}
	if _, exists := m.bySession[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	if len(pool.live) >= pool.limits.ConcurrentLimit {
		return nil, fmt.Errorf("%w: provider %s at %d concurrent sessions", ErrConcurrentLimit, provider, len(pool.live))
	}
	if remaining := pool.remainingLocked(); remaining < estimated {
		return nil, fmt.Errorf("%w: provider %s has %d remaining, need %d", ErrInsufficientQuota, provider, remaining, estimated)
	}

	now := time.Now().UTC()
	alloc := &Allocation{
		SessionID: sessionID,
		Provider:  provider,
		Allocated: estimated,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(m.allocationTTL),
	}

	pool.committed += estimated
	pool.live[sessionID] = alloc
	m.bySession[sessionID] = alloc

	return cloneAllocation(alloc), nil
}

// ReportUsage adds consumed tokens to a live allocation. Usage that would
// exceed the allocated budget is rejected and leaves the counter unchanged.
func (m *Manager) ReportUsage(sessionID string, tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("report usage: negative token count %d", tokens)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.bySession[sessionID]
	if !ok {
		return ErrAllocationNotFound
	}
	if alloc.Used+tokens > alloc.Allocated {
		return ErrAllocationExceeded
	}

	alloc.Used += tokens
	if pool, ok := m.pools[alloc.Provider]; ok {
		pool.used += tokens
	}
	return nil
}

// Release removes the allocation and returns its unused budget to the
// provider pool. A second release of the same session is not an error
// condition worth crashing over: it reports ErrAllocationNotFound.
func (m *Manager) Release(sessionID string) (used, unused int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.releaseLocked(sessionID)
}

func (m *Manager) releaseLocked(sessionID string) (used, unused int64, err error) {
	alloc, ok := m.bySession[sessionID]
	if !ok {
		return 0, 0, ErrAllocationNotFound
	}

	unused = alloc.Allocated - alloc.Used
	if pool, ok := m.pools[alloc.Provider]; ok {
		pool.committed -= alloc.Allocated
		delete(pool.live, sessionID)
	}
	delete(m.bySession, sessionID)

	return alloc.Used, unused, nil
}

// SweepExpired releases every allocation past its hard expiry, treating the
// owning session as crashed. It returns the released session ids.
func (m *Manager) SweepExpired(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept []string
	for sessionID, alloc := range m.bySession {
		if now.Before(alloc.ExpiresAt) {
			continue
		}
		if _, _, err := m.releaseLocked(sessionID); err == nil {
			swept = append(swept, sessionID)
		}
	}
	return swept
}

// RunSweeper releases expired allocations on a fixed interval until the
// context is canceled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", interval).
		Msg("quota sweeper: started")

	for {
		select {
		case <-ticker.C:
			swept := m.SweepExpired(time.Now().UTC())
			if len(swept) > 0 {
				log.Warn().
					Strs("sessions", swept).
					Msg("quota sweeper: released expired allocations")
			}
		case <-ctx.Done():
			log.Info().Msg("quota sweeper: stopped")
			return
		}
	}
}

// Remaining reports the provider's uncommitted budget.
func (m *Manager) Remaining(provider string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[provider]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProviderUnknown, provider)
	}
	return pool.remainingLocked(), nil
}

// DailyLimit reports the provider's configured daily token ceiling.
func (m *Manager) DailyLimit(provider string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[provider]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProviderUnknown, provider)
	}
	return pool.limits.DailyLimit, nil
}

// Headroom reports how many more concurrent sessions the provider admits.
func (m *Manager) Headroom(provider string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[provider]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProviderUnknown, provider)
	}

	headroom := pool.limits.ConcurrentLimit - len(pool.live)
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

// Lookup returns a copy of a live allocation.
func (m *Manager) Lookup(sessionID string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrAllocationNotFound
	}
	return cloneAllocation(alloc), nil
}

// remainingLocked is the budget not yet consumed nor committed to live
// allocations. Callers hold m.mu.
func (p *providerPool) remainingLocked() int64 {
	// Released usage stays consumed; live allocations commit their full
	// grant until released.
	liveUsed := int64(0)
	for _, alloc := range p.live {
		liveUsed += alloc.Used
	}
	remaining := p.limits.DailyLimit - (p.used - liveUsed) - p.committed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func cloneAllocation(alloc *Allocation) *Allocation {
	clone := *alloc
	return &clone
}
