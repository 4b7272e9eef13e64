// Package session binds a worker's lifecycle to an authentication grant and
// a quota allocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jmach/agentauth/internal/audit"
	"github.com/jmach/agentauth/internal/auth"
	"github.com/jmach/agentauth/internal/credential"
	"github.com/jmach/agentauth/internal/quota"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrNotRunning      = errors.New("session: not in running state")
)

// State is one step of the per-session machine:
// Created -> Authenticated -> QuotaReserved -> Running -> terminal.
type State string

const (
	StateCreated       State = "created"
	StateAuthenticated State = "authenticated"
	StateQuotaReserved State = "quota-reserved"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateExpired       State = "expired"
)

// Outcome is the terminal state reported by End.
type Outcome = State

var transitions = map[State][]State{
	StateCreated:       {StateAuthenticated, StateFailed},
	StateAuthenticated: {StateQuotaReserved, StateFailed},
	StateQuotaReserved: {StateRunning, StateFailed},
	StateRunning:       {StateCompleted, StateFailed, StateExpired},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one live worker binding.
type Session struct {
	ID         string
	Provider   string
	State      State
	Credential *credential.Credential
	Allocation *quota.Allocation
	StartedAt  time.Time
}

// Environ materializes the worker's environment variables. Static-key
// providers expose the key, subscription providers the access token.
func (s *Session) Environ() []string {
	env := []string{
		"AGENT_SESSION_ID=" + s.ID,
		"AGENT_PROVIDER=" + s.Provider,
		fmt.Sprintf("AGENT_TOKEN_BUDGET=%d", s.Allocation.Allocated),
	}
	if s.Credential.Mode == credential.ModeStaticKey {
		env = append(env, "AGENT_API_KEY="+s.Credential.APIKey)
	} else {
		env = append(env, "AGENT_ACCESS_TOKEN="+s.Credential.AccessToken)
	}
	return env
}

// UsageSummary is returned when a session ends.
type UsageSummary struct {
	SessionID string        `json:"session_id"`
	Provider  string        `json:"provider"`
	Outcome   Outcome       `json:"outcome"`
	Allocated int64         `json:"allocated"`
	Used      int64         `json:"used"`
	Unused    int64         `json:"unused"`
	Duration  time.Duration `json:"duration"`
}

type authenticator interface {
	AuthenticateForTask(ctx context.Context, task auth.TaskContext) (*auth.Grant, error)
}

type auditor interface {
	Append(audit.Event)
}

// Coordinator drives sessions through the state machine. Release happens
// exactly once per session across every terminal path.
type Coordinator struct {
	auth           authenticator
	quota          *quota.Manager
	audit          auditor
	startupTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(authMgr authenticator, quotaMgr *quota.Manager, auditLog auditor, startupTimeout time.Duration) *Coordinator {
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	return &Coordinator{
		auth:           authMgr,
		quota:          quotaMgr,
		audit:          auditLog,
		startupTimeout: startupTimeout,
		sessions:       make(map[string]*Session),
	}
}

// Start authenticates, reserves quota and moves the session to Running. A
// session that cannot reach Running within the startup timeout fails and
// releases any partial reservation.
func (c *Coordinator) Start(ctx context.Context, preference string, category quota.TaskCategory, estimate int64) (*Session, error) {
	if estimate <= 0 {
		estimate = quota.Estimate(category)
	}

	ctx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	sess := &Session{
		ID:        uuid.NewString(),
		State:     StateCreated,
		StartedAt: time.Now().UTC(),
	}

	grant, err := c.auth.AuthenticateForTask(ctx, auth.TaskContext{
		Preference:      preference,
		Category:        category,
		EstimatedBudget: estimate,
	})
	if err != nil {
		sess.State = StateFailed
		return nil, fmt.Errorf("start session: %w", err)
	}
	sess.State = StateAuthenticated
	sess.Provider = grant.Provider
	sess.Credential = grant.Credential

	if err := ctx.Err(); err != nil {
		sess.State = StateFailed
		return nil, fmt.Errorf("start session: startup timeout: %w", err)
	}

	alloc, err := c.quota.Reserve(grant.Provider, sess.ID, estimate, quota.PriorityNormal)
	if err != nil {
		sess.State = StateFailed
		c.audit.Append(audit.Event{
			Kind:      audit.KindQuotaDeny,
			Provider:  grant.Provider,
			SessionID: sess.ID,
			Outcome:   "denied",
			Detail:    err.Error(),
		})
		return nil, fmt.Errorf("start session: %w", err)
	}
	sess.State = StateQuotaReserved
	sess.Allocation = alloc

	if err := ctx.Err(); err != nil {
		// Startup window closed after the reservation; undo it.
		c.failPartial(sess)
		return nil, fmt.Errorf("start session: startup timeout: %w", err)
	}

	sess.State = StateRunning
	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	c.audit.Append(audit.Event{
		Kind:      audit.KindQuotaGrant,
		Provider:  grant.Provider,
		SessionID: sess.ID,
		Outcome:   "granted",
		Detail:    fmt.Sprintf("allocated=%d", alloc.Allocated),
	})
	log.Info().
		Str("session_id", sess.ID).
		Str("provider", grant.Provider).
		Int64("allocated", alloc.Allocated).
		Msg("session started")

	return sess, nil
}

func (c *Coordinator) failPartial(sess *Session) {
	sess.State = StateFailed
	if _, _, err := c.quota.Release(sess.ID); err != nil && !errors.Is(err, quota.ErrAllocationNotFound) {
		log.Warn().
			Err(err).
			Str("session_id", sess.ID).
			Msg("release partial reservation failed")
	}
}

// ReportUsage forwards a worker's consumed tokens to the quota manager. An
// over-allocation attempt is audited as a violation and rejected.
func (c *Coordinator) ReportUsage(sessionID string, tokens int64) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrSessionNotFound
	}
	state := sess.State
	providerName := sess.Provider
	c.mu.Unlock()

	if state != StateRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, sessionID, state)
	}

	if err := c.quota.ReportUsage(sessionID, tokens); err != nil {
		// The session may have been ended between the lookup and the
		// quota update; report that as a missing session.
		if errors.Is(err, quota.ErrAllocationNotFound) {
			return ErrSessionNotFound
		}
		if errors.Is(err, quota.ErrAllocationExceeded) {
			c.audit.Append(audit.Event{
				Kind:      audit.KindViolation,
				Provider:  providerName,
				SessionID: sessionID,
				Outcome:   "allocation exceeded",
				Detail:    fmt.Sprintf("reported=%d", tokens),
			})
		}
		return err
	}
	return nil
}

// End moves a running session to its terminal state and releases the
// allocation. A second End for the same session reports ErrSessionNotFound.
func (c *Coordinator) End(sessionID string, outcome Outcome) (*UsageSummary, error) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if !canTransition(sess.State, outcome) {
		from := sess.State
		c.mu.Unlock()
		return nil, fmt.Errorf("session: invalid transition %s -> %s", from, outcome)
	}
	// The session leaves the map at its terminal transition; the outcome is
	// recorded on the summary and the audit trail, not on the shared struct,
	// so concurrent readers never see a torn state.
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	used, unused, err := c.quota.Release(sessionID)
	if err != nil && !errors.Is(err, quota.ErrAllocationNotFound) {
		return nil, fmt.Errorf("end session: %w", err)
	}

	c.audit.Append(audit.Event{
		Kind:      audit.KindQuotaRelease,
		Provider:  sess.Provider,
		SessionID: sessionID,
		Outcome:   string(outcome),
		Detail:    fmt.Sprintf("used=%d unused=%d", used, unused),
	})
	log.Info().
		Str("session_id", sessionID).
		Str("provider", sess.Provider).
		Str("outcome", string(outcome)).
		Int64("used", used).
		Msg("session ended")

	return &UsageSummary{
		SessionID: sessionID,
		Provider:  sess.Provider,
		Outcome:   outcome,
		Allocated: sess.Allocation.Allocated,
		Used:      used,
		Unused:    unused,
		Duration:  time.Since(sess.StartedAt),
	}, nil
}

// SweepExpired expires every session whose allocation passed its hard
// ceiling, as if the owning worker had crashed.
func (c *Coordinator) SweepExpired(now time.Time) []string {
	var stale []string
	c.mu.Lock()
	for id, sess := range c.sessions {
		if sess.Allocation != nil && !now.Before(sess.Allocation.ExpiresAt) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if _, err := c.End(id, StateExpired); err != nil {
			log.Warn().
				Err(err).
				Str("session_id", id).
				Msg("expire stale session failed")
		}
	}
	return stale
}

// RunSweeper expires stale sessions on a fixed interval until the context
// is canceled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stale := c.SweepExpired(time.Now().UTC()); len(stale) > 0 {
				log.Warn().
					Strs("sessions", stale).
					Msg("expired stale sessions")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Lookup returns a live session.
func (c *Coordinator) Lookup(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	return sess, ok
}
