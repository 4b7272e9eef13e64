package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmach/agentauth/internal/audit"
	"github.com/jmach/agentauth/internal/auth"
	"github.com/jmach/agentauth/internal/credential"
	"github.com/jmach/agentauth/internal/quota"
)

type fakeAuth struct {
	grant *auth.Grant
	err   error
	delay time.Duration
}

func (f *fakeAuth) AuthenticateForTask(ctx context.Context, task auth.TaskContext) (*auth.Grant, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Append(e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memAudit) byKind(kind audit.Kind) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func portalGrant() *auth.Grant {
	return &auth.Grant{
		Provider: "portal",
		Credential: &credential.Credential{
			Provider:    "portal",
			Mode:        credential.ModeOAuth,
			AccessToken: "at-123",
		},
	}
}

func newTestQuota() *quota.Manager {
	return quota.NewManager(map[string]quota.ProviderLimits{
		"portal": {DailyLimit: 100000, ConcurrentLimit: 10},
	})
}

func TestStartReachesRunning(t *testing.T) {
	quotaMgr := newTestQuota()
	auditLog := &memAudit{}
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, quotaMgr, auditLog, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.State != StateRunning {
		t.Fatalf("State = %q, want %q", sess.State, StateRunning)
	}
	if sess.Provider != "portal" {
		t.Fatalf("Provider = %q, want portal", sess.Provider)
	}
	if sess.Allocation.Allocated != 5000 {
		t.Fatalf("Allocated = %d, want 5000", sess.Allocation.Allocated)
	}
	if got, _ := quotaMgr.Remaining("portal"); got != 95000 {
		t.Fatalf("Remaining = %d, want 95000", got)
	}
	if grants := auditLog.byKind(audit.KindQuotaGrant); len(grants) != 1 {
		t.Fatalf("quota-grant events = %d, want 1", len(grants))
	}
}

func TestEnvironForOAuthSession(t *testing.T) {
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, newTestQuota(), &memAudit{}, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	env := sess.Environ()
	want := map[string]bool{
		"AGENT_SESSION_ID=" + sess.ID: false,
		"AGENT_PROVIDER=portal":       false,
		"AGENT_TOKEN_BUDGET=5000":     false,
		"AGENT_ACCESS_TOKEN=at-123":   false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Fatalf("Environ() missing %q, got %v", kv, env)
		}
	}
}

func TestEnvironForStaticKeySession(t *testing.T) {
	sess := &Session{
		ID:       "s1",
		Provider: "metered",
		Credential: &credential.Credential{
			Mode:   credential.ModeStaticKey,
			APIKey: "sk-test",
		},
		Allocation: &quota.Allocation{Allocated: 1000},
	}

	var gotKey bool
	for _, kv := range sess.Environ() {
		if kv == "AGENT_API_KEY=sk-test" {
			gotKey = true
		}
		if kv == "AGENT_ACCESS_TOKEN=" {
			t.Fatalf("Environ() leaked empty access token for static-key session")
		}
	}
	if !gotKey {
		t.Fatalf("Environ() missing AGENT_API_KEY for static-key session")
	}
}

func TestStartAuthFailureDeniesSession(t *testing.T) {
	quotaMgr := newTestQuota()
	c := NewCoordinator(&fakeAuth{err: auth.ErrNoProviders}, quotaMgr, &memAudit{}, time.Minute)

	if _, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000); !errors.Is(err, auth.ErrNoProviders) {
		t.Fatalf("Start() error = %v, want ErrNoProviders", err)
	}
	if got, _ := quotaMgr.Remaining("portal"); got != 100000 {
		t.Fatalf("Remaining = %d, want 100000 after failed start", got)
	}
}

func TestStartQuotaDenialIsAudited(t *testing.T) {
	quotaMgr := newTestQuota()
	auditLog := &memAudit{}
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, quotaMgr, auditLog, time.Minute)

	if _, err := c.Start(context.Background(), "", quota.TaskShortQuery, 200000); !errors.Is(err, quota.ErrInsufficientQuota) {
		t.Fatalf("Start() error = %v, want ErrInsufficientQuota", err)
	}
	denies := auditLog.byKind(audit.KindQuotaDeny)
	if len(denies) != 1 {
		t.Fatalf("quota-deny events = %d, want 1", len(denies))
	}
	if denies[0].Provider != "portal" {
		t.Fatalf("deny provider = %q, want portal", denies[0].Provider)
	}
}

func TestStartupTimeoutReleasesNothingLeaked(t *testing.T) {
	quotaMgr := newTestQuota()
	c := NewCoordinator(&fakeAuth{grant: portalGrant(), delay: 200 * time.Millisecond}, quotaMgr, &memAudit{}, 50*time.Millisecond)

	_, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err == nil {
		t.Fatal("Start() expected startup timeout error")
	}
	if got, _ := quotaMgr.Remaining("portal"); got != 100000 {
		t.Fatalf("Remaining = %d, want 100000 after timed-out start", got)
	}
	if _, ok := c.Lookup("any"); ok {
		t.Fatal("no session should be registered after a timed-out start")
	}
}

func TestEndReturnsUsageSummaryAndReleasesOnce(t *testing.T) {
	quotaMgr := newTestQuota()
	auditLog := &memAudit{}
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, quotaMgr, auditLog, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.ReportUsage(sess.ID, 3200); err != nil {
		t.Fatalf("ReportUsage() error = %v", err)
	}

	summary, err := c.End(sess.ID, StateCompleted)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if summary.Used != 3200 || summary.Unused != 1800 {
		t.Fatalf("summary used/unused = %d/%d, want 3200/1800", summary.Used, summary.Unused)
	}
	if summary.Allocated != 5000 {
		t.Fatalf("summary allocated = %d, want 5000", summary.Allocated)
	}
	if summary.Outcome != StateCompleted {
		t.Fatalf("summary outcome = %q, want %q", summary.Outcome, StateCompleted)
	}
	// Unused slice returned to the pool.
	if got, _ := quotaMgr.Remaining("portal"); got != 96800 {
		t.Fatalf("Remaining = %d, want 96800", got)
	}
	if releases := auditLog.byKind(audit.KindQuotaRelease); len(releases) != 1 {
		t.Fatalf("quota-release events = %d, want 1", len(releases))
	}

	if _, err := c.End(sess.ID, StateCompleted); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second End() error = %v, want ErrSessionNotFound", err)
	}
	if got, _ := quotaMgr.Remaining("portal"); got != 96800 {
		t.Fatalf("Remaining = %d after second End, want 96800", got)
	}
}

func TestReportUsageOverAllocationAuditedAsViolation(t *testing.T) {
	auditLog := &memAudit{}
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, newTestQuota(), auditLog, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := c.ReportUsage(sess.ID, 6000); !errors.Is(err, quota.ErrAllocationExceeded) {
		t.Fatalf("ReportUsage() error = %v, want ErrAllocationExceeded", err)
	}
	violations := auditLog.byKind(audit.KindViolation)
	if len(violations) != 1 {
		t.Fatalf("violation events = %d, want 1", len(violations))
	}
	if violations[0].SessionID != sess.ID {
		t.Fatalf("violation session = %q, want %q", violations[0].SessionID, sess.ID)
	}
}

func TestReportUsageUnknownSession(t *testing.T) {
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, newTestQuota(), &memAudit{}, time.Minute)

	if err := c.ReportUsage("missing", 100); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ReportUsage() error = %v, want ErrSessionNotFound", err)
	}
}

func TestEndRejectsInvalidTransition(t *testing.T) {
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, newTestQuota(), &memAudit{}, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.End(sess.ID, StateCreated); err == nil {
		t.Fatal("End() with non-terminal outcome should fail")
	}
	// A rejected End leaves the session registered.
	if _, ok := c.Lookup(sess.ID); !ok {
		t.Fatal("session dropped by rejected End()")
	}
}

func TestConcurrentUsageAndEnd(t *testing.T) {
	for i := 0; i < 50; i++ {
		quotaMgr := newTestQuota()
		c := NewCoordinator(&fakeAuth{grant: portalGrant()}, quotaMgr, &memAudit{}, time.Minute)

		sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := c.ReportUsage(sess.ID, 1); err != nil && !errors.Is(err, ErrSessionNotFound) {
					t.Errorf("ReportUsage() error = %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := c.End(sess.ID, StateCompleted); err != nil {
				t.Errorf("End() error = %v", err)
			}
		}()
		wg.Wait()

		// Only tokens actually recorded before the end stay consumed.
		if got, _ := quotaMgr.Remaining("portal"); got < 100000-20 || got > 100000 {
			t.Fatalf("Remaining = %d, want within [99980, 100000]", got)
		}
	}
}

func TestSweepExpiredEndsStaleSessions(t *testing.T) {
	quotaMgr := newTestQuota()
	quotaMgr.SetAllocationTTL(time.Millisecond)
	auditLog := &memAudit{}
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, quotaMgr, auditLog, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskShortQuery, 5000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stale := c.SweepExpired(time.Now().Add(time.Hour))
	if len(stale) != 1 || stale[0] != sess.ID {
		t.Fatalf("SweepExpired() = %v, want [%s]", stale, sess.ID)
	}
	if _, ok := c.Lookup(sess.ID); ok {
		t.Fatal("expired session still registered")
	}
	releases := auditLog.byKind(audit.KindQuotaRelease)
	if len(releases) != 1 || releases[0].Outcome != string(StateExpired) {
		t.Fatalf("release events = %+v, want one expired release", releases)
	}
	if got, _ := quotaMgr.Remaining("portal"); got != 100000 {
		t.Fatalf("Remaining = %d, want 100000 after expiry of unused allocation", got)
	}
}

func TestStartDefaultsEstimateFromCategory(t *testing.T) {
	c := NewCoordinator(&fakeAuth{grant: portalGrant()}, newTestQuota(), &memAudit{}, time.Minute)

	sess, err := c.Start(context.Background(), "", quota.TaskCodeReview, 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if want := quota.Estimate(quota.TaskCodeReview); sess.Allocation.Allocated != want {
		t.Fatalf("Allocated = %d, want %d", sess.Allocation.Allocated, want)
	}
}
