package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmach/agentauth/internal/auth"
	"github.com/jmach/agentauth/internal/credential"
	"github.com/jmach/agentauth/internal/provider"
	"github.com/jmach/agentauth/internal/quota"
	"github.com/jmach/agentauth/internal/session"
)

type fakeDirectory struct {
	statuses []*provider.Status
}

func (f *fakeDirectory) ProviderStatus(_ context.Context) []*provider.Status {
	return f.statuses
}

type fakeCoordinator struct {
	session  *session.Session
	startErr error

	usageErr      error
	usageSession  string
	usageTokens   int64
	summary       *session.UsageSummary
	endErr        error
	endSession    string
	endOutcome    session.Outcome
	startCategory quota.TaskCategory
}

func (f *fakeCoordinator) Start(_ context.Context, _ string, category quota.TaskCategory, _ int64) (*session.Session, error) {
	f.startCategory = category
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.session, nil
}

func (f *fakeCoordinator) ReportUsage(sessionID string, tokens int64) error {
	f.usageSession = sessionID
	f.usageTokens = tokens
	return f.usageErr
}

func (f *fakeCoordinator) End(sessionID string, outcome session.Outcome) (*session.UsageSummary, error) {
	f.endSession = sessionID
	f.endOutcome = outcome
	if f.endErr != nil {
		return nil, f.endErr
	}
	return f.summary, nil
}

func newTestServer(coordinator *fakeCoordinator, directory *fakeDirectory) *Server {
	if coordinator == nil {
		coordinator = &fakeCoordinator{}
	}
	if directory == nil {
		directory = &fakeDirectory{}
	}

	s := &Server{
		providers: directory,
		sessions:  coordinator,
	}
	s.httpServer = &http.Server{Handler: s.setupRoutes()}
	return s
}

func runningSession() *session.Session {
	return &session.Session{
		ID:       "sess-1",
		Provider: "portal",
		State:    session.StateRunning,
		Credential: &credential.Credential{
			Mode:        credential.ModeOAuth,
			AccessToken: "at-123",
		},
		Allocation: &quota.Allocation{Allocated: 5000},
		StartedAt:  time.Now(),
	}
}

func TestServerStartStop(t *testing.T) {
	s := newTestServer(nil, nil)

	startCalled := false
	s.serveFn = func() error {
		startCalled = true
		return http.ErrServerClosed
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !startCalled {
		t.Fatal("serveFn should be called")
	}

	s.shutdownFn = func(_ context.Context) error {
		return http.ErrServerClosed
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() should ignore ErrServerClosed, got: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleProviderStatus(t *testing.T) {
	directory := &fakeDirectory{
		statuses: []*provider.Status{
			{Provider: "portal", Authenticated: true, SubscriptionTier: "pro", RemainingBudget: 100000, ConcurrencyHeadroom: 7},
			{Provider: "metered", Authenticated: false},
		},
	}
	s := newTestServer(nil, directory)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Providers []*provider.Status `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(body.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(body.Providers))
	}
	if body.Providers[0].ConcurrencyHeadroom != 7 {
		t.Fatalf("headroom = %d, want 7", body.Providers[0].ConcurrencyHeadroom)
	}
}

func TestCreateSession(t *testing.T) {
	coordinator := &fakeCoordinator{session: runningSession()}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions",
		strings.NewReader(`{"preference":"portal","category":"code-review","estimated_budget":5000}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if coordinator.startCategory != quota.TaskCodeReview {
		t.Fatalf("category = %q, want code-review", coordinator.startCategory)
	}

	var resp createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.SessionID != "sess-1" || resp.Provider != "portal" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Allocated != 5000 {
		t.Fatalf("allocated = %d, want 5000", resp.Allocated)
	}

	var gotToken bool
	for _, kv := range resp.Env {
		if kv == "AGENT_ACCESS_TOKEN=at-123" {
			gotToken = true
		}
	}
	if !gotToken {
		t.Fatalf("env missing access token: %v", resp.Env)
	}
}

func TestCreateSessionQuotaExhausted(t *testing.T) {
	coordinator := &fakeCoordinator{startErr: quota.ErrInsufficientQuota}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(rec.Body.String(), "insufficient_quota") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCreateSessionConcurrentLimit(t *testing.T) {
	coordinator := &fakeCoordinator{startErr: quota.ErrConcurrentLimit}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestCreateSessionNoProviders(t *testing.T) {
	coordinator := &fakeCoordinator{startErr: auth.ErrNoProviders}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestCreateSessionBadBody(t *testing.T) {
	s := newTestServer(&fakeCoordinator{session: runningSession()}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestReportUsage(t *testing.T) {
	coordinator := &fakeCoordinator{}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/usage", strings.NewReader(`{"tokens":3200}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if coordinator.usageSession != "sess-1" || coordinator.usageTokens != 3200 {
		t.Fatalf("usage forwarded as %q/%d", coordinator.usageSession, coordinator.usageTokens)
	}
}

func TestReportUsageUnknownSession(t *testing.T) {
	coordinator := &fakeCoordinator{usageErr: session.ErrSessionNotFound}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/missing/usage", strings.NewReader(`{"tokens":10}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestReportUsageOverAllocation(t *testing.T) {
	coordinator := &fakeCoordinator{usageErr: quota.ErrAllocationExceeded}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/usage", strings.NewReader(`{"tokens":99999}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if !strings.Contains(rec.Body.String(), "allocation_exceeded") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestEndSession(t *testing.T) {
	coordinator := &fakeCoordinator{
		summary: &session.UsageSummary{
			SessionID: "sess-1",
			Provider:  "portal",
			Outcome:   session.StateCompleted,
			Allocated: 5000,
			Used:      3200,
			Unused:    1800,
		},
	}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if coordinator.endOutcome != session.StateCompleted {
		t.Fatalf("outcome = %q, want completed", coordinator.endOutcome)
	}

	var summary session.UsageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if summary.Used != 3200 || summary.Unused != 1800 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestEndSessionFailedOutcome(t *testing.T) {
	coordinator := &fakeCoordinator{summary: &session.UsageSummary{Outcome: session.StateFailed}}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/sess-1?outcome=failed", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if coordinator.endOutcome != session.StateFailed {
		t.Fatalf("outcome = %q, want failed", coordinator.endOutcome)
	}
}

func TestEndSessionUnknownOutcome(t *testing.T) {
	s := newTestServer(&fakeCoordinator{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/sess-1?outcome=paused", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEndSessionNotFound(t *testing.T) {
	coordinator := &fakeCoordinator{endErr: session.ErrSessionNotFound}
	s := newTestServer(coordinator, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/missing", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	s := newTestServer(&fakeCoordinator{session: runningSession()}, nil)

	body := strings.NewReader(`{"preference":"` + strings.Repeat("x", defaultMaxBodySize+1) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", body)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}
