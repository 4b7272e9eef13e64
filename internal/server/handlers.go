package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmach/agentauth/internal/auth"
	"github.com/jmach/agentauth/internal/quota"
	"github.com/jmach/agentauth/internal/session"
)

type createSessionRequest struct {
	Preference      string `json:"preference"`
	Category        string `json:"category"`
	EstimatedBudget int64  `json:"estimated_budget"`
}

type createSessionResponse struct {
	SessionID string   `json:"session_id"`
	Provider  string   `json:"provider"`
	State     string   `json:"state"`
	Allocated int64    `json:"allocated"`
	Env       []string `json:"env"`
}

type reportUsageRequest struct {
	Tokens int64 `json:"tokens"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.providers.ProviderStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": statuses,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var reqBody createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil && !errors.Is(err, io.EOF) {
		if isBodyTooLarge(err) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "request body too large", "request_too_large")
			return
		}
		writeAPIError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	sess, err := s.sessions.Start(r.Context(), reqBody.Preference, quota.TaskCategory(reqBody.Category), reqBody.EstimatedBudget)
	if err != nil {
		writeSessionStartError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Provider:  sess.Provider,
		State:     string(sess.State),
		Allocated: sess.Allocation.Allocated,
		Env:       sess.Environ(),
	})
}

func (s *Server) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var reqBody reportUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	if err := s.sessions.ReportUsage(sessionID, reqBody.Tokens); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeAPIError(w, http.StatusNotFound, "session not found", "session_not_found")
		case errors.Is(err, quota.ErrAllocationExceeded):
			writeAPIError(w, http.StatusConflict, err.Error(), "allocation_exceeded")
		case errors.Is(err, session.ErrNotRunning):
			writeAPIError(w, http.StatusConflict, err.Error(), "session_not_running")
		default:
			writeAPIError(w, http.StatusBadRequest, err.Error(), "bad_request")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	outcome := session.StateCompleted
	switch strings.TrimSpace(r.URL.Query().Get("outcome")) {
	case "", "completed":
	case "failed":
		outcome = session.StateFailed
	default:
		writeAPIError(w, http.StatusBadRequest, "outcome must be completed or failed", "bad_request")
		return
	}

	summary, err := s.sessions.End(sessionID, outcome)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeAPIError(w, http.StatusNotFound, "session not found", "session_not_found")
			return
		}
		writeAPIError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func writeSessionStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrInsufficientQuota):
		writeAPIError(w, http.StatusTooManyRequests, err.Error(), "insufficient_quota")
	case errors.Is(err, quota.ErrConcurrentLimit):
		writeAPIError(w, http.StatusTooManyRequests, err.Error(), "concurrent_limit")
	case errors.Is(err, auth.ErrNoProviders):
		writeAPIError(w, http.StatusServiceUnavailable, err.Error(), "no_providers")
	case errors.Is(err, quota.ErrProviderUnknown):
		writeAPIError(w, http.StatusBadRequest, err.Error(), "unknown_provider")
	default:
		writeAPIError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

func isBodyTooLarge(err error) bool {
	if err == nil {
		return false
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(strings.ToLower(err.Error()), "request body too large")
}
