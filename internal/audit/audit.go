package audit

import (
	"strings"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindLogin        Kind = "login"
	KindRefresh      Kind = "refresh"
	KindQuotaGrant   Kind = "quota-grant"
	KindQuotaDeny    Kind = "quota-deny"
	KindQuotaRelease Kind = "quota-release"
	KindViolation    Kind = "violation"
)

// Event is one immutable audit record. Detail must never contain secrets;
// use MaskToken on anything token-shaped before it goes in.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Provider  string    `json:"provider"`
	SessionID string    `json:"session_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// MaskToken redacts a token value for logging and audit details.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
