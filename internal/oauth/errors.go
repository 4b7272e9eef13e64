package oauth

import "errors"

var (
	// ErrStateMismatch means the callback's state did not match the value we
	// generated. The attempt is aborted before any token exchange and never
	// retried automatically.
	ErrStateMismatch = errors.New("oauth: callback state mismatch")

	// ErrCallbackTimeout means no callback arrived within the login window.
	ErrCallbackTimeout = errors.New("oauth: callback timeout")

	// ErrTooManyFlows means the system-wide concurrent login cap is reached.
	ErrTooManyFlows = errors.New("oauth: too many concurrent login flows, try again")

	// ErrRefreshTokenInvalid means the provider rejected the stored refresh
	// token; the credential is cleared and a full re-login is required.
	ErrRefreshTokenInvalid = errors.New("oauth: refresh token invalid or expired")
)
