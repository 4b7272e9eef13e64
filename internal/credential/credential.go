package credential

import "time"

// AuthMode distinguishes how a provider is authenticated.
type AuthMode string

const (
	ModeStaticKey AuthMode = "static-key"
	ModeOAuth     AuthMode = "oauth-subscription"
)

// TierUnknown is the subscription tier before the first status check.
const TierUnknown = "unknown"

// Credential holds the auth material for one provider.
type Credential struct {
	Provider         string    `json:"provider"`
	Mode             AuthMode  `json:"mode"`
	APIKey           string    `json:"api_key,omitempty"`
	AccessToken      string    `json:"access_token,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	SubscriptionTier string    `json:"subscription_tier,omitempty"`
	LastVerifiedAt   time.Time `json:"last_verified_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether an OAuth credential needs a refresh before use.
// Static keys never expire on a schedule known to us.
func (c *Credential) ExpiresWithin(buffer time.Duration) bool {
	if c == nil || c.Mode != ModeOAuth {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) < buffer
}
