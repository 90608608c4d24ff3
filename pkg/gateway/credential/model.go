package credential

import (
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Credentials is the per-instance secret material row. Exactly one row exists
// per instance; which columns are populated depends on the instance's auth
// kind.
type Credentials struct {
	ID         string            `json:"id" db:"id"`
	InstanceID kernel.InstanceID `json:"instance_id" db:"instance_id"`

	// API-key path.
	APIKey *string `json:"-" db:"api_key"`

	// OAuth client pair.
	ClientID     *string `json:"client_id,omitempty" db:"client_id"`
	ClientSecret *string `json:"-" db:"client_secret"`

	// OAuth token material.
	AccessToken    *string    `json:"-" db:"access_token"`
	RefreshToken   *string    `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`
	TokenScope     *string    `json:"token_scope,omitempty" db:"token_scope"`

	OAuthStatus      gateway.OAuthStatus `json:"oauth_status" db:"oauth_status"`
	OAuthCompletedAt *time.Time          `json:"oauth_completed_at,omitempty" db:"oauth_completed_at"`

	// Pending-flow bookkeeping, cleared once the flow resolves.
	AuthorizationURL *string `json:"authorization_url,omitempty" db:"authorization_url"`
	FlowState        *string `json:"-" db:"flow_state"`

	// Version is the optimistic-concurrency guard for token writes.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasAccessToken reports whether usable token material is present.
func (c *Credentials) HasAccessToken() bool {
	return c.AccessToken != nil && *c.AccessToken != ""
}

// HasRefreshToken reports whether a refresh can be attempted.
func (c *Credentials) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// HasClientPair reports whether both halves of the OAuth client pair exist.
func (c *Credentials) HasClientPair() bool {
	return c.ClientID != nil && *c.ClientID != "" &&
		c.ClientSecret != nil && *c.ClientSecret != ""
}

// TokenExpired reports whether the access token is past its hard expiry.
// A missing expiry means the token does not expire.
func (c *Credentials) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// ValidateShape enforces the credential-shape invariant for the given auth
// kind: API-key instances carry a key and no OAuth material, OAuth instances
// carry a client pair and no API key.
func (c *Credentials) ValidateShape(kind gateway.AuthKind) error {
	switch kind {
	case gateway.AuthKindAPIKey:
		if c.APIKey == nil || *c.APIKey == "" {
			return gateway.ErrInvalidCredentialsShape().
				WithDetail("reason", "api_key instance without api_key")
		}
		if c.ClientID != nil || c.ClientSecret != nil || c.AccessToken != nil || c.RefreshToken != nil {
			return gateway.ErrInvalidCredentialsShape().
				WithDetail("reason", "api_key instance carrying oauth material")
		}
	case gateway.AuthKindOAuth:
		if !c.HasClientPair() {
			return gateway.ErrInvalidCredentialsShape().
				WithDetail("reason", "oauth instance without client pair")
		}
		if c.APIKey != nil {
			return gateway.ErrInvalidCredentialsShape().
				WithDetail("reason", "oauth instance carrying an api_key")
		}
	default:
		return gateway.ErrInvalidCredentialsShape().
			WithDetail("reason", "unknown auth kind").
			WithDetail("auth_kind", string(kind))
	}
	return nil
}

// TokenPatch is the mutable token subset applied by a refresh or exchange.
// Nil fields are left untouched, so a provider that omits a rotated refresh
// token keeps the previous one.
type TokenPatch struct {
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	TokenScope     *string
}
