package servicetype

import (
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// ServiceType is a catalog row describing an upstream integration that users
// can create instances of.
type ServiceType struct {
	ID          kernel.ServiceTypeID `json:"id" db:"id"`
	ShortName   string               `json:"short_name" db:"short_name"`
	DisplayName string               `json:"display_name" db:"display_name"`
	Description string               `json:"description" db:"description"`
	IconURL     *string              `json:"icon_url,omitempty" db:"icon_url"`
	AuthKind    gateway.AuthKind     `json:"auth_kind" db:"auth_kind"`

	// OAuth provider endpoints. Only set when AuthKind is oauth.
	AuthorizeURL *string `json:"authorize_url,omitempty" db:"oauth_authorize_url"`
	TokenURL     *string `json:"token_url,omitempty" db:"oauth_token_url"`
	DefaultScope *string `json:"default_scope,omitempty" db:"oauth_default_scope"`

	IsActive     bool `json:"is_active" db:"is_active"`
	TotalCreated int  `json:"total_created" db:"total_created"`
	ActiveCount  int  `json:"active_count" db:"active_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOAuth reports whether instances of this type authenticate via OAuth.
func (s *ServiceType) IsOAuth() bool {
	return s.AuthKind == gateway.AuthKindOAuth
}

// ProviderTokenURL returns the provider token endpoint, empty when not configured.
func (s *ServiceType) ProviderTokenURL() string {
	if s.TokenURL == nil {
		return ""
	}
	return *s.TokenURL
}
