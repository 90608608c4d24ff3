package instance

import (
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Instance is one user-owned connection to a service type.
type Instance struct {
	ID            kernel.InstanceID    `json:"id" db:"id"`
	UserID        kernel.UserID        `json:"user_id" db:"user_id"`
	ServiceTypeID kernel.ServiceTypeID `json:"service_type_id" db:"service_type_id"`

	CustomName  string                 `json:"custom_name" db:"custom_name"`
	Status      gateway.InstanceStatus `json:"status" db:"status"`
	OAuthStatus gateway.OAuthStatus    `json:"oauth_status" db:"oauth_status"`

	// ExpiresAt nil means the instance never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount int64      `json:"usage_count" db:"usage_count"`

	RenewalCount int        `json:"renewal_count" db:"renewal_count"`
	LastRenewal  *time.Time `json:"last_renewal,omitempty" db:"last_renewal"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the instance is past its own expiry. The boundary
// is inclusive: an instance expiring exactly now is expired.
func (i *Instance) IsExpired(now time.Time) bool {
	if i.Status == gateway.InstanceExpired {
		return true
	}
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// CanServe reports whether the instance may serve traffic: active, authorized
// and not expired.
func (i *Instance) CanServe(now time.Time) bool {
	return i.Status == gateway.InstanceActive &&
		i.OAuthStatus == gateway.OAuthCompleted &&
		!i.IsExpired(now)
}

// CountsAgainstLimit reports whether this instance occupies a slot of the
// plan's active cap.
func (i *Instance) CountsAgainstLimit() bool {
	return i.Status == gateway.InstanceActive && i.OAuthStatus == gateway.OAuthCompleted
}

// ListFilter narrows instance listings. Nil fields match everything.
type ListFilter struct {
	Status        *gateway.InstanceStatus
	OAuthStatus   *gateway.OAuthStatus
	ServiceTypeID *kernel.ServiceTypeID
}

// UpdatePatch is the caller-editable subset of an instance. Nil fields stay
// untouched; ClearExpiry removes the expiry entirely.
type UpdatePatch struct {
	CustomName  *string
	Status      *gateway.InstanceStatus
	ExpiresAt   *time.Time
	ClearExpiry bool
}
