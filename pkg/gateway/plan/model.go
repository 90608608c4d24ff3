package plan

import (
	"time"

	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Kind identifies the billing tier of a user plan.
type Kind string

const (
	KindFree Kind = "free"
	KindPro  Kind = "pro"
)

// Features is the closed feature document stored alongside a plan. The schema
// is known in advance, it only tolerates absent fields from older rows.
type Features struct {
	PriorityRefresh   bool `json:"priority_refresh,omitempty"`
	UnlimitedRenewals bool `json:"unlimited_renewals,omitempty"`
	AuditExport       bool `json:"audit_export,omitempty"`
}

// UserPlan is a user's entitlement row. MaxInstances nil means unlimited.
type UserPlan struct {
	ID           string        `json:"id" db:"id"`
	UserID       kernel.UserID `json:"user_id" db:"user_id"`
	Kind         Kind          `json:"kind" db:"kind"`
	MaxInstances *int          `json:"max_instances,omitempty" db:"max_instances"`
	TotalCreated int           `json:"total_created" db:"total_created"`
	Features     Features      `json:"features" db:"-"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// ActiveLimit returns the cap on concurrently active completed instances,
// or (0, false) when the plan is unlimited.
func (p *UserPlan) ActiveLimit() (int, bool) {
	if p.MaxInstances == nil {
		return 0, false
	}
	return *p.MaxInstances, true
}

// IsExpired reports whether a time-bound plan has lapsed.
func (p *UserPlan) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}
