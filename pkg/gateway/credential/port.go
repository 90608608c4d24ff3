package credential

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Repository is the persistence port for credential rows.
type Repository interface {
	FindByInstance(ctx context.Context, instanceID kernel.InstanceID) (*Credentials, error)

	// UpdateTokensCAS applies patch only when the stored version still equals
	// expectedVersion, bumping the version on success. A lost race returns a
	// conflict error and writes nothing.
	UpdateTokensCAS(ctx context.Context, instanceID kernel.InstanceID, expectedVersion int64, patch TokenPatch) (*Credentials, error)

	// UpdateTokens applies patch unconditionally (last-writer-wins). Used as
	// the fallback when the CAS guard cannot be satisfied.
	UpdateTokens(ctx context.Context, instanceID kernel.InstanceID, patch TokenPatch) (*Credentials, error)

	// SetOAuthStatus writes both columns verbatim: pending passes nil to
	// clear the completion timestamp, every other status carries the time of
	// the transition.
	SetOAuthStatus(ctx context.Context, instanceID kernel.InstanceID, status gateway.OAuthStatus, completedAt *time.Time) error

	// SetFlowState records the in-progress authorization URL and CSRF state.
	// Nil values clear the columns.
	SetFlowState(ctx context.Context, instanceID kernel.InstanceID, authorizationURL, state *string) error

	// FindExpiredCompleted returns completed credentials whose access token is
	// past expiry and that hold no refresh token, capped at limit.
	FindExpiredCompleted(ctx context.Context, now time.Time, limit int) ([]*Credentials, error)
}
