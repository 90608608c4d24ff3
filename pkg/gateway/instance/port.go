package instance

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Repository is the persistence port for instances. All owner-scoped methods
// take the requesting user so that cross-tenant ids come back as not-found.
type Repository interface {
	FindByID(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*Instance, error)

	// FindByIDUnscoped skips the owner check. Only for provider callbacks,
	// where flow ownership was already proven by the consumed state.
	FindByIDUnscoped(ctx context.Context, id kernel.InstanceID) (*Instance, error)
	FindByUser(ctx context.Context, owner kernel.UserID, filter ListFilter) ([]*Instance, error)
	Update(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, patch UpdatePatch) (*Instance, error)
	Delete(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*Instance, error)

	// Renew extends the expiry and bumps renewal bookkeeping.
	Renew(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, newExpiry *time.Time) (*Instance, error)

	// Touch records a successful authenticated use. Fire-and-forget callers
	// ignore the error.
	Touch(ctx context.Context, id kernel.InstanceID) error

	SetOAuthStatus(ctx context.Context, id kernel.InstanceID, status gateway.OAuthStatus) error

	// FindDueForExpiry returns ids of non-expired instances whose expires_at
	// is at or before now, capped at limit.
	FindDueForExpiry(ctx context.Context, now time.Time, limit int) ([]kernel.InstanceID, error)

	// MarkExpired flips the given instances to expired status. Returns the
	// number of rows changed.
	MarkExpired(ctx context.Context, ids []kernel.InstanceID) (int64, error)

	// FindStalePending returns instances stuck in a pending authorization
	// flow since before the cutoff.
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Instance, error)
}

// Store is the transactional creation port. Implementations run the whole
// create inside one transaction: lock the owner's countable rows, check the
// cap, insert instance plus credentials, and bump the catalog counters.
type Store interface {
	// CreateUnderLimit persists inst and creds atomically. maxActive nil
	// means no cap. Exceeding the cap returns the limit error with the
	// observed count attached.
	CreateUnderLimit(ctx context.Context, inst *Instance, creds *credential.Credentials, maxActive *int) error
}
