package audit

import (
	"context"
	"time"

	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Repository is the persistence port for the audit trail.
//
// Append is best-effort: implementations tolerate a missing audit table and
// must never fail the operation being recorded.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	FindByInstance(ctx context.Context, instanceID kernel.InstanceID, filter Filter) ([]*Entry, error)
	Aggregate(ctx context.Context, instanceID kernel.InstanceID, window time.Duration) (*Summary, error)

	// Cleanup deletes entries older than the cutoff and returns how many
	// rows were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
