package plan

import (
	"context"

	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Repository is the persistence port for user plans.
type Repository interface {
	// FindByUser returns the user's plan, materializing the default free
	// plan the first time a user is seen.
	FindByUser(ctx context.Context, userID kernel.UserID) (*UserPlan, error)

	// IncrementCreated bumps the lifetime instance-creation counter.
	IncrementCreated(ctx context.Context, userID kernel.UserID) error

	Upsert(ctx context.Context, p *UserPlan) error
}
