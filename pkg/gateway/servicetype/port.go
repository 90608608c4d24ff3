package servicetype

import (
	"context"

	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Repository is the persistence port for the service-type catalog.
type Repository interface {
	FindByID(ctx context.Context, id kernel.ServiceTypeID) (*ServiceType, error)
	FindByShortName(ctx context.Context, shortName string) (*ServiceType, error)
	List(ctx context.Context, onlyActive bool) ([]*ServiceType, error)

	// AdjustActiveCount moves the denormalized active-instance counter by
	// delta. Negative deltas clamp at zero.
	AdjustActiveCount(ctx context.Context, id kernel.ServiceTypeID, delta int) error
}
