package servicetypeinfra

import (
	"context"
	"database/sql"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/jmoiron/sqlx"
)

// PostgresServiceTypeRepository is the PostgreSQL implementation of
// servicetype.Repository.
type PostgresServiceTypeRepository struct {
	db *sqlx.DB
}

func NewPostgresServiceTypeRepository(db *sqlx.DB) servicetype.Repository {
	return &PostgresServiceTypeRepository{db: db}
}

func (r *PostgresServiceTypeRepository) FindByID(ctx context.Context, id kernel.ServiceTypeID) (*servicetype.ServiceType, error) {
	var st servicetype.ServiceType
	query := `SELECT * FROM service_types WHERE id = $1`
	if err := r.db.GetContext(ctx, &st, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrServiceUnavailable().WithDetail("service_type_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to find service type by ID", errx.TypeInternal)
	}
	return &st, nil
}

func (r *PostgresServiceTypeRepository) FindByShortName(ctx context.Context, shortName string) (*servicetype.ServiceType, error) {
	var st servicetype.ServiceType
	query := `SELECT * FROM service_types WHERE short_name = $1`
	if err := r.db.GetContext(ctx, &st, query, shortName); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrServiceUnavailable().WithDetail("short_name", shortName)
		}
		return nil, errx.Wrap(err, "failed to find service type by short name", errx.TypeInternal)
	}
	return &st, nil
}

func (r *PostgresServiceTypeRepository) List(ctx context.Context, onlyActive bool) ([]*servicetype.ServiceType, error) {
	query := `SELECT * FROM service_types ORDER BY display_name`
	if onlyActive {
		query = `SELECT * FROM service_types WHERE is_active = TRUE ORDER BY display_name`
	}

	var types []*servicetype.ServiceType
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, errx.Wrap(err, "failed to list service types", errx.TypeInternal)
	}
	return types, nil
}

func (r *PostgresServiceTypeRepository) AdjustActiveCount(ctx context.Context, id kernel.ServiceTypeID, delta int) error {
	query := `
		UPDATE service_types
		SET active_count = GREATEST(active_count + $2, 0),
		    updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id.String(), delta)
	if err != nil {
		return errx.Wrap(err, "failed to adjust service type active count", errx.TypeInternal).
			WithDetail("service_type_id", id.String())
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on active count adjust", errx.TypeInternal)
	}
	if rows == 0 {
		return gateway.ErrServiceUnavailable().WithDetail("service_type_id", id.String())
	}
	return nil
}
