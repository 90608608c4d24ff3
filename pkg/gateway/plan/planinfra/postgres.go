package planinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway/plan"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresPlanRepository is the PostgreSQL implementation of plan.Repository.
type PostgresPlanRepository struct {
	db *sqlx.DB

	// freeMaxActive seeds max_instances when materializing a free plan.
	freeMaxActive int
}

func NewPostgresPlanRepository(db *sqlx.DB, freeMaxActive int) plan.Repository {
	return &PostgresPlanRepository{db: db, freeMaxActive: freeMaxActive}
}

type planPersistence struct {
	ID           string          `db:"id"`
	UserID       string          `db:"user_id"`
	Kind         string          `db:"kind"`
	MaxInstances *int            `db:"max_instances"`
	TotalCreated int             `db:"total_created"`
	Features     json.RawMessage `db:"features"`
	ExpiresAt    *time.Time      `db:"expires_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func toDomain(p planPersistence) (*plan.UserPlan, error) {
	var features plan.Features
	if len(p.Features) > 0 {
		if err := json.Unmarshal(p.Features, &features); err != nil {
			return nil, errx.Wrap(err, "failed to decode plan features", errx.TypeInternal).
				WithDetail("plan_id", p.ID)
		}
	}
	return &plan.UserPlan{
		ID:           p.ID,
		UserID:       kernel.UserID(p.UserID),
		Kind:         plan.Kind(p.Kind),
		MaxInstances: p.MaxInstances,
		TotalCreated: p.TotalCreated,
		Features:     features,
		ExpiresAt:    p.ExpiresAt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}, nil
}

func (r *PostgresPlanRepository) FindByUser(ctx context.Context, userID kernel.UserID) (*plan.UserPlan, error) {
	var row planPersistence
	query := `SELECT * FROM user_plans WHERE user_id = $1`
	err := r.db.GetContext(ctx, &row, query, userID.String())
	if err == nil {
		return toDomain(row)
	}
	if err != sql.ErrNoRows {
		return nil, errx.Wrap(err, "failed to find user plan", errx.TypeInternal)
	}

	// First sighting of this user: materialize the default free plan.
	// ON CONFLICT DO NOTHING handles the concurrent-first-request race, the
	// re-read below picks up whichever insert won.
	insert := `
		INSERT INTO user_plans (id, user_id, kind, max_instances, total_created, features, created_at, updated_at)
		VALUES ($1, $2, 'free', $3, 0, '{}', NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert, uuid.NewString(), userID.String(), r.freeMaxActive); err != nil {
		return nil, errx.Wrap(err, "failed to materialize free plan", errx.TypeInternal).
			WithDetail("user_id", userID.String())
	}

	if err := r.db.GetContext(ctx, &row, query, userID.String()); err != nil {
		return nil, errx.Wrap(err, "failed to re-read materialized plan", errx.TypeInternal)
	}
	return toDomain(row)
}

func (r *PostgresPlanRepository) IncrementCreated(ctx context.Context, userID kernel.UserID) error {
	query := `
		UPDATE user_plans
		SET total_created = total_created + 1, updated_at = NOW()
		WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID.String()); err != nil {
		return errx.Wrap(err, "failed to increment plan creation counter", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresPlanRepository) Upsert(ctx context.Context, p *plan.UserPlan) error {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return errx.Wrap(err, "failed to encode plan features", errx.TypeInternal)
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO user_plans (id, user_id, kind, max_instances, total_created, features, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			max_instances = EXCLUDED.max_instances,
			features = EXCLUDED.features,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`
	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.UserID.String(), string(p.Kind), p.MaxInstances, p.TotalCreated, features, p.ExpiresAt)
	if err != nil {
		return errx.Wrap(err, "failed to upsert user plan", errx.TypeInternal).
			WithDetail("user_id", p.UserID.String())
	}
	return nil
}
