package instanceinfra

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresInstanceRepository implements instance.Repository and
// instance.Store over PostgreSQL.
type PostgresInstanceRepository struct {
	db     *sqlx.DB
	sealer credential.Sealer
}

func NewPostgresInstanceRepository(db *sqlx.DB, sealer credential.Sealer) *PostgresInstanceRepository {
	return &PostgresInstanceRepository{db: db, sealer: sealer}
}

var (
	_ instance.Repository = (*PostgresInstanceRepository)(nil)
	_ instance.Store      = (*PostgresInstanceRepository)(nil)
)

func (r *PostgresInstanceRepository) FindByID(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	var inst instance.Instance
	query := `SELECT * FROM instances WHERE id = $1 AND user_id = $2`
	if err := r.db.GetContext(ctx, &inst, query, id.String(), owner.String()); err != nil {
		if err == sql.ErrNoRows {
			// Cross-tenant probes land here too; they are indistinguishable
			// from a genuinely missing id.
			return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to find instance", errx.TypeInternal)
	}
	return &inst, nil
}

func (r *PostgresInstanceRepository) FindByIDUnscoped(ctx context.Context, id kernel.InstanceID) (*instance.Instance, error) {
	var inst instance.Instance
	query := `SELECT * FROM instances WHERE id = $1`
	if err := r.db.GetContext(ctx, &inst, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to find instance", errx.TypeInternal)
	}
	return &inst, nil
}

func (r *PostgresInstanceRepository) FindByUser(ctx context.Context, owner kernel.UserID, filter instance.ListFilter) ([]*instance.Instance, error) {
	query := `SELECT * FROM instances WHERE user_id = $1`
	args := []any{owner.String()}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.OAuthStatus != nil {
		args = append(args, string(*filter.OAuthStatus))
		query += ` AND oauth_status = $` + strconv.Itoa(len(args))
	}
	if filter.ServiceTypeID != nil {
		args = append(args, filter.ServiceTypeID.String())
		query += ` AND service_type_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	var instances []*instance.Instance
	if err := r.db.SelectContext(ctx, &instances, query, args...); err != nil {
		return nil, errx.Wrap(err, "failed to list instances", errx.TypeInternal)
	}
	return instances, nil
}

func (r *PostgresInstanceRepository) Update(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, patch instance.UpdatePatch) (*instance.Instance, error) {
	query := `UPDATE instances SET updated_at = NOW()`
	args := []any{}

	if patch.CustomName != nil {
		args = append(args, *patch.CustomName)
		query += `, custom_name = $` + strconv.Itoa(len(args))
	}
	if patch.Status != nil {
		args = append(args, string(*patch.Status))
		query += `, status = $` + strconv.Itoa(len(args))
	}
	if patch.ClearExpiry {
		query += `, expires_at = NULL`
	} else if patch.ExpiresAt != nil {
		args = append(args, *patch.ExpiresAt)
		query += `, expires_at = $` + strconv.Itoa(len(args))
	}

	args = append(args, id.String())
	query += ` WHERE id = $` + strconv.Itoa(len(args))
	args = append(args, owner.String())
	query += ` AND user_id = $` + strconv.Itoa(len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23514" { // check_violation
			return nil, errx.Wrap(err, "instance update violates a status constraint", errx.TypeValidation)
		}
		return nil, errx.Wrap(err, "failed to update instance", errx.TypeInternal).
			WithDetail("instance_id", id.String())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errx.Wrap(err, "failed to get rows affected on instance update", errx.TypeInternal)
	}
	if rows == 0 {
		return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String())
	}

	return r.FindByID(ctx, id, owner)
}

func (r *PostgresInstanceRepository) Delete(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	// Return the deleted row so the caller can settle counters and cache.
	var inst instance.Instance
	query := `DELETE FROM instances WHERE id = $1 AND user_id = $2 RETURNING *`
	if err := r.db.GetContext(ctx, &inst, query, id.String(), owner.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to delete instance", errx.TypeInternal)
	}
	return &inst, nil
}

func (r *PostgresInstanceRepository) Renew(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, newExpiry *time.Time) (*instance.Instance, error) {
	query := `
		UPDATE instances
		SET expires_at = $3,
		    status = 'active',
		    renewal_count = renewal_count + 1,
		    last_renewal = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND user_id = $2`

	result, err := r.db.ExecContext(ctx, query, id.String(), owner.String(), newExpiry)
	if err != nil {
		return nil, errx.Wrap(err, "failed to renew instance", errx.TypeInternal).
			WithDetail("instance_id", id.String())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errx.Wrap(err, "failed to get rows affected on renew", errx.TypeInternal)
	}
	if rows == 0 {
		return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String())
	}

	return r.FindByID(ctx, id, owner)
}

func (r *PostgresInstanceRepository) Touch(ctx context.Context, id kernel.InstanceID) error {
	query := `
		UPDATE instances
		SET last_used_at = NOW(), usage_count = usage_count + 1
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String()); err != nil {
		return errx.Wrap(err, "failed to touch instance", errx.TypeInternal).
			WithDetail("instance_id", id.String())
	}
	return nil
}

func (r *PostgresInstanceRepository) SetOAuthStatus(ctx context.Context, id kernel.InstanceID, status gateway.OAuthStatus) error {
	query := `UPDATE instances SET oauth_status = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id.String(), string(status))
	if err != nil {
		return errx.Wrap(err, "failed to set instance oauth status", errx.TypeInternal).
			WithDetail("instance_id", id.String())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on oauth status update", errx.TypeInternal)
	}
	if rows == 0 {
		return gateway.ErrInstanceNotFound().WithDetail("instance_id", id.String())
	}
	return nil
}

func (r *PostgresInstanceRepository) FindDueForExpiry(ctx context.Context, now time.Time, limit int) ([]kernel.InstanceID, error) {
	query := `
		SELECT id FROM instances
		WHERE status <> 'expired' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	var raw []string
	if err := r.db.SelectContext(ctx, &raw, query, now, limit); err != nil {
		return nil, errx.Wrap(err, "failed to find instances due for expiry", errx.TypeInternal)
	}

	ids := make([]kernel.InstanceID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, kernel.InstanceID(id))
	}
	return ids, nil
}

func (r *PostgresInstanceRepository) MarkExpired(ctx context.Context, ids []kernel.InstanceID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}

	query := `
		UPDATE instances
		SET status = 'expired', updated_at = NOW()
		WHERE id = ANY($1) AND status <> 'expired'`
	result, err := r.db.ExecContext(ctx, query, pq.Array(raw))
	if err != nil {
		return 0, errx.Wrap(err, "failed to mark instances expired", errx.TypeInternal)
	}
	return result.RowsAffected()
}

func (r *PostgresInstanceRepository) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*instance.Instance, error) {
	// updated_at, not created_at: a re-authorization flips the row back to
	// pending and bumps updated_at, which restarts the abandonment clock.
	query := `
		SELECT * FROM instances
		WHERE oauth_status = 'pending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	var instances []*instance.Instance
	if err := r.db.SelectContext(ctx, &instances, query, olderThan, limit); err != nil {
		return nil, errx.Wrap(err, "failed to find stale pending instances", errx.TypeInternal)
	}
	return instances, nil
}

// CreateUnderLimit inserts the instance and its credentials in one
// transaction. The owner's countable rows are locked first so two concurrent
// creates cannot both observe a free slot.
func (r *PostgresInstanceRepository) CreateUnderLimit(ctx context.Context, inst *instance.Instance, creds *credential.Credentials, maxActive *int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin instance creation transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	if maxActive != nil {
		var lockedIDs []string
		lockQuery := `
			SELECT id FROM instances
			WHERE user_id = $1 AND status = 'active' AND oauth_status = 'completed'
			FOR UPDATE`
		if err := tx.SelectContext(ctx, &lockedIDs, lockQuery, inst.UserID.String()); err != nil {
			return errx.Wrap(err, "failed to lock countable instances", errx.TypeInternal)
		}

		willCount := 0
		if inst.CountsAgainstLimit() {
			willCount = 1
		}
		if len(lockedIDs)+willCount > *maxActive {
			return gateway.ErrActiveLimitReached(len(lockedIDs), *maxActive)
		}
	}

	if inst.ID.IsEmpty() {
		inst.ID = kernel.InstanceID(uuid.NewString())
	}

	insertInstance := `
		INSERT INTO instances (
			id, user_id, service_type_id, custom_name, status, oauth_status,
			expires_at, usage_count, renewal_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, NOW(), NOW())`
	_, err = tx.ExecContext(ctx, insertInstance,
		inst.ID.String(), inst.UserID.String(), inst.ServiceTypeID.String(),
		inst.CustomName, string(inst.Status), string(inst.OAuthStatus), inst.ExpiresAt)
	if err != nil {
		return mapCreateError(err)
	}

	sealedAPIKey, err := r.sealOptional(creds.APIKey)
	if err != nil {
		return err
	}
	sealedSecret, err := r.sealOptional(creds.ClientSecret)
	if err != nil {
		return err
	}

	if creds.ID == "" {
		creds.ID = uuid.NewString()
	}
	creds.InstanceID = inst.ID

	insertCreds := `
		INSERT INTO instance_credentials (
			id, instance_id, api_key, client_id, client_secret,
			oauth_status, oauth_completed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW(), NOW())`
	_, err = tx.ExecContext(ctx, insertCreds,
		creds.ID, inst.ID.String(), sealedAPIKey, creds.ClientID, sealedSecret,
		string(creds.OAuthStatus), creds.OAuthCompletedAt)
	if err != nil {
		return mapCreateError(err)
	}

	bumpCatalog := `
		UPDATE service_types
		SET total_created = total_created + 1,
		    active_count = active_count + $2,
		    updated_at = NOW()
		WHERE id = $1`
	activeDelta := 0
	if inst.Status == gateway.InstanceActive {
		activeDelta = 1
	}
	if _, err := tx.ExecContext(ctx, bumpCatalog, inst.ServiceTypeID.String(), activeDelta); err != nil {
		return errx.Wrap(err, "failed to bump service type counters", errx.TypeInternal)
	}

	bumpPlan := `
		UPDATE user_plans
		SET total_created = total_created + 1, updated_at = NOW()
		WHERE user_id = $1`
	if _, err := tx.ExecContext(ctx, bumpPlan, inst.UserID.String()); err != nil {
		return errx.Wrap(err, "failed to bump plan creation counter", errx.TypeInternal)
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit instance creation", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresInstanceRepository) sealOptional(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	sealed, err := r.sealer.Seal(*v)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func mapCreateError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			return gateway.ErrConflict().WithDetail("reason", "duplicate instance or credentials row").WithCause(err)
		case "23514": // check_violation
			return gateway.ErrInvalidCredentialsShape().WithCause(err)
		case "40001": // serialization_failure
			return gateway.ErrConflict().WithDetail("reason", "concurrent creation, retry").WithCause(err)
		}
	}
	return errx.Wrap(err, "failed to create instance", errx.TypeInternal)
}
