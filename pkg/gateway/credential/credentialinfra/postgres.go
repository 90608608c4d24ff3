package credentialinfra

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/jmoiron/sqlx"
)

// PostgresCredentialRepository is the PostgreSQL implementation of
// credential.Repository. Secret columns go through the sealer on both sides.
type PostgresCredentialRepository struct {
	db     *sqlx.DB
	sealer credential.Sealer
}

func NewPostgresCredentialRepository(db *sqlx.DB, sealer credential.Sealer) credential.Repository {
	return &PostgresCredentialRepository{db: db, sealer: sealer}
}

func (r *PostgresCredentialRepository) seal(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	sealed, err := r.sealer.Seal(*v)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func (r *PostgresCredentialRepository) open(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	opened, err := r.sealer.Open(*v)
	if err != nil {
		return nil, err
	}
	return &opened, nil
}

// unseal opens every secret column of creds in place.
func (r *PostgresCredentialRepository) unseal(creds *credential.Credentials) error {
	var err error
	if creds.APIKey, err = r.open(creds.APIKey); err != nil {
		return err
	}
	if creds.ClientSecret, err = r.open(creds.ClientSecret); err != nil {
		return err
	}
	if creds.AccessToken, err = r.open(creds.AccessToken); err != nil {
		return err
	}
	if creds.RefreshToken, err = r.open(creds.RefreshToken); err != nil {
		return err
	}
	return nil
}

func (r *PostgresCredentialRepository) FindByInstance(ctx context.Context, instanceID kernel.InstanceID) (*credential.Credentials, error) {
	var creds credential.Credentials
	query := `SELECT * FROM instance_credentials WHERE instance_id = $1`
	if err := r.db.GetContext(ctx, &creds, query, instanceID.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", instanceID.String())
		}
		return nil, errx.Wrap(err, "failed to find credentials", errx.TypeInternal)
	}
	if err := r.unseal(&creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// tokenPatchSet builds the SET fragment for a token patch. Only non-nil
// fields are written; version and updated_at always move.
func (r *PostgresCredentialRepository) tokenPatchSet(patch credential.TokenPatch, args *[]any) (string, error) {
	var sets []string

	add := func(column string, value any) {
		*args = append(*args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(*args)))
	}

	if patch.AccessToken != nil {
		sealed, err := r.seal(patch.AccessToken)
		if err != nil {
			return "", err
		}
		add("access_token", *sealed)
	}
	if patch.RefreshToken != nil {
		sealed, err := r.seal(patch.RefreshToken)
		if err != nil {
			return "", err
		}
		add("refresh_token", *sealed)
	}
	if patch.TokenExpiresAt != nil {
		add("token_expires_at", *patch.TokenExpiresAt)
	}
	if patch.TokenScope != nil {
		add("token_scope", *patch.TokenScope)
	}

	sets = append(sets, "version = version + 1", "updated_at = NOW()")
	return strings.Join(sets, ", "), nil
}

func (r *PostgresCredentialRepository) UpdateTokensCAS(ctx context.Context, instanceID kernel.InstanceID, expectedVersion int64, patch credential.TokenPatch) (*credential.Credentials, error) {
	args := []any{}
	set, err := r.tokenPatchSet(patch, &args)
	if err != nil {
		return nil, err
	}

	args = append(args, instanceID.String())
	idArg := strconv.Itoa(len(args))
	args = append(args, expectedVersion)
	versionArg := strconv.Itoa(len(args))

	query := `UPDATE instance_credentials SET ` + set +
		` WHERE instance_id = $` + idArg + ` AND version = $` + versionArg

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errx.Wrap(err, "failed to apply token CAS update", errx.TypeInternal).
			WithDetail("instance_id", instanceID.String())
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errx.Wrap(err, "failed to get rows affected on token CAS update", errx.TypeInternal)
	}
	if rows == 0 {
		// Row gone or version moved. Re-read to tell which.
		current, findErr := r.FindByInstance(ctx, instanceID)
		if findErr != nil {
			return nil, findErr
		}
		return nil, gateway.ErrConflict().
			WithDetail("instance_id", instanceID.String()).
			WithDetail("expected_version", expectedVersion).
			WithDetail("current_version", current.Version)
	}

	return r.FindByInstance(ctx, instanceID)
}

func (r *PostgresCredentialRepository) UpdateTokens(ctx context.Context, instanceID kernel.InstanceID, patch credential.TokenPatch) (*credential.Credentials, error) {
	args := []any{}
	set, err := r.tokenPatchSet(patch, &args)
	if err != nil {
		return nil, err
	}

	args = append(args, instanceID.String())
	query := `UPDATE instance_credentials SET ` + set +
		` WHERE instance_id = $` + strconv.Itoa(len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errx.Wrap(err, "failed to apply token update", errx.TypeInternal).
			WithDetail("instance_id", instanceID.String())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errx.Wrap(err, "failed to get rows affected on token update", errx.TypeInternal)
	}
	if rows == 0 {
		return nil, gateway.ErrInstanceNotFound().WithDetail("instance_id", instanceID.String())
	}

	return r.FindByInstance(ctx, instanceID)
}

func (r *PostgresCredentialRepository) SetOAuthStatus(ctx context.Context, instanceID kernel.InstanceID, status gateway.OAuthStatus, completedAt *time.Time) error {
	// The column is written verbatim: pending clears it, the terminal
	// statuses carry the transition time.
	query := `
		UPDATE instance_credentials
		SET oauth_status = $2,
		    oauth_completed_at = $3,
		    updated_at = NOW()
		WHERE instance_id = $1`

	result, err := r.db.ExecContext(ctx, query, instanceID.String(), string(status), completedAt)
	if err != nil {
		return errx.Wrap(err, "failed to set credential oauth status", errx.TypeInternal).
			WithDetail("instance_id", instanceID.String())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on oauth status update", errx.TypeInternal)
	}
	if rows == 0 {
		return gateway.ErrInstanceNotFound().WithDetail("instance_id", instanceID.String())
	}
	return nil
}

func (r *PostgresCredentialRepository) SetFlowState(ctx context.Context, instanceID kernel.InstanceID, authorizationURL, state *string) error {
	query := `
		UPDATE instance_credentials
		SET authorization_url = $2, flow_state = $3, updated_at = NOW()
		WHERE instance_id = $1`

	if _, err := r.db.ExecContext(ctx, query, instanceID.String(), authorizationURL, state); err != nil {
		return errx.Wrap(err, "failed to set credential flow state", errx.TypeInternal).
			WithDetail("instance_id", instanceID.String())
	}
	return nil
}

func (r *PostgresCredentialRepository) FindExpiredCompleted(ctx context.Context, now time.Time, limit int) ([]*credential.Credentials, error) {
	query := `
		SELECT * FROM instance_credentials
		WHERE oauth_status = 'completed'
		  AND token_expires_at IS NOT NULL AND token_expires_at <= $1
		  AND (refresh_token IS NULL OR refresh_token = '')
		ORDER BY token_expires_at
		LIMIT $2`

	var rows []credential.Credentials
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, errx.Wrap(err, "failed to find expired completed credentials", errx.TypeInternal)
	}

	out := make([]*credential.Credentials, 0, len(rows))
	for i := range rows {
		if err := r.unseal(&rows[i]); err != nil {
			return nil, err
		}
		out = append(out, &rows[i])
	}
	return out, nil
}
