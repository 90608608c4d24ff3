package auditinfra

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway/audit"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresAuditRepository is the PostgreSQL implementation of audit.Repository.
type PostgresAuditRepository struct {
	db *sqlx.DB
}

func NewPostgresAuditRepository(db *sqlx.DB) audit.Repository {
	return &PostgresAuditRepository{db: db}
}

type entryPersistence struct {
	ID           string          `db:"id"`
	InstanceID   string          `db:"instance_id"`
	UserID       *string         `db:"user_id"`
	Operation    string          `db:"operation"`
	Outcome      string          `db:"outcome"`
	Method       *string         `db:"method"`
	ErrorKind    *string         `db:"error_kind"`
	ErrorMessage *string         `db:"error_message"`
	Metadata     json.RawMessage `db:"metadata"`
	CreatedAt    time.Time       `db:"created_at"`
}

func toDomain(p entryPersistence) *audit.Entry {
	e := &audit.Entry{
		ID:         p.ID,
		InstanceID: kernel.InstanceID(p.InstanceID),
		Operation:  audit.Operation(p.Operation),
		Outcome:    audit.Outcome(p.Outcome),
		CreatedAt:  p.CreatedAt,
	}
	if p.UserID != nil {
		uid := kernel.UserID(*p.UserID)
		e.UserID = &uid
	}
	if p.Method != nil {
		e.Method = *p.Method
	}
	if p.ErrorKind != nil {
		e.ErrorKind = *p.ErrorKind
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = *p.ErrorMessage
	}
	if len(p.Metadata) > 0 {
		// Unknown fields in old rows are dropped on decode, not an error.
		_ = json.Unmarshal(p.Metadata, &e.Metadata)
	}
	return e
}

func (r *PostgresAuditRepository) Append(ctx context.Context, entry *audit.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return errx.Wrap(err, "failed to encode audit metadata", errx.TypeInternal)
	}

	query := `
		INSERT INTO token_audit (id, instance_id, user_id, operation, outcome, method, error_kind, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10)`

	var userID *string
	if entry.UserID != nil {
		s := entry.UserID.String()
		userID = &s
	}

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.InstanceID.String(), userID,
		string(entry.Operation), string(entry.Outcome),
		entry.Method, entry.ErrorKind, entry.ErrorMessage,
		metadata, entry.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P01" { // undefined_table
			logx.WithField("instance_id", entry.InstanceID.String()).
				Warn("audit table missing, dropping audit entry")
			return nil
		}
		return errx.Wrap(err, "failed to append audit entry", errx.TypeInternal).
			WithDetail("instance_id", entry.InstanceID.String())
	}
	return nil
}

func (r *PostgresAuditRepository) FindByInstance(ctx context.Context, instanceID kernel.InstanceID, filter audit.Filter) ([]*audit.Entry, error) {
	query := `SELECT * FROM token_audit WHERE instance_id = $1`
	args := []any{instanceID.String()}

	if filter.Operation != nil {
		args = append(args, string(*filter.Operation))
		query += ` AND operation = $` + strconv.Itoa(len(args))
	}
	if filter.Outcome != nil {
		args = append(args, string(*filter.Outcome))
		query += ` AND outcome = $` + strconv.Itoa(len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []entryPersistence
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errx.Wrap(err, "failed to query audit entries", errx.TypeInternal)
	}

	entries := make([]*audit.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, toDomain(row))
	}
	return entries, nil
}

func (r *PostgresAuditRepository) Aggregate(ctx context.Context, instanceID kernel.InstanceID, window time.Duration) (*audit.Summary, error) {
	query := `
		SELECT outcome, COALESCE(method, '') AS method, COUNT(*) AS total
		FROM token_audit
		WHERE instance_id = $1 AND created_at >= $2
		GROUP BY outcome, method`

	var rows []struct {
		Outcome string `db:"outcome"`
		Method  string `db:"method"`
		Total   int    `db:"total"`
	}
	since := time.Now().UTC().Add(-window)
	if err := r.db.SelectContext(ctx, &rows, query, instanceID.String(), since); err != nil {
		return nil, errx.Wrap(err, "failed to aggregate audit entries", errx.TypeInternal)
	}

	summary := &audit.Summary{ByMethod: make(map[string]int)}
	for _, row := range rows {
		summary.Total += row.Total
		switch audit.Outcome(row.Outcome) {
		case audit.OutcomeSuccess:
			summary.Success += row.Total
		case audit.OutcomeFailure:
			summary.Failure += row.Total
		}
		if row.Method != "" {
			summary.ByMethod[row.Method] += row.Total
		}
	}
	return summary, nil
}

func (r *PostgresAuditRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM token_audit WHERE created_at < $1`, olderThan)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P01" { // undefined_table
			return 0, nil
		}
		return 0, errx.Wrap(err, "failed to clean up audit entries", errx.TypeInternal)
	}
	return result.RowsAffected()
}
