// Package audit stores audit trail entries.
package audit

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
)

// SQLRepository implements Repository over a dbx.DBTX.
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

// NewSQLRepository constructs a repository bound to db.
func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Insert(ctx context.Context, e *models.AuditEntry) error {
	query := r.dialect.Rebind(`
		INSERT INTO audit_log (id, user_id, action, platform, created_at, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	if _, err := r.db.ExecContext(ctx, query,
		e.ID, e.UserID, e.Action, string(e.Platform), e.Timestamp, e.Outcome, e.Detail); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByUser returns the newest entries first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error) {
	query := r.dialect.Rebind(`SELECT id, user_id, action, platform, created_at, outcome, detail
		FROM audit_log WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select audit entries: %w", err)
	}
	defer rows.Close()

	var result []*models.AuditEntry
	for rows.Next() {
		var (
			e        models.AuditEntry
			platform string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &platform, &e.Timestamp, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		e.Platform = models.Platform(platform)
		e.Timestamp = e.Timestamp.UTC()
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
