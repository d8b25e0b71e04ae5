// Package markers stores fetch positions so each run reads only new content.
package markers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

// Get returns the stored marker, or the zero Marker when none was stored.
func (r *SQLRepository) Get(ctx context.Context, userID string, dir models.Direction) (models.Marker, error) {
	query := r.dialect.Rebind(`SELECT marker FROM sync_markers
		WHERE user_id = ? AND source_platform = ? AND dest_platform = ?`)

	var m string
	err := r.db.QueryRowContext(ctx, query, userID, string(dir.Source), string(dir.Dest)).Scan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to select marker: %w", err)
	}
	return models.Marker(m), nil
}

// Set stores marker for userID and dir, replacing any previous value.
func (r *SQLRepository) Set(ctx context.Context, userID string, dir models.Direction, marker models.Marker, at time.Time) error {
	query := r.dialect.Rebind(`
		INSERT INTO sync_markers (user_id, source_platform, dest_platform, marker, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, source_platform, dest_platform)
		DO UPDATE SET marker = excluded.marker, updated_at = excluded.updated_at`)

	if _, err := r.db.ExecContext(ctx, query, userID, string(dir.Source), string(dir.Dest), string(marker), at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// List returns every marker of userID.
func (r *SQLRepository) List(ctx context.Context, userID string) ([]*models.SyncMarker, error) {
	query := r.dialect.Rebind(`SELECT source_platform, dest_platform, marker, updated_at
		FROM sync_markers WHERE user_id = ? ORDER BY source_platform, dest_platform`)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select markers: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncMarker
	for rows.Next() {
		var (
			m             models.SyncMarker
			src, dst, val string
		)
		if err := rows.Scan(&src, &dst, &val, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.UserID = userID
		m.Direction = models.Direction{Source: models.Platform(src), Dest: models.Platform(dst)}
		m.Marker = models.Marker(val)
		m.UpdatedAt = m.UpdatedAt.UTC()
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
