// Package synced stores SyncedContent records: which fingerprint was
// mirrored in which direction, and the post ids on both ends.
package synced

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/common"
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

// Insert adds a record. The storage-level unique constraint on
// (user, fingerprint, direction) makes a second insert fail with
// common.ErrDuplicateRecord.
func (r *SQLRepository) Insert(ctx context.Context, rec *models.SyncedContent) error {
	query := r.dialect.Rebind(`
		INSERT INTO synced_content (id, user_id, fingerprint, source_platform, dest_platform, source_id, dest_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, fingerprint, source_platform, dest_platform) DO NOTHING`)

	res, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, string(rec.Fingerprint),
		string(rec.Direction.Source), string(rec.Direction.Dest),
		rec.SourceID, rec.DestID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrDuplicateRecord
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// Exists reports whether fp was mirrored for userID in dir.
func (r *SQLRepository) Exists(ctx context.Context, userID string, fp models.Fingerprint, dir models.Direction) (bool, error) {
	query := r.dialect.Rebind(`SELECT 1 FROM synced_content
		WHERE user_id = ? AND fingerprint = ? AND source_platform = ? AND dest_platform = ?`)
	return r.exists(ctx, query, userID, string(fp), string(dir.Source), string(dir.Dest))
}

// ExistsDest reports whether destID on platform is a post the engine
// published for userID.
func (r *SQLRepository) ExistsDest(ctx context.Context, userID string, platform models.Platform, destID string) (bool, error) {
	query := r.dialect.Rebind(`SELECT 1 FROM synced_content
		WHERE user_id = ? AND dest_platform = ? AND dest_id = ? LIMIT 1`)
	return r.exists(ctx, query, userID, string(platform), destID)
}

func (r *SQLRepository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query synced content: %w", err)
	}
	return true, nil
}

// DestFor returns the destination id of the mirror of sourceID in dir, or
// common.ErrorNotFound.
func (r *SQLRepository) DestFor(ctx context.Context, userID string, dir models.Direction, sourceID string) (string, error) {
	query := r.dialect.Rebind(`SELECT dest_id FROM synced_content
		WHERE user_id = ? AND source_platform = ? AND dest_platform = ? AND source_id = ? LIMIT 1`)
	return r.lookup(ctx, query, userID, string(dir.Source), string(dir.Dest), sourceID)
}

// SourceFor returns the source id whose mirror in dir is destID, or
// common.ErrorNotFound.
func (r *SQLRepository) SourceFor(ctx context.Context, userID string, dir models.Direction, destID string) (string, error) {
	query := r.dialect.Rebind(`SELECT source_id FROM synced_content
		WHERE user_id = ? AND source_platform = ? AND dest_platform = ? AND dest_id = ? LIMIT 1`)
	return r.lookup(ctx, query, userID, string(dir.Source), string(dir.Dest), destID)
}

func (r *SQLRepository) lookup(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query synced content: %w", err)
	}
	return id, nil
}

// ListByUser returns the newest records of userID first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SyncedContent, error) {
	query := r.dialect.Rebind(`SELECT id, user_id, fingerprint, source_platform, dest_platform, source_id, dest_id, created_at
		FROM synced_content WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select synced content: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncedContent
	for rows.Next() {
		var (
			rec      models.SyncedContent
			fp       string
			src, dst string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &fp, &src, &dst, &rec.SourceID, &rec.DestID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Fingerprint = models.Fingerprint(fp)
		rec.Direction = models.Direction{Source: models.Platform(src), Dest: models.Platform(dst)}
		rec.CreatedAt = rec.CreatedAt.UTC()
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountByUser returns the number of records owned by userID.
func (r *SQLRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	query := r.dialect.Rebind(`SELECT COUNT(*) FROM synced_content WHERE user_id = ?`)
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count synced content: %w", err)
	}
	return n, nil
}
