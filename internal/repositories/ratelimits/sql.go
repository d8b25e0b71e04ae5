// Package ratelimits persists rate-limit windows. Times are stored as Unix
// nanoseconds so both dialects compare them as plain integers.
package ratelimits

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

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Lock upserts the budget row. The no-op update takes the row lock on
// Postgres and the write lock on SQLite.
func (r *SQLRepository) Lock(ctx context.Context, userID string, p models.Platform) error {
	query := r.dialect.Rebind(`
		INSERT INTO rate_budgets (user_id, platform, blocked_until)
		VALUES (?, ?, 0)
		ON CONFLICT (user_id, platform)
		DO UPDATE SET blocked_until = rate_budgets.blocked_until`)

	if _, err := r.db.ExecContext(ctx, query, userID, string(p)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// BlockedUntil returns the stored cooldown end, or the zero time.
func (r *SQLRepository) BlockedUntil(ctx context.Context, userID string, p models.Platform) (time.Time, error) {
	query := r.dialect.Rebind(`SELECT blocked_until FROM rate_budgets WHERE user_id = ? AND platform = ?`)

	var n int64
	err := r.db.QueryRowContext(ctx, query, userID, string(p)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to select cooldown: %w", err)
	}
	return fromNanos(n), nil
}

func (r *SQLRepository) SetBlockedUntil(ctx context.Context, userID string, p models.Platform, until time.Time) error {
	query := r.dialect.Rebind(`
		INSERT INTO rate_budgets (user_id, platform, blocked_until)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, platform)
		DO UPDATE SET blocked_until = excluded.blocked_until`)

	if _, err := r.db.ExecContext(ctx, query, userID, string(p), toNanos(until)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) CallsAfter(ctx context.Context, userID string, p models.Platform, since time.Time) ([]time.Time, error) {
	query := r.dialect.Rebind(`SELECT called_at FROM rate_calls
		WHERE user_id = ? AND platform = ? AND called_at > ? ORDER BY called_at`)

	rows, err := r.db.QueryContext(ctx, query, userID, string(p), toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to select calls: %w", err)
	}
	defer rows.Close()

	var result []time.Time
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		result = append(result, fromNanos(n))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) AddCall(ctx context.Context, userID string, p models.Platform, at time.Time) error {
	query := r.dialect.Rebind(`INSERT INTO rate_calls (user_id, platform, called_at) VALUES (?, ?, ?)`)

	if _, err := r.db.ExecContext(ctx, query, userID, string(p), toNanos(at)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) Prune(ctx context.Context, userID string, p models.Platform, upTo time.Time) error {
	query := r.dialect.Rebind(`DELETE FROM rate_calls WHERE user_id = ? AND platform = ? AND called_at <= ?`)

	if _, err := r.db.ExecContext(ctx, query, userID, string(p), toNanos(upTo)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
