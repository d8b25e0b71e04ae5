// Package analytics stores per-day engagement aggregates.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
)

const periodLayout = "2006-01-02"

// SQLRepository implements Repository over a dbx.DBTX.
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

// NewSQLRepository constructs a repository bound to db.
func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Add(ctx context.Context, s *models.AnalyticsSnapshot) error {
	query := r.dialect.Rebind(`
		INSERT INTO analytics_snapshots (user_id, platform, period, posts_mirrored, likes, reposts, replies, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform, period)
		DO UPDATE SET
			posts_mirrored = analytics_snapshots.posts_mirrored + excluded.posts_mirrored,
			likes = analytics_snapshots.likes + excluded.likes,
			reposts = analytics_snapshots.reposts + excluded.reposts,
			replies = analytics_snapshots.replies + excluded.replies,
			updated_at = excluded.updated_at`)

	_, err := r.db.ExecContext(ctx, query,
		s.UserID, string(s.Platform), s.PeriodStart.UTC().Format(periodLayout),
		s.PostsMirrored, s.Likes, s.Reposts, s.Replies, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// List returns the snapshots of userID whose day falls within [from, to],
// oldest first.
func (r *SQLRepository) List(ctx context.Context, userID string, from, to time.Time) ([]*models.AnalyticsSnapshot, error) {
	query := r.dialect.Rebind(`SELECT platform, period, posts_mirrored, likes, reposts, replies, updated_at
		FROM analytics_snapshots
		WHERE user_id = ? AND period >= ? AND period <= ?
		ORDER BY period, platform`)

	rows, err := r.db.QueryContext(ctx, query, userID,
		from.UTC().Format(periodLayout), to.UTC().Format(periodLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to select snapshots: %w", err)
	}
	defer rows.Close()

	var result []*models.AnalyticsSnapshot
	for rows.Next() {
		var (
			s                models.AnalyticsSnapshot
			platform, period string
		)
		if err := rows.Scan(&platform, &period, &s.PostsMirrored, &s.Likes, &s.Reposts, &s.Replies, &s.UpdatedAt); err != nil {
			return nil, err
		}
		start, err := time.Parse(periodLayout, period)
		if err != nil {
			return nil, fmt.Errorf("bad period %q: %w", period, err)
		}
		s.UserID = userID
		s.Platform = models.Platform(platform)
		s.PeriodStart = start
		s.UpdatedAt = s.UpdatedAt.UTC()
		result = append(result, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
