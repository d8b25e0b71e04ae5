// Package analytics turns sync run output into daily engagement snapshots
// per user and platform.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
)

// Tally accumulates what one run observed. It is not safe for concurrent
// use; each run owns its own.
type Tally struct {
	byPlatform map[models.Platform]*models.AnalyticsSnapshot
}

func NewTally() *Tally {
	return &Tally{byPlatform: make(map[models.Platform]*models.AnalyticsSnapshot)}
}

func (t *Tally) get(p models.Platform) *models.AnalyticsSnapshot {
	s, ok := t.byPlatform[p]
	if !ok {
		s = &models.AnalyticsSnapshot{Platform: p}
		t.byPlatform[p] = s
	}
	return s
}

// Observe adds the engagement a platform reported for a fetched item.
func (t *Tally) Observe(item models.ContentItem) {
	s := t.get(item.SourcePlatform)
	s.Likes += item.Metrics.Likes
	s.Reposts += item.Metrics.Reposts
	s.Replies += item.Metrics.Replies
}

// Mirrored counts one post published to p.
func (t *Tally) Mirrored(p models.Platform) {
	t.get(p).PostsMirrored++
}

// Empty reports whether nothing was tallied.
func (t *Tally) Empty() bool {
	for _, s := range t.byPlatform {
		if !isZero(s) {
			return false
		}
	}
	return true
}

func isZero(s *models.AnalyticsSnapshot) bool {
	return s.PostsMirrored == 0 && s.Likes == 0 && s.Reposts == 0 && s.Replies == 0
}

// Recorder persists tallies into daily snapshots.
type Recorder struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	clock clock.Clock
}

func New(db *sql.DB, repos repomanager.RepositoryManager, clk clock.Clock) *Recorder {
	return &Recorder{db: db, repos: repos, clock: clk}
}

// Record adds t to the snapshots of userID for the current UTC day. All
// platforms are written in one transaction.
func (r *Recorder) Record(ctx context.Context, userID string, t *Tally) error {
	if t == nil || t.Empty() {
		return nil
	}

	now := r.clock.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	platforms := make([]models.Platform, 0, len(t.byPlatform))
	for p, s := range t.byPlatform {
		if !isZero(s) {
			platforms = append(platforms, p)
		}
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := r.repos.Analytics(tx)
		for _, p := range platforms {
			s := *t.byPlatform[p]
			s.UserID = userID
			s.PeriodStart = day
			s.UpdatedAt = now
			if err := repo.Add(ctx, &s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record analytics: %w", err)
	}
	return nil
}

// Snapshots returns the snapshots of userID for the days in [from, to].
func (r *Recorder) Snapshots(ctx context.Context, userID string, from, to time.Time) ([]*models.AnalyticsSnapshot, error) {
	return r.repos.Analytics(r.db).List(ctx, userID, from, to)
}
