// Package ratelimit tracks per-user, per-platform call budgets.
//
// Each (user, platform) pair keeps a log of call times in the database. A
// call is admitted when fewer than Budget.Limit calls happened in the last
// Budget.Window, so no window of that length ever contains more than Limit
// calls. A cooldown announced by the platform blocks the pair until it
// ends, whatever the log says. Every process opened on the same database
// draws from the same budget.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
)

// Budget is the number of calls allowed in any interval of length Window.
// A non-positive Limit means unlimited.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Limiter is safe for concurrent use, within one process and across
// processes sharing the database.
type Limiter struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	clock   clock.Clock
	budgets map[models.Platform]Budget
}

// New creates a Limiter. Platforms missing from budgets are unlimited.
func New(db *sql.DB, repos repomanager.RepositoryManager, clk clock.Clock, budgets map[models.Platform]Budget) *Limiter {
	b := make(map[models.Platform]Budget, len(budgets))
	for p, v := range budgets {
		b[p] = v
	}
	return &Limiter{db: db, repos: repos, clock: clk, budgets: b}
}

// TryAcquire takes one call from the budget of (userID, p). It never
// waits for budget and returns false when the budget is exhausted or a
// cooldown is in force.
func (l *Limiter) TryAcquire(ctx context.Context, userID string, p models.Platform) (bool, error) {
	now := l.clock.Now()
	budget := l.budgets[p]
	granted := false

	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := l.repos.RateLimits(tx)
		if err := repo.Lock(ctx, userID, p); err != nil {
			return err
		}

		until, err := repo.BlockedUntil(ctx, userID, p)
		if err != nil {
			return err
		}
		if now.Before(until) {
			return nil
		}
		if budget.Limit <= 0 {
			granted = true
			return nil
		}

		cutoff := now.Add(-budget.Window)
		if err := repo.Prune(ctx, userID, p, cutoff); err != nil {
			return err
		}
		calls, err := repo.CallsAfter(ctx, userID, p, cutoff)
		if err != nil {
			return err
		}
		if len(calls) >= budget.Limit {
			return nil
		}
		if err := repo.AddCall(ctx, userID, p, now); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire %s budget: %w", p, err)
	}
	return granted, nil
}

// RecordLimitHit applies a cooldown announced by the platform. The pair is
// blocked until now+retryAfter, replacing any earlier estimate. Without an
// announced value the pair is blocked for one window. The cooldown end is
// returned even when storing it fails.
func (l *Limiter) RecordLimitHit(ctx context.Context, userID string, p models.Platform, retryAfter time.Duration) (time.Time, error) {
	if retryAfter <= 0 {
		retryAfter = l.budgets[p].Window
	}
	until := l.clock.Now().Add(retryAfter)

	if err := l.repos.RateLimits(l.db).SetBlockedUntil(ctx, userID, p, until); err != nil {
		return until, fmt.Errorf("store %s cooldown: %w", p, err)
	}
	return until, nil
}

// Remaining reports how many calls (userID, p) may make now. It returns -1
// for unlimited platforms.
func (l *Limiter) Remaining(ctx context.Context, userID string, p models.Platform) (int, error) {
	now := l.clock.Now()
	repo := l.repos.RateLimits(l.db)

	until, err := repo.BlockedUntil(ctx, userID, p)
	if err != nil {
		return 0, err
	}
	if now.Before(until) {
		return 0, nil
	}
	budget := l.budgets[p]
	if budget.Limit <= 0 {
		return -1, nil
	}
	calls, err := repo.CallsAfter(ctx, userID, p, now.Add(-budget.Window))
	if err != nil {
		return 0, err
	}
	return max(budget.Limit-len(calls), 0), nil
}

// NextAvailable returns when (userID, p) can next acquire a call. The zero
// time means now.
func (l *Limiter) NextAvailable(ctx context.Context, userID string, p models.Platform) (time.Time, error) {
	now := l.clock.Now()
	repo := l.repos.RateLimits(l.db)

	next := time.Time{}
	until, err := repo.BlockedUntil(ctx, userID, p)
	if err != nil {
		return next, err
	}
	if now.Before(until) {
		next = until
	}

	budget := l.budgets[p]
	if budget.Limit > 0 {
		calls, err := repo.CallsAfter(ctx, userID, p, now.Add(-budget.Window))
		if err != nil {
			return next, err
		}
		if len(calls) >= budget.Limit {
			// the oldest call in the window frees a slot when it expires
			free := calls[len(calls)-budget.Limit].Add(budget.Window)
			if free.After(next) {
				next = free
			}
		}
	}
	return next, nil
}
