package ratelimits

import (
	"context"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository stores the call log and cooldown of each (user, platform)
// budget so every process sharing the database draws from the same one.
type Repository interface {
	// Lock creates the budget row if missing and holds it until the
	// enclosing transaction ends.
	Lock(ctx context.Context, userID string, p models.Platform) error
	BlockedUntil(ctx context.Context, userID string, p models.Platform) (time.Time, error)
	SetBlockedUntil(ctx context.Context, userID string, p models.Platform, until time.Time) error
	// CallsAfter returns call times strictly after since, oldest first.
	CallsAfter(ctx context.Context, userID string, p models.Platform, since time.Time) ([]time.Time, error)
	AddCall(ctx context.Context, userID string, p models.Platform, at time.Time) error
	// Prune drops calls at or before upTo.
	Prune(ctx context.Context, userID string, p models.Platform, upTo time.Time) error
}
