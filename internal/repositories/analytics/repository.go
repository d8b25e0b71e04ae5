package analytics

import (
	"context"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository stores daily analytics snapshots.
type Repository interface {
	// Add merges s into the stored snapshot for the same user, platform and
	// day, adding its counters.
	Add(ctx context.Context, s *models.AnalyticsSnapshot) error
	List(ctx context.Context, userID string, from, to time.Time) ([]*models.AnalyticsSnapshot, error)
}
