package markers

import (
	"context"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository stores the per-user, per-direction fetch marker.
type Repository interface {
	Get(ctx context.Context, userID string, dir models.Direction) (models.Marker, error)
	Set(ctx context.Context, userID string, dir models.Direction, marker models.Marker, at time.Time) error
	List(ctx context.Context, userID string) ([]*models.SyncMarker, error)
}
