package runs

import (
	"context"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository persists SyncRun rows. A row is written once when the run
// starts and updated once when it is finalized.
type Repository interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Active(ctx context.Context, userID string) (*models.SyncRun, error)
	Finalize(ctx context.Context, run *models.SyncRun) error
	Get(ctx context.Context, id string) (*models.SyncRun, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.SyncRun, error)
}
