package synced

import (
	"context"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository is the ledger of mirrored content.
type Repository interface {
	Insert(ctx context.Context, rec *models.SyncedContent) error
	Exists(ctx context.Context, userID string, fp models.Fingerprint, dir models.Direction) (bool, error)
	ExistsDest(ctx context.Context, userID string, platform models.Platform, destID string) (bool, error)
	DestFor(ctx context.Context, userID string, dir models.Direction, sourceID string) (string, error)
	SourceFor(ctx context.Context, userID string, dir models.Direction, destID string) (string, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.SyncedContent, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}
