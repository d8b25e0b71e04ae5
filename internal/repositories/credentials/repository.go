package credentials

import (
	"context"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository persists encrypted credentials. Every lookup is keyed by the
// owning user.
type Repository interface {
	Upsert(ctx context.Context, c *models.Credential) error
	Get(ctx context.Context, userID string, platform models.Platform, credType string) (*models.Credential, error)
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	List(ctx context.Context) ([]*models.Credential, error)
	ListUsers(ctx context.Context) ([]string, error)
	CompareAndSwap(ctx context.Context, c *models.Credential, oldNonce []byte) error
	Delete(ctx context.Context, userID string, platform models.Platform, credType string) error
}
