package audit

import (
	"context"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Repository is the append-only audit trail.
type Repository interface {
	Insert(ctx context.Context, e *models.AuditEntry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error)
}
