// Package audit records the action trail of sync runs: every
// authentication attempt, publish attempt and rate-limit deferral.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
	"github.com/google/uuid"
)

// maxDetail bounds the detail column. Details are error kinds and ids,
// never credentials or post bodies.
const maxDetail = 500

// Log appends audit entries.
type Log struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	clock  clock.Clock
	logger logging.Logger
}

func New(db *sql.DB, repos repomanager.RepositoryManager, clk clock.Clock, logger logging.Logger) *Log {
	return &Log{db: db, repos: repos, clock: clk, logger: logger.With("module", "audit")}
}

// Record appends one entry stamped with the current time.
func (l *Log) Record(ctx context.Context, userID, action string, platform models.Platform, outcome, detail string) error {
	detail = common.TruncateString(detail, maxDetail)
	e := &models.AuditEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Platform:  platform,
		Timestamp: l.clock.Now().UTC(),
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := l.repos.Audit(l.db).Insert(ctx, e); err != nil {
		l.logger.Error(ctx, "audit write failed", "user_id", userID, "action", action, "error", err)
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// List returns the newest entries of userID first.
func (l *Log) List(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error) {
	return l.repos.Audit(l.db).ListByUser(ctx, userID, limit)
}
