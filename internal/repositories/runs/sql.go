// Package runs stores SyncRun records.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/goccy/go-json"
)

const columns = `id, user_id, started_at, finished_at, status, items_fetched, items_synced, items_skipped_duplicate, items_deferred, errors`

// SQLRepository implements Repository over a dbx.DBTX.
type SQLRepository struct {
	db      dbx.DBTX
	dialect dbx.Dialect
}

// NewSQLRepository constructs a repository bound to db.
func NewSQLRepository(db dbx.DBTX, dialect dbx.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

// Create inserts an unfinished run. A unique index allows one unfinished
// run per user, so a second one fails with common.ErrRunInProgress.
func (r *SQLRepository) Create(ctx context.Context, run *models.SyncRun) error {
	query := r.dialect.Rebind(`
		INSERT INTO sync_runs (id, user_id, started_at, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)

	res, err := r.db.ExecContext(ctx, query, run.ID, run.UserID, run.StartedAt, string(run.Status))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrRunInProgress
	}
	return nil
}

// Active returns the unfinished run of userID or common.ErrorNotFound.
func (r *SQLRepository) Active(ctx context.Context, userID string) (*models.SyncRun, error) {
	query := r.dialect.Rebind(`SELECT ` + columns + ` FROM sync_runs WHERE user_id = ? AND finished_at IS NULL`)
	return scanOne(r.db.QueryRowContext(ctx, query, userID))
}

// Finalize writes the outcome of run. Only an unfinished row is updated;
// finalizing twice fails with common.ErrRunFinalized.
func (r *SQLRepository) Finalize(ctx context.Context, run *models.SyncRun) error {
	if run.FinishedAt == nil {
		return fmt.Errorf("finalize run %s: finished_at not set", run.ID)
	}

	errs := run.Errors
	if errs == nil {
		errs = []models.RunError{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}

	query := r.dialect.Rebind(`
		UPDATE sync_runs
		SET finished_at = ?, status = ?, items_fetched = ?, items_synced = ?,
			items_skipped_duplicate = ?, items_deferred = ?, errors = ?
		WHERE id = ? AND finished_at IS NULL`)

	res, err := r.db.ExecContext(ctx, query,
		*run.FinishedAt, string(run.Status), run.ItemsFetched, run.ItemsSynced,
		run.ItemsSkippedDuplicate, run.ItemsDeferred, string(payload), run.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrRunFinalized
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// Get returns a run by id or common.ErrorNotFound.
func (r *SQLRepository) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	query := r.dialect.Rebind(`SELECT ` + columns + ` FROM sync_runs WHERE id = ?`)
	return scanOne(r.db.QueryRowContext(ctx, query, id))
}

// ListByUser returns the most recent runs of userID, newest first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SyncRun, error) {
	query := r.dialect.Rebind(`SELECT ` + columns + ` FROM sync_runs
		WHERE user_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select runs: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncRun
	for rows.Next() {
		run, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.SyncRun, error) {
	var (
		run      models.SyncRun
		finished sql.NullTime
		status   string
		errs     string
	)
	if err := s.Scan(&run.ID, &run.UserID, &run.StartedAt, &finished, &status,
		&run.ItemsFetched, &run.ItemsSynced, &run.ItemsSkippedDuplicate, &run.ItemsDeferred, &errs); err != nil {
		return nil, err
	}

	run.StartedAt = run.StartedAt.UTC()
	run.Status = models.RunStatus(status)
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	if errs != "" {
		if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
			return nil, fmt.Errorf("decode run errors: %w", err)
		}
	}
	return &run, nil
}

func scanOne(row *sql.Row) (*models.SyncRun, error) {
	run, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select run: %w", err)
	}
	return run, nil
}
