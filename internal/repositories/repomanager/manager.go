// Package repomanager vends repositories bound to a database handle or a
// transaction, and applies schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/repositories/analytics"
	"github.com/dmitrijs2005/crosspost/internal/repositories/audit"
	"github.com/dmitrijs2005/crosspost/internal/repositories/credentials"
	"github.com/dmitrijs2005/crosspost/internal/repositories/markers"
	"github.com/dmitrijs2005/crosspost/internal/repositories/ratelimits"
	"github.com/dmitrijs2005/crosspost/internal/repositories/runs"
	"github.com/dmitrijs2005/crosspost/internal/repositories/synced"
)

type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Dialect() dbx.Dialect
	Credentials(db dbx.DBTX) credentials.Repository
	Synced(db dbx.DBTX) synced.Repository
	Runs(db dbx.DBTX) runs.Repository
	Markers(db dbx.DBTX) markers.Repository
	Audit(db dbx.DBTX) audit.Repository
	Analytics(db dbx.DBTX) analytics.Repository
	RateLimits(db dbx.DBTX) ratelimits.Repository
}
