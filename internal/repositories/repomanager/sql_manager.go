package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/migrations"
	"github.com/dmitrijs2005/crosspost/internal/repositories/analytics"
	"github.com/dmitrijs2005/crosspost/internal/repositories/audit"
	"github.com/dmitrijs2005/crosspost/internal/repositories/credentials"
	"github.com/dmitrijs2005/crosspost/internal/repositories/markers"
	"github.com/dmitrijs2005/crosspost/internal/repositories/ratelimits"
	"github.com/dmitrijs2005/crosspost/internal/repositories/runs"
	"github.com/dmitrijs2005/crosspost/internal/repositories/synced"
	"github.com/pressly/goose/v3"
)

// SQLRepositoryManager vends the SQL repositories for one dialect.
type SQLRepositoryManager struct {
	dialect dbx.Dialect
}

// NewSQLRepositoryManager constructs a RepositoryManager for dialect.
func NewSQLRepositoryManager(dialect dbx.Dialect) (RepositoryManager, error) {
	if _, err := migrationsDir(dialect); err != nil {
		return nil, err
	}
	return &SQLRepositoryManager{dialect: dialect}, nil
}

func (m *SQLRepositoryManager) Dialect() dbx.Dialect {
	return m.dialect
}

func (m *SQLRepositoryManager) Credentials(db dbx.DBTX) credentials.Repository {
	return credentials.NewSQLRepository(db, m.dialect)
}

func (m *SQLRepositoryManager) Synced(db dbx.DBTX) synced.Repository {
	return synced.NewSQLRepository(db, m.dialect)
}

func (m *SQLRepositoryManager) Runs(db dbx.DBTX) runs.Repository {
	return runs.NewSQLRepository(db, m.dialect)
}

func (m *SQLRepositoryManager) Markers(db dbx.DBTX) markers.Repository {
	return markers.NewSQLRepository(db, m.dialect)
}

func (m *SQLRepositoryManager) Audit(db dbx.DBTX) audit.Repository {
	return audit.NewSQLRepository(db, m.dialect)
}

func (m *SQLRepositoryManager) Analytics(db dbx.DBTX) analytics.Repository {
	return analytics.NewSQLRepository(db, m.dialect)
}

func (m *SQLRepositoryManager) RateLimits(db dbx.DBTX) ratelimits.Repository {
	return ratelimits.NewSQLRepository(db, m.dialect)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations of the manager's dialect.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	dir, err := migrationsDir(m.dialect)
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(m.dialect.Goose); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, dir)
}

func migrationsDir(d dbx.Dialect) (string, error) {
	switch d {
	case dbx.Postgres:
		return "postgres", nil
	case dbx.SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("no migrations for dialect %q", d.Name)
	}
}
