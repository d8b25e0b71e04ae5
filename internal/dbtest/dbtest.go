// Package dbtest opens throwaway in-memory SQLite databases with the full
// schema applied, for repository and engine tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/migrations"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
)

// NewSQLite returns a migrated, private in-memory database closed at the
// end of the test.
func NewSQLite(t testing.TB) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, _, err := dbx.Open(ctx, "sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(dbx.SQLite.Goose); err != nil {
		t.Fatalf("goose dialect: %v", err)
	}
	if err := goose.UpContext(ctx, db, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
