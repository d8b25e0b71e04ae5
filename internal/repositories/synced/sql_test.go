package synced

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tb = models.Direction{Source: models.Twitter, Dest: models.Bluesky}

func newRepoWithMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewSQLRepository(db, dbx.Postgres), mock, db
}

func TestInsert_DuplicateIsReported(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO synced_content .* ON CONFLICT \(user_id, fingerprint, source_platform, dest_platform\) DO NOTHING`).
		WithArgs("r1", "u1", "fp", "twitter", "bluesky", "s1", "d1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Insert(context.Background(), &models.SyncedContent{
		ID: "r1", UserID: "u1", Fingerprint: "fp", Direction: tb, SourceID: "s1", DestID: "d1",
	})
	assert.True(t, errors.Is(err, common.ErrDuplicateRecord))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO synced_content`).WillReturnError(errors.New("db is down"))

	err := repo.Insert(context.Background(), &models.SyncedContent{Direction: tb})
	if err == nil || !regexp.MustCompile(`db error: .*db is down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestExists_UsesIndexedKey(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE user_id = $1 AND fingerprint = $2 AND source_platform = $3 AND dest_platform = $4`)).
		WithArgs("u1", "fp", "twitter", "bluesky").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	ok, err := repo.Exists(context.Background(), "u1", "fp", tb)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExists_QueryError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT 1 FROM synced_content`).WillReturnError(errors.New("boom"))

	_, err := repo.Exists(context.Background(), "u1", "fp", tb)
	assert.Error(t, err)
}
