package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/dbtest"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCredential(id, user string, p models.Platform, nonce string) *models.Credential {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Credential{
		ID: id, UserID: user, Platform: p, CredentialType: "token",
		Ciphertext: []byte("ct-" + nonce), Nonce: []byte(nonce), Tag: []byte("tag"), KeyID: "k1",
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestSQLite_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLRepository(dbtest.NewSQLite(t), dbx.SQLite)

	c := newCredential("c1", "alice", models.Twitter, "n1")
	require.NoError(t, repo.Upsert(ctx, c))
	require.NoError(t, repo.Upsert(ctx, newCredential("c2", "bob", models.Bluesky, "n2")))

	got, err := repo.Get(ctx, "alice", models.Twitter, "token")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct-n1"), got.Ciphertext)
	assert.Equal(t, models.Twitter, got.Platform)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))

	// replacing keeps the row id
	again := newCredential("c3", "alice", models.Twitter, "n3")
	require.NoError(t, repo.Upsert(ctx, again))
	assert.Equal(t, "c1", again.ID)

	got, err = repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("n3"), got.Nonce)

	users, err := repo.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// other users' rows are invisible under the wrong key
	_, err = repo.Get(ctx, "bob", models.Twitter, "token")
	assert.True(t, errors.Is(err, common.ErrorNotFound))

	swapped := *got
	swapped.Nonce = []byte("n4")
	require.NoError(t, repo.CompareAndSwap(ctx, &swapped, []byte("n3")))
	assert.True(t, errors.Is(repo.CompareAndSwap(ctx, &swapped, []byte("n3")), common.ErrVersionConflict))

	require.NoError(t, repo.Delete(ctx, "alice", models.Twitter, "token"))
	assert.True(t, errors.Is(repo.Delete(ctx, "alice", models.Twitter, "token"), common.ErrorNotFound))
}
