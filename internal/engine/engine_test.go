package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/analytics"
	"github.com/dmitrijs2005/crosspost/internal/audit"
	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/cryptox"
	"github.com/dmitrijs2005/crosspost/internal/dbtest"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/dedup"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
	"github.com/dmitrijs2005/crosspost/internal/ratelimit"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
	"github.com/dmitrijs2005/crosspost/internal/vault"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var (
	twToBs = models.Direction{Source: models.Twitter, Dest: models.Bluesky}
	bsToTw = models.Direction{Source: models.Bluesky, Dest: models.Twitter}
)

type archived struct {
	mu   sync.Mutex
	runs []*models.SyncRun
}

func (a *archived) Put(_ context.Context, run *models.SyncRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, run)
	return nil
}

type fixture struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	clock     *clock.FakeClock
	vault     *vault.Vault
	limiter   *ratelimit.Limiter
	audit     *audit.Log
	analytics *analytics.Recorder
	archive   *archived
	tw, bs    *fakeAdapter
	deps      Deps
	opts      Options
	engine    *Engine
}

func newFixture(t *testing.T, budgets map[models.Platform]ratelimit.Budget) *fixture {
	t.Helper()

	db := dbtest.NewSQLite(t)
	repos, err := repomanager.NewSQLRepositoryManager(dbx.SQLite)
	require.NoError(t, err)

	keys, err := vault.NewKeyring(bytes.Repeat([]byte{7}, cryptox.KeySize))
	require.NoError(t, err)
	t.Cleanup(keys.Close)

	f := &fixture{
		db:      db,
		repos:   repos,
		clock:   clock.Fake(t0),
		archive: &archived{},
		tw:      newFakeAdapter(models.Twitter, models.CredentialBearerToken),
		bs:      newFakeAdapter(models.Bluesky, models.CredentialAppPassword),
	}
	log := logging.Discard()
	f.vault = vault.New(db, repos, keys, f.clock, log)
	f.limiter = ratelimit.New(db, repos, f.clock, budgets)
	f.audit = audit.New(db, repos, f.clock, log)
	f.analytics = analytics.New(db, repos, f.clock)

	f.deps = Deps{
		DB:        db,
		Repos:     repos,
		Vault:     f.vault,
		Adapters:  platform.NewRegistry(f.tw, f.bs),
		Ledger:    dedup.NewStore(repos.Synced(db), dedup.DefaultCacheBytes, f.clock),
		Limiter:   f.limiter,
		Audit:     f.audit,
		Analytics: f.analytics,
		Archive:   f.archive,
		Clock:     f.clock,
		Logger:    log,
	}
	f.opts = Options{
		RequestTimeout: time.Second,
		MaxAttempts:    3,
		RetryBase:      time.Millisecond,
		FetchLimit:     50,
		StaleRunAfter:  time.Hour,
	}
	f.engine = New(f.deps, f.opts)
	return f
}

// reopened returns another engine on the same database, as a second
// process would build it.
func (f *fixture) reopened(budgets map[models.Platform]ratelimit.Budget) *Engine {
	deps := f.deps
	deps.Limiter = ratelimit.New(f.db, f.repos, f.clock, budgets)
	return New(deps, f.opts)
}

// addUser stores both credentials of user. The fakes use the secret as the
// account id.
func (f *fixture) addUser(t *testing.T, user string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.vault.Store(ctx, user, models.Twitter, models.CredentialBearerToken, []byte(user+"-tw"))
	require.NoError(t, err)
	_, err = f.vault.Store(ctx, user, models.Bluesky, models.CredentialAppPassword, []byte(user+"-bs"))
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, user string) *models.SyncRun {
	t.Helper()
	run, err := f.engine.Run(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func (f *fixture) records(t *testing.T, user string) int {
	t.Helper()
	n, err := f.repos.Synced(f.db).CountByUser(context.Background(), user)
	require.NoError(t, err)
	return n
}

func (f *fixture) marker(t *testing.T, user string, dir models.Direction) models.Marker {
	t.Helper()
	m, err := f.repos.Markers(f.db).Get(context.Background(), user, dir)
	require.NoError(t, err)
	return m
}

func (f *fixture) auditActions(t *testing.T, user string) map[string]int {
	t.Helper()
	entries, err := f.audit.List(context.Background(), user, 1000)
	require.NoError(t, err)
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Action+"/"+e.Outcome]++
	}
	return out
}

// deferredPublishes counts rate_limit_defer entries written for items.
func (f *fixture) deferredPublishes(t *testing.T, user string) int {
	t.Helper()
	entries, err := f.audit.List(context.Background(), user, 1000)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Action == models.ActionRateLimitDefer && strings.HasPrefix(e.Detail, "publish ") {
			n++
		}
	}
	return n
}

func (f *fixture) nextAvailable(t *testing.T, user string, p models.Platform) time.Time {
	t.Helper()
	next, err := f.limiter.NextAvailable(context.Background(), user, p)
	require.NoError(t, err)
	return next
}

func errorKinds(run *models.SyncRun) []string {
	var out []string
	for _, e := range run.Errors {
		out = append(out, e.Kind)
	}
	return out
}

func TestRun_FirstPassMirrorsNewPosts(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 3, run.ItemsFetched)
	assert.Equal(t, 3, run.ItemsSynced)
	assert.Equal(t, 0, run.ItemsSkippedDuplicate)
	assert.Equal(t, 0, run.ItemsDeferred)
	assert.Empty(t, run.Errors)
	require.NotNil(t, run.FinishedAt)

	assert.Equal(t, []string{"one", "two", "three"}, f.bs.publishedTexts())
	assert.Empty(t, f.tw.publishedTexts())
	assert.Equal(t, 3, f.records(t, "alice"))
	assert.Equal(t, models.Marker("000003"), f.marker(t, "alice", twToBs))
	assert.Equal(t, models.Marker("000003"), f.marker(t, "alice", bsToTw))

	stored, err := f.repos.Runs(f.db).Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, stored.Status)
	assert.Equal(t, 3, stored.ItemsSynced)

	actions := f.auditActions(t, "alice")
	assert.Equal(t, 2, actions["authenticate/ok"])
	assert.Equal(t, 3, actions["publish/ok"])

	require.Len(t, f.archive.runs, 1)
	assert.Equal(t, run.ID, f.archive.runs[0].ID)

	snaps, err := f.analytics.Snapshots(context.Background(), "alice", t0.Add(-24*time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	byPlatform := make(map[models.Platform]*models.AnalyticsSnapshot)
	for _, s := range snaps {
		byPlatform[s.Platform] = s
	}
	require.Contains(t, byPlatform, models.Bluesky)
	require.Contains(t, byPlatform, models.Twitter)
	assert.Equal(t, int64(3), byPlatform[models.Bluesky].PostsMirrored)
	assert.Equal(t, int64(3), byPlatform[models.Twitter].Likes)
}

func TestRun_RerunWithoutNewContent(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}
	f.run(t, "alice")

	run := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 0, run.ItemsFetched)
	assert.Equal(t, 0, run.ItemsSynced)
	assert.Equal(t, 3, f.records(t, "alice"))
	assert.Len(t, f.bs.publishedCalls(), 3)
}

func TestRun_ValidationFailureIsPermanent(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")
	long := f.tw.post("alice-tw", strings.Repeat("x", 301))
	f.tw.post("alice-tw", "three")

	run := f.run(t, "alice")

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 3, run.ItemsFetched)
	assert.Equal(t, 2, run.ItemsSynced)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "ValidationError", run.Errors[0].Kind)
	assert.Equal(t, long, run.Errors[0].SourceID)
	assert.Equal(t, twToBs.String(), run.Errors[0].Direction)
	assert.Equal(t, 2, f.records(t, "alice"))
	assert.Equal(t, []string{"one", "three"}, f.bs.publishedTexts())
	// a rejected item never comes back
	assert.Equal(t, models.Marker("000003"), f.marker(t, "alice", twToBs))

	again := f.run(t, "alice")
	assert.Equal(t, models.RunSuccess, again.Status)
	assert.Equal(t, 0, again.ItemsFetched)
}

func TestRun_RateLimitDefersRemainingItems(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}
	f.bs.publishErr = func(_ context.Context, n int, _ models.ContentItem) error {
		if n == 2 {
			return &platform.RateLimitError{Platform: models.Bluesky, RetryAfter: time.Minute}
		}
		return nil
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 1, run.ItemsSynced)
	assert.Equal(t, 2, run.ItemsDeferred)
	assert.Empty(t, run.Errors)
	assert.Equal(t, []string{"one"}, f.bs.publishedTexts())
	// the rate limited call was made once, the third item not at all
	assert.Len(t, f.bs.publishedCalls(), 2)
	assert.Equal(t, 1, f.records(t, "alice"))
	assert.Equal(t, models.Marker("000001"), f.marker(t, "alice", twToBs))
	assert.Equal(t, t0.Add(time.Minute), f.nextAvailable(t, "alice", models.Bluesky))
	assert.Equal(t, 2, f.deferredPublishes(t, "alice"))

	// still blocked
	blocked := f.run(t, "alice")
	assert.Equal(t, 0, blocked.ItemsSynced)
	assert.Equal(t, 2, blocked.ItemsDeferred)

	f.clock.Advance(2 * time.Minute)
	next := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, next.Status)
	assert.Equal(t, 2, next.ItemsFetched)
	assert.Equal(t, 2, next.ItemsSynced)
	assert.Equal(t, []string{"one", "two", "three"}, f.bs.publishedTexts())
	assert.Equal(t, 3, f.records(t, "alice"))
}

func TestRun_RespectsCallBudget(t *testing.T) {
	f := newFixture(t, map[models.Platform]ratelimit.Budget{
		models.Bluesky: {Limit: 2, Window: 15 * time.Minute},
	})
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}

	run := f.run(t, "alice")
	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 2, run.ItemsSynced)
	assert.Equal(t, 1, run.ItemsDeferred)
	assert.Empty(t, run.Errors)
	remaining, err := f.limiter.Remaining(context.Background(), "alice", models.Bluesky)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 1, f.deferredPublishes(t, "alice"))

	f.clock.Advance(time.Minute)
	run = f.run(t, "alice")
	assert.Equal(t, 0, run.ItemsSynced)
	assert.Len(t, f.bs.publishedCalls(), 2)

	f.clock.Advance(15 * time.Minute)
	run = f.run(t, "alice")
	assert.Equal(t, 1, run.ItemsSynced)
	assert.Equal(t, []string{"one", "two", "three"}, f.bs.publishedTexts())
}

func TestRun_MirrorsBothDirections(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "from twitter")
	f.bs.post("alice-bs", "from bluesky")

	run := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 2, run.ItemsFetched)
	assert.Equal(t, 2, run.ItemsSynced)
	assert.Equal(t, []string{"from twitter"}, f.bs.publishedTexts())
	assert.Equal(t, []string{"from bluesky"}, f.tw.publishedTexts())
}

func TestRun_NoLoopAmplification(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "hello world")

	for range 3 {
		f.run(t, "alice")
	}
	assert.Len(t, f.bs.publishedCalls(), 1)
	assert.Empty(t, f.tw.publishedCalls())

	// the same content posted by hand on the other side is not sent back
	f.bs.post("alice-bs", "  Hello   WORLD ")
	run := f.run(t, "alice")
	assert.Equal(t, 1, run.ItemsSkippedDuplicate)
	assert.Equal(t, 0, run.ItemsSynced)
	assert.Empty(t, f.tw.publishedCalls())
	assert.Equal(t, 1, f.records(t, "alice"))
}

func TestRun_IdempotentWithoutMarkers(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}
	f.run(t, "alice")

	_, err := f.db.Exec(`DELETE FROM sync_markers`)
	require.NoError(t, err)

	run := f.run(t, "alice")
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 3, run.ItemsSkippedDuplicate)
	assert.Equal(t, 0, run.ItemsSynced)
	assert.Len(t, f.bs.publishedCalls(), 3)
	assert.Equal(t, 3, f.records(t, "alice"))
}

func TestRun_UsersAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.addUser(t, "bob")
	f.tw.post("alice-tw", "same words")
	f.tw.post("bob-tw", "same words")

	var wg sync.WaitGroup
	results := make(map[string]*models.SyncRun)
	var mu sync.Mutex
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := f.engine.Run(context.Background(), user)
			assert.NoError(t, err)
			mu.Lock()
			results[user] = run
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, user := range []string{"alice", "bob"} {
		require.NotNil(t, results[user], user)
		assert.Equal(t, models.RunSuccess, results[user].Status, user)
		assert.Equal(t, 1, results[user].ItemsSynced, user)
		assert.Equal(t, 1, f.records(t, user), user)
	}

	calls := f.bs.publishedCalls()
	require.Len(t, calls, 2)
	f.bs.mu.Lock()
	assert.Len(t, f.bs.timelines["alice-bs"], 1)
	assert.Len(t, f.bs.timelines["bob-bs"], 1)
	f.bs.mu.Unlock()
}

func TestRun_RefusesSecondRunInProcess(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")

	var nested error
	f.tw.fetchErr = func(n int) error {
		if n == 1 {
			_, nested = f.engine.Run(context.Background(), "alice")
		}
		return nil
	}

	run := f.run(t, "alice")
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.ErrorIs(t, nested, common.ErrRunInProgress)

	runs, err := f.repos.Runs(f.db).ListByUser(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRun_RefusesActiveRunInStorage(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")

	other := &models.SyncRun{ID: uuid.NewString(), UserID: "alice", StartedAt: t0.Add(-time.Minute), Status: models.RunRunning}
	require.NoError(t, f.repos.Runs(f.db).Create(context.Background(), other))

	run, err := f.engine.Run(context.Background(), "alice")
	assert.Nil(t, run)
	assert.ErrorIs(t, err, common.ErrRunInProgress)
	assert.Equal(t, 0, f.tw.fetchCount())
	assert.Equal(t, 0, f.records(t, "alice"))

	runs, err := f.repos.Runs(f.db).ListByUser(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRun_ClosesStaleRun(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")

	stale := &models.SyncRun{ID: uuid.NewString(), UserID: "alice", StartedAt: t0.Add(-2 * time.Hour), Status: models.RunRunning}
	require.NoError(t, f.repos.Runs(f.db).Create(context.Background(), stale))

	run := f.run(t, "alice")
	assert.Equal(t, models.RunSuccess, run.Status)

	got, err := f.repos.Runs(f.db).Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "run abandoned", got.Errors[0].Message)
}

func TestRun_MissingCredentialFails(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.vault.Store(context.Background(), "alice", models.Twitter, models.CredentialBearerToken, []byte("alice-tw"))
	require.NoError(t, err)
	f.tw.post("alice-tw", "one")

	run := f.run(t, "alice")

	assert.Equal(t, models.RunFailed, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "CredentialError", run.Errors[0].Kind)
	assert.Equal(t, string(models.Bluesky), run.Errors[0].Platform)
	assert.Equal(t, 0, f.tw.fetchCount())
	assert.Equal(t, 0, f.bs.fetchCount())
	assert.Equal(t, 1, f.auditActions(t, "alice")["authenticate/error"])

	stored, err := f.repos.Runs(f.db).Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)
}

func TestRun_RejectedAuthenticationFails(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")
	f.tw.authErr = fmt.Errorf("%w: bad token", common.ErrAuth)

	run := f.run(t, "alice")

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, []string{"AuthError"}, errorKinds(run))
	assert.Equal(t, 1, f.tw.auths, "auth errors are not retried")
	assert.Equal(t, 0, f.tw.fetchCount())
	assert.Empty(t, f.bs.publishedCalls())
}

func TestRun_AuthenticationRetriesNetworkErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.bs.authErr = fmt.Errorf("%w: connection reset", common.ErrNetwork)

	run := f.run(t, "alice")

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, []string{"NetworkError"}, errorKinds(run))
	assert.Equal(t, 3, f.bs.auths)
	actions := f.auditActions(t, "alice")
	assert.Equal(t, 3, actions["authenticate/error"], "one entry per attempt")
	assert.Equal(t, 0, actions["authenticate/ok"])
}

func TestRun_PublishRetriesNetworkErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}
	f.bs.publishErr = func(_ context.Context, n int, _ models.ContentItem) error {
		if n == 1 {
			return fmt.Errorf("%w: connection reset", common.ErrNetwork)
		}
		return nil
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 3, run.ItemsSynced)
	assert.Len(t, f.bs.publishedCalls(), 4)
	assert.Equal(t, []string{"one", "two", "three"}, f.bs.publishedTexts())
}

func TestRun_PublishNetworkFailureIsRetriedNextRun(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}
	f.bs.publishErr = func(_ context.Context, _ int, item models.ContentItem) error {
		if item.Text == "two" {
			return fmt.Errorf("%w: bad gateway", common.ErrNetwork)
		}
		return nil
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 2, run.ItemsSynced)
	assert.Equal(t, []string{"NetworkError"}, errorKinds(run))
	assert.Equal(t, []string{"one", "three"}, f.bs.publishedTexts())
	assert.Len(t, f.bs.publishedCalls(), 5)
	// the marker stops before the failed item
	assert.Equal(t, models.Marker("000001"), f.marker(t, "alice", twToBs))

	f.bs.mu.Lock()
	f.bs.publishErr = nil
	f.bs.mu.Unlock()

	next := f.run(t, "alice")
	assert.Equal(t, models.RunSuccess, next.Status)
	assert.Equal(t, 1, next.ItemsSynced)
	assert.Equal(t, 1, next.ItemsSkippedDuplicate)
	assert.Equal(t, []string{"one", "three", "two"}, f.bs.publishedTexts())
	assert.Equal(t, models.Marker("000003"), f.marker(t, "alice", twToBs))
}

func TestRun_PublishAuthErrorStopsPlatform(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two"} {
		f.tw.post("alice-tw", text)
	}
	f.bs.publishErr = func(context.Context, int, models.ContentItem) error {
		return fmt.Errorf("%w: token revoked", common.ErrAuth)
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, []string{"AuthError"}, errorKinds(run))
	assert.Equal(t, 1, run.ItemsDeferred)
	assert.Len(t, f.bs.publishedCalls(), 1)
	assert.Equal(t, models.Marker(""), f.marker(t, "alice", twToBs))

	actions := f.auditActions(t, "alice")
	assert.Equal(t, 1, actions["publish/error"])
	assert.Equal(t, 1, actions["publish/deferred"], "the item left behind")
}

func TestRun_AuditsEveryPublishAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "flaky")
	f.bs.publishErr = func(_ context.Context, n int, _ models.ContentItem) error {
		if n <= 2 {
			return fmt.Errorf("%w: connection reset", common.ErrNetwork)
		}
		return nil
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 1, run.ItemsSynced)
	require.Len(t, f.bs.publishedCalls(), 3)

	actions := f.auditActions(t, "alice")
	assert.Equal(t, 2, actions["publish/error"])
	assert.Equal(t, 1, actions["publish/ok"])
	assert.Equal(t, len(f.bs.publishedCalls()), actions["publish/error"]+actions["publish/ok"])
}

func TestRun_AuditsEveryDeferredItem(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three", "four"} {
		f.tw.post("alice-tw", text)
	}
	f.bs.publishErr = func(_ context.Context, n int, _ models.ContentItem) error {
		if n == 2 {
			return &platform.RateLimitError{Platform: models.Bluesky, RetryAfter: time.Minute}
		}
		return nil
	}

	run := f.run(t, "alice")

	assert.Equal(t, 1, run.ItemsSynced)
	assert.Equal(t, 3, run.ItemsDeferred)
	assert.Len(t, f.bs.publishedCalls(), 2)

	actions := f.auditActions(t, "alice")
	assert.Equal(t, 1, actions["publish/ok"])
	assert.Equal(t, 1, actions["publish/deferred"], "the rate limited call")
	assert.Equal(t, 3, f.deferredPublishes(t, "alice"))
}

func TestRun_BudgetSharedAcrossEngines(t *testing.T) {
	budgets := map[models.Platform]ratelimit.Budget{
		models.Bluesky: {Limit: 2, Window: 15 * time.Minute},
	}
	f := newFixture(t, budgets)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three", "four"} {
		f.tw.post("alice-tw", text)
	}

	run := f.run(t, "alice")
	assert.Equal(t, 2, run.ItemsSynced)

	other := f.reopened(budgets)
	run, err := other.Run(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, run.ItemsSynced)
	assert.Equal(t, 2, run.ItemsDeferred)
	assert.Len(t, f.bs.publishedCalls(), 2, "no window holds more than the budget")

	f.clock.Advance(15 * time.Minute)
	run, err = other.Run(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, run.ItemsSynced)
	assert.Equal(t, []string{"one", "two", "three", "four"}, f.bs.publishedTexts())
}

func TestRun_FetchFailureAbortsOnlyItsDirection(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "lost")
	f.bs.post("alice-bs", "kept")
	f.tw.fetchErr = func(int) error { return fmt.Errorf("%w: suspended", common.ErrAuth) }

	run := f.run(t, "alice")

	assert.Equal(t, models.RunPartial, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "AuthError", run.Errors[0].Kind)
	assert.Equal(t, twToBs.String(), run.Errors[0].Direction)
	assert.Equal(t, []string{"kept"}, f.tw.publishedTexts())
	assert.Empty(t, f.bs.publishedCalls())
}

func TestRun_EveryDirectionFailingFailsTheRun(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	boom := func(int) error { return errors.New("boom") }
	f.tw.fetchErr = boom
	f.bs.fetchErr = boom

	run := f.run(t, "alice")

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, []string{"InternalError", "InternalError"}, errorKinds(run))
}

func TestRun_FetchRetriesNetworkErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")
	f.tw.fetchErr = func(n int) error {
		if n == 1 {
			return fmt.Errorf("%w: timeout", common.ErrNetwork)
		}
		return nil
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 1, run.ItemsSynced)
	assert.Equal(t, 2, f.tw.fetchCount())
}

func TestRun_FetchRateLimitDefersDirection(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	f.tw.post("alice-tw", "one")
	f.bs.post("alice-bs", "waiting")
	f.tw.fetchErr = func(int) error {
		return &platform.RateLimitError{Platform: models.Twitter, RetryAfter: time.Minute}
	}

	run := f.run(t, "alice")

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Empty(t, run.Errors)
	assert.Equal(t, 1, run.ItemsDeferred)
	assert.Equal(t, 1, f.tw.fetchCount())
	assert.Empty(t, f.tw.publishedCalls())
	assert.Equal(t, t0.Add(time.Minute), f.nextAvailable(t, "alice", models.Twitter))
}

func TestRun_CancelledMidDirection(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	for _, text := range []string{"one", "two", "three"} {
		f.tw.post("alice-tw", text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.bs.publishErr = func(_ context.Context, n int, _ models.ContentItem) error {
		if n == 1 {
			cancel()
		}
		return nil
	}

	run, err := f.engine.Run(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.RunPartial, run.Status)
	assert.Equal(t, 1, run.ItemsSynced)
	assert.Contains(t, errorKinds(run), "Cancelled")
	assert.Equal(t, 1, f.records(t, "alice"))
	assert.Equal(t, models.Marker("000001"), f.marker(t, "alice", twToBs))
	assert.Equal(t, 0, f.bs.fetchCount())

	stored, err := f.repos.Runs(f.db).Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, stored.Status)
}

func TestRun_ThreadsReplies(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	root := f.tw.post("alice-tw", "root")
	f.tw.post("alice-tw", "reply", replyTo(root, root))
	f.tw.post("alice-tw", "orphan", replyTo("twitter-999", "twitter-999"))

	run := f.run(t, "alice")
	require.Equal(t, 3, run.ItemsSynced)

	calls := f.bs.publishedCalls()
	require.Len(t, calls, 3)
	assert.Nil(t, calls[0].parent)
	require.NotNil(t, calls[1].parent)
	assert.Equal(t, platform.ThreadRef{ID: calls[0].id, RootID: calls[0].id}, *calls[1].parent)
	assert.Nil(t, calls[2].parent, "unknown parents post unthreaded")
}

func TestRun_ThreadsRepliesToMirrors(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice")
	original := f.bs.post("alice-bs", "started on bluesky")
	f.run(t, "alice")

	mirrors := f.tw.publishedCalls()
	require.Len(t, mirrors, 1)
	f.tw.post("alice-tw", "answered on twitter", replyTo(mirrors[0].id, mirrors[0].id))

	run := f.run(t, "alice")
	require.Equal(t, 1, run.ItemsSynced)

	calls := f.bs.publishedCalls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].parent)
	assert.Equal(t, original, calls[0].parent.ID)
	assert.Equal(t, original, calls[0].parent.RootID)
}
