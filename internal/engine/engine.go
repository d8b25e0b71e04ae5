// Package engine runs one synchronization pass for one user: authenticate
// on both platforms, fetch new posts per direction, drop what was already
// mirrored, publish the rest under the rate limits and record the outcome.
//
// The engine holds no configuration of its own. Everything it needs is
// passed to New.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/analytics"
	"github.com/dmitrijs2005/crosspost/internal/archive"
	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/metrics"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
	"github.com/google/uuid"
)

// CredentialSource yields decrypted credentials. The engine wipes them
// after use.
type CredentialSource interface {
	Retrieve(ctx context.Context, userID string, p models.Platform, credType string) ([]byte, error)
}

// Ledger is the record of mirrored content.
type Ledger interface {
	HasSynced(ctx context.Context, userID string, fp models.Fingerprint, dir models.Direction) (bool, error)
	Record(ctx context.Context, userID string, fp models.Fingerprint, dir models.Direction, sourceID, destID string) error
	IsMirror(ctx context.Context, userID string, p models.Platform, postID string) (bool, error)
	DestFor(ctx context.Context, userID string, dir models.Direction, sourceID string) (string, bool, error)
	SourceFor(ctx context.Context, userID string, dir models.Direction, destID string) (string, bool, error)
}

// Limiter hands out platform call budget.
type Limiter interface {
	TryAcquire(ctx context.Context, userID string, p models.Platform) (bool, error)
	RecordLimitHit(ctx context.Context, userID string, p models.Platform, retryAfter time.Duration) (time.Time, error)
	NextAvailable(ctx context.Context, userID string, p models.Platform) (time.Time, error)
}

// Auditor appends to the audit trail.
type Auditor interface {
	Record(ctx context.Context, userID, action string, p models.Platform, outcome, detail string) error
}

// AnalyticsSink persists what a run observed.
type AnalyticsSink interface {
	Record(ctx context.Context, userID string, t *analytics.Tally) error
}

// Deps are the collaborators of an Engine. Archive and Metrics may be nil.
type Deps struct {
	DB        *sql.DB
	Repos     repomanager.RepositoryManager
	Vault     CredentialSource
	Adapters  *platform.Registry
	Ledger    Ledger
	Limiter   Limiter
	Audit     Auditor
	Analytics AnalyticsSink
	Archive   archive.Archive
	Metrics   metrics.Recorder
	Clock     clock.Clock
	Logger    logging.Logger
}

// Options tune a run.
type Options struct {
	// RequestTimeout bounds each adapter call. A timeout is a network error.
	RequestTimeout time.Duration
	// MaxAttempts bounds calls per fetch or publish when the platform
	// keeps failing with network errors.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// FetchLimit caps items fetched per direction per run.
	FetchLimit int
	// StaleRunAfter is the age at which an unfinished run left behind by a
	// crashed process stops blocking new runs.
	StaleRunAfter time.Duration
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 30 * time.Second,
		MaxAttempts:    3,
		RetryBase:      500 * time.Millisecond,
		FetchLimit:     50,
		StaleRunAfter:  time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = d.FetchLimit
	}
	if o.StaleRunAfter <= 0 {
		o.StaleRunAfter = d.StaleRunAfter
	}
	return o
}

// Engine runs sync passes. It is safe for concurrent use; runs of
// different users proceed in parallel, a second run of the same user is
// refused.
type Engine struct {
	deps   Deps
	opts   Options
	logger logging.Logger
	active runGuard
}

func New(deps Deps, opts Options) *Engine {
	if deps.Archive == nil {
		deps.Archive = archive.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Engine{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: deps.Logger.With("module", "engine"),
		active: runGuard{users: make(map[string]struct{})},
	}
}

// runGuard admits one run per user within the process. The sync_runs
// unique index extends the guard across processes.
type runGuard struct {
	mu    sync.Mutex
	users map[string]struct{}
}

func (g *runGuard) acquire(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.users[userID]; ok {
		return false
	}
	g.users[userID] = struct{}{}
	return true
}

func (g *runGuard) release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, userID)
}

// state is the per-run bookkeeping.
type state struct {
	run      *models.SyncRun
	log      logging.Logger
	sessions map[models.Platform]*models.Session
	// blocked platforms get no more publish calls in this run
	blocked map[models.Platform]string
	// authFailed is set when authentication did not complete
	authFailed bool
	// aborted counts directions whose fetch failed
	aborted int
	// deferredFetches counts directions skipped for lack of budget
	deferredFetches int
	tally           *analytics.Tally
}

func (s *state) addError(kind string, p models.Platform, dir *models.Direction, sourceID string, err error) {
	e := models.RunError{Kind: kind, Platform: string(p), SourceID: sourceID, Message: err.Error()}
	if dir != nil {
		e.Direction = dir.String()
	}
	s.run.Errors = append(s.run.Errors, e)
}

// Run executes one pass for userID and returns the finalized run. A run
// already active for userID fails with common.ErrRunInProgress and leaves
// no trace. Cancelling ctx stops the pass after the current call; the run
// is still finalized.
func (e *Engine) Run(ctx context.Context, userID string) (*models.SyncRun, error) {
	if !e.active.acquire(userID) {
		return nil, fmt.Errorf("%w: user %s", common.ErrRunInProgress, userID)
	}
	defer e.active.release(userID)

	run, err := e.begin(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &state{
		run:      run,
		log:      e.logger.With("user_id", userID, "run_id", run.ID),
		sessions: make(map[models.Platform]*models.Session),
		blocked:  make(map[models.Platform]string),
		tally:    analytics.NewTally(),
	}

	st.log.Debug(ctx, "state", "state", "authenticating")
	if e.authenticate(ctx, st) {
		for _, dir := range models.Directions() {
			if ctx.Err() != nil {
				break
			}
			e.syncDirection(ctx, st, dir)
		}
	}

	return e.finalize(context.WithoutCancel(ctx), ctx.Err(), st)
}

// begin creates the run row. An unfinished row older than StaleRunAfter is
// closed as failed first.
func (e *Engine) begin(ctx context.Context, userID string) (*models.SyncRun, error) {
	now := e.deps.Clock.Now().UTC()
	run := &models.SyncRun{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: now,
		Status:    models.RunRunning,
	}

	err := dbx.WithTx(ctx, e.deps.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := e.deps.Repos.Runs(tx)

		active, err := repo.Active(ctx, userID)
		switch {
		case errors.Is(err, common.ErrorNotFound):
		case err != nil:
			return err
		case now.Sub(active.StartedAt) < e.opts.StaleRunAfter:
			return fmt.Errorf("%w: run %s of user %s started at %s", common.ErrRunInProgress, active.ID, userID, active.StartedAt.Format(time.RFC3339))
		default:
			active.FinishedAt = &now
			active.Status = models.RunFailed
			active.Errors = append(active.Errors, models.RunError{Kind: "InternalError", Message: "run abandoned"})
			if err := repo.Finalize(ctx, active); err != nil {
				return fmt.Errorf("close stale run %s: %w", active.ID, err)
			}
			e.logger.Warn(ctx, "closed stale run", "user_id", userID, "run_id", active.ID)
		}

		return repo.Create(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "run started", "user_id", userID, "run_id", run.ID)
	return run, nil
}

// authenticate opens sessions on every platform. Any failure fails the run
// before any content is read.
func (e *Engine) authenticate(ctx context.Context, st *state) bool {
	userID := st.run.UserID

	for _, p := range e.deps.Adapters.Platforms() {
		adapter, _ := e.deps.Adapters.Get(p)

		session, err := e.openSession(ctx, userID, adapter)
		if err != nil {
			kind := common.Kind(err)
			st.addError(kind, p, nil, "", err)
			st.authFailed = true
			st.log.Warn(ctx, "authentication failed", "platform", p, "kind", kind)
			return false
		}
		st.sessions[p] = session
	}
	return true
}

// openSession authenticates with the stored credential. Every attempt is
// audited, the credential lookup included.
func (e *Engine) openSession(ctx context.Context, userID string, adapter platform.Adapter) (*models.Session, error) {
	p := adapter.Platform()

	secret, err := e.deps.Vault.Retrieve(ctx, userID, p, adapter.CredentialType())
	if err != nil {
		if !errors.Is(err, common.ErrCredential) {
			err = fmt.Errorf("%w: %w", common.ErrCredential, err)
		}
		e.audit(ctx, userID, models.ActionAuthenticate, p, models.OutcomeError, common.Kind(err))
		return nil, err
	}
	defer common.WipeByteArray(secret)

	var session *models.Session
	err = e.retry(ctx, func(callCtx context.Context) error {
		s, err := adapter.Authenticate(callCtx, secret)
		if err != nil {
			err = timeoutAsNetwork(ctx, err)
			e.audit(ctx, userID, models.ActionAuthenticate, p, models.OutcomeError, common.Kind(err))
			return err
		}
		e.audit(ctx, userID, models.ActionAuthenticate, p, models.OutcomeOK, s.Handle)
		session = s
		return nil
	})
	return session, err
}

// finalize writes the outcome exactly once and notifies the sinks. ctx is
// detached from the run's cancellation; cause is the run's ctx error.
func (e *Engine) finalize(ctx context.Context, cause error, st *state) (*models.SyncRun, error) {
	run := st.run
	st.log.Debug(ctx, "state", "state", "finalizing")

	if cause != nil {
		run.Errors = append(run.Errors, models.RunError{Kind: "Cancelled", Message: cause.Error()})
	}

	now := e.deps.Clock.Now().UTC()
	run.FinishedAt = &now
	run.Status = status(st)

	err := dbx.WithTx(ctx, e.deps.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return e.deps.Repos.Runs(tx).Finalize(ctx, run)
	})
	if err != nil {
		st.log.Error(ctx, "finalize run failed", "error", err)
		return run, fmt.Errorf("finalize run %s: %w", run.ID, err)
	}

	if err := e.deps.Analytics.Record(ctx, run.UserID, st.tally); err != nil {
		st.log.Error(ctx, "analytics failed", "error", err)
	}
	if err := e.deps.Archive.Put(ctx, run); err != nil {
		st.log.Error(ctx, "archive failed", "error", err)
	}
	e.deps.Metrics.RunFinished(run.Status, now.Sub(run.StartedAt))

	st.log.Info(ctx, "run finished",
		"status", run.Status,
		"fetched", run.ItemsFetched,
		"synced", run.ItemsSynced,
		"duplicates", run.ItemsSkippedDuplicate,
		"deferred", run.ItemsDeferred,
		"errors", len(run.Errors))
	return run, nil
}

// status derives the final state: failed when authentication failed or no
// direction could be read, success when nothing failed or was deferred,
// partial otherwise.
func status(st *state) models.RunStatus {
	run := st.run
	switch {
	case st.authFailed:
		return models.RunFailed
	case st.aborted == len(models.Directions()):
		return models.RunFailed
	case len(run.Errors) == 0 && run.ItemsDeferred == 0 && st.deferredFetches == 0:
		return models.RunSuccess
	default:
		return models.RunPartial
	}
}

func (e *Engine) audit(ctx context.Context, userID, action string, p models.Platform, outcome, detail string) {
	// an audit failure is logged by the auditor and must not change the run
	_ = e.deps.Audit.Record(context.WithoutCancel(ctx), userID, action, p, outcome, detail)
}
