package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/dedup"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/metrics"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
)

// errBudget stops a publish retry that would exceed the call budget.
var errBudget = errors.New("call budget exhausted")

// Why publishing to a platform stopped for the rest of a run.
const (
	reasonBudget      = "budget exhausted"
	reasonRateLimited = "rate limited"
	reasonAuth        = "authentication rejected"
)

// outcome of one item. Only terminal outcomes let the marker move past
// the item.
type outcome int

const (
	outcomeSynced outcome = iota
	outcomeDuplicate
	outcomeMirror
	outcomeRejected
	outcomeDeferred
	outcomeFailed
	outcomeStopped
)

func (o outcome) terminal() bool {
	return o == outcomeSynced || o == outcomeDuplicate || o == outcomeMirror || o == outcomeRejected
}

// syncDirection mirrors new posts of dir.Source to dir.Dest. Failures stay
// inside the direction.
func (e *Engine) syncDirection(ctx context.Context, st *state, dir models.Direction) {
	userID := st.run.UserID
	log := st.log.With("direction", dir.String())

	src, err := e.deps.Adapters.Get(dir.Source)
	if err != nil {
		st.addError("InternalError", dir.Source, &dir, "", err)
		st.aborted++
		return
	}
	dst, err := e.deps.Adapters.Get(dir.Dest)
	if err != nil {
		st.addError("InternalError", dir.Dest, &dir, "", err)
		st.aborted++
		return
	}

	markers := e.deps.Repos.Markers(e.deps.DB)
	marker, err := markers.Get(ctx, userID, dir)
	if err != nil {
		st.addError(common.Kind(err), dir.Source, &dir, "", err)
		st.aborted++
		return
	}

	log.Debug(ctx, "state", "state", "fetching", "marker", string(marker))
	granted, err := e.acquire(ctx, st, dir.Source)
	if err != nil {
		if ctx.Err() == nil {
			st.addError(common.Kind(err), dir.Source, &dir, "", err)
			st.aborted++
		}
		return
	}
	if !granted {
		st.deferredFetches++
		e.audit(ctx, userID, models.ActionRateLimitDefer, dir.Source, models.OutcomeDeferred, "fetch "+dir.String())
		log.Info(ctx, "fetch deferred, budget exhausted")
		return
	}

	items, err := e.fetch(ctx, st.sessions[dir.Source], src, marker)
	if err != nil {
		e.fetchFailed(ctx, st, dir, err)
		return
	}
	log.Debug(ctx, "state", "state", "publishing", "items", len(items))

	advance := models.Marker("")
	contiguous := true
	for _, it := range items {
		st.tally.Observe(it)
		o := e.processItem(ctx, st, dir, dst, it)
		if o != outcomeMirror {
			st.run.ItemsFetched++
		}
		if contiguous && o.terminal() {
			advance = it.Cursor
		} else {
			contiguous = false
		}
	}

	if advance != "" && advance != marker {
		if err := markers.Set(context.WithoutCancel(ctx), userID, dir, advance, e.deps.Clock.Now().UTC()); err != nil {
			st.addError(common.Kind(err), dir.Source, &dir, "", err)
			log.Error(ctx, "marker update failed", "error", err)
			return
		}
		log.Debug(ctx, "marker advanced", "marker", string(advance))
	}
}

// fetch reads everything after marker in one restartable call.
func (e *Engine) fetch(ctx context.Context, s *models.Session, src platform.Adapter, marker models.Marker) ([]models.ContentItem, error) {
	var items []models.ContentItem
	err := e.retry(ctx, func(ctx context.Context) error {
		items = items[:0]
		for it, err := range src.FetchRecent(ctx, s, marker, e.opts.FetchLimit) {
			if err != nil {
				return err
			}
			items = append(items, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (e *Engine) fetchFailed(ctx context.Context, st *state, dir models.Direction, err error) {
	userID := st.run.UserID

	if _, ok := platform.RetryAfter(err); ok {
		until := e.limitHit(ctx, st, dir.Source, err)
		st.deferredFetches++
		e.deps.Metrics.RateLimited(dir.Source)
		e.audit(ctx, userID, models.ActionRateLimitDefer, dir.Source, models.OutcomeDeferred,
			"fetch "+dir.String()+" until "+until.Format(time.RFC3339))
		st.log.Info(ctx, "fetch rate limited", "direction", dir.String(), "until", until)
		return
	}
	if ctx.Err() != nil {
		return
	}

	kind := common.Kind(err)
	st.addError(kind, dir.Source, &dir, "", err)
	st.aborted++
	st.log.Warn(ctx, "fetch failed", "direction", dir.String(), "kind", kind, "error", err)
}

// processItem takes one fetched item through dedup and publishing.
func (e *Engine) processItem(ctx context.Context, st *state, dir models.Direction, dst platform.Adapter, item models.ContentItem) outcome {
	userID := st.run.UserID
	log := st.log.With("direction", dir.String(), "source_id", item.SourceID)

	if ctx.Err() != nil {
		return outcomeStopped
	}

	// the engine's own mirrors are not content of this account
	mirror, err := e.deps.Ledger.IsMirror(ctx, userID, dir.Source, item.SourceID)
	if err != nil {
		st.addError(common.Kind(err), dir.Source, &dir, item.SourceID, err)
		e.deps.Metrics.Item(dir, metrics.OutcomeFailed)
		return outcomeFailed
	}
	if mirror {
		log.Debug(ctx, "own mirror skipped")
		return outcomeMirror
	}

	fp := dedup.Fingerprint(item)
	dup, err := e.isDuplicate(ctx, userID, dir, fp)
	if err != nil {
		st.addError(common.Kind(err), dir.Source, &dir, item.SourceID, err)
		e.deps.Metrics.Item(dir, metrics.OutcomeFailed)
		return outcomeFailed
	}
	if dup {
		st.run.ItemsSkippedDuplicate++
		e.deps.Metrics.Item(dir, metrics.OutcomeDuplicate)
		log.Debug(ctx, "duplicate skipped", "fingerprint", string(fp))
		return outcomeDuplicate
	}

	if reason, ok := st.blocked[dir.Dest]; ok {
		return e.deferItem(ctx, st, dir, item, reason)
	}

	if err := dst.Validate(item); err != nil {
		st.addError(common.Kind(err), dir.Dest, &dir, item.SourceID, err)
		e.audit(ctx, userID, models.ActionPublish, dir.Dest, models.OutcomeError, common.Kind(err)+": "+item.SourceID)
		e.deps.Metrics.Item(dir, metrics.OutcomeFailed)
		log.Warn(ctx, "item rejected", "reason", err)
		return outcomeRejected
	}

	granted, err := e.acquire(ctx, st, dir.Dest)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeStopped
		}
		st.addError(common.Kind(err), dir.Dest, &dir, item.SourceID, err)
		e.deps.Metrics.Item(dir, metrics.OutcomeFailed)
		return outcomeFailed
	}
	if !granted {
		e.block(ctx, st, dir.Dest, reasonBudget)
		return e.deferItem(ctx, st, dir, item, reasonBudget)
	}

	parent, err := e.threadParent(ctx, userID, dir, item)
	if err != nil {
		st.addError(common.Kind(err), dir.Dest, &dir, item.SourceID, err)
		e.deps.Metrics.Item(dir, metrics.OutcomeFailed)
		return outcomeFailed
	}

	return e.publish(ctx, st, dir, dst, item, fp, parent, log)
}

// isDuplicate reports whether the content was already mirrored in either
// direction.
func (e *Engine) isDuplicate(ctx context.Context, userID string, dir models.Direction, fp models.Fingerprint) (bool, error) {
	for _, d := range []models.Direction{dir, dir.Reverse()} {
		ok, err := e.deps.Ledger.HasSynced(ctx, userID, fp, d)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// threadParent locates, on the destination, the post item replies to. The
// parent is either a mirror of a source post or the original a source
// mirror was made from. Unknown parents yield nil.
func (e *Engine) threadParent(ctx context.Context, userID string, dir models.Direction, item models.ContentItem) (*platform.ThreadRef, error) {
	if !item.IsReply() {
		return nil, nil
	}
	parent, ok, err := e.counterpart(ctx, userID, dir, item.ThreadParentID)
	if err != nil || !ok {
		return nil, err
	}
	ref := &platform.ThreadRef{ID: parent}
	if item.ThreadRootID != "" {
		root, ok, err := e.counterpart(ctx, userID, dir, item.ThreadRootID)
		if err != nil {
			return nil, err
		}
		if ok {
			ref.RootID = root
		}
	}
	return ref, nil
}

func (e *Engine) counterpart(ctx context.Context, userID string, dir models.Direction, sourceID string) (string, bool, error) {
	id, ok, err := e.deps.Ledger.DestFor(ctx, userID, dir, sourceID)
	if err != nil || ok {
		return id, ok, err
	}
	return e.deps.Ledger.SourceFor(ctx, userID, dir.Reverse(), sourceID)
}

// acquire takes one call of p's budget.
func (e *Engine) acquire(ctx context.Context, st *state, p models.Platform) (bool, error) {
	ok, err := e.deps.Limiter.TryAcquire(ctx, st.run.UserID, p)
	if err != nil && ctx.Err() == nil {
		st.log.Error(ctx, "rate limiter unavailable", "platform", p, "error", err)
	}
	return ok, err
}

// limitHit stores the cooldown a rate limit error announced for p and
// returns its end.
func (e *Engine) limitHit(ctx context.Context, st *state, p models.Platform, err error) time.Time {
	retryAfter, _ := platform.RetryAfter(err)
	until, serr := e.deps.Limiter.RecordLimitHit(context.WithoutCancel(ctx), st.run.UserID, p, retryAfter)
	if serr != nil {
		st.log.Error(ctx, "cooldown not stored", "platform", p, "error", serr)
	}
	return until
}

// block stops publishing to p for the rest of the run.
func (e *Engine) block(ctx context.Context, st *state, p models.Platform, reason string) {
	if _, ok := st.blocked[p]; ok {
		return
	}
	st.blocked[p] = reason

	until, err := e.deps.Limiter.NextAvailable(context.WithoutCancel(ctx), st.run.UserID, p)
	if err != nil {
		st.log.Warn(ctx, "next budget slot unknown", "platform", p, "error", err)
	}
	st.log.Info(ctx, "publishing stopped", "platform", p, "reason", reason, "until", until)
}

// deferItem leaves item to a later run. Every deferred item gets its own
// audit entry.
func (e *Engine) deferItem(ctx context.Context, st *state, dir models.Direction, item models.ContentItem, reason string) outcome {
	action := models.ActionRateLimitDefer
	if reason == reasonAuth {
		action = models.ActionPublish
	}
	e.audit(ctx, st.run.UserID, action, dir.Dest, models.OutcomeDeferred,
		"publish "+dir.String()+" "+item.SourceID+": "+reason)

	st.run.ItemsDeferred++
	e.deps.Metrics.Item(dir, metrics.OutcomeDeferred)
	st.log.Debug(ctx, "item deferred", "direction", dir.String(), "source_id", item.SourceID, "reason", reason)
	return outcomeDeferred
}

// auditAttempt writes one audit entry per publish call.
func (e *Engine) auditAttempt(ctx context.Context, st *state, dir models.Direction, item models.ContentItem, destID string, err error) {
	userID := st.run.UserID
	switch {
	case err == nil:
		e.audit(ctx, userID, models.ActionPublish, dir.Dest, models.OutcomeOK, item.SourceID+" -> "+destID)
	case errors.Is(err, common.ErrRateLimit):
		e.audit(ctx, userID, models.ActionPublish, dir.Dest, models.OutcomeDeferred, item.SourceID)
	default:
		e.audit(ctx, userID, models.ActionPublish, dir.Dest, models.OutcomeError, common.Kind(err)+": "+item.SourceID)
	}
}

func (e *Engine) publish(ctx context.Context, st *state, dir models.Direction, dst platform.Adapter, item models.ContentItem, fp models.Fingerprint, parent *platform.ThreadRef, log logging.Logger) outcome {
	session := st.sessions[dir.Dest]

	var (
		destID   string
		attempts int
	)
	start := e.deps.Clock.Now()
	err := e.retry(ctx, func(callCtx context.Context) error {
		attempts++
		// every call counts against the budget, retries included
		if attempts > 1 {
			granted, err := e.acquire(callCtx, st, dir.Dest)
			if err != nil {
				return err
			}
			if !granted {
				return errBudget
			}
		}
		id, err := dst.Publish(callCtx, session, item, parent)
		e.auditAttempt(ctx, st, dir, item, id, timeoutAsNetwork(ctx, err))
		if err != nil {
			return err
		}
		destID = id
		return nil
	})
	e.deps.Metrics.Publish(dir.Dest, e.deps.Clock.Now().Sub(start))

	switch {
	case err == nil:
		return e.published(ctx, st, dir, item, fp, destID, log)

	case errors.Is(err, errBudget):
		e.block(ctx, st, dir.Dest, reasonBudget)
		return e.deferItem(ctx, st, dir, item, reasonBudget)

	case errors.Is(err, common.ErrRateLimit):
		until := e.limitHit(ctx, st, dir.Dest, err)
		e.deps.Metrics.RateLimited(dir.Dest)
		e.block(ctx, st, dir.Dest, reasonRateLimited)
		log.Info(ctx, "publish rate limited", "until", until)
		return e.deferItem(ctx, st, dir, item, reasonRateLimited)

	case ctx.Err() != nil:
		return outcomeStopped
	}

	kind := common.Kind(err)
	st.addError(kind, dir.Dest, &dir, item.SourceID, err)
	e.deps.Metrics.Item(dir, metrics.OutcomeFailed)
	log.Warn(ctx, "publish failed", "kind", kind, "attempts", attempts, "error", err)

	switch {
	case errors.Is(err, common.ErrValidation):
		return outcomeRejected
	case errors.Is(err, common.ErrAuth):
		e.block(ctx, st, dir.Dest, reasonAuth)
	}
	return outcomeFailed
}

// published records a confirmed publish. The record is written even if the
// run is being cancelled, since the post already exists.
func (e *Engine) published(ctx context.Context, st *state, dir models.Direction, item models.ContentItem, fp models.Fingerprint, destID string, log logging.Logger) outcome {
	userID := st.run.UserID
	err := e.deps.Ledger.Record(context.WithoutCancel(ctx), userID, fp, dir, item.SourceID, destID)
	switch {
	case err == nil, errors.Is(err, common.ErrDuplicateRecord):
	default:
		// the post exists; treating the item as failed but terminal keeps
		// the marker moving so it is not published again
		st.addError(common.Kind(err), dir.Dest, &dir, item.SourceID, fmt.Errorf("record mirror %s: %w", destID, err))
		log.Error(ctx, "ledger write failed after publish", "dest_id", destID, "error", err)
		return outcomeRejected
	}

	st.run.ItemsSynced++
	st.tally.Mirrored(dir.Dest)
	e.deps.Metrics.Item(dir, metrics.OutcomeSynced)
	return outcomeSynced
}
