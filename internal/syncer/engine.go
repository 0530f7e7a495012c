// Package syncer reconciles a local collection with the provider's data
// share in response to webhook events.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulcrum-sync/internal/coerce"
	"github.com/sells-group/fulcrum-sync/internal/fulcrum"
	"github.com/sells-group/fulcrum-sync/internal/geo"
	"github.com/sells-group/fulcrum-sync/internal/metrics"
	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/registry"
	"github.com/sells-group/fulcrum-sync/internal/store"
	"github.com/sells-group/fulcrum-sync/internal/synclog"
)

// Provider reads authoritative records. *fulcrum.Client implements it.
type Provider interface {
	FetchOne(ctx context.Context, shareToken, externalID string) ([]model.RawRecord, error)
	Walk(ctx context.Context, shareToken string, fn fulcrum.PageFunc) (int, error)
}

// RunLog records bulk loads. *synclog.Log implements it.
type RunLog interface {
	Start(ctx context.Context, collection, trigger string) (int64, error)
	Complete(ctx context.Context, id int64, out synclog.Outcome) error
	Fail(ctx context.Context, id int64, errMsg string) error
}

// Bulk load triggers recorded in the run log.
const (
	TriggerEmpty    = "empty"
	TriggerBackfill = "backfill"
)

// Action is the path Handle took for an event.
type Action string

const (
	ActionBulkLoad Action = "bulk_load"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionSkip     Action = "skip"
)

// Result summarizes one Handle or Backfill call.
type Result struct {
	Action  Action `json:"action"`
	Pages   int    `json:"pages,omitempty"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Failed  int    `json:"failed"`
}

// Engine applies sync events to a record store.
type Engine struct {
	provider Provider
	store    store.RecordStore
	coercer  *coerce.Coercer
	runLog   RunLog
	metrics  *metrics.Metrics

	serializeRecords bool
	collections      collectionLocks
	records          recordLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithCoercer replaces the default strict coercer.
func WithCoercer(c *coerce.Coercer) Option {
	return func(e *Engine) { e.coercer = c }
}

// WithRunLog records bulk loads.
func WithRunLog(l RunLog) Option {
	return func(e *Engine) { e.runLog = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRecordLocks toggles per-record serialization of single-record events.
// Enabled by default.
func WithRecordLocks(enabled bool) Option {
	return func(e *Engine) { e.serializeRecords = enabled }
}

// New creates an Engine.
func New(p Provider, s store.RecordStore, opts ...Option) *Engine {
	e := &Engine{
		provider:         p,
		store:            s,
		coercer:          coerce.New(),
		serializeRecords: true,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Handle processes one event against the entry's collection. An empty
// collection is bulk loaded from the share regardless of the event;
// otherwise the event is applied to its single record. Per-record failures
// are logged and counted in the Result. The returned error is reserved for
// infrastructure failures such as an unreachable store or a cancelled bulk
// load.
func (e *Engine) Handle(ctx context.Context, entry registry.Entry, ev model.SyncEvent) (*Result, error) {
	c := entry.Collection
	log := e.logger(entry).With(zap.String("event", ev.Type.String()))

	if err := ev.Validate(); err != nil {
		log.Warn("dropping invalid event", zap.String("external_id", ev.ExternalID), zap.Error(err))
		return &Result{Action: ActionSkip}, nil
	}

	lock := e.collections.get(c.Table)

	lock.RLock()
	n, err := e.store.Count(ctx, c)
	if err != nil {
		lock.RUnlock()
		return nil, eris.Wrapf(err, "syncer: count %s", c.Name)
	}
	if n > 0 {
		defer lock.RUnlock()
		return e.apply(ctx, entry, ev, log), nil
	}
	lock.RUnlock()

	lock.Lock()
	defer lock.Unlock()

	// Recount: another event may have finished a bulk load while this one
	// waited for the write lock.
	n, err = e.store.Count(ctx, c)
	if err != nil {
		return nil, eris.Wrapf(err, "syncer: count %s", c.Name)
	}
	if n > 0 {
		return e.apply(ctx, entry, ev, log), nil
	}

	log.Info("collection is empty, bulk loading from share")
	return e.bulkLoad(ctx, entry, TriggerEmpty)
}

// Backfill bulk loads the whole share into the collection even when it
// already holds rows. Records that already exist fail their insert and are
// logged and counted, not updated.
func (e *Engine) Backfill(ctx context.Context, entry registry.Entry) (*Result, error) {
	lock := e.collections.get(entry.Collection.Table)
	lock.Lock()
	defer lock.Unlock()

	return e.bulkLoad(ctx, entry, TriggerBackfill)
}

// apply handles an event for a populated collection.
func (e *Engine) apply(ctx context.Context, entry registry.Entry, ev model.SyncEvent, log *zap.Logger) *Result {
	c := entry.Collection

	if e.serializeRecords {
		unlock := e.records.lock(c.Table + "/" + ev.ExternalID)
		defer unlock()
	}

	if ev.Type == model.EventDelete {
		res := &Result{Action: ActionDelete}
		n, err := e.store.Delete(ctx, c, ev.ExternalID)
		if err != nil {
			e.recordFailure(log, c, "delete", ev.ExternalID, err)
			res.Failed++
			return res
		}
		if n == 0 {
			log.Debug("delete of absent record is a no-op", zap.String("external_id", ev.ExternalID))
		}
		e.metrics.Record(c.Name, "delete", metrics.OutcomeOK)
		res.Deleted = int(n)
		return res
	}

	records, err := e.provider.FetchOne(ctx, entry.ShareToken, ev.ExternalID)
	if err != nil {
		log.Warn("fetch failed, dropping event", zap.String("external_id", ev.ExternalID), zap.Error(err))
		return &Result{Action: ActionSkip}
	}
	if len(records) == 0 {
		log.Warn("share returned no record, dropping event", zap.String("external_id", ev.ExternalID))
		return &Result{Action: ActionSkip}
	}

	raw := records[0]
	if raw.ExternalID == "" {
		raw.ExternalID = ev.ExternalID
	}

	if ev.Type == model.EventCreate {
		res := &Result{Action: ActionCreate}
		e.create(ctx, c, raw, res, log)
		return res
	}

	res := &Result{Action: ActionUpdate}
	exists, err := e.store.Exists(ctx, c, raw.ExternalID)
	if err != nil {
		e.recordFailure(log, c, "update", raw.ExternalID, err)
		res.Failed++
		return res
	}
	if !exists {
		log.Info("update for unknown record, creating it", zap.String("external_id", raw.ExternalID))
		e.create(ctx, c, raw, res, log)
		return res
	}

	rec := e.normalize(c, raw, "update", res, log)
	if rec == nil {
		return res
	}
	if _, err := e.store.Update(ctx, c, rec); err != nil {
		e.recordFailure(log, c, "update", rec.ExternalID, err)
		res.Failed++
		return res
	}
	e.metrics.Record(c.Name, "update", metrics.OutcomeOK)
	res.Updated++
	return res
}

// bulkLoad walks every page of the share and creates each record. The
// caller holds the collection's write lock.
func (e *Engine) bulkLoad(ctx context.Context, entry registry.Entry, trigger string) (*Result, error) {
	c := entry.Collection
	log := e.logger(entry).With(zap.String("trigger", trigger))
	start := time.Now()

	var runID int64
	if e.runLog != nil {
		id, err := e.runLog.Start(ctx, c.Name, trigger)
		if err != nil {
			log.Warn("failed to record bulk load start", zap.Error(err))
		} else {
			runID = id
		}
	}

	res := &Result{Action: ActionBulkLoad}
	pages, err := e.provider.Walk(ctx, entry.ShareToken, func(page int, records []model.RawRecord) error {
		e.metrics.Page(c.Name)
		log.Debug("loading page", zap.Int("page", page), zap.Int("records", len(records)))
		for _, raw := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.create(ctx, c, raw, res, log)
		}
		return nil
	})
	res.Pages = pages
	elapsed := time.Since(start)

	// The run log outlives a cancelled load so the failure is recorded.
	logCtx := context.WithoutCancel(ctx)

	if err != nil {
		log.Error("bulk load aborted",
			zap.Error(err),
			zap.Int("pages", pages),
			zap.Int("created", res.Created),
			zap.Duration("elapsed", elapsed),
		)
		if runID != 0 {
			if logErr := e.runLog.Fail(logCtx, runID, err.Error()); logErr != nil {
				log.Error("failed to record bulk load failure", zap.Error(logErr))
			}
		}
		return res, eris.Wrapf(err, "syncer: bulk load %s", c.Name)
	}

	if runID != 0 {
		out := synclog.Outcome{Pages: pages, Created: int64(res.Created), Failed: int64(res.Failed)}
		if logErr := e.runLog.Complete(logCtx, runID, out); logErr != nil {
			log.Error("failed to record bulk load completion", zap.Error(logErr))
		}
	}
	e.metrics.BulkLoad(c.Name, trigger, elapsed)

	log.Info("bulk load complete",
		zap.Int("pages", pages),
		zap.Int("created", res.Created),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

// create normalizes raw and inserts it, folding the outcome into res.
func (e *Engine) create(ctx context.Context, c *model.TargetCollection, raw model.RawRecord, res *Result, log *zap.Logger) {
	rec := e.normalize(c, raw, "create", res, log)
	if rec == nil {
		return
	}
	if err := e.store.Create(ctx, c, rec); err != nil {
		e.recordFailure(log, c, "create", rec.ExternalID, err)
		res.Failed++
		return
	}
	e.metrics.Record(c.Name, "create", metrics.OutcomeOK)
	res.Created++
}

// normalize returns nil when the record cannot be stored. Geometry and
// lenient field errors are logged and the record is kept.
func (e *Engine) normalize(c *model.TargetCollection, raw model.RawRecord, op string, res *Result, log *zap.Logger) *model.NormalizedRecord {
	rec, err := e.coercer.Normalize(c, raw)
	if rec == nil {
		e.recordFailure(log, c, op, raw.ExternalID, err)
		res.Failed++
		return nil
	}
	if err != nil {
		var pe *geo.ParseError
		if errors.As(err, &pe) {
			log.Warn("malformed geometry stored as null", zap.String("external_id", rec.ExternalID), zap.Error(err))
		} else {
			log.Warn("fields stored as null", zap.String("external_id", rec.ExternalID), zap.Error(err))
		}
	}
	if rec.ExternalID == "" {
		rec.ExternalID = raw.ExternalID
	}
	if rec.ExternalID == "" {
		e.recordFailure(log, c, op, "", eris.New("syncer: record has no external id"))
		res.Failed++
		return nil
	}
	return rec
}

// recordFailure logs and counts a per-record failure by kind.
func (e *Engine) recordFailure(log *zap.Logger, c *model.TargetCollection, op, externalID string, err error) {
	outcome := metrics.OutcomeError
	var fe *coerce.FieldError
	switch {
	case store.IsConstraint(err):
		outcome = metrics.OutcomeConstraint
	case errors.As(err, &fe):
		outcome = metrics.OutcomeCoercion
	}
	e.metrics.Record(c.Name, op, outcome)

	log.Warn("record not stored",
		zap.String("op", op),
		zap.String("external_id", externalID),
		zap.String("reason", outcome),
		zap.Error(err),
	)
}

func (e *Engine) logger(entry registry.Entry) *zap.Logger {
	return zap.L().With(
		zap.String("component", "syncer.engine"),
		zap.String("collection", entry.Collection.Name),
		zap.String("form_id", entry.FormID),
	)
}
