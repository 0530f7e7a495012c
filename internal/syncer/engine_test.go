package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fulcrum-sync/internal/coerce"
	"github.com/sells-group/fulcrum-sync/internal/fulcrum"
	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/registry"
	"github.com/sells-group/fulcrum-sync/internal/store"
	"github.com/sells-group/fulcrum-sync/internal/synclog"
)

// fakeProvider serves pages for Walk and a per-id map for FetchOne.
type fakeProvider struct {
	pages   [][]model.RawRecord
	byID    map[string][]model.RawRecord
	oneErr  error
	walkErr error

	// walkGate, when set, is received from before Walk returns its pages.
	walkGate    chan struct{}
	walkStarted chan struct{}

	walks    atomic.Int32
	fetchOne atomic.Int32
}

func (p *fakeProvider) FetchOne(_ context.Context, _, id string) ([]model.RawRecord, error) {
	p.fetchOne.Add(1)
	if p.oneErr != nil {
		return nil, p.oneErr
	}
	return p.byID[id], nil
}

func (p *fakeProvider) Walk(ctx context.Context, _ string, fn fulcrum.PageFunc) (int, error) {
	p.walks.Add(1)
	if p.walkStarted != nil {
		close(p.walkStarted)
	}
	if p.walkGate != nil {
		<-p.walkGate
	}
	if p.walkErr != nil {
		return 0, p.walkErr
	}
	n := 0
	for i, page := range p.pages {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := fn(i+1, page); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// memStore is an in-memory RecordStore with a unique external id per table.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]map[string]*model.NormalizedRecord
	countErr error
	creates  int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]map[string]*model.NormalizedRecord{}}
}

func (s *memStore) table(c *model.TargetCollection) map[string]*model.NormalizedRecord {
	t, ok := s.rows[c.Table]
	if !ok {
		t = map[string]*model.NormalizedRecord{}
		s.rows[c.Table] = t
	}
	return t
}

func (s *memStore) Count(_ context.Context, c *model.TargetCollection) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	return int64(len(s.table(c))), nil
}

func (s *memStore) Exists(_ context.Context, c *model.TargetCollection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.table(c)[id]
	return ok, nil
}

func (s *memStore) Create(_ context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	t := s.table(c)
	if _, dup := t[rec.ExternalID]; dup {
		return &store.ConstraintError{Table: c.Table, ExternalID: rec.ExternalID, Err: errors.New("duplicate")}
	}
	t[rec.ExternalID] = rec
	return nil
}

func (s *memStore) Update(_ context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(c)
	if _, ok := t[rec.ExternalID]; !ok {
		return 0, nil
	}
	t[rec.ExternalID] = rec
	return 1, nil
}

func (s *memStore) Delete(_ context.Context, c *model.TargetCollection, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(c)
	if _, ok := t[id]; !ok {
		return 0, nil
	}
	delete(t, id)
	return 1, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get(c *model.TargetCollection, id string) *model.NormalizedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table(c)[id]
}

func (s *memStore) seed(c *model.TargetCollection, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.table(c)[id] = &model.NormalizedRecord{ExternalID: id, Fields: map[string]any{"fulcrum_id": id}}
	}
}

type fakeRunLog struct {
	mu        sync.Mutex
	started   []string
	completed []synclog.Outcome
	failed    []string
}

func (l *fakeRunLog) Start(_ context.Context, collection, trigger string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, collection+":"+trigger)
	return int64(len(l.started)), nil
}

func (l *fakeRunLog) Complete(_ context.Context, _ int64, out synclog.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, out)
	return nil
}

func (l *fakeRunLog) Fail(_ context.Context, _ int64, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, msg)
	return nil
}

func hydrants(t *testing.T) registry.Entry {
	t.Helper()
	c, err := model.NewTargetCollection("hydrants", "fulcrum.hydrants", model.MustSchema(
		model.Field{Name: "fulcrum_id", Type: model.Text},
		model.Field{Name: "status", Type: model.Text},
		model.Field{Name: "flow_gpm", Type: model.Integer},
		model.Field{Name: "geometry", Type: model.Geometry},
	), nil)
	require.NoError(t, err)
	return registry.Entry{FormID: "form-1", ShareToken: "tok", Collection: c}
}

func raw(id, status string) model.RawRecord {
	return model.RawRecord{
		ExternalID: id,
		Properties: map[string]any{"fulcrum_id": id, "status": status, "flow_gpm": "1000"},
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[-96.7,32.8]}`),
	}
}

func event(typ model.EventType, id string) model.SyncEvent {
	return model.SyncEvent{Type: typ, ExternalID: id, FormID: "form-1"}
}

func TestHandle_EmptyCollectionBulkLoads(t *testing.T) {
	entry := hydrants(t)
	p := &fakeProvider{pages: [][]model.RawRecord{
		{raw("a", "ok"), raw("b", "ok")},
		{raw("c", "ok")},
	}}
	s := newMemStore()
	runs := &fakeRunLog{}
	e := New(p, s, WithRunLog(runs))

	res, err := e.Handle(context.Background(), entry, event(model.EventUpdate, "b"))
	require.NoError(t, err)

	assert.Equal(t, ActionBulkLoad, res.Action)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 2, res.Pages)
	assert.EqualValues(t, 1, p.walks.Load())
	assert.EqualValues(t, 0, p.fetchOne.Load())

	n, _ := s.Count(context.Background(), entry.Collection)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, []string{"hydrants:empty"}, runs.started)
	assert.Equal(t, []synclog.Outcome{{Pages: 2, Created: 3}}, runs.completed)
}

func TestHandle_BulkLoadSkipsBadRecords(t *testing.T) {
	entry := hydrants(t)
	bad := raw("bad", "ok")
	bad.Properties["flow_gpm"] = "lots"
	broken := raw("geo", "ok")
	broken.Geometry = json.RawMessage(`{"type":"Point","coordinates":"x"}`)

	p := &fakeProvider{pages: [][]model.RawRecord{{raw("a", "ok"), bad, raw("a", "dup"), broken}}}
	s := newMemStore()
	e := New(p, s)

	res, err := e.Handle(context.Background(), entry, event(model.EventCreate, "a"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Failed)

	geoRec := s.get(entry.Collection, "geo")
	require.NotNil(t, geoRec)
	assert.Nil(t, geoRec.Geometry)
	assert.Equal(t, int64(1000), geoRec.Fields["flow_gpm"])
}

func TestHandle_BulkLoadCancelled(t *testing.T) {
	entry := hydrants(t)
	p := &fakeProvider{walkErr: context.Canceled}
	runs := &fakeRunLog{}
	e := New(p, newMemStore(), WithRunLog(runs))

	_, err := e.Handle(context.Background(), entry, event(model.EventCreate, "a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, runs.failed, 1)
	assert.Empty(t, runs.completed)
}

func TestHandle_CountErrorIsReturned(t *testing.T) {
	s := newMemStore()
	s.countErr = errors.New("connection refused")
	p := &fakeProvider{}

	_, err := New(p, s).Handle(context.Background(), hydrants(t), event(model.EventDelete, "a"))
	require.Error(t, err)
	assert.EqualValues(t, 0, p.walks.Load())
}

func TestHandle_CreateFetchesOne(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "existing")
	p := &fakeProvider{byID: map[string][]model.RawRecord{"new": {raw("new", "ok")}}}

	res, err := New(p, s).Handle(context.Background(), entry, event(model.EventCreate, "new"))
	require.NoError(t, err)
	assert.Equal(t, &Result{Action: ActionCreate, Created: 1}, res)
	assert.EqualValues(t, 1, p.fetchOne.Load())
	assert.EqualValues(t, 0, p.walks.Load())

	rec := s.get(entry.Collection, "new")
	require.NotNil(t, rec)
	assert.NotNil(t, rec.Geometry)
}

func TestHandle_DuplicateCreateIsSwallowed(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a")
	p := &fakeProvider{byID: map[string][]model.RawRecord{"a": {raw("a", "ok")}}}

	res, err := New(p, s).Handle(context.Background(), entry, event(model.EventCreate, "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Created)
}

func TestHandle_UpdateIsIdempotent(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a", "b")
	p := &fakeProvider{byID: map[string][]model.RawRecord{"a": {raw("a", "closed")}}}
	e := New(p, s)

	for i := 0; i < 2; i++ {
		res, err := e.Handle(context.Background(), entry, event(model.EventUpdate, "a"))
		require.NoError(t, err)
		assert.Equal(t, &Result{Action: ActionUpdate, Updated: 1}, res)
	}

	n, _ := s.Count(context.Background(), entry.Collection)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, "closed", s.get(entry.Collection, "a").Fields["status"])
}

func TestHandle_UpdateCreatesMissing(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "other")
	p := &fakeProvider{byID: map[string][]model.RawRecord{"a": {raw("a", "ok")}}}

	res, err := New(p, s).Handle(context.Background(), entry, event(model.EventUpdate, "a"))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, 1, res.Created)
	assert.NotNil(t, s.get(entry.Collection, "a"))
}

func TestHandle_UpdateCoercionFailure(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a")
	bad := raw("a", "closed")
	bad.Properties["flow_gpm"] = "n/a"
	p := &fakeProvider{byID: map[string][]model.RawRecord{"a": {bad}}}

	res, err := New(p, s).Handle(context.Background(), entry, event(model.EventUpdate, "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Nil(t, s.get(entry.Collection, "a").Fields["status"])
}

func TestHandle_LenientCoercerKeepsRecord(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a")
	bad := raw("a", "closed")
	bad.Properties["flow_gpm"] = "n/a"
	p := &fakeProvider{byID: map[string][]model.RawRecord{"a": {bad}}}

	e := New(p, s, WithCoercer(coerce.New(coerce.WithMode(coerce.Lenient))))
	res, err := e.Handle(context.Background(), entry, event(model.EventUpdate, "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	rec := s.get(entry.Collection, "a")
	assert.Equal(t, "closed", rec.Fields["status"])
	assert.Nil(t, rec.Fields["flow_gpm"])
}

func TestHandle_FetchFailureDropsEvent(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a")
	p := &fakeProvider{oneErr: &fulcrum.FetchError{Kind: fulcrum.KindTransport, Err: errors.New("timeout")}}

	res, err := New(p, s).Handle(context.Background(), entry, event(model.EventUpdate, "a"))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, res.Action)
	assert.EqualValues(t, 1, p.fetchOne.Load())
}

func TestHandle_EmptyFetchDropsEvent(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a")
	p := &fakeProvider{}

	res, err := New(p, s).Handle(context.Background(), entry, event(model.EventCreate, "gone"))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, res.Action)
	assert.Zero(t, s.creates)
}

func TestHandle_DeleteNeverFetches(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a", "b")
	p := &fakeProvider{}
	e := New(p, s)

	res, err := e.Handle(context.Background(), entry, event(model.EventDelete, "a"))
	require.NoError(t, err)
	assert.Equal(t, &Result{Action: ActionDelete, Deleted: 1}, res)

	res, err = e.Handle(context.Background(), entry, event(model.EventDelete, "missing"))
	require.NoError(t, err)
	assert.Equal(t, &Result{Action: ActionDelete}, res)

	assert.EqualValues(t, 0, p.fetchOne.Load())
	assert.Nil(t, s.get(entry.Collection, "a"))
	assert.NotNil(t, s.get(entry.Collection, "b"))
}

func TestHandle_InvalidEventSkipped(t *testing.T) {
	p := &fakeProvider{}
	res, err := New(p, newMemStore()).Handle(context.Background(), hydrants(t), model.SyncEvent{Type: model.EventCreate, FormID: "form-1"})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, res.Action)
	assert.EqualValues(t, 0, p.walks.Load())
}

func TestHandle_ConcurrentFirstEventsLoadOnce(t *testing.T) {
	entry := hydrants(t)
	p := &fakeProvider{
		pages:       [][]model.RawRecord{{raw("a", "ok"), raw("b", "ok")}},
		byID:        map[string][]model.RawRecord{"a": {raw("a", "ok")}, "b": {raw("b", "ok")}},
		walkGate:    make(chan struct{}),
		walkStarted: make(chan struct{}),
	}
	s := newMemStore()
	e := New(p, s)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Handle(context.Background(), entry, event(model.EventUpdate, id))
			assert.NoError(t, err)
		}()
	}

	<-p.walkStarted
	time.Sleep(20 * time.Millisecond)
	close(p.walkGate)
	wg.Wait()

	assert.EqualValues(t, 1, p.walks.Load())
	n, _ := s.Count(context.Background(), entry.Collection)
	assert.EqualValues(t, 2, n)
}

func TestHandle_DeleteDuringBulkLoadIsApplied(t *testing.T) {
	entry := hydrants(t)
	p := &fakeProvider{
		pages:       [][]model.RawRecord{{raw("a", "ok"), raw("b", "ok")}},
		walkGate:    make(chan struct{}),
		walkStarted: make(chan struct{}),
	}
	s := newMemStore()
	e := New(p, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Handle(context.Background(), entry, event(model.EventCreate, "a"))
		assert.NoError(t, err)
	}()
	<-p.walkStarted

	deleted := make(chan *Result, 1)
	go func() {
		res, err := e.Handle(context.Background(), entry, event(model.EventDelete, "b"))
		assert.NoError(t, err)
		deleted <- res
	}()

	time.Sleep(20 * time.Millisecond)
	close(p.walkGate)
	<-done
	res := <-deleted

	assert.Equal(t, 1, res.Deleted)
	assert.Nil(t, s.get(entry.Collection, "b"))
	assert.NotNil(t, s.get(entry.Collection, "a"))
	assert.EqualValues(t, 1, p.walks.Load())
}

func TestBackfill_PopulatedCollection(t *testing.T) {
	entry := hydrants(t)
	s := newMemStore()
	s.seed(entry.Collection, "a")
	p := &fakeProvider{pages: [][]model.RawRecord{{raw("a", "ok"), raw("b", "ok")}}}
	runs := &fakeRunLog{}

	res, err := New(p, s, WithRunLog(runs)).Backfill(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, ActionBulkLoad, res.Action)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"hydrants:backfill"}, runs.started)
	assert.EqualValues(t, 0, p.fetchOne.Load())
}

func TestRecordLocks(t *testing.T) {
	var r recordLocks
	unlock := r.lock("t/a")
	assert.Equal(t, 1, r.held())

	acquired := make(chan struct{})
	go func() {
		u := r.lock("t/a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	other := r.lock("t/b")
	other()

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return r.held() == 0 }, time.Second, time.Millisecond)
}
