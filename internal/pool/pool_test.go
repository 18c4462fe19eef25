package pool

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/connector"
	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/resilience"
	"github.com/pkoval/intake/internal/source"
)

// fakeGateway is an in-memory store.Gateway.
type fakeGateway struct {
	mu       sync.Mutex
	hashes   map[string]bool
	states   map[int64]source.FetchState
	statuses map[int64]string
	inserted []*record.Post
	nextID   int64

	existsErr error
	insertErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		hashes:   make(map[string]bool),
		states:   make(map[int64]source.FetchState),
		statuses: make(map[int64]string),
	}
}

func (g *fakeGateway) ExistsByHash(_ context.Context, hash string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.existsErr != nil {
		return false, g.existsErr
	}
	return g.hashes[hash], nil
}

func (g *fakeGateway) InsertPost(_ context.Context, p *record.Post) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.insertErr != nil {
		return 0, g.insertErr
	}
	g.hashes[p.ContentHash] = true
	g.inserted = append(g.inserted, p)
	g.nextID++
	return g.nextID, nil
}

func (g *fakeGateway) ListActiveSources(context.Context) ([]source.Source, error) {
	return nil, nil
}

func (g *fakeGateway) GetFetchState(_ context.Context, sourceID int64) (*source.FetchState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[sourceID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (g *fakeGateway) SetFetchState(_ context.Context, sourceID int64, st source.FetchState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[sourceID] = st
	return nil
}

func (g *fakeGateway) SetSourceStatus(_ context.Context, sourceID int64, status string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[sourceID] = status
	return nil
}

// fakeConn scripts a connector run.
type fakeConn struct {
	items    []connector.RawItem
	fetchErr error
	onFetch  func()
	panics   bool
	now      time.Time
}

func (c *fakeConn) Kind() source.Kind { return source.KindFeed }

func (c *fakeConn) Fetch(_ context.Context, _ *source.FetchState) ([]connector.RawItem, error) {
	if c.onFetch != nil {
		c.onFetch()
	}
	if c.panics {
		panic("scripted panic")
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.items, nil
}

func (c *fakeConn) Normalize(item connector.RawItem) (*record.Post, error) {
	switch v := item.(type) {
	case *record.Post:
		return v, nil
	case error:
		return nil, v
	case nil:
		return nil, nil
	}
	return nil, &connector.ParseError{Op: "unexpected raw item"}
}

func (c *fakeConn) NextState(last *record.Post) source.FetchState {
	return source.FetchState{LastFetchAt: c.now, LastSeenID: last.SourceGUID}
}

func newTestPool(gw *fakeGateway, conns map[int64]*fakeConn) *Pool {
	cfg := DefaultConfig()
	cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Hour}
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 1, RateLimitDelay: time.Millisecond}
	p := New(gw, http.DefaultClient, zap.NewNop(), cfg)
	p.factory = func(src source.Source, _ *http.Client, _ *zap.Logger) (connector.Connector, error) {
		c, ok := conns[src.ID]
		if !ok {
			return nil, errors.New("no scripted connector")
		}
		return c, nil
	}
	return p
}

func post(guid, content string) *record.Post {
	return &record.Post{Title: guid, Content: content, URL: "https://ex.com/" + guid, SourceGUID: guid}
}

func srcList(ids ...int64) []source.Source {
	out := make([]source.Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Source{ID: id, Kind: source.KindFeed, Identifier: "x", Name: "s"})
	}
	return out
}

func TestPoolRunAllIsolation(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {items: []connector.RawItem{post("a", "one")}},
		2: {fetchErr: &connector.NetworkError{Op: "fetch"}},
		3: {items: []connector.RawItem{post("b", "two")}},
	})

	outcomes := p.RunAll(context.Background(), srcList(1, 2, 3))
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if outcomes[1].Failed() || outcomes[3].Failed() {
		t.Errorf("healthy sources failed: %v, %v", outcomes[1].Err, outcomes[3].Err)
	}
	if !outcomes[2].Failed() {
		t.Error("failing source should carry an error outcome")
	}
	if outcomes[1].Stats.New != 1 || outcomes[3].Stats.New != 1 {
		t.Errorf("new counts = %d, %d, want 1, 1", outcomes[1].Stats.New, outcomes[3].Stats.New)
	}
}

func TestPoolConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int64
	conns := make(map[int64]*fakeConn, 5)
	for id := int64(1); id <= 5; id++ {
		conns[id] = &fakeConn{
			onFetch: func() {
				n := inflight.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				inflight.Add(-1)
			},
		}
	}
	gw := newFakeGateway()
	p := newTestPool(gw, conns)
	p.cfg.Concurrency = 2

	outcomes := p.RunAll(context.Background(), srcList(1, 2, 3, 4, 5))
	if len(outcomes) != 5 {
		t.Fatalf("outcomes = %d, want 5", len(outcomes))
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight runs = %d, want <= 2", got)
	}
}

func TestPoolRunPipeline(t *testing.T) {
	gw := newFakeGateway()
	gw.hashes[record.Hash(1, "dup body", "https://ex.com/old", "old")] = true

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {
			now: now,
			items: []connector.RawItem{
				post("old", "dup body"),
				&connector.ParseError{Op: "mangled entry"},
				post("n1", "fresh one"),
				post("n2", "fresh two"),
			},
		},
	})

	out := p.RunAll(context.Background(), srcList(1))[1]
	if out.Failed() {
		t.Fatalf("run failed: %v", out.Err)
	}
	want := Stats{Fetched: 4, New: 2, Duplicate: 1, Errors: 1}
	if out.Stats != want {
		t.Errorf("stats = %+v, want %+v", out.Stats, want)
	}

	// Checkpoint references the newest persisted record.
	st := gw.states[1]
	if st.LastSeenID != "n2" {
		t.Errorf("checkpoint = %q, want n2", st.LastSeenID)
	}
	if !st.LastFetchAt.Equal(now) {
		t.Errorf("checkpoint time = %v, want %v", st.LastFetchAt, now)
	}
}

func TestPoolAllDuplicatesLeavesStateUntouched(t *testing.T) {
	gw := newFakeGateway()
	prior := source.FetchState{LastSeenID: "old", LastFetchAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	gw.states[1] = prior
	gw.hashes[record.Hash(1, "seen", "https://ex.com/s1", "s1")] = true

	p := newTestPool(gw, map[int64]*fakeConn{
		1: {items: []connector.RawItem{post("s1", "seen")}},
	})

	out := p.RunAll(context.Background(), srcList(1))[1]
	if out.Failed() {
		t.Fatalf("run failed: %v", out.Err)
	}
	if out.Stats.Duplicate != 1 || out.Stats.New != 0 {
		t.Fatalf("stats = %+v", out.Stats)
	}
	if got := gw.states[1]; !reflect.DeepEqual(got, prior) {
		t.Errorf("state = %+v, want untouched %+v", got, prior)
	}
}

func TestPoolSkippedItemsDoNotCount(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {items: []connector.RawItem{nil, post("a", "body")}},
	})

	out := p.RunAll(context.Background(), srcList(1))[1]
	want := Stats{Fetched: 2, New: 1}
	if out.Stats != want {
		t.Errorf("stats = %+v, want %+v (skip is neither new nor error)", out.Stats, want)
	}
}

func TestPoolCancelledRunsGetOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var fetches atomic.Int32
	countFetch := func() { fetches.Add(1) }
	gw := newFakeGateway()
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {items: []connector.RawItem{post("a", "body")}, onFetch: countFetch},
		2: {items: []connector.RawItem{post("b", "body")}, onFetch: countFetch},
	})

	outcomes := p.RunAll(ctx, srcList(1, 2))
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want one per source", len(outcomes))
	}
	for id, out := range outcomes {
		if !errors.Is(out.Err, context.Canceled) {
			t.Errorf("source %d: err = %v, want context.Canceled in chain", id, out.Err)
		}
	}
	// Dispatch stops at cancellation even with free semaphore slots.
	if got := fetches.Load(); got != 0 {
		t.Errorf("fetches = %d, want 0 (no run dispatched after cancel)", got)
	}
}

func TestPoolPanicIsolated(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {panics: true},
		2: {items: []connector.RawItem{post("a", "body")}},
	})

	outcomes := p.RunAll(context.Background(), srcList(1, 2))
	if !outcomes[1].Failed() {
		t.Error("panicking source should fail")
	}
	if outcomes[2].Failed() {
		t.Errorf("sibling source failed: %v", outcomes[2].Err)
	}
}

func TestPoolAuthFailureMarksSource(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {fetchErr: &connector.AuthError{Op: "fetch"}},
	})

	out := p.RunAll(context.Background(), srcList(1))[1]
	if !out.Failed() {
		t.Fatal("expected failure outcome")
	}
	if got := gw.statuses[1]; got != source.StatusAuthFailed {
		t.Errorf("status = %q, want %q", got, source.StatusAuthFailed)
	}
}

func TestPoolStorageErrorAbortsRun(t *testing.T) {
	gw := newFakeGateway()
	gw.insertErr = errors.New("disk full")
	p := newTestPool(gw, map[int64]*fakeConn{
		1: {items: []connector.RawItem{post("a", "body"), post("b", "body2")}},
	})

	out := p.RunAll(context.Background(), srcList(1))[1]
	if !errors.Is(out.Err, gw.insertErr) {
		t.Fatalf("err = %v, want the storage error", out.Err)
	}
	if _, ok := gw.states[1]; ok {
		t.Error("aborted run must not checkpoint")
	}
}

func TestPoolGuardPersistsAcrossRuns(t *testing.T) {
	gw := newFakeGateway()
	conn := &fakeConn{fetchErr: &connector.AuthError{Op: "fetch"}}
	p := newTestPool(gw, map[int64]*fakeConn{1: conn})
	p.cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}

	_ = p.RunAll(context.Background(), srcList(1))
	_ = p.RunAll(context.Background(), srcList(1))

	out := p.RunAll(context.Background(), srcList(1))[1]
	if !errors.Is(out.Err, resilience.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen after repeated failures", out.Err)
	}
}
