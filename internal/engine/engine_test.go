package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redblackgraph/fscrawl/internal/fsapi"
	"github.com/redblackgraph/fscrawl/internal/ratelimit"
	"github.com/redblackgraph/fscrawl/internal/storage/sqlite"
	"github.com/redblackgraph/fscrawl/internal/telemetry"
	"github.com/redblackgraph/fscrawl/internal/types"
)

// cannedTree serves a fixed ancestor tree in GedcomX shape. Relationship
// ids on the wire are "CP<parent>~<child>" so the stripped id encodes the
// edge endpoints.
type cannedTree struct {
	parents map[types.PID][]types.PID // child -> parents
	facts   map[string]string         // stripped rel id -> fact type URI
}

func (c cannedTree) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/platform/tree/persons/.json", func(w http.ResponseWriter, r *http.Request) {
		var payload fsapi.PersonsPayload
		for _, pid := range strings.Split(r.URL.Query().Get("pids"), ",") {
			payload.Persons = append(payload.Persons, fsapi.Person{ID: types.PID(pid)})
			for _, parent := range c.parents[types.PID(pid)] {
				payload.Relationships = append(payload.Relationships, fsapi.Relationship{
					ID:      "CP" + string(parent) + "~" + pid,
					Type:    fsapi.RelationshipParentChild,
					Person1: &fsapi.ResourceRef{ResourceID: parent},
					Person2: &fsapi.ResourceRef{ResourceID: types.PID(pid)},
				})
			}
		}
		writeJSON(w, payload)
	})
	mux.HandleFunc("/platform/tree/child-and-parents-relationships/", func(w http.ResponseWriter, r *http.Request) {
		relID := strings.TrimSuffix(filepath.Base(r.URL.Path), ".json")
		parent, child, ok := strings.Cut(relID, "~")
		if !ok {
			http.NotFound(w, r)
			return
		}
		rel := fsapi.ChildAndParentsRelationship{
			ID:      relID,
			Child:   &fsapi.ResourceRef{ResourceID: types.PID(child)},
			Parent1: &fsapi.ResourceRef{ResourceID: types.PID(parent)},
		}
		if fact, ok := c.facts[relID]; ok {
			rel.Parent1Facts = []fsapi.Fact{{Type: fact}}
		}
		writeJSON(w, fsapi.RelationshipPayload{
			ChildAndParentsRelationships: []fsapi.ChildAndParentsRelationship{rel},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(err)
	}
}

func newTestEngine(t *testing.T, handler http.Handler, cfg Config) (*Engine, *sqlite.SQLiteStore) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "crawl.db"), sqlite.Options{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	session, err := fsapi.NewSession(srv.URL, "t", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        4,
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, fsapi.NewClient(session), limiter, telemetry.Nop(), log, cfg), store
}

func seed(t *testing.T, store *sqlite.SQLiteStore, pids ...types.PID) {
	t.Helper()
	if err := store.SeedFrontierIfEmpty(context.Background(), pids); err != nil {
		t.Fatal(err)
	}
}

func TestRunSingleSeedOneHop(t *testing.T) {
	tree := cannedTree{parents: map[types.PID][]types.PID{"P0": {"P1", "P2"}}}
	eng, store := newTestEngine(t, tree.handler(), Config{MaxHopcount: 1})
	ctx := context.Background()
	seed(t, store, "P0")

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	vertices, err := store.VertexPIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vertices) != 1 || vertices[0] != "P0" {
		t.Errorf("vertices = %v, want [P0]", vertices)
	}

	frontier, _ := store.PeekFrontier(ctx, 0)
	if len(frontier) != 2 {
		t.Errorf("frontier = %v, want the two parents", frontier)
	}

	edges, _ := store.Edges(ctx)
	if len(edges) != 2 {
		t.Fatalf("edges = %v, want 2", edges)
	}
	for _, e := range edges {
		if e.Destination != "P0" || e.Type != types.UnspecifiedParentType {
			t.Errorf("edge = %+v, want parent->P0 UnspecifiedParentType", e)
		}
	}

	log, _ := store.IterationLog(ctx)
	if len(log) != 1 || log[0].Vertices != 1 {
		t.Errorf("log = %+v, want one row with 1 vertex", log)
	}

	st, _ := store.GetStatus(ctx)
	if st.RunStatus != types.StatusDone {
		t.Errorf("status = %s, want done", st.RunStatus)
	}
}

func TestRunTwoHopChain(t *testing.T) {
	tree := cannedTree{parents: map[types.PID][]types.PID{
		"P0": {"P1"},
		"P1": {"P2"},
	}}
	eng, store := newTestEngine(t, tree.handler(), Config{MaxHopcount: 2})
	ctx := context.Background()
	seed(t, store, "P0")

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	vertices, _ := store.VertexPIDs(ctx)
	if len(vertices) != 2 {
		t.Errorf("vertices = %v, want P0 and P1", vertices)
	}
	frontier, _ := store.PeekFrontier(ctx, 0)
	if len(frontier) != 1 || frontier[0] != "P2" {
		t.Errorf("frontier = %v, want [P2]", frontier)
	}
	edges, _ := store.Edges(ctx)
	if len(edges) != 2 {
		t.Errorf("edges = %v, want 2", edges)
	}
	log, _ := store.IterationLog(ctx)
	if len(log) != 2 {
		t.Errorf("log rows = %d, want 2", len(log))
	}
}

func TestResolutionRetypesAmbiguousEdges(t *testing.T) {
	tree := cannedTree{
		parents: map[types.PID][]types.PID{"P0": {"P1", "P2", "P3"}},
		facts: map[string]string{
			"P1~P0": "http://gedcomx.org/BiologicalParent",
			"P2~P0": "http://gedcomx.org/AdoptiveParent",
			"P3~P0": "http://gedcomx.org/StepParent",
		},
	}
	eng, store := newTestEngine(t, tree.handler(), Config{MaxHopcount: 1})
	ctx := context.Background()
	seed(t, store, "P0")

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	edges, _ := store.Edges(ctx)
	got := map[types.PID]types.RelationshipType{}
	for _, e := range edges {
		if e.Type == types.Resolve {
			t.Errorf("edge %+v still typed Resolve after resolution", e)
		}
		got[e.Source] = e.Type
	}
	if got["P1"] != types.BiologicalParent {
		t.Errorf("P1 edge = %s, want BiologicalParent", got["P1"])
	}
	if got["P2"] != types.NonBiological || got["P3"] != types.NonBiological {
		t.Errorf("P2/P3 edges = %s/%s, want NonBiological", got["P2"], got["P3"])
	}
}

func TestUnreturnedPidsGoBackToFrontier(t *testing.T) {
	// The server answers with P0 only, whatever was asked.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fsapi.PersonsPayload{Persons: []fsapi.Person{{ID: "P0"}}})
	})
	eng, store := newTestEngine(t, handler, Config{MaxHopcount: 1})
	ctx := context.Background()
	seed(t, store, "P0", "P9")

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frontier, _ := store.PeekFrontier(ctx, 0)
	if len(frontier) != 1 || frontier[0] != "P9" {
		t.Errorf("frontier = %v, want the unreturned [P9]", frontier)
	}
	inflight, _ := store.IDsToProcess(ctx)
	if len(inflight) != 0 {
		t.Errorf("processing set = %v, want empty after hop close", inflight)
	}
}

func TestPermanentFailureReturnsBatchToFrontier(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	eng, store := newTestEngine(t, handler, Config{MaxHopcount: 1})
	ctx := context.Background()
	seed(t, store, "P0", "P1")

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("a permanently failed batch must not abort the run: %v", err)
	}

	frontier, _ := store.PeekFrontier(ctx, 0)
	if len(frontier) != 2 {
		t.Errorf("frontier = %v, failed batch pids must return", frontier)
	}
	vertices, _ := store.VertexPIDs(ctx)
	if len(vertices) != 0 {
		t.Errorf("vertices = %v, want none", vertices)
	}
}

func TestAuthExpiredAbortsRun(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	eng, store := newTestEngine(t, handler, Config{MaxHopcount: 1})
	ctx := context.Background()
	seed(t, store, "P0")

	err := eng.Run(ctx)
	if !errors.Is(err, fsapi.ErrAuthExpired) {
		t.Fatalf("Run = %v, want ErrAuthExpired", err)
	}

	st, _ := store.GetStatus(ctx)
	if st.RunStatus != types.StatusAborted {
		t.Errorf("status = %s, want aborted", st.RunStatus)
	}
	// The seed must survive for a resumed run.
	frontier, _ := store.PeekFrontier(ctx, 0)
	if len(frontier) != 1 || frontier[0] != "P0" {
		t.Errorf("frontier = %v, want [P0]", frontier)
	}
}

func TestThrottledCallsEventuallySucceed(t *testing.T) {
	tree := cannedTree{parents: map[types.PID][]types.PID{}}
	inner := tree.handler()
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		inner.ServeHTTP(w, r)
	})
	eng, store := newTestEngine(t, handler, Config{MaxHopcount: 1})
	ctx := context.Background()
	seed(t, store, "P0")

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	vertices, _ := store.VertexPIDs(ctx)
	if len(vertices) != 1 {
		t.Errorf("vertices = %v, want [P0] after retries", vertices)
	}
	if calls < 3 {
		t.Errorf("calls = %d, want the two throttled attempts plus the success", calls)
	}
}

func TestStopMidRunCheckpointsAndReturnsErrStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusTooManyRequests)
	})
	eng, store := newTestEngine(t, handler, Config{MaxHopcount: 3})
	seed(t, store, "P0")

	err := eng.Run(ctx)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Run = %v, want ErrStopped", err)
	}

	st, _ := store.GetStatus(context.Background())
	if st.RunStatus != types.StatusAborted {
		t.Errorf("status = %s, want aborted", st.RunStatus)
	}
	frontier, _ := store.PeekFrontier(context.Background(), 0)
	if len(frontier) != 1 || frontier[0] != "P0" {
		t.Errorf("frontier = %v, in-flight pid must be returned on stop", frontier)
	}
}

// waitForVertices polls the store until at least n vertices are
// committed. Runs on server handler goroutines, so it must not Fatal.
func waitForVertices(t *testing.T, store *sqlite.SQLiteStore, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pids, err := store.VertexPIDs(context.Background())
		if err == nil && len(pids) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("timed out waiting for vertex commits")
}

func crawlSets(t *testing.T, store *sqlite.SQLiteStore) (map[types.PID]bool, map[types.Edge]bool, map[types.PID]bool) {
	t.Helper()
	ctx := context.Background()
	vertices := map[types.PID]bool{}
	pids, err := store.VertexPIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pids {
		vertices[p] = true
	}
	edges := map[types.Edge]bool{}
	list, err := store.Edges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range list {
		edges[e] = true
	}
	frontier := map[types.PID]bool{}
	front, err := store.PeekFrontier(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range front {
		frontier[p] = true
	}
	return vertices, edges, frontier
}

func TestResumeAfterMidHopStopMatchesUninterruptedRun(t *testing.T) {
	// Every parent is itself a seed, so discovery adds nothing to the
	// frontier and the interrupted run is set-comparable with the
	// uninterrupted one regardless of where the stop lands.
	tree := cannedTree{parents: map[types.PID][]types.PID{
		"P0": {"P1"}, "P1": {"P2"}, "P2": {"P3"}, "P3": {"P4"}, "P4": {"P5"},
	}}
	seeds := []types.PID{"P0", "P1", "P2", "P3", "P4", "P5"}
	cfg := Config{MaxHopcount: 1, PersonsPerRequest: 2}

	control, controlStore := newTestEngine(t, tree.handler(), cfg)
	seed(t, controlStore, seeds...)
	if err := control.Run(context.Background()); err != nil {
		t.Fatalf("uninterrupted run: %v", err)
	}

	// The third persons call waits until earlier batches have committed
	// vertices, then kills the run mid-hop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inner := tree.handler()
	var (
		store *sqlite.SQLiteStore
		mu    sync.Mutex
		calls int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 3 {
			waitForVertices(t, store, 2)
			cancel()
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		inner.ServeHTTP(w, r)
	})
	eng, st := newTestEngine(t, handler, cfg)
	store = st
	seed(t, store, seeds...)

	if err := eng.Run(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run = %v, want ErrStopped", err)
	}
	partial, err := store.VertexPIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(partial) < 2 || len(partial) >= len(seeds) {
		t.Fatalf("vertices after stop = %v, want a partial commit", partial)
	}

	eng2 := New(store, eng.client, eng.limiter, telemetry.Nop(), eng.log, cfg)
	if err := eng2.Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	gotV, gotE, gotF := crawlSets(t, store)
	wantV, wantE, wantF := crawlSets(t, controlStore)
	if len(gotV) != len(wantV) {
		t.Errorf("vertices = %v, want %v", gotV, wantV)
	}
	for p := range wantV {
		if !gotV[p] {
			t.Errorf("vertex %s missing after resume", p)
		}
	}
	if len(gotE) != len(wantE) {
		t.Errorf("edges = %v, want %v", gotE, wantE)
	}
	for e := range wantE {
		if !gotE[e] {
			t.Errorf("edge %+v missing after resume", e)
		}
	}
	if len(gotF) != len(wantF) {
		t.Errorf("frontier = %v, want %v", gotF, wantF)
	}

	log, err := store.IterationLog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].Iteration != 0 {
		t.Errorf("log = %+v, want exactly one row for iteration 0", log)
	}
}

func TestResumeAfterHopBudgetReduction(t *testing.T) {
	tree := cannedTree{parents: map[types.PID][]types.PID{
		"P0": {"P1"},
		"P1": {"P2"},
	}}
	eng, store := newTestEngine(t, tree.handler(), Config{MaxHopcount: 2})
	ctx := context.Background()
	seed(t, store, "P0")
	if err := eng.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Resuming with a smaller hop budget than already completed runs no
	// further iterations and goes straight to resolution.
	eng2 := New(store, eng.client, eng.limiter, telemetry.Nop(), eng.log, Config{MaxHopcount: 1})
	if err := eng2.Run(ctx); err != nil {
		t.Fatalf("resume with reduced budget: %v", err)
	}
	log, _ := store.IterationLog(ctx)
	if len(log) != 2 {
		t.Errorf("log rows = %d, a reduced budget must not add iterations", len(log))
	}
}
