package sqlite

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/redblackgraph/fscrawl/internal/types"
)

func TestFrontierFIFOAndDedupe(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	added, err := store.AddToFrontier(ctx, []types.PID{"A", "B", "C"})
	if err != nil {
		t.Fatalf("AddToFrontier: %v", err)
	}
	if added != 3 {
		t.Errorf("added = %d, want 3", added)
	}

	// Rediscovery must not re-order or duplicate.
	added, err = store.AddToFrontier(ctx, []types.PID{"B", "D", "A"})
	if err != nil {
		t.Fatalf("AddToFrontier: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (only D is new)", added)
	}

	pids, err := store.PeekFrontier(ctx, 0)
	if err != nil {
		t.Fatalf("PeekFrontier: %v", err)
	}
	want := []types.PID{"A", "B", "C", "D"}
	if !reflect.DeepEqual(pids, want) {
		t.Errorf("frontier = %v, want %v", pids, want)
	}

	// Peek with a limit returns the oldest entries.
	head, err := store.PeekFrontier(ctx, 2)
	if err != nil {
		t.Fatalf("PeekFrontier: %v", err)
	}
	if !reflect.DeepEqual(head, []types.PID{"A", "B"}) {
		t.Errorf("frontier head = %v, want [A B]", head)
	}
}

func TestAddToFrontierSkipsSeenPIDs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddToFrontier(ctx, []types.PID{"V", "P"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartIteration(ctx, 0, 0); err != nil {
		t.Fatal(err)
	}
	// V becomes a vertex, P stays in processing.
	if err := store.AddIndividual(ctx, &types.Vertex{ID: "V", Iteration: 0}); err != nil {
		t.Fatal(err)
	}

	added, err := store.AddToFrontier(ctx, []types.PID{"V", "P", "N"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1: vertex and in-flight pids must be skipped", added)
	}
	pids, _ := store.PeekFrontier(ctx, 0)
	if !reflect.DeepEqual(pids, []types.PID{"N"}) {
		t.Errorf("frontier = %v, want [N]", pids)
	}
}

func TestSeedFrontierIfEmpty(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SeedFrontierIfEmpty(ctx, []types.PID{"S0", "S1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pids, _ := store.PeekFrontier(ctx, 0)
	if len(pids) != 2 {
		t.Fatalf("frontier = %v, want two seeds", pids)
	}

	// Second seeding attempt is a no-op.
	if err := store.SeedFrontierIfEmpty(ctx, []types.PID{"S2"}); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	pids, _ = store.PeekFrontier(ctx, 0)
	if len(pids) != 2 {
		t.Errorf("frontier = %v, re-seeding must not add pids", pids)
	}
}

func TestReturnToFrontier(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddToFrontier(ctx, []types.PID{"A", "B", "C"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartIteration(ctx, 0, 0); err != nil {
		t.Fatal(err)
	}

	moved, err := store.ReturnToFrontier(ctx, []types.PID{"B", "Z"})
	if err != nil {
		t.Fatalf("ReturnToFrontier: %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1 (Z was never in flight)", moved)
	}

	pids, _ := store.PeekFrontier(ctx, 0)
	if !reflect.DeepEqual(pids, []types.PID{"B"}) {
		t.Errorf("frontier = %v, want [B]", pids)
	}
	inflight, _ := store.IDsToProcess(ctx)
	if len(inflight) != 2 {
		t.Errorf("processing = %v, want A and C", inflight)
	}
}

// Disjointness: a pid is in at most one of vertex/processing/frontier at
// every commit boundary.
func TestPartitionsStayDisjoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := store.AddToFrontier(ctx, []types.PID{types.PID(fmt.Sprintf("P%d", i))}); err != nil {
			t.Fatal(err)
		}
	}
	promoted, err := store.StartIteration(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(promoted) != 3 {
		t.Fatalf("promoted = %v, want 3 pids", promoted)
	}
	for _, pid := range promoted[:2] {
		if err := store.AddIndividual(ctx, &types.Vertex{ID: pid}); err != nil {
			t.Fatal(err)
		}
	}

	assertDisjoint(t, store)
}

func assertDisjoint(t *testing.T, store *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	seen := make(map[types.PID]string)
	vertices, err := store.VertexPIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, pid := range vertices {
		seen[pid] = "vertex"
	}
	inflight, err := store.IDsToProcess(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, pid := range inflight {
		if where, dup := seen[pid]; dup {
			t.Errorf("pid %s in both %s and processing", pid, where)
		}
		seen[pid] = "processing"
	}
	frontier, err := store.PeekFrontier(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, pid := range frontier {
		if where, dup := seen[pid]; dup {
			t.Errorf("pid %s in both %s and frontier", pid, where)
		}
	}
}
