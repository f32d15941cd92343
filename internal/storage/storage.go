// Package storage defines the interface for the durable crawl state store.
//
// The store is the single source of truth for the crawl: vertices, edges,
// the frontier queue, the in-flight processing set, the iteration log, and
// job metadata all live behind one Store. All mutations are serialized under
// a single logical writer; every method is atomic and leaves the database at
// a committed, crash-safe boundary or unchanged.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redblackgraph/fscrawl/internal/types"
)

// ErrIntegrity is returned when a store operation detects a violated
// invariant (disjoint partitions, contiguous iteration log, edge endpoints).
// Callers must treat it as fatal for the run.
var ErrIntegrity = errors.New("store integrity violation")

// ErrLocked is returned by Open when another crawler process holds the
// database lock.
var ErrLocked = errors.New("database is locked by another crawler")

// Job metadata keys.
const (
	MetaSchemaVersion       = "schema_version"
	MetaSeeds               = "seeds"
	MetaMaxHopcount         = "max_hopcount"
	MetaThrottleConfig      = "throttle_config"
	MetaRunStatus           = "run_status"
	MetaLastCheckpointEvent = "last_checkpoint_event"
	MetaLastCheckpointTS    = "last_checkpoint_ts"
)

// Store is the transactional graph + queue database backing the crawl.
//
// PID partitions: at every commit boundary a PID appears in at most one of
// the vertex table, the processing set, and the frontier queue. Vertex and
// edge inserts are idempotent so a crashed hop can be replayed safely.
type Store interface {
	// AddToFrontier inserts each pid into the frontier queue unless it is
	// already a vertex, in flight, or queued. First-insertion order is
	// preserved; duplicate submissions are no-ops and do not re-order.
	// Returns the number of pids actually enqueued.
	AddToFrontier(ctx context.Context, pids []types.PID) (int, error)

	// SeedFrontierIfEmpty enqueues the seed pids only when the database has
	// no frontier, no processing set, and no vertices. Safe to call on every
	// run start.
	SeedFrontierIfEmpty(ctx context.Context, pids []types.PID) error

	// PeekFrontier returns up to limit pids in queue order without removing
	// them. limit <= 0 means no limit.
	PeekFrontier(ctx context.Context, limit int) ([]types.PID, error)

	// StartIteration atomically promotes up to maxDrain of the oldest
	// frontier entries into the processing set and returns them. If the
	// processing set is non-empty on entry (unclean shutdown of a prior
	// process), its current contents are returned verbatim and nothing is
	// promoted; the caller re-dispatches those pids.
	StartIteration(ctx context.Context, n, maxDrain int) ([]types.PID, error)

	// IDsToProcess returns a snapshot of the current processing set.
	IDsToProcess(ctx context.Context) ([]types.PID, error)

	// AddIndividual upserts the vertex and removes its pid from the
	// processing set. A pid that is already a vertex is left untouched.
	AddIndividual(ctx context.Context, v *types.Vertex) error

	// AddParentChildRelationship upserts the edge keyed by
	// (parent, child, relID) and enqueues either endpoint that has not been
	// seen. Idempotent.
	AddParentChildRelationship(ctx context.Context, parent, child types.PID, relID string, typ types.RelationshipType) error

	// ReturnToFrontier moves the given pids from the processing set back to
	// the frontier queue, appended in submission order. Pids not currently
	// in the processing set are ignored.
	ReturnToFrontier(ctx context.Context, pids []types.PID) (int, error)

	// DetermineResolution flips to Resolve every replaceable edge whose
	// child has more than two incident biological-ish edges from this or any
	// prior iteration. Returns the number of distinct relationship ids now
	// pending resolution.
	DetermineResolution(ctx context.Context, iteration int) (int, error)

	// PendingResolution returns every edge currently typed Resolve, in
	// relationship-id order.
	PendingResolution(ctx context.Context) ([]types.Edge, error)

	// UpdateRelationship rewrites the type of every edge carrying relID.
	UpdateRelationship(ctx context.Context, relID string, typ types.RelationshipType) error

	// EndIteration writes the iteration log row for n, clears the processing
	// set, advances the resume cursor, and commits. Iteration numbers must
	// be contiguous; a gap is an integrity violation.
	EndIteration(ctx context.Context, n int, duration time.Duration) (*types.IterationRecord, error)

	// EndRelationshipResolution records one resolution pass and commits.
	EndRelationshipResolution(ctx context.Context, duration time.Duration, count int) error

	// NextIteration returns max(LOG.iteration)+1, or 0 for a fresh database.
	NextIteration(ctx context.Context) (int, error)

	// Checkpoint records a durable commit boundary marker in job metadata.
	Checkpoint(ctx context.Context, event string) error

	SetRunStatus(ctx context.Context, status types.RunStatus) error
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error

	// GetStatus returns the operator-facing snapshot.
	GetStatus(ctx context.Context) (*types.Status, error)

	Close() error
}
