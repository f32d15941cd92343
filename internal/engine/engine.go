// Package engine drives the crawl: hop-by-hop BFS expansion of the
// frontier, person payload processing, and the post-hop relationship
// resolution pass. All durable state lives in the store; the engine can be
// killed at any point and resumed from the last commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redblackgraph/fscrawl/internal/fsapi"
	"github.com/redblackgraph/fscrawl/internal/ratelimit"
	"github.com/redblackgraph/fscrawl/internal/storage"
	"github.com/redblackgraph/fscrawl/internal/telemetry"
	"github.com/redblackgraph/fscrawl/internal/types"
)

// ErrStopped is returned by Run after a cooperative stop: state is
// checkpointed and the process may exit cleanly.
var ErrStopped = errors.New("run stopped by operator")

// Config tunes one run of the engine.
type Config struct {
	// MaxHopcount is the number of BFS levels to expand before the
	// resolution pass.
	MaxHopcount int

	// DrainLimit caps how many frontier pids one iteration promotes.
	// 0 drains the whole frontier.
	DrainLimit int

	// PersonsPerRequest caps the pids per persons call. 0 uses the
	// server ceiling.
	PersonsPerRequest int

	// CheckpointPayloads asks the store for a mid-hop checkpoint every N
	// processed payloads, bounding replay after a crash. Default 8.
	CheckpointPayloads int

	// InterBatchDelay spaces out batch dispatches on top of the token
	// bucket. Off by default.
	InterBatchDelay time.Duration

	// ResolverPrecedence orders relationship types weakest to strongest
	// when sources disagree. Defaults to types.DefaultPrecedence.
	ResolverPrecedence []types.RelationshipType

	// ShutdownGrace bounds the post-cancel checkpoint work. Default 30 s.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.PersonsPerRequest <= 0 || c.PersonsPerRequest > fsapi.MaxPersonsPerRequest {
		c.PersonsPerRequest = fsapi.MaxPersonsPerRequest
	}
	if c.CheckpointPayloads <= 0 {
		c.CheckpointPayloads = 8
	}
	if len(c.ResolverPrecedence) == 0 {
		c.ResolverPrecedence = types.DefaultPrecedence
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Engine runs the crawl loop against one store and one API client.
type Engine struct {
	store   storage.Store
	client  *fsapi.Client
	limiter *ratelimit.Controller
	events  *telemetry.Emitter
	log     *slog.Logger
	cfg     Config

	payloads atomic.Int64 // processed payloads, for mid-hop checkpoints
}

func New(store storage.Store, client *fsapi.Client, limiter *ratelimit.Controller, events *telemetry.Emitter, log *slog.Logger, cfg Config) *Engine {
	if events == nil {
		events = telemetry.Nop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:   store,
		client:  client,
		limiter: limiter,
		events:  events,
		log:     log,
		cfg:     cfg.withDefaults(),
	}
}

// Run expands the frontier until the hop budget or the frontier is
// exhausted, then resolves ambiguous relationships. It returns ErrStopped
// after a cooperative stop, fsapi.ErrAuthExpired when the session dies,
// and storage.ErrIntegrity on a corrupted database; all paths checkpoint
// before returning.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.store.SetRunStatus(ctx, types.StatusRunning); err != nil {
		return err
	}
	e.events.Emit(telemetry.EventRunStart, -1, nil)

	for {
		n, err := e.store.NextIteration(ctx)
		if err != nil {
			return err
		}
		if n >= e.cfg.MaxHopcount {
			e.log.Info("hop budget reached", "iteration", n, "max_hopcount", e.cfg.MaxHopcount)
			break
		}
		processing, err := e.store.StartIteration(ctx, n, e.cfg.DrainLimit)
		if err != nil {
			return err
		}
		if len(processing) == 0 {
			e.log.Info("frontier exhausted", "iteration", n)
			break
		}
		if err := e.runHop(ctx, n, processing); err != nil {
			return e.unwind(err)
		}
	}

	if err := e.resolve(ctx); err != nil {
		return e.unwind(err)
	}

	if err := e.store.SetRunStatus(ctx, types.StatusDone); err != nil {
		return err
	}
	e.events.Emit(telemetry.EventRunComplete, -1, map[string]any{
		"requests": e.client.RequestCount(),
	})
	return nil
}

// runHop fetches and persists one BFS level.
func (e *Engine) runHop(ctx context.Context, n int, processing []types.PID) error {
	start := time.Now()
	chunks := fsapi.Partition(processing, e.cfg.PersonsPerRequest)
	e.log.Info("starting hop", "iteration", n, "pids", len(processing), "batches", len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		if i > 0 && e.cfg.InterBatchDelay > 0 {
			if err := sleepCtx(gctx, e.cfg.InterBatchDelay); err != nil {
				break
			}
		}
		g.Go(func() error { return e.fetchBatch(gctx, n, chunk) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Requested pids the server never returned stay in the processing
	// set; they go back to the frontier for the next hop.
	leftover, err := e.store.IDsToProcess(ctx)
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		e.log.Warn("returning unprocessed pids to frontier", "iteration", n, "count", len(leftover))
		if _, err := e.store.ReturnToFrontier(ctx, leftover); err != nil {
			return err
		}
	}

	rec, err := e.store.EndIteration(ctx, n, time.Since(start))
	if err != nil {
		return err
	}
	e.events.Emit(telemetry.EventIterationComplete, n, map[string]any{
		"duration": rec.Duration,
		"vertices": rec.Vertices,
		"frontier": rec.Frontier,
		"requests": e.client.RequestCount(),
	})
	return nil
}

// fetchBatch retrieves one persons batch with retries and hands the
// payload to the processor. Permanent failures return the batch to the
// frontier and do not abort the hop.
func (e *Engine) fetchBatch(ctx context.Context, n int, pids []types.PID) error {
	var payload *fsapi.PersonsPayload
	err := e.doRequest(ctx, ratelimit.PhasePersons, func(ctx context.Context) error {
		p, err := e.client.Persons(ctx, pids)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		if errors.Is(err, fsapi.ErrPermanent) {
			return e.failBatch(ctx, pids, err)
		}
		return err
	}
	return e.processPayload(ctx, n, pids, payload)
}

// processPayload persists one persons payload: vertices first, then
// parent-child edges, then couple-discovered frontier pids.
func (e *Engine) processPayload(ctx context.Context, n int, requested []types.PID, payload *fsapi.PersonsPayload) error {
	for _, p := range payload.Persons {
		if p.ID == "" {
			e.log.Warn("skipping person record without id", "iteration", n)
			continue
		}
		if err := e.store.AddIndividual(ctx, p.Vertex(n)); err != nil {
			return err
		}
	}

	var spouses []types.PID
	for _, rel := range payload.Relationships {
		if rel.Person1 == nil || rel.Person2 == nil {
			e.log.Warn("skipping relationship without both participants", "rel_id", rel.ID)
			continue
		}
		switch rel.Type {
		case fsapi.RelationshipParentChild:
			parent, child := rel.Person1.ResourceID, rel.Person2.ResourceID
			if err := e.store.AddParentChildRelationship(ctx, parent, child, rel.RelID(), fsapi.ParentType(rel.Facts)); err != nil {
				return err
			}
		case fsapi.RelationshipCouple:
			// Couples produce no edge but both spouses are worth
			// visiting.
			spouses = append(spouses, rel.Person1.ResourceID, rel.Person2.ResourceID)
		default:
			e.log.Warn("unknown relationship type", "type", rel.Type, "rel_id", rel.ID)
		}
	}
	if len(spouses) > 0 {
		if _, err := e.store.AddToFrontier(ctx, spouses); err != nil {
			return err
		}
	}

	if c := e.payloads.Add(1); c%int64(e.cfg.CheckpointPayloads) == 0 {
		if err := e.store.Checkpoint(ctx, telemetry.EventPersonBatch); err != nil {
			return err
		}
		e.events.Emit(telemetry.EventCheckpoint, n, map[string]any{"payloads": c})
	}
	e.events.Emit(telemetry.EventPersonBatch, n, map[string]any{
		"requested": len(requested),
		"persons":   len(payload.Persons),
	})
	return nil
}

// failBatch logs a permanently failed batch and returns its pids to the
// frontier so the work is not lost.
func (e *Engine) failBatch(ctx context.Context, pids []types.PID, cause error) error {
	e.log.Warn("batch failed permanently, returning pids to frontier", "pids", len(pids), "error", cause)
	_, err := e.store.ReturnToFrontier(ctx, pids)
	return err
}

// resolve runs the post-hop relationship resolution pass: flip ambiguous
// edges to Resolve, fetch each marked relationship, and rewrite it with
// the authoritative type.
func (e *Engine) resolve(ctx context.Context) error {
	if err := e.store.SetRunStatus(ctx, types.StatusResolving); err != nil {
		return err
	}
	start := time.Now()

	next, err := e.store.NextIteration(ctx)
	if err != nil {
		return err
	}
	pending, err := e.store.DetermineResolution(ctx, next-1)
	if err != nil {
		return err
	}
	e.log.Info("relationship resolution", "pending", pending)

	edges, err := e.store.PendingResolution(ctx)
	if err != nil {
		return err
	}
	byRel := make(map[string][]types.Edge)
	for _, edge := range edges {
		byRel[edge.RelID] = append(byRel[edge.RelID], edge)
	}

	var resolved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for relID, relEdges := range byRel {
		g.Go(func() error {
			ok, err := e.resolveRelationship(gctx, relID, relEdges)
			if err != nil {
				return err
			}
			if ok {
				resolved.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.store.EndRelationshipResolution(ctx, time.Since(start), int(resolved.Load())); err != nil {
		return err
	}
	e.events.Emit(telemetry.EventRelationshipsComplete, -1, map[string]any{
		"pending":  pending,
		"resolved": resolved.Load(),
		"duration": time.Since(start).Seconds(),
	})
	return nil
}

// resolveRelationship fetches one marked relationship record and rewrites
// its edges. A relationship that cannot be fetched stays at Resolve for a
// later run; only infrastructure errors propagate.
func (e *Engine) resolveRelationship(ctx context.Context, relID string, edges []types.Edge) (bool, error) {
	var parents []fsapi.ResolvedParent
	err := e.doRequest(ctx, ratelimit.PhaseRelationships, func(ctx context.Context) error {
		p, err := e.client.Relationship(ctx, relID)
		if err != nil {
			return err
		}
		parents = p
		return nil
	})
	if err != nil {
		if errors.Is(err, fsapi.ErrPermanent) {
			e.log.Warn("relationship left unresolved", "rel_id", relID, "error", err)
			return false, nil
		}
		return false, err
	}

	// The record describes both parents; only facts about the marked
	// edges count. No matching fact means the server had nothing to say:
	// the edge drops back to UnspecifiedParentType.
	final := types.UnspecifiedParentType
	for _, p := range parents {
		for _, edge := range edges {
			if p.Parent == edge.Source && p.Child == edge.Destination {
				if e.stronger(p.Type, final) {
					final = p.Type
				}
			}
		}
	}
	if err := e.store.UpdateRelationship(ctx, relID, final); err != nil {
		return false, err
	}
	return true, nil
}

// stronger ranks resolver-returned types. An explicit NonBiological
// outranks everything replaceable but never an asserted BiologicalParent.
func (e *Engine) stronger(candidate, current types.RelationshipType) bool {
	order := make([]types.RelationshipType, 0, len(e.cfg.ResolverPrecedence)+1)
	for _, t := range e.cfg.ResolverPrecedence {
		if t == types.BiologicalParent {
			order = append(order, types.NonBiological)
		}
		order = append(order, t)
	}
	return types.Stronger(order, candidate, current)
}

// doRequest is the shared retry loop: acquire a permit, issue the call,
// classify the failure. Throttled and transient failures retry up to the
// configured ceiling, then demote to permanent.
func (e *Engine) doRequest(ctx context.Context, phase ratelimit.Phase, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.limiter.MaxRetries(); attempt++ {
		release, err := e.limiter.Acquire(ctx, phase)
		if err != nil {
			return err
		}
		err = call(ctx)
		release()

		switch {
		case err == nil:
			e.limiter.ReportSuccess()
			return nil
		case errors.Is(err, fsapi.ErrAuthExpired),
			errors.Is(err, fsapi.ErrPermanent),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, fsapi.ErrThrottled):
			e.limiter.ReportFailure()
			var se *fsapi.StatusError
			if errors.As(err, &se) && se.RetryAfter > 0 {
				if serr := sleepCtx(ctx, se.RetryAfter); serr != nil {
					return serr
				}
			}
		case errors.Is(err, fsapi.ErrTransient):
			if serr := sleepCtx(ctx, e.transientDelay(attempt)); serr != nil {
				return serr
			}
		default:
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: retries exhausted: %v", fsapi.ErrPermanent, lastErr)
}

func (e *Engine) transientDelay(attempt int) time.Duration {
	cfg := e.limiter.Config()
	d := float64(cfg.BackoffBase) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if d > float64(cfg.BackoffMax) {
		d = float64(cfg.BackoffMax)
	}
	return time.Duration(d)
}

// unwind checkpoints after a fatal or cooperative-stop error. Post-cancel
// store work runs under a fresh grace context.
func (e *Engine) unwind(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace)
	defer cancel()

	stopped := errors.Is(cause, ratelimit.ErrCancelled) || errors.Is(cause, context.Canceled)

	if leftover, err := e.store.IDsToProcess(ctx); err == nil && len(leftover) > 0 {
		if _, err := e.store.ReturnToFrontier(ctx, leftover); err != nil {
			e.log.Error("failed to return in-flight pids", "error", err)
		}
	}
	if err := e.store.Checkpoint(ctx, "stop"); err != nil {
		e.log.Error("checkpoint on unwind failed", "error", err)
	}
	if err := e.store.SetRunStatus(ctx, types.StatusAborted); err != nil {
		e.log.Error("failed to record run status", "error", err)
	}

	if stopped {
		return fmt.Errorf("%w: %v", ErrStopped, cause)
	}
	return cause
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
