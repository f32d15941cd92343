// Package ratelimit implements the polite request controller shared by all
// outbound HTTP calls: an aggregate token bucket, per-phase concurrency
// caps, and adaptive exponential backoff on throttling.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrCancelled is returned by Acquire when the run is stopping.
var ErrCancelled = errors.New("request cancelled by shutdown")

// Phase identifies which concurrency cap a caller draws from. The token
// bucket is shared across phases; the concurrency bounds are not.
type Phase int

const (
	PhasePersons Phase = iota
	PhaseRelationships
)

func (p Phase) String() string {
	if p == PhaseRelationships {
		return "relationships"
	}
	return "persons"
}

// Config is the throttle profile for one run.
type Config struct {
	RequestsPerSecond          float64       `json:"requests_per_second"`
	Burst                      int           `json:"burst"`
	MaxConcurrentPersons       int           `json:"max_concurrent_person_requests"`
	MaxConcurrentRelationships int           `json:"max_concurrent_relationship_requests"`
	MaxRetries                 int           `json:"max_retries"`
	BackoffBase                time.Duration `json:"backoff_base"`
	BackoffMultiplier          float64       `json:"backoff_multiplier"`
	BackoffMax                 time.Duration `json:"backoff_max"`
}

// DefaultConfig mirrors the politeness profile the crawl has always used:
// 2 req/s aggregate, 20 concurrent person fetches.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond:          2,
		MaxConcurrentPersons:       20,
		MaxConcurrentRelationships: 10,
		MaxRetries:                 5,
		BackoffBase:                time.Second,
		BackoffMultiplier:          2,
		BackoffMax:                 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = int(math.Max(1, c.RequestsPerSecond))
	}
	if c.MaxConcurrentPersons <= 0 {
		c.MaxConcurrentPersons = d.MaxConcurrentPersons
	}
	if c.MaxConcurrentRelationships <= 0 {
		c.MaxConcurrentRelationships = d.MaxConcurrentRelationships
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// Controller enforces the aggregate rate bound and the per-phase
// concurrency bounds. One instance is shared by the whole run.
//
// Ordering: no FIFO fairness between waiters is guaranteed, only the rate
// and concurrency bounds themselves.
type Controller struct {
	cfg     Config
	bucket  *rate.Limiter
	persons *semaphore.Weighted
	rels    *semaphore.Weighted

	mu       sync.Mutex
	failures int           // consecutive throttle/5xx reports
	gate     chan struct{} // closed while running; open (blocking) while paused
}

// New builds a controller from the given profile. Zero fields fall back to
// defaults.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	gate := make(chan struct{})
	close(gate)
	return &Controller{
		cfg:     cfg,
		bucket:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		persons: semaphore.NewWeighted(int64(cfg.MaxConcurrentPersons)),
		rels:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRelationships)),
		gate:    gate,
	}
}

// Config returns the effective (defaulted) profile.
func (c *Controller) Config() Config {
	return c.cfg
}

// MaxRetries returns the configured retry ceiling for transient and
// throttled failures.
func (c *Controller) MaxRetries() int {
	return c.cfg.MaxRetries
}

// Acquire blocks until the caller may issue one HTTP request: the run is
// not paused, a concurrency slot for the phase is free, any active backoff
// penalty has been served, and the token bucket has a token. The returned
// release function frees the concurrency slot and must always be called.
//
// Returns ErrCancelled when ctx is cancelled (stop).
func (c *Controller) Acquire(ctx context.Context, phase Phase) (release func(), err error) {
	if err := c.waitResumed(ctx); err != nil {
		return nil, err
	}

	sem := c.persons
	if phase == PhaseRelationships {
		sem = c.rels
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	release = func() { sem.Release(1) }

	if err := c.serveBackoffPenalty(ctx); err != nil {
		release()
		return nil, err
	}
	// Pause may have been requested while sleeping off the penalty.
	if err := c.waitResumed(ctx); err != nil {
		release()
		return nil, err
	}
	if err := c.bucket.Wait(ctx); err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return release, nil
}

// ReportFailure signals a 429 or 5xx. Each report deepens the backoff
// penalty and halves the effective request rate.
func (c *Controller) ReportFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	limit := float64(c.bucket.Limit()) / 2
	if limit < 0.1 {
		limit = 0.1
	}
	c.bucket.SetLimit(rate.Limit(limit))
}

// ReportSuccess clears the penalty and recovers the effective rate
// geometrically toward the configured bound.
func (c *Controller) ReportSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	limit := float64(c.bucket.Limit()) * 2
	if limit > c.cfg.RequestsPerSecond {
		limit = c.cfg.RequestsPerSecond
	}
	c.bucket.SetLimit(rate.Limit(limit))
}

// PenaltyDelay returns the backoff sleep a permit acquisition currently
// incurs: min(backoff_max, base * multiplier^(failures-1)) plus full jitter
// in [0, that) on top. Zero when no failure is outstanding.
func (c *Controller) PenaltyDelay() time.Duration {
	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()
	if failures == 0 {
		return 0
	}
	d := float64(c.cfg.BackoffBase) * math.Pow(c.cfg.BackoffMultiplier, float64(failures-1))
	if d > float64(c.cfg.BackoffMax) {
		d = float64(c.cfg.BackoffMax)
	}
	return time.Duration(d) + rand.N(time.Duration(d))
}

func (c *Controller) serveBackoffPenalty(ctx context.Context) error {
	delay := c.PenaltyDelay()
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Pause makes subsequent (and in-progress) Acquire calls block until
// Resume. Pausing an already-paused controller is a no-op.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.gate:
		c.gate = make(chan struct{})
	default:
		// already paused
	}
}

// Resume unblocks paused acquisitions.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.gate:
		// already running
	default:
		close(c.gate)
	}
}

// Paused reports whether the controller is holding acquisitions.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.gate:
		return false
	default:
		return true
	}
}

func (c *Controller) waitResumed(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}
