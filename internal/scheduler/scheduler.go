// Package scheduler drives a set of resource fetches to completion under a
// concurrency cap, in the order chosen by a policy, with retries, a reuse
// cache and live instrumentation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/assetflux/internal/batchsize"
	"github.com/sheerbytes/assetflux/internal/cache"
	"github.com/sheerbytes/assetflux/internal/netcond"
	"github.com/sheerbytes/assetflux/internal/transport"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

const tracerName = "github.com/sheerbytes/assetflux/internal/scheduler"

// Options carries the collaborators of a Scheduler. All fields are optional.
type Options struct {
	// Cache enables reuse when Config.CacheEnabled is set.
	Cache *cache.Cache
	// Network feeds adaptive sizing. Nil means netcond.DefaultSample.
	Network   *netcond.Adapter
	Observers []Observer
	// Sink receives every payload, fetched or served from cache. It is
	// called from worker goroutines.
	Sink   func(resource.Descriptor, []byte)
	Logger *slog.Logger
	Clock  clock.Clock
	Tracer trace.Tracer
}

type Scheduler struct {
	fetcher transport.Fetcher
	cache   *cache.Cache
	network *netcond.Adapter
	sink    func(resource.Descriptor, []byte)
	logger  *slog.Logger
	clock   clock.Clock
	tracer  trace.Tracer

	mu        sync.Mutex
	cfg       Config
	batchSize int
	observers []Observer
	// pool bounds in-flight fetches across every load on this scheduler.
	pool     *semaphore.Weighted
	poolSize int
}

func New(fetcher transport.Fetcher, cfg Config, opts Options) (*Scheduler, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("scheduler: nil fetcher")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Scheduler{
		fetcher:   fetcher,
		cache:     opts.Cache,
		network:   opts.Network,
		sink:      opts.Sink,
		logger:    opts.Logger,
		clock:     opts.Clock,
		tracer:    opts.Tracer,
		cfg:       cfg,
		batchSize: cfg.BatchSize,
		observers: append([]Observer(nil), opts.Observers...),
		pool:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		poolSize:  cfg.MaxConcurrentRequests,
	}, nil
}

// AddObserver registers o for loads started after this call.
func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Configure replaces the configuration. A changed BatchSize re-seeds the
// working batch size. A changed MaxConcurrentRequests replaces the worker
// pool; loads already running keep the pool they started with.
func (s *Scheduler) Configure(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
	return nil
}

func (s *Scheduler) applyLocked(cfg Config) {
	if cfg.BatchSize != s.cfg.BatchSize {
		s.batchSize = cfg.BatchSize
	}
	if cfg.MaxConcurrentRequests != s.poolSize {
		s.pool = semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests))
		s.poolSize = cfg.MaxConcurrentRequests
	}
	s.cfg = cfg
}

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// BatchSize returns the working batch size.
func (s *Scheduler) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchSize
}

// ResetBatchSize restores the working batch size to the configured seed.
func (s *Scheduler) ResetBatchSize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSize = s.cfg.BatchSize
}

// CleanupCache expires idle cache entries and enforces the byte ceiling.
func (s *Scheduler) CleanupCache() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Cleanup()
}

// Reset clears the cache and restores the working batch size.
func (s *Scheduler) Reset() {
	if s.cache != nil {
		s.cache.Clear()
	}
	s.ResetBatchSize()
}

func (s *Scheduler) LoadBatch(ctx context.Context, resources []resource.Descriptor, cfg Config) (*BatchResult, error) {
	return s.Load(ctx, resources, cfg, PolicyInsertion)
}

func (s *Scheduler) LoadBatchWithPriority(ctx context.Context, resources []resource.Descriptor, cfg Config) (*BatchResult, error) {
	return s.Load(ctx, resources, cfg, PolicyPriority)
}

func (s *Scheduler) LoadBatchWithSmartPriority(ctx context.Context, resources []resource.Descriptor, cfg Config) (*BatchResult, error) {
	return s.Load(ctx, resources, cfg, PolicySmart)
}

func (s *Scheduler) LoadBatchWithVisibilityPriority(ctx context.Context, resources []resource.Descriptor, cfg Config) (*BatchResult, error) {
	return s.Load(ctx, resources, cfg, PolicyVisibility)
}

// LoadBatchWithAdaptiveSize sizes batches from the current network sample and
// keeps the computed size as the working batch size.
func (s *Scheduler) LoadBatchWithAdaptiveSize(ctx context.Context, resources []resource.Descriptor, cfg Config) (*BatchResult, error) {
	return s.Load(ctx, resources, cfg, PolicyAdaptive)
}

// Load validates cfg and resources, applies cfg, orders resources by policy
// and runs them to completion. Validation errors are returned before any
// fetch starts; per-item failures are reported in the result.
func (s *Scheduler) Load(ctx context.Context, resources []resource.Descriptor, cfg Config, policy Policy) (*BatchResult, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, &ConfigError{Err: err}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := resource.CheckUnique(resources); err != nil {
		return nil, &ConfigError{Err: err}
	}

	s.mu.Lock()
	s.applyLocked(cfg)
	if policy == PolicyAdaptive {
		s.batchSize = batchsize.Compute(s.sample(), resources, cfg.Bounds)
	}
	size := s.batchSize
	pool := s.pool
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	r := &run{
		s:        s,
		cfg:      cfg,
		policy:   policy,
		batchID:  uuid.NewString(),
		ordered:  Order(policy, resources),
		size:     size,
		sem:      pool,
		events:   newEventQueue(observers, s.logger),
		logger:   s.logger,
		useCache: cfg.CacheEnabled && s.cache != nil,
	}
	if cfg.DispatchRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return r.execute(ctx), nil
}

func (s *Scheduler) sample() netcond.Sample {
	if s.network == nil {
		return netcond.DefaultSample()
	}
	return s.network.Current()
}

// run is the state of one Load call.
type run struct {
	s        *Scheduler
	cfg      Config
	policy   Policy
	batchID  string
	ordered  []resource.Descriptor
	size     int
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	events   *eventQueue
	logger   *slog.Logger
	useCache bool

	results  []LoadResult
	wg       sync.WaitGroup
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (r *run) execute(ctx context.Context) *BatchResult {
	ctx, span := r.s.tracer.Start(ctx, "scheduler.Load", trace.WithAttributes(
		attribute.String("batch_id", r.batchID),
		attribute.String("policy", string(r.policy)),
		attribute.Int("resources", len(r.ordered)),
		attribute.Int("batch_size", r.size),
		attribute.Int("max_concurrent", r.cfg.MaxConcurrentRequests),
	))
	defer span.End()

	started := r.s.clock.Now()
	r.results = make([]LoadResult, len(r.ordered))
	groups := partition(r.ordered, r.size)
	r.logger.Debug("load started", "batch_id", r.batchID, "policy", r.policy, "resources", len(r.ordered), "batch_size", r.size, "batches", len(groups))

	// Fetches outlive cancellation in let-settle mode.
	fetchCtx := ctx
	if r.cfg.Cancel == CancelLetSettle {
		fetchCtx = context.WithoutCancel(ctx)
	}

	idx := 0
dispatch:
	for g, group := range groups {
		for _, d := range group {
			if !r.dispatch(ctx, fetchCtx, idx, d) {
				r.cancelFrom(idx, ctx.Err())
				r.logger.Info("load cancelled", "batch_id", r.batchID, "dispatched", idx, "remaining", len(r.ordered)-idx)
				break dispatch
			}
			idx++
		}
		r.logger.Debug("batch dispatched", "batch_id", r.batchID, "batch", g+1, "of", len(groups))
	}

	r.wg.Wait()
	r.events.close()

	res := &BatchResult{
		BatchID:                r.batchID,
		Policy:                 r.policy,
		Results:                r.results,
		MaxObservedConcurrency: int(r.maxSeen.Load()),
		BatchSize:              r.size,
		Batches:                len(groups),
		Elapsed:                r.s.clock.Since(started),
	}
	failed := res.Count(StatusFailed)
	span.SetAttributes(
		attribute.Int("succeeded", res.Count(StatusSucceeded)),
		attribute.Int("failed", failed),
		attribute.Int("cancelled", res.Count(StatusCancelled)),
		attribute.Int("cache_hits", res.CacheHits()),
		attribute.Int("max_observed_concurrency", res.MaxObservedConcurrency),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d resources failed", failed))
	}
	r.logger.Info("load finished",
		"batch_id", r.batchID,
		"policy", r.policy,
		"succeeded", res.Count(StatusSucceeded),
		"failed", failed,
		"cancelled", res.Count(StatusCancelled),
		"cache_hits", res.CacheHits(),
		"max_concurrency", res.MaxObservedConcurrency,
		"elapsed", res.Elapsed,
	)
	return res
}

// dispatch serves d from cache or hands it to a worker once a slot is held.
// It returns false when ctx ended before d could be dispatched.
func (r *run) dispatch(ctx, fetchCtx context.Context, idx int, d resource.Descriptor) bool {
	if ctx.Err() != nil {
		return false
	}
	if r.useCache {
		if e, ok := r.s.cache.Lookup(d.ID); ok {
			r.results[idx] = LoadResult{ID: d.ID, Status: StatusSucceeded, Bytes: e.SizeBytes, CacheHit: true}
			r.deliver(d, e.Payload)
			return true
		}
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false
		}
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	if ctx.Err() != nil {
		r.sem.Release(1)
		return false
	}
	r.wg.Add(1)
	go r.work(ctx, fetchCtx, idx, d)
	return true
}

func (r *run) cancelFrom(idx int, err error) {
	for i := idx; i < len(r.ordered); i++ {
		r.results[i] = LoadResult{ID: r.ordered[i].ID, Status: StatusCancelled, Err: err}
	}
}

// work runs the retry state machine for one item. It is entered holding a
// slot and always returns with the slot released.
func (r *run) work(ctx, fetchCtx context.Context, idx int, d resource.Descriptor) {
	defer r.wg.Done()
	started := r.s.clock.Now()
	attempt := 1
	for {
		out := r.attempt(ctx, fetchCtx, d, attempt)
		err := out.err
		if err == nil {
			if r.useCache {
				r.s.cache.Put(d.ID, out.payload, out.size)
			}
			r.deliver(d, out.payload)
			r.results[idx] = LoadResult{ID: d.ID, Status: StatusSucceeded, Bytes: out.size, Attempts: attempt, Duration: r.s.clock.Since(started)}
			return
		}
		if !out.willRetry {
			r.logger.Warn("resource failed", "batch_id", r.batchID, "resource_id", d.ID, "attempts", attempt, "error", err)
			r.results[idx] = LoadResult{ID: d.ID, Status: StatusFailed, Attempts: attempt, Err: err, Duration: r.s.clock.Since(started)}
			return
		}
		r.logger.Debug("retrying resource", "batch_id", r.batchID, "resource_id", d.ID, "attempt", attempt, "error", err)
		if rerr := r.reenter(ctx); rerr != nil {
			r.results[idx] = LoadResult{ID: d.ID, Status: StatusFailed, Attempts: attempt, Err: err, Duration: r.s.clock.Since(started)}
			return
		}
		attempt++
	}
}

type attemptOutcome struct {
	payload   []byte
	size      int64
	err       error
	willRetry bool
}

// attempt performs one fetch inside a held slot and releases the slot.
func (r *run) attempt(ctx, fetchCtx context.Context, d resource.Descriptor, attempt int) attemptOutcome {
	n := r.inFlight.Add(1)
	for {
		prev := r.maxSeen.Load()
		if n <= prev || r.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	// Start is queued after the slot is held and complete before it is
	// released, so observers never count more than the cap.
	r.events.emit(Event{Kind: EventStart, BatchID: r.batchID, Resource: d, Attempt: attempt, InFlight: int(n), At: r.s.clock.Now()})

	began := r.s.clock.Now()
	payload, size, err := r.s.fetcher.Fetch(fetchCtx, d)
	elapsed := r.s.clock.Since(began)

	willRetry := err != nil && attempt <= r.cfg.RetryAttempts && transport.Retryable(err) && ctx.Err() == nil
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	left := r.inFlight.Add(-1)
	r.events.emit(Event{
		Kind:      EventComplete,
		BatchID:   r.batchID,
		Resource:  d,
		Attempt:   attempt,
		InFlight:  int(left),
		At:        r.s.clock.Now(),
		Status:    status,
		WillRetry: willRetry,
		Bytes:     size,
		Duration:  elapsed,
		Err:       err,
	})
	r.sem.Release(1)
	return attemptOutcome{payload: payload, size: size, err: err, willRetry: willRetry}
}

// reenter waits out the retry backoff and takes a new slot.
func (r *run) reenter(ctx context.Context) error {
	if b := r.cfg.RetryBackoff; b > 0 {
		t := r.s.clock.Timer(b)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return r.sem.Acquire(ctx, 1)
}

func (r *run) deliver(d resource.Descriptor, payload []byte) {
	if r.s.sink != nil {
		r.s.sink(d, payload)
	}
}
