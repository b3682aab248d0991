package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/assetflux/internal/batchsize"
	"github.com/sheerbytes/assetflux/internal/cache"
	"github.com/sheerbytes/assetflux/internal/netcond"
	"github.com/sheerbytes/assetflux/internal/transport"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func res(id string, priority int, size int64, visible bool) resource.Descriptor {
	return resource.Descriptor{
		ID:        id,
		URL:       "sim://assets/" + id,
		Kind:      resource.KindImage,
		Priority:  priority,
		SizeBytes: size,
		Visible:   visible,
	}
}

// recorder wraps a fetcher and records the order in which fetches begin.
type recorder struct {
	inner transport.Fetcher
	mu    sync.Mutex
	order []resource.Descriptor
}

func (r *recorder) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
	r.mu.Lock()
	r.order = append(r.order, d)
	r.mu.Unlock()
	return r.inner.Fetch(ctx, d)
}

func (r *recorder) Order() []resource.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resource.Descriptor(nil), r.order...)
}

func instant() transport.Fetcher {
	return transport.FetcherFunc(func(_ context.Context, d resource.Descriptor) ([]byte, int64, error) {
		return make([]byte, d.SizeBytes), d.SizeBytes, nil
	})
}

func sequentialConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 1
	cfg.CacheEnabled = false
	return cfg
}

func newScheduler(t *testing.T, f transport.Fetcher, cfg Config, opts Options) *Scheduler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s, err := New(f, cfg, opts)
	require.NoError(t, err)
	return s
}

func TestOrder_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	var list []resource.Descriptor
	for i := 0; i < 60; i++ {
		list = append(list, res(fmt.Sprintf("r%02d", i), rng.IntN(3), int64(rng.IntN(5))*1024, rng.IntN(2) == 0))
	}
	input := append([]resource.Descriptor(nil), list...)

	for _, p := range policies {
		first := Order(p, list)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Order(p, list), "policy %s", p)
		}
	}
	assert.Equal(t, input, list, "Order must not modify its input")
	assert.Equal(t, list, Order(PolicyInsertion, list))
	assert.Equal(t, list, Order(PolicyAdaptive, list))
}

func TestLoadBatch_InsertionOrder(t *testing.T) {
	rec := &recorder{inner: instant()}
	s := newScheduler(t, rec, sequentialConfig(), Options{})

	list := []resource.Descriptor{res("c", 1, 10, false), res("a", 9, 10, true), res("b", 5, 10, false)}
	out, err := s.LoadBatch(context.Background(), list, sequentialConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, out.IDs())
	assert.Equal(t, list, rec.Order())
}

func TestLoadBatchWithPriority_Precedence(t *testing.T) {
	var list []resource.Descriptor
	prios := []int{1, 5, 10}
	for i := 0; i < 60; i++ {
		list = append(list, res(fmt.Sprintf("r%02d", i), prios[i%3], 1024, false))
	}
	rec := &recorder{inner: instant()}
	s := newScheduler(t, rec, sequentialConfig(), Options{})

	out, err := s.LoadBatchWithPriority(context.Background(), list, sequentialConfig())
	require.NoError(t, err)
	require.Len(t, out.Results, 60)

	order := rec.Order()
	require.Len(t, order, 60)
	for i, d := range order {
		switch {
		case i < 20:
			assert.Equal(t, 10, d.Priority, "position %d", i)
		case i < 40:
			assert.Equal(t, 5, d.Priority, "position %d", i)
		default:
			assert.Equal(t, 1, d.Priority, "position %d", i)
		}
	}
	// Ties keep insertion order.
	assert.Equal(t, "r02", order[0].ID)
	assert.Equal(t, "r05", order[1].ID)
	assert.Equal(t, rec.Order()[0].ID, out.Results[0].ID)
}

func TestLoadBatchWithSmartPriority_SizeTieBreak(t *testing.T) {
	var list []resource.Descriptor
	for i := 50; i >= 1; i-- {
		list = append(list, res(fmt.Sprintf("s%02d", i), 3, int64(i)*1024, false))
	}
	rec := &recorder{inner: instant()}
	s := newScheduler(t, rec, sequentialConfig(), Options{})

	_, err := s.LoadBatchWithSmartPriority(context.Background(), list, sequentialConfig())
	require.NoError(t, err)

	order := rec.Order()
	require.Len(t, order, 50)
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1].SizeBytes, order[i].SizeBytes)
	}
}

func TestOrder_SmartPriorityBeatsSize(t *testing.T) {
	list := []resource.Descriptor{
		res("big-high", 5, 1<<20, false),
		res("small-low", 1, 10, false),
		res("unknown-high", 5, 0, false),
		res("small-high", 5, 10, false),
	}
	var ids []string
	for _, d := range Order(PolicySmart, list) {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"unknown-high", "small-high", "big-high", "small-low"}, ids)
}

func TestLoadBatchWithVisibilityPriority(t *testing.T) {
	var list []resource.Descriptor
	for i := 0; i < 20; i++ {
		// Hidden resources get the higher numeric priority on purpose.
		list = append(list, res(fmt.Sprintf("vis%02d", i), 1, 1024, true))
		list = append(list, res(fmt.Sprintf("hid%02d", i), 9, 1024, false))
	}
	rng := rand.New(rand.NewPCG(1, 2))
	rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })

	rec := &recorder{inner: instant()}
	s := newScheduler(t, rec, sequentialConfig(), Options{})
	_, err := s.LoadBatchWithVisibilityPriority(context.Background(), list, sequentialConfig())
	require.NoError(t, err)

	order := rec.Order()
	require.Len(t, order, 40)
	for i, d := range order {
		assert.Equal(t, i < 20, d.Visible, "position %d (%s)", i, d.ID)
	}

	// Each partition keeps its input order.
	var wantVisible []string
	for _, d := range list {
		if d.Visible {
			wantVisible = append(wantVisible, d.ID)
		}
	}
	var gotVisible []string
	for _, d := range order[:20] {
		gotVisible = append(gotVisible, d.ID)
	}
	assert.Equal(t, wantVisible, gotVisible)
}

// capObserver tracks in-flight slots as seen through events.
type capObserver struct {
	mu       sync.Mutex
	inFlight int
	max      int
	starts   int
	complete int
	retries  int
}

func (o *capObserver) OnResourceRequestStart(Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.inFlight++
	if o.inFlight > o.max {
		o.max = o.inFlight
	}
}

func (o *capObserver) OnResourceRequestComplete(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.complete++
	o.inFlight--
	if e.WillRetry {
		o.retries++
	}
}

func TestLoad_ConcurrencyCap(t *testing.T) {
	for _, n := range []int{1, 3, 8, 20} {
		t.Run(fmt.Sprintf("cap=%d", n), func(t *testing.T) {
			sim := transport.NewSimulated(transport.SimulatedOptions{TimeScale: 0.01})
			obs := &capObserver{}
			cfg := DefaultConfig()
			cfg.MaxConcurrentRequests = n
			cfg.BatchSize = 4
			cfg.CacheEnabled = false
			s := newScheduler(t, sim, cfg, Options{Observers: []Observer{obs}})

			var list []resource.Descriptor
			for i := 0; i < n*3+5; i++ {
				list = append(list, res(fmt.Sprintf("r%d", i), i%3, int64(i)*512, i%2 == 0))
			}
			for _, p := range policies {
				out, err := s.Load(context.Background(), list, cfg, p)
				require.NoError(t, err)
				assert.LessOrEqual(t, out.MaxObservedConcurrency, n, "policy %s", p)
				assert.Equal(t, len(list), out.Count(StatusSucceeded))
			}
			assert.LessOrEqual(t, sim.MaxInFlight(), n)
			obs.mu.Lock()
			defer obs.mu.Unlock()
			assert.LessOrEqual(t, obs.max, n)
			assert.Equal(t, obs.starts, obs.complete)
			assert.Equal(t, 0, obs.inFlight)
		})
	}
}

func TestLoad_ConcurrentCallsShareCap(t *testing.T) {
	var cur, peak atomic.Int64
	slow := transport.FetcherFunc(func(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil, d.SizeBytes, nil
	})
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 2
	cfg.BatchSize = 6
	cfg.CacheEnabled = false
	s := newScheduler(t, slow, cfg, Options{})

	var wg sync.WaitGroup
	results := make([]*BatchResult, 3)
	for g := 0; g < 3; g++ {
		var list []resource.Descriptor
		for i := 0; i < 6; i++ {
			list = append(list, res(fmt.Sprintf("g%d-r%d", g, i), 0, 128, false))
		}
		wg.Add(1)
		go func(g int, list []resource.Descriptor) {
			defer wg.Done()
			out, err := s.LoadBatch(context.Background(), list, cfg)
			assert.NoError(t, err)
			results[g] = out
		}(g, list)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	for g, out := range results {
		require.NotNil(t, out, "load %d", g)
		assert.Equal(t, 6, out.Count(StatusSucceeded), "load %d", g)
		assert.LessOrEqual(t, out.MaxObservedConcurrency, 2, "load %d", g)
	}
}

func TestConfigure_ResizesPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 2
	s := newScheduler(t, instant(), cfg, Options{})
	before := s.pool

	cfg.BatchSize = 3
	require.NoError(t, s.Configure(cfg))
	assert.Same(t, before, s.pool)

	cfg.MaxConcurrentRequests = 5
	require.NoError(t, s.Configure(cfg))
	assert.NotSame(t, before, s.pool)
	assert.Equal(t, 5, s.poolSize)
}

func TestLoad_ReachesCapWhenBatchSmallerThanPool(t *testing.T) {
	// Batch boundaries are not barriers: with batch size 2 and a pool of 6
	// slow fetches, more than 2 run at once.
	release := make(chan struct{})
	var started atomic.Int32
	f := transport.FetcherFunc(func(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
		started.Add(1)
		<-release
		return nil, 1, nil
	})
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxConcurrentRequests = 6
	cfg.CacheEnabled = false
	s := newScheduler(t, f, cfg, Options{})

	var list []resource.Descriptor
	for i := 0; i < 12; i++ {
		list = append(list, res(fmt.Sprintf("r%d", i), 0, 1, false))
	}
	done := make(chan *BatchResult)
	go func() {
		out, _ := s.LoadBatch(context.Background(), list, cfg)
		done <- out
	}()
	require.Eventually(t, func() bool { return started.Load() == 6 }, 2*time.Second, time.Millisecond)
	close(release)
	out := <-done
	assert.Equal(t, 6, out.MaxObservedConcurrency)
	assert.Equal(t, 6, out.Batches)
	assert.Equal(t, 12, out.Count(StatusSucceeded))
}

func TestLoad_CacheReuse(t *testing.T) {
	sim := transport.NewSimulated(transport.SimulatedOptions{TimeScale: 0.001})
	c := cache.New(cache.Options{MaxBytes: 64 << 20})
	var sunk atomic.Int32
	cfg := DefaultConfig()
	s := newScheduler(t, sim, cfg, Options{
		Cache: c,
		Sink:  func(resource.Descriptor, []byte) { sunk.Add(1) },
	})

	var list []resource.Descriptor
	for i := 0; i < 50; i++ {
		list = append(list, res(fmt.Sprintf("img%02d", i), i%4, int64(8+i)*1024, true))
	}

	first, err := s.LoadBatch(context.Background(), list, cfg)
	require.NoError(t, err)
	require.Equal(t, 50, first.Count(StatusSucceeded))
	footprint := c.Footprint()
	require.Positive(t, footprint)
	attempts := sim.TotalAttempts()

	second, err := s.LoadBatchWithSmartPriority(context.Background(), list, cfg)
	require.NoError(t, err)
	assert.Equal(t, 50, second.Count(StatusSucceeded))
	assert.Equal(t, 50, second.CacheHits())
	assert.Equal(t, 0, second.MaxObservedConcurrency)
	assert.Equal(t, attempts, sim.TotalAttempts(), "cache hits must not reach transport")

	delta := float64(c.Footprint()-footprint) / float64(footprint)
	assert.Less(t, delta, 0.05)
	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.Equal(t, int32(100), sunk.Load())
}

func TestLoad_CacheDisabledRefetches(t *testing.T) {
	sim := transport.NewSimulated(transport.SimulatedOptions{TimeScale: 0.001})
	c := cache.New(cache.Options{})
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	s := newScheduler(t, sim, cfg, Options{Cache: c})

	list := []resource.Descriptor{res("a", 0, 10, true), res("b", 0, 10, true)}
	for i := 0; i < 2; i++ {
		_, err := s.LoadBatch(context.Background(), list, cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, sim.TotalAttempts())
	assert.Equal(t, 0, c.Len())
}

func TestLoad_PartialFailure(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	failing := make(map[string]bool)
	var list []resource.Descriptor
	for i := 0; i < 100; i++ {
		list = append(list, res(fmt.Sprintf("r%03d", i), rng.IntN(3), int64(rng.IntN(100))*1024, rng.IntN(2) == 0))
	}
	for _, idx := range rng.Perm(100)[:30] {
		failing[list[idx].ID] = true
	}

	sim := transport.NewSimulated(transport.SimulatedOptions{
		TimeScale: 0.001,
		Fail: func(d resource.Descriptor, attempt int) error {
			if failing[d.ID] {
				return errors.New("origin unavailable")
			}
			return nil
		},
	})
	obs := &capObserver{}
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 8
	cfg.RetryAttempts = 2
	s := newScheduler(t, sim, cfg, Options{Observers: []Observer{obs}})

	out, err := s.LoadBatchWithSmartPriority(context.Background(), list, cfg)
	require.NoError(t, err)
	require.Len(t, out.Results, 100)
	assert.Equal(t, 70, out.Count(StatusSucceeded))
	assert.Equal(t, 30, out.Count(StatusFailed))

	seen := make(map[string]bool)
	for _, r := range out.Results {
		assert.False(t, seen[r.ID], "duplicate result %s", r.ID)
		seen[r.ID] = true
		if failing[r.ID] {
			assert.Equal(t, StatusFailed, r.Status)
			assert.Equal(t, 3, r.Attempts)
			var fe *transport.Error
			assert.ErrorAs(t, r.Err, &fe)
		} else {
			assert.Equal(t, StatusSucceeded, r.Status)
			assert.Equal(t, 1, r.Attempts)
		}
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 70+30*3, obs.starts)
	assert.Equal(t, 30*2, obs.retries)
	assert.LessOrEqual(t, out.MaxObservedConcurrency, 8)
}

func TestLoad_RetryRecovers(t *testing.T) {
	sim := transport.NewSimulated(transport.SimulatedOptions{
		TimeScale: 0.001,
		Fail: func(d resource.Descriptor, attempt int) error {
			if attempt <= 2 {
				return errors.New("503")
			}
			return nil
		},
	})
	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBackoff = time.Millisecond
	s := newScheduler(t, sim, cfg, Options{})

	out, err := s.LoadBatch(context.Background(), []resource.Descriptor{res("flaky", 0, 100, true)}, cfg)
	require.NoError(t, err)
	r, ok := out.Result("flaky")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 3, r.Attempts)

	cfg.RetryAttempts = 1
	out, err = s.LoadBatch(context.Background(), []resource.Descriptor{res("flaky2", 0, 100, true)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count(StatusFailed))
	assert.Equal(t, 2, out.Results[0].Attempts)
}

func TestLoad_NonRetryableErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	f := transport.FetcherFunc(func(_ context.Context, d resource.Descriptor) ([]byte, int64, error) {
		calls.Add(1)
		return nil, 0, transport.NewError(d, 404, errors.New("not found"), false)
	})
	cfg := DefaultConfig()
	cfg.RetryAttempts = 5
	s := newScheduler(t, f, cfg, Options{})

	out, err := s.LoadBatch(context.Background(), []resource.Descriptor{res("gone", 0, 1, false)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StatusFailed, out.Results[0].Status)
}

func TestLoadBatchWithAdaptiveSize_EndToEnd(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	var list []resource.Descriptor
	kinds := []resource.Kind{resource.KindImage, resource.KindScript, resource.KindData}
	for i := 0; i < 30; i++ {
		d := res(fmt.Sprintf("mixed%02d", i), i%3, int64(50+rng.IntN(101))*1024, i%2 == 0)
		d.Kind = kinds[i%3]
		list = append(list, d)
	}

	good, err := netcond.Preset("4g")
	require.NoError(t, err)
	adapter := netcond.NewAdapter(nil, netcond.AdapterOptions{Logger: quietLogger()})
	adapter.Publish(good)

	sim := transport.NewSimulated(transport.SimulatedOptions{Network: adapter.Current, TimeScale: 0.01})
	cfg := Config{
		BatchSize:             10,
		MaxConcurrentRequests: 20,
		RetryAttempts:         2,
		CacheEnabled:          true,
		Bounds:                batchsize.DefaultBounds(),
	}
	s := newScheduler(t, sim, cfg, Options{Network: adapter, Cache: cache.New(cache.Options{})})
	require.Equal(t, 10, s.BatchSize())

	out, err := s.LoadBatchWithAdaptiveSize(context.Background(), list, cfg)
	require.NoError(t, err)
	assert.Greater(t, s.BatchSize(), 10)
	assert.Equal(t, s.BatchSize(), out.BatchSize)
	assert.LessOrEqual(t, out.MaxObservedConcurrency, 20)
	assert.Equal(t, 30, out.Count(StatusSucceeded))
	assert.NotEmpty(t, out.BatchID)
	assert.Equal(t, PolicyAdaptive, out.Policy)

	// The adapted size persists across non-adaptive loads with the same seed.
	_, err = s.LoadBatch(context.Background(), list, cfg)
	require.NoError(t, err)
	assert.Greater(t, s.BatchSize(), 10)

	s.ResetBatchSize()
	assert.Equal(t, 10, s.BatchSize())
}

func TestLoadBatchWithAdaptiveSize_PoorNetworkShrinks(t *testing.T) {
	poor, err := netcond.Preset("2g")
	require.NoError(t, err)
	adapter := netcond.NewAdapter(nil, netcond.AdapterOptions{Logger: quietLogger()})
	adapter.Publish(poor)

	cfg := DefaultConfig()
	s := newScheduler(t, instant(), cfg, Options{Network: adapter})
	list := []resource.Descriptor{res("a", 0, 300<<10, true), res("b", 0, 300<<10, true)}
	_, err = s.LoadBatchWithAdaptiveSize(context.Background(), list, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, s.BatchSize())
}

func TestConfigure_ReseedsBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	s := newScheduler(t, instant(), cfg, Options{})
	assert.Equal(t, 10, s.BatchSize())

	cfg.BatchSize = 25
	require.NoError(t, s.Configure(cfg))
	assert.Equal(t, 25, s.BatchSize())

	bad := cfg
	bad.MaxConcurrentRequests = 0
	err := s.Configure(bad)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, cfg, s.Config(), "rejected config must not be applied")
}

func TestConfigValidate_AggregatesViolations(t *testing.T) {
	cfg := Config{
		BatchSize:             0,
		MaxConcurrentRequests: -1,
		RetryAttempts:         -2,
		Bounds:                batchsize.Bounds{Min: 10, Max: 2},
		DispatchRate:          -1,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, batchsize.ErrInvalidBounds)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Violations(), 5)

	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, Config{BatchSize: 1, MaxConcurrentRequests: 1}.Validate(), "zero bounds select defaults")
}

func TestLoad_RejectsBeforeDispatch(t *testing.T) {
	var calls atomic.Int32
	f := transport.FetcherFunc(func(context.Context, resource.Descriptor) ([]byte, int64, error) {
		calls.Add(1)
		return nil, 0, nil
	})
	s := newScheduler(t, f, DefaultConfig(), Options{})

	bad := DefaultConfig()
	bad.MaxConcurrentRequests = 0
	_, err := s.LoadBatch(context.Background(), []resource.Descriptor{res("a", 0, 1, true)}, bad)
	require.ErrorIs(t, err, ErrInvalidConfig)

	dup := []resource.Descriptor{res("a", 0, 1, true), res("a", 1, 2, false)}
	_, err = s.LoadBatchWithPriority(context.Background(), dup, DefaultConfig())
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorIs(t, err, resource.ErrDuplicateID)

	_, err = s.Load(context.Background(), nil, DefaultConfig(), Policy("random"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, int32(0), calls.Load())

	_, err = New(nil, DefaultConfig(), Options{})
	assert.Error(t, err)
	_, err = New(instant(), Config{}, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_EmptySet(t *testing.T) {
	s := newScheduler(t, instant(), DefaultConfig(), Options{})
	out, err := s.LoadBatch(context.Background(), nil, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.Equal(t, 0, out.MaxObservedConcurrency)
}

// gate blocks every fetch until released, honouring ctx.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 100), release: make(chan struct{})}
}

func (g *gate) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
	g.started <- d.ID
	select {
	case <-g.release:
		return []byte("ok"), 2, nil
	case <-ctx.Done():
		return nil, 0, transport.NewError(d, 0, ctx.Err(), false)
	}
}

func runCancelled(t *testing.T, mode CancelMode) *BatchResult {
	t.Helper()
	g := newGate()
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 2
	cfg.CacheEnabled = false
	cfg.Cancel = mode
	s := newScheduler(t, g, cfg, Options{})

	var list []resource.Descriptor
	for i := 0; i < 10; i++ {
		list = append(list, res(fmt.Sprintf("r%d", i), 0, 2, true))
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *BatchResult)
	go func() {
		out, err := s.LoadBatch(ctx, list, cfg)
		assert.NoError(t, err)
		done <- out
	}()
	<-g.started
	<-g.started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(g.release)

	select {
	case out := <-done:
		require.Len(t, out.Results, 10)
		for i, r := range out.Results {
			assert.Equal(t, fmt.Sprintf("r%d", i), r.ID)
		}
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("load did not return after cancellation")
		return nil
	}
}

func TestLoad_CancelLetSettle(t *testing.T) {
	out := runCancelled(t, CancelLetSettle)
	assert.Equal(t, 2, out.Count(StatusSucceeded))
	assert.Equal(t, 8, out.Count(StatusCancelled))
	for _, r := range out.Results[2:] {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestLoad_CancelAbort(t *testing.T) {
	out := runCancelled(t, CancelAbort)
	assert.Equal(t, 2, out.Count(StatusFailed))
	assert.Equal(t, 8, out.Count(StatusCancelled))
	assert.ErrorIs(t, out.Results[0].Err, context.Canceled)
}

func TestLoad_AlreadyCancelled(t *testing.T) {
	s := newScheduler(t, instant(), DefaultConfig(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.LoadBatch(ctx, []resource.Descriptor{res("a", 0, 1, true), res("b", 0, 1, true)}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count(StatusCancelled))
}

func TestLoad_ObserversDrainedBeforeReturn(t *testing.T) {
	var events []Event
	var mu sync.Mutex
	obs := ObserverFuncs{
		Start: func(e Event) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
		Complete: func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	}
	panicky := ObserverFuncs{Start: func(Event) { panic("observer bug") }}

	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	s := newScheduler(t, instant(), cfg, Options{Observers: []Observer{panicky, obs}})
	var list []resource.Descriptor
	for i := 0; i < 20; i++ {
		list = append(list, res(fmt.Sprintf("r%d", i), 0, 10, true))
	}
	out, err := s.LoadBatch(context.Background(), list, cfg)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 40)
	for _, e := range events {
		assert.Equal(t, out.BatchID, e.BatchID)
		if e.Kind == EventComplete {
			assert.Equal(t, StatusSucceeded, e.Status)
			assert.Equal(t, int64(10), e.Bytes)
		}
	}
}

func TestLoad_DispatchRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DispatchRate = 200
	cfg.CacheEnabled = false
	s := newScheduler(t, instant(), cfg, Options{})
	var list []resource.Descriptor
	for i := 0; i < 11; i++ {
		list = append(list, res(fmt.Sprintf("r%d", i), 0, 1, true))
	}
	start := time.Now()
	out, err := s.LoadBatch(context.Background(), list, cfg)
	require.NoError(t, err)
	assert.Equal(t, 11, out.Count(StatusSucceeded))
	// Ten waits of 5ms after the initial token.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestReset(t *testing.T) {
	c := cache.New(cache.Options{})
	cfg := DefaultConfig()
	s := newScheduler(t, instant(), cfg, Options{Cache: c})

	_, err := s.LoadBatchWithAdaptiveSize(context.Background(), []resource.Descriptor{res("a", 0, 10, true)}, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	s.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, cfg.BatchSize, s.BatchSize())
	assert.Equal(t, 0, s.CleanupCache())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Smart ")
	require.NoError(t, err)
	assert.Equal(t, PolicySmart, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyInsertion, p)
	_, err = ParsePolicy("fifo")
	assert.Error(t, err)

	m, err := ParseCancelMode("abort")
	require.NoError(t, err)
	assert.Equal(t, CancelAbort, m)
	_, err = ParseCancelMode("never")
	assert.Error(t, err)
}
