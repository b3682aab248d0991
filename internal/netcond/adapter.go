package netcond

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Probe produces network samples on demand.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Sample, error)

func (f ProbeFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Interval time.Duration // poll period for Start (default 5s)
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Adapter holds the latest sample. Reads are lock-free; publishes are atomic.
type Adapter struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger
	clock    clock.Clock

	latest atomic.Pointer[Sample]

	subMu  sync.Mutex
	subs   map[int]chan Sample
	nextID int

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter wraps probe. probe may be nil for push-only adapters.
func NewAdapter(probe Probe, opts AdapterOptions) *Adapter {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Adapter{
		probe:    probe,
		interval: opts.Interval,
		logger:   opts.Logger,
		clock:    opts.Clock,
		subs:     make(map[int]chan Sample),
	}
}

// Current returns the latest sample, or DefaultSample when none was published.
func (a *Adapter) Current() Sample {
	if s := a.latest.Load(); s != nil {
		return *s
	}
	return DefaultSample()
}

// HasSample reports whether anything has been published yet.
func (a *Adapter) HasSample() bool {
	return a.latest.Load() != nil
}

// Publish normalizes s, stores it and fans it out to subscribers.
func (a *Adapter) Publish(s Sample) {
	s = s.Normalize()
	if s.ObservedAt.IsZero() {
		s.ObservedAt = a.clock.Now()
	}
	prev := a.latest.Swap(&s)
	if prev != nil && sameConditions(*prev, s) {
		return
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- s:
		default:
			// Replace the stale pending sample so the newest one wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving every changed sample and a function
// that unsubscribes and closes the channel.
func (a *Adapter) Subscribe() (<-chan Sample, func()) {
	ch := make(chan Sample, 1)
	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
			close(ch)
		})
	}
}

// OnChange runs fn on its own goroutine for every changed sample until the
// returned function is called.
func (a *Adapter) OnChange(fn func(Sample)) func() {
	ch, cancel := a.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range ch {
			fn(s)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Refresh polls the probe once. A failing or missing probe keeps the previous
// sample (or the default) and is only logged.
func (a *Adapter) Refresh(ctx context.Context) Sample {
	if a.probe == nil {
		return a.Current()
	}
	s, err := a.probe.Sample(ctx)
	if err != nil {
		a.logger.Warn("network probe unavailable, keeping last sample", "error", err, "sample", a.Current().String())
		return a.Current()
	}
	a.Publish(s)
	return a.Current()
}

// Start polls the probe every interval until ctx is done or Stop is called.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)

	a.Refresh(ctx)
	ticker := a.clock.Ticker(a.interval)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Refresh(ctx)
			}
		}
	}()
}

// Stop ends polling started by Start.
func (a *Adapter) Stop() {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func sameConditions(a, b Sample) bool {
	return a.ConnectionType == b.ConnectionType &&
		a.DownlinkMbps == b.DownlinkMbps &&
		a.RTTMs == b.RTTMs &&
		a.EffectiveBandwidth == b.EffectiveBandwidth
}
