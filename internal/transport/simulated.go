package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sheerbytes/assetflux/internal/netcond"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

// DefaultSimulatedPayloadBytes caps the payload a Simulated fetcher
// materializes; larger resources are accounted but not allocated.
const DefaultSimulatedPayloadBytes = 1 << 20

// SimulatedOptions configures a Simulated fetcher.
type SimulatedOptions struct {
	// Network supplies the sample that drives latency. Nil means
	// netcond.DefaultSample.
	Network func() netcond.Sample
	// TimeScale multiplies every computed latency. Zero means 1.
	TimeScale float64
	// Fail decides whether attempt (1-based) of d fails.
	Fail            func(d resource.Descriptor, attempt int) error
	MaxPayloadBytes int64
	Clock           clock.Clock
}

// Simulated fakes a fetch with latency RTT + size/bandwidth under the
// current network sample. It is deterministic apart from scheduling.
type Simulated struct {
	opts     SimulatedOptions
	mu       sync.Mutex
	attempts map[string]int
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.Network == nil {
		opts.Network = netcond.DefaultSample
	}
	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultSimulatedPayloadBytes
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Simulated{opts: opts, attempts: make(map[string]int)}
}

// Latency returns the simulated duration of fetching d under s.
func Latency(s netcond.Sample, d resource.Descriptor) time.Duration {
	s = s.Normalize()
	ms := s.RTTMs
	if bw := s.EffectiveBandwidth; bw > 0 && d.SizeBytes > 0 {
		ms += float64(d.SizeBytes*8) / (bw * 1e6) * 1000
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (f *Simulated) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}

	f.mu.Lock()
	f.attempts[d.ID]++
	attempt := f.attempts[d.ID]
	f.mu.Unlock()

	wait := time.Duration(float64(Latency(f.opts.Network(), d)) * f.opts.TimeScale)
	if wait > 0 {
		t := f.opts.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, 0, NewError(d, 0, ctx.Err(), false)
		case <-t.C:
		}
	}

	if f.opts.Fail != nil {
		if err := f.opts.Fail(d, attempt); err != nil {
			return nil, 0, NewError(d, 0, err, true)
		}
	}

	var payload []byte
	if d.SizeBytes <= f.opts.MaxPayloadBytes {
		payload = make([]byte, d.SizeBytes)
		for i := range payload {
			payload[i] = byte(i)
		}
	}
	return payload, d.SizeBytes, nil
}

// Attempts returns how many times id has been fetched.
func (f *Simulated) Attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

// TotalAttempts returns the number of Fetch calls so far.
func (f *Simulated) TotalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

// MaxInFlight is the highest number of concurrent Fetch calls observed.
func (f *Simulated) MaxInFlight() int {
	return int(f.maxSeen.Load())
}
