package netcond

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StaticProbe always reports the same sample.
type StaticProbe struct {
	S Sample
}

func (p StaticProbe) Sample(context.Context) (Sample, error) {
	return p.S, nil
}

// UnavailableProbe always fails; the adapter degrades to its default.
type UnavailableProbe struct{}

func (UnavailableProbe) Sample(context.Context) (Sample, error) {
	return Sample{}, ErrProbeUnavailable
}

// Preset returns a representative sample for a connection type name.
func Preset(name string) (Sample, error) {
	switch ConnectionType(strings.ToLower(strings.TrimSpace(name))) {
	case ConnSlow2G:
		return Sample{ConnectionType: ConnSlow2G, DownlinkMbps: 0.04, RTTMs: 2000}.Normalize(), nil
	case Conn2G:
		return Sample{ConnectionType: Conn2G, DownlinkMbps: 0.25, RTTMs: 1400}.Normalize(), nil
	case Conn3G:
		return DefaultSample(), nil
	case Conn4G:
		return Sample{ConnectionType: Conn4G, DownlinkMbps: 20, RTTMs: 50}.Normalize(), nil
	default:
		return Sample{}, fmt.Errorf("netcond: unknown preset %q", name)
	}
}

// ThroughputProbe derives samples from observed transfers: an EWMA of
// per-fetch throughput for the downlink and an EWMA of small-transfer
// durations for the round-trip time.
type ThroughputProbe struct {
	mu       sync.Mutex
	alpha    float64
	clock    clock.Clock
	downlink float64 // Mbps
	rttMs    float64
	samples  int
	lastAt   time.Time
}

// latencyBoundBytes is the payload size under which a fetch duration is
// treated as a round-trip measurement.
const latencyBoundBytes = 16 * 1024

// NewThroughputProbe returns a probe with smoothing factor 0.2.
func NewThroughputProbe(clk clock.Clock) *ThroughputProbe {
	if clk == nil {
		clk = clock.New()
	}
	return &ThroughputProbe{alpha: 0.2, clock: clk}
}

// Observe records one completed transfer.
func (p *ThroughputProbe) Observe(bytes int64, d time.Duration) {
	if bytes <= 0 || d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst := float64(bytes) * 8 / d.Seconds() / 1e6
	if p.samples == 0 {
		p.downlink = inst
	} else {
		p.downlink = p.alpha*inst + (1-p.alpha)*p.downlink
	}
	if bytes <= latencyBoundBytes {
		ms := float64(d) / float64(time.Millisecond)
		if p.rttMs == 0 {
			p.rttMs = ms
		} else {
			p.rttMs = p.alpha*ms + (1-p.alpha)*p.rttMs
		}
	}
	p.samples++
	p.lastAt = p.clock.Now()
}

// Downlink returns the smoothed downlink estimate and whether one exists.
func (p *ThroughputProbe) Downlink() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downlink, p.samples > 0
}

func (p *ThroughputProbe) Sample(context.Context) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		return Sample{}, ErrProbeUnavailable
	}
	rtt := p.rttMs
	if rtt == 0 {
		rtt = DefaultSample().RTTMs
	}
	return Sample{
		ConnectionType: TypeForDownlink(p.downlink),
		DownlinkMbps:   p.downlink,
		RTTMs:          rtt,
		ObservedAt:     p.lastAt,
	}.Normalize(), nil
}
