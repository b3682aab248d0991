package progress

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Rate is a point-in-time view of a Meter.
type Rate struct {
	Done      int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter counts bytes and keeps an exponentially smoothed rate.
type Meter struct {
	mu        sync.Mutex
	clock     clock.Clock
	alpha     float64
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
}

func NewMeter(c clock.Clock) *Meter {
	if c == nil {
		c = clock.New()
	}
	return &Meter{clock: c, alpha: 0.2}
}

// Start resets the meter for a run of total bytes.
func (m *Meter) Start(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.done = 0
	m.startedAt = m.clock.Now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add records n completed bytes and updates the smoothed rate.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.done += n
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Skip records n bytes that did not cross the network, such as cache hits.
// They count toward completion but not toward the rate.
func (m *Meter) Skip(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.lastDone += n
}

func (m *Meter) Snapshot() Rate {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Rate{Done: m.done, Total: m.total, RateBps: m.rateBps, StartedAt: m.startedAt}
	if m.total > 0 {
		r.Percent = float64(m.done) / float64(m.total) * 100
		if r.Percent > 100 {
			r.Percent = 100
		}
	}
	if m.rateBps > 0 && m.total > m.done {
		r.ETA = time.Duration(float64(m.total-m.done) / m.rateBps * float64(time.Second))
	}
	return r
}
