// Package progress turns scheduler events into live progress views, a
// terminal dashboard and an end-of-run summary.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sheerbytes/assetflux/internal/scheduler"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

// View is what the dashboard renders.
type View struct {
	Title      string
	Policy     scheduler.Policy
	Total      int
	Done       int
	Failed     int
	Retries    int
	InFlight   int
	PeakFlight int
	Limit      int
	BatchSize  int
	Active     []string
	Rate       Rate
	Elapsed    time.Duration
	Network    string
	Finished   bool
}

// Tracker is a scheduler.Observer that maintains a View.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	meter   *Meter
	view    View
	active  map[string]time.Time
	network func() string
}

// NewTracker prepares a tracker for one load of resources.
func NewTracker(title string, resources []resource.Descriptor, cfg scheduler.Config, c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	t := &Tracker{
		clock:  c,
		meter:  NewMeter(c),
		active: make(map[string]time.Time),
		view: View{
			Title:     title,
			Total:     len(resources),
			Limit:     cfg.MaxConcurrentRequests,
			BatchSize: cfg.BatchSize,
		},
	}
	t.meter.Start(resource.TotalBytes(resources))
	return t
}

// SetNetwork installs a function describing current network conditions.
func (t *Tracker) SetNetwork(fn func() string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.network = fn
}

func (t *Tracker) OnResourceRequestStart(e scheduler.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[e.Resource.ID] = e.At
	t.view.InFlight = len(t.active)
	if t.view.InFlight > t.view.PeakFlight {
		t.view.PeakFlight = t.view.InFlight
	}
}

func (t *Tracker) OnResourceRequestComplete(e scheduler.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, e.Resource.ID)
	t.view.InFlight = len(t.active)
	switch {
	case e.WillRetry:
		t.view.Retries++
	case e.Status == scheduler.StatusSucceeded:
		t.view.Done++
		t.meter.Add(e.Bytes)
	default:
		t.view.Failed++
	}
}

// Finish folds in the final result, including cache hits and cancellations
// that never produced events.
func (t *Tracker) Finish(r *scheduler.BatchResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, res := range r.Results {
		if res.CacheHit {
			t.view.Done++
			t.meter.Skip(res.Bytes)
		}
	}
	t.view.Policy = r.Policy
	t.view.BatchSize = r.BatchSize
	t.view.Finished = true
	t.view.Elapsed = r.Elapsed
}

// Snapshot returns the current view with Active sorted by start time.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view
	v.Rate = t.meter.Snapshot()
	if !v.Finished {
		v.Elapsed = t.clock.Since(v.Rate.StartedAt)
	}
	if t.network != nil {
		v.Network = t.network()
	}
	v.Active = make([]string, 0, len(t.active))
	for id := range t.active {
		v.Active = append(v.Active, id)
	}
	sort.Slice(v.Active, func(i, j int) bool {
		ti, tj := t.active[v.Active[i]], t.active[v.Active[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return v.Active[i] < v.Active[j]
	})
	return v
}
