package scheduler

import (
	"log/slog"
	"time"

	"github.com/sheerbytes/assetflux/pkg/resource"
)

type EventKind int

const (
	EventStart EventKind = iota
	EventComplete
)

func (k EventKind) String() string {
	if k == EventComplete {
		return "complete"
	}
	return "start"
}

// Event describes one attempt occupying or leaving a pool slot.
type Event struct {
	Kind     EventKind
	BatchID  string
	Resource resource.Descriptor
	Attempt  int
	// InFlight is the number of occupied slots including this attempt for
	// start events and excluding it for complete events.
	InFlight int
	At       time.Time

	// Set on complete events only.
	Status    Status
	WillRetry bool
	Bytes     int64
	Duration  time.Duration
	Err       error
}

// Observer receives events on a dedicated goroutine, in emission order.
// Implementations must not call back into the Scheduler synchronously
// expecting the current load to make progress.
type Observer interface {
	OnResourceRequestStart(Event)
	OnResourceRequestComplete(Event)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start    func(Event)
	Complete func(Event)
}

func (o ObserverFuncs) OnResourceRequestStart(e Event) {
	if o.Start != nil {
		o.Start(e)
	}
}

func (o ObserverFuncs) OnResourceRequestComplete(e Event) {
	if o.Complete != nil {
		o.Complete(e)
	}
}

const eventQueueSize = 256

// eventQueue fans events out to observers from its own goroutine so
// observers never run inside the scheduler's dispatch path.
type eventQueue struct {
	ch        chan Event
	done      chan struct{}
	observers []Observer
	logger    *slog.Logger
}

func newEventQueue(observers []Observer, logger *slog.Logger) *eventQueue {
	if len(observers) == 0 {
		return nil
	}
	q := &eventQueue{
		ch:        make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
		observers: observers,
		logger:    logger,
	}
	go q.run()
	return q
}

func (q *eventQueue) emit(e Event) {
	if q == nil {
		return
	}
	q.ch <- e
}

// close stops accepting events and waits until every queued event has been
// delivered.
func (q *eventQueue) close() {
	if q == nil {
		return
	}
	close(q.ch)
	<-q.done
}

func (q *eventQueue) run() {
	defer close(q.done)
	for e := range q.ch {
		for _, o := range q.observers {
			q.deliver(o, e)
		}
	}
}

func (q *eventQueue) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("observer panicked", "event", e.Kind.String(), "resource_id", e.Resource.ID, "panic", r)
		}
	}()
	if e.Kind == EventStart {
		o.OnResourceRequestStart(e)
		return
	}
	o.OnResourceRequestComplete(e)
}
