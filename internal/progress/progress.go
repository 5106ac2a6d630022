// Package progress aggregates byte and completion events from the many
// goroutines of an operation and hands them to a single observer, so the
// presentation side never needs its own locking.
package progress

import (
	"sync"
	"sync/atomic"
)

// Sink receives progress from pipeline stages. Report carries the number
// of bytes advanced this call and whether a work unit (chunk) finished
// with it; Status carries a user-visible message. Implementations must be
// safe for concurrent use.
type Sink interface {
	Report(bytes int64, finished bool)
	Status(msg string)
}

// Snapshot is a point-in-time view of an Aggregator.
type Snapshot struct {
	Bytes      int64
	Finished   int64
	LastStatus string
}

// Aggregator is the standard Sink: it counts atomically on the caller's
// goroutine and notifies the observer from one dedicated goroutine, the
// dispatcher hop. It is not a synchronization point for engine state.
type Aggregator struct {
	bytes    atomic.Int64
	finished atomic.Int64

	mu         sync.Mutex
	lastStatus string

	observer func(Snapshot)
	wake     chan struct{}
	statusCh chan string
	done     chan struct{}
	closed   sync.Once
}

// NewAggregator starts the observer goroutine. A nil observer is allowed;
// the aggregator then only keeps totals for Snapshot.
func NewAggregator(observer func(Snapshot)) *Aggregator {
	a := &Aggregator{
		observer: observer,
		wake:     make(chan struct{}, 1),
		statusCh: make(chan string, 16),
		done:     make(chan struct{}),
	}
	go a.dispatch()
	return a
}

func (a *Aggregator) Report(bytes int64, finished bool) {
	if bytes != 0 {
		a.bytes.Add(bytes)
	}
	if finished {
		a.finished.Add(1)
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) Status(msg string) {
	a.mu.Lock()
	a.lastStatus = msg
	a.mu.Unlock()
	select {
	case a.statusCh <- msg:
	case <-a.done:
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	last := a.lastStatus
	a.mu.Unlock()
	return Snapshot{
		Bytes:      a.bytes.Load(),
		Finished:   a.finished.Load(),
		LastStatus: last,
	}
}

// Close stops the dispatcher. The observer receives one final snapshot
// with the terminal totals; notifications still queued are not each
// delivered.
func (a *Aggregator) Close() {
	a.closed.Do(func() { close(a.done) })
}

func (a *Aggregator) dispatch() {
	for {
		select {
		case <-a.wake:
			if a.observer != nil {
				a.observer(a.Snapshot())
			}
		case <-a.statusCh:
			if a.observer != nil {
				a.observer(a.Snapshot())
			}
		case <-a.done:
			// Final flush so the observer sees the terminal totals.
			if a.observer != nil {
				a.observer(a.Snapshot())
			}
			return
		}
	}
}

// Discard is a Sink that drops everything. Useful for stages whose
// byte totals must not be double-counted in the operation's sum.
type Discard struct{}

func (Discard) Report(int64, bool) {}
func (Discard) Status(string) {}
