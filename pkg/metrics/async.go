package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// AsyncObserver hands events to inner on its own goroutine so audio and
// protocol paths never wait on Prometheus or timeline writes. A full queue
// drops the event; the drop count is reported to inner as
// EventObserverDropped once the queue moves again.
type AsyncObserver struct {
	inner   Observer
	queue   chan MetricsEvent
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		queue: make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped is the total number of events lost to a full queue.
func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and returns once the queued ones reached
// inner.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	var reported int64
	for ev := range a.queue {
		a.inner.RecordEvent(ev)
		if n := a.dropped.Load(); n > reported {
			a.inner.RecordEvent(MetricsEvent{Name: EventObserverDropped, Time: time.Now(), Value: float64(n - reported)})
			reported = n
		}
	}
}
