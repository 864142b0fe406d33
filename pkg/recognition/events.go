package recognition

import (
	"sync"
	"sync/atomic"
	"time"
)

// Transcript is the payload of every transcript event.
type Transcript struct {
	Text       string
	Confidence float64
	// Turn identifies the recognition turn that produced the event.
	Turn uint64
	// Elapsed is the time since the first audio of the turn.
	Elapsed time.Duration
}

// Listener receives recognition events. Calls are delivered in order from a
// single goroutine per strategy, never while strategy locks are held.
type Listener interface {
	OnPartial(t Transcript)
	OnSegment(t Transcript)
	OnFinal(t Transcript)
	OnError(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Partial func(Transcript)
	Segment func(Transcript)
	Final   func(Transcript)
	Error   func(error)
}

func (l ListenerFuncs) OnPartial(t Transcript) {
	if l.Partial != nil {
		l.Partial(t)
	}
}

func (l ListenerFuncs) OnSegment(t Transcript) {
	if l.Segment != nil {
		l.Segment(t)
	}
}

func (l ListenerFuncs) OnFinal(t Transcript) {
	if l.Final != nil {
		l.Final(t)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

type eventKind int

const (
	eventPartial eventKind = iota
	eventSegment
	eventFinal
	eventError
)

type event struct {
	kind       eventKind
	epoch      uint64
	transcript Transcript
	err        error
}

// dispatcher delivers events in enqueue order. Events from an epoch older
// than the current one are dropped at delivery time.
type dispatcher struct {
	listener Listener
	epoch    *atomic.Uint64

	mu     sync.Mutex
	queue  []event
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newDispatcher(listener Listener, epoch *atomic.Uint64) *dispatcher {
	if listener == nil {
		listener = ListenerFuncs{}
	}
	d := &dispatcher{
		listener: listener,
		epoch:    epoch,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(ev event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			if ev.epoch != d.epoch.Load() {
				continue
			}
			switch ev.kind {
			case eventPartial:
				d.listener.OnPartial(ev.transcript)
			case eventSegment:
				d.listener.OnSegment(ev.transcript)
			case eventFinal:
				d.listener.OnFinal(ev.transcript)
			case eventError:
				d.listener.OnError(ev.err)
			}
		}
	}
}

// close delivers what is queued and stops the goroutine. It must not be
// called from a listener callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
	<-d.done
}
