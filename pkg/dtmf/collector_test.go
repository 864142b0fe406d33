package dtmf

import (
	"sync"
	"testing"
	"time"
)

type completion struct {
	digits string
	reason string
}

type recorder struct {
	mu   sync.Mutex
	done []completion
	ch   chan completion
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan completion, 8)}
}

func (r *recorder) fn(digits, reason string) {
	r.mu.Lock()
	r.done = append(r.done, completion{digits, reason})
	r.mu.Unlock()
	r.ch <- completion{digits, reason}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done)
}

func TestTerminatorCompletesCapture(t *testing.T) {
	rec := newRecorder()
	c := NewCollector(Config{}, rec.fn)
	for _, d := range []string{"1", "2", "x", "3"} {
		c.Press(d)
	}
	if !c.Capturing() {
		t.Fatalf("expected capture in progress")
	}
	c.Press("#")
	got := <-rec.ch
	if got.digits != "123" || got.reason != ReasonTerminator {
		t.Fatalf("unexpected completion %+v", got)
	}
	if c.Capturing() {
		t.Fatalf("capture should have ended")
	}
}

func TestMaxDigitsCompletesCapture(t *testing.T) {
	rec := newRecorder()
	c := NewCollector(Config{MaxDigits: 4}, rec.fn)
	for _, d := range []string{"9", "8", "7", "6"} {
		c.Press(d)
	}
	got := <-rec.ch
	if got.digits != "9876" || got.reason != ReasonMaxLength {
		t.Fatalf("unexpected completion %+v", got)
	}
}

func TestInterDigitTimeout(t *testing.T) {
	rec := newRecorder()
	c := NewCollector(Config{InterDigitTimeout: 30 * time.Millisecond}, rec.fn)
	c.Press("4")
	c.Press("2")
	select {
	case got := <-rec.ch:
		if got.digits != "42" || got.reason != ReasonTimeout {
			t.Fatalf("unexpected completion %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout never completed the capture")
	}
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected exactly one completion, got %d", rec.count())
	}
}

func TestStopSuppressesCallback(t *testing.T) {
	rec := newRecorder()
	c := NewCollector(Config{InterDigitTimeout: 20 * time.Millisecond}, rec.fn)
	c.Press("1")
	c.Stop()
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("stopped collector must not call back")
	}
	if c.Press("2") {
		t.Fatalf("stopped collector accepted a digit")
	}
}

func TestIsEcho(t *testing.T) {
	c := NewCollector(Config{EchoWindow: time.Second}, nil)
	if c.IsEcho("1 2 3") {
		t.Fatalf("no capture yet, nothing to echo")
	}
	c.Press("1")
	c.Press("#")
	if !c.IsEcho("1 2 3") {
		t.Fatalf("digit transcript right after a capture is an echo")
	}
	if c.IsEcho("quiero pagar") {
		t.Fatalf("speech is never an echo")
	}
}
