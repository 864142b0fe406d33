package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/logging"
)

type fakeDrainer struct {
	delay  time.Duration
	called chan struct{}
}

func (d *fakeDrainer) Drain() error {
	close(d.called)
	time.Sleep(d.delay)
	return nil
}

func TestRunDrainsThenStops(t *testing.T) {
	d := &fakeDrainer{called: make(chan struct{})}
	var order []string
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func() error { order = append(order, "start"); return nil },
		OnStop:  func() error { order = append(order, "stop"); return nil },
	}, time.Second, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state %s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-d.called:
	default:
		t.Fatalf("drainer not called")
	}
	if r.State() != StateStopped || strings.Join(order, ",") != "start,stop" {
		t.Fatalf("unexpected end state %s order %v", r.State(), order)
	}
}

func TestDrainTimeout(t *testing.T) {
	d := &fakeDrainer{delay: 200 * time.Millisecond, called: make(chan struct{})}
	r := NewLifecycleRunner(d, Hooks{}, 20*time.Millisecond, nil, logging.Discard())
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestStartFailureAborts(t *testing.T) {
	boom := errors.New("listen failed")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func() error { return boom }}, time.Second, nil, logging.Discard())
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestPrintBannerShowsVersion(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("banner missing version: %q", buf.String())
	}
}
