package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserverMapsEvents(t *testing.T) {
	m := NewMetrics(nil)
	Record(m, EventSessionStart, 1, nil)
	Record(m, EventSessionStart, 1, nil)
	Record(m, EventSessionEnd, 1, nil)
	Record(m, EventFinalTranscript, 1.5, map[string]string{"strategy": "vad", "empty": "false"})
	Record(m, EventAudioIn, 320, nil)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.FinalTranscripts.WithLabelValues("vad", "false")); got != 1 {
		t.Fatalf("expected one final, got %v", got)
	}
	if got := testutil.ToFloat64(m.AudioBytes.WithLabelValues("in")); got != 320 {
		t.Fatalf("expected 320 bytes, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voxbridge_sessions_total 2") {
		t.Fatalf("exposition missing sessions_total:\n%s", body)
	}
}

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 5; i++ {
		Record(a, EventBotTurn, 0, nil)
	}
	a.Close()
	if mem.Count(EventBotTurn) != 5 {
		t.Fatalf("expected 5 drained events, got %d", mem.Count(EventBotTurn))
	}
	Record(a, EventBotTurn, 0, nil)
	if mem.Count(EventBotTurn) != 5 {
		t.Fatalf("closed observer must drop events")
	}
}

func TestSamplingAndMulti(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5)
	for i := 0; i < 10; i++ {
		s.RecordEvent(MetricsEvent{Name: "x"})
	}
	if mem.Count("x") != 5 {
		t.Fatalf("expected every second event, got %d", mem.Count("x"))
	}
	other := NewMemoryObserver()
	MultiObserver{mem, nil, other}.RecordEvent(MetricsEvent{Name: "y"})
	if mem.Count("y") != 1 || other.Count("y") != 1 {
		t.Fatalf("multi observer did not fan out")
	}
	Record(nil, "z", 1, nil)
}

func TestWithTagsMergesWithoutOverriding(t *testing.T) {
	mem := NewMemoryObserver()
	obs := WithTags(mem, map[string]string{"trace_id": "t-1", "reason": "base"})
	Record(obs, EventAudioDropped, 1, map[string]string{"reason": "session_state"})
	events := mem.Snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Tags["trace_id"] != "t-1" || events[0].Tags["reason"] != "session_state" {
		t.Fatalf("unexpected tags %v", events[0].Tags)
	}
	if _, ok := WithTags(nil, nil).(NoopObserver); !ok {
		t.Fatalf("nil inner must yield a noop observer")
	}
}

type gatedObserver struct {
	started chan struct{}
	release chan struct{}
	once    bool
	mem     *MemoryObserver
}

func (g *gatedObserver) RecordEvent(ev MetricsEvent) {
	if !g.once {
		g.once = true
		close(g.started)
		<-g.release
	}
	g.mem.RecordEvent(ev)
}

func TestAsyncObserverReportsDrops(t *testing.T) {
	g := &gatedObserver{started: make(chan struct{}), release: make(chan struct{}), mem: NewMemoryObserver()}
	a := NewAsyncObserver(g, 1)
	Record(a, EventBotTurn, 0, nil)
	<-g.started
	Record(a, EventBotTurn, 0, nil)
	Record(a, EventBotTurn, 0, nil)
	Record(a, EventBotTurn, 0, nil)
	close(g.release)
	a.Close()

	if a.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", a.Dropped())
	}
	var reported float64
	for _, ev := range g.mem.Snapshot() {
		if ev.Name == EventObserverDropped {
			reported += ev.Value
		}
	}
	if reported != 2 {
		t.Fatalf("expected drops reported downstream, got %v", reported)
	}
}
