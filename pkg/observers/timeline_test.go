package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	tagged := metrics.WithTags(obs, map[string]string{"trace_id": "trace-1"})
	metrics.Record(tagged, metrics.EventSessionStart, 1, nil)
	metrics.Record(tagged, metrics.EventAudioIn, 160, nil)
	metrics.Record(tagged, metrics.EventFinalTranscript, 0.4, map[string]string{"strategy": "vad"})
	if obs.Open() != 1 {
		t.Fatalf("expected one open timeline, got %d", obs.Open())
	}
	metrics.Record(tagged, metrics.EventSessionEnd, 1, nil)
	if obs.Open() != 0 {
		t.Fatalf("session end should close the timeline")
	}

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines without audio bytes, got %d: %s", len(lines), b)
	}
	if !strings.Contains(lines[1], `"final_transcript"`) || !strings.Contains(lines[1], `"strategy":"vad"`) {
		t.Fatalf("unexpected line %s", lines[1])
	}
}

func TestTimelineIgnoresUntracedEvents(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	metrics.Record(obs, metrics.EventConfigReload, 1, nil)
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestPurgeArtifactsRemovesOldTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(other, past, past)

	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh timeline removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("non-timeline file removed")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); n != 0 || err != nil {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}
