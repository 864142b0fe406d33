package turn

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/logging"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(event StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func speechFrame() []byte {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*400*float64(i)/audio.SampleRate))
	}
	out := make([]byte, len(samples))
	audio.EncodeMulaw(out, samples)
	return out
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine()
	err := sm.Transition(StateSpeaking, "test")
	if err == nil {
		t.Fatalf("expected IDLE -> SPEAKING to be rejected")
	}
	if _, ok := err.(*InvalidTransitionError); !ok {
		t.Fatalf("unexpected error type %T", err)
	}
	if sm.State() != StateIdle {
		t.Fatalf("state changed on rejected transition")
	}
}

func TestManagerTurnCycle(t *testing.T) {
	m := NewManager(BargeInConfig{}, logging.Discard())
	listener := &captureListener{}
	m.AddListener(listener)

	m.OnUserSpeech()
	m.OnUserTurn("final transcript")
	m.OnAgentSpeechStart()
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
	m.OnAgentSpeechEnd("playback completed")
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", m.State())
	}
	if listener.Count() != 4 {
		t.Fatalf("expected 4 transitions, got %d", listener.Count())
	}
}

func TestBargeInDisabledIgnoresSpeech(t *testing.T) {
	m := NewManager(BargeInConfig{MinSpeech: 40 * time.Millisecond}, logging.Discard())
	m.OnUserTurn("greeting")
	m.OnAgentSpeechStart()
	for i := 0; i < 20; i++ {
		if m.OnAudioWhileSpeaking(speechFrame()) {
			t.Fatalf("barge-in must stay off when disabled")
		}
	}
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
}

func TestBargeInAfterSustainedSpeech(t *testing.T) {
	m := NewManager(BargeInConfig{Enabled: true, MinSpeech: 60 * time.Millisecond}, logging.Discard())
	m.OnUserTurn("greeting")
	m.OnAgentSpeechStart()

	silence := audio.Silence(160)
	for i := 0; i < 10; i++ {
		if m.OnAudioWhileSpeaking(silence) {
			t.Fatalf("silence must not barge in")
		}
	}
	triggered := 0
	for i := 0; i < 30 && triggered == 0; i++ {
		if m.OnAudioWhileSpeaking(speechFrame()) {
			triggered++
		}
	}
	if triggered != 1 {
		t.Fatalf("expected a barge-in from sustained speech")
	}
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", m.State())
	}
	if m.OnAudioWhileSpeaking(speechFrame()) {
		t.Fatalf("no barge-in once playback was interrupted")
	}
}
