package turn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/vad"
)

// Manager tracks whose turn it is in one call and decides barge-in.
type Manager struct {
	sm     *stateMachine
	cfg    BargeInConfig
	logger *slog.Logger

	mu       sync.Mutex
	detector *vad.Detector
	speech   time.Duration
}

func NewManager(cfg BargeInConfig, logger *slog.Logger) *Manager {
	d := DefaultBargeInConfig()
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = d.MinSpeech
	}
	if cfg.Detector == (vad.Config{}) {
		cfg.Detector = d.Detector
	}
	return &Manager{
		sm:       newStateMachine(),
		cfg:      cfg,
		detector: vad.New(cfg.Detector),
		logger:   logging.NewComponentLogger(logger, "turn"),
	}
}

func (m *Manager) State() State { return m.sm.State() }

func (m *Manager) BargeInEnabled() bool { return m.cfg.Enabled }

// AddListener registers a listener for state change events.
func (m *Manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}

// OnUserSpeech marks the start of caller audio for a new turn.
func (m *Manager) OnUserSpeech() {
	if m.sm.State() == StateIdle {
		m.transition(StateListening, "user audio")
	}
}

// OnUserTurn marks a finished utterance handed to the bot.
func (m *Manager) OnUserTurn(reason string) {
	if m.sm.State() == StateThinking {
		return
	}
	if m.sm.State() == StateSpeaking {
		m.transition(StateListening, reason)
	}
	m.transition(StateThinking, reason)
}

// OnAgentSpeechStart marks reply audio going out.
func (m *Manager) OnAgentSpeechStart() {
	m.mu.Lock()
	m.detector.Reset()
	m.speech = 0
	m.mu.Unlock()
	if m.sm.State() == StateListening {
		m.transition(StateThinking, "reply ready")
	}
	m.transition(StateSpeaking, "reply audio")
}

// OnAgentSpeechEnd hands the floor back to the caller.
func (m *Manager) OnAgentSpeechEnd(reason string) {
	switch m.sm.State() {
	case StateSpeaking, StateThinking:
		m.transition(StateListening, reason)
	}
}

// OnAudioWhileSpeaking classifies caller audio that arrives during playback
// and reports a barge-in once enough speech accumulates. The state moves to
// Listening when it does.
func (m *Manager) OnAudioWhileSpeaking(frame []byte) bool {
	if !m.cfg.Enabled || m.sm.State() != StateSpeaking || len(frame) == 0 {
		return false
	}
	samples := make([]int16, len(frame))
	audio.DecodeMulaw(samples, frame)

	m.mu.Lock()
	class := m.detector.Classify(samples)
	if class == vad.Speech {
		m.speech += time.Duration(len(frame)) * time.Second / audio.SampleRate
	} else {
		m.speech = 0
	}
	triggered := m.speech >= m.cfg.MinSpeech
	if triggered {
		m.speech = 0
		m.detector.Reset()
	}
	m.mu.Unlock()

	if !triggered {
		return false
	}
	m.logger.Info("barge_in_detected", slog.Duration("speaking_for", m.sm.Since()))
	m.transition(StateListening, "barge-in detected")
	return true
}

func (m *Manager) transition(to State, reason string) {
	if err := m.sm.Transition(to, reason); err != nil {
		m.logger.Debug("turn_transition_skipped", slog.String("error", err.Error()))
	}
}
