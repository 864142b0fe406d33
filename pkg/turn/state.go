package turn

import (
	"time"

	"github.com/harunnryd/voxbridge/pkg/vad"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// BargeInConfig controls whether caller speech may interrupt playback.
type BargeInConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MinSpeech is how much classified speech, in audio time, interrupts a
	// playing reply.
	MinSpeech time.Duration `mapstructure:"min_speech"`
	Detector  vad.Config    `mapstructure:"detector"`
}

func DefaultBargeInConfig() BargeInConfig {
	return BargeInConfig{
		MinSpeech: 300 * time.Millisecond,
		Detector:  vad.DefaultConfig(),
	}
}
