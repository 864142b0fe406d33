package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/audio"
)

type TTSConfig struct {
	// BytesPerRune sizes the generated µ-law silence.
	BytesPerRune int  `mapstructure:"bytes_per_rune"`
	Fail         bool `mapstructure:"fail"`
}

// Synthesizer produces deterministic µ-law silence sized by the text.
type Synthesizer struct {
	cfg TTSConfig

	mu    sync.Mutex
	texts []string
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.BytesPerRune <= 0 {
		cfg.BytesPerRune = 80
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return tts.Audio{}, err
	}
	if s.cfg.Fail {
		return tts.Audio{}, errors.New("mock synthesizer unavailable")
	}
	text = strings.TrimSpace(text)
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	out := tts.Audio{Encoding: tts.EncodingMulaw, SampleRate: audio.SampleRate}
	if text == "" {
		return out, nil
	}
	out.Data = audio.Silence(utf8.RuneCountInString(text) * s.cfg.BytesPerRune)
	return out, nil
}

// Texts returns everything synthesized so far.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
