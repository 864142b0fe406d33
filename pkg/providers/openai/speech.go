package openai

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
)

// speechSampleRate is the rate of the endpoint's raw "pcm" output.
const speechSampleRate = 24000

// Synthesizer renders replies with the speech endpoint as raw 16-bit PCM.
type Synthesizer struct {
	cfg    Config
	client *goopenai.Client
	logger *slog.Logger
}

func NewSynthesizer(cfg Config, logger *slog.Logger) *Synthesizer {
	cfg = cfg.withDefaults()
	return &Synthesizer{
		cfg:    cfg,
		client: newClient(cfg),
		logger: logging.NewComponentLogger(logger, "openai_tts"),
	}
}

func (s *Synthesizer) Name() string { return "openai_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	out := tts.Audio{Encoding: tts.EncodingPCM16, SampleRate: speechSampleRate}
	text = strings.TrimSpace(text)
	if text == "" {
		return out, nil
	}
	name := voice.ID
	if name == "" {
		name = s.cfg.Voice
	}
	req := goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(s.cfg.SpeechModel),
		Input:          text,
		Voice:          goopenai.SpeechVoice(name),
		ResponseFormat: goopenai.SpeechResponseFormatPcm,
		Speed:          voice.Speed,
	}

	start := time.Now()
	resp, err := s.client.CreateSpeech(ctx, req)
	if err != nil {
		s.logger.Warn("openai_speech_failed", slog.String("error", err.Error()))
		return tts.Audio{}, classify(err, errorsx.ReasonTTSSynthesize)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return tts.Audio{}, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	s.logger.Debug("openai_speech_completed",
		slog.Int("size_bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)))
	out.Data = data
	return out, nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
