package openai

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/transcript"
)

// Transcriber sends a whole buffered turn to the transcription endpoint.
type Transcriber struct {
	cfg    Config
	client *goopenai.Client
	logger *slog.Logger
}

func NewTranscriber(cfg Config, logger *slog.Logger) *Transcriber {
	cfg = cfg.withDefaults()
	return &Transcriber{
		cfg:    cfg,
		client: newClient(cfg),
		logger: logging.NewComponentLogger(logger, "openai_stt"),
	}
}

func (t *Transcriber) Name() string { return "openai_whisper" }

func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (transcript.Fragment, error) {
	if len(pcm) == 0 {
		return transcript.Fragment{}, nil
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	language := configLanguage(cfg.Language, t.cfg.Language)

	req := goopenai.AudioRequest{
		Model:    t.cfg.TranscribeModel,
		Reader:   bytes.NewReader(audio.EncodeWAV(pcm, rate, 1)),
		FilePath: "audio.wav",
		Language: language,
		Format:   goopenai.AudioResponseFormatVerboseJSON,
	}

	start := time.Now()
	resp, err := t.client.CreateTranscription(ctx, req)
	if err != nil {
		t.logger.Warn("openai_transcription_failed",
			slog.String("session_id", cfg.SessionID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return transcript.Fragment{}, classify(err, errorsx.ReasonSTTBatch)
	}
	text := strings.TrimSpace(resp.Text)
	t.logger.Debug("openai_transcription_completed",
		slog.String("session_id", cfg.SessionID),
		slog.Int("pcm_bytes", len(pcm)),
		slog.Int("chars", len(text)),
		slog.Duration("elapsed", time.Since(start)))

	return transcript.Fragment{
		Text:       text,
		Confidence: segmentConfidence(resp),
		End:        time.Duration(resp.Duration * float64(time.Second)),
		HasTiming:  resp.Duration > 0,
	}, nil
}

// segmentConfidence averages the per-segment token probability. Zero when
// the response carries no segments.
func segmentConfidence(resp goopenai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range resp.Segments {
		sum += math.Exp(seg.AvgLogprob)
	}
	return math.Min(1, sum/float64(len(resp.Segments)))
}

// configLanguage reduces a locale such as "es-ES" to the ISO-639-1 code the
// transcription endpoint accepts.
func configLanguage(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if i := strings.IndexAny(v, "-_"); i > 0 {
			v = v[:i]
		}
		return strings.ToLower(v)
	}
	return ""
}

var _ stt.BatchRecognizer = (*Transcriber)(nil)
