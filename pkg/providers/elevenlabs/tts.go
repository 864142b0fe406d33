package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io/v1"

var errNoAudio = errors.New("elevenlabs: no audio received")

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	VoiceID string `mapstructure:"voice_id"`
	ModelID string `mapstructure:"model_id"`
	// OutputFormat defaults to ulaw_8000, the telephony wire format.
	OutputFormat string        `mapstructure:"output_format"`
	BaseURL      string        `mapstructure:"base_url"`
	Stability    float64       `mapstructure:"stability"`
	Similarity   float64       `mapstructure:"similarity_boost"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Synthesizer renders one reply per stream-input websocket session.
type Synthesizer struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

type inbound struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     bool   `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func New(cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Stability <= 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity <= 0 {
		cfg.Similarity = 0.8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Synthesizer{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: logging.NewComponentLogger(logger, "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	out := s.format()
	text = strings.TrimSpace(text)
	if text == "" {
		return out, nil
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = s.cfg.VoiceID
	}
	if s.cfg.APIKey == "" || voiceID == "" {
		return tts.Audio{}, errorsx.New(errorsx.ReasonTTSConnect, "missing elevenlabs config")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(voiceID), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return tts.Audio{}, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.logger.Error("elevenlabs_connect_failed", slog.String("error", err.Error()))
		return tts.Audio{}, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	opening := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        s.cfg.Stability,
			"similarity_boost": s.cfg.Similarity,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
	for _, msg := range []map[string]any{
		opening,
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			return tts.Audio{}, s.fail(ctx, err)
		}
	}

	var data []byte
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(data) > 0 {
				break
			}
			return tts.Audio{}, s.fail(ctx, err)
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("elevenlabs_unparsed_message", slog.Int("size_bytes", len(raw)))
			continue
		}
		if msg.Error != "" {
			return tts.Audio{}, errorsx.New(errorsx.ReasonTTSSynthesize, "elevenlabs: %s: %s", msg.Error, msg.Message)
		}
		chunk := msg.Audio
		if chunk == "" {
			chunk = msg.AudioBase64
		}
		if chunk != "" {
			decoded, err := base64.StdEncoding.DecodeString(chunk)
			if err != nil {
				s.logger.Warn("elevenlabs_audio_decode_failed", slog.String("error", err.Error()))
			} else {
				data = append(data, decoded...)
			}
		}
		if msg.IsFinal {
			break
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if len(data) == 0 {
		return tts.Audio{}, errorsx.Wrap(errNoAudio, errorsx.ReasonTTSSynthesize)
	}

	s.logger.Debug("elevenlabs_synthesis_completed",
		slog.Int("size_bytes", len(data)),
		slog.String("output_format", s.cfg.OutputFormat))
	out.Data = data
	return out, nil
}

func (s *Synthesizer) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errorsx.Wrap(ctxErr, errorsx.ReasonTTSSynthesize)
	}
	s.logger.Error("elevenlabs_stream_failed", slog.String("error", err.Error()))
	return errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
}

// format describes the audio the configured output format produces.
func (s *Synthesizer) format() tts.Audio {
	enc, rate := parseOutputFormat(s.cfg.OutputFormat)
	return tts.Audio{Encoding: enc, SampleRate: rate}
}

func parseOutputFormat(format string) (tts.Encoding, int) {
	switch strings.ToLower(format) {
	case "ulaw_8000":
		return tts.EncodingMulaw, 8000
	case "pcm_8000":
		return tts.EncodingPCM16, 8000
	case "pcm_16000":
		return tts.EncodingPCM16, 16000
	case "pcm_22050":
		return tts.EncodingPCM16, 22050
	case "pcm_24000":
		return tts.EncodingPCM16, 24000
	case "pcm_44100":
		return tts.EncodingPCM16, 44100
	}
	return tts.EncodingMulaw, 8000
}

func (s *Synthesizer) buildURL(voiceID string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/") + "/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

// ValidOutputFormat reports whether format is one the gateway can normalize.
func ValidOutputFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", "ulaw_8000", "pcm_8000", "pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100":
		return true
	}
	return false
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
