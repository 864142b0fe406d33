package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/audio"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/redact"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

type Disposition string

const (
	DispositionMatch   Disposition = "match"
	DispositionNoMatch Disposition = "no_match"
)

// Response is one bot turn. Audio is 8 kHz µ-law, ready for the wire, and
// may be empty when every synthesizer failed.
type Response struct {
	Disposition Disposition
	Text        string
	Confidence  float64
	Audio       []byte
	// Fallback names the recovery path taken, if any.
	Fallback string
}

// Duration is how long the reply audio plays.
func (r Response) Duration() time.Duration {
	return time.Duration(audio.MulawDuration(len(r.Audio))) * time.Millisecond
}

// Voice pairs a synthesizer with its provider kind so default voices come
// from the capability table.
type Voice struct {
	Kind        providers.Kind
	Synthesizer tts.Synthesizer
}

type Config struct {
	MaxHistory       int           `mapstructure:"max_history"`
	ReplyTimeout     time.Duration `mapstructure:"reply_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`
	// BreakerThreshold consecutive primary synthesis failures skip straight
	// to the alternate synthesizer for BreakerCooldown.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	// Replies are cut to MaxReplySentences and MaxReplyChars before
	// synthesis. Zero keeps the whole reply.
	MaxReplySentences int `mapstructure:"max_reply_sentences"`
	MaxReplyChars     int `mapstructure:"max_reply_chars"`
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = llm.DefaultMaxHistory
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 15 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 15 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Service holds the shared back ends. Per-call state lives in Bot.
type Service struct {
	cfg       Config
	catalog   *Catalog
	generator llm.Generator
	primary   Voice
	alternate *Voice
	breaker   *resilience.CircuitBreaker
	obs       metrics.Observer
	logger    *slog.Logger
}

// NewService wires the generator and synthesizers. alternate may be nil.
func NewService(cfg Config, catalog *Catalog, generator llm.Generator, primary Voice, alternate *Voice, obs metrics.Observer, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	s := &Service{
		cfg:       cfg,
		catalog:   catalog,
		generator: generator,
		primary:   primary,
		alternate: alternate,
		breaker:   resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		obs:       obs,
		logger:    logging.NewComponentLogger(logger, "bot"),
	}
	s.breaker.CountAll = true
	s.breaker.OnStateChange = func(open bool) {
		tags := map[string]string{"provider": primary.Synthesizer.Name(), "component": "tts"}
		if open {
			metrics.Record(obs, metrics.EventBreakerOpen, 1, tags)
			s.logger.Warn("tts_breaker_opened", slog.String("provider", tags["provider"]), slog.Duration("cooldown", cfg.BreakerCooldown))
			return
		}
		metrics.Record(obs, metrics.EventBreakerClose, 1, tags)
		s.logger.Info("tts_breaker_closed", slog.String("provider", tags["provider"]))
	}
	return s
}

// Open starts a conversation with the named bot for one call.
func (s *Service) Open(name, sessionID string) (*Bot, error) {
	profile, err := s.catalog.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &Bot{
		svc:     s,
		profile: profile,
		conv:    llm.NewConversation(profile.SystemPrompt, s.cfg.MaxHistory),
		logger:  s.logger.With(slog.String("session_id", sessionID), slog.String("bot", profile.Name)),
	}, nil
}

// Bot is one call's conversation with a profile.
type Bot struct {
	svc     *Service
	profile Profile
	conv    *llm.Conversation
	logger  *slog.Logger
}

func (b *Bot) Profile() Profile { return b.profile }

// Greeting speaks the profile's greeting without consulting the generator.
func (b *Bot) Greeting(ctx context.Context) Response {
	resp := Response{Disposition: DispositionMatch, Text: b.profile.Greeting, Confidence: 1}
	resp.Audio, resp.Fallback = b.speak(ctx, resp.Text)
	b.conv.Append(llm.RoleAssistant, resp.Text)
	return resp
}

// Reply answers the user. It never fails: generation errors become the
// apology and synthesis errors degrade to a text-only response.
func (b *Bot) Reply(ctx context.Context, text string) Response {
	text = strings.TrimSpace(text)
	b.logger.Info("bot_reply_requested", slog.String("text", redact.Text(text)))

	genCtx, cancel := context.WithTimeout(ctx, b.svc.cfg.ReplyTimeout)
	out, err := b.svc.generator.Generate(genCtx, b.conv.Context(text))
	cancel()
	if err == nil && strings.TrimSpace(out.Text) == "" {
		err = errorsx.New(errorsx.ReasonLLMGenerate, "empty reply")
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
		b.logger.Warn("bot_reply_failed",
			slog.String("provider", b.svc.generator.Name()),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		metrics.Record(b.svc.obs, metrics.EventLLMFallback, 1, map[string]string{"provider": b.svc.generator.Name()})
		metrics.Record(b.svc.obs, metrics.EventProviderError, 1, map[string]string{"provider": b.svc.generator.Name(), "component": "llm"})
		resp := Response{Disposition: DispositionNoMatch, Text: ApologyText, Confidence: 0.5, Fallback: "apology"}
		resp.Audio, _ = b.speak(ctx, resp.Text)
		return resp
	}

	b.conv.Append(llm.RoleUser, text)
	confidence := out.Confidence
	if confidence <= 0 {
		confidence = 1
	}
	reply, cut := limitReply(strings.TrimSpace(out.Text), b.svc.cfg.MaxReplySentences, b.svc.cfg.MaxReplyChars)
	if cut {
		b.logger.Debug("bot_reply_truncated", slog.Int("chars", len(out.Text)))
	}
	resp := Response{Disposition: DispositionMatch, Text: reply, Confidence: confidence}
	b.conv.Append(llm.RoleAssistant, resp.Text)
	resp.Audio, resp.Fallback = b.speak(ctx, resp.Text)
	b.logger.Info("bot_reply_ready",
		slog.Int("chars", len(resp.Text)),
		slog.Int("audio_bytes", len(resp.Audio)),
		slog.String("fallback", resp.Fallback))
	return resp
}

// Reset forgets the conversation history.
func (b *Bot) Reset() { b.conv.Reset() }

// speak synthesizes text with the primary voice, then the alternate once.
// Empty audio with fallback "text_only" means both failed.
func (b *Bot) speak(ctx context.Context, text string) ([]byte, string) {
	s := b.svc
	if s.breaker.Allow() {
		data, err := b.synthesize(ctx, s.primary, text, true)
		if err == nil {
			s.breaker.OnSuccess()
			return data, ""
		}
		s.breaker.OnError(err)
	} else {
		metrics.Record(s.obs, metrics.EventBreakerDenied, 1, map[string]string{"provider": s.primary.Synthesizer.Name(), "component": "tts"})
		b.logger.Warn("tts_breaker_open", slog.String("provider", s.primary.Synthesizer.Name()))
	}

	if s.alternate == nil {
		return nil, "text_only"
	}
	metrics.Record(s.obs, metrics.EventTTSFallback, 1, map[string]string{"provider": s.alternate.Synthesizer.Name()})
	data, err := b.synthesize(ctx, *s.alternate, text, false)
	if err != nil {
		return nil, "text_only"
	}
	return data, "alternate_tts"
}

func (b *Bot) synthesize(ctx context.Context, v Voice, text string, primary bool) ([]byte, error) {
	caps := providers.Lookup(v.Kind)
	voice := tts.Voice{ID: caps.DefaultVoice, Language: b.profile.Language, Speed: b.profile.Speed}
	if primary && b.profile.Voice != "" {
		voice.ID = b.profile.Voice
	}

	ctx, cancel := context.WithTimeout(ctx, b.svc.cfg.SynthesisTimeout)
	defer cancel()
	started := time.Now()
	out, err := v.Synthesizer.Synthesize(ctx, text, voice)
	if err == nil && len(out.Data) == 0 && strings.TrimSpace(text) != "" {
		err = errorsx.New(errorsx.ReasonTTSSynthesize, "empty audio")
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
		b.logger.Warn("tts_failed",
			slog.String("provider", v.Synthesizer.Name()),
			slog.Bool("primary", primary),
			slog.String("error", err.Error()))
		metrics.Record(b.svc.obs, metrics.EventProviderError, 1, map[string]string{"provider": v.Synthesizer.Name(), "component": "tts"})
		return nil, err
	}
	if out.SampleRate == 0 {
		out.Encoding, out.SampleRate = caps.NativeEncoding, caps.NativeSampleRate
	}
	data := Normalize(out)
	b.logger.Debug("tts_completed",
		slog.String("provider", v.Synthesizer.Name()),
		slog.Int("audio_bytes", len(data)),
		slog.Duration("latency", time.Since(started)))
	return data, nil
}

// Normalize converts synthesized audio to 8 kHz µ-law.
func Normalize(a tts.Audio) []byte {
	rate := a.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	if a.Encoding == tts.EncodingMulaw && rate == audio.SampleRate {
		return a.Data
	}
	var samples []int16
	if a.Encoding == tts.EncodingMulaw {
		samples = make([]int16, len(a.Data))
		audio.DecodeMulaw(samples, a.Data)
	} else {
		samples = audio.Samples(a.Data)
	}
	samples = audio.Resample(samples, rate, audio.SampleRate)
	out := make([]byte, len(samples))
	audio.EncodeMulaw(out, samples)
	return out
}
