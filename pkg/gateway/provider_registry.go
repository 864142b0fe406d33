package gateway

import (
	"context"
	"log/slog"

	"github.com/harunnryd/voxbridge/pkg/adapters/stt"
	"github.com/harunnryd/voxbridge/pkg/adapters/tts"
	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/configutil"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/providers/deepgram"
	"github.com/harunnryd/voxbridge/pkg/providers/elevenlabs"
	"github.com/harunnryd/voxbridge/pkg/providers/google"
	"github.com/harunnryd/voxbridge/pkg/providers/mock"
	"github.com/harunnryd/voxbridge/pkg/providers/openai"
)

// Recognizers is what one STT provider offers. Either side may be nil.
type Recognizers struct {
	Batch     stt.BatchRecognizer
	Streaming stt.StreamingRecognizer
	// Close releases client connections. May be nil.
	Close func() error
}

type STTFactory func(ctx context.Context, section string, settings map[string]any, logger *slog.Logger) (Recognizers, error)
type TTSFactory func(section string, settings map[string]any, logger *slog.Logger) (tts.Synthesizer, error)
type LLMFactory func(section string, settings map[string]any, logger *slog.Logger) (llm.Generator, error)

type ProviderRegistry struct {
	stt map[providers.Kind]STTFactory
	tts map[providers.Kind]TTSFactory
	llm map[providers.Kind]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[providers.Kind]STTFactory),
		tts: make(map[providers.Kind]TTSFactory),
		llm: make(map[providers.Kind]LLMFactory),
	}
}

// DefaultProviderRegistry registers every built-in adapter.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT(providers.KindMock, func(_ context.Context, section string, settings map[string]any, _ *slog.Logger) (Recognizers, error) {
		var cfg mock.STTConfig
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindMock), &cfg); err != nil {
			return Recognizers{}, err
		}
		return Recognizers{Batch: mock.NewBatchRecognizer(cfg), Streaming: mock.NewStreamingRecognizer(cfg)}, nil
	})
	r.RegisterSTT(providers.KindDeepgram, func(_ context.Context, section string, settings map[string]any, logger *slog.Logger) (Recognizers, error) {
		var cfg deepgram.Config
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindDeepgram), &cfg); err != nil {
			return Recognizers{}, err
		}
		return Recognizers{Streaming: deepgram.New(cfg, logger)}, nil
	})
	r.RegisterSTT(providers.KindGoogle, func(ctx context.Context, section string, settings map[string]any, logger *slog.Logger) (Recognizers, error) {
		var cfg google.Config
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindGoogle), &cfg); err != nil {
			return Recognizers{}, err
		}
		rec, err := google.New(ctx, cfg, logger)
		if err != nil {
			return Recognizers{}, err
		}
		return Recognizers{Streaming: rec, Close: rec.Close}, nil
	})
	r.RegisterSTT(providers.KindOpenAI, func(_ context.Context, section string, settings map[string]any, logger *slog.Logger) (Recognizers, error) {
		var cfg openai.Config
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindOpenAI), &cfg); err != nil {
			return Recognizers{}, err
		}
		return Recognizers{Batch: openai.NewTranscriber(cfg, logger)}, nil
	})

	r.RegisterTTS(providers.KindMock, func(section string, settings map[string]any, _ *slog.Logger) (tts.Synthesizer, error) {
		var cfg mock.TTSConfig
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindMock), &cfg); err != nil {
			return nil, err
		}
		return mock.NewSynthesizer(cfg), nil
	})
	r.RegisterTTS(providers.KindOpenAI, func(section string, settings map[string]any, logger *slog.Logger) (tts.Synthesizer, error) {
		var cfg openai.Config
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindOpenAI), &cfg); err != nil {
			return nil, err
		}
		return openai.NewSynthesizer(cfg, logger), nil
	})
	r.RegisterTTS(providers.KindElevenLabs, func(section string, settings map[string]any, logger *slog.Logger) (tts.Synthesizer, error) {
		var cfg elevenlabs.Config
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindElevenLabs), &cfg); err != nil {
			return nil, err
		}
		if !elevenlabs.ValidOutputFormat(cfg.OutputFormat) {
			return nil, errorsx.New(errorsx.ReasonConfig, "%s: unsupported output_format %q", section, cfg.OutputFormat)
		}
		return elevenlabs.New(cfg, logger), nil
	})

	r.RegisterLLM(providers.KindMock, func(section string, settings map[string]any, _ *slog.Logger) (llm.Generator, error) {
		var cfg mock.LLMConfig
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindMock), &cfg); err != nil {
			return nil, err
		}
		return mock.NewGenerator(cfg), nil
	})
	r.RegisterLLM(providers.KindOpenAI, func(section string, settings map[string]any, logger *slog.Logger) (llm.Generator, error) {
		var cfg openai.Config
		if err := configutil.Decode(section, settings, SettingsSchema(providers.KindOpenAI), &cfg); err != nil {
			return nil, err
		}
		return openai.NewGenerator(cfg, logger), nil
	})
	return r
}

func (r *ProviderRegistry) RegisterSTT(kind providers.Kind, factory STTFactory) { r.stt[kind] = factory }

func (r *ProviderRegistry) RegisterTTS(kind providers.Kind, factory TTSFactory) { r.tts[kind] = factory }

func (r *ProviderRegistry) RegisterLLM(kind providers.Kind, factory LLMFactory) { r.llm[kind] = factory }

func (r *ProviderRegistry) BuildRecognizers(ctx context.Context, section string, vendor VendorConfig, logger *slog.Logger) (Recognizers, providers.Kind, error) {
	kind, err := vendorKind(section, vendor)
	if err != nil {
		return Recognizers{}, kind, err
	}
	fn := r.stt[kind]
	if fn == nil {
		return Recognizers{}, kind, errorsx.New(errorsx.ReasonConfig, "%s: stt provider not registered: %s", section, kind)
	}
	recs, err := fn(ctx, section, vendor.Settings, logger)
	return recs, kind, err
}

func (r *ProviderRegistry) BuildVoice(section string, vendor VendorConfig, logger *slog.Logger) (bot.Voice, error) {
	kind, err := vendorKind(section, vendor)
	if err != nil {
		return bot.Voice{}, err
	}
	fn := r.tts[kind]
	if fn == nil {
		return bot.Voice{}, errorsx.New(errorsx.ReasonConfig, "%s: tts provider not registered: %s", section, kind)
	}
	synth, err := fn(section, vendor.Settings, logger)
	if err != nil {
		return bot.Voice{}, err
	}
	return bot.Voice{Kind: kind, Synthesizer: synth}, nil
}

func (r *ProviderRegistry) BuildGenerator(section string, vendor VendorConfig, logger *slog.Logger) (llm.Generator, error) {
	kind, err := vendorKind(section, vendor)
	if err != nil {
		return nil, err
	}
	fn := r.llm[kind]
	if fn == nil {
		return nil, errorsx.New(errorsx.ReasonConfig, "%s: llm provider not registered: %s", section, kind)
	}
	return fn(section, vendor.Settings, logger)
}

// SettingsSchema lists the settings keys a provider kind accepts.
func SettingsSchema(kind providers.Kind) configutil.Schema {
	switch kind {
	case providers.KindDeepgram:
		return configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "interim", "utterance_end_ms", "drain_idle"},
			Secret:   []string{"api_key"},
		}
	case providers.KindGoogle:
		return configutil.Schema{
			Optional: []string{"credentials_file", "language", "model", "interim", "punctuation"},
		}
	case providers.KindOpenAI:
		return configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "transcribe_model", "speech_model", "voice",
				"language", "temperature", "max_tokens", "timeout", "reply_confidence"},
			Secret: []string{"api_key"},
		}
	case providers.KindElevenLabs:
		return configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"voice_id", "model_id", "output_format", "base_url", "stability", "similarity_boost", "timeout"},
			Secret:   []string{"api_key"},
		}
	}
	return configutil.Schema{
		Optional: []string{"transcript", "interim_transcript", "emit_interim", "confidence", "fail",
			"bytes_per_rune", "response_text"},
	}
}
