package gateway

import (
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/call"
	"github.com/harunnryd/voxbridge/pkg/configutil"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/events"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/recognition"
	"github.com/harunnryd/voxbridge/pkg/transports/audiohook"
	"github.com/harunnryd/voxbridge/pkg/transports/twilio"
)

const envPrefix = "VOXBRIDGE"

const (
	StrategyVAD        = "vad"
	StrategyInactivity = "inactivity"

	TransportAudioHook = "audiohook"
	TransportTwilio    = "twilio"
)

type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Recognition   RecognitionConfig   `mapstructure:"recognition"`
	Call          call.Config         `mapstructure:"call"`
	Bots          BotsConfig          `mapstructure:"bots"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Events        events.Config       `mapstructure:"events"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	HealthPath        string        `mapstructure:"health_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// DrainTimeout bounds how long shutdown waits for calls in progress.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type TransportsConfig struct {
	Enabled   []string         `mapstructure:"enabled"`
	AudioHook audiohook.Config `mapstructure:"audiohook"`
	Twilio    twilio.Config    `mapstructure:"twilio"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	// AlternateTTS is tried once when the primary synthesizer fails.
	// An empty provider disables it.
	AlternateTTS VendorConfig `mapstructure:"alternate_tts"`
	LLM          VendorConfig `mapstructure:"llm"`
}

type RecognitionConfig struct {
	Strategy   string                       `mapstructure:"strategy"`
	VAD        recognition.VADConfig        `mapstructure:"vad"`
	Inactivity recognition.InactivityConfig `mapstructure:"inactivity"`
}

type BotsConfig struct {
	Default      string        `mapstructure:"default"`
	Profiles     []bot.Profile `mapstructure:"profiles"`
	Conversation bot.Config    `mapstructure:"conversation"`
}

// LLMConfig wraps the generator with retries and a rate-limit breaker.
type LLMConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// LogEvents mirrors every metrics event to the debug log, sampled by
	// LogSampleRate.
	LogEvents     bool    `mapstructure:"log_events"`
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
	Buffer        int     `mapstructure:"buffer"`
}

type ObservabilityConfig struct {
	// ArtifactsDir receives one JSONL timeline per connection. Empty
	// disables timelines.
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.drain_timeout", 30*time.Second)
	v.SetDefault("transports.enabled", []string{TransportAudioHook})
	v.SetDefault("transports.audiohook.path", "/audiohook")
	v.SetDefault("transports.audiohook.api_key", "")
	v.SetDefault("transports.audiohook.allow_any_origin", false)
	v.SetDefault("transports.audiohook.write_timeout", 10*time.Second)
	v.SetDefault("transports.audiohook.max_message_size", 1<<20)
	v.SetDefault("transports.twilio.public_url", "")
	v.SetDefault("transports.twilio.account_sid", "")
	v.SetDefault("transports.twilio.auth_token", "")
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("vendors.alternate_tts.provider", "")
	v.SetDefault("vendors.llm.provider", "mock")

	vadDefaults := recognition.DefaultVADConfig()
	inactivity := recognition.DefaultInactivityConfig()
	v.SetDefault("recognition.strategy", StrategyVAD)
	v.SetDefault("recognition.vad.silence_timeout", vadDefaults.SilenceTimeout)
	v.SetDefault("recognition.vad.max_duration", vadDefaults.MaxDuration)
	v.SetDefault("recognition.vad.call_timeout", vadDefaults.CallTimeout)
	v.SetDefault("recognition.vad.detector.speech_threshold", vadDefaults.Detector.SpeechThreshold)
	v.SetDefault("recognition.vad.detector.silence_threshold", vadDefaults.Detector.SilenceThreshold)
	v.SetDefault("recognition.vad.detector.speech_frames", vadDefaults.Detector.SpeechFrames)
	v.SetDefault("recognition.vad.detector.max_zcr", vadDefaults.Detector.MaxZCR)
	v.SetDefault("recognition.inactivity.min_frames", inactivity.MinFrames)
	v.SetDefault("recognition.inactivity.min_start_interval", inactivity.MinStartInterval)
	v.SetDefault("recognition.inactivity.poll_interval", inactivity.PollInterval)
	v.SetDefault("recognition.inactivity.inactivity_timeout", inactivity.InactivityTimeout)
	v.SetDefault("recognition.inactivity.initial_silence_timeout", inactivity.InitialSilenceTimeout)
	v.SetDefault("recognition.inactivity.max_duration", inactivity.MaxDuration)
	v.SetDefault("recognition.inactivity.force_final_timeout", inactivity.ForceFinalTimeout)
	v.SetDefault("recognition.inactivity.final_call_timeout", inactivity.FinalCallTimeout)
	v.SetDefault("recognition.inactivity.max_final_attempts", inactivity.MaxFinalAttempts)
	v.SetDefault("recognition.inactivity.flush_silence_bytes", inactivity.FlushSilenceBytes)
	v.SetDefault("recognition.inactivity.audio_queue", inactivity.AudioQueue)
	v.SetDefault("recognition.inactivity.merge", string(inactivity.Merge))

	callDefaults := call.DefaultConfig()
	v.SetDefault("call.greeting_enabled", callDefaults.GreetingEnabled)
	v.SetDefault("call.no_audio_reset_delay", callDefaults.NoAudioResetDelay)
	v.SetDefault("call.playback_grace", callDefaults.PlaybackGrace)
	v.SetDefault("call.client_playback_timeout", callDefaults.ClientPlaybackTimeout)
	v.SetDefault("call.barge_in.enabled", callDefaults.BargeIn.Enabled)
	v.SetDefault("call.barge_in.min_speech", callDefaults.BargeIn.MinSpeech)
	v.SetDefault("call.dtmf.terminator", callDefaults.DTMF.Terminator)
	v.SetDefault("call.dtmf.max_digits", callDefaults.DTMF.MaxDigits)
	v.SetDefault("call.dtmf.inter_digit_timeout", callDefaults.DTMF.InterDigitTimeout)
	v.SetDefault("call.dtmf.echo_window", callDefaults.DTMF.EchoWindow)

	v.SetDefault("bots.default", "")
	v.SetDefault("bots.conversation.max_history", 10)
	v.SetDefault("bots.conversation.reply_timeout", 15*time.Second)
	v.SetDefault("bots.conversation.synthesis_timeout", 15*time.Second)
	v.SetDefault("bots.conversation.breaker_threshold", 3)
	v.SetDefault("bots.conversation.breaker_cooldown", 30*time.Second)
	v.SetDefault("bots.conversation.max_reply_sentences", 3)
	v.SetDefault("bots.conversation.max_reply_chars", 420)
	v.SetDefault("llm.max_attempts", 2)
	v.SetDefault("llm.base_delay", 100*time.Millisecond)
	v.SetDefault("llm.max_delay", 2*time.Second)
	v.SetDefault("llm.breaker_threshold", 3)
	v.SetDefault("llm.breaker_cooldown", 30*time.Second)
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "voxbridge.turns")
	v.SetDefault("events.principal", "voxbridge")
	v.SetDefault("events.batch_timeout", 50*time.Millisecond)
	v.SetDefault("events.write_timeout", 5*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.log_events", false)
	v.SetDefault("metrics.log_sample_rate", 1.0)
	v.SetDefault("metrics.buffer", 1024)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	return v
}

// LoadConfig reads path, applies VOXBRIDGE_* environment overrides and
// ${VAR} expansion, and validates the result. An empty path uses defaults
// and the environment only.
func LoadConfig(path string) (Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.New(errorsx.ReasonConfig, "read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.New(errorsx.ReasonConfig, "unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch re-reads path on every change and hands each config that loads and
// validates to apply. Invalid edits are logged and ignored.
func Watch(path string, logger *slog.Logger, apply func(Config)) error {
	if path == "" {
		return nil
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return errorsx.New(errorsx.ReasonConfig, "read config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config_reload_rejected", slog.String("path", e.Name), slog.String("error", err.Error()))
			return
		}
		logger.Info("config_file_changed", slog.String("path", e.Name), slog.String("op", e.Op.String()))
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, errorsx.New(errorsx.ReasonConfig, format, args...))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		add("log_format must be text or json, got %q", c.LogFormat)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is required")
	}

	if len(c.Transports.Enabled) == 0 {
		add("transports.enabled needs at least one transport")
	}
	for _, name := range c.Transports.Enabled {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case TransportAudioHook, TransportTwilio:
		default:
			add("transports.enabled: unknown transport %q", name)
		}
	}

	sttKind, err := vendorKind("vendors.stt", c.Vendors.STT)
	if err != nil {
		errs = append(errs, err)
	} else {
		caps := providers.Lookup(sttKind)
		switch c.Recognition.Strategy {
		case StrategyVAD:
			if !caps.BatchRecognition {
				add("vendors.stt: %s has no batch recognition, required by the vad strategy", sttKind)
			}
		case StrategyInactivity:
			if !caps.StreamingRecognition {
				add("vendors.stt: %s has no streaming recognition, required by the inactivity strategy", sttKind)
			}
		default:
			add("recognition.strategy must be %s or %s, got %q", StrategyVAD, StrategyInactivity, c.Recognition.Strategy)
		}
	}
	switch c.Recognition.Inactivity.Merge {
	case "", recognition.MergeAuto, recognition.MergeSimilarity, recognition.MergeResultID:
	default:
		add("recognition.inactivity.merge: unknown mode %q", c.Recognition.Inactivity.Merge)
	}

	if kind, err := vendorKind("vendors.tts", c.Vendors.TTS); err != nil {
		errs = append(errs, err)
	} else if !providers.Lookup(kind).Synthesis {
		add("vendors.tts: %s cannot synthesize speech", kind)
	}
	if strings.TrimSpace(c.Vendors.AlternateTTS.Provider) != "" {
		if kind, err := vendorKind("vendors.alternate_tts", c.Vendors.AlternateTTS); err != nil {
			errs = append(errs, err)
		} else if !providers.Lookup(kind).Synthesis {
			add("vendors.alternate_tts: %s cannot synthesize speech", kind)
		}
	}
	if kind, err := vendorKind("vendors.llm", c.Vendors.LLM); err != nil {
		errs = append(errs, err)
	} else if !providers.Lookup(kind).Generation {
		add("vendors.llm: %s cannot generate replies", kind)
	}

	if _, err := bot.NewCatalog(c.Bots.Profiles, c.Bots.Default); err != nil {
		add("bots: %w", err)
	}
	if c.Metrics.LogSampleRate < 0 || c.Metrics.LogSampleRate > 1 {
		add("metrics.log_sample_rate must be within [0,1], got %v", c.Metrics.LogSampleRate)
	}
	if c.Observability.RetentionDays < 0 {
		add("observability.retention_days must not be negative")
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		add("events.brokers is required when events are enabled")
	}
	return errors.Join(errs...)
}

// TransportEnabled reports whether name is listed in transports.enabled.
func (c Config) TransportEnabled(name string) bool {
	for _, n := range c.Transports.Enabled {
		if strings.EqualFold(strings.TrimSpace(n), name) {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to print: provider secrets and transport
// credentials are masked.
func (c Config) Redacted() Config {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "****"
	}
	vendor := func(v VendorConfig) VendorConfig {
		kind, err := providers.ParseKind(v.Provider)
		if err != nil {
			kind = providers.KindMock
		}
		v.Settings = configutil.Redacted(v.Settings, SettingsSchema(kind))
		return v
	}
	out := c
	out.Vendors.STT = vendor(c.Vendors.STT)
	out.Vendors.TTS = vendor(c.Vendors.TTS)
	out.Vendors.AlternateTTS = vendor(c.Vendors.AlternateTTS)
	out.Vendors.LLM = vendor(c.Vendors.LLM)
	out.Transports.AudioHook.APIKey = mask(c.Transports.AudioHook.APIKey)
	out.Transports.Twilio.AuthToken = mask(c.Transports.Twilio.AuthToken)
	out.Events.Principal = mask(c.Events.Principal)
	return out
}

func vendorKind(section string, v VendorConfig) (providers.Kind, error) {
	if strings.TrimSpace(v.Provider) == "" {
		return providers.KindMock, errorsx.New(errorsx.ReasonConfig, "%s.provider is required", section)
	}
	kind, err := providers.ParseKind(v.Provider)
	if err != nil {
		return kind, errorsx.New(errorsx.ReasonConfig, "%s: %w", section, err)
	}
	return kind, nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.AlternateTTS.Settings = expandSettings(cfg.Vendors.AlternateTTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandAny(v)
			}
		}
		return out
	default:
		return v
	}
}

// expandValue expands ${VAR} in every settable string reachable from v.
// Settings maps are handled by expandSettings.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
