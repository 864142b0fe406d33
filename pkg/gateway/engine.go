// Package gateway assembles the voice-bot gateway: configuration,
// provider back ends, the bot service and the telephony transports, all
// served from one HTTP listener.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/voxbridge/pkg/bot"
	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/events"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/observers"
	"github.com/harunnryd/voxbridge/pkg/providers"
	"github.com/harunnryd/voxbridge/pkg/recognition"
	"github.com/harunnryd/voxbridge/pkg/redact"
	"github.com/harunnryd/voxbridge/pkg/resilience"
	"github.com/harunnryd/voxbridge/pkg/transports"
	"github.com/harunnryd/voxbridge/pkg/transports/audiohook"
	"github.com/harunnryd/voxbridge/pkg/transports/twilio"
)

type EngineOptions struct {
	Config Config
	Logger *slog.Logger
	// Providers defaults to DefaultProviderRegistry.
	Providers *ProviderRegistry
	// Registry receives the Prometheus collectors. Nil uses a fresh one.
	Registry *prometheus.Registry
	// Publisher overrides the publisher built from Config.Events.
	Publisher events.Publisher
	// Observer, when set, also receives every metrics event.
	Observer metrics.Observer
}

// Engine owns the long-lived back ends and serves every enabled transport.
// It implements transports.Backend: each new call gets the config snapshot
// current at connect time.
type Engine struct {
	cfg    atomic.Pointer[Config]
	base   *slog.Logger
	logger *slog.Logger

	recognizers Recognizers
	sttKind     providers.Kind
	bots        *bot.Service
	publisher   events.Publisher
	prom        *metrics.Metrics
	async       *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	obs         metrics.Observer

	transports []transports.Transport
	mux        *http.ServeMux
	server     *http.Server
	listener   net.Listener
	started    time.Time

	draining atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Providers
	if registry == nil {
		registry = DefaultProviderRegistry()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		base:   logger,
		logger: logging.NewComponentLogger(logger, "gateway"),
		ctx:    ctx,
		cancel: cancel,
	}
	e.cfg.Store(&cfg)
	e.buildObservers(cfg, opts, logger)

	fail := func(err error) (*Engine, error) {
		e.closeBackends()
		cancel()
		return nil, err
	}

	recs, kind, err := registry.BuildRecognizers(ctx, "vendors.stt", cfg.Vendors.STT, logger)
	if err != nil {
		return fail(err)
	}
	e.recognizers, e.sttKind = recs, kind
	if err := checkStrategy(cfg.Recognition.Strategy, recs); err != nil {
		return fail(err)
	}

	primary, err := registry.BuildVoice("vendors.tts", cfg.Vendors.TTS, logger)
	if err != nil {
		return fail(err)
	}
	var alternate *bot.Voice
	if cfg.Vendors.AlternateTTS.Provider != "" {
		v, err := registry.BuildVoice("vendors.alternate_tts", cfg.Vendors.AlternateTTS, logger)
		if err != nil {
			return fail(err)
		}
		alternate = &v
	}
	gen, err := registry.BuildGenerator("vendors.llm", cfg.Vendors.LLM, logger)
	if err != nil {
		return fail(err)
	}
	guarded := llm.NewCircuitBreakerGenerator(
		llm.NewRetryGenerator(gen, llm.RetryConfig{
			MaxAttempts: cfg.LLM.MaxAttempts,
			BaseDelay:   cfg.LLM.BaseDelay,
			MaxDelay:    cfg.LLM.MaxDelay,
		}),
		resilience.NewCircuitBreaker(cfg.LLM.BreakerThreshold, cfg.LLM.BreakerCooldown),
	)
	guarded.SetObserver(e.obs)

	catalog, err := bot.NewCatalog(cfg.Bots.Profiles, cfg.Bots.Default)
	if err != nil {
		return fail(errorsx.Wrap(err, errorsx.ReasonConfig))
	}
	e.bots = bot.NewService(cfg.Bots.Conversation, catalog, guarded, primary, alternate, e.obs, logger)

	e.publisher = opts.Publisher
	if e.publisher == nil {
		e.publisher = events.NewPublisher(cfg.Events, e.obs, logger)
	}

	e.mux = http.NewServeMux()
	if cfg.TransportEnabled(TransportAudioHook) {
		e.transports = append(e.transports, audiohook.New(cfg.Transports.AudioHook, e, logger))
	}
	if cfg.TransportEnabled(TransportTwilio) {
		tc := cfg.Transports.Twilio
		if tc.ServerAddr == "" {
			tc.ServerAddr = cfg.Server.Addr
		}
		if tc.AuthToken == "" {
			e.logger.Warn("twilio_auth_token_missing", slog.String("effect", "webhook signatures rejected"))
		}
		e.transports = append(e.transports, twilio.New(tc, e, logger))
	}
	for _, t := range e.transports {
		t.Register(e.mux)
	}
	e.mux.HandleFunc(cfg.Server.HealthPath, e.handleHealth)
	if cfg.Metrics.Enabled {
		e.mux.Handle(cfg.Metrics.Path, e.prom.Handler())
	}

	e.logger.Info("engine_ready",
		slog.String("stt", kind.String()),
		slog.String("tts", primary.Kind.String()),
		slog.String("llm", gen.Name()),
		slog.String("strategy", cfg.Recognition.Strategy),
		slog.Int("transports", len(e.transports)))
	return e, nil
}

func (e *Engine) buildObservers(cfg Config, opts EngineOptions, logger *slog.Logger) {
	e.prom = metrics.NewMetrics(opts.Registry)
	list := metrics.MultiObserver{e.prom}
	if cfg.Metrics.LogEvents {
		list = append(list, metrics.NewSamplingObserver(metrics.NewLogObserver(logging.NewComponentLogger(logger, "metrics")), cfg.Metrics.LogSampleRate))
	}
	if cfg.Observability.ArtifactsDir != "" {
		e.timeline = observers.NewTimelineObserver(cfg.Observability.ArtifactsDir)
		list = append(list, e.timeline)
	}
	if opts.Observer != nil {
		list = append(list, opts.Observer)
	}
	e.async = metrics.NewAsyncObserver(list, cfg.Metrics.Buffer)
	e.obs = e.async
}

func checkStrategy(strategy string, recs Recognizers) error {
	switch strategy {
	case StrategyVAD:
		if recs.Batch == nil {
			return errorsx.New(errorsx.ReasonConfig, "recognition.strategy vad needs a batch recognizer")
		}
	case StrategyInactivity:
		if recs.Streaming == nil {
			return errorsx.New(errorsx.ReasonConfig, "recognition.strategy inactivity needs a streaming recognizer")
		}
	}
	return nil
}

// CallDeps implements transports.Backend.
func (e *Engine) CallDeps() transports.CallDeps {
	cfg := e.cfg.Load()
	return transports.CallDeps{
		Bots:        e.bots,
		Recognition: e.recognitionFactory(cfg.Recognition),
		ResultIDs:   providers.Lookup(e.sttKind).ResultIDs,
		Call:        cfg.Call,
		Publisher:   e.publisher,
		Observer:    e.obs,
		Logger:      e.base,
	}
}

func (e *Engine) recognitionFactory(rc RecognitionConfig) recognition.Factory {
	if rc.Strategy == StrategyInactivity {
		streaming := e.recognizers.Streaming
		return func(opts recognition.Options, l recognition.Listener) recognition.Strategy {
			return recognition.NewInactivityStrategy(streaming, rc.Inactivity, opts, l)
		}
	}
	batch := e.recognizers.Batch
	return func(opts recognition.Options, l recognition.Listener) recognition.Strategy {
		return recognition.NewVADStrategy(batch, rc.VAD, opts, l)
	}
}

// Reload applies the tunables of next to calls that start from now on.
// Sections that need new back ends or listeners are kept and reported.
func (e *Engine) Reload(next Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	current := e.cfg.Load()
	if err := checkStrategy(next.Recognition.Strategy, e.recognizers); err != nil {
		e.logger.Warn("config_reload_rejected", slog.String("error", err.Error()))
		return err
	}
	var restart []string
	if !reflect.DeepEqual(current.Vendors, next.Vendors) {
		restart = append(restart, "vendors")
	}
	if !reflect.DeepEqual(current.Transports, next.Transports) {
		restart = append(restart, "transports")
	}
	if current.Server != next.Server {
		restart = append(restart, "server")
	}
	if !reflect.DeepEqual(current.Bots, next.Bots) {
		restart = append(restart, "bots")
	}
	if current.LLM != next.LLM {
		restart = append(restart, "llm")
	}

	applied := *current
	applied.Recognition = next.Recognition
	applied.Call = next.Call
	applied.Privacy = next.Privacy
	applied.LogLevel = next.LogLevel
	redact.SetEnabled(applied.Privacy.RedactPII)
	e.cfg.Store(&applied)

	metrics.Record(e.obs, metrics.EventConfigReload, 1, nil)
	attrs := []any{
		slog.String("strategy", applied.Recognition.Strategy),
		slog.Bool("barge_in", applied.Call.BargeIn.Enabled),
	}
	if len(restart) > 0 {
		attrs = append(attrs, slog.Any("restart_required", restart))
	}
	e.logger.Info("config_reloaded", attrs...)
	return nil
}

// Config returns the configuration new calls are using.
func (e *Engine) Config() Config { return *e.cfg.Load() }

func (e *Engine) Handler() http.Handler { return e.mux }

func (e *Engine) Transports() []transports.Transport { return e.transports }

// Start listens on the configured address and serves until Stop.
func (e *Engine) Start() error {
	cfg := e.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	e.listener = ln
	e.started = time.Now()
	e.server = &http.Server{
		Handler:           e.mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http_server_failed", slog.String("error", err.Error()))
		}
	}()
	if cfg.Observability.ArtifactsDir != "" && cfg.Observability.RetentionDays > 0 {
		maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
		go observers.RunRetention(e.ctx, cfg.Observability.ArtifactsDir, maxAge, time.Hour, e.logger)
	}

	fields := []any{slog.String("addr", ln.Addr().String())}
	for _, t := range e.transports {
		if rr, ok := t.(transports.ReadyReporter); ok {
			for k, v := range rr.ReadyFields() {
				fields = append(fields, slog.Any(t.Name()+"_"+k, v))
			}
		}
	}
	e.logger.Info("gateway_listening", fields...)
	return nil
}

// Addr is the bound listen address once started.
func (e *Engine) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

func (e *Engine) ActiveSessions() int {
	n := 0
	for _, t := range e.transports {
		n += t.ActiveSessions()
	}
	return n
}

func (e *Engine) Draining() bool { return e.draining.Load() }

// Drain refuses new calls and waits for the active ones to end, up to
// server.drain_timeout.
func (e *Engine) Drain() error {
	e.draining.Store(true)
	for _, t := range e.transports {
		t.Drain()
	}
	e.logger.Info("gateway_draining", slog.Int("active_sessions", e.ActiveSessions()))

	deadline := time.NewTimer(e.cfg.Load().Server.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for e.ActiveSessions() > 0 {
		select {
		case <-deadline.C:
			n := e.ActiveSessions()
			e.logger.Warn("gateway_drain_timeout", slog.Int("active_sessions", n))
			return errors.New("drain timeout")
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-ticker.C:
		}
	}
	e.logger.Info("gateway_drained")
	return nil
}

// Stop ends every call, shuts the listener and releases the back ends.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.draining.Store(true)
		var errs []error
		for _, t := range e.transports {
			if err := t.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		e.cancel()
		errs = append(errs, e.closeBackends())
		e.stopErr = errors.Join(errs...)
		e.logger.Info("gateway_stopped")
	})
	return e.stopErr
}

func (e *Engine) closeBackends() error {
	var errs []error
	if e.publisher != nil {
		errs = append(errs, e.publisher.Close())
	}
	if e.recognizers.Close != nil {
		errs = append(errs, e.recognizers.Close())
	}
	if e.async != nil {
		e.async.Close()
	}
	if e.timeline != nil {
		errs = append(errs, e.timeline.Close())
	}
	return errors.Join(errs...)
}
