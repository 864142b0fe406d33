package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxbridge"

// Metrics holds the Prometheus collectors for the gateway and implements
// Observer by mapping event names onto them.
type Metrics struct {
	registry prometheus.Gatherer

	SessionsTotal      prometheus.Counter
	SessionsActive     prometheus.Gauge
	ProtocolViolations *prometheus.CounterVec

	AudioBytes   *prometheus.CounterVec
	AudioDropped *prometheus.CounterVec

	RecognitionCalls    *prometheus.CounterVec
	RecognitionInFlight prometheus.Gauge
	RecognitionErrors   *prometheus.CounterVec
	FinalTranscripts    *prometheus.CounterVec
	EndpointLatency     *prometheus.HistogramVec

	BotTurns       *prometheus.CounterVec
	BotTurnLatency prometheus.Histogram
	BargeIns       prometheus.Counter
	Fallbacks      *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	BreakerOpen    *prometheus.GaugeVec
	RateLimits     *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	DTMFCaptures    prometheus.Counter
	ConfigReloads   prometheus.Counter
	EventsDropped   prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg uses a fresh
// registry so tests and multiple gateways never collide.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of protocol sessions opened",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected sessions",
		}),
		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Sessions disconnected for sequencing or id violations",
		}, []string{"reason"}),
		AudioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes received from and sent to clients",
		}, []string{"direction"}),
		AudioDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Inbound frames not forwarded to recognition",
		}, []string{"reason"}),
		RecognitionCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_calls_total",
			Help:      "Recognition calls started",
		}, []string{"provider", "mode"}),
		RecognitionInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recognition_calls_in_flight",
			Help:      "Recognition calls not yet drained",
		}),
		RecognitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Recognition call failures",
		}, []string{"provider"}),
		FinalTranscripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "final_transcripts_total",
			Help:      "Final transcripts emitted, by strategy and emptiness",
		}, []string{"strategy", "empty"}),
		EndpointLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from first audio of a turn to its final transcript",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30},
		}, []string{"strategy"}),
		BotTurns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_turns_total",
			Help:      "Bot turn responses sent",
		}, []string{"disposition", "audio"}),
		BotTurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bot_turn_latency_seconds",
			Help:      "Time from final transcript to bot response",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-in events sent to clients",
		}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback paths taken for synthesis and reply generation",
		}, []string{"kind"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider call failures",
		}, []string{"provider", "component"}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while a provider circuit breaker is open",
		}, []string{"provider"}),
		RateLimits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limits_total",
			Help:      "Rate limit responses from providers",
		}, []string{"provider"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Turn events published",
		}, []string{"topic", "event_type"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Turn event publish failures",
		}, []string{"topic", "event_type"}),
		DTMFCaptures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dtmf_captures_total",
			Help:      "Completed DTMF digit captures",
		}),
		ConfigReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration hot reloads applied",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_dropped_total",
			Help:      "Metrics events dropped because the observer queue was full",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEvent(ev MetricsEvent) {
	tag := func(k string) string {
		if v, ok := ev.Tags[k]; ok && v != "" {
			return v
		}
		return "unknown"
	}
	switch ev.Name {
	case EventSessionStart:
		m.SessionsTotal.Inc()
		m.SessionsActive.Inc()
	case EventSessionEnd:
		m.SessionsActive.Dec()
	case EventProtocolViolation:
		m.ProtocolViolations.WithLabelValues(tag("reason")).Inc()
	case EventAudioIn:
		m.AudioBytes.WithLabelValues("in").Add(ev.Value)
	case EventAudioOut:
		m.AudioBytes.WithLabelValues("out").Add(ev.Value)
	case EventAudioDropped:
		m.AudioDropped.WithLabelValues(tag("reason")).Inc()
	case EventRecognitionStart:
		m.RecognitionCalls.WithLabelValues(tag("provider"), tag("mode")).Inc()
		m.RecognitionInFlight.Inc()
	case EventRecognitionEnd:
		m.RecognitionInFlight.Dec()
	case EventRecognitionError:
		m.RecognitionErrors.WithLabelValues(tag("provider")).Inc()
	case EventFinalTranscript:
		m.FinalTranscripts.WithLabelValues(tag("strategy"), tag("empty")).Inc()
		if ev.Value > 0 {
			m.EndpointLatency.WithLabelValues(tag("strategy")).Observe(ev.Value)
		}
	case EventBotTurn:
		m.BotTurns.WithLabelValues(tag("disposition"), tag("audio")).Inc()
		if ev.Value > 0 {
			m.BotTurnLatency.Observe(ev.Value)
		}
	case EventBargeIn:
		m.BargeIns.Inc()
	case EventTTSFallback:
		m.Fallbacks.WithLabelValues("tts").Inc()
	case EventLLMFallback:
		m.Fallbacks.WithLabelValues("llm").Inc()
	case EventProviderError:
		m.ProviderErrors.WithLabelValues(tag("provider"), tag("component")).Inc()
	case EventBreakerOpen:
		m.BreakerOpen.WithLabelValues(tag("provider")).Set(1)
	case EventBreakerClose:
		m.BreakerOpen.WithLabelValues(tag("provider")).Set(0)
	case EventRateLimit, EventBreakerDenied:
		m.RateLimits.WithLabelValues(tag("provider")).Inc()
	case EventPublish:
		m.EventsPublished.WithLabelValues(tag("topic"), tag("event_type")).Inc()
	case EventPublishError:
		m.PublishErrors.WithLabelValues(tag("topic"), tag("event_type")).Inc()
	case EventDTMFCaptureFinish:
		m.DTMFCaptures.Inc()
	case EventConfigReload:
		m.ConfigReloads.Inc()
	case EventObserverDropped:
		m.EventsDropped.Add(ev.Value)
	}
}
