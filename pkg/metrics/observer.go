package metrics

import "time"

// Event names recorded by the gateway.
const (
	EventSessionStart      = "session_start"
	EventSessionEnd        = "session_end"
	EventProtocolViolation = "protocol_violation"
	EventAudioIn           = "audio_in_bytes"
	EventAudioOut          = "audio_out_bytes"
	EventAudioDropped      = "audio_dropped"
	EventRecognitionStart  = "recognition_call_start"
	EventRecognitionEnd    = "recognition_call_end"
	EventRecognitionError  = "recognition_error"
	EventFinalTranscript   = "final_transcript"
	EventBotTurn           = "bot_turn"
	EventBargeIn           = "barge_in"
	EventTTSFallback       = "tts_fallback"
	EventLLMFallback       = "llm_fallback"
	EventProviderError     = "provider_error"
	EventBreakerOpen       = "breaker_open"
	EventBreakerClose      = "breaker_close"
	EventBreakerDenied     = "breaker_denied"
	EventRateLimit         = "rate_limit"
	EventPublish           = "event_publish"
	EventPublishError      = "event_publish_error"
	EventDTMFCaptureFinish = "dtmf_capture_finish"
	EventConfigReload      = "config_reload"
	EventObserverDropped   = "observer_events_dropped"
)

// MetricsEvent is one observation. Value carries a count, byte size or a
// latency in seconds depending on Name.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a shorthand for emitting a tagged event now. A nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

// MultiObserver fans each event out to several observers.
type MultiObserver []Observer

func (m MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, o := range m {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}

type taggedObserver struct {
	inner Observer
	tags  map[string]string
}

// WithTags returns an observer that adds tags to every event before
// forwarding it. Tags already set on an event win.
func WithTags(inner Observer, tags map[string]string) Observer {
	if inner == nil {
		return NoopObserver{}
	}
	return taggedObserver{inner: inner, tags: tags}
}

func (o taggedObserver) RecordEvent(ev MetricsEvent) {
	merged := make(map[string]string, len(o.tags)+len(ev.Tags))
	for k, v := range o.tags {
		merged[k] = v
	}
	for k, v := range ev.Tags {
		merged[k] = v
	}
	ev.Tags = merged
	o.inner.RecordEvent(ev)
}
