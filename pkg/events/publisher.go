// Package events publishes per-turn conversation records.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
)

type Type string

const (
	TypeSessionStarted  Type = "session_started"
	TypeFinalTranscript Type = "final_transcript"
	TypeBotTurn         Type = "bot_turn"
	TypeBargeIn         Type = "barge_in"
	TypeDTMF            Type = "dtmf_input"
	TypeSessionEnded    Type = "session_ended"
)

// Event is one record on the conversation stream.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// New stamps an event with a ULID and the current time.
func New(typ Type, sessionID string, data map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Data:      data,
	}
}

// Publisher must not block the caller on broker I/O.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Principal    string        `mapstructure:"principal"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NewPublisher returns a Kafka publisher, or a log-only one when Kafka is
// disabled or has no brokers.
func NewPublisher(cfg Config, obs metrics.Observer, logger *slog.Logger) Publisher {
	logger = logging.NewComponentLogger(logger, "events")
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka_disabled_log_only")
		return &LogPublisher{logger: logger, obs: obs}
	}
	if cfg.Topic == "" {
		cfg.Topic = "voxbridge.turns"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	p := &KafkaPublisher{topic: cfg.Topic, principal: cfg.Principal, obs: obs, logger: logger}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   p.completed,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("kafka_publisher_initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic))
	return p
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by session so one call stays ordered
// within a partition.
type KafkaPublisher struct {
	writer    messageWriter
	topic     string
	principal string
	obs       metrics.Observer
	logger    *slog.Logger
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEventPublish)
	}
	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka_write_failed",
			slog.String("topic", p.topic),
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()))
		p.record(metrics.EventPublishError, string(ev.Type))
		return errorsx.Wrap(err, errorsx.ReasonEventPublish)
	}
	p.logger.Debug("event_published",
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("session_id", ev.SessionID))
	return nil
}

// completed runs once the async writer has delivered or given up on a batch.
func (p *KafkaPublisher) completed(messages []kafka.Message, err error) {
	for _, m := range messages {
		eventType := headerValue(m, "eventType")
		if err != nil {
			p.logger.Error("kafka_delivery_failed",
				slog.String("event_type", eventType),
				slog.String("error", err.Error()))
			p.record(metrics.EventPublishError, eventType)
			continue
		}
		p.record(metrics.EventPublish, eventType)
	}
}

func (p *KafkaPublisher) record(name, eventType string) {
	metrics.Record(p.obs, name, 1, map[string]string{"topic": p.topic, "event_type": eventType})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// LogPublisher only logs events.
type LogPublisher struct {
	logger *slog.Logger
	obs    metrics.Observer
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.Debug("event_logged",
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("session_id", ev.SessionID),
		slog.Any("data", ev.Data))
	metrics.Record(p.obs, metrics.EventPublish, 1, map[string]string{"topic": "log", "event_type": string(ev.Type)})
	return nil
}

func (p *LogPublisher) Close() error { return nil }
