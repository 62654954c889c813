// Package events publishes transcript events to Kafka. Publishing is
// optional; when disabled the publisher runs in log-only mode so the
// rest of the pipeline never has to care.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/observability/metrics"
)

// TranscriptEvent is the payload published for each transcript.
type TranscriptEvent struct {
	SessionID  string  `json:"sessionId"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Enabled      bool
}

// Publisher publishes transcript events to separate partial and final
// topics.
type Publisher struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	topicPartial  string
	topicFinal    string
	enabled       bool
	metrics       *metrics.Metrics
}

// New creates a publisher. A nil config, Enabled=false, or an empty
// broker list all yield log-only mode.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	logger := logging.WithComponent("events")

	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		p := &Publisher{enabled: false, metrics: m}
		if cfg != nil {
			p.topicPartial = cfg.TopicPartial
			p.topicFinal = cfg.TopicFinal
		}
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerPartial: newWriter(cfg.TopicPartial),
		writerFinal:   newWriter(cfg.TopicFinal),
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		enabled:       true,
		metrics:       m,
	}
}

// PublishTranscript routes the event to the partial or final topic.
func (p *Publisher) PublishTranscript(ctx context.Context, event TranscriptEvent) error {
	if event.IsFinal {
		return p.publish(ctx, p.writerFinal, p.topicFinal, event)
	}
	return p.publish(ctx, p.writerPartial, p.topicPartial, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic string, event TranscriptEvent) error {
	logger := logging.WithComponent("events")

	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	logger.Debug().
		Str("topic", topic).
		Str("sessionId", event.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing transcript event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType(event.IsFinal))},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		logger.Error().
			Err(err).
			Str("topic", topic).
			Str("sessionId", event.SessionID).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, err)
		return err
	}

	p.metrics.RecordKafkaPublish(topic, nil)
	return nil
}

func eventType(isFinal bool) string {
	if isFinal {
		return "transcript.final"
	}
	return "transcript.partial"
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	logger := logging.WithComponent("events")
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			logger.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			logger.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
