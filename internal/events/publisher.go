// Package events publishes word batches to Kafka, one topic for interim
// words and one for finalized words.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/schema"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes word events to separate Kafka topics.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	enabled       bool
	validator     *schema.Validator
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool
}

// New creates a Kafka publisher. A nil config, Enabled=false or an empty
// broker list gives a log-only publisher.
func New(cfg *Config) *Publisher {
	p := &Publisher{
		validator: schema.New(),
		metrics:   metrics.DefaultMetrics,
	}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}

	p.principal = cfg.Principal
	p.topicPartial = cfg.TopicPartial
	p.topicFinal = cfg.TopicFinal

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
	p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishPartial publishes interim words to the partial topic. Keying by
// session keeps one session's events on one partition.
func (p *Publisher) PublishPartial(ctx context.Context, key string, ev models.WordsEvent) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, key, ev)
}

// PublishFinal publishes finalized words to the final topic.
func (p *Publisher) PublishFinal(ctx context.Context, key string, ev models.WordsEvent) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, key, ev)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, key string, ev models.WordsEvent) error {
	start := time.Now()

	if err := p.validator.Validate(ev); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("sequenceId", ev.SequenceID).Msg("Rejecting invalid event")
		p.metrics.RecordKafkaPublish(topic, ev.EventType, err, time.Since(start).Seconds())
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, ev.EventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.EventType)},
			{Key: "principal", Value: []byte(p.principal)},
			{Key: "provider", Value: []byte(ev.Provider)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, ev.EventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, ev.EventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
