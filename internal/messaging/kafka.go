// Package messaging writes keyed JSON messages to Kafka topics.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for the Kafka connection.
type KafkaConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	MaxAttempts  int
	Compression  string
}

// DefaultKafkaConfig returns settings suited to low-volume ledger events.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:      brokers,
		WriteTimeout: 5 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		Compression:  "snappy",
	}
}

// Producer publishes messages. Messages with the same key land on the same
// partition and keep their order.
type Producer interface {
	Publish(ctx context.Context, topic, key string, message interface{}) error
	Close() error
}

// KafkaProducer implements Producer with one writer per topic.
type KafkaProducer struct {
	config  KafkaConfig
	writers map[string]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaProducer creates a producer. Writers dial lazily on first publish.
func NewKafkaProducer(config KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer requires at least one broker")
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		logger:  logger,
	}, nil
}

var codecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
	"snappy": kafka.Snappy,
}

func (p *KafkaProducer) getWriter(topic string) *kafka.Writer {
	p.mu.RLock()
	w, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok = p.writers[topic]; !ok {
		w = p.newWriter(topic)
		p.writers[topic] = w
	}
	return w
}

// newWriter hashes keys to partitions so one wallet's events keep their
// order, and waits for all in-sync replicas.
func (p *KafkaProducer) newWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: p.config.BatchTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  p.config.MaxAttempts,
		Compression:  codecs[p.config.Compression],
	}
}

// Publish writes message as JSON and waits for the broker acknowledgement.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, message interface{}) error {
	value, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", message, err)
	}
	err = p.getWriter(topic).WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes every writer, returning the first failure.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Error("failed to close kafka writer", zap.String("topic", topic), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	return firstErr
}
