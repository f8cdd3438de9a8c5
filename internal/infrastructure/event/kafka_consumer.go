package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultUsageTopic is the topic product services publish usage events to
const DefaultUsageTopic = "pagemagic.usage.events"

// MessageReader is the subset of *kafka.Reader the consumer depends on
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester ingests a single usage event
type Ingester interface {
	Ingest(ctx context.Context, event *metering.UsageEvent) error
}

// KafkaConsumerConfig holds configuration for the usage event consumer
type KafkaConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// RetryBackoff is the pause between attempts to ingest a message that hit a transient failure
	RetryBackoff time.Duration
}

// DefaultKafkaConsumerConfig returns default configuration
func DefaultKafkaConsumerConfig() KafkaConsumerConfig {
	return KafkaConsumerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        DefaultUsageTopic,
		GroupID:      "meter-service",
		MinBytes:     1,
		MaxBytes:     10e6,
		MaxWait:      time.Second,
		RetryBackoff: 2 * time.Second,
	}
}

// NewKafkaReader creates a consumer-group reader. Offsets are committed explicitly.
func NewKafkaReader(cfg KafkaConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
}

// UsageEventMessage is the wire shape of a usage event on the topic
type UsageEventMessage struct {
	ID        string         `json:"id,omitempty"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id"`
	ProjectID string         `json:"project_id,omitempty"`
	SiteID    string         `json:"site_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// DecodeUsageEvent parses a message payload into a domain event.
// Malformed payloads return ErrInvalidEvent.
func DecodeUsageEvent(payload []byte) (*metering.UsageEvent, error) {
	var msg UsageEventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", metering.ErrInvalidEvent, err)
	}

	id := uuid.Nil
	if msg.ID != "" {
		parsed, err := uuid.Parse(msg.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid id %q", metering.ErrInvalidEvent, msg.ID)
		}
		id = parsed
	}

	event, err := metering.NewUsageEvent(id, msg.EventType, msg.UserID, msg.Timestamp, msg.Metadata)
	if err != nil {
		return nil, err
	}
	return event.WithProject(msg.ProjectID).WithSite(msg.SiteID), nil
}

// UsageEventConsumer reads usage events from Kafka and feeds them to the aggregator.
// An offset is committed only after its event was ingested or rejected as invalid;
// transient failures are retried on the same message until they succeed or the
// consumer stops.
type UsageEventConsumer struct {
	reader   MessageReader
	ingester Ingester
	config   KafkaConsumerConfig
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUsageEventConsumer creates a new consumer
func NewUsageEventConsumer(
	reader MessageReader,
	ingester Ingester,
	config KafkaConsumerConfig,
	logger *zap.Logger,
) *UsageEventConsumer {
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultKafkaConsumerConfig().RetryBackoff
	}
	return &UsageEventConsumer{
		reader:   reader,
		ingester: ingester,
		config:   config,
		logger:   logger.Named("kafka-consumer"),
	}
}

// Start starts consuming in the background
func (c *UsageEventConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.Info("usage event consumer started",
		zap.Strings("brokers", c.config.Brokers),
		zap.String("topic", c.config.Topic),
		zap.String("group_id", c.config.GroupID),
	)
	return nil
}

// Stop stops consuming and closes the reader
func (c *UsageEventConsumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	c.logger.Info("usage event consumer stopped")
	return nil
}

func (c *UsageEventConsumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to fetch message", zap.Error(err))
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle processes one message and commits it. It returns false when the
// consumer is stopping and the message was left uncommitted.
func (c *UsageEventConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	log := c.logger.With(
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	event, err := DecodeUsageEvent(msg.Value)
	if err != nil {
		log.Warn("discarding malformed usage event", zap.Error(err))
		return c.commit(ctx, msg, log)
	}

	for {
		err := c.ingester.Ingest(ctx, event)
		if err == nil {
			return c.commit(ctx, msg, log)
		}
		if errors.Is(err, metering.ErrInvalidEvent) {
			log.Warn("discarding invalid usage event",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			return c.commit(ctx, msg, log)
		}

		log.Error("failed to ingest usage event, retrying",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		if !c.sleep(ctx) {
			return false
		}
	}
}

func (c *UsageEventConsumer) commit(ctx context.Context, msg kafka.Message, log *zap.Logger) bool {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("failed to commit message", zap.Error(err))
	}
	return true
}

func (c *UsageEventConsumer) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.config.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
