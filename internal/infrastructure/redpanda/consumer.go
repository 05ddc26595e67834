package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// TriggerHandler is invoked once per trigger message. The argument is the
// message key, used as the trigger source label.
type TriggerHandler func(source string)

// ConsumerConfig holds configuration for the trigger consumer.
type ConsumerConfig struct {
	Brokers []string
	Group   string
	Topic   string
}

// DefaultConsumerConfig returns defaults for trigger consumption.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers: []string{"localhost:9092"},
		Group:   "pipeline-runner",
		Topic:   TopicTriggers,
	}
}

// Consumer reads run-trigger messages and hands them to a handler. Message
// bodies are ignored; a record on the topic is the trigger.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler TriggerHandler
	logger  *zap.Logger
}

// NewConsumer creates a consumer in the given group.
func NewConsumer(cfg ConsumerConfig, handler TriggerHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("trigger consumer started",
		zap.String("topic", c.config.Topic),
		zap.String("group", c.config.Group))

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			source := string(record.Key)
			if source == "" {
				source = "broker"
			}
			c.handler(source)
		})
	}
}

// Close closes the underlying client.
func (c *Consumer) Close() {
	c.client.Close()
}
