package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the pipeline.
const (
	// TopicRuns carries RunCompleted events, one per pipeline run.
	TopicRuns = "clinical.runs"
	// TopicTriggers carries external run-trigger requests.
	TopicTriggers = "clinical.triggers"
)

// TopicConfig describes a topic to create.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// DefaultTopics returns the topics the pipeline needs.
func DefaultTopics() []TopicConfig {
	return []TopicConfig{
		{Name: TopicRuns, Partitions: 3, ReplicationFactor: 1},
		{Name: TopicTriggers, Partitions: 1, ReplicationFactor: 1},
	}
}

// Admin manages cluster topics.
type Admin struct {
	client *kgo.Client
	admin  *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Admin{
		client: client,
		admin:  kadm.NewClient(client),
		logger: logger,
	}, nil
}

// EnsureTopics creates any of the given topics that do not already exist.
func (a *Admin) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	existing, err := a.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, t := range topics {
		if existing.Has(t.Name) {
			a.logger.Debug("topic exists", zap.String("topic", t.Name))
			continue
		}
		resp, err := a.admin.CreateTopics(ctx, t.Partitions, t.ReplicationFactor, nil, t.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
		}
		a.logger.Info("topic created",
			zap.String("topic", t.Name),
			zap.Int32("partitions", t.Partitions))
	}
	return nil
}

// HealthCheck verifies broker connectivity.
func (a *Admin) HealthCheck(ctx context.Context) error {
	if _, err := a.admin.ListBrokers(ctx); err != nil {
		return fmt.Errorf("list brokers: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (a *Admin) Close() {
	a.client.Close()
}
