// Package search publishes denormalized lookup documents into the search
// index. Document identity is the source record's natural key: republishing
// replaces in place, never duplicates. The publisher only creates and
// replaces; documents whose source record disappeared are left behind.
package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
	"github.com/hlanalytics/go-hla/internal/pipeline"
	"github.com/hlanalytics/go-hla/pkg/workerpool"
)

// Index is the search sink.
type Index interface {
	// EnsureIndex creates the index if absent; already-exists is success.
	EnsureIndex(ctx context.Context, name string) error
	// PutDocument indexes one document, replacing any prior document with
	// the same id.
	PutDocument(ctx context.Context, index, id string, doc map[string]string) error
}

// Config holds publisher configuration.
type Config struct {
	// Index is the target index name.
	Index string
	// Source is the record type projected into documents.
	Source clinical.RecordType
	// Workers bounds concurrent document publishes.
	Workers int
}

// DefaultConfig publishes patients into the "patients" index.
func DefaultConfig() Config {
	return Config{Index: "patients", Source: clinical.Patients, Workers: 8}
}

// DocError describes one document that could not be published.
type DocError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Summary aggregates publish stats for the run report.
type Summary struct {
	Index     string     `json:"index"`
	Published int        `json:"published"`
	Skipped   int        `json:"skipped"`
	Errors    []DocError `json:"errors,omitempty"`
}

// Publisher projects source records into search documents.
type Publisher struct {
	store  clinical.Store
	index  Index
	config Config
	logger *zap.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(store clinical.Store, index Index, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Publisher{store: store, index: index, config: cfg, logger: logger}
}

// Run publishes one document per source record. Individual publish failures
// are recorded and skipped; Run fails only when the index cannot be
// ensured, the source cannot be read, every document fails, or the run is
// cancelled.
func (p *Publisher) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{Index: p.config.Index}

	records, err := p.store.ReadAll(ctx, p.config.Source, nil)
	if err != nil {
		return summary, fmt.Errorf("read %s: %w", p.config.Source, err)
	}

	if err := p.index.EnsureIndex(ctx, p.config.Index); err != nil {
		return summary, fmt.Errorf("ensure index %s: %w", p.config.Index, err)
	}

	if len(records) == 0 {
		p.logger.Info("nothing to publish", zap.String("index", p.config.Index))
		return summary, nil
	}

	schema, _ := clinical.SchemaFor(p.config.Source)
	jobs := make([]workerpool.Job, len(records))
	for i, rec := range records {
		doc := make(map[string]string, len(rec.Attrs)+1)
		for k, v := range rec.Attrs {
			doc[k] = v
		}
		doc[schema.KeyColumn] = rec.Key
		jobs[i] = workerpool.Job{ID: rec.Key, Payload: doc}
	}

	pool := workerpool.New(workerpool.Config{
		Workers:    p.config.Workers,
		MaxRetries: 3,
		RetryDelay: workerpool.DefaultConfig().RetryDelay,
		Retryable:  pipeline.IsTransient,
	}, p.publish, p.logger)

	for _, res := range pool.Run(ctx, jobs) {
		if res.Err == nil {
			summary.Published++
			continue
		}
		if pipeline.IsCancellation(res.Err) {
			return summary, fmt.Errorf("publish to %s: %w", p.config.Index, res.Err)
		}
		summary.Skipped++
		summary.Errors = append(summary.Errors, DocError{ID: res.JobID, Reason: res.Err.Error()})
		p.logger.Warn("document skipped",
			zap.String("index", p.config.Index),
			zap.String("id", res.JobID),
			zap.Error(res.Err))
	}

	if summary.Published == 0 {
		return summary, fmt.Errorf("publish to %s: all %d documents failed", p.config.Index, len(records))
	}

	p.logger.Info("publish complete",
		zap.String("index", p.config.Index),
		zap.Int("published", summary.Published),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

func (p *Publisher) publish(ctx context.Context, job workerpool.Job) error {
	doc, ok := job.Payload.(map[string]string)
	if !ok {
		return fmt.Errorf("document %s: unexpected payload", job.ID)
	}
	return p.index.PutDocument(ctx, p.config.Index, job.ID, doc)
}
