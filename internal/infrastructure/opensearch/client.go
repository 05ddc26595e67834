// Package opensearch is the search sink. Documents are keyed by the source
// record's natural key, so publishing the same record twice replaces the
// document in place. Calls go through a circuit breaker; the publisher never
// deletes documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	opensearchgo "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/pkg/circuitbreaker"
)

// Config holds client configuration.
type Config struct {
	// Addresses lists cluster node URLs.
	Addresses []string
	Username  string
	Password  string
}

// DefaultConfig returns a single-node local cluster.
func DefaultConfig() Config {
	return Config{Addresses: []string{"http://localhost:9200"}}
}

// Client wraps the official OpenSearch client behind a breaker.
type Client struct {
	os      *opensearchgo.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewClient creates a breaker-wrapped client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	osc, err := opensearchgo.NewClient(opensearchgo.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	return &Client{
		os:      osc,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("opensearch"), logger),
		logger:  logger,
	}, nil
}

// EnsureIndex creates the index if absent. Already-exists is success.
func (c *Client) EnsureIndex(ctx context.Context, name string) error {
	return c.breaker.Do(ctx, "ensure_index", func() error {
		req := opensearchapi.IndicesCreateRequest{Index: name}
		res, err := req.Do(ctx, c.os)
		if err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		defer res.Body.Close()

		if res.IsError() {
			if res.StatusCode == http.StatusBadRequest && alreadyExists(res.Body) {
				c.logger.Debug("index already exists", zap.String("index", name))
				return nil
			}
			return fmt.Errorf("create index %s: %s", name, res.Status())
		}

		c.logger.Info("index created", zap.String("index", name))
		return nil
	})
}

// PutDocument indexes one document, replacing any prior document with the
// same id.
func (c *Client) PutDocument(ctx context.Context, index, id string, doc map[string]string) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", id, err)
	}

	return c.breaker.Do(ctx, "put_document", func() error {
		req := opensearchapi.IndexRequest{
			Index:      index,
			DocumentID: id,
			Body:       bytes.NewReader(body),
		}
		res, err := req.Do(ctx, c.os)
		if err != nil {
			return fmt.Errorf("index %s/%s: %w", index, id, err)
		}
		defer res.Body.Close()

		if res.IsError() {
			return fmt.Errorf("index %s/%s: %s", index, id, res.Status())
		}
		return nil
	})
}

// Ping verifies cluster connectivity.
func (c *Client) Ping(ctx context.Context) error {
	req := opensearchapi.PingRequest{}
	res, err := req.Do(ctx, c.os)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping: %s", res.Status())
	}
	return nil
}

func alreadyExists(body io.Reader) bool {
	var payload struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return false
	}
	return payload.Error.Type == "resource_already_exists_exception"
}
