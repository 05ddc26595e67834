package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
)

// ErrAllRowsRejected marks a file whose every row was rejected. A fully
// rejected file means the wrong file or a broken mapping, not bad rows, so
// it fails the load instead of being absorbed into row-level errors.
var ErrAllRowsRejected = errors.New("loader: all rows rejected")

// BatchUpserter is implemented by stores that can commit a whole file in one
// transaction. When available, downstream readers never observe a
// half-loaded record type.
type BatchUpserter interface {
	UpsertBatch(ctx context.Context, rt clinical.RecordType, records []clinical.Record) error
}

// RowError describes one rejected input row.
type RowError struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// TypeStats summarizes the load of one record type.
type TypeStats struct {
	Type     clinical.RecordType `json:"type"`
	File     string              `json:"file"`
	Read     int                 `json:"read"`
	Loaded   int                 `json:"loaded"`
	Rejected int                 `json:"rejected"`
	Errors   []RowError          `json:"errors,omitempty"`
}

// Summary aggregates per-type stats for the run report.
type Summary struct {
	Types []TypeStats `json:"types"`
}

// Loaded returns the total number of loaded rows.
func (s *Summary) Loaded() int {
	n := 0
	for _, t := range s.Types {
		n += t.Loaded
	}
	return n
}

// Rejected returns the total number of rejected rows.
func (s *Summary) Rejected() int {
	n := 0
	for _, t := range s.Types {
		n += t.Rejected
	}
	return n
}

// Loader upserts seed files into the transactional store.
type Loader struct {
	store    clinical.Store
	dir      string
	mappings []Mapping
	logger   *zap.Logger
}

// New creates a loader reading from dir.
func New(store clinical.Store, dir string, mappings []Mapping, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, dir: dir, mappings: mappings, logger: logger}
}

// Run loads every configured file in mapping order. Row-scoped problems are
// recorded and skipped; Run returns an error only for load-stopping
// conditions: unreadable file, broken header, unreachable store, a fully
// rejected file, or cancellation. Types already loaded when a later type
// fails stay committed.
func (l *Loader) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	for _, m := range l.mappings {
		stats, err := l.loadFile(ctx, m)
		if stats != nil {
			summary.Types = append(summary.Types, *stats)
		}
		if err != nil {
			return summary, err
		}
	}
	l.logger.Info("load complete",
		zap.Int("loaded", summary.Loaded()),
		zap.Int("rejected", summary.Rejected()))
	return summary, nil
}

func (l *Loader) loadFile(ctx context.Context, m Mapping) (*TypeStats, error) {
	stats := &TypeStats{Type: m.Type, File: m.File}

	f, err := os.Open(filepath.Join(l.dir, m.File))
	if err != nil {
		return stats, fmt.Errorf("open %s: %w", m.File, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return stats, fmt.Errorf("read header of %s: %w", m.File, err)
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}

	keyIdx, ok := colIdx[m.KeyColumn]
	if !ok {
		return stats, fmt.Errorf("%s: missing key column %q", m.File, m.KeyColumn)
	}
	for _, field := range m.Fields {
		if _, ok := colIdx[field.Column]; !ok && field.Required {
			return stats, fmt.Errorf("%s: missing required column %q", m.File, field.Column)
		}
	}

	refKeys, err := l.referenceKeys(ctx, m)
	if err != nil {
		return stats, err
	}

	batcher, batched := l.store.(BatchUpserter)
	var batch []clinical.Record

	line := 1 // header consumed
	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("load %s: %w", m.File, err)
		}

		row, err := r.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Malformed line: row-scoped, skip and report.
			stats.Read++
			l.reject(stats, m.File, line, fmt.Sprintf("parse error: %v", err))
			continue
		}
		stats.Read++

		rec, reason := l.mapRow(m, colIdx, keyIdx, refKeys, row)
		if reason != "" {
			l.reject(stats, m.File, line, reason)
			continue
		}

		if batched {
			batch = append(batch, rec)
			stats.Loaded++
			continue
		}

		if err := l.store.Upsert(ctx, m.Type, rec.Key, rec.Attrs); err != nil {
			if errors.Is(err, clinical.ErrConstraintViolation) {
				l.reject(stats, m.File, line, err.Error())
				continue
			}
			return stats, fmt.Errorf("load %s: %w", m.File, err)
		}
		stats.Loaded++
	}

	if batched && len(batch) > 0 {
		if err := batcher.UpsertBatch(ctx, m.Type, batch); err != nil {
			stats.Loaded = 0
			return stats, fmt.Errorf("load %s: %w", m.File, err)
		}
	}

	if stats.Read > 0 && stats.Loaded == 0 {
		return stats, fmt.Errorf("%s: %w (%d rows)", m.File, ErrAllRowsRejected, stats.Read)
	}

	l.logger.Info("file loaded",
		zap.String("file", m.File),
		zap.String("type", string(m.Type)),
		zap.Int("loaded", stats.Loaded),
		zap.Int("rejected", stats.Rejected))
	return stats, nil
}

// mapRow applies the mapping to one row. An empty reason means the record
// is loadable.
func (l *Loader) mapRow(m Mapping, colIdx map[string]int, keyIdx int, refKeys map[clinical.RecordType]map[string]struct{}, row []string) (clinical.Record, string) {
	get := func(col string) string {
		idx, ok := colIdx[col]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	key := ""
	if keyIdx < len(row) {
		key = strings.TrimSpace(row[keyIdx])
	}
	if !clinical.ValidKey(key) {
		return clinical.Record{}, fmt.Sprintf("missing or malformed key %q", key)
	}

	attrs := make(map[string]string, len(m.Fields))
	for _, field := range m.Fields {
		value := get(field.Column)

		if field.References == "" {
			if value == "" && field.Required {
				return clinical.Record{}, fmt.Sprintf("missing required value for %q", field.Column)
			}
			attrs[field.Attr] = value
			continue
		}

		// Reference field: resolve against keys visible at load time.
		if value == "" {
			if field.Required {
				return clinical.Record{}, fmt.Sprintf("missing required reference %q", field.Column)
			}
			continue // optional reference absent: stored unset
		}
		if _, ok := refKeys[field.References][value]; !ok {
			if field.Required {
				return clinical.Record{}, fmt.Sprintf("unresolved required reference %s=%q", field.Column, value)
			}
			continue // unresolvable optional reference: stored unset, never repaired later
		}
		attrs[field.Attr] = value
	}

	return clinical.Record{Type: m.Type, Key: key, Attrs: attrs}, ""
}

// referenceKeys fetches the key sets of every type this mapping references.
func (l *Loader) referenceKeys(ctx context.Context, m Mapping) (map[clinical.RecordType]map[string]struct{}, error) {
	out := make(map[clinical.RecordType]map[string]struct{})
	for _, field := range m.Fields {
		if field.References == "" {
			continue
		}
		if _, done := out[field.References]; done {
			continue
		}
		keys, err := l.store.Keys(ctx, field.References)
		if err != nil {
			return nil, fmt.Errorf("keys of %s: %w", field.References, err)
		}
		out[field.References] = keys
	}
	return out, nil
}

func (l *Loader) reject(stats *TypeStats, file string, line int, reason string) {
	stats.Rejected++
	stats.Errors = append(stats.Errors, RowError{File: file, Line: line, Reason: reason})
	l.logger.Warn("row rejected",
		zap.String("file", file),
		zap.Int("line", line),
		zap.String("reason", reason))
}
