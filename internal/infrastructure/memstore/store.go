// Package memstore is an in-memory clinical.Store used by tests and local
// runs without a database attached. It mirrors the PostgreSQL store's
// semantics: natural-key upserts with wholesale attribute replacement.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
)

// Store holds records per type, keyed by natural key.
type Store struct {
	mu      sync.RWMutex
	records map[clinical.RecordType]map[string]map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[clinical.RecordType]map[string]map[string]string)}
}

// Upsert inserts or overwrites one record.
func (s *Store) Upsert(ctx context.Context, rt clinical.RecordType, key string, attrs map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	schema, ok := clinical.SchemaFor(rt)
	if !ok {
		return fmt.Errorf("%w: unknown record type %q", clinical.ErrNotFound, rt)
	}
	if !clinical.ValidKey(key) {
		return fmt.Errorf("%w: bad key %q for %s", clinical.ErrConstraintViolation, key, rt)
	}

	// Replacement is wholesale: only attributes present in attrs survive.
	stored := make(map[string]string, len(attrs))
	for _, c := range schema.Columns {
		if v, ok := attrs[c]; ok {
			stored[c] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.records[rt]
	if byKey == nil {
		byKey = make(map[string]map[string]string)
		s.records[rt] = byKey
	}
	byKey[key] = stored
	return nil
}

// ReadAll returns a snapshot of one record type.
func (s *Store) ReadAll(ctx context.Context, rt clinical.RecordType, f *clinical.Filter) ([]clinical.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	schema, ok := clinical.SchemaFor(rt)
	if !ok {
		return nil, fmt.Errorf("%w: unknown record type %q", clinical.ErrNotFound, rt)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []clinical.Record
	for key, attrs := range s.records[rt] {
		if f != nil {
			var v string
			if f.Attr == schema.KeyColumn {
				v = key
			} else {
				v = attrs[f.Attr]
			}
			if v != f.Equals {
				continue
			}
		}
		copied := make(map[string]string, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
		out = append(out, clinical.Record{Type: rt, Key: key, Attrs: copied})
	}
	return out, nil
}

// Keys returns the set of stored natural keys for a type.
func (s *Store) Keys(ctx context.Context, rt clinical.RecordType) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make(map[string]struct{}, len(s.records[rt]))
	for k := range s.records[rt] {
		keys[k] = struct{}{}
	}
	return keys, nil
}

// Count returns the number of stored records for a type.
func (s *Store) Count(rt clinical.RecordType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[rt])
}
