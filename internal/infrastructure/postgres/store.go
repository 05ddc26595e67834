// Package postgres implements the clinical transactional store on
// PostgreSQL via pgx. One table per record type, TEXT attribute columns,
// natural-key primary keys, upserts via INSERT .. ON CONFLICT DO UPDATE.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
)

// Store is a pgx-backed clinical.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store on an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// EnsureSchema creates the record tables if they do not exist. Reference
// columns carry no foreign key constraint: reference resolution is the
// loader's job, and a dangling optional reference is stored as NULL, not
// rejected by the database.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, rt := range clinical.AllTypes() {
		schema, _ := clinical.SchemaFor(rt)

		cols := make([]string, 0, len(schema.Columns)+1)
		cols = append(cols, fmt.Sprintf("%s TEXT PRIMARY KEY", schema.KeyColumn))
		for _, c := range schema.Columns {
			cols = append(cols, fmt.Sprintf("%s TEXT", c))
		}

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", schema.Table, strings.Join(cols, ", "))
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", schema.Table, err)
		}
	}
	s.logger.Info("schema ensured", zap.Int("tables", len(clinical.AllTypes())))
	return nil
}

// Upsert writes one record, overwriting non-key attributes wholesale.
func (s *Store) Upsert(ctx context.Context, rt clinical.RecordType, key string, attrs map[string]string) error {
	schema, ok := clinical.SchemaFor(rt)
	if !ok {
		return fmt.Errorf("%w: unknown record type %q", clinical.ErrNotFound, rt)
	}
	if !clinical.ValidKey(key) {
		return fmt.Errorf("%w: bad key %q for %s", clinical.ErrConstraintViolation, key, rt)
	}

	query, args := upsertSQL(schema, key, attrs)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rt, key, err)
	}
	return nil
}

// UpsertBatch writes a set of records of one type inside a single
// transaction, so downstream readers never observe a half-written batch.
func (s *Store) UpsertBatch(ctx context.Context, rt clinical.RecordType, records []clinical.Record) error {
	schema, ok := clinical.SchemaFor(rt)
	if !ok {
		return fmt.Errorf("%w: unknown record type %q", clinical.ErrNotFound, rt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if !clinical.ValidKey(rec.Key) {
			return fmt.Errorf("%w: bad key %q for %s", clinical.ErrConstraintViolation, rec.Key, rt)
		}
		query, args := upsertSQL(schema, rec.Key, rec.Attrs)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", rt, rec.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertSQL(schema clinical.Schema, key string, attrs map[string]string) (string, []any) {
	cols := make([]string, 0, len(schema.Columns)+1)
	placeholders := make([]string, 0, len(schema.Columns)+1)
	updates := make([]string, 0, len(schema.Columns))
	args := make([]any, 0, len(schema.Columns)+1)

	cols = append(cols, schema.KeyColumn)
	placeholders = append(placeholders, "$1")
	args = append(args, key)

	for i, c := range schema.Columns {
		cols = append(cols, c)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		if v, ok := attrs[c]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		schema.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		schema.KeyColumn,
		strings.Join(updates, ", "),
	)
	return query, args
}

// ReadAll returns the current snapshot of one record type.
func (s *Store) ReadAll(ctx context.Context, rt clinical.RecordType, f *clinical.Filter) ([]clinical.Record, error) {
	schema, ok := clinical.SchemaFor(rt)
	if !ok {
		return nil, fmt.Errorf("%w: unknown record type %q", clinical.ErrNotFound, rt)
	}

	query := fmt.Sprintf("SELECT %s, %s FROM %s",
		schema.KeyColumn, strings.Join(schema.Columns, ", "), schema.Table)
	var args []any
	if f != nil {
		if !columnOf(schema, f.Attr) {
			return nil, fmt.Errorf("%w: no attribute %q on %s", clinical.ErrNotFound, f.Attr, rt)
		}
		query += fmt.Sprintf(" WHERE %s = $1", f.Attr)
		args = append(args, f.Equals)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rt, err)
	}
	defer rows.Close()

	var out []clinical.Record
	for rows.Next() {
		rec, err := scanRecord(rows, rt, schema)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", rt, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows pgx.Rows, rt clinical.RecordType, schema clinical.Schema) (clinical.Record, error) {
	dest := make([]any, len(schema.Columns)+1)
	var key string
	vals := make([]*string, len(schema.Columns))
	dest[0] = &key
	for i := range vals {
		dest[i+1] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return clinical.Record{}, err
	}

	attrs := make(map[string]string, len(schema.Columns))
	for i, c := range schema.Columns {
		if vals[i] != nil {
			attrs[c] = *vals[i]
		}
	}
	return clinical.Record{Type: rt, Key: key, Attrs: attrs}, nil
}

// Keys returns the set of natural keys stored for a type.
func (s *Store) Keys(ctx context.Context, rt clinical.RecordType) (map[string]struct{}, error) {
	schema, ok := clinical.SchemaFor(rt)
	if !ok {
		return nil, fmt.Errorf("%w: unknown record type %q", clinical.ErrNotFound, rt)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", schema.KeyColumn, schema.Table))
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", rt, err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

func columnOf(schema clinical.Schema, name string) bool {
	if name == schema.KeyColumn {
		return true
	}
	for _, c := range schema.Columns {
		if c == name {
			return true
		}
	}
	return false
}
