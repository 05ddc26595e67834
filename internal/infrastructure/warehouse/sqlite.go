// Package warehouse is the analytical sink: an embedded SQLite database
// holding read-optimized views. The view is the unit of replacement — each
// write drops and recreates the whole view inside one transaction, so
// readers see either the previous build or the new one, never a mix.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Store is a SQLite-backed analytical store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (creating if needed) the warehouse database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "warehouse.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps view replacement serialized.
	db.SetMaxOpenConns(1)

	return &Store{db: db, logger: logger}, nil
}

// ReplaceView replaces the named view wholesale. All columns are TEXT; rows
// must have exactly len(columns) fields.
func (s *Store) ReplaceView(ctx context.Context, view string, columns []string, rows [][]string) error {
	if err := validIdent(view); err != nil {
		return err
	}
	for _, c := range columns {
		if err := validIdent(c); err != nil {
			return err
		}
	}
	if len(columns) == 0 {
		return fmt.Errorf("warehouse: view %s has no columns", view)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", view)); err != nil {
		return fmt.Errorf("drop %s: %w", view, err)
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = c + " TEXT"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", view, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", view, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", view, strings.Join(columns, ", "), placeholders)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("warehouse: view %s row has %d fields, want %d", view, len(row), len(columns))
		}
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", view, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", view, err)
	}

	s.logger.Info("view replaced", zap.String("view", view), zap.Int("rows", len(rows)))
	return nil
}

// ReadView returns the full contents of a view in rowid order, which for a
// freshly built view is insertion order.
func (s *Store) ReadView(ctx context.Context, view string) ([]string, [][]string, error) {
	if err := validIdent(view); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY rowid", view))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", view, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns of %s: %w", view, err)
	}

	var out [][]string
	for rows.Next() {
		vals := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", view, err)
		}
		row := make([]string, len(columns))
		for i, v := range vals {
			row[i] = v.String
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func validIdent(name string) error {
	if name == "" {
		return errors.New("warehouse: empty identifier")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("warehouse: bad identifier %q", name)
			}
		default:
			return fmt.Errorf("warehouse: bad identifier %q", name)
		}
	}
	return nil
}
