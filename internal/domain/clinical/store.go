package clinical

import (
	"context"
	"errors"
)

// Store errors. Implementations wrap these so callers can classify failures
// without knowing the backend.
var (
	// ErrNotFound indicates the requested record type or key does not exist.
	ErrNotFound = errors.New("clinical: not found")
	// ErrConstraintViolation indicates a natural key that the store refuses
	// to accept (empty, too long, whitespace).
	ErrConstraintViolation = errors.New("clinical: constraint violation")
	// ErrUnavailable indicates the store could not be reached. Transient;
	// callers may retry.
	ErrUnavailable = errors.New("clinical: store unavailable")
)

// Filter restricts a ReadAll to records whose attribute equals a value.
type Filter struct {
	Attr   string
	Equals string
}

// Store is the transactional source of truth. The Loader is its only writer
// inside the pipeline; the Mart Builder and Index Publisher only read.
type Store interface {
	// Upsert inserts the record or overwrites its non-key attributes in
	// place, keyed by natural key. Attributes absent from attrs are written
	// as unset, not preserved: replacement is wholesale.
	Upsert(ctx context.Context, rt RecordType, key string, attrs map[string]string) error

	// ReadAll returns the current snapshot of one record type, optionally
	// filtered. Ordering is unspecified.
	ReadAll(ctx context.Context, rt RecordType, f *Filter) ([]Record, error)

	// Keys returns the set of natural keys currently stored for a type.
	Keys(ctx context.Context, rt RecordType) (map[string]struct{}, error)
}
