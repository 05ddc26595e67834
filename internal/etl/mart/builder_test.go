package mart

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
	"github.com/hlanalytics/go-hla/internal/infrastructure/memstore"
)

// fakeWarehouse records the last replacement per view.
type fakeWarehouse struct {
	columns map[string][]string
	rows    map[string][][]string
	failOn  string
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		columns: make(map[string][]string),
		rows:    make(map[string][][]string),
	}
}

func (f *fakeWarehouse) ReplaceView(ctx context.Context, view string, columns []string, rows [][]string) error {
	if view == f.failOn {
		return errors.New("sink down")
	}
	f.columns[view] = columns
	f.rows[view] = rows
	return nil
}

func seedObservations(t *testing.T, store *memstore.Store, rows ...[3]string) {
	t.Helper()
	for i, r := range rows {
		attrs := map[string]string{"patient_id": r[0], "code": r[1], "value": r[2]}
		key := fmt.Sprintf("O%d", i+1)
		if err := store.Upsert(context.Background(), clinical.Observations, key, attrs); err != nil {
			t.Fatalf("seed observation: %v", err)
		}
	}
}

func TestAverageByGroup(t *testing.T) {
	store := memstore.NewStore()
	seedObservations(t, store,
		[3]string{"P1", "BP_SYS", "120"},
		[3]string{"P1", "BP_SYS", "130"},
		[3]string{"P2", "BP_SYS", "141"},
		[3]string{"P2", "HEART_RATE", "72"}, // filtered out
	)

	wh := newFakeWarehouse()
	b := NewBuilder(store, wh, DefaultViews()[1:2], nil)

	sum, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Views[0].Rows != 2 {
		t.Fatalf("rows = %d, want 2", sum.Views[0].Rows)
	}

	want := [][]string{{"P1", "125"}, {"P2", "141"}}
	if !reflect.DeepEqual(wh.rows["bp_by_patient"], want) {
		t.Errorf("rows = %v, want %v", wh.rows["bp_by_patient"], want)
	}
	if !reflect.DeepEqual(wh.columns["bp_by_patient"], []string{"patient_id", "avg_sys_bp"}) {
		t.Errorf("columns = %v", wh.columns["bp_by_patient"])
	}
}

func TestUnparseableValueSkipped(t *testing.T) {
	store := memstore.NewStore()
	seedObservations(t, store,
		[3]string{"P1", "BP_SYS", "120"},
		[3]string{"P1", "BP_SYS", "not-a-number"},
		[3]string{"", "BP_SYS", "110"}, // missing group key
	)

	wh := newFakeWarehouse()
	b := NewBuilder(store, wh, DefaultViews()[1:2], nil)

	sum, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := sum.Views[0].Skipped; got != 2 {
		t.Errorf("skipped = %d, want 2", got)
	}
	want := [][]string{{"P1", "120"}}
	if !reflect.DeepEqual(wh.rows["bp_by_patient"], want) {
		t.Errorf("rows = %v, want %v", wh.rows["bp_by_patient"], want)
	}
}

func TestCountByGroup(t *testing.T) {
	store := memstore.NewStore()
	for i, pid := range []string{"P2", "P1", "P2", "P2"} {
		attrs := map[string]string{"patient_id": pid, "test_name": "CBC"}
		if err := store.Upsert(context.Background(), clinical.LabResults, fmt.Sprintf("L%d", i+1), attrs); err != nil {
			t.Fatalf("seed lab: %v", err)
		}
	}

	wh := newFakeWarehouse()
	b := NewBuilder(store, wh, DefaultViews()[2:3], nil)

	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := [][]string{{"P1", "1"}, {"P2", "3"}}
	if !reflect.DeepEqual(wh.rows["lab_count_by_patient"], want) {
		t.Errorf("rows = %v, want %v", wh.rows["lab_count_by_patient"], want)
	}
}

func TestPassthroughOrderedByKey(t *testing.T) {
	store := memstore.NewStore()
	for _, p := range []struct{ key, name string }{
		{"P3", "Grace"}, {"P1", "Ada"}, {"P2", "Alan"},
	} {
		attrs := map[string]string{"first_name": p.name}
		if err := store.Upsert(context.Background(), clinical.Patients, p.key, attrs); err != nil {
			t.Fatalf("seed patient: %v", err)
		}
	}

	wh := newFakeWarehouse()
	b := NewBuilder(store, wh, DefaultViews()[0:1], nil)

	if _, err := b.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := wh.rows["patients"]
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i, wantKey := range []string{"P1", "P2", "P3"} {
		if rows[i][0] != wantKey {
			t.Errorf("row %d key = %q, want %q", i, rows[i][0], wantKey)
		}
	}
}

func TestRebuildIsByteIdentical(t *testing.T) {
	store := memstore.NewStore()
	seedObservations(t, store,
		[3]string{"P1", "BP_SYS", "120"},
		[3]string{"P2", "BP_SYS", "135.5"},
		[3]string{"P1", "BP_SYS", "118"},
	)
	for _, key := range []string{"P2", "P1"} {
		if err := store.Upsert(context.Background(), clinical.Patients, key, map[string]string{"first_name": "X"}); err != nil {
			t.Fatalf("seed patient: %v", err)
		}
	}

	first := newFakeWarehouse()
	if _, err := NewBuilder(store, first, DefaultViews(), nil).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second := newFakeWarehouse()
	if _, err := NewBuilder(store, second, DefaultViews(), nil).Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !reflect.DeepEqual(first.rows, second.rows) {
		t.Errorf("rebuild diverged:\n%v\n%v", first.rows, second.rows)
	}
	if !reflect.DeepEqual(first.columns, second.columns) {
		t.Errorf("columns diverged")
	}
}

func TestFailedViewStopsRun(t *testing.T) {
	store := memstore.NewStore()
	if err := store.Upsert(context.Background(), clinical.Patients, "P1", map[string]string{"first_name": "Ada"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	wh := newFakeWarehouse()
	wh.failOn = "patients"
	b := NewBuilder(store, wh, DefaultViews(), nil)

	sum, err := b.Run(context.Background())
	if err == nil {
		t.Fatal("run succeeded, want error")
	}
	// Later views must not have been attempted.
	if len(sum.Views) != 1 {
		t.Errorf("views attempted = %d, want 1", len(sum.Views))
	}
	if _, built := wh.rows["bp_by_patient"]; built {
		t.Error("bp_by_patient built after earlier failure")
	}
}
