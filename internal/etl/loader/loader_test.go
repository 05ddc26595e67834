package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
	"github.com/hlanalytics/go-hla/internal/infrastructure/memstore"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func patientMapping() Mapping {
	return Mapping{
		Type:      clinical.Patients,
		File:      "patients.csv",
		KeyColumn: "patient_id",
		Fields: []Field{
			{Column: "first_name", Attr: "first_name"},
			{Column: "last_name", Attr: "last_name"},
		},
	}
}

func encounterMapping() Mapping {
	return Mapping{
		Type:      clinical.Encounters,
		File:      "encounters.csv",
		KeyColumn: "encounter_id",
		Fields: []Field{
			{Column: "patient", Attr: "patient_id", References: clinical.Patients, Required: true},
			{Column: "provider", Attr: "provider_id", References: clinical.Providers},
			{Column: "encounter_type", Attr: "encounter_type"},
		},
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\nP1,Ada,Lovelace\nP2,Alan,Turing\n")

	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping()}, nil)

	for i := 0; i < 2; i++ {
		sum, err := ld.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if got := sum.Loaded(); got != 2 {
			t.Fatalf("run %d: loaded = %d, want 2", i, got)
		}
	}

	if got := store.Count(clinical.Patients); got != 2 {
		t.Fatalf("patient count after double load = %d, want 2", got)
	}
}

func TestUpsertReplacesAttributesWholesale(t *testing.T) {
	dir := t.TempDir()
	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping()}, nil)

	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\nP1,Ada,Lovelace\n")
	if _, err := ld.Run(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}

	// Second file omits last_name entirely; the reload must not keep the
	// stale value.
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\nP1,Augusta,\n")
	if _, err := ld.Run(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}

	recs, err := store.ReadAll(context.Background(), clinical.Patients, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Attrs["first_name"] != "Augusta" {
		t.Errorf("first_name = %q, want Augusta", recs[0].Attrs["first_name"])
	}
	if recs[0].Attrs["last_name"] != "" {
		t.Errorf("last_name = %q, want empty after replacement", recs[0].Attrs["last_name"])
	}
}

func TestRowRejectionDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	longKey := strings.Repeat("x", clinical.MaxKeyLen+1)
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\n"+
			"P1,Ada,Lovelace\n"+
			",Missing,Key\n"+
			longKey+",Too,Long\n"+
			"P2,Alan,Turing\n")

	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping()}, nil)

	sum, err := ld.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := sum.Loaded(); got != 2 {
		t.Errorf("loaded = %d, want 2", got)
	}
	if got := sum.Rejected(); got != 2 {
		t.Errorf("rejected = %d, want 2", got)
	}
	if len(sum.Types[0].Errors) != 2 {
		t.Fatalf("row errors = %d, want 2", len(sum.Types[0].Errors))
	}
	if sum.Types[0].Errors[0].Line != 3 {
		t.Errorf("first error line = %d, want 3", sum.Types[0].Errors[0].Line)
	}
}

func TestRequiredReferenceUnresolvedRejectsRow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\nP1,Ada,Lovelace\n")
	writeFile(t, dir, "encounters.csv",
		"encounter_id,patient,provider,encounter_type\n"+
			"E1,P1,,checkup\n"+
			"E2,P9,,checkup\n")

	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping(), encounterMapping()}, nil)

	sum, err := ld.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	enc := sum.Types[1]
	if enc.Loaded != 1 || enc.Rejected != 1 {
		t.Fatalf("encounters loaded=%d rejected=%d, want 1/1", enc.Loaded, enc.Rejected)
	}
	if !strings.Contains(enc.Errors[0].Reason, "unresolved required reference") {
		t.Errorf("reason = %q", enc.Errors[0].Reason)
	}
}

func TestOptionalReferenceUnresolvedStoredUnset(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\nP1,Ada,Lovelace\n")
	writeFile(t, dir, "encounters.csv",
		"encounter_id,patient,provider,encounter_type\nE1,P1,DR404,checkup\n")

	store := memstore.NewStore()
	mappings := []Mapping{patientMapping(), encounterMapping()}
	ld := New(store, dir, mappings, nil)

	if _, err := ld.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	recs, err := store.ReadAll(context.Background(), clinical.Encounters, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, set := recs[0].Attrs["provider_id"]; set {
		t.Fatalf("provider_id = %q, want unset", recs[0].Attrs["provider_id"])
	}

	// The provider appears later, then the same file loads again without the
	// dangling row. The earlier record stays as loaded: references are
	// resolved at load time, never repaired retroactively.
	if err := store.Upsert(context.Background(), clinical.Providers, "DR404", map[string]string{"name": "Dr. Late"}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	writeFile(t, dir, "encounters.csv",
		"encounter_id,patient,provider,encounter_type\nE2,P1,DR404,followup\n")
	if _, err := ld.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	recs, err = store.ReadAll(context.Background(), clinical.Encounters, &clinical.Filter{Attr: "encounter_id", Equals: "E1"})
	if err != nil {
		t.Fatalf("read E1: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("E1 records = %d, want 1", len(recs))
	}
	if _, set := recs[0].Attrs["provider_id"]; set {
		t.Errorf("E1 provider_id repaired to %q, want still unset", recs[0].Attrs["provider_id"])
	}
}

func TestAllRowsRejectedFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\n,Ada,Lovelace\n,Alan,Turing\n")

	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping()}, nil)

	_, err := ld.Run(context.Background())
	if !errors.Is(err, ErrAllRowsRejected) {
		t.Fatalf("err = %v, want ErrAllRowsRejected", err)
	}
}

func TestMissingKeyColumnFailsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patients.csv",
		"id,first_name,last_name\nP1,Ada,Lovelace\n")

	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping()}, nil)

	_, err := ld.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing key column") {
		t.Fatalf("err = %v, want missing key column", err)
	}
}

func TestCancellationStopsAtRowBoundary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patients.csv",
		"patient_id,first_name,last_name\nP1,Ada,Lovelace\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := memstore.NewStore()
	ld := New(store, dir, []Mapping{patientMapping()}, nil)

	_, err := ld.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDefaultMappingsCoverAllTypes(t *testing.T) {
	mappings := DefaultMappings()
	if len(mappings) != len(clinical.AllTypes()) {
		t.Fatalf("mappings = %d, want %d", len(mappings), len(clinical.AllTypes()))
	}
	seen := map[clinical.RecordType]bool{}
	for _, m := range mappings {
		if seen[m.Type] {
			t.Errorf("duplicate mapping for %s", m.Type)
		}
		seen[m.Type] = true
		if _, ok := clinical.SchemaFor(m.Type); !ok {
			t.Errorf("mapping %s has no schema", m.Type)
		}
	}
}
