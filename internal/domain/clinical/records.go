// Package clinical defines the clinical record model and the transactional
// store contract. Records are identified by natural keys assigned by the
// source system, never by generated surrogate keys, so repeated loads of the
// same input converge on the same store state.
package clinical

// RecordType identifies one of the clinical record families.
type RecordType string

const (
	Patients         RecordType = "patients"
	Providers        RecordType = "providers"
	Encounters       RecordType = "encounters"
	Observations     RecordType = "observations"
	MedicationOrders RecordType = "medication_orders"
	LabResults       RecordType = "lab_results"
)

// Record is one clinical record: its natural key plus non-key attributes.
// Attributes are carried as strings end to end; the data originates in
// delimited text files and consumers parse what they need.
type Record struct {
	Type  RecordType
	Key   string
	Attrs map[string]string
}

// Schema describes the storage shape of one record type.
type Schema struct {
	Table     string
	KeyColumn string
	// Columns lists the non-key attribute columns in declaration order.
	Columns []string
}

var schemas = map[RecordType]Schema{
	Patients: {
		Table:     "patients",
		KeyColumn: "patient_id",
		Columns:   []string{"first_name", "last_name", "gender", "birth_date", "address"},
	},
	Providers: {
		Table:     "providers",
		KeyColumn: "provider_id",
		Columns:   []string{"name", "specialty"},
	},
	Encounters: {
		Table:     "encounters",
		KeyColumn: "encounter_id",
		Columns:   []string{"patient_id", "provider_id", "start_time", "end_time", "encounter_type"},
	},
	Observations: {
		Table:     "observations",
		KeyColumn: "observation_id",
		Columns:   []string{"patient_id", "encounter_id", "code", "value", "unit", "effective_time"},
	},
	MedicationOrders: {
		Table:     "medication_orders",
		KeyColumn: "order_id",
		Columns:   []string{"patient_id", "encounter_id", "medication_code", "dose_mg", "frequency_per_day", "start_date", "end_date"},
	},
	LabResults: {
		Table:     "lab_results",
		KeyColumn: "lab_id",
		Columns:   []string{"patient_id", "encounter_id", "test_name", "result_value", "reference_low", "reference_high", "collected_time"},
	},
}

// SchemaFor returns the storage schema for a record type.
func SchemaFor(rt RecordType) (Schema, bool) {
	s, ok := schemas[rt]
	return s, ok
}

// AllTypes returns every record type in loader dependency order: referenced
// types before referencing types.
func AllTypes() []RecordType {
	return []RecordType{Providers, Patients, Encounters, Observations, MedicationOrders, LabResults}
}

// MaxKeyLen bounds natural key length; the source system caps identifiers
// at 50 characters.
const MaxKeyLen = 50

// ValidKey reports whether a natural key is acceptable for storage.
func ValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLen {
		return false
	}
	for _, r := range key {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return false
		}
	}
	return true
}
