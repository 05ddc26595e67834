// Package loader ingests delimited seed files into the transactional store
// with natural-key upserts. One generic execution path; everything that
// differs per record type lives in a declarative Mapping.
package loader

import (
	"github.com/hlanalytics/go-hla/internal/domain/clinical"
)

// Field maps one source column to a target attribute.
type Field struct {
	// Column is the source column name in the file header.
	Column string
	// Attr is the target attribute (storage column).
	Attr string
	// References names the record type this field points at, if any.
	// Reference values are resolved against the keys visible at load time:
	// unresolved optional references are stored unset, unresolved required
	// references reject the row.
	References clinical.RecordType
	// Required rejects the row when the value is empty or unresolvable.
	Required bool
}

// Mapping is the load configuration for one record type.
type Mapping struct {
	Type clinical.RecordType
	// File is the base file name inside the input directory.
	File string
	// KeyColumn is the source column holding the natural key.
	KeyColumn string
	Fields    []Field
}

// DefaultMappings returns the mappings for the six seed files, in
// dependency order: referenced types load before referencing types so that
// required references resolve within one pass.
func DefaultMappings() []Mapping {
	return []Mapping{
		{
			Type:      clinical.Providers,
			File:      "providers.csv",
			KeyColumn: "provider_id",
			Fields: []Field{
				{Column: "name", Attr: "name"},
				{Column: "specialty", Attr: "specialty"},
			},
		},
		{
			Type:      clinical.Patients,
			File:      "patients.csv",
			KeyColumn: "patient_id",
			Fields: []Field{
				{Column: "first_name", Attr: "first_name"},
				{Column: "last_name", Attr: "last_name"},
				{Column: "gender", Attr: "gender"},
				{Column: "birth_date", Attr: "birth_date"},
				{Column: "address", Attr: "address"},
			},
		},
		{
			Type:      clinical.Encounters,
			File:      "encounters.csv",
			KeyColumn: "encounter_id",
			Fields: []Field{
				{Column: "patient", Attr: "patient_id", References: clinical.Patients, Required: true},
				{Column: "provider", Attr: "provider_id", References: clinical.Providers},
				{Column: "start_time", Attr: "start_time"},
				{Column: "end_time", Attr: "end_time"},
				{Column: "encounter_type", Attr: "encounter_type"},
			},
		},
		{
			Type:      clinical.Observations,
			File:      "observations.csv",
			KeyColumn: "observation_id",
			Fields: []Field{
				{Column: "patient", Attr: "patient_id", References: clinical.Patients, Required: true},
				{Column: "encounter", Attr: "encounter_id", References: clinical.Encounters},
				{Column: "code", Attr: "code"},
				{Column: "value", Attr: "value"},
				{Column: "unit", Attr: "unit"},
				{Column: "effective_time", Attr: "effective_time"},
			},
		},
		{
			Type:      clinical.MedicationOrders,
			File:      "medications.csv",
			KeyColumn: "order_id",
			Fields: []Field{
				{Column: "patient", Attr: "patient_id", References: clinical.Patients, Required: true},
				{Column: "encounter", Attr: "encounter_id", References: clinical.Encounters},
				{Column: "medication_code", Attr: "medication_code"},
				{Column: "dose_mg", Attr: "dose_mg"},
				{Column: "frequency_per_day", Attr: "frequency_per_day"},
				{Column: "start_date", Attr: "start_date"},
				{Column: "end_date", Attr: "end_date"},
			},
		},
		{
			Type:      clinical.LabResults,
			File:      "labs.csv",
			KeyColumn: "lab_id",
			Fields: []Field{
				{Column: "patient", Attr: "patient_id", References: clinical.Patients, Required: true},
				{Column: "encounter", Attr: "encounter_id", References: clinical.Encounters},
				{Column: "test_name", Attr: "test_name"},
				{Column: "result_value", Attr: "result_value"},
				{Column: "reference_low", Attr: "reference_low"},
				{Column: "reference_high", Attr: "reference_high"},
				{Column: "collected_time", Attr: "collected_time"},
			},
		},
	}
}
