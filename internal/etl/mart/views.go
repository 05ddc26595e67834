// Package mart rebuilds read-optimized aggregate views from the
// transactional snapshot. Every build is a full recompute with
// deterministic row ordering, so rebuilding over an unchanged snapshot
// produces byte-identical views. There is no incremental path.
package mart

import (
	"github.com/hlanalytics/go-hla/internal/domain/clinical"
)

// AggFunc names an aggregation over a group of records.
type AggFunc string

const (
	// AggAvg averages a numeric value attribute per group.
	AggAvg AggFunc = "avg"
	// AggCount counts records per group.
	AggCount AggFunc = "count"
)

// ViewSpec declares one view: either a passthrough copy of a source type or
// a grouped aggregate. The spec is data; the builder is the single
// execution path.
type ViewSpec struct {
	// Name is the warehouse table to replace.
	Name string
	// Source is the record type read from the transactional store.
	Source clinical.RecordType
	// Filter restricts source records before grouping.
	Filter *clinical.Filter

	// Passthrough copies source records verbatim, one column per attribute.
	Passthrough bool

	// GroupBy is the attribute whose value keys each output row.
	GroupBy string
	// Aggregate is applied per group.
	Aggregate AggFunc
	// ValueAttr is the numeric attribute aggregated by AggAvg.
	ValueAttr string
	// GroupColumn and ValueColumn name the two output columns.
	GroupColumn string
	ValueColumn string
}

// DefaultViews returns the standard marts: the full patient roster, mean
// systolic blood pressure per patient, and lab volume per patient.
func DefaultViews() []ViewSpec {
	return []ViewSpec{
		{
			Name:        "patients",
			Source:      clinical.Patients,
			Passthrough: true,
		},
		{
			Name:        "bp_by_patient",
			Source:      clinical.Observations,
			Filter:      &clinical.Filter{Attr: "code", Equals: "BP_SYS"},
			GroupBy:     "patient_id",
			Aggregate:   AggAvg,
			ValueAttr:   "value",
			GroupColumn: "patient_id",
			ValueColumn: "avg_sys_bp",
		},
		{
			Name:        "lab_count_by_patient",
			Source:      clinical.LabResults,
			GroupBy:     "patient_id",
			Aggregate:   AggCount,
			GroupColumn: "patient_id",
			ValueColumn: "lab_count",
		},
	}
}
