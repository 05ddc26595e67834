package mart

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
)

// Warehouse is the analytical sink. The view is the unit of replacement.
type Warehouse interface {
	ReplaceView(ctx context.Context, view string, columns []string, rows [][]string) error
}

// ViewStats summarizes one view build.
type ViewStats struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Skipped int    `json:"skipped"`
}

// Summary aggregates per-view stats for the run report.
type Summary struct {
	Views []ViewStats `json:"views"`
}

// Skipped returns the total number of skipped source rows.
func (s *Summary) Skipped() int {
	n := 0
	for _, v := range s.Views {
		n += v.Skipped
	}
	return n
}

// Builder materializes views into the warehouse.
type Builder struct {
	store  clinical.Store
	wh     Warehouse
	views  []ViewSpec
	logger *zap.Logger
}

// NewBuilder creates a builder for the given views.
func NewBuilder(store clinical.Store, wh Warehouse, views []ViewSpec, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, wh: wh, views: views, logger: logger}
}

// Run rebuilds every view from the current snapshot. Source rows that
// cannot participate (missing group key, unparseable numeric value) are
// skipped and counted; they never abort the build. A failed view build
// stops the run, leaving earlier views at their new contents.
func (b *Builder) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	for _, spec := range b.views {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("build %s: %w", spec.Name, err)
		}

		stats, err := b.build(ctx, spec)
		if stats != nil {
			summary.Views = append(summary.Views, *stats)
		}
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (b *Builder) build(ctx context.Context, spec ViewSpec) (*ViewStats, error) {
	stats := &ViewStats{Name: spec.Name}

	records, err := b.store.ReadAll(ctx, spec.Source, spec.Filter)
	if err != nil {
		return stats, fmt.Errorf("read %s for view %s: %w", spec.Source, spec.Name, err)
	}

	var columns []string
	var rows [][]string
	if spec.Passthrough {
		columns, rows = b.passthrough(spec, records)
	} else {
		columns, rows = b.aggregate(spec, records, stats)
	}
	stats.Rows = len(rows)

	if err := b.wh.ReplaceView(ctx, spec.Name, columns, rows); err != nil {
		return stats, fmt.Errorf("replace view %s: %w", spec.Name, err)
	}

	b.logger.Info("view built",
		zap.String("view", spec.Name),
		zap.Int("rows", stats.Rows),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// passthrough copies the source type verbatim, ordered by natural key.
func (b *Builder) passthrough(spec ViewSpec, records []clinical.Record) ([]string, [][]string) {
	schema, _ := clinical.SchemaFor(spec.Source)
	columns := append([]string{schema.KeyColumn}, schema.Columns...)

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, 0, len(columns))
		row = append(row, rec.Key)
		for _, c := range schema.Columns {
			row = append(row, rec.Attrs[c])
		}
		rows = append(rows, row)
	}
	return columns, rows
}

// aggregate groups records by the group attribute and applies the
// aggregation, ordered by group key.
func (b *Builder) aggregate(spec ViewSpec, records []clinical.Record, stats *ViewStats) ([]string, [][]string) {
	type bucket struct {
		sum   float64
		count int
	}
	groups := make(map[string]*bucket)

	for _, rec := range records {
		groupKey := rec.Attrs[spec.GroupBy]
		if groupKey == "" {
			stats.Skipped++
			continue
		}

		var value float64
		if spec.Aggregate == AggAvg {
			v, err := strconv.ParseFloat(rec.Attrs[spec.ValueAttr], 64)
			if err != nil {
				stats.Skipped++
				b.logger.Warn("unparseable value skipped",
					zap.String("view", spec.Name),
					zap.String("key", rec.Key),
					zap.String("value", rec.Attrs[spec.ValueAttr]))
				continue
			}
			value = v
		}

		g := groups[groupKey]
		if g == nil {
			g = &bucket{}
			groups[groupKey] = g
		}
		g.sum += value
		g.count++
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		var out string
		switch spec.Aggregate {
		case AggCount:
			out = strconv.Itoa(g.count)
		default:
			out = strconv.FormatFloat(g.sum/float64(g.count), 'f', -1, 64)
		}
		rows = append(rows, []string{k, out})
	}
	return []string{spec.GroupColumn, spec.ValueColumn}, rows
}
