package ingest

import (
	"errors"
	"fmt"
	"math"

	"github.com/tabletalk/tabletalk/internal/dataset"
)

type Strategy string

const (
	StrategyFull    Strategy = "full"
	StrategySampled Strategy = "sampled"
)

// ErrInvalidOverride is returned for caller-supplied type overrides that
// name unknown columns or unsupported types.
var ErrInvalidOverride = errors.New("invalid type override")

// Plan says how one profiled file is loaded. It is derived once from the
// profile and not mutated afterwards.
type Plan struct {
	Tier     dataset.SizeTier `json:"tier"`
	Strategy Strategy         `json:"strategy"`
	// SampleFraction and SampleRows are set for the sampled strategy and
	// record the sample actually requested.
	SampleFraction float64                       `json:"sample_fraction,omitempty"`
	SampleRows     int64                         `json:"sample_rows,omitempty"`
	SampleSeed     uint64                        `json:"sample_seed,omitempty"`
	SourceRows     int64                         `json:"source_rows"`
	Columns        []string                      `json:"columns"`
	TypeOverrides  map[string]dataset.ColumnType `json:"type_overrides"`
}

func (p Plan) Sampled() bool {
	return p.Strategy == StrategySampled
}

type PlannerOptions struct {
	SampleFraction float64
	SampleRowCap   int64
	Seed           uint64
}

func (o PlannerOptions) validate() error {
	if o.SampleFraction < 0 || o.SampleFraction > 1 {
		return &dataset.ConfigError{Setting: "sample_fraction", Reason: "must be within [0,1]"}
	}
	if o.SampleRowCap < 0 {
		return &dataset.ConfigError{Setting: "sample_row_cap", Reason: "must be >= 0"}
	}
	if o.SampleFraction == 0 && o.SampleRowCap == 0 {
		return &dataset.ConfigError{Setting: "sample_fraction", Reason: "large datasets need a sample fraction or row cap"}
	}
	return nil
}

type Planner struct {
	opts PlannerOptions
}

func NewPlanner(opts PlannerOptions) (*Planner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Planner{opts: opts}, nil
}

// Plan picks the load strategy for tier. Large datasets are sampled at the
// smaller of the configured fraction and row cap; unknown column types are
// loaded as text.
func (p *Planner) Plan(profile dataset.Profile, tier dataset.SizeTier) (Plan, error) {
	plan := Plan{
		Tier:          tier,
		Strategy:      StrategyFull,
		SourceRows:    profile.RowCount,
		Columns:       profile.ColumnNames(),
		TypeOverrides: make(map[string]dataset.ColumnType, len(profile.Columns)),
	}
	for _, column := range profile.Columns {
		columnType := column.InferredType
		if columnType == dataset.TypeUnknown || columnType == "" {
			columnType = dataset.TypeText
		}
		plan.TypeOverrides[column.Name] = columnType
	}

	if tier == dataset.TierSmall {
		return plan, nil
	}
	if err := p.opts.validate(); err != nil {
		return Plan{}, err
	}

	rows := sampleSize(profile.RowCount, p.opts.SampleFraction, p.opts.SampleRowCap)
	plan.Strategy = StrategySampled
	plan.SampleRows = rows
	plan.SampleSeed = p.opts.Seed
	if profile.RowCount > 0 {
		plan.SampleFraction = math.Min(1, float64(rows)/float64(profile.RowCount))
	}
	return plan, nil
}

func sampleSize(rowCount int64, fraction float64, rowCap int64) int64 {
	target := int64(-1)
	if fraction > 0 {
		target = int64(math.Ceil(fraction * float64(rowCount)))
	}
	if rowCap > 0 && (target < 0 || rowCap < target) {
		target = rowCap
	}
	if target < 1 && rowCount > 0 {
		target = 1
	}
	if target < 0 {
		target = 0
	}
	return target
}

// WithOverrides returns a copy of plan whose column types are replaced by
// overrides. Only planned columns and concrete types are accepted.
func (p Plan) WithOverrides(overrides map[string]dataset.ColumnType) (Plan, error) {
	if len(overrides) == 0 {
		return p, nil
	}
	types := make(map[string]dataset.ColumnType, len(p.TypeOverrides))
	for name, columnType := range p.TypeOverrides {
		types[name] = columnType
	}
	for name, columnType := range overrides {
		if _, ok := types[name]; !ok {
			return Plan{}, fmt.Errorf("%w: unknown column %q", ErrInvalidOverride, name)
		}
		if _, err := dataset.ParseColumnType(string(columnType)); err != nil || columnType == dataset.TypeUnknown {
			return Plan{}, fmt.Errorf("%w: column %q cannot be loaded as %q", ErrInvalidOverride, name, columnType)
		}
		types[name] = columnType
	}
	p.TypeOverrides = types
	return p, nil
}
