package ingest

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletalk/tabletalk/internal/dataset"
)

func testProfile(rows int64) dataset.Profile {
	return dataset.Profile{
		FileName:    "events.csv",
		Format:      dataset.FormatCSV,
		RowCount:    rows,
		ColumnCount: 3,
		Columns: []dataset.ColumnProfile{
			{Name: "id", InferredType: dataset.TypeInteger},
			{Name: "label", InferredType: dataset.TypeText},
			{Name: "empty", InferredType: dataset.TypeUnknown, NullRatio: 1},
		},
	}
}

func TestPlanSmallTierLoadsEverything(t *testing.T) {
	planner, err := NewPlanner(PlannerOptions{SampleFraction: 0.1, SampleRowCap: 100_000, Seed: 42})
	require.NoError(t, err)

	plan, err := planner.Plan(testProfile(500), dataset.TierSmall)
	require.NoError(t, err)

	assert.Equal(t, StrategyFull, plan.Strategy)
	assert.False(t, plan.Sampled())
	assert.Zero(t, plan.SampleRows)
	assert.Equal(t, []string{"id", "label", "empty"}, plan.Columns)
	assert.Equal(t, dataset.TypeInteger, plan.TypeOverrides["id"])
	assert.Equal(t, dataset.TypeText, plan.TypeOverrides["empty"], "unknown columns load as text")
}

func TestPlanLargeTierSamplesAtSmallerOfFractionAndCap(t *testing.T) {
	planner, err := NewPlanner(PlannerOptions{SampleFraction: 0.1, SampleRowCap: 100_000, Seed: 42})
	require.NoError(t, err)

	plan, err := planner.Plan(testProfile(2_000_000), dataset.TierLarge)
	require.NoError(t, err)
	assert.Equal(t, StrategySampled, plan.Strategy)
	assert.Equal(t, int64(100_000), plan.SampleRows)
	assert.InDelta(t, 0.05, plan.SampleFraction, 1e-9)
	assert.Equal(t, uint64(42), plan.SampleSeed)

	plan, err = planner.Plan(testProfile(300_000), dataset.TierLarge)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), plan.SampleRows)
	assert.InDelta(t, 0.1, plan.SampleFraction, 1e-9)
}

func TestPlanLargeTierWithOnlyCap(t *testing.T) {
	planner, err := NewPlanner(PlannerOptions{SampleRowCap: 10})
	require.NoError(t, err)

	plan, err := planner.Plan(testProfile(1_000), dataset.TierLarge)
	require.NoError(t, err)
	assert.Equal(t, int64(10), plan.SampleRows)
}

func TestNewPlannerRequiresSamplingConfiguration(t *testing.T) {
	tests := []PlannerOptions{
		{},
		{SampleFraction: -0.1, SampleRowCap: 10},
		{SampleFraction: 1.5},
		{SampleFraction: 0.1, SampleRowCap: -1},
	}
	for _, opts := range tests {
		_, err := NewPlanner(opts)
		var configErr *dataset.ConfigError
		require.ErrorAs(t, err, &configErr, "%+v", opts)
	}
}

func TestWithOverridesValidatesColumnsAndTypes(t *testing.T) {
	planner, err := NewPlanner(PlannerOptions{SampleFraction: 0.5})
	require.NoError(t, err)
	plan, err := planner.Plan(testProfile(10), dataset.TierSmall)
	require.NoError(t, err)

	overridden, err := plan.WithOverrides(map[string]dataset.ColumnType{"id": dataset.TypeText})
	require.NoError(t, err)
	assert.Equal(t, dataset.TypeText, overridden.TypeOverrides["id"])
	assert.Equal(t, dataset.TypeInteger, plan.TypeOverrides["id"], "original plan is not mutated")

	_, err = plan.WithOverrides(map[string]dataset.ColumnType{"missing": dataset.TypeText})
	assert.True(t, errors.Is(err, ErrInvalidOverride))

	_, err = plan.WithOverrides(map[string]dataset.ColumnType{"id": dataset.TypeUnknown})
	assert.True(t, errors.Is(err, ErrInvalidOverride))

	_, err = plan.WithOverrides(map[string]dataset.ColumnType{"id": "money"})
	assert.True(t, errors.Is(err, ErrInvalidOverride))
}

func TestSampleSizeProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("sample never exceeds cap, fraction or source rows", prop.ForAll(
		func(rows int64, fraction float64, rowCap int64) bool {
			size := sampleSize(rows, fraction, rowCap)
			if size < 1 || size > rowCap {
				return false
			}
			fractionTarget := int64(fraction*float64(rows)) + 1
			return size <= fractionTarget && size <= rows
		},
		gen.Int64Range(1, 50_000_000),
		gen.Float64Range(0.0001, 1),
		gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
