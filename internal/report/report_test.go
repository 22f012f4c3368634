package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/query/duckdb"
)

const salesCSV = `region,units,price,paid
north,10,2.5,true
north,20,3.5,true
south,,4.0,false
east,40,5.5,
north,10,2.5,true
`

func loadTable(t *testing.T, data string) (query.Engine, ingest.Table) {
	t.Helper()
	ctx := context.Background()
	src := dataset.BytesSource("sales.csv", dataset.FormatCSV, []byte(data))

	profiler, err := dataset.NewProfiler(dataset.ProfilerOptions{LargeByteThreshold: 1 << 20, PrefixRows: 100})
	require.NoError(t, err)
	profile, err := profiler.Profile(ctx, src)
	require.NoError(t, err)
	planner, err := ingest.NewPlanner(ingest.PlannerOptions{SampleFraction: 0.1})
	require.NoError(t, err)
	plan, err := planner.Plan(profile, dataset.TierSmall)
	require.NoError(t, err)

	engine, err := duckdb.Open(ctx, duckdb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	loader := ingest.NewLoader(ingest.LoaderOptions{Nulls: profiler.NullSet(), WorkDir: t.TempDir(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	table, err := loader.Load(ctx, engine, ingest.Target{SessionID: "s1", UploadID: "u1", TableName: "uploaded_data"}, src, plan)
	require.NoError(t, err)
	return engine, table
}

func TestBuildReport(t *testing.T) {
	engine, table := loadTable(t, salesCSV)

	rep, err := Build(context.Background(), engine, Input{Table: table.Name, Columns: table.Columns, SourceBytes: int64(len(salesCSV))})
	require.NoError(t, err)

	assert.Equal(t, int64(5), rep.Overview.Rows)
	assert.Equal(t, 4, rep.Overview.Columns)
	assert.Equal(t, int64(5), rep.Overview.SourceRows)
	assert.False(t, rep.Overview.Sampled)

	require.Len(t, rep.Columns, 4)
	assert.Equal(t, ColumnSummary{Name: "units", Type: dataset.TypeInteger, NonNull: 4, Null: 1, NullPercent: 20}, rep.Columns[1])
	assert.Equal(t, []MissingValues{{Column: "units", Count: 1}, {Column: "paid", Count: 1}}, rep.Missing)

	require.Len(t, rep.Numeric, 2)
	units := rep.Numeric[0]
	assert.Equal(t, "units", units.Column)
	assert.Equal(t, int64(4), units.Count)
	require.NotNil(t, units.Mean)
	assert.InDelta(t, 20.0, *units.Mean, 1e-9)
	assert.InDelta(t, 10.0, *units.Min, 1e-9)
	assert.InDelta(t, 40.0, *units.Max, 1e-9)
	assert.InDelta(t, 15.0, *units.Median, 1e-9)

	require.Len(t, rep.Distributions, 2)
	var binned int64
	for _, bin := range rep.Distributions[0].Bins {
		binned += bin.Count
	}
	assert.Equal(t, int64(4), binned)

	require.NotNil(t, rep.Correlation)
	assert.Equal(t, []string{"units", "price"}, rep.Correlation.Columns)
	require.NotNil(t, rep.Correlation.Matrix[0][1])
	assert.Greater(t, *rep.Correlation.Matrix[0][1], 0.9)
	assert.Equal(t, rep.Correlation.Matrix[0][1], rep.Correlation.Matrix[1][0])

	require.Len(t, rep.Categorical, 2)
	assert.Equal(t, "region", rep.Categorical[0].Column)
	assert.Equal(t, ValueCount{Value: "north", Count: 3}, rep.Categorical[0].Top[0])

	assert.Equal(t, Quality{
		TotalCells:         20,
		MissingCells:       2,
		MissingPercent:     10,
		DuplicateRows:      1,
		NumericColumns:     2,
		CategoricalColumns: 2,
	}, rep.Quality)
}

func TestBuildReportConstantColumnHasSingleBin(t *testing.T) {
	engine, table := loadTable(t, "k,v\n1,a\n1,b\n1,c\n")

	rep, err := Build(context.Background(), engine, Input{Table: table.Name, Columns: table.Columns})
	require.NoError(t, err)
	require.Len(t, rep.Distributions, 1)
	assert.Equal(t, []Bin{{Lower: 1, Upper: 1, Count: 3}}, rep.Distributions[0].Bins)
	assert.Nil(t, rep.Correlation)
	require.NotNil(t, rep.Numeric[0].Std)
	assert.Zero(t, *rep.Numeric[0].Std)
}

func TestBuildReportWrapsEngineErrors(t *testing.T) {
	engine := failingEngine{err: &query.EngineError{Err: errors.New("Catalog Error: Table does not exist")}}
	_, err := Build(context.Background(), engine, Input{Table: "uploaded_data", Columns: []query.Column{{Name: "a", Type: dataset.TypeText}}})
	var engineErr *query.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.True(t, strings.Contains(err.Error(), "column counts"))
}

func TestBuildReportRequiresColumns(t *testing.T) {
	_, err := Build(context.Background(), failingEngine{}, Input{Table: "t"})
	require.Error(t, err)
}

type failingEngine struct {
	err error
}

func (f failingEngine) ReplaceTable(context.Context, query.LoadRequest) (query.TableInfo, error) {
	return query.TableInfo{}, f.err
}

func (f failingEngine) Execute(context.Context, query.Request) (query.Result, error) {
	return query.Result{}, f.err
}

func (f failingEngine) Close() error { return nil }
