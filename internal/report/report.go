// Package report computes an exploratory summary of a session table inside
// the analytical engine, so large tables never leave the engine.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/query"
)

const (
	maxCorrelationColumns = 12
	maxCategoricalColumns = 4
	maxHistogramColumns   = 6
	topValues             = 10
	histogramBins         = 10
)

type Input struct {
	Table       string
	Columns     []query.Column
	SourceBytes int64
	SourceRows  int64
	Sampled     bool
}

type Report struct {
	Overview      Overview             `json:"overview"`
	Columns       []ColumnSummary      `json:"columns"`
	Missing       []MissingValues      `json:"missing_values"`
	Numeric       []NumericSummary     `json:"numeric"`
	Distributions []Histogram          `json:"distributions"`
	Correlation   *Correlation         `json:"correlation,omitempty"`
	Categorical   []CategoricalSummary `json:"categorical"`
	Quality       Quality              `json:"quality"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

type Overview struct {
	Rows              int64 `json:"rows"`
	Columns           int   `json:"columns"`
	SourceBytes       int64 `json:"source_bytes"`
	SourceRows        int64 `json:"source_rows"`
	EngineMemoryBytes int64 `json:"engine_memory_bytes"`
	Sampled           bool  `json:"sampled"`
}

type ColumnSummary struct {
	Name        string             `json:"name"`
	Type        dataset.ColumnType `json:"type"`
	NonNull     int64              `json:"non_null"`
	Null        int64              `json:"null"`
	NullPercent float64            `json:"null_percent"`
}

type MissingValues struct {
	Column string `json:"column"`
	Count  int64  `json:"count"`
}

// NumericSummary mirrors a describe() row. Statistics that are undefined
// for the column (no values, one value) are nil.
type NumericSummary struct {
	Column   string   `json:"column"`
	Count    int64    `json:"count"`
	Mean     *float64 `json:"mean"`
	Std      *float64 `json:"std"`
	Min      *float64 `json:"min"`
	P25      *float64 `json:"p25"`
	Median   *float64 `json:"p50"`
	P75      *float64 `json:"p75"`
	Max      *float64 `json:"max"`
	Skewness *float64 `json:"skewness"`
	Kurtosis *float64 `json:"kurtosis"`
}

type Histogram struct {
	Column string `json:"column"`
	Bins   []Bin  `json:"bins"`
}

type Bin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int64   `json:"count"`
}

type Correlation struct {
	Columns []string     `json:"columns"`
	Matrix  [][]*float64 `json:"matrix"`
}

type CategoricalSummary struct {
	Column string       `json:"column"`
	Top    []ValueCount `json:"top"`
}

type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

type Quality struct {
	TotalCells         int64   `json:"total_cells"`
	MissingCells       int64   `json:"missing_cells"`
	MissingPercent     float64 `json:"missing_percent"`
	DuplicateRows      int64   `json:"duplicate_rows"`
	NumericColumns     int     `json:"numeric_columns"`
	CategoricalColumns int     `json:"categorical_columns"`
}

// Build runs the report queries against engine. Any engine failure aborts
// the report and is returned wrapped.
func Build(ctx context.Context, engine query.Engine, in Input) (Report, error) {
	if strings.TrimSpace(in.Table) == "" {
		return Report{}, fmt.Errorf("table name is required")
	}
	if len(in.Columns) == 0 {
		return Report{}, fmt.Errorf("table %q has no columns", in.Table)
	}
	b := builder{engine: engine, table: quoteIdent(in.Table)}

	rep := Report{GeneratedAt: time.Now().UTC()}
	rows, summaries, err := b.columnCounts(ctx, in.Columns)
	if err != nil {
		return Report{}, err
	}
	rep.Columns = summaries
	rep.Overview = Overview{
		Rows:        rows,
		Columns:     len(in.Columns),
		SourceBytes: in.SourceBytes,
		SourceRows:  in.SourceRows,
		Sampled:     in.Sampled,
	}
	if in.SourceRows == 0 {
		rep.Overview.SourceRows = rows
	}
	rep.Overview.EngineMemoryBytes = b.memoryUsage(ctx)

	rep.Missing = missingValues(summaries)

	var numeric, categorical []string
	for _, column := range in.Columns {
		switch {
		case column.Type.Numeric():
			numeric = append(numeric, column.Name)
		case column.Type == dataset.TypeText || column.Type == dataset.TypeBoolean:
			categorical = append(categorical, column.Name)
		}
	}

	rep.Numeric = make([]NumericSummary, 0, len(numeric))
	for _, name := range numeric {
		summary, err := b.numericSummary(ctx, name)
		if err != nil {
			return Report{}, err
		}
		rep.Numeric = append(rep.Numeric, summary)
	}

	rep.Distributions = make([]Histogram, 0)
	for _, summary := range rep.Numeric[:min(len(rep.Numeric), maxHistogramColumns)] {
		histogram, err := b.histogram(ctx, summary)
		if err != nil {
			return Report{}, err
		}
		rep.Distributions = append(rep.Distributions, histogram)
	}

	if len(numeric) > 1 {
		correlation, err := b.correlation(ctx, numeric[:min(len(numeric), maxCorrelationColumns)])
		if err != nil {
			return Report{}, err
		}
		rep.Correlation = &correlation
	}

	rep.Categorical = make([]CategoricalSummary, 0)
	for _, name := range categorical[:min(len(categorical), maxCategoricalColumns)] {
		summary, err := b.topValues(ctx, name)
		if err != nil {
			return Report{}, err
		}
		rep.Categorical = append(rep.Categorical, summary)
	}

	duplicates, err := b.duplicateRows(ctx)
	if err != nil {
		return Report{}, err
	}
	rep.Quality = quality(rows, summaries, duplicates, len(numeric), len(categorical))
	return rep, nil
}

type builder struct {
	engine query.Engine
	table  string
}

func (b builder) run(ctx context.Context, step, sql string) (query.Result, error) {
	result, err := b.engine.Execute(ctx, query.Request{SQL: sql})
	if err != nil {
		return query.Result{}, fmt.Errorf("report %s: %w", step, err)
	}
	return result, nil
}

func (b builder) single(ctx context.Context, step, sql string) ([]any, error) {
	result, err := b.run(ctx, step, sql)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) != 1 {
		return nil, fmt.Errorf("report %s: expected one row, got %d", step, len(result.Rows))
	}
	return result.Rows[0], nil
}

func (b builder) columnCounts(ctx context.Context, columns []query.Column) (int64, []ColumnSummary, error) {
	projections := make([]string, 0, len(columns)+1)
	projections = append(projections, "count(*)")
	for _, column := range columns {
		projections = append(projections, "count("+quoteIdent(column.Name)+")")
	}
	row, err := b.single(ctx, "column counts", "SELECT "+strings.Join(projections, ", ")+" FROM "+b.table)
	if err != nil {
		return 0, nil, err
	}
	rows := asInt64(row[0])
	summaries := make([]ColumnSummary, 0, len(columns))
	for i, column := range columns {
		nonNull := asInt64(row[i+1])
		summaries = append(summaries, ColumnSummary{
			Name:        column.Name,
			Type:        column.Type,
			NonNull:     nonNull,
			Null:        rows - nonNull,
			NullPercent: percent(rows-nonNull, rows),
		})
	}
	return rows, summaries, nil
}

// memoryUsage is best effort: the figure is informational only.
func (b builder) memoryUsage(ctx context.Context) int64 {
	row, err := b.single(ctx, "memory usage", "SELECT coalesce(sum(memory_usage_bytes), 0) FROM duckdb_memory()")
	if err != nil {
		return 0
	}
	return asInt64(row[0])
}

func (b builder) numericSummary(ctx context.Context, column string) (NumericSummary, error) {
	sql := "SELECT count(x), avg(x), stddev_samp(x), min(x), " +
		"quantile_cont(x, 0.25), quantile_cont(x, 0.5), quantile_cont(x, 0.75), max(x), " +
		"skewness(x), kurtosis(x) " +
		"FROM (SELECT CAST(" + quoteIdent(column) + " AS DOUBLE) AS x FROM " + b.table + ")"
	row, err := b.single(ctx, "numeric summary of "+column, sql)
	if err != nil {
		return NumericSummary{}, err
	}
	return NumericSummary{
		Column:   column,
		Count:    asInt64(row[0]),
		Mean:     asFloat(row[1]),
		Std:      asFloat(row[2]),
		Min:      asFloat(row[3]),
		P25:      asFloat(row[4]),
		Median:   asFloat(row[5]),
		P75:      asFloat(row[6]),
		Max:      asFloat(row[7]),
		Skewness: asFloat(row[8]),
		Kurtosis: asFloat(row[9]),
	}, nil
}

func (b builder) histogram(ctx context.Context, summary NumericSummary) (Histogram, error) {
	histogram := Histogram{Column: summary.Column, Bins: make([]Bin, 0, histogramBins)}
	if summary.Count == 0 || summary.Min == nil || summary.Max == nil {
		return histogram, nil
	}
	low, high := *summary.Min, *summary.Max
	if low == high {
		histogram.Bins = append(histogram.Bins, Bin{Lower: low, Upper: high, Count: summary.Count})
		return histogram, nil
	}
	width := (high - low) / histogramBins
	sql := fmt.Sprintf(
		"SELECT least(CAST(floor((x - %s) / %s) AS BIGINT), %d) AS bin, count(*) "+
			"FROM (SELECT CAST(%s AS DOUBLE) AS x FROM %s) WHERE x IS NOT NULL GROUP BY bin ORDER BY bin",
		formatFloat(low), formatFloat(width), histogramBins-1, quoteIdent(summary.Column), b.table,
	)
	result, err := b.run(ctx, "histogram of "+summary.Column, sql)
	if err != nil {
		return Histogram{}, err
	}
	counts := make([]int64, histogramBins)
	for _, row := range result.Rows {
		bin := asInt64(row[0])
		if bin >= 0 && bin < histogramBins {
			counts[bin] = asInt64(row[1])
		}
	}
	for i, count := range counts {
		histogram.Bins = append(histogram.Bins, Bin{
			Lower: low + float64(i)*width,
			Upper: low + float64(i+1)*width,
			Count: count,
		})
	}
	return histogram, nil
}

func (b builder) correlation(ctx context.Context, columns []string) (Correlation, error) {
	type pair struct{ i, j int }
	pairs := make([]pair, 0, len(columns)*(len(columns)-1)/2)
	projections := make([]string, 0, cap(pairs))
	for i := range columns {
		for j := i + 1; j < len(columns); j++ {
			pairs = append(pairs, pair{i, j})
			projections = append(projections, fmt.Sprintf("corr(CAST(%s AS DOUBLE), CAST(%s AS DOUBLE))", quoteIdent(columns[i]), quoteIdent(columns[j])))
		}
	}
	row, err := b.single(ctx, "correlation", "SELECT "+strings.Join(projections, ", ")+" FROM "+b.table)
	if err != nil {
		return Correlation{}, err
	}

	matrix := make([][]*float64, len(columns))
	for i := range matrix {
		matrix[i] = make([]*float64, len(columns))
		one := 1.0
		matrix[i][i] = &one
	}
	for k, p := range pairs {
		value := asFloat(row[k])
		matrix[p.i][p.j] = value
		matrix[p.j][p.i] = value
	}
	return Correlation{Columns: append([]string(nil), columns...), Matrix: matrix}, nil
}

func (b builder) topValues(ctx context.Context, column string) (CategoricalSummary, error) {
	quoted := quoteIdent(column)
	sql := fmt.Sprintf(
		"SELECT CAST(%s AS VARCHAR) AS value, count(*) AS n FROM %s WHERE %s IS NOT NULL GROUP BY 1 ORDER BY n DESC, value LIMIT %d",
		quoted, b.table, quoted, topValues,
	)
	result, err := b.run(ctx, "top values of "+column, sql)
	if err != nil {
		return CategoricalSummary{}, err
	}
	summary := CategoricalSummary{Column: column, Top: make([]ValueCount, 0, len(result.Rows))}
	for _, row := range result.Rows {
		summary.Top = append(summary.Top, ValueCount{Value: fmt.Sprint(row[0]), Count: asInt64(row[1])})
	}
	return summary, nil
}

func (b builder) duplicateRows(ctx context.Context) (int64, error) {
	row, err := b.single(ctx, "duplicate rows",
		"SELECT (SELECT count(*) FROM "+b.table+") - (SELECT count(*) FROM (SELECT DISTINCT * FROM "+b.table+"))")
	if err != nil {
		return 0, err
	}
	return asInt64(row[0]), nil
}

func missingValues(summaries []ColumnSummary) []MissingValues {
	out := make([]MissingValues, 0)
	for _, summary := range summaries {
		if summary.Null > 0 {
			out = append(out, MissingValues{Column: summary.Name, Count: summary.Null})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func quality(rows int64, summaries []ColumnSummary, duplicates int64, numeric, categorical int) Quality {
	q := Quality{
		TotalCells:         rows * int64(len(summaries)),
		DuplicateRows:      duplicates,
		NumericColumns:     numeric,
		CategoricalColumns: categorical,
	}
	for _, summary := range summaries {
		q.MissingCells += summary.Null
	}
	q.MissingPercent = percent(q.MissingCells, q.TotalCells)
	return q
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// asFloat returns nil for NULL and for non-finite values, which the engine
// reports as strings.
func asFloat(value any) *float64 {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
