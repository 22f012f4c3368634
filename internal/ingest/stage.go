package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/query"
)

const (
	maxStagedColumns = 99999
	writeBatchRows   = 1024
)

type stagedFile struct {
	path    string
	rows    int64
	columns []query.StagedColumn
}

// stageColumnName keeps staged columns in source order: parquet groups
// order their fields by name.
func stageColumnName(index int) string {
	return fmt.Sprintf("c%05d", index)
}

// StagedColumns maps the plan's columns onto staged file columns.
func StagedColumns(plan Plan) []query.StagedColumn {
	columns := make([]query.StagedColumn, 0, len(plan.Columns))
	for i, name := range plan.Columns {
		columns = append(columns, query.StagedColumn{
			Name:   name,
			Source: stageColumnName(i),
			Type:   plan.TypeOverrides[name],
		})
	}
	return columns
}

// stage streams src into a parquet file of nullable string columns,
// keeping every row for the full strategy and a seeded reservoir sample
// for the sampled one.
func stage(ctx context.Context, src dataset.Source, plan Plan, nulls dataset.NullSet, dir string) (stagedFile, error) {
	if len(plan.Columns) > maxStagedColumns {
		return stagedFile{}, fmt.Errorf("%d columns exceed the supported maximum of %d", len(plan.Columns), maxStagedColumns)
	}
	rc, err := src.Open()
	if err != nil {
		return stagedFile{}, fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	rows, err := dataset.OpenRows(src.Format, rc)
	if err != nil {
		return stagedFile{}, fmt.Errorf("read source: %w", err)
	}
	defer rows.Close()
	if !slices.Equal(rows.Header(), plan.Columns) {
		return stagedFile{}, fmt.Errorf("source header %v does not match planned columns %v", rows.Header(), plan.Columns)
	}

	out, err := os.CreateTemp(dir, "stage-*.parquet")
	if err != nil {
		return stagedFile{}, fmt.Errorf("create staging file: %w", err)
	}
	staged := stagedFile{path: out.Name(), columns: StagedColumns(plan)}
	ok := false
	defer func() {
		if !ok {
			_ = out.Close()
			_ = os.Remove(staged.path)
		}
	}()

	group := parquet.Group{}
	for i := range plan.Columns {
		group[stageColumnName(i)] = parquet.Optional(parquet.String())
	}
	writer := parquet.NewWriter(out, parquet.NewSchema("staged", group))
	batch := make([]parquet.Row, 0, writeBatchRows)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.WriteRows(batch); err != nil {
			return fmt.Errorf("write staged rows: %w", err)
		}
		staged.rows += int64(len(batch))
		batch = batch[:0]
		return nil
	}
	emit := func(values []string) error {
		batch = append(batch, toParquetRow(values, nulls))
		if len(batch) == cap(batch) {
			return flush()
		}
		return nil
	}

	var sample *reservoir
	if plan.Sampled() {
		sample = newReservoir(plan.SampleRows, plan.SampleSeed)
	}
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return stagedFile{}, err
			}
		}
		values, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stagedFile{}, err
		}
		if sample != nil {
			sample.offer(values)
			continue
		}
		if err := emit(values); err != nil {
			return stagedFile{}, err
		}
	}
	if sample != nil {
		for _, values := range sample.rows() {
			if err := emit(values); err != nil {
				return stagedFile{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return stagedFile{}, err
	}
	if err := writer.Close(); err != nil {
		return stagedFile{}, fmt.Errorf("close staged writer: %w", err)
	}
	if err := out.Close(); err != nil {
		return stagedFile{}, fmt.Errorf("close staging file: %w", err)
	}
	ok = true
	return staged, nil
}

func toParquetRow(values []string, nulls dataset.NullSet) parquet.Row {
	row := make(parquet.Row, len(values))
	for i, value := range values {
		if nulls.IsNull(value) {
			row[i] = parquet.NullValue().Level(0, 0, i)
			continue
		}
		row[i] = parquet.ByteArrayValue([]byte(value)).Level(0, 1, i)
	}
	return row
}
