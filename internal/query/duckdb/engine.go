package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	duckdb "github.com/marcboeker/go-duckdb/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/query"
)

type Options struct {
	// MemoryLimit is passed to DuckDB verbatim, e.g. "1GB". Empty keeps the default.
	MemoryLimit string
	Threads     int
}

const (
	stagingTable    = "_tabletalk_staging"
	appendBatchRows = 1024
)

// Engine is an in-memory DuckDB database owned by a single session. It has
// no access to the filesystem or network: staged files are streamed in
// through the appender.
type Engine struct {
	db *sql.DB
}

var _ query.Engine = (*Engine)(nil)

func Open(ctx context.Context, opts Options) (*Engine, error) {
	params := url.Values{}
	params.Set("enable_external_access", "false")
	if opts.MemoryLimit != "" {
		params.Set("memory_limit", opts.MemoryLimit)
	}
	if opts.Threads > 0 {
		params.Set("threads", strconv.Itoa(opts.Threads))
	}
	db, err := sql.Open("duckdb", "?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// ReplaceTable appends a staged parquet file into a scratch table and
// then swaps the target table in one transaction; on failure the previous
// table is left as it was.
func (e *Engine) ReplaceTable(ctx context.Context, request query.LoadRequest) (query.TableInfo, error) {
	if strings.TrimSpace(request.TableName) == "" {
		return query.TableInfo{}, fmt.Errorf("table name is required")
	}
	if request.TableName == stagingTable {
		return query.TableInfo{}, fmt.Errorf("table name %q is reserved", request.TableName)
	}
	if request.StagedPath == "" {
		return query.TableInfo{}, fmt.Errorf("staged path is required")
	}
	if len(request.Columns) == 0 {
		return query.TableInfo{}, fmt.Errorf("at least one column is required")
	}

	definitions := make([]string, 0, len(request.Columns))
	projections := make([]string, 0, len(request.Columns))
	columns := make([]query.Column, 0, len(request.Columns))
	for _, column := range request.Columns {
		definitions = append(definitions, quoteIdent(column.Source)+" VARCHAR")
		projections = append(projections, castExpression(column)+" AS "+quoteIdent(column.Name))
		columns = append(columns, query.Column{Name: column.Name, Type: storedType(column.Type)})
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return query.TableInfo{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	createStaging := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(stagingTable), strings.Join(definitions, ", "))
	if _, err := conn.ExecContext(ctx, createStaging); err != nil {
		return query.TableInfo{}, fmt.Errorf("create staging table: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+quoteIdent(stagingTable))
	}()
	if err := appendStaged(ctx, conn, request); err != nil {
		return query.TableInfo{}, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return query.TableInfo{}, fmt.Errorf("begin load transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createSQL := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT %s FROM %s",
		quoteIdent(request.TableName),
		strings.Join(projections, ", "),
		quoteIdent(stagingTable),
	)
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return query.TableInfo{}, fmt.Errorf("create table %q: %w", request.TableName, err)
	}
	var rowCount int64
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(request.TableName)).Scan(&rowCount); err != nil {
		return query.TableInfo{}, fmt.Errorf("count rows of %q: %w", request.TableName, err)
	}
	if err := tx.Commit(); err != nil {
		return query.TableInfo{}, fmt.Errorf("commit load transaction: %w", err)
	}

	return query.TableInfo{Name: request.TableName, RowCount: rowCount, Columns: columns}, nil
}

// appendStaged copies every row of the staged file into the staging table.
// Null parquet values stay NULL.
func appendStaged(ctx context.Context, conn *sql.Conn, request query.LoadRequest) error {
	file, err := os.Open(request.StagedPath)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer func() { _ = file.Close() }()
	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat staged file: %w", err)
	}
	staged, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		return fmt.Errorf("open staged parquet: %w", err)
	}

	// slots maps a parquet leaf column index onto the appended row.
	slots := make([]int, len(staged.Schema().Columns()))
	for i := range slots {
		slots[i] = -1
	}
	for i, column := range request.Columns {
		leaf, ok := staged.Schema().Lookup(column.Source)
		if !ok {
			return fmt.Errorf("staged file has no column %q", column.Source)
		}
		slots[leaf.ColumnIndex] = i
	}

	return conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", raw)
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", stagingTable)
		if err != nil {
			return fmt.Errorf("create appender: %w", err)
		}
		if err := appendRowGroups(ctx, staged, slots, len(request.Columns), appender); err != nil {
			_ = appender.Close()
			return err
		}
		if err := appender.Close(); err != nil {
			return fmt.Errorf("flush appender: %w", err)
		}
		return nil
	})
}

func appendRowGroups(ctx context.Context, staged *parquet.File, slots []int, width int, appender *duckdb.Appender) error {
	values := make([]driver.Value, width)
	buf := make([]parquet.Row, appendBatchRows)
	for _, group := range staged.RowGroups() {
		rows := group.Rows()
		for {
			if err := ctx.Err(); err != nil {
				_ = rows.Close()
				return err
			}
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				clear(values)
				for _, value := range row {
					slot := slots[value.Column()]
					if slot >= 0 && !value.IsNull() {
						values[slot] = string(value.ByteArray())
					}
				}
				if err := appender.AppendRow(values...); err != nil {
					_ = rows.Close()
					return fmt.Errorf("append staged row: %w", err)
				}
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				_ = rows.Close()
				return fmt.Errorf("read staged rows: %w", readErr)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close staged rows: %w", err)
		}
	}
	return nil
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, classify(ctx, fmt.Errorf("execute query: %w", err))
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, classify(ctx, fmt.Errorf("query columns: %w", err))
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, classify(ctx, fmt.Errorf("scan row: %w", err))
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(ctx, fmt.Errorf("iterate rows: %w", err))
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &query.QueryTimeoutError{Err: err}
	}
	return &query.EngineError{Err: err}
}

func castExpression(column query.StagedColumn) string {
	source := quoteIdent(column.Source)
	switch column.Type {
	case dataset.TypeInteger:
		return "CAST(trim(" + source + ") AS BIGINT)"
	case dataset.TypeFloat:
		return "CAST(trim(" + source + ") AS DOUBLE)"
	case dataset.TypeBoolean:
		return "CAST(trim(" + source + ") AS BOOLEAN)"
	case dataset.TypeDatetime:
		return "CAST(trim(" + source + ") AS TIMESTAMP)"
	default:
		return source
	}
}

func storedType(columnType dataset.ColumnType) dataset.ColumnType {
	if columnType == dataset.TypeUnknown || columnType == "" {
		return dataset.TypeText
	}
	return columnType
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case float64:
			normalized[i] = finiteOrString(typed)
		case float32:
			normalized[i] = finiteOrString(float64(typed))
		case duckdb.Decimal:
			normalized[i] = finiteOrString(typed.Float64())
		case duckdb.Map:
			converted := make(map[string]any, len(typed))
			for key, item := range typed {
				converted[fmt.Sprint(key)] = item
			}
			normalized[i] = converted
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// finiteOrString keeps NaN and infinities representable in JSON.
func finiteOrString(value float64) any {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
	return value
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
