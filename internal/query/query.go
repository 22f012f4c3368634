package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/internal/dataset"
)

// StagedColumn maps one column of a staged file onto the target table.
type StagedColumn struct {
	Name   string
	Source string
	Type   dataset.ColumnType
}

type LoadRequest struct {
	TableName  string
	StagedPath string
	Columns    []StagedColumn
}

type Column struct {
	Name string             `json:"name"`
	Type dataset.ColumnType `json:"type"`
}

type TableInfo struct {
	Name     string   `json:"name"`
	RowCount int64    `json:"row_count"`
	Columns  []Column `json:"columns"`
}

type Request struct {
	SQL string
}

type Result struct {
	Columns  []string      `json:"columns"`
	Rows     [][]any       `json:"rows"`
	Duration time.Duration `json:"duration"`
}

// Records returns the rows as column-to-value mappings.
func (r Result) Records() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		out = append(out, record)
	}
	return out
}

// Engine is one session's analytical database. Each session owns its own
// engine, so tables of different sessions never share a namespace.
type Engine interface {
	// ReplaceTable atomically swaps the named table for the staged data.
	ReplaceTable(ctx context.Context, request LoadRequest) (TableInfo, error)
	Execute(ctx context.Context, request Request) (Result, error)
	Close() error
}

// EngineError is a failure inside the analytical engine while executing a
// statement, reported verbatim.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

type QueryTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *QueryTimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("query exceeded timeout of %s", e.Timeout)
	}
	return "query exceeded its deadline"
}

func (e *QueryTimeoutError) Unwrap() error {
	return e.Err
}

// ExecuteWithTimeout runs request under timeout and classifies failures
// as QueryTimeoutError or EngineError.
func ExecuteWithTimeout(ctx context.Context, engine Engine, request Request, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := engine.Execute(ctx, request)
	if err == nil {
		return result, nil
	}
	var timeoutErr *QueryTimeoutError
	if errors.As(err, &timeoutErr) {
		if timeoutErr.Timeout == 0 {
			timeoutErr.Timeout = timeout
		}
		return Result{}, timeoutErr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, &QueryTimeoutError{Timeout: timeout, Err: err}
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return Result{}, engineErr
	}
	return Result{}, &EngineError{Err: err}
}
