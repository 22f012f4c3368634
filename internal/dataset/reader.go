package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// RowReader streams the data rows of a tabular file. Rows are returned
// padded to the header width; values are raw cell text.
type RowReader interface {
	Header() []string
	Next() ([]string, error)
	// Offset reports how many decoded bytes have been consumed, or -1 when
	// the format cannot tell.
	Offset() int64
	Close() error
}

// OpenRows reads the header of r and returns a reader positioned at the
// first data row.
func OpenRows(format Format, r io.Reader) (RowReader, error) {
	switch format {
	case FormatCSV:
		return openCSV(r)
	case FormatXLSX:
		return openXLSX(r)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", format)
	}
}

type csvRows struct {
	reader *csv.Reader
	header []string
	line   int64
}

func openCSV(r io.Reader) (*csvRows, error) {
	// BOMOverride switches to UTF-16 when a BOM says so and strips a UTF-8 BOM;
	// everything else passes through and is validated per field.
	decoded := transform.NewReader(r, unicode.BOMOverride(transform.Nop))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	record, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := validateUTF8(record); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	return &csvRows{reader: reader, header: normalizeHeader(record), line: 1}, nil
}

func (c *csvRows) Header() []string { return c.header }

func (c *csvRows) Next() ([]string, error) {
	for {
		record, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		c.line++
		if isBlankRecord(record) {
			continue
		}
		if err := validateUTF8(record); err != nil {
			return nil, fmt.Errorf("record %d: %w", c.line, err)
		}
		return fitRow(record, len(c.header), c.line)
	}
}

func (c *csvRows) Offset() int64 { return c.reader.InputOffset() }

func (c *csvRows) Close() error { return nil }

type xlsxRows struct {
	file   *excelize.File
	rows   *excelize.Rows
	header []string
	line   int64
}

func openXLSX(r io.Reader) (*xlsxRows, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := file.Rows(sheets[0])
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open sheet %q: %w", sheets[0], err)
	}
	out := &xlsxRows{file: file, rows: rows}
	for rows.Next() {
		out.line++
		cells, err := rows.Columns()
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
		if isBlankRecord(cells) {
			continue
		}
		out.header = normalizeHeader(trimTrailingEmpty(cells))
		return out, nil
	}
	err = rows.Error()
	_ = out.Close()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return nil, fmt.Errorf("sheet %q is empty", sheets[0])
}

func (x *xlsxRows) Header() []string { return x.header }

func (x *xlsxRows) Next() ([]string, error) {
	for x.rows.Next() {
		x.line++
		cells, err := x.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", x.line, err)
		}
		if isBlankRecord(cells) {
			continue
		}
		return fitRow(trimTrailingEmpty(cells), len(x.header), x.line)
	}
	if err := x.rows.Error(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (x *xlsxRows) Offset() int64 { return -1 }

func (x *xlsxRows) Close() error {
	rowsErr := x.rows.Close()
	fileErr := x.file.Close()
	if rowsErr != nil {
		return rowsErr
	}
	return fileErr
}

func fitRow(record []string, width int, line int64) ([]string, error) {
	if len(record) > width {
		return nil, fmt.Errorf("record %d has %d fields, header has %d: %w", line, len(record), width, ErrMalformedRow)
	}
	if len(record) == width {
		return record, nil
	}
	row := make([]string, width)
	copy(row, record)
	return row, nil
}

func validateUTF8(record []string) error {
	for _, field := range record {
		if !utf8.ValidString(field) {
			return fmt.Errorf("unsupported text encoding (expected UTF-8 or UTF-16 with BOM)")
		}
	}
	return nil
}

func isBlankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func trimTrailingEmpty(record []string) []string {
	end := len(record)
	for end > 0 && strings.TrimSpace(record[end-1]) == "" {
		end--
	}
	return record[:end]
}

// normalizeHeader names blank columns column_N and suffixes duplicates.
// Names are compared case-insensitively because the analytical engine
// resolves identifiers that way.
func normalizeHeader(raw []string) []string {
	out := make([]string, len(raw))
	used := make(map[string]bool, len(raw))
	for i, name := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		candidate := name
		for n := 2; used[strings.ToLower(candidate)]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		used[strings.ToLower(candidate)] = true
		out[i] = candidate
	}
	return out
}
