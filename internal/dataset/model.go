package dataset

import (
	"fmt"
	"path"
	"strings"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts a short format name, a file extension or a MIME type.
func ParseFormat(raw string) (Format, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, ".")
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	switch value {
	case "csv", "text/csv", "application/csv", "text/plain":
		return FormatCSV, nil
	case "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported dataset format %q", raw)
	}
}

func FormatFromFileName(name string) (Format, error) {
	ext := path.Ext(strings.ReplaceAll(name, "\\", "/"))
	if ext == "" {
		return "", fmt.Errorf("file name %q has no extension", name)
	}
	return ParseFormat(ext)
}

type ColumnType string

const (
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeText     ColumnType = "text"
	TypeBoolean  ColumnType = "boolean"
	TypeDatetime ColumnType = "datetime"
	TypeUnknown  ColumnType = "unknown"
)

func ParseColumnType(raw string) (ColumnType, error) {
	switch ColumnType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeInteger:
		return TypeInteger, nil
	case TypeFloat:
		return TypeFloat, nil
	case TypeText:
		return TypeText, nil
	case TypeBoolean:
		return TypeBoolean, nil
	case TypeDatetime:
		return TypeDatetime, nil
	case TypeUnknown:
		return TypeUnknown, nil
	default:
		return "", fmt.Errorf("unsupported column type %q", raw)
	}
}

func (t ColumnType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

type SizeTier string

const (
	TierSmall SizeTier = "small"
	TierLarge SizeTier = "large"
)

func ParseSizeTier(raw string) (SizeTier, error) {
	switch SizeTier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierSmall:
		return TierSmall, nil
	case TierLarge:
		return TierLarge, nil
	default:
		return "", fmt.Errorf("unsupported size tier %q", raw)
	}
}

type ColumnProfile struct {
	Name         string     `json:"name"`
	InferredType ColumnType `json:"inferred_type"`
	NullRatio    float64    `json:"null_ratio"`
}

// Profile is the structural summary of one uploaded file. When the file
// was inspected through a bounded prefix, RowCount is extrapolated and
// RowCountEstimated is set.
type Profile struct {
	FileName          string          `json:"file_name"`
	Format            Format          `json:"format"`
	RowCount          int64           `json:"row_count"`
	RowCountEstimated bool            `json:"row_count_estimated"`
	ColumnCount       int             `json:"column_count"`
	ByteSize          int64           `json:"byte_size"`
	InspectedRows     int64           `json:"inspected_rows"`
	Columns           []ColumnProfile `json:"columns"`
}

func (p Profile) ColumnNames() []string {
	names := make([]string, 0, len(p.Columns))
	for _, column := range p.Columns {
		names = append(names, column.Name)
	}
	return names
}
