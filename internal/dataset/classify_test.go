package dataset

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBoundaries(t *testing.T) {
	thresholds := Thresholds{Rows: 1000, Bytes: 4096}
	tests := []struct {
		name  string
		rows  int64
		bytes int64
		want  SizeTier
	}{
		{name: "both below", rows: 999, bytes: 4095, want: TierSmall},
		{name: "rows at cutoff", rows: 1000, bytes: 10, want: TierLarge},
		{name: "bytes at cutoff", rows: 1, bytes: 4096, want: TierLarge},
		{name: "wide but short", rows: 3, bytes: 1 << 30, want: TierLarge},
		{name: "narrow but long", rows: 2_000_000, bytes: 100, want: TierLarge},
		{name: "empty", rows: 0, bytes: 0, want: TierSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, err := Classify(Profile{RowCount: tt.rows, ByteSize: tt.bytes}, thresholds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tier)
		})
	}
}

func TestClassifyRejectsNonPositiveThresholds(t *testing.T) {
	for _, thresholds := range []Thresholds{{Rows: 0, Bytes: 1}, {Rows: 1, Bytes: 0}, {Rows: -5, Bytes: -5}} {
		_, err := Classify(Profile{}, thresholds)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr, "thresholds %+v", thresholds)
	}
}

func TestClassifyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	thresholdGen := gopter.CombineGens(gen.Int64Range(1, 5000), gen.Int64Range(1, 5000))

	properties.Property("below both cutoffs is small", prop.ForAll(
		func(th []interface{}, rowFrac, byteFrac float64) bool {
			thresholds := Thresholds{Rows: th[0].(int64), Bytes: th[1].(int64)}
			profile := Profile{
				RowCount: int64(rowFrac * float64(thresholds.Rows-1)),
				ByteSize: int64(byteFrac * float64(thresholds.Bytes-1)),
			}
			tier, err := Classify(profile, thresholds)
			return err == nil && tier == TierSmall
		},
		thresholdGen, gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.Property("at or above either cutoff is large", prop.ForAll(
		func(th []interface{}, extra int64, useRows bool) bool {
			thresholds := Thresholds{Rows: th[0].(int64), Bytes: th[1].(int64)}
			profile := Profile{}
			if useRows {
				profile.RowCount = thresholds.Rows + extra
			} else {
				profile.ByteSize = thresholds.Bytes + extra
			}
			tier, err := Classify(profile, thresholds)
			return err == nil && tier == TierLarge
		},
		thresholdGen, gen.Int64Range(0, 1_000_000), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{
		"csv":                     FormatCSV,
		".CSV":                    FormatCSV,
		"text/csv; charset=utf-8": FormatCSV,
		"xlsx":                    FormatXLSX,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
	} {
		got, err := ParseFormat(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseFormat("parquet")
	assert.Error(t, err)

	got, err := FormatFromFileName("reports/q1.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, got)
	_, err = FormatFromFileName("README")
	assert.Error(t, err)
}
