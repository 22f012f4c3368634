package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Source is an uploaded file that can be read more than once: once for
// profiling and once for loading.
type Source struct {
	Name   string
	Format Format
	Size   int64
	Open   func() (io.ReadCloser, error)
}

func FileSource(path, name string, format Format) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Source{
		Name:   name,
		Format: format,
		Size:   info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func BytesSource(name string, format Format, data []byte) Source {
	return Source{
		Name:   name,
		Format: format,
		Size:   int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type ProfilerOptions struct {
	// LargeByteThreshold switches inference to a bounded prefix read.
	LargeByteThreshold int64
	PrefixRows         int
	NullTokens         []string
}

type Profiler struct {
	opts  ProfilerOptions
	nulls NullSet
}

func NewProfiler(opts ProfilerOptions) (*Profiler, error) {
	if opts.LargeByteThreshold <= 0 {
		return nil, &ConfigError{Setting: "large_byte_threshold", Reason: "must be > 0"}
	}
	if opts.PrefixRows <= 0 {
		return nil, &ConfigError{Setting: "profile_prefix_rows", Reason: "must be > 0"}
	}
	return &Profiler{opts: opts, nulls: NewNullSet(opts.NullTokens)}, nil
}

func (p *Profiler) NullSet() NullSet {
	return p.nulls
}

// Profile inspects src without loading it into memory. Files above the
// byte threshold are typed from the first PrefixRows rows; CSV row counts
// are then extrapolated from the prefix's bytes per row.
func (p *Profiler) Profile(ctx context.Context, src Source) (Profile, error) {
	unreadable := func(err error) error {
		return &UnreadableFileError{FileName: src.Name, Format: src.Format, Err: err}
	}
	if src.Open == nil {
		return Profile{}, fmt.Errorf("dataset source %q has no opener", src.Name)
	}
	rc, err := src.Open()
	if err != nil {
		return Profile{}, fmt.Errorf("open %s: %w", src.Name, err)
	}
	defer rc.Close()

	rows, err := OpenRows(src.Format, rc)
	if err != nil {
		return Profile{}, unreadable(err)
	}
	defer rows.Close()

	header := rows.Header()
	trackers := make([]*typeTracker, len(header))
	for i := range trackers {
		trackers[i] = newTypeTracker()
	}

	bounded := src.Size > p.opts.LargeByteThreshold
	prefixRows := int64(p.opts.PrefixRows)
	headerOffset := rows.Offset()
	prefixEnd := headerOffset
	var (
		inspected int64
		total     int64
		truncated bool
	)
	for {
		if total%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Profile{}, err
			}
		}
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Profile{}, unreadable(err)
		}
		total++
		if bounded && inspected >= prefixRows {
			// Spreadsheets expose no byte offsets, so their rows are
			// counted exactly instead of extrapolated.
			if prefixEnd >= 0 {
				truncated = true
				break
			}
			continue
		}
		inspected++
		for i, value := range row {
			trackers[i].observe(value, p.nulls.IsNull(value))
		}
		prefixEnd = rows.Offset()
	}

	profile := Profile{
		FileName:      src.Name,
		Format:        src.Format,
		RowCount:      total,
		ColumnCount:   len(header),
		ByteSize:      src.Size,
		InspectedRows: inspected,
		Columns:       make([]ColumnProfile, 0, len(header)),
	}
	if truncated {
		profile.RowCount = estimateRows(src.Size, headerOffset, prefixEnd, inspected)
		profile.RowCountEstimated = true
	}
	for i, name := range header {
		profile.Columns = append(profile.Columns, ColumnProfile{
			Name:         name,
			InferredType: trackers[i].result(),
			NullRatio:    trackers[i].nullRatio(),
		})
	}
	return profile, nil
}

func estimateRows(size, headerOffset, prefixEnd, prefixRows int64) int64 {
	consumed := prefixEnd - headerOffset
	if prefixRows <= 0 || consumed <= 0 {
		return prefixRows
	}
	bytesPerRow := float64(consumed) / float64(prefixRows)
	estimate := int64(math.Round(float64(size-headerOffset) / bytesPerRow))
	// At least one row followed the prefix.
	if estimate <= prefixRows {
		return prefixRows + 1
	}
	return estimate
}
