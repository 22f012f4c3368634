package dataset

import (
	"errors"
	"fmt"
)

// ErrMalformedRow marks a data row with more fields than the header.
var ErrMalformedRow = errors.New("malformed row")

// UnreadableFileError reports input that could not be parsed as the
// declared format. The upload is rejected and the user must fix the file.
type UnreadableFileError struct {
	FileName string
	Format   Format
	Err      error
}

func (e *UnreadableFileError) Error() string {
	if e.FileName == "" {
		return fmt.Sprintf("unreadable %s file: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("unreadable %s file %q: %v", e.Format, e.FileName, e.Err)
}

func (e *UnreadableFileError) Unwrap() error {
	return e.Err
}

// ConfigError reports invalid thresholds or planning settings. It is
// fatal at startup.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Setting, e.Reason)
}
