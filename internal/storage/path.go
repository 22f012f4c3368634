package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const sessionsRoot = "sessions"

// SessionPrefix is the key prefix holding everything archived for a session.
func SessionPrefix(sessionID string) (string, error) {
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	return path.Join(sessionsRoot, sessionID) + "/", nil
}

// BuildStagedPath names the staged parquet file of one upload.
func BuildStagedPath(sessionID, uploadID string) (string, error) {
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(uploadID, "upload id"); err != nil {
		return "", err
	}
	return path.Join(sessionsRoot, sessionID, "staged", uploadID+".parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
