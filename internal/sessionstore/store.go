// Package sessionstore persists the durable part of a session so it can be
// restored after a restart and expired while no process holds it.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/ingest"
)

var ErrNotFound = errors.New("session state not found")

// State is what survives the process: enough to rebuild the session table
// from its archived staged file.
type State struct {
	SessionID    string          `json:"session_id"`
	Owner        string          `json:"owner"`
	UploadID     string          `json:"upload_id"`
	Profile      dataset.Profile `json:"profile"`
	Plan         ingest.Plan     `json:"plan"`
	Table        ingest.Table    `json:"table"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
}

type Store interface {
	// Save inserts or replaces the state of one session.
	Save(ctx context.Context, state State) error
	Get(ctx context.Context, sessionID string) (State, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	// ListIdle returns sessions whose last activity is before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time) ([]State, error)
	Ping(ctx context.Context) error
	Close() error
}

type encodedState struct {
	profile []byte
	plan    []byte
	table   []byte
}

func encodeState(state State) (encodedState, error) {
	if state.SessionID == "" {
		return encodedState{}, fmt.Errorf("session id is required")
	}
	profile, err := json.Marshal(state.Profile)
	if err != nil {
		return encodedState{}, fmt.Errorf("marshal profile: %w", err)
	}
	plan, err := json.Marshal(state.Plan)
	if err != nil {
		return encodedState{}, fmt.Errorf("marshal plan: %w", err)
	}
	table, err := json.Marshal(state.Table)
	if err != nil {
		return encodedState{}, fmt.Errorf("marshal table: %w", err)
	}
	return encodedState{profile: profile, plan: plan, table: table}, nil
}

func decodeState(state *State, profile, plan, table []byte) error {
	if err := json.Unmarshal(profile, &state.Profile); err != nil {
		return fmt.Errorf("decode profile of session %s: %w", state.SessionID, err)
	}
	if err := json.Unmarshal(plan, &state.Plan); err != nil {
		return fmt.Errorf("decode plan of session %s: %w", state.SessionID, err)
	}
	if err := json.Unmarshal(table, &state.Table); err != nil {
		return fmt.Errorf("decode table of session %s: %w", state.SessionID, err)
	}
	return nil
}
