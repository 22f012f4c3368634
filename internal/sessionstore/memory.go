package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps state in process. Sessions do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemory() *Memory {
	return &Memory{states: map[string]State{}}
}

func (m *Memory) Save(_ context.Context, state State) error {
	if _, err := encodeState(state); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SessionID] = state
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[sessionID]
	if !ok {
		return State{}, ErrNotFound
	}
	return state, nil
}

func (m *Memory) Touch(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[sessionID]
	if !ok {
		return ErrNotFound
	}
	state.LastActiveAt = at
	m.states[sessionID] = state
	return nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	return nil
}

func (m *Memory) ListIdle(_ context.Context, cutoff time.Time) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0)
	for _, state := range m.states {
		if state.LastActiveAt.Before(cutoff) {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.Before(out[j].LastActiveAt) })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
