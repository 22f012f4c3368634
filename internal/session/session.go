package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/sessionstore"
)

var (
	// ErrNotFound covers unknown, expired and foreign sessions alike.
	ErrNotFound = errors.New("session not found")
	// ErrTranslationDisabled is returned by Ask when no translator is configured.
	ErrTranslationDisabled = errors.New("natural language translation is disabled")
	ErrEmptyQuestion       = errors.New("question is required")
	ErrEmptySQL            = errors.New("sql is required")
)

const historyLimit = 5

// Upload is one file submitted to create or replace a session dataset.
type Upload struct {
	FileName string
	// Format is derived from FileName when empty.
	Format        dataset.Format
	Body          io.Reader
	TypeOverrides map[string]dataset.ColumnType
}

// Session is the live state of one user's dataset conversation. All
// interactions with a session are serialized by its mutex.
type Session struct {
	mu      sync.Mutex
	id      string
	owner   string
	engine  query.Engine
	state   sessionstore.State
	history []nl2sql.Exchange
	closed  bool
}

func (s *Session) remember(exchange nl2sql.Exchange) {
	s.history = append(s.history, exchange)
	if len(s.history) > historyLimit {
		s.history = append([]nl2sql.Exchange(nil), s.history[len(s.history)-historyLimit:]...)
	}
}

func (s *Session) recentHistory() []nl2sql.Exchange {
	return append([]nl2sql.Exchange(nil), s.history...)
}

// QueryResult is the outcome of a guarded execution.
type QueryResult struct {
	Decision    guard.Decision `json:"decision"`
	ExecutedSQL string         `json:"executed_sql"`
	Result      query.Result   `json:"result"`
}

// AskResult extends QueryResult with the generated statement.
type AskResult struct {
	Question     string `json:"question"`
	GeneratedSQL string `json:"generated_sql"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	QueryResult
}

// SweepSummary reports one expiry cycle.
type SweepSummary struct {
	ActiveScanned  int `json:"active_scanned"`
	Expired        int `json:"expired"`
	StoredPurged   int `json:"stored_purged"`
	ObjectsDeleted int `json:"objects_deleted"`
	Failures       int `json:"failures"`
}

func lastActive(state sessionstore.State) time.Time {
	if state.LastActiveAt.IsZero() {
		return state.UpdatedAt
	}
	return state.LastActiveAt
}
