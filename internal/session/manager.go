package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/sessionstore"
	"github.com/tabletalk/tabletalk/internal/storage"
)

// EngineFactory opens a fresh analytical engine for one session.
type EngineFactory func(ctx context.Context) (query.Engine, error)

type Config struct {
	Thresholds       dataset.Thresholds
	TableName        string
	PreviewRows      int
	SchemaSampleRows int
	QueryTimeout     time.Duration
	LoadTimeout      time.Duration
	TTL              time.Duration
	SweepInterval    time.Duration
	WorkDir          string
}

type Options struct {
	Profiler  *dataset.Profiler
	Planner   *ingest.Planner
	Loader    *ingest.Loader
	Guard     *guard.Guard
	NewEngine EngineFactory
	Store     sessionstore.Store
	// ObjectStore holds archived staged files. Optional.
	ObjectStore storage.ObjectStore
	// Translator backs Ask. Optional.
	Translator nl2sql.Translator
	Config     Config
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Manager owns every live session of the process.
type Manager struct {
	profiler    *dataset.Profiler
	planner     *ingest.Planner
	loader      *ingest.Loader
	guard       *guard.Guard
	newEngine   EngineFactory
	store       sessionstore.Store
	objectStore storage.ObjectStore
	translator  nl2sql.Translator
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*Session
	restores singleflight.Group
}

func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Profiler == nil:
		return nil, fmt.Errorf("profiler is required")
	case opts.Planner == nil:
		return nil, fmt.Errorf("planner is required")
	case opts.Loader == nil:
		return nil, fmt.Errorf("loader is required")
	case opts.Guard == nil:
		return nil, fmt.Errorf("guard is required")
	case opts.NewEngine == nil:
		return nil, fmt.Errorf("engine factory is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("session store is required")
	}
	cfg := opts.Config
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.TableName) == "" {
		return nil, &dataset.ConfigError{Setting: "table_name", Reason: "must not be empty"}
	}
	if cfg.TTL <= 0 {
		return nil, &dataset.ConfigError{Setting: "session_ttl", Reason: "must be > 0"}
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 100
	}
	if cfg.SchemaSampleRows < 0 {
		cfg.SchemaSampleRows = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		profiler:    opts.Profiler,
		planner:     opts.Planner,
		loader:      opts.Loader,
		guard:       opts.Guard,
		newEngine:   opts.NewEngine,
		store:       opts.Store,
		objectStore: opts.ObjectStore,
		translator:  opts.Translator,
		cfg:         cfg,
		logger:      logger,
		now:         now,
		newID:       uuid.NewString,
		sessions:    map[string]*Session{},
	}, nil
}

// TranslationEnabled reports whether Ask can be served.
func (m *Manager) TranslationEnabled() bool {
	return m.translator != nil
}

// Active returns the number of sessions held in memory.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Create starts a session for caller from its first upload.
func (m *Manager) Create(ctx context.Context, caller auth.Identity, upload Upload) (sessionstore.State, error) {
	engine, err := m.newEngine(ctx)
	if err != nil {
		return sessionstore.State{}, fmt.Errorf("open session engine: %w", err)
	}
	now := m.now()
	s := &Session{
		id:     m.newID(),
		owner:  caller.Owner,
		engine: engine,
		state: sessionstore.State{
			Owner:     caller.Owner,
			CreatedAt: now,
		},
	}
	s.state.SessionID = s.id

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.load(ctx, s, upload); err != nil {
		_ = engine.Close()
		return sessionstore.State{}, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	m.logger.InfoContext(ctx, "session created",
		slog.String("session_id", s.id),
		slog.String("owner", s.owner),
		slog.String("tier", string(s.state.Plan.Tier)),
	)
	return s.state, nil
}

// Replace loads a new dataset into an existing session. The previous
// table stays queryable if the new upload fails.
func (m *Manager) Replace(ctx context.Context, caller auth.Identity, sessionID string, upload Upload) (sessionstore.State, error) {
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return sessionstore.State{}, err
	}
	defer s.mu.Unlock()

	previousKey := s.state.Table.StagedObjectKey
	if err := m.load(ctx, s, upload); err != nil {
		return sessionstore.State{}, err
	}
	s.history = nil
	if previousKey != "" && previousKey != s.state.Table.StagedObjectKey && m.objectStore != nil {
		if err := m.objectStore.Delete(ctx, previousKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			m.logger.WarnContext(ctx, "delete replaced staged file failed",
				slog.String("session_id", s.id),
				slog.String("key", previousKey),
				slog.Any("error", err),
			)
		}
	}
	m.logger.InfoContext(ctx, "session dataset replaced",
		slog.String("session_id", s.id),
		slog.String("tier", string(s.state.Plan.Tier)),
	)
	return s.state, nil
}

// Get returns the state of one session and marks it active.
func (m *Manager) Get(ctx context.Context, caller auth.Identity, sessionID string) (sessionstore.State, error) {
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return sessionstore.State{}, err
	}
	defer s.mu.Unlock()
	m.touch(ctx, s)
	return s.state, nil
}

// Delete ends a session and removes everything persisted for it.
func (m *Manager) Delete(ctx context.Context, caller auth.Identity, sessionID string) error {
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	m.detach(s)

	deleted, err := m.purge(ctx, s.id)
	m.logger.InfoContext(ctx, "session ended",
		slog.String("session_id", s.id),
		slog.Int("objects_deleted", deleted),
	)
	return err
}

// Close releases every engine without discarding persisted state, so
// sessions can be restored by the next process.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			if err := s.engine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session %s: %w", s.id, err))
			}
		}
		s.mu.Unlock()
	}
	observability.SetActiveSessions(0)
	return errors.Join(errs...)
}

// load runs profile, classify, plan and load for upload, then persists
// the resulting state. Callers hold s.mu.
func (m *Manager) load(ctx context.Context, s *Session, upload Upload) (err error) {
	format := upload.Format
	if format == "" {
		format, err = dataset.FormatFromFileName(upload.FileName)
		if err != nil {
			return &dataset.UnreadableFileError{FileName: upload.FileName, Err: err}
		}
	}
	plan := ingest.Plan{}
	defer func() {
		outcome := "loaded"
		if err != nil {
			outcome = "failed"
		}
		observability.ObserveUpload(string(format), string(plan.Tier), string(plan.Strategy), outcome)
	}()

	if m.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
		defer cancel()
	}
	defer func() {
		var loadErr *ingest.LoadError
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.As(err, &loadErr) {
			err = &ingest.LoadError{Stage: "timeout", Err: err}
		}
	}()

	path, err := m.spool(upload.Body)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(path) }()

	src, err := dataset.FileSource(path, upload.FileName, format)
	if err != nil {
		return err
	}
	profileStarted := time.Now()
	profile, err := m.profiler.Profile(ctx, src)
	if err != nil {
		return err
	}
	observability.ObserveProfile(time.Since(profileStarted))

	tier, err := dataset.Classify(profile, m.cfg.Thresholds)
	if err != nil {
		return err
	}
	plan, err = m.planner.Plan(profile, tier)
	if err != nil {
		return err
	}
	if len(upload.TypeOverrides) > 0 {
		if plan, err = plan.WithOverrides(upload.TypeOverrides); err != nil {
			return err
		}
	}

	uploadID := m.newID()
	loadStarted := time.Now()
	table, err := m.loader.Load(ctx, s.engine, ingest.Target{
		SessionID: s.id,
		UploadID:  uploadID,
		TableName: m.cfg.TableName,
	}, src, plan)
	if err != nil {
		return err
	}
	observability.ObserveLoad(string(plan.Strategy), table.RowCount, time.Since(loadStarted))

	now := m.now()
	state := s.state
	state.UploadID = uploadID
	state.Profile = profile
	state.Plan = plan
	state.Table = table
	state.UpdatedAt = now
	state.LastActiveAt = now
	if err := m.store.Save(ctx, state); err != nil {
		m.logger.WarnContext(ctx, "persist session state failed",
			slog.String("session_id", s.id),
			slog.Any("error", err),
		)
	}
	s.state = state
	return nil
}

func (m *Manager) spool(body io.Reader) (string, error) {
	if body == nil {
		return "", fmt.Errorf("upload body is required")
	}
	file, err := os.CreateTemp(m.cfg.WorkDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create upload spool file: %w", err)
	}
	path := file.Name()
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close upload spool file: %w", err)
	}
	return path, nil
}

// acquire returns the caller's session locked. A session missing from
// memory is restored from durable state when possible.
func (m *Manager) acquire(ctx context.Context, caller auth.Identity, sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrNotFound
	}
	for {
		m.mu.Lock()
		s, ok := m.sessions[sessionID]
		m.mu.Unlock()
		if !ok {
			var err error
			s, err = m.restore(ctx, caller, sessionID)
			if err != nil {
				return nil, err
			}
		}
		if !caller.CanAccess(s.owner) {
			return nil, ErrNotFound
		}
		s.mu.Lock()
		if s.closed {
			// Expired or ended while waiting; look again.
			s.mu.Unlock()
			continue
		}
		return s, nil
	}
}

func (m *Manager) restore(ctx context.Context, caller auth.Identity, sessionID string) (*Session, error) {
	value, err, _ := m.restores.Do(sessionID, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[sessionID]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		state, err := m.store.Get(ctx, sessionID)
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load session state: %w", err)
		}
		if !lastActive(state).Add(m.cfg.TTL).After(m.now()) {
			return nil, ErrNotFound
		}
		if state.Table.StagedObjectKey == "" || !m.loader.Archiving() {
			observability.ObserveRestore("unavailable")
			return nil, ErrNotFound
		}

		engine, err := m.newEngine(ctx)
		if err != nil {
			return nil, fmt.Errorf("open session engine: %w", err)
		}
		if _, err := m.loader.Restore(ctx, engine, state.Table.Name, state.Table.StagedObjectKey, state.Plan); err != nil {
			_ = engine.Close()
			observability.ObserveRestore("failed")
			return nil, err
		}
		s := &Session{
			id:     state.SessionID,
			owner:  state.Owner,
			engine: engine,
			state:  state,
		}
		m.mu.Lock()
		m.sessions[s.id] = s
		active := len(m.sessions)
		m.mu.Unlock()
		observability.SetActiveSessions(active)
		observability.ObserveRestore("restored")
		m.logger.InfoContext(ctx, "session restored",
			slog.String("session_id", s.id),
			slog.String("owner", s.owner),
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := value.(*Session)
	if !caller.CanAccess(s.owner) {
		return nil, ErrNotFound
	}
	return s, nil
}

// touch marks s active. Callers hold s.mu.
func (m *Manager) touch(ctx context.Context, s *Session) {
	now := m.now()
	s.state.LastActiveAt = now
	if err := m.store.Touch(ctx, s.id, now); err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		m.logger.WarnContext(ctx, "touch session state failed",
			slog.String("session_id", s.id),
			slog.Any("error", err),
		)
	}
}

// detach removes s from memory and closes its engine. Callers hold s.mu.
func (m *Manager) detach(s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.id]; ok && current == s {
		delete(m.sessions, s.id)
	}
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	s.closed = true
	s.history = nil
	if err := s.engine.Close(); err != nil {
		m.logger.Warn("close session engine failed", slog.String("session_id", s.id), slog.Any("error", err))
	}
}

// purge removes the durable state and archived objects of a session.
func (m *Manager) purge(ctx context.Context, sessionID string) (int, error) {
	var errs []error
	if err := m.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete session state: %w", err))
	}
	deleted := 0
	if m.objectStore != nil {
		prefix, err := storage.SessionPrefix(sessionID)
		if err != nil {
			errs = append(errs, err)
		} else {
			n, err := storage.DeletePrefix(ctx, m.objectStore, prefix)
			deleted = n
			if err != nil {
				errs = append(errs, fmt.Errorf("delete archived objects: %w", err))
			}
		}
	}
	return deleted, errors.Join(errs...)
}
