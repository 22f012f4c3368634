package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/query/duckdb"
	"github.com/tabletalk/tabletalk/internal/sessionstore"
	"github.com/tabletalk/tabletalk/internal/storage"
)

const salesCSV = "region,amount\nnorth,10\nsouth,20\nnorth,5\n"

var (
	alice = auth.Identity{Owner: "alice", Roles: []string{auth.RoleAnalyst}}
	bob   = auth.Identity{Owner: "bob", Roles: []string{auth.RoleAnalyst}}
	admin = auth.Identity{Owner: "ops", Roles: []string{auth.RoleAdmin}}
)

type harness struct {
	manager    *Manager
	store      *sessionstore.Memory
	objects    *memoryObjects
	clock      *fakeClock
	translator *fakeTranslator
	opts       Options
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:      sessionstore.NewMemory(),
		objects:    newMemoryObjects(),
		clock:      &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		translator: &fakeTranslator{},
	}

	profiler, err := dataset.NewProfiler(dataset.ProfilerOptions{
		LargeByteThreshold: 1 << 20,
		PrefixRows:         100,
		NullTokens:         []string{"NA"},
	})
	if err != nil {
		t.Fatalf("NewProfiler() error = %v", err)
	}
	planner, err := ingest.NewPlanner(ingest.PlannerOptions{SampleFraction: 0.5, SampleRowCap: 100, Seed: 42})
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}
	g, err := guard.New(guard.Options{DefaultLimit: 50, RewriteEnabled: true})
	if err != nil {
		t.Fatalf("guard.New() error = %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	workDir := t.TempDir()

	h.opts = Options{
		Profiler: profiler,
		Planner:  planner,
		Loader: ingest.NewLoader(ingest.LoaderOptions{
			Store:   h.objects,
			Nulls:   profiler.NullSet(),
			WorkDir: workDir,
			Logger:  logger,
		}),
		Guard: g,
		NewEngine: func(ctx context.Context) (query.Engine, error) {
			return duckdb.Open(ctx, duckdb.Options{MemoryLimit: "256MB", Threads: 1})
		},
		Store:       h.store,
		ObjectStore: h.objects,
		Translator:  h.translator,
		Config: Config{
			Thresholds:       dataset.Thresholds{Rows: 1000, Bytes: 1 << 20},
			TableName:        "uploaded_data",
			PreviewRows:      2,
			SchemaSampleRows: 2,
			QueryTimeout:     10 * time.Second,
			LoadTimeout:      time.Minute,
			TTL:              time.Hour,
			SweepInterval:    time.Minute,
			WorkDir:          workDir,
		},
		Logger: logger,
		Clock:  h.clock.Now,
	}
	if mutate != nil {
		mutate(&h.opts)
	}
	h.manager = h.newManager(t)
	return h
}

func (h *harness) newManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(h.opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func csvUpload(body string) Upload {
	return Upload{FileName: "sales.csv", Body: strings.NewReader(body)}
}

func mustCreate(t *testing.T, h *harness, caller auth.Identity, body string) sessionstore.State {
	t.Helper()
	state, err := h.manager.Create(context.Background(), caller, csvUpload(body))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return state
}

func countRows(t *testing.T, m *Manager, caller auth.Identity, sessionID string) int64 {
	t.Helper()
	result, err := m.Query(context.Background(), caller, sessionID, "SELECT COUNT(*) AS n FROM uploaded_data")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return result.Result.Rows[0][0].(int64)
}

func TestCreateProfilesLoadsAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)

	if state.SessionID == "" || state.UploadID == "" {
		t.Fatalf("ids not assigned: %+v", state)
	}
	if state.Owner != "alice" {
		t.Fatalf("Owner = %q", state.Owner)
	}
	if state.Plan.Tier != dataset.TierSmall || state.Plan.Strategy != ingest.StrategyFull {
		t.Fatalf("Plan = %+v", state.Plan)
	}
	if state.Table.RowCount != 3 || state.Table.Name != "uploaded_data" {
		t.Fatalf("Table = %+v", state.Table)
	}
	if got := state.Table.Columns[1].Type; got != dataset.TypeInteger {
		t.Fatalf("amount type = %q", got)
	}
	if state.Table.StagedObjectKey == "" || len(h.objects.keys()) != 1 {
		t.Fatalf("staged file not archived: key=%q objects=%v", state.Table.StagedObjectKey, h.objects.keys())
	}

	stored, err := h.store.Get(context.Background(), state.SessionID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if stored.Table.RowCount != 3 || stored.Plan.Tier != dataset.TierSmall {
		t.Fatalf("stored state = %+v", stored)
	}
	if h.manager.Active() != 1 {
		t.Fatalf("Active() = %d", h.manager.Active())
	}
}

func TestQueryAndPreview(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()

	result, err := h.manager.Query(ctx, alice, state.SessionID,
		"SELECT region, COUNT(*) AS n FROM uploaded_data GROUP BY region ORDER BY region")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if result.Decision.Outcome() != guard.OutcomeAllowed {
		t.Fatalf("Decision = %+v", result.Decision)
	}
	if len(result.Result.Rows) != 2 || result.Result.Rows[0][0] != "north" || result.Result.Rows[0][1] != int64(2) {
		t.Fatalf("Rows = %#v", result.Result.Rows)
	}

	preview, err := h.manager.Preview(ctx, alice, state.SessionID)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(preview.Rows) != 2 {
		t.Fatalf("preview rows = %d, want 2", len(preview.Rows))
	}
}

func TestQueryErrors(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()

	_, err := h.manager.Query(ctx, alice, state.SessionID, "DROP TABLE uploaded_data")
	var rejection *guard.RejectionError
	if !errors.As(err, &rejection) || rejection.Decision.ViolationReason != guard.ReasonDisallowedStatementType {
		t.Fatalf("expected disallowed statement rejection, got %v", err)
	}

	_, err = h.manager.Query(ctx, alice, state.SessionID, "SELECT missing_column FROM uploaded_data")
	var engineErr *query.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %T %v", err, err)
	}

	if _, err := h.manager.Query(ctx, alice, state.SessionID, "  "); !errors.Is(err, ErrEmptySQL) {
		t.Fatalf("expected ErrEmptySQL, got %v", err)
	}
	if got := countRows(t, h.manager, alice, state.SessionID); got != 3 {
		t.Fatalf("rows after rejected statements = %d", got)
	}
}

func TestLargeTierGuardsAndSamples(t *testing.T) {
	h := newHarness(t, func(opts *Options) {
		opts.Config.Thresholds.Rows = 3
	})
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()

	if state.Plan.Tier != dataset.TierLarge || !state.Table.Sampled {
		t.Fatalf("expected sampled large load, got plan=%+v table=%+v", state.Plan, state.Table)
	}
	if state.Table.RowCount != 2 || state.Table.SourceRows != 3 {
		t.Fatalf("Table = %+v", state.Table)
	}

	_, err := h.manager.Query(ctx, alice, state.SessionID, "SELECT * FROM uploaded_data")
	var rejection *guard.RejectionError
	if !errors.As(err, &rejection) || rejection.Decision.ViolationReason != guard.ReasonUnboundedScan {
		t.Fatalf("expected unbounded scan rejection, got %v", err)
	}

	result, err := h.manager.Query(ctx, alice, state.SessionID, "SELECT region FROM uploaded_data")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if result.Decision.Outcome() != guard.OutcomeRewritten || !strings.HasSuffix(result.ExecutedSQL, "LIMIT 50") {
		t.Fatalf("expected rewritten statement, got %+v", result)
	}
}

func TestForeignOwnerCannotSeeSession(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()

	if _, err := h.manager.Get(ctx, bob, state.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() as bob error = %v, want ErrNotFound", err)
	}
	if err := h.manager.Delete(ctx, bob, state.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() as bob error = %v, want ErrNotFound", err)
	}
	if _, err := h.manager.Get(ctx, admin, state.SessionID); err != nil {
		t.Fatalf("Get() as admin error = %v", err)
	}
	if _, err := h.manager.Get(ctx, alice, "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() unknown error = %v", err)
	}
}

func TestReplaceKeepsPreviousTableOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()
	firstKey := state.Table.StagedObjectKey

	_, err := h.manager.Replace(ctx, alice, state.SessionID, Upload{
		FileName:      "next.csv",
		Body:          strings.NewReader("region,amount\neast,1\n"),
		TypeOverrides: map[string]dataset.ColumnType{"region": dataset.TypeInteger},
	})
	var loadErr *ingest.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %T %v", err, err)
	}
	if got := countRows(t, h.manager, alice, state.SessionID); got != 3 {
		t.Fatalf("rows after failed replace = %d, want 3", got)
	}

	_, err = h.manager.Replace(ctx, alice, state.SessionID, csvUpload("region,amount\nnorth,1,extra\n"))
	var unreadable *dataset.UnreadableFileError
	if !errors.As(err, &unreadable) {
		t.Fatalf("expected UnreadableFileError, got %T %v", err, err)
	}

	replaced, err := h.manager.Replace(ctx, alice, state.SessionID, csvUpload("region,amount\neast,1\n"))
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if replaced.Table.RowCount != 1 || replaced.UploadID == state.UploadID {
		t.Fatalf("replaced state = %+v", replaced)
	}
	if !replaced.CreatedAt.Equal(state.CreatedAt) {
		t.Fatalf("CreatedAt changed: %s -> %s", state.CreatedAt, replaced.CreatedAt)
	}
	if got := countRows(t, h.manager, alice, state.SessionID); got != 1 {
		t.Fatalf("rows after replace = %d, want 1", got)
	}
	if h.objects.has(firstKey) || !h.objects.has(replaced.Table.StagedObjectKey) {
		t.Fatalf("objects after replace = %v", h.objects.keys())
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, alice, Upload{FileName: "data.json", Body: strings.NewReader("{}")})
	var unreadable *dataset.UnreadableFileError
	if !errors.As(err, &unreadable) {
		t.Fatalf("expected UnreadableFileError, got %T %v", err, err)
	}

	_, err = h.manager.Create(ctx, alice, Upload{
		FileName:      "sales.csv",
		Body:          strings.NewReader(salesCSV),
		TypeOverrides: map[string]dataset.ColumnType{"nope": dataset.TypeText},
	})
	if !errors.Is(err, ingest.ErrInvalidOverride) {
		t.Fatalf("expected ErrInvalidOverride, got %v", err)
	}
	if h.manager.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", h.manager.Active())
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()

	if err := h.manager.Delete(ctx, alice, state.SessionID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := h.store.Get(ctx, state.SessionID); !errors.Is(err, sessionstore.ErrNotFound) {
		t.Fatalf("store.Get() error = %v", err)
	}
	if len(h.objects.keys()) != 0 {
		t.Fatalf("objects = %v", h.objects.keys())
	}
	if _, err := h.manager.Get(ctx, alice, state.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v", err)
	}
}

func TestRestoreFromDurableState(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	if err := h.manager.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	next := h.newManager(t)
	if next.Active() != 0 {
		t.Fatalf("Active() = %d", next.Active())
	}
	if _, err := next.Get(context.Background(), bob, state.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() as bob error = %v", err)
	}
	if got := countRows(t, next, alice, state.SessionID); got != 3 {
		t.Fatalf("restored rows = %d, want 3", got)
	}
	if next.Active() != 1 {
		t.Fatalf("Active() = %d after restore", next.Active())
	}
}

func TestRestoreRequiresArchive(t *testing.T) {
	h := newHarness(t, func(opts *Options) {
		opts.ObjectStore = nil
		opts.Loader = ingest.NewLoader(ingest.LoaderOptions{WorkDir: opts.Config.WorkDir})
	})
	state := mustCreate(t, h, alice, salesCSV)
	_ = h.manager.Close()

	next := h.newManager(t)
	if _, err := next.Get(context.Background(), alice, state.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	idle := mustCreate(t, h, alice, salesCSV)
	h.clock.Advance(40 * time.Minute)
	busy := mustCreate(t, h, bob, salesCSV)

	orphan := sessionstore.State{
		SessionID:    "orphan",
		Owner:        "carol",
		CreatedAt:    h.clock.Now().Add(-5 * time.Hour),
		UpdatedAt:    h.clock.Now().Add(-5 * time.Hour),
		LastActiveAt: h.clock.Now().Add(-5 * time.Hour),
	}
	if err := h.store.Save(ctx, orphan); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	h.objects.put("sessions/orphan/staged/u1.parquet", []byte("x"))

	h.clock.Advance(30 * time.Minute)
	summary, err := h.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if summary.ActiveScanned != 2 || summary.Expired != 1 || summary.StoredPurged != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.ObjectsDeleted != 2 {
		t.Fatalf("ObjectsDeleted = %d, want 2", summary.ObjectsDeleted)
	}
	if _, err := h.manager.Get(ctx, alice, idle.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() expired error = %v", err)
	}
	if _, err := h.manager.Get(ctx, bob, busy.SessionID); err != nil {
		t.Fatalf("Get() active error = %v", err)
	}
	if keys := h.objects.keys(); len(keys) != 1 || !strings.HasPrefix(keys[0], "sessions/"+busy.SessionID+"/") {
		t.Fatalf("objects after sweep = %v", keys)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, func(opts *Options) {
		opts.Config.SweepInterval = time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}

func TestAskTranslatesGuardsAndKeepsHistory(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	ctx := context.Background()

	h.translator.sql = "SELECT COUNT(*) AS n FROM uploaded_data"
	for i := 0; i < 7; i++ {
		out, err := h.manager.Ask(ctx, alice, state.SessionID, "how many rows?")
		if err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
		if out.Result.Rows[0][0] != int64(3) || out.Provider != "fake" {
			t.Fatalf("Ask() = %+v", out)
		}
	}
	last := h.translator.lastRequest()
	if len(last.History) != historyLimit {
		t.Fatalf("history = %d, want %d", len(last.History), historyLimit)
	}
	if last.Table.TableName != "uploaded_data" || len(last.Table.Columns) != 2 || len(last.Table.SampleRows) != 2 {
		t.Fatalf("table context = %+v", last.Table)
	}
	if last.Tier != dataset.TierSmall || last.DefaultLimit != 50 {
		t.Fatalf("request = %+v", last)
	}

	h.translator.sql = "DELETE FROM uploaded_data"
	out, err := h.manager.Ask(ctx, alice, state.SessionID, "remove everything")
	var rejection *guard.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if out.GeneratedSQL != "DELETE FROM uploaded_data" {
		t.Fatalf("GeneratedSQL = %q", out.GeneratedSQL)
	}
	if got := countRows(t, h.manager, alice, state.SessionID); got != 3 {
		t.Fatalf("rows after rejected ask = %d", got)
	}

	h.translator.err = &nl2sql.TranslationError{Provider: "fake", Err: errors.New("model offline")}
	if _, err := h.manager.Ask(ctx, alice, state.SessionID, "anything"); err == nil {
		t.Fatal("expected translation error")
	}
}

func TestAskRequiresTranslator(t *testing.T) {
	h := newHarness(t, func(opts *Options) { opts.Translator = nil })
	state := mustCreate(t, h, alice, salesCSV)
	if h.manager.TranslationEnabled() {
		t.Fatal("TranslationEnabled() = true")
	}
	if _, err := h.manager.Ask(context.Background(), alice, state.SessionID, "q"); !errors.Is(err, ErrTranslationDisabled) {
		t.Fatalf("Ask() error = %v", err)
	}
}

func TestReportOnSessionTable(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	rep, err := h.manager.Report(context.Background(), alice, state.SessionID)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if rep.Overview.Rows != 3 || rep.Overview.Columns != 2 {
		t.Fatalf("Overview = %+v", rep.Overview)
	}
	if len(rep.Numeric) != 1 || rep.Numeric[0].Column != "amount" {
		t.Fatalf("Numeric = %+v", rep.Numeric)
	}
}

func TestReportHonoursQueryTimeout(t *testing.T) {
	h := newHarness(t, nil)
	state := mustCreate(t, h, alice, salesCSV)
	h.manager.cfg.QueryTimeout = time.Nanosecond

	_, err := h.manager.Report(context.Background(), alice, state.SessionID)
	var timeoutErr *query.QueryTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Report() error = %T %v, want QueryTimeoutError", err, err)
	}
	if timeoutErr.Timeout != time.Nanosecond {
		t.Fatalf("Timeout = %s", timeoutErr.Timeout)
	}

	// The session lock is released and later work still runs.
	h.manager.cfg.QueryTimeout = 10 * time.Second
	if got := countRows(t, h.manager, alice, state.SessionID); got != 3 {
		t.Fatalf("rows after timed out report = %d", got)
	}
}

func TestNewManagerValidatesOptions(t *testing.T) {
	h := newHarness(t, nil)
	bad := h.opts
	bad.Config.TableName = " "
	if _, err := NewManager(bad); err == nil {
		t.Fatal("expected error for empty table name")
	}
	bad = h.opts
	bad.Config.Thresholds.Rows = 0
	var cfgErr *dataset.ConfigError
	if _, err := NewManager(bad); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	bad = h.opts
	bad.Store = nil
	if _, err := NewManager(bad); err == nil {
		t.Fatal("expected error for missing store")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTranslator struct {
	mu       sync.Mutex
	sql      string
	err      error
	requests []nl2sql.Request
}

func (f *fakeTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nl2sql.Result{}, f.err
	}
	return nl2sql.Result{SQL: f.sql, Provider: "fake", Model: "fake-model"}, nil
}

func (f *fakeTranslator) lastRequest() nl2sql.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}}
}

func (s *memoryObjects) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *memoryObjects) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memoryObjects) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for key := range s.objects {
		out = append(out, key)
	}
	return out
}

func (s *memoryObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	s.put(key, data)
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memoryObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryObjects) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memoryObjects) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memoryObjects) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ObjectInfo, 0)
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func TestLoadTimeoutSurfacesAsLoadError(t *testing.T) {
	h := newHarness(t, func(opts *Options) {
		opts.Config.LoadTimeout = time.Nanosecond
	})

	_, err := h.manager.Create(context.Background(), alice, csvUpload(salesCSV))
	var loadErr *ingest.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Create() error = %v, want LoadError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Create() error = %v, want deadline cause", err)
	}
	if h.manager.Active() != 0 {
		t.Fatalf("Active() = %d after failed load", h.manager.Active())
	}
}
