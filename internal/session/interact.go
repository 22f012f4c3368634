package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/report"
)

// Preview returns the first rows of the session table.
func (m *Manager) Preview(ctx context.Context, caller auth.Identity, sessionID string) (query.Result, error) {
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return query.Result{}, err
	}
	defer s.mu.Unlock()
	m.touch(ctx, s)

	return query.ExecuteWithTimeout(ctx, s.engine, query.Request{
		SQL: selectHead(s.state.Table.Name, m.cfg.PreviewRows),
	}, m.cfg.QueryTimeout)
}

// Query runs caller-authored SQL through the guard and the engine.
func (m *Manager) Query(ctx context.Context, caller auth.Identity, sessionID, sql string) (QueryResult, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return QueryResult{}, ErrEmptySQL
	}
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return QueryResult{}, err
	}
	defer s.mu.Unlock()
	m.touch(ctx, s)

	return m.execute(ctx, s, sql, "sql")
}

// Ask translates question into SQL and executes it like Query. The
// generated statement is never trusted: it passes the same guard.
func (m *Manager) Ask(ctx context.Context, caller auth.Identity, sessionID, question string) (AskResult, error) {
	if m.translator == nil {
		return AskResult{}, ErrTranslationDisabled
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return AskResult{}, ErrEmptyQuestion
	}
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return AskResult{}, err
	}
	defer s.mu.Unlock()
	m.touch(ctx, s)

	out := AskResult{Question: question}
	translated, err := m.translator.Translate(ctx, nl2sql.Request{
		Question:     question,
		Tier:         s.state.Plan.Tier,
		DefaultLimit: m.guard.DefaultLimit(),
		Table:        m.tableContext(ctx, s),
		History:      s.recentHistory(),
	})
	if err != nil {
		provider := "unknown"
		var translationErr *nl2sql.TranslationError
		if errors.As(err, &translationErr) {
			provider = translationErr.Provider
		}
		observability.ObserveTranslation(provider, "failed")
		return out, err
	}
	observability.ObserveTranslation(translated.Provider, "translated")
	out.GeneratedSQL = translated.SQL
	out.Provider = translated.Provider
	out.Model = translated.Model

	result, err := m.execute(ctx, s, translated.SQL, "ask")
	out.QueryResult = result
	if err != nil {
		return out, err
	}
	s.remember(nl2sql.Exchange{Question: question, SQL: result.ExecutedSQL})
	return out, nil
}

// Report computes the exploratory report for the session table.
func (m *Manager) Report(ctx context.Context, caller auth.Identity, sessionID string) (report.Report, error) {
	s, err := m.acquire(ctx, caller, sessionID)
	if err != nil {
		return report.Report{}, err
	}
	defer s.mu.Unlock()
	m.touch(ctx, s)

	// The whole report shares one query timeout.
	if m.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.QueryTimeout)
		defer cancel()
	}
	out, err := report.Build(ctx, s.engine, report.Input{
		Table:       s.state.Table.Name,
		Columns:     s.state.Table.Columns,
		SourceBytes: s.state.Profile.ByteSize,
		SourceRows:  s.state.Table.SourceRows,
		Sampled:     s.state.Table.Sampled,
	})
	if err == nil {
		return out, nil
	}
	var timeoutErr *query.QueryTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		if timeoutErr.Timeout == 0 {
			timeoutErr.Timeout = m.cfg.QueryTimeout
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = &query.QueryTimeoutError{Timeout: m.cfg.QueryTimeout, Err: err}
	default:
		return report.Report{}, err
	}
	observability.IncrementQueryError("timeout")
	return report.Report{}, err
}

// EvaluateGuard judges sql against tier without executing it.
func (m *Manager) EvaluateGuard(sql string, tier dataset.SizeTier) guard.Decision {
	decision := m.guard.Evaluate(sql, tier)
	observability.ObserveGuardDecision(string(tier), string(decision.Outcome()), string(decision.ViolationReason))
	return decision
}

// execute guards and runs sql. Callers hold s.mu.
func (m *Manager) execute(ctx context.Context, s *Session, sql, source string) (QueryResult, error) {
	tier := s.state.Plan.Tier
	decision := m.EvaluateGuard(sql, tier)
	out := QueryResult{Decision: decision}
	if !decision.Allowed {
		observability.IncrementQueryError("rejected")
		m.logger.InfoContext(ctx, "query rejected",
			slog.String("session_id", s.id),
			slog.String("tier", string(tier)),
			slog.String("reason", string(decision.ViolationReason)),
		)
		return out, &guard.RejectionError{Decision: decision}
	}

	out.ExecutedSQL = decision.Statement(sql)
	startedAt := time.Now()
	result, err := query.ExecuteWithTimeout(ctx, s.engine, query.Request{SQL: out.ExecutedSQL}, m.cfg.QueryTimeout)
	observability.ObserveQuery(source, time.Since(startedAt))
	if err != nil {
		var timeoutErr *query.QueryTimeoutError
		if errors.As(err, &timeoutErr) {
			observability.IncrementQueryError("timeout")
		} else {
			observability.IncrementQueryError("engine")
		}
		return out, err
	}
	out.Result = result
	return out, nil
}

// tableContext describes the session table to the translator. Sample rows
// are best effort.
func (m *Manager) tableContext(ctx context.Context, s *Session) nl2sql.TableContext {
	table := s.state.Table
	tc := nl2sql.TableContext{
		TableName:  table.Name,
		RowCount:   table.RowCount,
		Sampled:    table.Sampled,
		SourceRows: table.SourceRows,
		Columns:    make([]nl2sql.ColumnContext, 0, len(table.Columns)),
	}
	for _, column := range table.Columns {
		tc.Columns = append(tc.Columns, nl2sql.ColumnContext{Name: column.Name, Type: column.Type})
	}
	if m.cfg.SchemaSampleRows > 0 {
		sample, err := query.ExecuteWithTimeout(ctx, s.engine, query.Request{
			SQL: selectHead(table.Name, m.cfg.SchemaSampleRows),
		}, m.cfg.QueryTimeout)
		if err != nil {
			m.logger.WarnContext(ctx, "sample rows for translation failed",
				slog.String("session_id", s.id),
				slog.Any("error", err),
			)
		} else {
			tc.SampleRows = sample.Rows
		}
	}
	return tc
}

func selectHead(table string, limit int) string {
	return "SELECT * FROM " + quoteIdent(table) + " LIMIT " + strconv.Itoa(limit)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
