package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tabletalk/tabletalk/internal/observability"
)

// Run expires idle sessions every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := m.Sweep(ctx)
			if err != nil {
				m.logger.ErrorContext(ctx, "session sweep failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			if summary.Expired > 0 || summary.StoredPurged > 0 {
				m.logger.InfoContext(ctx, "session sweep completed", slog.Any("summary", summary))
			}
		}
	}
}

// Sweep destroys sessions idle for longer than the TTL, including ones
// only present in durable state.
func (m *Manager) Sweep(ctx context.Context) (SweepSummary, error) {
	cutoff := m.now().Add(-m.cfg.TTL)
	summary := SweepSummary{}

	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()
	summary.ActiveScanned = len(candidates)

	var errs []error
	for _, s := range candidates {
		// A locked session is in use and therefore not idle.
		if !s.mu.TryLock() {
			continue
		}
		if s.closed || lastActive(s.state).After(cutoff) {
			s.mu.Unlock()
			continue
		}
		m.detach(s)
		deleted, err := m.purge(ctx, s.id)
		s.mu.Unlock()
		summary.Expired++
		summary.ObjectsDeleted += deleted
		if err != nil {
			summary.Failures++
			errs = append(errs, err)
		}
		m.logger.InfoContext(ctx, "session expired", slog.String("session_id", s.id))
	}

	idle, err := m.store.ListIdle(ctx, cutoff)
	if err != nil {
		summary.Failures++
		errs = append(errs, err)
	}
	for _, state := range idle {
		m.mu.Lock()
		_, live := m.sessions[state.SessionID]
		m.mu.Unlock()
		if live {
			continue
		}
		deleted, err := m.purge(ctx, state.SessionID)
		summary.StoredPurged++
		summary.ObjectsDeleted += deleted
		if err != nil {
			summary.Failures++
			errs = append(errs, err)
		}
	}

	observability.AddExpiredSessions(summary.Expired + summary.StoredPurged)
	return summary, errors.Join(errs...)
}
