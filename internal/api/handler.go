package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/report"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/sessionstore"
)

type ReadinessCheck func(ctx context.Context) error

// Sessions is the session surface served over HTTP. *session.Manager
// implements it.
type Sessions interface {
	Create(ctx context.Context, caller auth.Identity, upload session.Upload) (sessionstore.State, error)
	Replace(ctx context.Context, caller auth.Identity, sessionID string, upload session.Upload) (sessionstore.State, error)
	Get(ctx context.Context, caller auth.Identity, sessionID string) (sessionstore.State, error)
	Delete(ctx context.Context, caller auth.Identity, sessionID string) error
	Preview(ctx context.Context, caller auth.Identity, sessionID string) (query.Result, error)
	Query(ctx context.Context, caller auth.Identity, sessionID, sql string) (session.QueryResult, error)
	Ask(ctx context.Context, caller auth.Identity, sessionID, question string) (session.AskResult, error)
	Report(ctx context.Context, caller auth.Identity, sessionID string) (report.Report, error)
	EvaluateGuard(sql string, tier dataset.SizeTier) guard.Decision
}

var _ Sessions = (*session.Manager)(nil)

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          Sessions
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	var identify func(http.Handler) http.Handler = auth.AnonymousMiddleware
	if cfg.Auth.Required {
		identify = deps.AuthMiddleware
		if identify == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			identify = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			}
		}
	}
	for pattern, handler := range sessionRoutes(cfg, deps) {
		var protected http.Handler = handler
		if deps.Sessions == nil {
			protected = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
			})
		}
		mux.Handle(pattern, identify(auth.RequireRole(auth.RoleAnalyst, protected)))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// sessionRoutes are the authenticated routes; every one requires the
// analyst role.
func sessionRoutes(cfg config.Config, deps Dependencies) map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			handleCreateSession(cfg, deps, w, r)
		},
		"GET /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetSession(deps, w, r)
		},
		"DELETE /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleDeleteSession(deps, w, r)
		},
		"PUT /v1/sessions/{id}/dataset": func(w http.ResponseWriter, r *http.Request) {
			handleReplaceDataset(cfg, deps, w, r)
		},
		"GET /v1/sessions/{id}/preview": func(w http.ResponseWriter, r *http.Request) {
			handlePreview(deps, w, r)
		},
		"POST /v1/sessions/{id}/query": func(w http.ResponseWriter, r *http.Request) {
			handleQuery(deps, w, r)
		},
		"POST /v1/sessions/{id}/ask": func(w http.ResponseWriter, r *http.Request) {
			handleAsk(deps, w, r)
		},
		"GET /v1/sessions/{id}/report": func(w http.ResponseWriter, r *http.Request) {
			handleReport(deps, w, r)
		},
		"POST /v1/guard/evaluate": func(w http.ResponseWriter, r *http.Request) {
			handleGuardEvaluate(deps, w, r)
		},
	}
}

// AuthMiddlewareFromConfig builds the static API key middleware. It returns
// nil when authentication is not required.
func AuthMiddlewareFromConfig(cfg config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.Auth.Required {
		return nil, nil
	}
	validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
	if err != nil {
		return nil, err
	}
	return auth.Middleware(logger, validator), nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// CheckPing turns a dependency with a Ping method into a readiness check.
// A nil dependency is treated as not configured and always ready.
func CheckPing(name string, dependency pinger) ReadinessCheck {
	if dependency == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := dependency.Ping(ctx); err != nil {
			return errors.New(name + " is unavailable: " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func callerFromRequest(r *http.Request) auth.Identity {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity
	}
	return auth.Anonymous()
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
