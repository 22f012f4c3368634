package api

import (
	"net/http"
	"strings"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/session"
)

type queryRequest struct {
	SQL string `json:"sql"`
}

type askRequest struct {
	Question string `json:"question"`
}

type guardRequest struct {
	SQL  string `json:"sql"`
	Tier string `json:"tier"`
}

type queryResponse struct {
	Decision    guard.Decision `json:"decision"`
	Outcome     guard.Outcome  `json:"outcome"`
	ExecutedSQL string         `json:"executed_sql"`
	Columns     []string       `json:"columns"`
	Rows        [][]any        `json:"rows"`
	RowCount    int            `json:"row_count"`
	DurationMs  int64          `json:"duration_ms"`
}

type askResponse struct {
	Question     string `json:"question"`
	GeneratedSQL string `json:"generated_sql"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	queryResponse
}

func newQueryResponse(result session.QueryResult) queryResponse {
	rows := result.Result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return queryResponse{
		Decision:    result.Decision,
		Outcome:     result.Decision.Outcome(),
		ExecutedSQL: result.ExecutedSQL,
		Columns:     result.Result.Columns,
		Rows:        rows,
		RowCount:    len(rows),
		DurationMs:  result.Result.Duration.Milliseconds(),
	}
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request queryRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	result, err := deps.Sessions.Query(r.Context(), callerFromRequest(r), r.PathValue("id"), request.SQL)
	if err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newQueryResponse(result))
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request askRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	result, err := deps.Sessions.Ask(r.Context(), callerFromRequest(r), r.PathValue("id"), request.Question)
	if err != nil {
		var extra map[string]any
		if result.GeneratedSQL != "" {
			extra = map[string]any{"generated_sql": result.GeneratedSQL, "provider": result.Provider}
		}
		writeSessionError(r.Context(), w, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{
		Question:      result.Question,
		GeneratedSQL:  result.GeneratedSQL,
		Provider:      result.Provider,
		Model:         result.Model,
		queryResponse: newQueryResponse(result.QueryResult),
	})
}

func handleReport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	rep, err := deps.Sessions.Report(r.Context(), callerFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func handleGuardEvaluate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request guardRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid guard request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	tier := dataset.TierLarge
	if strings.TrimSpace(request.Tier) != "" {
		parsed, err := dataset.ParseSizeTier(request.Tier)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TIER", err.Error(), false, nil)
			return
		}
		tier = parsed
	}
	decision := deps.Sessions.EvaluateGuard(request.SQL, tier)
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":     tier,
		"outcome":  decision.Outcome(),
		"decision": decision,
	})
}
