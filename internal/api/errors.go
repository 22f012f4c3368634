package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/guard"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
)

// writeSessionError maps the domain error taxonomy onto the JSON error
// envelope. extra is merged into the envelope context.
func writeSessionError(ctx context.Context, w http.ResponseWriter, err error, extra map[string]any) {
	details := map[string]any{}
	for key, value := range extra {
		details[key] = value
	}

	var (
		maxBytesErr    *http.MaxBytesError
		loadErr        *ingest.LoadError
		unreadableErr  *dataset.UnreadableFileError
		rejectionErr   *guard.RejectionError
		translationErr *nl2sql.TranslationError
		timeoutErr     *query.QueryTimeoutError
		engineErr      *query.EngineError
		configErr      *dataset.ConfigError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, details)
	case errors.Is(err, session.ErrTranslationDisabled):
		writeError(ctx, w, http.StatusNotImplemented, "TRANSLATION_DISABLED", err.Error(), false, details)
	case errors.Is(err, session.ErrEmptySQL):
		writeError(ctx, w, http.StatusBadRequest, "SQL_REQUIRED", err.Error(), false, details)
	case errors.Is(err, session.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, details)
	case errors.Is(err, ingest.ErrInvalidOverride):
		details["details"] = err.Error()
		writeError(ctx, w, http.StatusBadRequest, "INVALID_TYPE_OVERRIDE", "invalid type override", false, details)
	case errors.As(err, &maxBytesErr):
		details["limit_bytes"] = maxBytesErr.Limit
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the configured size limit", false, details)
	case errors.As(err, &loadErr):
		details["stage"] = loadErr.Stage
		details["details"] = loadErr.Err.Error()
		writeError(ctx, w, http.StatusUnprocessableEntity, "LOAD_FAILED", "dataset could not be loaded; adjust the type overrides or fix the file", false, details)
	case errors.As(err, &unreadableErr):
		details["file_name"] = unreadableErr.FileName
		details["format"] = unreadableErr.Format
		details["details"] = err.Error()
		writeError(ctx, w, http.StatusUnprocessableEntity, "UNREADABLE_FILE", "file could not be read", false, details)
	case errors.As(err, &rejectionErr):
		details["violation_reason"] = rejectionErr.Decision.ViolationReason
		details["detail"] = rejectionErr.Decision.Detail
		writeError(ctx, w, http.StatusUnprocessableEntity, "QUERY_REJECTED", rejectionErr.Error(), false, details)
	case errors.As(err, &translationErr):
		details["provider"] = translationErr.Provider
		details["details"] = err.Error()
		writeError(ctx, w, http.StatusBadGateway, "TRANSLATE_FAILED", "question could not be translated to SQL", true, details)
	case errors.As(err, &timeoutErr):
		details["timeout_ms"] = timeoutErr.Timeout.Milliseconds()
		writeError(ctx, w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", timeoutErr.Error(), true, details)
	case errors.As(err, &engineErr):
		details["details"] = engineErr.Err.Error()
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, details)
	case errors.As(err, &configErr):
		details["setting"] = configErr.Setting
		writeError(ctx, w, http.StatusInternalServerError, "CONFIG_ERROR", err.Error(), false, details)
	default:
		details["details"] = err.Error()
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "request failed", true, details)
	}
}
