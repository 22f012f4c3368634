package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/session"
)

// Multipart parts beyond this size are spilled to temporary files.
const multipartMemory = 32 << 20

type previewResponse struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

func handleCreateSession(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	upload, cleanup, ok := readUpload(cfg, w, r)
	if !ok {
		return
	}
	defer cleanup()

	state, err := deps.Sessions.Create(r.Context(), callerFromRequest(r), upload)
	if err != nil {
		writeSessionError(r.Context(), w, err, map[string]any{"file_name": upload.FileName})
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func handleReplaceDataset(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	upload, cleanup, ok := readUpload(cfg, w, r)
	if !ok {
		return
	}
	defer cleanup()

	state, err := deps.Sessions.Replace(r.Context(), callerFromRequest(r), r.PathValue("id"), upload)
	if err != nil {
		writeSessionError(r.Context(), w, err, map[string]any{"file_name": upload.FileName})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	state, err := deps.Sessions.Get(r.Context(), callerFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := deps.Sessions.Delete(r.Context(), callerFromRequest(r), sessionID); err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "status": "ended"})
}

func handlePreview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	result, err := deps.Sessions.Preview(r.Context(), callerFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Columns:  result.Columns,
		Rows:     result.Rows,
		RowCount: len(result.Rows),
	})
}

// readUpload parses the multipart form shared by create and replace. On
// failure the error response is already written.
func readUpload(cfg config.Config, w http.ResponseWriter, r *http.Request) (session.Upload, func(), bool) {
	noop := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, cfg.HTTP.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeSessionError(r.Context(), w, err, nil)
			return session.Upload{}, noop, false
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", "multipart form with a file part is required", false, map[string]any{"details": err.Error()})
		return session.Upload{}, noop, false
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	file, header, err := r.FormFile("file")
	if err != nil {
		cleanup()
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "file part is required", false, nil)
		return session.Upload{}, noop, false
	}
	upload := session.Upload{FileName: header.Filename, Body: file}
	release := func() {
		_ = file.Close()
		cleanup()
	}

	if raw := strings.TrimSpace(r.FormValue("format")); raw != "" {
		format, err := dataset.ParseFormat(raw)
		if err != nil {
			release()
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FORMAT", err.Error(), false, nil)
			return session.Upload{}, noop, false
		}
		upload.Format = format
	}
	if raw := strings.TrimSpace(r.FormValue("type_overrides")); raw != "" {
		overrides, err := parseTypeOverrides(raw)
		if err != nil {
			release()
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TYPE_OVERRIDE", err.Error(), false, nil)
			return session.Upload{}, noop, false
		}
		upload.TypeOverrides = overrides
	}
	return upload, release, true
}

// parseTypeOverrides reads a JSON object mapping column names to types.
func parseTypeOverrides(raw string) (map[string]dataset.ColumnType, error) {
	var decoded map[string]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("type_overrides must be a JSON object of column to type: %w", err)
	}
	overrides := make(map[string]dataset.ColumnType, len(decoded))
	for column, value := range decoded {
		columnType, err := dataset.ParseColumnType(value)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", column, err)
		}
		overrides[column] = columnType
	}
	return overrides, nil
}
