package tabletalkctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// request is one HTTP call derived from a command line.
type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
}

type uploadFlags struct {
	format        string
	typeOverrides string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("tabletalkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "tabletalk API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	var upload uploadFlags
	fs.StringVar(&upload.format, "format", "", "dataset format for upload/replace (csv or xlsx); defaults to the file extension")
	fs.StringVar(&upload.typeOverrides, "types", "", `column type overrides for upload/replace as JSON, e.g. {"zip":"text"}`)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], upload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string, upload uploadFlags) (request, error) {
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("%s requires %s", command, usage)
		}
		return nil
	}
	sessionPath := func() string {
		return "/v1/sessions/" + url.PathEscape(args[0])
	}

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "upload":
		if err := need(1, "<file>"); err != nil {
			return request{}, err
		}
		body, contentType, err := multipartBody(args[0], upload)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/sessions", body: body, contentType: contentType}, nil
	case "replace":
		if err := need(2, "<session> <file>"); err != nil {
			return request{}, err
		}
		body, contentType, err := multipartBody(args[1], upload)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPut, path: sessionPath() + "/dataset", body: body, contentType: contentType}, nil
	case "session":
		if err := need(1, "<session>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: sessionPath()}, nil
	case "end":
		if err := need(1, "<session>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodDelete, path: sessionPath()}, nil
	case "preview":
		if err := need(1, "<session>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: sessionPath() + "/preview"}, nil
	case "report":
		if err := need(1, "<session>"); err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: sessionPath() + "/report"}, nil
	case "query":
		if err := need(2, "<session> <sql>"); err != nil {
			return request{}, err
		}
		return jsonRequest(http.MethodPost, sessionPath()+"/query", map[string]any{"sql": strings.Join(args[1:], " ")})
	case "ask":
		if err := need(2, "<session> <question>"); err != nil {
			return request{}, err
		}
		return jsonRequest(http.MethodPost, sessionPath()+"/ask", map[string]any{"question": strings.Join(args[1:], " ")})
	case "guard":
		if err := need(2, "<tier> <sql>"); err != nil {
			return request{}, err
		}
		return jsonRequest(http.MethodPost, "/v1/guard/evaluate", map[string]any{"tier": args[0], "sql": strings.Join(args[1:], " ")})
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func jsonRequest(method, path string, payload any) (request, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}
	return request{method: method, path: path, body: bytes.NewReader(encoded), contentType: "application/json"}, nil
}

// multipartBody buffers the file into the form expected by upload and replace.
func multipartBody(filePath string, upload uploadFlags) (io.Reader, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if format := strings.TrimSpace(upload.format); format != "" {
		if err := writer.WriteField("format", format); err != nil {
			return nil, "", err
		}
	}
	if overrides := strings.TrimSpace(upload.typeOverrides); overrides != "" {
		if !json.Valid([]byte(overrides)) {
			return nil, "", fmt.Errorf("-types must be a JSON object")
		}
		if err := writer.WriteField("type_overrides", overrides); err != nil {
			return nil, "", err
		}
	}
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, r.body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tabletalkctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                    GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                     GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  upload <file>             POST /v1/sessions")
	_, _ = fmt.Fprintln(w, "  replace <session> <file>  PUT /v1/sessions/{id}/dataset")
	_, _ = fmt.Fprintln(w, "  session <session>         GET /v1/sessions/{id}")
	_, _ = fmt.Fprintln(w, "  end <session>             DELETE /v1/sessions/{id}")
	_, _ = fmt.Fprintln(w, "  preview <session>         GET /v1/sessions/{id}/preview")
	_, _ = fmt.Fprintln(w, "  query <session> <sql>     POST /v1/sessions/{id}/query")
	_, _ = fmt.Fprintln(w, "  ask <session> <question>  POST /v1/sessions/{id}/ask")
	_, _ = fmt.Fprintln(w, "  report <session>          GET /v1/sessions/{id}/report")
	_, _ = fmt.Fprintln(w, "  guard <tier> <sql>        POST /v1/guard/evaluate")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
