package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	providerOpenAI  = "openai-compatible"
	defaultModel    = "openai/gpt-oss-20b"
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 1 << 20
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

func (c OpenAIConfig) normalize() (OpenAIConfig, error) {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.Model = strings.TrimSpace(c.Model)
	if c.BaseURL == "" {
		return OpenAIConfig{}, fmt.Errorf("base URL is required")
	}
	if c.APIKey == "" {
		return OpenAIConfig{}, fmt.Errorf("api key is required")
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c, nil
}

// OpenAITranslator talks to any OpenAI-compatible chat completions
// endpoint over plain HTTP.
type OpenAITranslator struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &OpenAITranslator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	sql, err := t.complete(ctx, req)
	if err != nil {
		return Result{}, &TranslationError{Provider: providerOpenAI, Err: err}
	}
	return Result{SQL: sql, Provider: providerOpenAI, Model: t.cfg.Model}, nil
}

func (t *OpenAITranslator) complete(ctx context.Context, req Request) (string, error) {
	system, user, err := buildPrompt(req)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]any{
		"model": t.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": t.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(rawRespBody)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("empty chat completion choices")
	}
	sql := stripMarkdownSQL(parsed.Choices[0].Message.Content)
	if sql == "" {
		return "", errors.New("model returned empty SQL")
	}
	return sql, nil
}
