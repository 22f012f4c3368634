package nl2sql

import (
	"context"
	"fmt"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
)

type ColumnContext struct {
	Name string             `json:"name"`
	Type dataset.ColumnType `json:"type"`
}

type TableContext struct {
	TableName  string          `json:"table_name"`
	RowCount   int64           `json:"row_count"`
	Sampled    bool            `json:"sampled"`
	SourceRows int64           `json:"source_rows,omitempty"`
	Columns    []ColumnContext `json:"columns"`
	SampleRows [][]any         `json:"sample_rows"`
}

// Exchange is an earlier question of the same session and the SQL it
// produced.
type Exchange struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type Request struct {
	Question     string           `json:"question"`
	Tier         dataset.SizeTier `json:"tier"`
	DefaultLimit int              `json:"default_limit"`
	Table        TableContext     `json:"table"`
	History      []Exchange       `json:"history,omitempty"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Translator turns a natural-language question into one SQL statement.
// Its output is untrusted and must pass the query guard before execution.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// TranslationError reports that the model could not produce SQL.
type TranslationError struct {
	Provider string
	Err      error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate question via %s: %v", e.Provider, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// New builds the translator selected by cfg.
func New(ctx context.Context, cfg config.AIConfig) (Translator, error) {
	switch cfg.Provider {
	case config.AIProviderEino:
		return NewEinoTranslator(ctx, OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case config.AIProviderHTTP, "":
		return NewOpenAITranslator(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported translator provider %q", cfg.Provider)
	}
}
