package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const providerEino = "eino-openai"

// EinoTranslator drives an eino chat model. The default model is the
// eino-ext OpenAI client pointed at the configured base URL.
type EinoTranslator struct {
	chat      model.BaseChatModel
	modelName string
}

func NewEinoTranslator(ctx context.Context, cfg OpenAIConfig) (*EinoTranslator, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	temperature := float32(cfg.Temperature)
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL + "/v1",
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return NewEinoTranslatorWithModel(chat, cfg.Model), nil
}

func NewEinoTranslatorWithModel(chat model.BaseChatModel, modelName string) *EinoTranslator {
	return &EinoTranslator{chat: chat, modelName: modelName}
}

func (t *EinoTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if t.chat == nil {
		return Result{}, &TranslationError{Provider: providerEino, Err: errors.New("chat model is not configured")}
	}
	system, user, err := buildPrompt(req)
	if err != nil {
		return Result{}, &TranslationError{Provider: providerEino, Err: err}
	}
	reply, err := t.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	})
	if err != nil {
		return Result{}, &TranslationError{Provider: providerEino, Err: err}
	}
	if reply == nil {
		return Result{}, &TranslationError{Provider: providerEino, Err: errors.New("empty model reply")}
	}
	sql := stripMarkdownSQL(reply.Content)
	if sql == "" {
		return Result{}, &TranslationError{Provider: providerEino, Err: errors.New("model returned empty SQL")}
	}
	return Result{SQL: sql, Provider: providerEino, Model: t.modelName}, nil
}
