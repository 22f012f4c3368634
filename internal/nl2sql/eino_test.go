package nl2sql

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/tabletalk/tabletalk/internal/dataset"
)

type fakeChatModel struct {
	reply    *schema.Message
	err      error
	received []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.received = input
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming is not used")
}

func TestEinoTranslatorTranslate(t *testing.T) {
	chat := &fakeChatModel{reply: schema.AssistantMessage("```sql\nSELECT count(*) FROM uploaded_data\n```", nil)}
	translator := NewEinoTranslatorWithModel(chat, "test-model")

	result, err := translator.Translate(context.Background(), testRequest(dataset.TierLarge))
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT count(*) FROM uploaded_data" || result.Model != "test-model" || result.Provider != providerEino {
		t.Fatalf("result = %+v", result)
	}
	if len(chat.received) != 2 || chat.received[0].Role != schema.System || chat.received[1].Role != schema.User {
		t.Fatalf("messages = %+v", chat.received)
	}
}

func TestEinoTranslatorWrapsModelErrors(t *testing.T) {
	translator := NewEinoTranslatorWithModel(&fakeChatModel{err: errors.New("upstream down")}, "m")
	_, err := translator.Translate(context.Background(), testRequest(dataset.TierSmall))
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) || translationErr.Provider != providerEino {
		t.Fatalf("Translate() error = %v", err)
	}

	translator = NewEinoTranslatorWithModel(&fakeChatModel{reply: schema.AssistantMessage("  ", nil)}, "m")
	if _, err := translator.Translate(context.Background(), testRequest(dataset.TierSmall)); !errors.As(err, &translationErr) {
		t.Fatalf("Translate() error = %v, want TranslationError for empty SQL", err)
	}
}
