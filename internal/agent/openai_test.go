package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/botforge/botforge/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = params
	return &m.resp, m.err
}

func TestRespond_Success(t *testing.T) {
	mock := &mockChatService{
		resp: openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "Здравствуйте, Иван!"}},
			},
		},
	}
	a := &OpenAIAgent{chat: mock, model: openai.ChatModelGPT4oMini, systemPrompt: DefaultSystemPrompt}
	resp, err := a.Respond(context.Background(), models.AgentPayload{
		Username: "ivan",
		Message:  "привет",
		History: []models.HistoryEntry{
			{Body: "здравствуйте", Sender: models.SenderUser},
			{Body: "Чем помочь?", Sender: models.SenderBot},
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Text != "Здравствуйте, Иван!" {
		t.Errorf("expected model text, got '%s'", resp.Text)
	}
	if resp.Confidence != 1 {
		t.Errorf("expected confidence 1, got %v", resp.Confidence)
	}
	// system + 2 history + current message
	if len(mock.params.Messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(mock.params.Messages))
	}
}

func TestRespond_ServiceError(t *testing.T) {
	a := &OpenAIAgent{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := a.Respond(context.Background(), models.AgentPayload{Message: "привет"})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestRespond_NoChoices(t *testing.T) {
	a := &OpenAIAgent{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := a.Respond(context.Background(), models.AgentPayload{Message: "привет"})
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestBuildContextIncludesCollectedData(t *testing.T) {
	a := &OpenAIAgent{systemPrompt: DefaultSystemPrompt}
	ctx := a.buildContext(models.AgentPayload{
		Username:      "ivan",
		UserState:     "active",
		CollectedData: map[string]string{"name": "Иван"},
	})
	for _, want := range []string{"ivan", "active", "name=Иван"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q: %s", want, ctx)
		}
	}
}

func TestNewOpenAIAgent_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIAgent()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewOpenAIAgent_WithKey(t *testing.T) {
	a, err := NewOpenAIAgent(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if a == nil {
		t.Error("expected agent instance, got nil")
	}
}
