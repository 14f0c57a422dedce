package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/botforge/botforge/internal/models"
)

// ErrNoChoicesReturned indicates the completion API returned no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultSystemPrompt frames the model as the bot's fallback operator.
const DefaultSystemPrompt = "You are a helpful assistant answering on behalf of a business chat bot. " +
	"Reply in the user's language, briefly and to the point."

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the OpenAI-backed agent.
type Opts struct {
	// APIKey is the OpenAI API key; falls back to OPENAI_API_KEY.
	APIKey string
	// Model is the completion model; defaults to gpt-4o-mini.
	Model string
	// SystemPrompt frames every completion.
	SystemPrompt string
}

// Option configures the OpenAI agent.
type Option func(*Opts)

// WithAPIKey sets the API key explicitly.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// OpenAIAgent answers delegated turns with an OpenAI chat completion, fed the
// engine's context snapshot: collected data and recent history.
type OpenAIAgent struct {
	chat         chatService
	model        string
	systemPrompt string
}

// NewOpenAIAgent creates an agent from the given options.
func NewOpenAIAgent(opts ...Option) (*OpenAIAgent, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &OpenAIAgent{
		chat:         &cli.Chat.Completions,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Respond generates a structured response for the hand-off payload.
func (a *OpenAIAgent) Respond(ctx context.Context, payload models.AgentPayload) (models.AgentResponse, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(a.buildContext(payload)),
	}
	for _, entry := range payload.History {
		if entry.Sender == models.SenderBot {
			messages = append(messages, openai.AssistantMessage(entry.Body))
		} else {
			messages = append(messages, openai.UserMessage(entry.Body))
		}
	}
	messages = append(messages, openai.UserMessage(payload.Message))

	resp, err := a.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: messages,
	})
	if err != nil {
		return models.AgentResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return models.AgentResponse{}, ErrNoChoicesReturned
	}
	return models.AgentResponse{
		Text:       resp.Choices[0].Message.Content,
		Confidence: 1,
	}, nil
}

// buildContext folds the snapshot into the system prompt so the model sees
// who it is talking to and what is already known.
func (a *OpenAIAgent) buildContext(payload models.AgentPayload) string {
	var b strings.Builder
	b.WriteString(a.systemPrompt)
	if payload.Username != "" {
		fmt.Fprintf(&b, "\nThe user's name is %s.", payload.Username)
	}
	if payload.UserState != "" {
		fmt.Fprintf(&b, "\nConversation state: %s.", payload.UserState)
	}
	if len(payload.CollectedData) > 0 {
		b.WriteString("\nKnown details:")
		for k, v := range payload.CollectedData {
			fmt.Fprintf(&b, " %s=%s;", k, v)
		}
	}
	return b.String()
}
