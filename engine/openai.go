package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/opennotebook/server/session"
)

// OpenAIConfig configures the OpenAI-compatible engine. BaseURL allows
// pointing at any compatible endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAIEngine implements Engine against an OpenAI-compatible chat
// completion API.
type OpenAIEngine struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIEngine fails closed with ErrNotConfigured when no model is set.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.Model == "" {
		return nil, ErrNotConfigured
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

func (e *OpenAIEngine) Generate(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if len(req.Context) > 0 {
		contextJSON, err := json.Marshal(req.Context)
		if err != nil {
			return Response{}, fmt.Errorf("marshal context: %w", err)
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Use the following notebook context when answering:\n" + string(contextJSON),
		})
	}

	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    roleFor(m.Role),
			Content: m.Content,
		})
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.temperature,
		Messages:    messages,
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion returned no choices")
	}

	produced := session.Message{
		ID:        session.NewMessageID(),
		Role:      session.RoleAssistant,
		Content:   resp.Choices[0].Message.Content,
		Timestamp: time.Now().UTC(),
	}
	return Response{Messages: append(req.Messages, produced)}, nil
}

func roleFor(r session.Role) string {
	switch r {
	case session.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case session.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
