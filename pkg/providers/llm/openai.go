package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
	openai "github.com/sashabaranov/go-openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// OpenAILLM generates replies through any OpenAI-compatible chat completions
// API. It also implements orchestrator.Prompter.
type OpenAILLM struct {
	client    *openai.Client
	model     string
	name      string
	maxTokens int
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = openai.GPT4o
	}
	return newOpenAICompatible(openai.DefaultConfig(apiKey), model, "openai-llm")
}

func NewGroqLLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = groqBaseURL
	return newOpenAICompatible(cfg, model, "groq-llm")
}

func newOpenAICompatible(cfg openai.ClientConfig, model, name string) *OpenAILLM {
	return &OpenAILLM{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		name:      name,
		maxTokens: 512,
	}
}

func (l *OpenAILLM) Generate(ctx context.Context, utterance string, history []orchestrator.Message) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: utterance,
	})

	return l.complete(ctx, messages)
}

// Prompt produces a thinking-mode nudge in the persona's voice.
func (l *OpenAILLM) Prompt(ctx context.Context, kind orchestrator.PromptKind, profile orchestrator.VoiceProfile) (string, error) {
	return l.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: nudgeInstruction(kind, profile)},
	})
}

func (l *OpenAILLM) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     l.model,
		Messages:  messages,
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%s error (status %d): %s", l.name, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("%s: %w", l.name, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from %s", l.name)
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (l *OpenAILLM) Name() string {
	return l.name
}

func convertRole(role string) string {
	switch role {
	case "system":
		return openai.ChatMessageRoleSystem
	case "assistant":
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
