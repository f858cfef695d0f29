package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
}

type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
		client: http.DefaultClient,
	}
}

func (l *AnthropicLLM) Generate(ctx context.Context, utterance string, history []orchestrator.Message) (string, error) {
	var system []string
	var msgs []anthropicMessage

	add := func(role, content string) {
		// the Messages API wants alternating roles
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + content
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: content})
	}

	for _, msg := range history {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			if len(msgs) == 0 {
				continue
			}
			add("assistant", msg.Content)
		default:
			add("user", msg.Content)
		}
	}
	add("user", utterance)

	return l.send(ctx, anthropicRequest{
		Model:     l.model,
		Messages:  msgs,
		MaxTokens: 1024,
		System:    strings.Join(system, "\n\n"),
	})
}

func (l *AnthropicLLM) Prompt(ctx context.Context, kind orchestrator.PromptKind, profile orchestrator.VoiceProfile) (string, error) {
	return l.send(ctx, anthropicRequest{
		Model:     l.model,
		Messages:  []anthropicMessage{{Role: "user", Content: nudgeInstruction(kind, profile)}},
		MaxTokens: 64,
	})
}

func (l *AnthropicLLM) send(ctx context.Context, payload anthropicRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("anthropic llm error (status %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range result.Content {
		if block.Type == "" || block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("no content returned from anthropic")
	}

	return strings.TrimSpace(out.String()), nil
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}
