// Package openai implements llm.Provider for OpenAI-compatible chat completion
// endpoints (OpenAI, LiteLLM proxies, vLLM, ...).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/panelscope/internal/llm"
)

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 120 * time.Second
)

// Client implements the Provider interface on top of go-openai.
type Client struct {
	client  *openai.Client
	timeout time.Duration
}

// New creates a client. baseURL overrides the API root (for example a LiteLLM
// proxy at https://llm.internal/v1); empty keeps the OpenAI default.
func New(apiKey, baseURL string, timeout time.Duration) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{client: openai.NewClientWithConfig(cfg), timeout: timeout}
}

// Complete sends one chat completion request and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, toChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, llm.ErrEmptyResponse
	}

	return &llm.Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func toChatRequest(req *llm.Request) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toChatMessages(req.Messages),
	}
	// reasoning models reject max_tokens
	if isReasoningModel(req.Model) {
		out.MaxCompletionTokens = maxTokens
	} else {
		out.MaxTokens = maxTokens
	}
	return out
}

func isReasoningModel(model string) bool {
	// strip provider prefixes like "openai/o3"
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func toChatMessages(msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Parts) == 1 && m.Parts[0].Type == llm.PartText {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Parts[0].Text})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case llm.PartText:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case llm.PartImage:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:" + p.MediaType + ";base64," + p.Base64,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}
