// Package claude implements llm.Provider for the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/panelscope/internal/llm"
)

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 120 * time.Second
)

// Client implements the Provider interface for the Claude API.
type Client struct {
	client  anthropic.Client
	timeout time.Duration
}

// New creates a new Claude API client. baseURL is optional.
func New(apiKey, baseURL string, timeout time.Duration) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		client:  anthropic.NewClient(opts...),
		timeout: timeout,
	}
}

// Complete sends a request to the Claude API and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  toSDKMessages(req.Messages),
	})
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	resp := fromSDKResponse(msg)
	if strings.TrimSpace(resp.Text) == "" {
		return nil, llm.ErrEmptyResponse
	}
	return resp, nil
}

func toSDKMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case llm.PartText:
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			case llm.PartImage:
				blocks = append(blocks, anthropic.NewImageBlockBase64(p.MediaType, p.Base64))
			}
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var texts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return &llm.Response{
		Text:  strings.Join(texts, "\n"),
		Model: string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
