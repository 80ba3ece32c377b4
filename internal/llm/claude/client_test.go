package claude

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/linnemanlabs/panelscope/internal/llm"
)

func TestToSDKMessages_TextBlock(t *testing.T) {
	t.Parallel()

	result := toSDKMessages([]llm.Message{llm.UserText("hello")})

	if len(result) != 1 {
		t.Fatalf("len = %d, want 1", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("role = %q, want %q", result[0].Role, "user")
	}
	if len(result[0].Content) != 1 {
		t.Fatalf("content len = %d, want 1", len(result[0].Content))
	}
	if result[0].Content[0].OfText == nil {
		t.Fatal("expected OfText to be set")
	}
	if result[0].Content[0].OfText.Text != "hello" {
		t.Errorf("text = %q, want %q", result[0].Content[0].OfText.Text, "hello")
	}
}

func TestToSDKMessages_ImageBlock(t *testing.T) {
	t.Parallel()

	result := toSDKMessages([]llm.Message{llm.UserImage("analyze", "image/png", "QUJD")})

	if len(result) != 1 {
		t.Fatalf("len = %d, want 1", len(result))
	}
	content := result[0].Content
	if len(content) != 2 {
		t.Fatalf("content len = %d, want 2", len(content))
	}
	if content[0].OfText == nil || content[0].OfText.Text != "analyze" {
		t.Errorf("first block should be the instruction text")
	}
	if content[1].OfImage == nil {
		t.Fatal("expected OfImage to be set")
	}
}

func TestToSDKMessages_AssistantRole(t *testing.T) {
	t.Parallel()

	result := toSDKMessages([]llm.Message{
		llm.UserText("q"),
		{Role: "assistant", Parts: []llm.Part{{Type: llm.PartText, Text: "a"}}},
	})
	if len(result) != 2 {
		t.Fatalf("len = %d, want 2", len(result))
	}
	if result[1].Role != "assistant" {
		t.Errorf("role = %q, want assistant", result[1].Role)
	}
}

func TestFromSDKResponse_TextContent(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Model: anthropic.Model("claude-sonnet-4-20250514"),
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "CPU spikes at 14:02"},
			{Type: "text", Text: "memory flat"},
		},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 50},
	}

	result := fromSDKResponse(msg)

	if result.Text != "CPU spikes at 14:02\nmemory flat" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", result.Model)
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestFromSDKResponse_NoText(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "tool_use", ID: "tu-1", Name: "x"}},
	}
	if got := fromSDKResponse(msg).Text; got != "" {
		t.Errorf("text = %q, want empty", got)
	}
}
