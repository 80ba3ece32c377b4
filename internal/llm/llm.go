// Package llm defines the provider-neutral chat completion boundary used for
// panel relevance classification and panel image analysis.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm: response contained no text")

// Provider is the interface for any chat-style model backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// PartType distinguishes text from image content.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Request is a single completion call.
type Request struct {
	Model     string
	MaxTokens int
	Messages  []Message
}

// Message is one conversation turn. Images are only valid on user turns.
type Message struct {
	Role  string
	Parts []Part
}

// Part is a piece of message content. For images, Base64 holds the
// standard-encoded image bytes and MediaType its MIME type.
type Part struct {
	Type      PartType
	Text      string
	MediaType string
	Base64    string
}

// Response is the text completion returned by a provider.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Usage reports token consumption for a call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// UserText builds a single user message holding text.
func UserText(text string) Message {
	return Message{Role: "user", Parts: []Part{{Type: PartText, Text: text}}}
}

// UserImage builds a single user message holding an instruction and an image.
func UserImage(text, mediaType, b64 string) Message {
	return Message{Role: "user", Parts: []Part{
		{Type: PartText, Text: text},
		{Type: PartImage, MediaType: mediaType, Base64: b64},
	}}
}
