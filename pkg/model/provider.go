package model

import (
	"context"

	"github.com/nstogner/officeagent/pkg/domain"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, tool, compaction_summary).
	Role domain.Role
	// Content holds the message parts.
	Content []Content
}

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "tool_call", "tool_result"

	// Text content (when Type == "text").
	Text string `json:"text,omitempty"`

	// Tool call (when Type == "tool_call").
	ToolCall *domain.ToolCall `json:"tool_call,omitempty"`

	// Tool result (when Type == "tool_result").
	ToolResult *domain.ToolResult `json:"tool_result,omitempty"`
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one chat completion call.
type Request struct {
	// Model identifies which model to use (e.g. "gpt-4o").
	Model string
	// Instructions is the system prompt.
	Instructions string
	// Messages is the conversation history, oldest first.
	Messages []Message
	Tools    []ToolSpec
}

// Provider represents a service that provides LLMs (e.g. Gemini, OpenAI).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "openai").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Complete sends a conversation context to the LLM and blocks until the
	// complete assistant message is available.
	Complete(ctx context.Context, req Request) (Message, error)
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == domain.ContentTypeText {
			out += c.Text
		}
	}
	return out
}

// ToolCalls returns the tool calls of m in order.
func (m Message) ToolCalls() []domain.ToolCall {
	var out []domain.ToolCall
	for _, c := range m.Content {
		if c.Type == domain.ContentTypeToolCall && c.ToolCall != nil {
			out = append(out, *c.ToolCall)
		}
	}
	return out
}
