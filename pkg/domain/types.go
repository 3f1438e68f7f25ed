package domain

import (
	"path/filepath"
	"time"
)

// Session is one conversation over a set of office files. It owns a single
// append-only transcript and at most one live sandbox.
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	FileRefs  []FileRef     `json:"file_refs"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FileRef points at a file the user attached to a turn.
type FileRef struct {
	Kind FileKind `json:"kind"`
	Path string   `json:"path"`
}

// Name returns the base name used to refer to the file in prompts.
func (f FileRef) Name() string {
	return filepath.Base(f.Path)
}

// Message is a single transcript entry.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// Seq is assigned by the store on append and orders the transcript.
	Seq     int64  `json:"seq"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is only set on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and ToolName are only set on tool messages.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Compaction marks the point up to which older messages are replaced by a
// summary in the model view. Messages themselves are never removed.
type Compaction struct {
	SessionID string    `json:"session_id"`
	UpToSeq   int64     `json:"up_to_seq"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Model represents an available LLM model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// MalformedArgumentsKey is the only Input key of a tool call whose
// arguments did not parse as a JSON object. It holds the raw text.
const MalformedArgumentsKey = "_malformed_arguments"

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
	// ThoughtSignature is opaque provider state that must be echoed back
	// with the call on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// ToolResult represents the outcome of a tool call execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}
