package domain

// Role defines the sender of a transcript message.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a tool result.
	RoleTool Role = "tool"
	// RoleSystem indicates the system prompt. It is never persisted; the
	// orchestrator rebuilds it from the current memory snapshot.
	RoleSystem Role = "system"
	// RoleCompactionSummary indicates a summary standing in for older
	// messages in the model view.
	RoleCompactionSummary Role = "compaction_summary"
)

// Content types used when a model message is split into parts.
const (
	ContentTypeText       = "text"
	ContentTypeToolCall   = "tool_call"
	ContentTypeToolResult = "tool_result"
)

// SessionStatus is the persisted lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusEnded      SessionStatus = "ended"
)

// FileKind distinguishes slide decks from workbooks.
type FileKind string

const (
	FileKindSlide FileKind = "slide"
	FileKindSheet FileKind = "sheet"
)
