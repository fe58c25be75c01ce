// Package conversation defines the persistent data model of a group-chat
// coding session: sessions, messages, pins, and summaries, together with the
// [Store] contract implementations must satisfy.
//
// The package is storage-agnostic. The canonical backend lives in the postgres
// subpackage; [MemoryStore] provides an in-process implementation for tests
// and ephemeral sessions.
//
// Every implementation must be safe for concurrent use.
package conversation

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session, message, or summary does not exist.
var ErrNotFound = errors.New("conversation: not found")

// AuthorUser is the Author value for messages written by the human user.
const AuthorUser = "user"

// Role identifies the kind of message record.
type Role string

const (
	// RoleUser is a message from the human user.
	RoleUser Role = "user"

	// RoleAssistant is a response from a model participant.
	RoleAssistant Role = "assistant"

	// RoleTool is a tool execution result attributed to a participant's turn.
	RoleTool Role = "tool"
)

// Session is one persistent conversation.
type Session struct {
	// ID is the unique session id (a UUID).
	ID string `json:"id"`

	// Name is the human-readable session title.
	Name string `json:"name"`

	// ProjectRoot is the working directory the session's tools operate in.
	ProjectRoot string `json:"project_root"`

	// Archived marks a session hidden from the default listing. Archived
	// sessions keep their history and remain readable.
	Archived bool `json:"archived"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every append to the session.
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is a persisted tool invocation requested by a participant.
type ToolCall struct {
	// ID is the invocation id assigned by the model provider.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object.
	Arguments string `json:"arguments"`
}

// ToolResult is the persisted outcome of one tool invocation.
type ToolResult struct {
	// CallID links the result to the ToolCall it answers.
	CallID string `json:"call_id"`

	// Content is the textual result (or error description) handed back to the
	// model.
	Content string `json:"content"`

	// IsError marks results that describe a failure rather than output.
	IsError bool `json:"is_error"`
}

// Usage is the token and cost accounting attributed to one assistant
// message.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// CostEstimate is the approximate USD cost of producing this message,
	// derived from per-model pricing. Zero for unknown models.
	CostEstimate float64 `json:"cost_estimate,omitempty"`
}

// Message is one entry in a session's history.
type Message struct {
	// ID is the unique message id (a UUID). Appends are idempotent on ID.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Role is the record kind.
	Role Role `json:"role"`

	// Author is the participant id for assistant and tool messages, or
	// [AuthorUser] for user messages.
	Author string `json:"author"`

	// Content is the textual body.
	Content string `json:"content"`

	// ToolCalls are invocations requested in this message (assistant role).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults are outcomes carried by this message (tool role).
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Usage is set on assistant messages when the provider reported it.
	Usage *Usage `json:"usage,omitempty"`

	// Pinned protects the message from summarization and guarantees inclusion
	// during context assembly.
	Pinned bool `json:"pinned"`

	// Truncated marks a partial response persisted after cancellation.
	Truncated bool `json:"truncated,omitempty"`

	// CreatedAt orders the message within its session.
	CreatedAt time.Time `json:"created_at"`
}

// SummaryKind distinguishes how a summary was produced.
type SummaryKind string

const (
	// SummaryIncremental condenses a prefix of the history, folding in the
	// previous summary's content.
	SummaryIncremental SummaryKind = "incremental"

	// SummaryFull condenses the entire history up to its boundary, retiring
	// any incremental summaries it overlaps.
	SummaryFull SummaryKind = "full"
)

// Summary is a condensed replacement for a contiguous range of messages.
// Messages in [FirstMessageID, LastMessageID] are superseded: context assembly
// drops them in favour of the summary text unless they are pinned.
type Summary struct {
	// ID is the unique summary id (a UUID).
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Kind is incremental or full.
	Kind SummaryKind `json:"kind"`

	// Content is the summary text.
	Content string `json:"content"`

	// FirstMessageID and LastMessageID bound the covered range, inclusive.
	FirstMessageID string `json:"first_message_id"`
	LastMessageID  string `json:"last_message_id"`

	// MessageCount is how many messages the range covered.
	MessageCount int `json:"message_count"`

	// TokenCount estimates the tokens the covered range occupied.
	TokenCount int `json:"token_count"`

	// CreatedAt is when the summary was produced.
	CreatedAt time.Time `json:"created_at"`
}

// SessionExport is a complete, self-contained snapshot of one session.
// Export followed by Import into an empty store reproduces the session
// byte-for-byte (ids included).
type SessionExport struct {
	Session   Session   `json:"session"`
	Messages  []Message `json:"messages"`
	Summaries []Summary `json:"summaries"`
}
