package model

// Role identifies the author category of a [Message].
type Role string

const (
	// RoleSystem is a high-priority instruction message.
	RoleSystem Role = "system"

	// RoleUser is a message authored by the human user.
	RoleUser Role = "user"

	// RoleAssistant is a message authored by a model participant.
	RoleAssistant Role = "assistant"

	// RoleTool carries the result of a tool invocation back to the model.
	RoleTool Role = "tool"
)

// Message is a single entry in the conversation window sent to a model.
type Message struct {
	// Role is the author category.
	Role Role

	// Content is the textual body. May be empty for assistant messages that
	// carry only ToolCalls.
	Content string

	// Name labels the author within a role, e.g. the participant id for
	// assistant messages in a multi-model conversation. Optional.
	Name string

	// ToolCalls are tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message back to the invocation it answers.
	ToolCallID string
}

// ToolCall is a single tool invocation requested by a model.
type ToolCall struct {
	// ID is the provider-assigned invocation id, echoed back in the
	// corresponding RoleTool message.
	ID string

	// Name is the registered tool name.
	Name string

	// Arguments is the raw JSON-encoded argument object as produced by the
	// model. It is validated against the tool's schema before execution.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the unique tool name.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// InputSchema is the JSON Schema (draft 2020-12) for the argument object.
	InputSchema map[string]any
}

// Capabilities describes what a concrete model supports. The orchestrator uses
// it to decide whether to offer tools and how to shape requests.
type Capabilities struct {
	// Streaming indicates GenerateStream emits incremental chunks rather than
	// a single terminal chunk.
	Streaming bool

	// Tools indicates the model accepts tool definitions and may emit
	// tool calls.
	Tools bool

	// MaxContextTokens is the model's context window size, 0 if unknown.
	MaxContextTokens int
}
