package orchestrator

import (
	"github.com/codecrew-ai/codecrew/internal/tools"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
)

// EventType tags the variants of the turn event stream.
type EventType string

const (
	// EventThinking marks the start of the evaluation phase.
	EventThinking EventType = "thinking"

	// EventEvaluating is emitted once per evaluation task started.
	EventEvaluating EventType = "evaluating"

	// EventWillSpeak announces a participant that will respond this turn.
	EventWillSpeak EventType = "will_speak"

	// EventWillStaySilent announces a participant that chose silence.
	EventWillStaySilent EventType = "will_stay_silent"

	// EventResponseStart opens a speaker's response segment.
	EventResponseStart EventType = "response_start"

	// EventResponseChunk carries non-empty incremental response text.
	EventResponseChunk EventType = "response_chunk"

	// EventResponseComplete closes a speaker's response segment and carries
	// the final response including usage.
	EventResponseComplete EventType = "response_complete"

	// EventToolCall announces a tool invocation requested by the model.
	EventToolCall EventType = "tool_call"

	// EventToolPermissionRequest asks the UI to approve a tool call. The
	// consumer must send exactly one [PermissionReply] on Reply.
	EventToolPermissionRequest EventType = "tool_permission_request"

	// EventToolExecuting is emitted immediately before a tool runs.
	EventToolExecuting EventType = "tool_executing"

	// EventToolResult carries a tool outcome, success or failure alike.
	EventToolResult EventType = "tool_result"

	// EventError reports a failure. Recoverable errors never end the turn.
	EventError EventType = "error"

	// EventTurnComplete is the final event of every turn.
	EventTurnComplete EventType = "turn_complete"
)

// ErrorKind classifies EventError payloads.
type ErrorKind string

const (
	ErrorTransport      ErrorKind = "transport"
	ErrorAuthentication ErrorKind = "authentication"
	ErrorRateLimit      ErrorKind = "rate_limit"
	ErrorValidation     ErrorKind = "validation"
	ErrorPermission     ErrorKind = "permission"
	ErrorParse          ErrorKind = "parse"
	ErrorTurnLimit      ErrorKind = "tool_iteration_limit"
	ErrorFatal          ErrorKind = "fatal"
)

// PermissionReply resolves a pending EventToolPermissionRequest.
type PermissionReply struct {
	// Allow approves the tool call.
	Allow bool

	// RememberForSession caches the decision so the same tool is not asked
	// about again in this session.
	RememberForSession bool
}

// Event is one element of the turn event stream. Type selects the variant;
// only the fields documented for that variant are populated.
type Event struct {
	Type EventType

	// Participant is the subject participant id. Empty for turn-level events.
	Participant string

	// Confidence and Reason accompany the will-speak announcements.
	Confidence float64
	Reason     string

	// Text is the incremental chunk payload of EventResponseChunk.
	Text string

	// Response is the final model response of EventResponseComplete.
	Response *model.Response

	// ToolCall is the invocation of EventToolCall and
	// EventToolPermissionRequest.
	ToolCall *conversation.ToolCall

	// ToolCallID identifies the invocation of EventToolExecuting.
	ToolCallID string

	// ToolResult is the outcome payload of EventToolResult.
	ToolResult *conversation.ToolResult

	// Level is the effective permission level of EventToolPermissionRequest.
	Level tools.Level

	// Reply receives the UI's decision for EventToolPermissionRequest.
	Reply chan<- PermissionReply

	// Kind, Message, and Recoverable describe EventError.
	Kind        ErrorKind
	Message     string
	Recoverable bool
}
