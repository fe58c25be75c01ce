// Package model defines the Client interface for language-model backends.
//
// A model client wraps a remote model API (OpenAI, Anthropic, Gemini, xAI, or
// a local Ollama instance) and exposes a uniform surface the orchestrator uses
// to generate responses, count tokens, and inspect capabilities without
// coupling to any provider SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// GenerateStream must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package model

import "context"

// Finish reasons reported on the final chunk of a stream or on a Response.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// Usage holds token accounting returned by the model backend. Counts are in
// the model's native token unit and may differ between providers for the same
// textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Request carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type Request struct {
	// Messages is the ordered conversation window. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. The model may
	// choose to call one or more of them in its response.
	Tools []ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is a high-priority instruction injected before the
	// conversation window. Providers without a dedicated system channel prepend
	// it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming generation. A chunk may
// carry text, a finish signal, tool calls, usage, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty when the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk: FinishStop, FinishLength,
	// FinishToolCalls, or FinishError. Empty on non-final chunks.
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations the model is
	// requesting. Implementations emit them on the final chunk.
	ToolCalls []ToolCall

	// Usage is set on the final chunk when the provider reports it.
	Usage *Usage
}

// Response is returned by the non-streaming Generate method.
type Response struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The caller
	// executes them and appends the results to the conversation.
	ToolCalls []ToolCall

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Client is the abstraction over any model backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled the method must return (or
// close its channel) as quickly as possible.
type Client interface {
	// Generate sends req to the model and waits for the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors after the
	// channel is opened surface as a Chunk with FinishReason FinishError; the
	// initial error return is non-nil only for failures that prevent the stream
	// from starting.
	//
	// The returned channel must never be nil when error is nil.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// CountTokens estimates the tokens the given messages would consume in the
	// model's context window. The result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Available reports whether the client is configured with working
	// credentials and can serve requests.
	Available() bool

	// Capabilities reports what the underlying model supports.
	Capabilities() Capabilities
}
