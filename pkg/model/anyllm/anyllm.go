// Package anyllm provides a universal model client backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	c, err := anyllm.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	c, err := anyllm.NewAnthropic("claude-sonnet-4-20250514", anyllmlib.WithAPIKey("sk-ant-..."))
//	c, err := anyllm.NewGrok("grok-3", anyllmlib.WithAPIKey("xai-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// grokBaseURL is the OpenAI-compatible endpoint exposed by xAI.
const grokBaseURL = "https://api.x.ai/v1"

// Client implements model.Client by wrapping github.com/mozilla-ai/any-llm-go.
type Client struct {
	backend   anyllmlib.Provider
	modelName string
}

var _ model.Client = (*Client)(nil)

// New creates a new Client backed by the given provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "grok", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// modelName is the specific model to use (e.g., "gpt-4o", "grok-3").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to the relevant environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// XAI_API_KEY, etc.).
func New(providerName string, modelName string, opts ...anyllmlib.Option) (*Client, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if modelName == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Client{backend: backend, modelName: modelName}, nil
}

// NewOpenAI creates a Client backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("openai", modelName, opts...)
}

// NewAnthropic creates a Client backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("anthropic", modelName, opts...)
}

// NewGemini creates a Client backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("gemini", modelName, opts...)
}

// NewGrok creates a Client backed by xAI's OpenAI-compatible endpoint.
// Pass anyllmlib.WithAPIKey with an xAI key; the base URL is preset.
func NewGrok(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("grok", modelName, opts...)
}

// NewOllama creates a Client backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("ollama", modelName, opts...)
}

// NewDeepSeek creates a Client backed by DeepSeek.
// Without options, it reads the DEEPSEEK_API_KEY environment variable.
func NewDeepSeek(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("deepseek", modelName, opts...)
}

// NewMistral creates a Client backed by Mistral AI.
// Without options, it reads the MISTRAL_API_KEY environment variable.
func NewMistral(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("mistral", modelName, opts...)
}

// NewGroq creates a Client backed by Groq.
// Without options, it reads the GROQ_API_KEY environment variable.
func NewGroq(modelName string, opts ...anyllmlib.Option) (*Client, error) {
	return New("groq", modelName, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "grok":
		// xAI speaks the OpenAI wire protocol.
		return anyllmoai.New(append([]anyllmlib.Option{anyllmlib.WithBaseURL(grokBaseURL)}, opts...)...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, grok, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// GenerateStream implements model.Client.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	params := c.buildParams(req)

	backendChunks, backendErrs := c.backend.CompletionStream(ctx, params)

	ch := make(chan model.Chunk, 32)
	go func() {
		defer close(ch)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*model.ToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := model.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments by index within this chunk.
			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &model.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk, emit accumulated tool calls.
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0) {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- model.Chunk{FinishReason: model.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Generate implements model.Client.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	params := c.buildParams(req)

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &model.Response{
		Content:      choice.Message.ContentString(),
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		result.Usage = model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements model.Client. The count is a character-based
// approximation, not a tokenizer run; context budgeting treats it as an
// estimate with headroom.
func (c *Client) CountTokens(messages []model.Message) (int, error) {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough approximation for most models.
		total += (len(m.Content) + 3) / 4
		// Per-message overhead (role + formatting tokens).
		total += 4
	}
	return total, nil
}

// Available implements model.Client.
func (c *Client) Available() bool {
	return c.backend != nil
}

// Capabilities implements model.Client.
func (c *Client) Capabilities() model.Capabilities {
	return modelCapabilities(c.modelName)
}

// buildParams converts a model.Request into anyllm CompletionParams.
func (c *Client) buildParams(req model.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    c.modelName,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.InputSchema,
			},
		})
	}

	return params
}

// convertMessage converts a model.Message to anyllm.Message.
func convertMessage(m model.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// modelCapabilities returns Capabilities based on known model name prefixes.
// Unknown models receive sensible defaults.
func modelCapabilities(name string) model.Capabilities {
	caps := model.Capabilities{
		Streaming:        true,
		Tools:            true,
		MaxContextTokens: 128_000,
	}

	lower := strings.ToLower(name)

	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.MaxContextTokens = 128_000

	case strings.HasPrefix(lower, "gpt-4"):
		caps.MaxContextTokens = 8_192

	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxContextTokens = 128_000
		caps.Tools = false

	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.MaxContextTokens = 200_000

	case strings.HasPrefix(lower, "claude"):
		caps.MaxContextTokens = 200_000

	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.MaxContextTokens = 2_097_152

	case strings.Contains(lower, "gemini-2"), strings.Contains(lower, "gemini-1.5-flash"):
		caps.MaxContextTokens = 1_048_576

	case strings.HasPrefix(lower, "gemini"):
		caps.MaxContextTokens = 128_000

	case strings.HasPrefix(lower, "grok"):
		caps.MaxContextTokens = 131_072
	}

	return caps
}
