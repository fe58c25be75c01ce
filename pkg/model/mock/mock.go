// Package mock provides a scripted model.Client for tests.
//
// A Client is loaded with a sequence of [Script] entries; each Generate or
// GenerateStream call consumes the next entry in order. Requests are recorded
// so tests can assert on the prompts a component actually sent.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// ErrScriptExhausted is returned when more calls are made than scripts loaded.
var ErrScriptExhausted = errors.New("mock: script exhausted")

// Script is one pre-planned model interaction.
type Script struct {
	// Response is returned (or streamed) on this call.
	Response model.Response

	// Err, when non-nil, is returned instead of Response. For streams it is
	// surfaced as a chunk with FinishReason "error".
	Err error

	// Delay is slept before responding, honouring context cancellation.
	// Useful for deadline tests.
	Delay time.Duration

	// ChunkSize splits Response.Content into text chunks of at most this many
	// bytes when streaming. Zero streams the whole content as one chunk.
	ChunkSize int
}

// Client is a scripted implementation of model.Client.
type Client struct {
	mu        sync.Mutex
	scripts   []Script
	next      int
	requests  []model.Request
	available bool
	caps      model.Capabilities
}

var _ model.Client = (*Client)(nil)

// New creates a Client that plays back the given scripts in order.
func New(scripts ...Script) *Client {
	return &Client{
		scripts:   scripts,
		available: true,
		caps:      model.Capabilities{Streaming: true, Tools: true, MaxContextTokens: 128_000},
	}
}

// SetAvailable overrides the Available() result.
func (c *Client) SetAvailable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = v
}

// Requests returns a copy of all requests seen so far, in call order.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns how many Generate/GenerateStream calls were made.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Client) take(req model.Request) (Script, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.scripts) {
		return Script{}, ErrScriptExhausted
	}
	s := c.scripts[c.next]
	c.next++
	return s, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate implements model.Client.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	s, err := c.take(req)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, s.Delay); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	resp := s.Response
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = model.FinishToolCalls
		} else {
			resp.FinishReason = model.FinishStop
		}
	}
	return &resp, nil
}

// GenerateStream implements model.Client.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	s, err := c.take(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.Chunk, 8)
	go func() {
		defer close(ch)

		if err := sleep(ctx, s.Delay); err != nil {
			return
		}
		if s.Err != nil {
			select {
			case ch <- model.Chunk{FinishReason: model.FinishError, Text: s.Err.Error()}:
			case <-ctx.Done():
			}
			return
		}

		content := s.Response.Content
		size := s.ChunkSize
		if size <= 0 {
			size = len(content)
		}
		for len(content) > 0 {
			n := size
			if n > len(content) {
				n = len(content)
			}
			select {
			case ch <- model.Chunk{Text: content[:n]}:
			case <-ctx.Done():
				return
			}
			content = content[n:]
		}

		final := model.Chunk{
			FinishReason: s.Response.FinishReason,
			ToolCalls:    s.Response.ToolCalls,
		}
		if final.FinishReason == "" {
			if len(final.ToolCalls) > 0 {
				final.FinishReason = model.FinishToolCalls
			} else {
				final.FinishReason = model.FinishStop
			}
		}
		if s.Response.Usage != (model.Usage{}) {
			u := s.Response.Usage
			final.Usage = &u
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// CountTokens implements model.Client using the same rough heuristic the real
// backends use, so budget arithmetic is comparable in tests.
func (c *Client) CountTokens(messages []model.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Available implements model.Client.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Capabilities implements model.Client.
func (c *Client) Capabilities() model.Capabilities {
	return c.caps
}
