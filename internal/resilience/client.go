package resilience

import (
	"context"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// Client wraps a [model.Client] with a circuit breaker and retrier.
// Generation calls trip the breaker; token counting and capability queries
// pass through untouched.
type Client struct {
	inner   model.Client
	breaker *CircuitBreaker
	retrier *Retrier
}

// Compile-time check: Client must implement model.Client.
var _ model.Client = (*Client)(nil)

// Wrap builds a resilient client around inner. name labels the breaker and
// retrier in logs.
func Wrap(inner model.Client, name string) *Client {
	return &Client{
		inner:   inner,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{Name: name}),
		retrier: NewRetrier(RetryConfig{Name: name}),
	}
}

// Generate forwards to the inner client under the breaker, retrying
// transient failures.
func (c *Client) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	var resp *model.Response
	err := c.breaker.Execute(func() error {
		return c.retrier.Do(ctx, func() error {
			var innerErr error
			resp, innerErr = c.inner.Generate(ctx, req)
			return innerErr
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStream forwards to the inner client under the breaker. Stream
// establishment is retried; once chunks start flowing, mid-stream errors
// surface as error chunks and are not retried.
func (c *Client) GenerateStream(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	var stream <-chan model.Chunk
	err := c.breaker.Execute(func() error {
		return c.retrier.Do(ctx, func() error {
			var innerErr error
			stream, innerErr = c.inner.GenerateStream(ctx, req)
			return innerErr
		})
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// CountTokens forwards to the inner client.
func (c *Client) CountTokens(messages []model.Message) (int, error) {
	return c.inner.CountTokens(messages)
}

// Available reports whether the backend is reachable and the breaker allows
// calls.
func (c *Client) Available() bool {
	return c.breaker.State() != StateOpen && c.inner.Available()
}

// Capabilities forwards to the inner client.
func (c *Client) Capabilities() model.Capabilities {
	return c.inner.Capabilities()
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() State {
	return c.breaker.State()
}
