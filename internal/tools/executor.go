package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Result is the outcome of a single tool execution, in the shape participants
// receive it. Failures are carried as error results rather than Go errors so
// the model can observe and react to them.
type Result struct {
	Content  string
	IsError  bool
	Duration time.Duration
}

// Executor resolves tool calls against the registry, validates arguments, and
// runs handlers under a deadline. Permission checks happen before Execute is
// called; the executor assumes the invocation is already approved.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an executor. timeout bounds each handler run; zero or
// negative disables the deadline.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, timeout: timeout, logger: logger}
}

// Execute runs the named tool with the raw JSON arguments a model produced.
//
// Unknown tools, malformed arguments, schema violations, handler errors, and
// deadline overruns all produce an error [Result].
//
// Cancelling ctx does NOT interrupt a started execution: the handler may
// already have side effects, so it runs to completion (or its deadline) and
// its result is reported. Only the per-call timeout cuts an execution off.
func (e *Executor) Execute(ctx context.Context, name, rawArgs string) Result {
	start := time.Now()

	tool, ok := e.registry.Get(name)
	if !ok {
		return Result{
			Content:  fmt.Sprintf("tool %q is not available", name),
			IsError:  true,
			Duration: time.Since(start),
		}
	}

	args, err := ParseArgs(rawArgs)
	if err == nil {
		args, err = ValidateArgs(tool.Definition, args)
	}
	if err != nil {
		e.logger.Warn("tool arguments rejected", "tool", name, "error", err)
		return Result{Content: err.Error(), IsError: true, Duration: time.Since(start)}
	}

	runCtx := context.WithoutCancel(ctx)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, e.timeout)
		defer cancel()
	}

	content, err := e.run(runCtx, tool, args)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		e.logger.Debug("tool executed", "tool", name, "duration", elapsed)
		return Result{Content: content, Duration: elapsed}
	case runCtx.Err() != nil:
		e.logger.Warn("tool timed out", "tool", name, "timeout", e.timeout)
		return Result{
			Content:  fmt.Sprintf("tool %q timed out after %s", name, e.timeout),
			IsError:  true,
			Duration: elapsed,
		}
	default:
		e.logger.Warn("tool failed", "tool", name, "error", err)
		return Result{Content: err.Error(), IsError: true, Duration: elapsed}
	}
}

// run executes the handler on its own goroutine so a handler that ignores ctx
// cannot stall the turn past the deadline.
func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any) (string, error) {
	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		content, err := tool.Handler(ctx, args)
		done <- outcome{content, err}
	}()

	select {
	case out := <-done:
		return out.content, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
