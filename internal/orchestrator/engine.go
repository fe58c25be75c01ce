package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codecrew-ai/codecrew/internal/observe"
	"github.com/codecrew-ai/codecrew/internal/tools"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
)

// ErrUnknownParticipant is returned by [Engine.RetrySpeaker] for an id that
// is not a configured, enabled participant.
var ErrUnknownParticipant = errors.New("orchestrator: unknown participant")

// defaultEventBuffer sizes the per-turn event channel.
const defaultEventBuffer = 64

// EngineConfig wires an [Engine]. Store, Participants, Evaluator, Turns, and
// Assembler are required; the tool trio and Summaries are optional.
type EngineConfig struct {
	Store        conversation.Store
	Participants []*Participant
	Evaluator    *Evaluator
	Turns        *TurnManager
	Assembler    *Assembler

	Registry    *tools.Registry
	Executor    *tools.Executor
	Permissions *tools.PermissionManager

	// Summaries, when set, triggers end-of-turn summarization.
	Summaries *conversation.SummaryManager

	// MaxToolIterations bounds model calls per speaker. Default: 10.
	MaxToolIterations int

	// EventBuffer sizes the event channel. Default: 64.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Engine is the turn executor: the outer state machine that parses mentions,
// runs the speaker election, and streams each speaker's response in order,
// interleaved with the tool loop.
//
// At most one turn may be active per session; callers serialise turns (the
// app layer enforces this with a single-flight guard).
type Engine struct {
	store        conversation.Store
	participants []*Participant
	evaluator    *Evaluator
	turns        *TurnManager
	assembler    *Assembler

	registry *tools.Registry
	executor *tools.Executor
	perms    *tools.PermissionManager

	summaries *conversation.SummaryManager
	mentions  *MentionParser

	maxToolIterations int
	eventBuffer       int
	logger            *slog.Logger
	metrics           *observe.Metrics
}

// NewEngine assembles an engine from its collaborators.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 10
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ids := make([]string, 0, len(cfg.Participants))
	for _, p := range cfg.Participants {
		ids = append(ids, p.ID)
	}

	return &Engine{
		store:             cfg.Store,
		participants:      cfg.Participants,
		evaluator:         cfg.Evaluator,
		turns:             cfg.Turns,
		assembler:         cfg.Assembler,
		registry:          cfg.Registry,
		executor:          cfg.Executor,
		perms:             cfg.Permissions,
		summaries:         cfg.Summaries,
		mentions:          NewMentionParser(ids),
		maxToolIterations: cfg.MaxToolIterations,
		eventBuffer:       cfg.EventBuffer,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
	}
}

// ProcessTurn runs one full turn: the user text is parsed for mentions and
// persisted, then the turn executes asynchronously. The returned channel is
// the totally-ordered event stream for this turn; it is closed after the
// final EventTurnComplete. Cancelling ctx cancels the turn at its next
// suspension point.
func (e *Engine) ProcessTurn(ctx context.Context, sessionID, text string) (<-chan Event, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("orchestrator: load session: %w", err)
	}
	// Snapshot history before appending, so the election sees the
	// conversation up to (but not including) the message it is deciding on.
	history, err := e.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load history: %w", err)
	}

	mentions, cleaned := e.mentions.Parse(text)
	userMsg := conversation.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      conversation.RoleUser,
		Author:    conversation.AuthorUser,
		Content:   cleaned,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("orchestrator: append user message: %w", err)
	}

	ch := make(chan Event, e.eventBuffer)
	go e.runTurn(ctx, sessionID, mentions, history, cleaned, ch)
	return ch, nil
}

// RetrySpeaker re-runs a single speaker at the tail of the session, as if it
// had been part of the prior turn's speaking set. Used after a recoverable
// speaker error.
func (e *Engine) RetrySpeaker(ctx context.Context, sessionID, participantID string) (<-chan Event, error) {
	p := e.participant(participantID)
	if p == nil || !p.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParticipant, participantID)
	}
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("orchestrator: load session: %w", err)
	}

	ch := make(chan Event, e.eventBuffer)
	go func() {
		em := &emitter{ctx: ctx, ch: ch}
		e.speakOne(ctx, sessionID, p, em)
		em.emit(Event{Type: EventTurnComplete})
		close(ch)
	}()
	return ch, nil
}

// runTurn drives the turn to completion and closes the stream.
func (e *Engine) runTurn(ctx context.Context, sessionID string, mentions Mentions, history []conversation.Message, userText string, ch chan Event) {
	start := time.Now()
	ctx, endTurn := observe.StartTurn(ctx, sessionID)
	defer endTurn()
	if e.metrics != nil {
		e.metrics.ActiveTurns.Add(ctx, 1)
		defer e.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)
	}

	em := &emitter{ctx: ctx, ch: ch}
	e.executeTurn(ctx, sessionID, mentions, history, userText, em)

	if e.metrics != nil {
		e.metrics.TurnDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}
	em.emit(Event{Type: EventTurnComplete})
	close(ch)
}

func (e *Engine) executeTurn(ctx context.Context, sessionID string, mentions Mentions, history []conversation.Message, userText string, em *emitter) {
	em.emit(Event{Type: EventThinking})

	enabled := e.enabledParticipants()
	decisions := e.evaluator.Evaluate(ctx, enabled, mentions, history, userText, func(ev Event) {
		em.emit(ev)
	})
	if ctx.Err() != nil {
		return
	}

	// Announcements are gathered into participant order so the stream stays
	// deterministic even though evaluation ran in parallel.
	for _, d := range decisions {
		if d.Errored {
			em.emit(Event{
				Type:        EventError,
				Participant: d.Participant,
				Kind:        ErrorTransport,
				Message:     "speaker evaluation failed: " + d.Reason,
				Recoverable: true,
			})
		}
		if d.ShouldSpeak {
			em.emit(Event{Type: EventWillSpeak, Participant: d.Participant, Confidence: d.Confidence, Reason: d.Reason})
		} else {
			em.emit(Event{Type: EventWillStaySilent, Participant: d.Participant, Reason: d.Reason})
		}
	}

	for _, d := range e.turns.Order(sessionID, decisions) {
		if ctx.Err() != nil {
			return
		}
		p := e.participant(d.Participant)
		if p == nil {
			continue
		}
		if fatal := e.speakOne(ctx, sessionID, p, em); fatal {
			return
		}
	}

	e.maybeSummarize(ctx, sessionID)
}

// speakOne runs one speaker and reports whether the turn must abort.
// Speaker-local failures emit a recoverable error and return false.
func (e *Engine) speakOne(ctx context.Context, sessionID string, p *Participant, em *emitter) (fatal bool) {
	ctx, endSpeaker := observe.StartSpeaker(ctx, p.ID)
	err := e.runSpeaker(ctx, sessionID, p, em)
	endSpeaker(err)
	switch {
	case err == nil:
		return false
	case ctx.Err() != nil:
		return true
	}

	var pf *persistFailure
	if errors.As(err, &pf) {
		e.logger.Error("persistence failure aborts turn", "participant", p.ID, "error", err)
		em.emit(Event{
			Type:        EventError,
			Participant: p.ID,
			Kind:        ErrorFatal,
			Message:     err.Error(),
			Recoverable: false,
		})
		return true
	}

	kind := ErrorTransport
	if isAuthError(err) {
		kind = ErrorAuthentication
		p.Enabled = false
		e.logger.Error("authentication failure, participant disabled", "participant", p.ID, "error", err)
	} else {
		e.logger.Warn("speaker failed", "participant", p.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordModelError(ctx, p.ID, "generate")
	}
	em.emit(Event{
		Type:        EventError,
		Participant: p.ID,
		Kind:        kind,
		Message:     err.Error(),
		Recoverable: true,
	})
	return false
}

// runSpeaker streams one speaker's response, looping through tool calls
// until a natural stop or the iteration limit. A nil return means the
// speaker's segment was closed with either EventResponseComplete or a
// terminal recoverable event already emitted.
func (e *Engine) runSpeaker(ctx context.Context, sessionID string, p *Participant, em *emitter) error {
	em.emit(Event{Type: EventResponseStart, Participant: p.ID})

	var totalUsage model.Usage
	for iteration := 0; ; iteration++ {
		asm, err := e.assembleFor(ctx, sessionID, p)
		if err != nil {
			return err
		}
		for _, w := range asm.Warnings {
			e.logger.Warn("context assembly warning", "participant", p.ID, "warning", w)
		}

		req := model.Request{
			Messages:    asm.Messages,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
		}
		if e.registry != nil && e.registry.Len() > 0 && p.Client.Capabilities().Tools {
			req.Tools = e.registry.Definitions()
		}

		genStart := time.Now()
		stream, err := p.Client.GenerateStream(ctx, req)
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}

		var (
			content   strings.Builder
			toolCalls []model.ToolCall
			callUsage model.Usage
			finish    string
			streamErr string
		)
		for chunk := range stream {
			if chunk.FinishReason == model.FinishError {
				finish = model.FinishError
				streamErr = chunk.Text
				continue
			}
			if chunk.Text != "" {
				content.WriteString(chunk.Text)
				em.emit(Event{Type: EventResponseChunk, Participant: p.ID, Text: chunk.Text})
			}
			toolCalls = append(toolCalls, chunk.ToolCalls...)
			if chunk.Usage != nil {
				callUsage = callUsage.Add(*chunk.Usage)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
		totalUsage = totalUsage.Add(callUsage)
		if e.metrics != nil {
			e.metrics.GenerationDuration.Record(context.WithoutCancel(ctx), time.Since(genStart).Seconds())
			status := "ok"
			if finish == model.FinishError {
				status = "error"
			}
			e.metrics.RecordModelRequest(context.WithoutCancel(ctx), p.ID, "generate", status)
		}

		if ctx.Err() != nil {
			// Persist whatever streamed before cancellation, marked
			// truncated.
			if content.Len() > 0 {
				_ = e.persistAssistant(context.WithoutCancel(ctx), sessionID, p, content.String(), nil, callUsage, true)
			}
			return ctx.Err()
		}
		if finish == model.FinishError {
			return fmt.Errorf("model stream error: %s", streamErr)
		}

		if finish == model.FinishToolCalls && len(toolCalls) > 0 {
			if err := e.persistAssistant(ctx, sessionID, p, content.String(), toolCalls, callUsage, false); err != nil {
				return err
			}

			if iteration+1 >= e.maxToolIterations {
				em.emit(Event{
					Type:        EventError,
					Participant: p.ID,
					Kind:        ErrorTurnLimit,
					Message:     fmt.Sprintf("tool iteration limit (%d) reached", e.maxToolIterations),
					Recoverable: true,
				})
				return nil
			}

			results, terr := e.runToolCalls(ctx, sessionID, p, toolCalls, em)
			if len(results) > 0 {
				// Executed tools may have side effects; their results are
				// persisted even when the turn was cancelled mid-iteration.
				toolMsg := conversation.Message{
					ID:          uuid.NewString(),
					SessionID:   sessionID,
					Role:        conversation.RoleTool,
					Author:      p.ID,
					ToolResults: results,
					CreatedAt:   time.Now().UTC(),
				}
				if err := e.store.AppendMessage(context.WithoutCancel(ctx), toolMsg); err != nil {
					return &persistFailure{err: fmt.Errorf("append tool message: %w", err)}
				}
			}
			if terr != nil {
				return terr
			}
			continue
		}

		// Natural stop.
		if err := e.persistAssistant(ctx, sessionID, p, content.String(), nil, callUsage, false); err != nil {
			return err
		}
		em.emit(Event{
			Type:        EventResponseComplete,
			Participant: p.ID,
			Response: &model.Response{
				Content:      content.String(),
				FinishReason: finish,
				Usage:        totalUsage,
			},
		})
		return nil
	}
}

// runToolCalls executes one iteration's invocations in order. Denials and
// failures become error results. On turn cancellation no further invocation
// is started, but the one already running finishes and its result is kept;
// the partial result slice comes back alongside the context error so the
// caller can persist it.
func (e *Engine) runToolCalls(ctx context.Context, sessionID string, p *Participant, calls []model.ToolCall, em *emitter) ([]conversation.ToolResult, error) {
	results := make([]conversation.ToolResult, 0, len(calls))

	for _, call := range calls {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		inv := conversation.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
		em.emit(Event{Type: EventToolCall, Participant: p.ID, ToolCall: &inv})

		if denied, err := e.checkPermission(ctx, sessionID, p, inv, em); err != nil {
			return results, err
		} else if denied {
			res := conversation.ToolResult{
				CallID:  call.ID,
				Content: fmt.Sprintf("permission denied for tool %q", call.Name),
				IsError: true,
			}
			results = append(results, res)
			em.emit(Event{Type: EventToolResult, Participant: p.ID, ToolResult: &res})
			if e.metrics != nil {
				e.metrics.RecordToolCall(ctx, call.Name, "denied")
			}
			continue
		}

		em.emit(Event{Type: EventToolExecuting, Participant: p.ID, ToolCallID: call.ID})
		out := e.executor.Execute(ctx, call.Name, call.Arguments)
		res := conversation.ToolResult{CallID: call.ID, Content: out.Content, IsError: out.IsError}
		results = append(results, res)
		em.emit(Event{Type: EventToolResult, Participant: p.ID, ToolResult: &res})

		if e.metrics != nil {
			e.metrics.ToolExecutionDuration.Record(ctx, out.Duration.Seconds())
			status := "ok"
			if out.IsError {
				status = "error"
			}
			e.metrics.RecordToolCall(ctx, call.Name, status)
		}
	}
	return results, nil
}

// checkPermission resolves the permission flow for one invocation. Unknown
// tools skip the check; the executor synthesizes their error result.
func (e *Engine) checkPermission(ctx context.Context, sessionID string, p *Participant, inv conversation.ToolCall, em *emitter) (denied bool, err error) {
	if e.perms == nil || e.registry == nil {
		return false, nil
	}
	tool, ok := e.registry.Get(inv.Name)
	if !ok {
		return false, nil
	}

	switch e.perms.Check(sessionID, inv.Name, tool.Level) {
	case tools.DecisionApprove:
		return false, nil
	case tools.DecisionDeny:
		return true, nil
	}

	reply := make(chan PermissionReply, 1)
	if !em.emit(Event{
		Type:        EventToolPermissionRequest,
		Participant: p.ID,
		ToolCall:    &inv,
		Level:       e.perms.EffectiveLevel(inv.Name, tool.Level),
		Reply:       reply,
	}) {
		return false, ctx.Err()
	}

	select {
	case pr := <-reply:
		if pr.RememberForSession {
			e.perms.Record(sessionID, inv.Name, pr.Allow)
		}
		return !pr.Allow, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// assembleFor builds the context window for p from the current store state.
func (e *Engine) assembleFor(ctx context.Context, sessionID string, p *Participant) (AssembledContext, error) {
	history, err := e.store.Messages(ctx, sessionID)
	if err != nil {
		return AssembledContext{}, &persistFailure{err: fmt.Errorf("load history: %w", err)}
	}
	summary, err := e.store.LatestSummary(ctx, sessionID)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return AssembledContext{}, &persistFailure{err: fmt.Errorf("load summary: %w", err)}
	}

	var toolNames []string
	if e.registry != nil && p.Client.Capabilities().Tools {
		toolNames = e.registry.Names()
	}

	var others []string
	for _, q := range e.enabledParticipants() {
		if q.ID != p.ID {
			others = append(others, q.ID)
		}
	}
	return e.assembler.Assemble(p, history, summary, others, toolNames)
}

// maybeSummarize compresses history at end-of-turn. Failures never fail the
// turn.
func (e *Engine) maybeSummarize(ctx context.Context, sessionID string) {
	if e.summaries == nil || ctx.Err() != nil {
		return
	}
	if _, err := e.summaries.MaybeSummarize(ctx, sessionID); err != nil {
		e.logger.Warn("summarization failed", "session", sessionID, "error", err)
	}
}

func (e *Engine) enabledParticipants() []*Participant {
	var out []*Participant
	for _, p := range e.participants {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) participant(id string) *Participant {
	for _, p := range e.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (e *Engine) persistAssistant(ctx context.Context, sessionID string, p *Participant, content string, calls []model.ToolCall, usage model.Usage, truncated bool) error {
	msg := conversation.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      conversation.RoleAssistant,
		Author:    p.ID,
		Content:   content,
		Truncated: truncated,
		CreatedAt: time.Now().UTC(),
	}
	if usage != (model.Usage{}) {
		msg.Usage = &conversation.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			CostEstimate:     model.EstimateCost(p.Model, usage),
		}
	}
	for _, c := range calls {
		msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: c.Arguments,
		})
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return &persistFailure{err: fmt.Errorf("append assistant message: %w", err)}
	}
	return nil
}

// persistFailure wraps store write errors so the turn can distinguish fatals
// from speaker-local failures.
type persistFailure struct {
	err error
}

func (f *persistFailure) Error() string { return "orchestrator: " + f.err.Error() }
func (f *persistFailure) Unwrap() error { return f.err }

// isAuthError classifies credential failures, which disable the participant
// for the rest of the process.
func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"api key", "unauthorized", "authentication", "401", "403", "invalid credentials"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// emitter serialises event emission for one turn. emit returns false when
// the turn context ended before the event could be delivered.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (em *emitter) emit(ev Event) bool {
	select {
	case em.ch <- ev:
		return true
	case <-em.ctx.Done():
		return false
	}
}
