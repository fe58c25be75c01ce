package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/codecrew-ai/codecrew/internal/tools"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
	"github.com/codecrew-ai/codecrew/pkg/model/mock"
)

const testSession = "s1"

func speaker(id string, scripts ...mock.Script) (*Participant, *mock.Client) {
	c := mock.New(scripts...)
	return &Participant{
		ID:               id,
		DisplayName:      id,
		Enabled:          true,
		Temperature:      0.7,
		MaxTokens:        4096,
		MaxContextTokens: 128_000,
		Client:           c,
	}, c
}

func streamReply(content string) mock.Script {
	return mock.Script{Response: model.Response{Content: content}, ChunkSize: 8}
}

func toolCallReply(calls ...model.ToolCall) mock.Script {
	return mock.Script{Response: model.Response{
		ToolCalls:    calls,
		FinishReason: model.FinishToolCalls,
	}}
}

type engineOpts struct {
	registry          *tools.Registry
	perms             *tools.PermissionManager
	maxToolIterations int
	strategy          OrderStrategy
}

func newTestEngine(t *testing.T, participants []*Participant, opts engineOpts) (*Engine, *conversation.MemoryStore) {
	t.Helper()
	store := conversation.NewMemoryStore()
	if err := store.CreateSession(context.Background(), conversation.Session{
		ID:        testSession,
		Name:      "test",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	strategy := opts.strategy
	if strategy == "" {
		strategy = OrderConfidence
	}

	cfg := EngineConfig{
		Store:             store,
		Participants:      participants,
		Evaluator:         NewEvaluator(0.3, time.Second, nil, nil),
		Turns:             NewTurnManager(strategy, ids),
		Assembler:         NewAssembler(0, nil),
		MaxToolIterations: opts.maxToolIterations,
	}
	if opts.registry != nil {
		cfg.Registry = opts.registry
		cfg.Executor = tools.NewExecutor(opts.registry, time.Second, nil)
		cfg.Permissions = opts.perms
	}
	return NewEngine(cfg), store
}

// drain collects the whole turn, answering permission requests via reply.
func drain(t *testing.T, ch <-chan Event, reply func(Event) PermissionReply) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Type == EventToolPermissionRequest {
				if reply == nil {
					t.Fatal("unexpected permission request")
				}
				ev.Reply <- reply(ev)
			}
		case <-deadline:
			t.Fatalf("turn did not complete; events so far: %v", eventTypes(events))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func firstOfType(events []Event, typ EventType) (Event, bool) {
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

func TestProcessTurnSingleSpeaker(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "mentioned"),
		streamReply("Here is the fix: guard the map with a mutex."),
	)
	gpt, _ := speaker("gpt",
		decisionReply(false, 0.9, "claude was asked"),
	)
	e, store := newTestEngine(t, []*Participant{claude, gpt}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "@claude fix this race")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	if events[0].Type != EventThinking {
		t.Errorf("first event = %s, want thinking", events[0].Type)
	}
	if events[len(events)-1].Type != EventTurnComplete {
		t.Errorf("last event = %s, want turn_complete", events[len(events)-1].Type)
	}
	if n := countType(events, EventEvaluating); n != 2 {
		t.Errorf("evaluating events = %d, want 2", n)
	}
	if ws, ok := firstOfType(events, EventWillSpeak); !ok || ws.Participant != "claude" || ws.Confidence != 0.9 {
		t.Errorf("will_speak = %+v, want claude at 0.9", ws)
	}
	if silent, ok := firstOfType(events, EventWillStaySilent); !ok || silent.Participant != "gpt" {
		t.Errorf("will_stay_silent = %+v, want gpt", silent)
	}
	if countType(events, EventResponseStart) != 1 || countType(events, EventResponseComplete) != 1 {
		t.Errorf("response segments = %v", eventTypes(events))
	}
	done, _ := firstOfType(events, EventResponseComplete)
	if done.Response == nil || !strings.Contains(done.Response.Content, "mutex") {
		t.Errorf("response_complete payload = %+v", done.Response)
	}

	msgs, err := store.Messages(context.Background(), testSession)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[0].Content != "fix this race" {
		t.Errorf("user message = %+v, want cleaned text without the mention", msgs[0])
	}
	if msgs[1].Role != conversation.RoleAssistant || msgs[1].Author != "claude" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
}

func TestProcessTurnPersistsUsageWithCost(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "on it"),
		mock.Script{Response: model.Response{
			Content: "guard the map",
			Usage:   model.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
		}, ChunkSize: 8},
	)
	claude.Model = "gpt-4o"
	e, store := newTestEngine(t, []*Participant{claude}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "fix this")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	drain(t, ch, nil)

	msgs, _ := store.Messages(context.Background(), testSession)
	last := msgs[len(msgs)-1]
	if last.Usage == nil {
		t.Fatal("assistant message is missing usage accounting")
	}
	if last.Usage.PromptTokens != 1000 || last.Usage.CompletionTokens != 500 {
		t.Errorf("usage = %+v", last.Usage)
	}
	if last.Usage.CostEstimate != 0.0075 {
		t.Errorf("cost estimate = %v, want 0.0075 for gpt-4o at 1000/500 tokens", last.Usage.CostEstimate)
	}
}

func TestProcessTurnEvaluationSeesHistory(t *testing.T) {
	claude, client := speaker("claude",
		decisionReply(true, 0.9, "on it"),
		streamReply("use a sync.Mutex around the map"),
		decisionReply(true, 0.9, "following up"),
		streamReply("yes, RWMutex works too"),
	)
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "fix this race")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	drain(t, ch, nil)

	ch, err = e.ProcessTurn(context.Background(), testSession, "would RWMutex work?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	drain(t, ch, nil)

	reqs := client.Requests()
	if len(reqs) != 4 {
		t.Fatalf("model calls = %d, want eval + generation per turn", len(reqs))
	}

	firstEval := reqs[0].Messages[0].Content
	if !strings.Contains(firstEval, "(no previous messages)") {
		t.Errorf("first election should see an empty history:\n%s", firstEval)
	}
	secondEval := reqs[2].Messages[0].Content
	if !strings.Contains(secondEval, "USER: fix this race") {
		t.Errorf("second election is missing the prior user message:\n%s", secondEval)
	}
	if !strings.Contains(secondEval, "ASSISTANT [claude]: use a sync.Mutex around the map") {
		t.Errorf("second election is missing the prior assistant reply:\n%s", secondEval)
	}
	if strings.Contains(secondEval, "USER: would RWMutex work?") {
		t.Error("the message under election must not also appear as history")
	}
}

func TestProcessTurnAllSilent(t *testing.T) {
	claude, _ := speaker("claude", decisionReply(false, 0.9, "not my area"))
	gpt, _ := speaker("gpt", decisionReply(false, 0.8, "nothing to add"))
	e, store := newTestEngine(t, []*Participant{claude, gpt}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "just thinking out loud")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	if n := countType(events, EventWillStaySilent); n != 2 {
		t.Errorf("will_stay_silent events = %d, want 2", n)
	}
	if countType(events, EventResponseStart) != 0 {
		t.Error("nobody should have spoken")
	}
	if events[len(events)-1].Type != EventTurnComplete {
		t.Errorf("last event = %s, want turn_complete", events[len(events)-1].Type)
	}

	msgs, _ := store.Messages(context.Background(), testSession)
	if len(msgs) != 1 {
		t.Errorf("persisted %d messages, want only the user message", len(msgs))
	}
}

func TestProcessTurnSpeakersDoNotInterleave(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.6, "can help"),
		streamReply("claude's take on the matter"),
	)
	gpt, _ := speaker("gpt",
		decisionReply(true, 0.9, "knows this code"),
		streamReply("gpt's answer comes first"),
	)
	e, _ := newTestEngine(t, []*Participant{claude, gpt}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "who wants this?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	// Confidence ordering puts gpt first; each segment must close before the
	// next opens.
	var segments []string
	current := ""
	for _, ev := range events {
		switch ev.Type {
		case EventResponseStart:
			if current != "" {
				t.Fatalf("%s started while %s's segment was open", ev.Participant, current)
			}
			current = ev.Participant
			segments = append(segments, ev.Participant)
		case EventResponseChunk:
			if ev.Participant != current {
				t.Fatalf("chunk from %s inside %s's segment", ev.Participant, current)
			}
		case EventResponseComplete:
			if ev.Participant != current {
				t.Fatalf("complete from %s inside %s's segment", ev.Participant, current)
			}
			current = ""
		}
	}
	if len(segments) != 2 || segments[0] != "gpt" || segments[1] != "claude" {
		t.Errorf("segment order = %v, want [gpt claude]", segments)
	}
}

func TestProcessTurnEvaluationFailureAnnounced(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.8, "on it"),
		streamReply("handled"),
	)
	gpt, _ := speaker("gpt", mock.Script{Err: errors.New("connection reset")})
	e, _ := newTestEngine(t, []*Participant{claude, gpt}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "anyone?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	ev, ok := firstOfType(events, EventError)
	if !ok || ev.Participant != "gpt" || ev.Kind != ErrorTransport || !ev.Recoverable {
		t.Errorf("error event = %+v, want recoverable transport error for gpt", ev)
	}
	if silent, ok := firstOfType(events, EventWillStaySilent); !ok || silent.Participant != "gpt" {
		t.Error("errored non-forced participant should be announced silent")
	}
	if done, ok := firstOfType(events, EventResponseComplete); !ok || done.Participant != "claude" {
		t.Error("claude's response should still complete")
	}
}

func addTool(t *testing.T, level tools.Level) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register(tools.Tool{
		Definition: model.ToolDefinition{
			Name:        "add",
			Description: "adds two integers",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "integer"},
					"b": map[string]any{"type": "integer"},
				},
				"required": []any{"a", "b"},
			},
		},
		Level:  level,
		Source: "builtin",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "3", nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestProcessTurnToolLoop(t *testing.T) {
	claude, client := speaker("claude",
		decisionReply(true, 0.9, "can compute"),
		toolCallReply(model.ToolCall{ID: "c1", Name: "add", Arguments: `{"a": 1, "b": 2}`}),
		streamReply("The answer is 3."),
	)
	e, store := newTestEngine(t, []*Participant{claude}, engineOpts{
		registry: addTool(t, tools.LevelSafe),
		perms:    tools.NewPermissionManager(false, nil),
	})

	ch, err := e.ProcessTurn(context.Background(), testSession, "what is 1+2?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	for _, typ := range []EventType{EventToolCall, EventToolExecuting, EventToolResult, EventResponseComplete} {
		if countType(events, typ) != 1 {
			t.Errorf("%s events = %d, want 1 (%v)", typ, countType(events, typ), eventTypes(events))
		}
	}
	if countType(events, EventToolPermissionRequest) != 0 {
		t.Error("SAFE tool must not request permission")
	}
	if res, _ := firstOfType(events, EventToolResult); res.ToolResult == nil || res.ToolResult.Content != "3" || res.ToolResult.IsError {
		t.Errorf("tool result = %+v", res.ToolResult)
	}

	// The second model call must carry the tool result back to the model.
	reqs := client.Requests()
	if len(reqs) != 3 {
		t.Fatalf("model calls = %d, want eval + two generations", len(reqs))
	}
	last := reqs[2].Messages
	found := false
	for _, m := range last {
		if m.Role == model.RoleTool && m.Content == "3" && m.ToolCallID == "c1" {
			found = true
		}
	}
	if !found {
		t.Error("second generation request is missing the tool result message")
	}

	msgs, _ := store.Messages(context.Background(), testSession)
	// user, assistant-with-calls, tool results, final assistant.
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want 4", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "add" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != conversation.RoleTool || len(msgs[2].ToolResults) != 1 {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestProcessTurnPermissionAskAndRemember(t *testing.T) {
	call := func(id string) model.ToolCall {
		return model.ToolCall{ID: id, Name: "add", Arguments: `{"a": 1, "b": 2}`}
	}
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "can compute"),
		toolCallReply(call("c1")),
		toolCallReply(call("c2")),
		streamReply("done"),
	)
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{
		registry: addTool(t, tools.LevelCautious),
		perms:    tools.NewPermissionManager(false, nil),
	})

	ch, err := e.ProcessTurn(context.Background(), testSession, "compute twice")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	asks := 0
	events := drain(t, ch, func(ev Event) PermissionReply {
		asks++
		if ev.Level != tools.LevelCautious {
			t.Errorf("permission request level = %s, want CAUTIOUS", ev.Level)
		}
		return PermissionReply{Allow: true, RememberForSession: true}
	})

	// The session grant from the first ask covers the second invocation.
	if asks != 1 {
		t.Errorf("permission requests = %d, want 1", asks)
	}
	if n := countType(events, EventToolResult); n != 2 {
		t.Errorf("tool results = %d, want 2", n)
	}
	if countType(events, EventResponseComplete) != 1 {
		t.Errorf("events = %v", eventTypes(events))
	}
}

func TestProcessTurnPermissionDenied(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "can compute"),
		toolCallReply(model.ToolCall{ID: "c1", Name: "add", Arguments: `{"a": 1, "b": 2}`}),
		streamReply("I could not run the tool."),
	)
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{
		registry: addTool(t, tools.LevelDangerous),
		perms:    tools.NewPermissionManager(false, nil),
	})

	ch, err := e.ProcessTurn(context.Background(), testSession, "compute")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, func(Event) PermissionReply {
		return PermissionReply{Allow: false}
	})

	res, ok := firstOfType(events, EventToolResult)
	if !ok || res.ToolResult == nil || !res.ToolResult.IsError {
		t.Fatalf("tool result = %+v, want error result", res.ToolResult)
	}
	if !strings.Contains(res.ToolResult.Content, "permission denied") {
		t.Errorf("denied result content = %q", res.ToolResult.Content)
	}
	if countType(events, EventToolExecuting) != 0 {
		t.Error("denied tool must not execute")
	}
	// The denial is fed back to the model, which then answers normally.
	if countType(events, EventResponseComplete) != 1 {
		t.Errorf("events = %v", eventTypes(events))
	}
}

func TestProcessTurnToolIterationLimit(t *testing.T) {
	call := model.ToolCall{ID: "c1", Name: "add", Arguments: `{"a": 1, "b": 2}`}
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "can compute"),
		toolCallReply(call),
		toolCallReply(model.ToolCall{ID: "c2", Name: "add", Arguments: `{"a": 2, "b": 3}`}),
	)
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{
		registry:          addTool(t, tools.LevelSafe),
		perms:             tools.NewPermissionManager(false, nil),
		maxToolIterations: 2,
	})

	ch, err := e.ProcessTurn(context.Background(), testSession, "keep computing")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	ev, ok := firstOfType(events, EventError)
	if !ok || ev.Kind != ErrorTurnLimit || !ev.Recoverable {
		t.Fatalf("error event = %+v, want recoverable turn-limit error", ev)
	}
	if countType(events, EventResponseComplete) != 0 {
		t.Error("a limited speaker segment must not also complete")
	}
	if countType(events, EventResponseStart) != 1 {
		t.Errorf("events = %v", eventTypes(events))
	}
	if events[len(events)-1].Type != EventTurnComplete {
		t.Error("turn must still complete after hitting the limit")
	}
}

func TestProcessTurnAuthFailureDisablesParticipant(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "on it"),
		mock.Script{Err: errors.New("401 unauthorized: bad api key")},
	)
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{})

	ch, err := e.ProcessTurn(context.Background(), testSession, "hello")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := drain(t, ch, nil)

	ev, ok := firstOfType(events, EventError)
	if !ok || ev.Kind != ErrorAuthentication || !ev.Recoverable {
		t.Fatalf("error event = %+v, want recoverable authentication error", ev)
	}
	if claude.Enabled {
		t.Error("participant should be disabled after an authentication failure")
	}
}

func TestProcessTurnUnknownSession(t *testing.T) {
	claude, _ := speaker("claude")
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{})

	if _, err := e.ProcessTurn(context.Background(), "nope", "hello"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("ProcessTurn on unknown session = %v, want ErrNotFound", err)
	}
}

func TestRetrySpeaker(t *testing.T) {
	claude, _ := speaker("claude", streamReply("second attempt worked"))
	e, store := newTestEngine(t, []*Participant{claude}, engineOpts{})
	_ = store.AppendMessage(context.Background(), conversation.Message{
		ID:        "u1",
		SessionID: testSession,
		Role:      conversation.RoleUser,
		Author:    conversation.AuthorUser,
		Content:   "please retry",
		CreatedAt: time.Now().UTC(),
	})

	ch, err := e.RetrySpeaker(context.Background(), testSession, "claude")
	if err != nil {
		t.Fatalf("RetrySpeaker: %v", err)
	}
	events := drain(t, ch, nil)

	// A retry is just that speaker's segment plus the turn terminator.
	if countType(events, EventEvaluating) != 0 {
		t.Error("retry must not re-run the election")
	}
	if countType(events, EventResponseComplete) != 1 {
		t.Errorf("events = %v", eventTypes(events))
	}
	if events[len(events)-1].Type != EventTurnComplete {
		t.Error("retry stream must end with turn_complete")
	}
}

func TestRetrySpeakerUnknownParticipant(t *testing.T) {
	claude, _ := speaker("claude")
	e, _ := newTestEngine(t, []*Participant{claude}, engineOpts{})

	if _, err := e.RetrySpeaker(context.Background(), testSession, "nobody"); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("RetrySpeaker = %v, want ErrUnknownParticipant", err)
	}

	claude.Enabled = false
	if _, err := e.RetrySpeaker(context.Background(), testSession, "claude"); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("RetrySpeaker on disabled participant = %v, want ErrUnknownParticipant", err)
	}
}

func TestProcessTurnCancelDuringToolPersistsResults(t *testing.T) {
	reg := tools.NewRegistry()
	err := reg.Register(tools.Tool{
		Definition: model.ToolDefinition{Name: "slow_add", Description: "adds slowly"},
		Level:      tools.LevelSafe,
		Source:     "builtin",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "3", nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "can compute"),
		toolCallReply(model.ToolCall{ID: "c1", Name: "slow_add", Arguments: `{}`}),
	)
	e, store := newTestEngine(t, []*Participant{claude}, engineOpts{
		registry: reg,
		perms:    tools.NewPermissionManager(false, nil),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := e.ProcessTurn(ctx, testSession, "what is 1+2?")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	// Cancel while the tool runs; the execution finishes and its result is
	// persisted even though the turn ends.
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break loop
			}
			if ev.Type == EventToolExecuting {
				cancel()
			}
		case <-deadline:
			t.Fatal("turn did not end after cancellation")
		}
	}

	msgs, err := store.Messages(context.Background(), testSession)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleTool {
		t.Fatalf("last message = %+v, want the tool results", last)
	}
	if len(last.ToolResults) != 1 || last.ToolResults[0].Content != "3" || last.ToolResults[0].IsError {
		t.Errorf("tool results = %+v, want the finished result", last.ToolResults)
	}
}

func TestProcessTurnCancellationPersistsPartial(t *testing.T) {
	claude, _ := speaker("claude",
		decisionReply(true, 0.9, "on it"),
		// Enough chunks to overflow the event buffer, so the stream is
		// guaranteed to still be open when cancel lands.
		mock.Script{
			Response:  model.Response{Content: strings.Repeat("streaming text ", 500)},
			ChunkSize: 16,
		},
	)
	e, store := newTestEngine(t, []*Participant{claude}, engineOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.ProcessTurn(ctx, testSession, "talk for a while")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	sawChunk := false
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break loop
			}
			if ev.Type == EventResponseChunk && !sawChunk {
				sawChunk = true
				cancel()
			}
		case <-deadline:
			t.Fatal("turn did not end after cancellation")
		}
	}
	defer cancel()

	if !sawChunk {
		t.Fatal("no chunk arrived before cancellation")
	}
	msgs, err := store.Messages(context.Background(), testSession)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleAssistant || !last.Truncated {
		t.Errorf("last message = %+v, want truncated partial assistant message", last)
	}
	if last.Content == "" {
		t.Error("partial content should have been persisted")
	}
}
