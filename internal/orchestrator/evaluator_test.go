package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
	"github.com/codecrew-ai/codecrew/pkg/model/mock"
)

func decisionReply(speak bool, confidence float64, reason string) mock.Script {
	return mock.Script{Response: model.Response{
		Content: fmt.Sprintf(`{"should_speak": %t, "confidence": %g, "reason": %q}`, speak, confidence, reason),
	}}
}

func evalParticipant(id string, scripts ...mock.Script) *Participant {
	return &Participant{ID: id, DisplayName: id, Enabled: true, Client: mock.New(scripts...)}
}

// collectEvents returns an emit func safe for concurrent use plus an accessor.
func collectEvents() (func(Event), func() []Event) {
	var mu sync.Mutex
	var events []Event
	emit := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	get := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
	return emit, get
}

func TestEvaluateOneDecisionPerParticipant(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	participants := []*Participant{
		evalParticipant("claude", decisionReply(true, 0.9, "my area")),
		evalParticipant("gpt", decisionReply(false, 0.8, "claude has it")),
		evalParticipant("gemini", decisionReply(true, 0.4, "can add context")),
	}
	emit, events := collectEvents()

	decisions := e.Evaluate(context.Background(), participants, Mentions{}, nil, "fix the race", emit)

	if len(decisions) != 3 {
		t.Fatalf("got %d decisions, want 3", len(decisions))
	}
	for i, p := range participants {
		if decisions[i].Participant != p.ID {
			t.Errorf("decisions[%d] = %q, want %q (participant order)", i, decisions[i].Participant, p.ID)
		}
	}
	if !decisions[0].ShouldSpeak || decisions[1].ShouldSpeak || !decisions[2].ShouldSpeak {
		t.Errorf("speak flags = %v/%v/%v, want true/false/true",
			decisions[0].ShouldSpeak, decisions[1].ShouldSpeak, decisions[2].ShouldSpeak)
	}
	evaluating := 0
	for _, ev := range events() {
		if ev.Type == EventEvaluating {
			evaluating++
		}
	}
	if evaluating != 3 {
		t.Errorf("got %d evaluating events, want 3", evaluating)
	}
}

func TestEvaluateBelowThresholdStaysSilent(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	participants := []*Participant{
		evalParticipant("grok", decisionReply(true, 0.2, "tangentially related")),
	}

	decisions := e.Evaluate(context.Background(), participants, Mentions{}, nil, "anything", func(Event) {})

	if decisions[0].ShouldSpeak {
		t.Error("confidence 0.2 is below the 0.3 threshold, participant should stay silent")
	}
	if decisions[0].Confidence != 0.2 {
		t.Errorf("confidence = %v, want the model's own 0.2", decisions[0].Confidence)
	}
}

func TestEvaluateErrorRecordsSilence(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	participants := []*Participant{
		evalParticipant("gpt", mock.Script{Err: errors.New("connection reset")}),
	}

	decisions := e.Evaluate(context.Background(), participants, Mentions{}, nil, "anything", func(Event) {})

	d := decisions[0]
	if d.ShouldSpeak || !d.Errored || d.Reason != "error" {
		t.Errorf("decision = %+v, want silent errored decision with reason error", d)
	}
}

func TestEvaluateTimeoutRecordsSilence(t *testing.T) {
	e := NewEvaluator(0.3, 20*time.Millisecond, nil, nil)
	participants := []*Participant{
		evalParticipant("gpt", mock.Script{Delay: 500 * time.Millisecond}),
	}

	decisions := e.Evaluate(context.Background(), participants, Mentions{}, nil, "anything", func(Event) {})

	d := decisions[0]
	if d.ShouldSpeak || !d.Errored || d.Reason != "timeout" {
		t.Errorf("decision = %+v, want silent errored decision with reason timeout", d)
	}
}

func TestEvaluateForcedOverridesDecision(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	participants := []*Participant{
		evalParticipant("claude", decisionReply(false, 0.1, "someone else should")),
	}
	mentions := Mentions{Participants: []string{"claude"}}

	decisions := e.Evaluate(context.Background(), participants, mentions, nil, "anything", func(Event) {})

	d := decisions[0]
	if !d.ShouldSpeak || !d.Forced {
		t.Errorf("decision = %+v, want forced speaking decision", d)
	}
}

func TestEvaluateForcedFailureStillSpeaks(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	participants := []*Participant{
		evalParticipant("claude", mock.Script{Err: errors.New("boom")}),
	}
	mentions := Mentions{Participants: []string{"claude"}}

	decisions := e.Evaluate(context.Background(), participants, mentions, nil, "anything", func(Event) {})

	d := decisions[0]
	if !d.ShouldSpeak || !d.Forced || !d.Errored {
		t.Errorf("decision = %+v, want forced errored speaking decision", d)
	}
}

func TestEvaluateAllSkipsModelCalls(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	clients := []*mock.Client{mock.New(), mock.New()}
	participants := []*Participant{
		{ID: "claude", Enabled: true, Client: clients[0]},
		{ID: "gpt", Enabled: true, Client: clients[1]},
	}

	decisions := e.Evaluate(context.Background(), participants, Mentions{All: true}, nil, "everyone look", func(Event) {})

	for _, d := range decisions {
		if !d.ShouldSpeak || !d.Forced || d.Confidence != 1.0 || d.Reason != "forced" {
			t.Errorf("decision = %+v, want forced at confidence 1.0", d)
		}
	}
	for i, c := range clients {
		if c.Calls() != 0 {
			t.Errorf("participant %d made %d model calls under @all, want 0", i, c.Calls())
		}
	}
}

func TestEvaluateParseFallback(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	participants := []*Participant{
		evalParticipant("gemini", mock.Script{Response: model.Response{Content: "I'd be happy to help!"}}),
	}

	decisions := e.Evaluate(context.Background(), participants, Mentions{}, nil, "anything", func(Event) {})

	d := decisions[0]
	if !d.ShouldSpeak || d.Confidence != 0.5 || d.Reason != "parse-fallback" {
		t.Errorf("decision = %+v, want speak at 0.5 with parse-fallback reason", d)
	}
}

func TestEvaluateLaterTasksSeePriorDecisions(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	fast := evalParticipant("claude", decisionReply(true, 0.9, "on it"))
	slow := mock.New(mock.Script{
		Delay:    100 * time.Millisecond,
		Response: model.Response{Content: `{"should_speak": false, "confidence": 0.9, "reason": "covered"}`},
	})
	participants := []*Participant{
		fast,
		{ID: "gpt", Enabled: true, Client: slow},
	}

	e.Evaluate(context.Background(), participants, Mentions{}, nil, "anything", func(Event) {})

	reqs := slow.Requests()
	if len(reqs) != 1 {
		t.Fatalf("slow participant saw %d requests, want 1", len(reqs))
	}
	prompt := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	if !strings.Contains(prompt, "claude will speak") {
		t.Errorf("slow participant's prompt should mention claude's decision, got:\n%s", prompt)
	}
}

func TestEvaluatePromptIncludesHistory(t *testing.T) {
	e := NewEvaluator(0.3, time.Second, nil, nil)
	client := mock.New(decisionReply(true, 0.9, "relevant"))
	participants := []*Participant{
		{ID: "claude", DisplayName: "claude", Enabled: true, Client: client},
	}
	history := []conversation.Message{
		{Role: conversation.RoleUser, Author: conversation.AuthorUser, Content: "the login handler leaks goroutines"},
		{Role: conversation.RoleAssistant, Author: "gpt", Content: "the ticker is never stopped"},
	}

	e.Evaluate(context.Background(), participants, Mentions{}, history, "is there a second leak?", func(Event) {})

	reqs := client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	prompt := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	if !strings.Contains(prompt, "USER: the login handler leaks goroutines") {
		t.Errorf("prompt missing user history line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "ASSISTANT [gpt]: the ticker is never stopped") {
		t.Errorf("prompt missing attributed assistant history line:\n%s", prompt)
	}
}

func TestFormatHistory(t *testing.T) {
	if got := formatHistory(nil); got != "(no previous messages)" {
		t.Errorf("empty history = %q", got)
	}

	// Only the most recent historyWindow messages survive, clipped.
	var history []conversation.Message
	for i := 0; i < historyWindow+2; i++ {
		history = append(history, conversation.Message{
			Role:    conversation.RoleUser,
			Author:  conversation.AuthorUser,
			Content: fmt.Sprintf("message %d", i),
		})
	}
	history = append(history, conversation.Message{
		Role:    conversation.RoleAssistant,
		Author:  "claude",
		Content: strings.Repeat("x", historyClip+10),
	})

	got := formatHistory(history)
	if strings.Contains(got, "message 0") || strings.Contains(got, "message 2") {
		t.Errorf("history window should drop the oldest messages:\n%s", got)
	}
	if !strings.Contains(got, "xxx...") {
		t.Error("long message body should be clipped")
	}
	if strings.Contains(got, strings.Repeat("x", historyClip+10)) {
		t.Error("clipped body still present in full")
	}
}
