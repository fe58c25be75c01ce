package orchestrator

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
	"github.com/codecrew-ai/codecrew/pkg/model/mock"
)

// charTokenClient counts one token per content byte, which keeps the budget
// arithmetic in these tests exact.
type charTokenClient struct {
	*mock.Client
}

func (charTokenClient) CountTokens(messages []model.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total, nil
}

var assembleOthers = []string{"gpt"}

// assembleParticipant sizes the window so that exactly headroom tokens remain
// after the system prompt.
func assembleParticipant(headroom int) *Participant {
	p := &Participant{
		ID:          "claude",
		DisplayName: "Claude",
		Enabled:     true,
		Client:      charTokenClient{mock.New()},
	}
	p.MaxContextTokens = len(buildSystemPrompt(p, assembleOthers, nil)) + headroom
	return p
}

func histMsg(id string, minute int, content string) conversation.Message {
	return conversation.Message{
		ID:        id,
		SessionID: "s1",
		Role:      conversation.RoleUser,
		Author:    conversation.AuthorUser,
		Content:   content,
		CreatedAt: time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC),
	}
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func hasWarning(warnings []string, want string) bool {
	for _, w := range warnings {
		if w == want {
			return true
		}
	}
	return false
}

func TestAssembleKeepsNewestWithinBudget(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(250)
	history := []conversation.Message{
		histMsg("m1", 1, strings.Repeat("a", 100)),
		histMsg("m2", 2, strings.Repeat("b", 100)),
		histMsg("m3", 3, strings.Repeat("c", 100)),
	}

	out, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	// 250 tokens fit two of the three 100-token messages; the oldest drops.
	got := contents(out.Messages[1:])
	want := []string{history[1].Content, history[2].Content}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("included = %d messages, want newest two in order", len(got))
	}
	if len(out.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", out.Warnings)
	}
}

func TestAssemblePinsWinOverRecency(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(250)
	pinned := histMsg("m1", 1, strings.Repeat("a", 100))
	pinned.Pinned = true
	history := []conversation.Message{
		pinned,
		histMsg("m2", 2, strings.Repeat("b", 100)),
		histMsg("m3", 3, strings.Repeat("c", 100)),
	}

	out, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	// The pin claims 100 tokens up front, leaving room for only the newest
	// unpinned message; output stays chronological.
	got := contents(out.Messages[1:])
	want := []string{pinned.Content, history[2].Content}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("included contents = %v, want pin then newest", got)
	}
}

func TestAssembleOversizedPinWarns(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(250)
	pinned := histMsg("m1", 1, strings.Repeat("a", 300))
	pinned.Pinned = true
	history := []conversation.Message{
		pinned,
		histMsg("m2", 2, strings.Repeat("b", 100)),
		histMsg("m3", 3, strings.Repeat("c", 100)),
	}

	out, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if !hasWarning(out.Warnings, "budget_exceeded") {
		t.Errorf("warnings = %v, want budget_exceeded", out.Warnings)
	}
	got := contents(out.Messages[1:])
	want := []string{history[1].Content, history[2].Content}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("included contents = %v, want the two recent messages", got)
	}
}

func TestAssembleSummarySupersedesPrefix(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(400)
	history := []conversation.Message{
		histMsg("m1", 1, strings.Repeat("a", 100)),
		histMsg("m2", 2, strings.Repeat("b", 100)),
		histMsg("m3", 3, strings.Repeat("c", 100)),
	}
	summary := &conversation.Summary{
		ID:             "sum1",
		SessionID:      "s1",
		Kind:           conversation.SummaryIncremental,
		Content:        "they discussed the watcher race",
		FirstMessageID: "m1",
		LastMessageID:  "m2",
	}

	out, err := a.Assemble(p, history, summary, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if !strings.Contains(out.Messages[1].Content, summary.Content) {
		t.Errorf("second message should carry the summary, got %q", out.Messages[1].Content)
	}
	for _, m := range out.Messages {
		if m.Content == history[0].Content || m.Content == history[1].Content {
			t.Errorf("summarized message leaked into context: %q", m.Content[:10])
		}
	}
	if got := out.Messages[len(out.Messages)-1].Content; got != history[2].Content {
		t.Errorf("last message = %q, want the uncovered tail", got[:10])
	}
}

func TestAssemblePinnedSurvivesSummarizedPrefix(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(400)
	pinned := histMsg("m1", 1, strings.Repeat("a", 100))
	pinned.Pinned = true
	history := []conversation.Message{
		pinned,
		histMsg("m2", 2, strings.Repeat("b", 100)),
		histMsg("m3", 3, strings.Repeat("c", 100)),
	}
	summary := &conversation.Summary{
		ID:            "sum1",
		SessionID:     "s1",
		Content:       "short recap",
		LastMessageID: "m2",
	}

	out, err := a.Assemble(p, history, summary, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	found := 0
	for _, m := range out.Messages {
		if m.Content == pinned.Content {
			found++
		}
	}
	if found != 1 {
		t.Errorf("pinned message included %d times, want exactly once", found)
	}
}

func TestAssembleOversizedSummaryWarns(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(250)
	history := []conversation.Message{
		histMsg("m1", 1, strings.Repeat("a", 100)),
		histMsg("m2", 2, strings.Repeat("b", 100)),
	}
	summary := &conversation.Summary{
		ID:            "sum1",
		SessionID:     "s1",
		Content:       strings.Repeat("s", 400),
		LastMessageID: "m1",
	}

	out, err := a.Assemble(p, history, summary, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if !hasWarning(out.Warnings, "budget_exceeded") {
		t.Errorf("warnings = %v, want budget_exceeded", out.Warnings)
	}
	got := contents(out.Messages[1:])
	if !reflect.DeepEqual(got, []string{history[1].Content}) {
		t.Errorf("included contents = %v, want only the uncovered message", got)
	}
}

func TestAssembleOversizedMessageLeavesSystemOnly(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(100)
	history := []conversation.Message{
		histMsg("m1", 1, strings.Repeat("a", 1000)),
	}

	out, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != model.RoleSystem {
		t.Errorf("messages = %v, want just the system prompt", contents(out.Messages))
	}
}

func TestAssembleReserveShrinksBudget(t *testing.T) {
	p := assembleParticipant(250)
	history := []conversation.Message{
		histMsg("m1", 1, strings.Repeat("a", 100)),
		histMsg("m2", 2, strings.Repeat("b", 100)),
	}

	// With 150 tokens reserved for the completion only one message fits.
	a := NewAssembler(150, nil)
	out, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	got := contents(out.Messages[1:])
	if !reflect.DeepEqual(got, []string{history[1].Content}) {
		t.Errorf("included contents = %v, want only the newest message", got)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	a := NewAssembler(0, nil)
	p := assembleParticipant(250)
	pinned := histMsg("m1", 1, strings.Repeat("a", 50))
	pinned.Pinned = true
	history := []conversation.Message{
		pinned,
		histMsg("m2", 2, strings.Repeat("b", 100)),
		histMsg("m3", 3, strings.Repeat("c", 100)),
	}

	first, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	second, err := a.Assemble(p, history, nil, assembleOthers, nil)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Assemble() is not deterministic for identical input")
	}
}

func TestToModelMessagesToolExpansion(t *testing.T) {
	msg := conversation.Message{
		Role:   conversation.RoleTool,
		Author: "claude",
		ToolResults: []conversation.ToolResult{
			{CallID: "c1", Content: "42"},
			{CallID: "c2", Content: "no such file", IsError: true},
		},
	}

	got := toModelMessages(msg)
	if len(got) != 2 {
		t.Fatalf("toModelMessages() = %d messages, want 2", len(got))
	}
	if got[0].ToolCallID != "c1" || got[0].Content != "42" {
		t.Errorf("first result = %+v", got[0])
	}
	if got[1].Content != "error: no such file" {
		t.Errorf("error result content = %q", got[1].Content)
	}
}
