package orchestrator

import (
	"testing"
)

var fixedOrder = []string{"claude", "gpt", "gemini", "grok"}

func speakerIDs(decisions []SpeakerDecision) []string {
	out := make([]string, len(decisions))
	for i, d := range decisions {
		out[i] = d.Participant
	}
	return out
}

func assertOrder(t *testing.T, got []SpeakerDecision, want ...string) {
	t.Helper()
	ids := speakerIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestOrderConfidence(t *testing.T) {
	tm := NewTurnManager(OrderConfidence, fixedOrder)
	decisions := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: true, Confidence: 0.6},
		{Participant: "gpt", ShouldSpeak: true, Confidence: 0.9},
		{Participant: "gemini", ShouldSpeak: false, Confidence: 0.8},
		{Participant: "grok", ShouldSpeak: true, Confidence: 0.6},
	}

	got := tm.Order("s1", decisions)
	// gemini is silent; claude beats grok on the fixed-order tie-break.
	assertOrder(t, got, "gpt", "claude", "grok")
}

func TestOrderConfidenceForcedCoercedToTop(t *testing.T) {
	tm := NewTurnManager(OrderConfidence, fixedOrder)
	decisions := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: true, Confidence: 0.9},
		{Participant: "grok", ShouldSpeak: true, Confidence: 0.2, Forced: true},
	}

	got := tm.Order("s1", decisions)
	assertOrder(t, got, "grok", "claude")
}

func TestOrderFixed(t *testing.T) {
	tm := NewTurnManager(OrderFixed, fixedOrder)
	decisions := []SpeakerDecision{
		{Participant: "grok", ShouldSpeak: true, Confidence: 0.9},
		{Participant: "claude", ShouldSpeak: true, Confidence: 0.1},
		{Participant: "gemini", ShouldSpeak: true, Confidence: 0.5, Forced: true},
	}

	got := tm.Order("s1", decisions)
	// Forced gemini first, then the fixed order among the rest.
	assertOrder(t, got, "gemini", "claude", "grok")
}

func TestOrderRotateAdvancesAcrossTurns(t *testing.T) {
	tm := NewTurnManager(OrderRotate, fixedOrder)
	all := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: true},
		{Participant: "gpt", ShouldSpeak: true},
		{Participant: "gemini", ShouldSpeak: true},
		{Participant: "grok", ShouldSpeak: true},
	}

	assertOrder(t, tm.Order("s1", all), "claude", "gpt", "gemini", "grok")
	assertOrder(t, tm.Order("s1", all), "gpt", "gemini", "grok", "claude")
	assertOrder(t, tm.Order("s1", all), "gemini", "grok", "claude", "gpt")
}

func TestOrderRotateSkipsSilentFirstResponder(t *testing.T) {
	tm := NewTurnManager(OrderRotate, fixedOrder)
	decisions := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: false},
		{Participant: "gpt", ShouldSpeak: true},
		{Participant: "gemini", ShouldSpeak: true},
	}

	// Index 0 points at claude, who is silent; gpt is promoted.
	assertOrder(t, tm.Order("s1", decisions), "gpt", "gemini")
}

func TestOrderRotateSessionsIndependent(t *testing.T) {
	tm := NewTurnManager(OrderRotate, fixedOrder)
	all := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: true},
		{Participant: "gpt", ShouldSpeak: true},
	}

	assertOrder(t, tm.Order("s1", all), "claude", "gpt")
	// A fresh session starts at index 0 regardless of s1's rotation.
	assertOrder(t, tm.Order("s2", all), "claude", "gpt")
}

func TestOrderRotateForcedFirst(t *testing.T) {
	tm := NewTurnManager(OrderRotate, fixedOrder)
	decisions := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: true},
		{Participant: "grok", ShouldSpeak: true, Forced: true},
	}

	assertOrder(t, tm.Order("s1", decisions), "grok", "claude")
}

func TestOrderEmptySpeakingSet(t *testing.T) {
	tm := NewTurnManager(OrderConfidence, fixedOrder)
	decisions := []SpeakerDecision{
		{Participant: "claude", ShouldSpeak: false},
		{Participant: "gpt", ShouldSpeak: false},
	}
	if got := tm.Order("s1", decisions); len(got) != 0 {
		t.Errorf("Order() = %v, want empty", got)
	}
}
