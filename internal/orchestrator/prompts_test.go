package orchestrator

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    decision
		wantErr bool
	}{
		{
			name:  "bare json",
			reply: `{"should_speak": true, "confidence": 0.8, "reason": "my area"}`,
			want:  decision{ShouldSpeak: true, Confidence: 0.8, Reason: "my area"},
		},
		{
			name: "fenced code block",
			reply: "Here is my decision:\n```json\n" +
				`{"should_speak": false, "confidence": 0.9, "reason": "aimed at gpt"}` +
				"\n```\n",
			want: decision{ShouldSpeak: false, Confidence: 0.9, Reason: "aimed at gpt"},
		},
		{
			name:  "object embedded in prose",
			reply: `Sure! I think {"should_speak": true, "confidence": 0.6, "reason": "can help"} covers it.`,
			want:  decision{ShouldSpeak: true, Confidence: 0.6, Reason: "can help"},
		},
		{
			name:  "python literals repaired",
			reply: `{'should_speak': True, 'confidence': 0.7, 'reason': 'testing'}`,
			want:  decision{ShouldSpeak: true, Confidence: 0.7, Reason: "testing"},
		},
		{
			name:  "confidence clamped",
			reply: `{"should_speak": true, "confidence": 1.7, "reason": "eager"}`,
			want:  decision{ShouldSpeak: true, Confidence: 1.0, Reason: "eager"},
		},
		{
			name:  "earlier unrelated object skipped",
			reply: `{"note": "ignore me"} and then {"should_speak": true, "confidence": 0.4, "reason": "late"}`,
			want:  decision{ShouldSpeak: true, Confidence: 0.4, Reason: "late"},
		},
		{
			name:    "no object at all",
			reply:   "I would love to help with that!",
			wantErr: true,
		},
		{
			name:    "wrong keys",
			reply:   `{"speak": true}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDecision(tt.reply)
			if tt.wantErr {
				if !errors.Is(err, ErrNoDecision) {
					t.Fatalf("parseDecision() error = %v, want ErrNoDecision", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDecision() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseDecision() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildShouldSpeakPromptIncludesPriorDecisions(t *testing.T) {
	p := &Participant{ID: "claude", DisplayName: "Claude"}
	prior := []SpeakerDecision{
		{Participant: "gpt", ShouldSpeak: true, Reason: "knows the codebase"},
		{Participant: "grok", ShouldSpeak: false, Reason: "off topic"},
	}

	prompt := buildShouldSpeakPrompt(p, []string{"gpt", "gemini", "grok"}, nil, "fix the race in the watcher", prior)

	for _, want := range []string{
		"Claude",
		"gpt, gemini, grok",
		"fix the race in the watcher",
		"gpt will speak",
		"grok will stay silent",
		"should_speak",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildSystemPromptListsTools(t *testing.T) {
	p := &Participant{ID: "gpt", DisplayName: "GPT"}

	with := buildSystemPrompt(p, []string{"claude"}, []string{"read_file", "run_shell"})
	if !strings.Contains(with, "read_file, run_shell") {
		t.Errorf("system prompt missing tool list: %q", with)
	}

	without := buildSystemPrompt(p, []string{"claude"}, nil)
	if strings.Contains(without, "Available tools") {
		t.Errorf("system prompt should omit tool section when empty: %q", without)
	}
}
