// Package orchestrator implements the conversation core of CodeCrew: mention
// parsing, parallel speaker election, per-participant context assembly, and
// sequential turn execution with a bounded tool loop.
//
// The entry point is [Engine.ProcessTurn], which takes a user utterance and
// returns a totally-ordered event stream the UI drains. All model and tool
// work happens behind the [model.Client] and tools interfaces; the
// orchestrator owns ordering, deadlines, and failure isolation.
package orchestrator

import (
	"github.com/codecrew-ai/codecrew/pkg/model"
)

// Participant is a configured model acting as a group-chat member.
type Participant struct {
	// ID is the stable mention handle ("claude", "gpt", "gemini", "grok").
	ID string

	// DisplayName is shown in transcripts and event streams.
	DisplayName string

	// Color is the terminal display colour, passed through to the UI.
	Color string

	// Model is the backend model id, used for per-message cost estimation.
	Model string

	// Enabled participants take part in speaker election. Disabled ones are
	// skipped entirely.
	Enabled bool

	// Temperature and MaxTokens are forwarded on every generation request.
	Temperature float64
	MaxTokens   int

	// MaxContextTokens is this participant's context assembly budget.
	MaxContextTokens int

	// Client talks to the model backend.
	Client model.Client
}

// Available reports whether the participant can serve requests right now.
func (p *Participant) Available() bool {
	return p.Enabled && p.Client != nil && p.Client.Available()
}
