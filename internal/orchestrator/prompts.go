package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codecrew-ai/codecrew/pkg/conversation"
)

// ErrNoDecision is returned when no speaker decision can be extracted from a
// model reply, even after lenient repair.
var ErrNoDecision = errors.New("no speaker decision found in reply")

// shouldSpeakTemplate asks a participant whether it wants to respond to the
// current user message. The reply must be a bare JSON object.
const shouldSpeakTemplate = `You are %s, one member of a group chat of AI coding assistants working with a human developer. The other members are: %s.

Recent conversation:
%s

The developer just said:
%q

%sDecide whether YOU should respond to this message. Speak when you can add something the others have not covered: your own expertise, a correction, or a complementary angle. Stay silent when the message is clearly aimed at someone else or you have nothing new to add.

Reply with ONLY a JSON object, no prose, in this exact shape:
{"should_speak": true, "confidence": 0.8, "reason": "short justification"}

confidence is your certainty in the decision, between 0.0 and 1.0.`

// historyWindow and historyClip bound the conversation excerpt in the
// should-speak prompt; the full window is assembled only for actual speakers.
const (
	historyWindow = 10
	historyClip   = 500
)

// formatHistory renders the tail of the session history for the should-speak
// prompt: one line per message, attributed, long bodies clipped.
func formatHistory(history []conversation.Message) string {
	if len(history) == 0 {
		return "(no previous messages)"
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	lines := make([]string, 0, len(history))
	for _, m := range history {
		label := strings.ToUpper(string(m.Role))
		if m.Author != "" && m.Author != conversation.AuthorUser {
			label += " [" + m.Author + "]"
		}
		content := m.Content
		if content == "" && len(m.ToolResults) > 0 {
			content = "(tool results)"
		}
		if len(content) > historyClip {
			content = content[:historyClip] + "..."
		}
		lines = append(lines, label+": "+content)
	}
	return strings.Join(lines, "\n\n")
}

// buildShouldSpeakPrompt renders the evaluation prompt for one participant.
// history is the session tail before the current user message; prior carries
// the announced decisions of participants that finished evaluating earlier in
// this turn.
func buildShouldSpeakPrompt(p *Participant, others []string, history []conversation.Message, userText string, prior []SpeakerDecision) string {
	otherList := strings.Join(others, ", ")
	if otherList == "" {
		otherList = "none"
	}

	var priorSection string
	if len(prior) > 0 {
		var sb strings.Builder
		sb.WriteString("Decisions so far this turn:\n")
		for _, d := range prior {
			verb := "will stay silent"
			if d.ShouldSpeak {
				verb = "will speak"
			}
			fmt.Fprintf(&sb, "- %s %s (%s)\n", d.Participant, verb, d.Reason)
		}
		sb.WriteString("\n")
		priorSection = sb.String()
	}

	return fmt.Sprintf(shouldSpeakTemplate, p.DisplayName, otherList, formatHistory(history), userText, priorSection)
}

// systemPromptTemplate is the identity prompt placed at slot 0 of every
// assembled context.
const systemPromptTemplate = `You are %s, a member of a group chat of AI coding assistants helping a human developer. The other assistants are: %s.

Group chat rules:
- Messages from other assistants are attributed by name. Do not impersonate them.
- Be concise. Do not repeat what another assistant already said; build on it or disagree with reasons.
- Address the developer unless explicitly responding to another assistant.
- When you use tools, explain briefly what you are doing and summarise results instead of dumping raw output.%s`

// buildSystemPrompt renders the identity prompt for one participant.
func buildSystemPrompt(p *Participant, others []string, toolNames []string) string {
	otherList := strings.Join(others, ", ")
	if otherList == "" {
		otherList = "none"
	}
	var toolSection string
	if len(toolNames) > 0 {
		toolSection = "\n\nAvailable tools: " + strings.Join(toolNames, ", ") + "."
	}
	return fmt.Sprintf(systemPromptTemplate, p.DisplayName, otherList, toolSection)
}

// decision is the structured payload expected from the should-speak prompt.
type decision struct {
	ShouldSpeak bool    `json:"should_speak"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// parseDecision extracts a decision from a model reply leniently: direct
// JSON first, then a fenced code block, then the first balanced object
// containing "should_speak", then single-quote and Python-literal repair.
func parseDecision(reply string) (decision, error) {
	candidates := []string{strings.TrimSpace(reply)}

	if fenced := extractFenced(reply); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if obj := extractBalancedObject(reply); obj != "" {
		candidates = append(candidates, obj)
	}

	for _, c := range candidates {
		if d, ok := tryDecision(c); ok {
			return d, nil
		}
		if d, ok := tryDecision(repairJSON(c)); ok {
			return d, nil
		}
	}
	return decision{}, ErrNoDecision
}

func tryDecision(s string) (decision, bool) {
	if !strings.Contains(s, "should_speak") {
		return decision{}, false
	}
	var d decision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return decision{}, false
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d, true
}

// extractFenced returns the body of the first ``` code fence, with an
// optional language tag stripped.
func extractFenced(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalancedObject returns the first brace-balanced object substring
// that mentions "should_speak". String escapes are respected.
func extractBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		end := matchBrace(s, start)
		if end < 0 {
			return ""
		}
		candidate := s[start : end+1]
		if strings.Contains(candidate, "should_speak") {
			return candidate
		}
		next := strings.IndexByte(s[end+1:], '{')
		if next < 0 {
			return ""
		}
		start = end + 1 + next
	}
	return ""
}

// matchBrace returns the index of the brace closing the object that opens at
// start, or -1 when unbalanced.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// repairJSON fixes the malformations models actually produce: single-quoted
// strings and Python boolean literals.
func repairJSON(s string) string {
	s = strings.ReplaceAll(s, "'", `"`)
	s = strings.ReplaceAll(s, "True", "true")
	s = strings.ReplaceAll(s, "False", "false")
	return s
}

// summaryHeader prefixes stored summaries when injected into a context.
const summaryHeader = "Summary of the earlier conversation:\n\n"

// summaryMessageContent renders a stored summary as context text.
func summaryMessageContent(s *conversation.Summary) string {
	return summaryHeader + s.Content
}
