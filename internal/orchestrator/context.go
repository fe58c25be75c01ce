package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
)

// AssembledContext is the message window built for one participant.
type AssembledContext struct {
	// Messages is chronologically ordered: system prompt first, then the
	// active summary if any, then history.
	Messages []model.Message

	// Warnings lists non-fatal assembly issues ("budget_exceeded" when pins
	// no longer fit).
	Warnings []string
}

// Assembler builds token-bounded context windows. Inclusion priority is
// system prompt, then the active summary, then pinned messages oldest first,
// then recent history newest first. Messages are included atomically or not
// at all, and the result never exceeds the participant's budget by the
// participant's own token counting.
type Assembler struct {
	reserve int
	logger  *slog.Logger
}

// NewAssembler creates an assembler. reserve is the completion headroom
// subtracted from every participant budget.
func NewAssembler(reserve int, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{reserve: reserve, logger: logger}
}

// Assemble builds the context window for p. history is the full ordered
// session history; summary, when non-nil, stands in for the prefix of
// history up to and including its LastMessageID. others and toolNames feed
// the system prompt. Same inputs yield identical output.
func (a *Assembler) Assemble(p *Participant, history []conversation.Message, summary *conversation.Summary, others, toolNames []string) (AssembledContext, error) {
	budget := p.MaxContextTokens - a.reserve
	var out AssembledContext

	system := model.Message{Role: model.RoleSystem, Content: buildSystemPrompt(p, others, toolNames)}
	cost, err := a.cost(p, system)
	if err != nil {
		return out, err
	}
	out.Messages = append(out.Messages, system)
	budget -= cost

	covered := coveredPrefix(history, summary)
	if summary != nil && covered > 0 {
		sm := model.Message{Role: model.RoleSystem, Content: summaryMessageContent(summary)}
		cost, err := a.cost(p, sm)
		if err != nil {
			return out, err
		}
		if cost <= budget {
			out.Messages = append(out.Messages, sm)
			budget -= cost
		} else {
			out.Warnings = append(out.Warnings, "budget_exceeded")
			a.logger.Warn("summary does not fit context budget",
				"participant", p.ID, "summary_tokens", cost, "budget", budget)
		}
	}

	// Pins win over recency: include them oldest first, stop at the first
	// one that no longer fits.
	var included []conversation.Message
	pinsDone := false
	for _, msg := range history {
		if !msg.Pinned || pinsDone {
			continue
		}
		cost, err := a.costAll(p, toModelMessages(msg))
		if err != nil {
			return out, err
		}
		if cost > budget {
			out.Warnings = append(out.Warnings, "budget_exceeded")
			a.logger.Warn("pinned message does not fit context budget",
				"participant", p.ID, "message_id", msg.ID)
			pinsDone = true
			continue
		}
		included = append(included, msg)
		budget -= cost
	}

	// Fill with recent history newest first. Summarized messages are
	// superseded unless pinned; pinned ones are already in.
	for i := len(history) - 1; i >= covered; i-- {
		msg := history[i]
		if msg.Pinned {
			continue
		}
		cost, err := a.costAll(p, toModelMessages(msg))
		if err != nil {
			return out, err
		}
		if cost > budget {
			break
		}
		included = append(included, msg)
		budget -= cost
	}

	sort.SliceStable(included, func(i, j int) bool {
		if !included[i].CreatedAt.Equal(included[j].CreatedAt) {
			return included[i].CreatedAt.Before(included[j].CreatedAt)
		}
		return included[i].ID < included[j].ID
	})
	for _, msg := range included {
		out.Messages = append(out.Messages, toModelMessages(msg)...)
	}
	return out, nil
}

// coveredPrefix returns the number of leading history messages the summary
// stands in for. A summary whose LastMessageID is not in history covers
// nothing.
func coveredPrefix(history []conversation.Message, summary *conversation.Summary) int {
	if summary == nil {
		return 0
	}
	for i, msg := range history {
		if msg.ID == summary.LastMessageID {
			return i + 1
		}
	}
	return 0
}

// cost counts the tokens of a single wire message.
func (a *Assembler) cost(p *Participant, msg model.Message) (int, error) {
	return a.costAll(p, []model.Message{msg})
}

func (a *Assembler) costAll(p *Participant, msgs []model.Message) (int, error) {
	n, err := p.Client.CountTokens(msgs)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: count tokens for %s: %w", p.ID, err)
	}
	return n, nil
}

// toModelMessages converts one stored message into its wire representation.
// A stored tool message expands into one wire message per result.
func toModelMessages(msg conversation.Message) []model.Message {
	switch msg.Role {
	case conversation.RoleTool:
		out := make([]model.Message, 0, len(msg.ToolResults))
		for _, res := range msg.ToolResults {
			content := res.Content
			if res.IsError {
				content = "error: " + content
			}
			out = append(out, model.Message{
				Role:       model.RoleTool,
				Content:    content,
				ToolCallID: res.CallID,
			})
		}
		return out

	case conversation.RoleAssistant:
		m := model.Message{
			Role:    model.RoleAssistant,
			Content: msg.Content,
			Name:    msg.Author,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		return []model.Message{m}

	default:
		return []model.Message{{Role: model.RoleUser, Content: msg.Content}}
	}
}
