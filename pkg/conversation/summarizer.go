package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// summarizationPrompt is the system prompt sent to the model when condensing
// conversation segments.
const summarizationPrompt = `Summarize the following conversation between a user and several AI coding assistants.
Preserve: decisions made, code and file changes (with file names), commands run and their
outcomes, open problems, and who said what when it matters.
Be concise but keep every detail a developer would need to continue the work.`

// charsPerToken is the rough character-to-token ratio used for budget
// estimates when no provider-reported usage is available.
const charsPerToken = 4

// EstimateTokens returns a rough token estimate for a message.
func EstimateTokens(msg Message) int {
	n := (len(msg.Content) + charsPerToken - 1) / charsPerToken
	for _, tc := range msg.ToolCalls {
		n += (len(tc.Arguments) + charsPerToken - 1) / charsPerToken
	}
	for _, tr := range msg.ToolResults {
		n += (len(tr.Content) + charsPerToken - 1) / charsPerToken
	}
	// Per-message overhead (role + formatting tokens).
	return n + 4
}

// Summarizer produces a condensed summary of a conversation segment.
type Summarizer interface {
	// Summarize takes ordered messages (optionally preceded by a previous
	// summary) and returns the condensed summary text.
	Summarize(ctx context.Context, previous string, messages []Message) (string, error)
}

// ModelSummarizer uses a model client to summarize conversations.
type ModelSummarizer struct {
	client model.Client
}

var _ Summarizer = (*ModelSummarizer)(nil)

// NewModelSummarizer creates a [ModelSummarizer] backed by the given client.
func NewModelSummarizer(client model.Client) *ModelSummarizer {
	return &ModelSummarizer{client: client}
}

// Summarize formats the segment into a readable transcript and asks the model
// for a condensed summary. A non-empty previous summary is folded in so the
// result stands alone.
func (s *ModelSummarizer) Summarize(ctx context.Context, previous string, messages []Message) (string, error) {
	if len(messages) == 0 {
		return previous, nil
	}

	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Summary of the conversation so far:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\nContinued conversation:\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Author, m.Content)
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&sb, "[%s] (tool output): %s\n", m.Author, tr.Content)
		}
	}

	resp, err := s.client.Generate(ctx, model.Request{
		SystemPrompt: summarizationPrompt,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	return resp.Content, nil
}

// SummaryManager watches a session's uncovered history and produces summaries
// once it grows past a token threshold.
type SummaryManager struct {
	store      Store
	summarizer Summarizer
	threshold  int
	logger     *slog.Logger
}

// NewSummaryManager creates a manager that triggers summarization when the
// history not yet covered by a summary exceeds threshold estimated tokens.
func NewSummaryManager(store Store, summarizer Summarizer, threshold int, logger *slog.Logger) *SummaryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryManager{
		store:      store,
		summarizer: summarizer,
		threshold:  threshold,
		logger:     logger,
	}
}

// uncovered returns the messages not covered by the latest summary, plus that
// summary (nil when the session has none).
func (m *SummaryManager) uncovered(ctx context.Context, sessionID string) ([]Message, *Summary, error) {
	msgs, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	latest, err := m.store.LatestSummary(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return msgs, nil, nil
		}
		return nil, nil, err
	}

	// Summaries cover a prefix of the history; skip past the boundary.
	for i, msg := range msgs {
		if msg.ID == latest.LastMessageID {
			return msgs[i+1:], latest, nil
		}
	}
	return msgs, latest, nil
}

// MaybeSummarize checks the session's uncovered token load and, when it
// exceeds the threshold, summarizes the oldest half of the uncovered
// messages. Pinned messages are never summarized. Returns the new summary, or
// nil when no summarization was needed.
func (m *SummaryManager) MaybeSummarize(ctx context.Context, sessionID string) (*Summary, error) {
	msgs, latest, err := m.uncovered(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("summary manager: load history: %w", err)
	}

	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg)
	}
	if total < m.threshold {
		return nil, nil
	}

	half := msgs[:(len(msgs)+1)/2]
	segment := make([]Message, 0, len(half))
	for _, msg := range half {
		if !msg.Pinned {
			segment = append(segment, msg)
		}
	}
	if len(segment) == 0 {
		return nil, nil
	}

	previous := ""
	if latest != nil {
		previous = latest.Content
	}
	content, err := m.summarizer.Summarize(ctx, previous, segment)
	if err != nil {
		return nil, fmt.Errorf("summary manager: %w", err)
	}

	tokens := 0
	for _, msg := range segment {
		tokens += EstimateTokens(msg)
	}
	sum := Summary{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Kind:           SummaryIncremental,
		Content:        content,
		FirstMessageID: half[0].ID,
		LastMessageID:  half[len(half)-1].ID,
		MessageCount:   len(segment),
		TokenCount:     tokens,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AddSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("summary manager: persist: %w", err)
	}

	m.logger.Info("summarized conversation segment",
		"session_id", sessionID,
		"messages", sum.MessageCount,
		"tokens", sum.TokenCount)
	return &sum, nil
}

// Consolidate produces a full summary over the session's entire history,
// retiring the incremental summaries it overlaps. Useful before archiving.
func (m *SummaryManager) Consolidate(ctx context.Context, sessionID string) (*Summary, error) {
	msgs, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("summary manager: load history: %w", err)
	}
	segment := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.Pinned {
			segment = append(segment, msg)
		}
	}
	if len(segment) == 0 {
		return nil, nil
	}

	content, err := m.summarizer.Summarize(ctx, "", segment)
	if err != nil {
		return nil, fmt.Errorf("summary manager: %w", err)
	}

	tokens := 0
	for _, msg := range segment {
		tokens += EstimateTokens(msg)
	}
	sum := Summary{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Kind:           SummaryFull,
		Content:        content,
		FirstMessageID: msgs[0].ID,
		LastMessageID:  msgs[len(msgs)-1].ID,
		MessageCount:   len(segment),
		TokenCount:     tokens,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AddSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("summary manager: persist: %w", err)
	}
	return &sum, nil
}
