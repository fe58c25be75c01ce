package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codecrew-ai/codecrew/internal/observe"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model"
)

// SpeakerDecision is the outcome of one participant's speaker evaluation.
type SpeakerDecision struct {
	// Participant is the participant id.
	Participant string

	// ShouldSpeak reports whether the participant responds this turn.
	ShouldSpeak bool

	// Confidence is the participant's certainty in [0, 1].
	Confidence float64

	// Reason is a short justification ("forced", "timeout", "error",
	// "parse-fallback", or the model's own wording).
	Reason string

	// Forced marks participants mentioned directly or via @all. Forced
	// participants speak regardless of confidence.
	Forced bool

	// Errored marks decisions produced by a failed evaluation. Forced
	// participants keep ShouldSpeak = true so the failure stays visible and
	// a retry remains possible.
	Errored bool
}

// Evaluator runs the parallel speaker election: every enabled participant is
// asked concurrently whether it wants to respond, under a hard deadline.
// The evaluator never fails the turn; an empty speaking set is a valid
// outcome.
type Evaluator struct {
	threshold float64
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observe.Metrics
}

// NewEvaluator creates an evaluator. threshold is the minimum confidence for
// a non-forced participant to speak; timeout bounds each evaluation task.
func NewEvaluator(threshold float64, timeout time.Duration, logger *slog.Logger, metrics *observe.Metrics) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// Evaluate returns exactly one decision per participant, in the order the
// participants were given. Forced participants are evaluated like everyone
// else but speak regardless of the outcome; evaluation failures of
// non-forced participants record silence with reason "timeout" or "error".
//
// history is the session tail before the current user message; each
// evaluation prompt carries a clipped window of it so decisions are made
// with the conversation in view.
//
// emit receives an EventEvaluating per started task and may be called from
// multiple goroutines.
func (e *Evaluator) Evaluate(ctx context.Context, participants []*Participant, mentions Mentions, history []conversation.Message, userText string, emit func(Event)) []SpeakerDecision {
	decisions := make([]SpeakerDecision, len(participants))

	// @all forces everyone without asking; there is no decision to make.
	if mentions.All {
		for i, p := range participants {
			decisions[i] = SpeakerDecision{
				Participant: p.ID,
				ShouldSpeak: true,
				Confidence:  1.0,
				Reason:      "forced",
				Forced:      true,
			}
		}
		return decisions
	}

	roster := make([]string, len(participants))
	for i, p := range participants {
		roster[i] = p.ID
	}

	var (
		mu    sync.Mutex
		prior []SpeakerDecision
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range participants {
		g.Go(func() error {
			emit(Event{Type: EventEvaluating, Participant: p.ID})

			mu.Lock()
			snapshot := make([]SpeakerDecision, len(prior))
			copy(snapshot, prior)
			mu.Unlock()

			d := e.evaluateOne(gctx, p, mentions.Forces(p.ID), othersOf(roster, p.ID), history, userText, snapshot)
			decisions[i] = d

			mu.Lock()
			prior = append(prior, d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range decisions {
		e.recordDecision(ctx, d)
	}
	return decisions
}

// evaluateOne runs a single evaluation task under the deadline.
func (e *Evaluator) evaluateOne(ctx context.Context, p *Participant, forced bool, others []string, history []conversation.Message, userText string, prior []SpeakerDecision) SpeakerDecision {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := buildShouldSpeakPrompt(p, others, history, userText, prior)
	resp, err := p.Client.Generate(taskCtx, model.Request{
		Messages:    []model.Message{{Role: model.RoleUser, Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   200,
	})

	if e.metrics != nil {
		e.metrics.EvaluationDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		reason := "error"
		if taskCtx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		e.logger.Warn("speaker evaluation failed",
			"participant", p.ID,
			"reason", reason,
			"error", err)
		return SpeakerDecision{
			Participant: p.ID,
			ShouldSpeak: forced,
			Confidence:  0.0,
			Reason:      reason,
			Forced:      forced,
			Errored:     true,
		}
	}

	d, perr := parseDecision(resp.Content)
	if perr != nil {
		// Silence on a garbled reply loses information, so default to
		// speaking at middling confidence.
		e.logger.Warn("speaker decision unparseable, defaulting to speak",
			"participant", p.ID,
			"reply", resp.Content)
		d = decision{ShouldSpeak: true, Confidence: 0.5, Reason: "parse-fallback"}
	}

	sd := SpeakerDecision{
		Participant: p.ID,
		ShouldSpeak: d.ShouldSpeak,
		Confidence:  d.Confidence,
		Reason:      d.Reason,
		Forced:      forced,
	}
	if forced {
		sd.ShouldSpeak = true
		if sd.Reason == "" {
			sd.Reason = "forced"
		}
	} else if sd.Confidence < e.threshold {
		sd.ShouldSpeak = false
	}
	return sd
}

// recordDecision feeds the decision counter.
func (e *Evaluator) recordDecision(ctx context.Context, d SpeakerDecision) {
	if e.metrics == nil {
		return
	}
	outcome := "will_stay_silent"
	if d.ShouldSpeak {
		outcome = "will_speak"
	}
	if d.Errored {
		outcome = "errored"
	}
	e.metrics.RecordSpeakerDecision(ctx, d.Participant, outcome)
}

// othersOf returns the roster without id.
func othersOf(roster []string, id string) []string {
	out := make([]string, 0, len(roster)-1)
	for _, r := range roster {
		if r != id {
			out = append(out, r)
		}
	}
	return out
}
