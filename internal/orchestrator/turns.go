package orchestrator

import (
	"sort"
	"sync"
)

// OrderStrategy selects how speakers are serialised within a turn.
type OrderStrategy string

const (
	// OrderConfidence puts the most confident speaker first.
	OrderConfidence OrderStrategy = "confidence"

	// OrderRotate cycles the first responder through the fixed order across
	// turns.
	OrderRotate OrderStrategy = "rotate"

	// OrderFixed always follows the configured order.
	OrderFixed OrderStrategy = "fixed"
)

// TurnManager produces the serial speaking order from the evaluator's
// decisions. The rotation index is per-session state; the single-turn
// invariant means it is only ever advanced by one turn at a time, but
// distinct sessions rotate concurrently so access is locked.
type TurnManager struct {
	strategy   OrderStrategy
	fixedOrder []string

	mu       sync.Mutex
	rotation map[string]int // session id → next first-responder index
}

// NewTurnManager creates a manager. fixedOrder is the participant id order
// used by the rotate and fixed strategies and as the tie-break everywhere.
func NewTurnManager(strategy OrderStrategy, fixedOrder []string) *TurnManager {
	return &TurnManager{
		strategy:   strategy,
		fixedOrder: fixedOrder,
		rotation:   map[string]int{},
	}
}

// Order filters decisions down to the actual speakers and returns them in
// speaking order. Forced speakers come first under rotate and fixed; under
// confidence they sort with their confidence coerced to 1.0.
func (tm *TurnManager) Order(sessionID string, decisions []SpeakerDecision) []SpeakerDecision {
	var speakers []SpeakerDecision
	for _, d := range decisions {
		if d.ShouldSpeak {
			speakers = append(speakers, d)
		}
	}
	if len(speakers) == 0 {
		return nil
	}

	switch tm.strategy {
	case OrderRotate:
		return tm.orderRotate(sessionID, speakers)
	case OrderFixed:
		return tm.orderFixed(speakers)
	default:
		return tm.orderConfidence(speakers)
	}
}

// orderConfidence sorts by effective confidence descending, ties broken by
// the fixed participant order.
func (tm *TurnManager) orderConfidence(speakers []SpeakerDecision) []SpeakerDecision {
	effective := func(d SpeakerDecision) float64 {
		if d.Forced {
			return 1.0
		}
		return d.Confidence
	}
	sort.SliceStable(speakers, func(i, j int) bool {
		ci, cj := effective(speakers[i]), effective(speakers[j])
		if ci != cj {
			return ci > cj
		}
		return tm.rank(speakers[i].Participant) < tm.rank(speakers[j].Participant)
	})
	return speakers
}

// orderFixed emits speakers in the configured order, forced first.
func (tm *TurnManager) orderFixed(speakers []SpeakerDecision) []SpeakerDecision {
	sort.SliceStable(speakers, func(i, j int) bool {
		if speakers[i].Forced != speakers[j].Forced {
			return speakers[i].Forced
		}
		return tm.rank(speakers[i].Participant) < tm.rank(speakers[j].Participant)
	})
	return speakers
}

// orderRotate picks the first responder from the fixed order starting at the
// session's rotation index, places the remaining speakers after it in fixed
// order, and advances the index by one. An index pointing at a silent
// participant promotes the next speaker in fixed order. Forced speakers
// still come first.
func (tm *TurnManager) orderRotate(sessionID string, speakers []SpeakerDecision) []SpeakerDecision {
	tm.mu.Lock()
	start := tm.rotation[sessionID]
	tm.rotation[sessionID] = (start + 1) % max(len(tm.fixedOrder), 1)
	tm.mu.Unlock()

	speaking := make(map[string]SpeakerDecision, len(speakers))
	for _, d := range speakers {
		speaking[d.Participant] = d
	}

	var ordered []SpeakerDecision
	taken := make(map[string]bool, len(speakers))

	// Forced speakers first, in fixed order.
	for _, id := range tm.fixedOrder {
		if d, ok := speaking[id]; ok && d.Forced && !taken[id] {
			ordered = append(ordered, d)
			taken[id] = true
		}
	}

	// Walk the fixed order starting at the rotation index; silent
	// participants are skipped, which promotes the next speaker.
	n := len(tm.fixedOrder)
	for i := range n {
		id := tm.fixedOrder[(start+i)%n]
		if d, ok := speaking[id]; ok && !taken[id] {
			ordered = append(ordered, d)
			taken[id] = true
		}
	}

	// Speakers missing from the fixed order keep decision order.
	for _, d := range speakers {
		if !taken[d.Participant] {
			ordered = append(ordered, d)
		}
	}
	return ordered
}

// rank returns the index of id in the fixed order, or a past-the-end rank
// for unknown ids so they sort last.
func (tm *TurnManager) rank(id string) int {
	for i, v := range tm.fixedOrder {
		if v == id {
			return i
		}
	}
	return len(tm.fixedOrder)
}
