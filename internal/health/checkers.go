package health

import (
	"context"
	"fmt"

	"github.com/codecrew-ai/codecrew/internal/orchestrator"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
)

// StoreCheck probes the conversation store with a cheap read.
func StoreCheck(store conversation.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := store.ListSessions(ctx, false)
			return err
		},
	}
}

// ParticipantsCheck reports ready while at least one participant can serve
// requests. A single tripped breaker or revoked key does not fail readiness;
// a fully unavailable roster does.
func ParticipantsCheck(participants []*orchestrator.Participant) Checker {
	return Checker{
		Name: "participants",
		Check: func(_ context.Context) error {
			total := len(participants)
			for _, p := range participants {
				if p.Available() {
					return nil
				}
			}
			return fmt.Errorf("none of %d participants available", total)
		},
	}
}
