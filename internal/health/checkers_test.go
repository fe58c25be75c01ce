package health

import (
	"context"
	"testing"

	"github.com/codecrew-ai/codecrew/internal/orchestrator"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/model/mock"
)

func TestStoreCheck(t *testing.T) {
	c := StoreCheck(conversation.NewMemoryStore())
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check() on healthy store = %v", err)
	}
	if c.Name != "store" {
		t.Errorf("Name = %q", c.Name)
	}
}

func TestParticipantsCheck(t *testing.T) {
	up := mock.New()
	down := mock.New()
	down.SetAvailable(false)

	healthy := ParticipantsCheck([]*orchestrator.Participant{
		{ID: "claude", Enabled: true, Client: up},
		{ID: "gpt", Enabled: true, Client: down},
	})
	if err := healthy.Check(context.Background()); err != nil {
		t.Errorf("Check() with one available participant = %v", err)
	}

	unhealthy := ParticipantsCheck([]*orchestrator.Participant{
		{ID: "gpt", Enabled: true, Client: down},
	})
	if err := unhealthy.Check(context.Background()); err == nil {
		t.Error("Check() with no available participant should fail")
	}
}
