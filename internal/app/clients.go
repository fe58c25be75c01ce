package app

import (
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/codecrew-ai/codecrew/internal/config"
	"github.com/codecrew-ai/codecrew/internal/resilience"
	"github.com/codecrew-ai/codecrew/pkg/model"
	"github.com/codecrew-ai/codecrew/pkg/model/anyllm"
)

// defaultClientFactory builds the real model client for a participant: an
// any-llm-go backend wrapped in the retry/circuit-breaker layer. An empty
// APIKey falls back to the provider's environment variable.
func defaultClientFactory(pc config.ParticipantConfig) (model.Client, error) {
	var opts []anyllmlib.Option
	if pc.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(pc.APIKey))
	}
	if pc.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(pc.BaseURL))
	}

	client, err := anyllm.New(pc.Provider, pc.Model, opts...)
	if err != nil {
		return nil, err
	}
	return resilience.Wrap(client, pc.ID), nil
}
