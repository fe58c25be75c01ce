package model

import "testing"

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name    string
		modelID string
		usage   Usage
		want    float64
	}{
		{
			name:    "sonnet",
			modelID: "claude-sonnet-4-20250514",
			usage:   Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
			want:    18.0,
		},
		{
			name:    "gpt-4o small request",
			modelID: "gpt-4o",
			usage:   Usage{PromptTokens: 1000, CompletionTokens: 500},
			want:    0.0075,
		},
		{
			name:    "unknown model",
			modelID: "my-local-model",
			usage:   Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
			want:    0,
		},
		{
			name:    "zero usage",
			modelID: "gpt-4o",
			usage:   Usage{},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateCost(tt.modelID, tt.usage); got != tt.want {
				t.Errorf("EstimateCost(%q, %+v) = %v, want %v", tt.modelID, tt.usage, got, tt.want)
			}
		})
	}
}
