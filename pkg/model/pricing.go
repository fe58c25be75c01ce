package model

import "math"

// modelCosts maps model ids to (input, output) USD prices per million
// tokens. Approximate; unknown models estimate to zero.
var modelCosts = map[string][2]float64{
	"claude-opus-4-20250514":     {15.0, 75.0},
	"claude-sonnet-4-20250514":   {3.0, 15.0},
	"claude-3-5-sonnet-20241022": {3.0, 15.0},
	"claude-3-5-haiku-20241022":  {0.25, 1.25},
	"gpt-4o":                     {2.5, 10.0},
	"gpt-4o-mini":                {0.15, 0.6},
	"gpt-4-turbo":                {10.0, 30.0},
	"gemini-2.0-flash":           {0.075, 0.3},
	"gemini-1.5-pro":             {1.25, 5.0},
	"gemini-1.5-flash":           {0.075, 0.3},
	"grok-3":                     {3.0, 15.0},
	"grok-2":                     {2.0, 10.0},
}

// EstimateCost returns the approximate USD cost of a request against the
// given model, rounded to six decimal places. Unknown models cost 0.
func EstimateCost(modelID string, u Usage) float64 {
	costs, ok := modelCosts[modelID]
	if !ok {
		return 0
	}
	cost := float64(u.PromptTokens)/1_000_000*costs[0] +
		float64(u.CompletionTokens)/1_000_000*costs[1]
	return math.Round(cost*1e6) / 1e6
}
