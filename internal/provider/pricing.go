package provider

import "math"

// rate is a price in USD per 1,000 tokens.
type rate struct {
	input  float64
	output float64
}

var defaultRate = rate{input: 0.001, output: 0.002}

var modelPricing = map[string]rate{
	"gemini-2.0-flash":           {input: 0.0001, output: 0.0004},
	"gemini-2.5-pro":             {input: 0.00125, output: 0.005},
	"gemini-3-flash-preview":     {input: 0.0001, output: 0.0004},
	"gemini-3-pro-preview":       {input: 0.00125, output: 0.005},
	"claude-haiku-4-5-20251001":  {input: 0.001, output: 0.005},
	"claude-sonnet-4-5-20250514": {input: 0.003, output: 0.015},
	"claude-sonnet-4-5-20250929": {input: 0.003, output: 0.015},
	"claude-opus-4-5-20250514":   {input: 0.015, output: 0.075},
	"claude-opus-4-5-20251101":   {input: 0.015, output: 0.075},
	"gpt-4o-mini":                {input: 0.00015, output: 0.0006},
	"gpt-4o":                     {input: 0.0025, output: 0.01},
}

// Cost prices a call in USD, rounded to six decimals. Unknown models use
// the default rate.
func Cost(model string, inputTokens, outputTokens int) float64 {
	r, ok := modelPricing[model]
	if !ok {
		r = defaultRate
	}
	c := float64(inputTokens)/1000*r.input + float64(outputTokens)/1000*r.output
	return math.Round(c*1e6) / 1e6
}
