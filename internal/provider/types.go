package provider

import (
	"fmt"
	"strings"
)

// Family is a class of model chosen by capability rather than vendor.
type Family string

const (
	FamilyFast      Family = "fast"
	FamilyReasoning Family = "reasoning"
)

// Format is the shape a caller expects back.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Provider names accepted in candidates and step hints.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Candidate is one concrete provider and model to try.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string {
	return c.Provider + ":" + c.Model
}

// ParseCandidate parses "provider:model".
func ParseCandidate(s string) (Candidate, error) {
	p, m, ok := strings.Cut(s, ":")
	p, m = strings.TrimSpace(p), strings.TrimSpace(m)
	if !ok || p == "" || m == "" {
		return Candidate{}, fmt.Errorf("provider: candidate %q must be provider:model", s)
	}
	return Candidate{Provider: strings.ToLower(p), Model: m}, nil
}

// ParseFamilies converts the configuration form of family lists.
func ParseFamilies(raw map[string][]string) (map[Family][]Candidate, error) {
	out := make(map[Family][]Candidate, len(raw))
	for name, list := range raw {
		cands := make([]Candidate, 0, len(list))
		for _, s := range list {
			c, err := ParseCandidate(s)
			if err != nil {
				return nil, err
			}
			cands = append(cands, c)
		}
		out[Family(name)] = cands
	}
	return out, nil
}

// Request is what a backend client receives for a single completion.
type Request struct {
	Prompt      string
	Format      Format
	MaxTokens   int
	Temperature *float64
}

// Completion is a backend's raw answer. Token counts are zero when the
// backend did not report them.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Usage is the accounting attributed to the candidate that answered.
type Usage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMS    int64   `json:"latency_ms"`
	Estimated    bool    `json:"estimated,omitempty"`
}

// Result is a successful gateway call.
//
// Output holds the text for FormatText and the decoded JSON value for
// FormatJSON. Fallback is set when the output is the canned payload.
type Result struct {
	Output    any
	Text      string
	Usage     Usage
	Candidate Candidate
	Attempts  []Attempt
	Fallback  bool
}
