package provider

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// StripFence returns the body of the first Markdown code fence in text, or
// the trimmed text when there is none.
func StripFence(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// ParseJSONOutput decodes a model's JSON answer, tolerating a surrounding
// code fence. Text that is not valid JSON comes back as {"raw": text}.
func ParseJSONOutput(text string) any {
	var v any
	if err := json.Unmarshal([]byte(StripFence(text)), &v); err != nil {
		return map[string]any{"raw": text}
	}
	return v
}

// FallbackOutput is the deterministic low-confidence payload substituted
// when no candidate could answer a best-effort call.
func FallbackOutput(format Format) any {
	if format == FormatJSON {
		return map[string]any{
			"confidence": "low",
			"fallback":   true,
			"summary":    "",
		}
	}
	return ""
}
