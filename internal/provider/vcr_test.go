package provider

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// newRecorder replays testdata/fixtures/<name>.yaml. Set VCR_MODE=record
// with real API keys to refresh a cassette.
func newRecorder(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("recorder.NewAsMode(%s) error = %v", name, err)
	}
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "X-Api-Key")
		delete(i.Request.Headers, "Authorization")
		return nil
	})
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("recorder.Stop() error = %v", err)
		}
	})

	return &http.Client{Transport: r}
}

func apiKey(env string) string {
	if k := os.Getenv(env); k != "" {
		return k
	}
	return "test-key"
}

func TestAnthropicComplete(t *testing.T) {
	hc := newRecorder(t, "anthropic_messages")
	client, err := NewAnthropicFactory(apiKey("ANTHROPIC_API_KEY"), "", hc)(context.Background())
	if err != nil {
		t.Fatalf("factory error = %v", err)
	}

	comp, err := client.Complete(context.Background(), "claude-sonnet-4-5-20250514", Request{
		Prompt:    "Summarise the startup in one sentence.",
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if comp.Text != "Acme helps small farms forecast harvest yields." {
		t.Errorf("Text = %q", comp.Text)
	}
	if comp.InputTokens != 18 || comp.OutputTokens != 11 {
		t.Errorf("usage = %d/%d, want 18/11", comp.InputTokens, comp.OutputTokens)
	}
}

func TestAnthropicRateLimited(t *testing.T) {
	hc := newRecorder(t, "anthropic_rate_limited")
	client, err := NewAnthropicFactory(apiKey("ANTHROPIC_API_KEY"), "", hc)(context.Background())
	if err != nil {
		t.Fatalf("factory error = %v", err)
	}

	_, err = client.Complete(context.Background(), "claude-opus-4-5-20250514", Request{
		Prompt:    "Score this idea.",
		MaxTokens: 512,
	})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if pe.StatusCode != http.StatusTooManyRequests || !pe.RateLimited {
		t.Errorf("ProviderError = %+v, want 429 rate limited", pe)
	}
	if !IsRateLimited(err) {
		t.Error("IsRateLimited() = false, want true")
	}
}

func TestOpenAICompleteJSON(t *testing.T) {
	hc := newRecorder(t, "openai_chat_json")
	client, err := NewOpenAIFactory(apiKey("OPENAI_API_KEY"), "", hc)(context.Background())
	if err != nil {
		t.Fatalf("factory error = %v", err)
	}

	comp, err := client.Complete(context.Background(), "gpt-4o-mini", Request{
		Prompt:    "Return the validation scores as JSON.",
		Format:    FormatJSON,
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	out, ok := ParseJSONOutput(comp.Text).(map[string]any)
	if !ok {
		t.Fatalf("ParseJSONOutput() = %T, want object", ParseJSONOutput(comp.Text))
	}
	if out["score"] != float64(72) || out["verdict"] != "promising" {
		t.Errorf("parsed = %v", out)
	}
	if comp.InputTokens != 14 || comp.OutputTokens != 19 {
		t.Errorf("usage = %d/%d, want 14/19", comp.InputTokens, comp.OutputTokens)
	}
}

func TestFactoriesRequireKeys(t *testing.T) {
	factories := map[string]Factory{
		ProviderGemini:    NewGeminiFactory("", "", nil),
		ProviderAnthropic: NewAnthropicFactory("", "", nil),
		ProviderOpenAI:    NewOpenAIFactory("", "", nil),
	}
	for name, f := range factories {
		t.Run(name, func(t *testing.T) {
			_, err := f(context.Background())
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *ConfigurationError", err)
			}
			if ce.Provider != name {
				t.Errorf("Provider = %q, want %q", ce.Provider, name)
			}
		})
	}
}
