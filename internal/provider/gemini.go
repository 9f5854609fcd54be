package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
}

// NewGeminiFactory returns a factory for the Gemini API backed by the genai
// SDK. baseURL overrides the API endpoint and is mainly useful in tests.
func NewGeminiFactory(apiKey, baseURL string, hc *http.Client) Factory {
	return func(ctx context.Context) (Client, error) {
		if apiKey == "" {
			return nil, &ConfigurationError{Provider: ProviderGemini, Reason: "GEMINI_API_KEY is not set"}
		}
		if hc == nil {
			hc = NewHTTPClient()
		}

		cfg := &genai.ClientConfig{
			APIKey:     apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: hc,
		}
		if baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimSuffix(baseURL, "/") + "/"}
		}

		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return nil, &ConfigurationError{Provider: ProviderGemini, Reason: err.Error()}
		}
		return &geminiClient{client: client}, nil
	}
}

func (g *geminiClient) Complete(ctx context.Context, model string, req Request) (Completion, error) {
	gcfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec // bounded by configuration
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gcfg.Temperature = &t
	}
	if req.Format == FormatJSON {
		gcfg.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, gcfg)
	if err != nil {
		return Completion{}, geminiError(ctx, model, err)
	}

	text := resp.Text()
	if text == "" {
		return Completion{}, &ProviderError{Provider: ProviderGemini, Model: model, StatusCode: http.StatusOK, Err: ErrEmptyCompletion}
	}

	out := Completion{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// geminiError maps SDK failures onto ProviderError so the gateway can
// classify rate limits and timeouts the same way for every backend.
func geminiError(ctx context.Context, model string, err error) error {
	pe := &ProviderError{Provider: ProviderGemini, Model: model, Err: err}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		pe.StatusCode = apiErrPtr.Code
	}
	pe.RateLimited = pe.StatusCode == http.StatusTooManyRequests
	pe.Timeout = errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	if pe.StatusCode != 0 {
		pe.Err = fmt.Errorf("gemini api: %w", err)
	}
	return pe
}
