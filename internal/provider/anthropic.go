package provider

import (
	"context"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

type anthropicClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicFactory returns a factory for the Anthropic Messages API.
// hc may be nil, in which case a traced client is created.
func NewAnthropicFactory(apiKey, baseURL string, hc *http.Client) Factory {
	return func(context.Context) (Client, error) {
		if apiKey == "" {
			return nil, &ConfigurationError{Provider: ProviderAnthropic, Reason: "ANTHROPIC_API_KEY is not set"}
		}
		if baseURL == "" {
			baseURL = defaultAnthropicBaseURL
		}
		if hc == nil {
			hc = NewHTTPClient()
		}
		return &anthropicClient{apiKey: apiKey, baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}, nil
	}
}

func (a *anthropicClient) Complete(ctx context.Context, model string, req Request) (Completion, error) {
	cand := Candidate{Provider: ProviderAnthropic, Model: model}
	body := anthropicRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := postJSON(ctx, a.http, cand, a.baseURL+"/messages", headers, body, &resp); err != nil {
		return Completion{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, &ProviderError{Provider: cand.Provider, Model: model, StatusCode: http.StatusOK, Err: ErrEmptyCompletion}
	}

	return Completion{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
