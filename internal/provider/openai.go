package provider

import (
	"context"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIClient speaks the chat-completions protocol, which most hosted and
// self-hosted gateways also accept.
type openAIClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIFactory returns a factory for an OpenAI-compatible endpoint.
func NewOpenAIFactory(apiKey, baseURL string, hc *http.Client) Factory {
	return func(context.Context) (Client, error) {
		if apiKey == "" {
			return nil, &ConfigurationError{Provider: ProviderOpenAI, Reason: "OPENAI_API_KEY is not set"}
		}
		if baseURL == "" {
			baseURL = defaultOpenAIBaseURL
		}
		if hc == nil {
			hc = NewHTTPClient()
		}
		return &openAIClient{apiKey: apiKey, baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}, nil
	}
}

func (o *openAIClient) Complete(ctx context.Context, model string, req Request) (Completion, error) {
	cand := Candidate{Provider: ProviderOpenAI, Model: model}
	body := openAIRequest{
		Model:       model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Format == FormatJSON {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	var resp openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	if err := postJSON(ctx, o.http, cand, o.baseURL+"/chat/completions", headers, body, &resp); err != nil {
		return Completion{}, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Completion{}, &ProviderError{Provider: cand.Provider, Model: model, StatusCode: http.StatusOK, Err: ErrEmptyCompletion}
	}

	return Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
