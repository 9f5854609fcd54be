package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxErrorBody caps how much of an error response is kept on a ProviderError.
const maxErrorBody = 2048

// NewHTTPClient returns an HTTP client whose transport emits a client span
// per request. Per-call deadlines come from the request context.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// postJSON sends body as JSON and decodes a 2xx response into out.
// Non-2xx answers and transport failures become *ProviderError.
func postJSON(ctx context.Context, hc *http.Client, c Candidate, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", c.Provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", c.Provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &ProviderError{
			Provider: c.Provider,
			Model:    c.Model,
			Timeout:  errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort detail
		return &ProviderError{
			Provider:    c.Provider,
			Model:       c.Model,
			StatusCode:  resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
			Body:        string(snippet),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: c.Provider, Model: c.Model, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
