package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownFamily is returned when a call names a family with no candidates.
	ErrUnknownFamily = errors.New("provider: unknown model family")

	// ErrUnknownProvider is returned for a candidate whose backend has no factory.
	ErrUnknownProvider = errors.New("provider: unknown provider")

	// ErrEmptyCompletion is returned when a backend answers without any text.
	ErrEmptyCompletion = errors.New("provider: empty completion")
)

// ConfigurationError reports a backend that cannot be used as configured,
// typically a missing API key. It is never retried.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s not configured: %s", e.Provider, e.Reason)
}

// ProviderError reports a failed call to a configured backend.
type ProviderError struct {
	Provider    string
	Model       string
	StatusCode  int
	RateLimited bool
	Timeout     bool
	Body        string
	Err         error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", e.Provider, e.Model)
	switch {
	case e.RateLimited:
		b.WriteString(": rate limited")
	case e.Timeout:
		b.WriteString(": timed out")
	case e.StatusCode != 0:
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Attempt records the outcome of trying one candidate.
type Attempt struct {
	Candidate Candidate
	Err       error
	Duration  time.Duration
}

// ExhaustedError is returned when every candidate of a family failed.
type ExhaustedError struct {
	Family   Family
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Candidate, a.Err))
	}
	return fmt.Sprintf("provider: all %d candidates for %s failed [%s]", len(e.Attempts), e.Family, strings.Join(parts, "; "))
}

// Unwrap exposes the individual attempt errors to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// IsRateLimited reports whether err is or wraps a rate limited provider error.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.RateLimited
}
