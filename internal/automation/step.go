package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/packflow/internal/provider"
)

// Invoker is the model gateway as seen by the step executor.
type Invoker interface {
	Invoke(ctx context.Context, call provider.Call) (*provider.Result, error)
}

// StepResult is what one step produced. Prompt is the rendered text that
// was sent to the model.
type StepResult struct {
	Prompt   string
	Output   any
	Usage    provider.Usage
	Attempts []provider.Attempt
	Fallback bool

	// FallbackReason is the gateway error the fallback output replaced.
	FallbackReason error
}

// StepExecutor renders a step and calls the model. It persists nothing.
type StepExecutor struct {
	invoker Invoker
}

// NewStepExecutor creates a step executor backed by invoker.
func NewStepExecutor(invoker Invoker) *StepExecutor {
	return &StepExecutor{invoker: invoker}
}

// ExecuteStep renders step against vars and the outputs of earlier
// steps, then invokes the step's model family.
//
// When every candidate fails with a provider error the canned fallback
// output is returned instead of an error. Configuration problems, an
// unknown family and cancellation are returned as errors.
func (x *StepExecutor) ExecuteStep(ctx context.Context, step PackStep, vars map[string]any, previous []any) (*StepResult, error) {
	prompt := Render(step.PromptTemplate, vars, previous)

	call := provider.Call{
		Family:      provider.FamilyFast,
		Hint:        step.AIModel,
		Prompt:      prompt,
		Format:      provider.Format(step.OutputFormat),
		Temperature: step.Temperature,
	}
	if step.RequiresReasoning {
		call.Family = provider.FamilyReasoning
	}
	if call.Format == "" {
		call.Format = provider.FormatText
	}
	if step.MaxTokens != nil {
		call.MaxTokens = *step.MaxTokens
	}

	res, err := x.invoker.Invoke(ctx, call)
	if err != nil {
		var exhausted *provider.ExhaustedError
		if errors.As(err, &exhausted) && ctx.Err() == nil && anyProviderFailure(exhausted) {
			return &StepResult{
				Prompt:         prompt,
				Output:         provider.FallbackOutput(call.Format),
				Attempts:       exhausted.Attempts,
				Fallback:       true,
				FallbackReason: err,
			}, nil
		}
		return &StepResult{Prompt: prompt}, fmt.Errorf("step %d: %w", step.StepOrder, err)
	}

	return &StepResult{
		Prompt:   prompt,
		Output:   res.Output,
		Usage:    res.Usage,
		Attempts: res.Attempts,
		Fallback: res.Fallback,
	}, nil
}

// anyProviderFailure reports whether at least one configured backend was
// actually called and failed.
func anyProviderFailure(e *provider.ExhaustedError) bool {
	for _, a := range e.Attempts {
		var pe *provider.ProviderError
		if errors.As(a.Err, &pe) {
			return true
		}
	}
	return false
}
