package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultBudget    = 120 * time.Second
	defaultMaxTokens = 4096
)

// Logger is the logging surface the gateway needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options tunes a Gateway. Zero values take the package defaults.
type Options struct {
	// Timeout bounds one candidate call.
	Timeout time.Duration

	// Budget bounds all candidates of one Invoke together.
	Budget time.Duration

	// MaxTokens is used when a call does not set its own limit.
	MaxTokens int

	Logger Logger
}

// Call describes one logical model request.
type Call struct {
	Family Family

	// Hint is a step's ai_model: a provider name ("gemini", "claude",
	// "openai") or a concrete model id starting with one of those. A
	// matching candidate is tried first.
	Hint string

	Prompt      string
	Format      Format
	MaxTokens   int
	Temperature *float64
}

// Gateway resolves model families to candidates and tries them in order.
// It is safe for concurrent use.
type Gateway struct {
	clients   *Clients
	families  map[Family][]Candidate
	timeout   time.Duration
	budget    time.Duration
	maxTokens int
	logger    Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewGateway creates a gateway over clients with the given family table.
func NewGateway(clients *Clients, families map[Family][]Candidate, opts Options) *Gateway {
	g := &Gateway{
		clients:   clients,
		families:  make(map[Family][]Candidate, len(families)),
		timeout:   opts.Timeout,
		budget:    opts.Budget,
		maxTokens: opts.MaxTokens,
		logger:    opts.Logger,
		tracer:    otel.Tracer("github.com/nerrad567/packflow/internal/provider"),
		now:       time.Now,
	}
	for f, list := range families {
		g.families[f] = append([]Candidate(nil), list...)
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.budget <= 0 {
		g.budget = defaultBudget
	}
	if g.maxTokens <= 0 {
		g.maxTokens = defaultMaxTokens
	}
	if g.logger == nil {
		g.logger = noopLogger{}
	}
	return g
}

// providerAliases maps step hints and model prefixes to provider names.
var providerAliases = []struct {
	prefix   string
	provider string
}{
	{"gemini", ProviderGemini},
	{"claude", ProviderAnthropic},
	{"anthropic", ProviderAnthropic},
	{"openai", ProviderOpenAI},
	{"gpt", ProviderOpenAI},
}

// Candidates returns the ordered candidate list for family, with any
// candidate matching hint moved to the front. A hint naming a concrete
// model that is not in the family list is prepended as its own candidate.
func (g *Gateway) Candidates(family Family, hint string) ([]Candidate, error) {
	base, ok := g.families[family]
	if !ok || len(base) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}

	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return append([]Candidate(nil), base...), nil
	}

	var provider string
	for _, a := range providerAliases {
		if strings.HasPrefix(hint, a.prefix) {
			provider = a.provider
			break
		}
	}
	if provider == "" {
		return append([]Candidate(nil), base...), nil
	}

	isAlias := false
	for _, a := range providerAliases {
		if hint == a.prefix {
			isAlias = true
			break
		}
	}

	out := make([]Candidate, 0, len(base)+1)
	if isAlias {
		for _, c := range base {
			if c.Provider == provider {
				out = append(out, c)
			}
		}
		for _, c := range base {
			if c.Provider != provider {
				out = append(out, c)
			}
		}
		return out, nil
	}

	pinned := Candidate{Provider: provider, Model: hint}
	out = append(out, pinned)
	for _, c := range base {
		if c != pinned {
			out = append(out, c)
		}
	}
	return out, nil
}

// Invoke tries the call's candidates in order under the shared budget and
// returns the first success. When no candidate succeeds the error is an
// *ExhaustedError listing every attempt.
func (g *Gateway) Invoke(ctx context.Context, call Call) (*Result, error) {
	cands, err := g.Candidates(call.Family, call.Hint)
	if err != nil {
		return nil, err
	}
	if call.Format == "" {
		call.Format = FormatText
	}

	budgetCtx, cancel := context.WithTimeout(ctx, g.budget)
	defer cancel()

	budgetCtx, span := g.tracer.Start(budgetCtx, "provider.invoke", trace.WithAttributes(
		attribute.String("provider.family", string(call.Family)),
		attribute.String("provider.format", string(call.Format)),
		attribute.Int("provider.candidates", len(cands)),
	))
	defer span.End()

	req := Request{
		Prompt:      call.Prompt,
		Format:      call.Format,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.maxTokens
	}

	attempts := make([]Attempt, 0, len(cands))
	for _, cand := range cands {
		if ctx.Err() != nil {
			attempts = append(attempts, Attempt{Candidate: cand, Err: ctx.Err()})
			break
		}

		start := g.now()
		comp, err := g.try(budgetCtx, cand, req)
		elapsed := g.now().Sub(start)
		if err != nil {
			attempts = append(attempts, Attempt{Candidate: cand, Err: err, Duration: elapsed})
			g.logger.Warn("model candidate failed",
				"family", call.Family,
				"candidate", cand.String(),
				"error", err,
			)
			continue
		}

		attempts = append(attempts, Attempt{Candidate: cand, Duration: elapsed})
		res := g.buildResult(call, cand, comp, elapsed)
		res.Attempts = attempts

		span.SetAttributes(
			attribute.String("provider.name", cand.Provider),
			attribute.String("provider.model", cand.Model),
			attribute.Int("provider.attempts", len(attempts)),
		)
		return res, nil
	}

	exhausted := &ExhaustedError{Family: call.Family, Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "all candidates failed")
	return nil, exhausted
}

// InvokeOrFallback behaves like Invoke but never fails: when every
// candidate fails it returns the canned low-confidence payload with
// Fallback set and the attempts that were made.
func (g *Gateway) InvokeOrFallback(ctx context.Context, call Call) *Result {
	res, err := g.Invoke(ctx, call)
	if err == nil {
		return res
	}

	out := FallbackOutput(call.Format)
	fb := &Result{Output: out, Fallback: true}
	if call.Format == FormatJSON {
		b, _ := json.Marshal(out) //nolint:errcheck // static map
		fb.Text = string(b)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		fb.Attempts = exhausted.Attempts
	}
	return fb
}

// try runs a single candidate. Configuration errors return before any
// time is spent on the call.
func (g *Gateway) try(ctx context.Context, cand Candidate, req Request) (Completion, error) {
	client, err := g.clients.Get(ctx, cand.Provider)
	if err != nil {
		return Completion{}, err
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, &ProviderError{Provider: cand.Provider, Model: cand.Model, Timeout: true, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	comp, err := client.Complete(callCtx, cand.Model, req)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				pe.Timeout = true
			}
			return Completion{}, pe
		}
		return Completion{}, &ProviderError{
			Provider: cand.Provider,
			Model:    cand.Model,
			Timeout:  errors.Is(callCtx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}
	return comp, nil
}

func (g *Gateway) buildResult(call Call, cand Candidate, comp Completion, elapsed time.Duration) *Result {
	usage := Usage{
		Provider:     cand.Provider,
		Model:        cand.Model,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		LatencyMS:    elapsed.Milliseconds(),
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = EstimateTokens(call.Prompt)
		usage.OutputTokens = EstimateTokens(comp.Text)
		usage.Estimated = true
	}
	usage.CostUSD = Cost(cand.Model, usage.InputTokens, usage.OutputTokens)

	res := &Result{Text: comp.Text, Usage: usage, Candidate: cand}
	if call.Format == FormatJSON {
		res.Output = ParseJSONOutput(comp.Text)
	} else {
		res.Output = comp.Text
	}
	return res
}
