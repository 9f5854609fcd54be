package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/packflow/internal/infrastructure/mqtt"
)

// StatusPublisher is the interface for publishing retained status messages.
type StatusPublisher interface {
	// PublishJSON encodes v and publishes it retained on topic.
	PublishJSON(topic string, v any) error

	// Topics returns the topic builder for the connected prefix.
	Topics() mqtt.Topics
}

// WSHub is the interface for broadcasting WebSocket events.
type WSHub interface {
	// Broadcast sends an event to all clients subscribed to the given channel.
	Broadcast(channel string, payload any)
}

// Metrics is the interface for recording engine measurements.
type Metrics interface {
	WriteModelCall(provider, model, packID string, inputTokens, outputTokens int, costUSD float64, latency time.Duration, ok bool)
	WriteExecution(packID, status string, stepsCompleted int, duration time.Duration)
	WriteEvent(eventName, source string, triggered int)
	WriteChain(chainID, status string, stepsCompleted int, duration time.Duration)
}

// WebSocket channels.
const (
	ChannelExecutionUpdated = "execution.updated"
	ChannelChainUpdated     = "chain.updated"
)

// persistTimeout bounds terminal writes made after the run context ended.
const persistTimeout = 10 * time.Second

// defaultMaxExecutionTime applies when EngineDeps leaves it unset.
const defaultMaxExecutionTime = 10 * time.Minute

// EngineDeps wires the engine's collaborators. MQTT, Hub and Metrics may
// be nil.
type EngineDeps struct {
	Repo    Repository
	Packs   PackSource
	Context *ContextBuilder
	Steps   *StepExecutor
	Applier *Applier

	MQTT    StatusPublisher
	Hub     WSHub
	Metrics Metrics
	Logger  Logger

	// MaxExecutionTime bounds one run of a pack.
	MaxExecutionTime time.Duration
}

// Engine runs pack executions.
//
// It claims an execution, builds the template context, runs the pack's
// steps in order while persisting progress after each one, applies the
// outputs when the execution asks for it, and records a terminal state.
//
// Thread Safety: Run is safe for concurrent use. Two callers racing on the
// same execution are separated by the version check on the claim.
type Engine struct {
	repo    Repository
	packs   PackSource
	context *ContextBuilder
	steps   *StepExecutor
	applier *Applier
	mqtt    StatusPublisher
	hub     WSHub
	metrics Metrics
	logger  Logger
	tracer  trace.Tracer
	maxRun  time.Duration
	now     func() time.Time
}

// NewEngine creates a new execution engine.
func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		repo:    deps.Repo,
		packs:   deps.Packs,
		context: deps.Context,
		steps:   deps.Steps,
		applier: deps.Applier,
		mqtt:    deps.MQTT,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		tracer:  otel.Tracer("github.com/nerrad567/packflow/internal/automation"),
		maxRun:  deps.MaxExecutionTime,
		now:     time.Now,
	}
	if e.packs == nil {
		e.packs = deps.Repo
	}
	if e.context == nil {
		e.context = NewContextBuilder(nil)
	}
	if e.applier == nil {
		e.applier = NewApplier(NewTargetRegistry())
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	if e.maxRun <= 0 {
		e.maxRun = defaultMaxExecutionTime
	}
	return e
}

// Run drives a pending execution to a terminal state.
//
// Returns:
//   - the execution as it ended, including when it ended failed
//   - ErrExecutionNotFound if the execution doesn't exist
//   - ErrExecutionTerminal if it already completed or failed
//   - ErrExecutionRunning if another runner owns it
//   - ErrVersionConflict if a concurrent caller claimed it first
func (e *Engine) Run(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	switch {
	case exec.Status.Terminal():
		return exec, ErrExecutionTerminal
	case exec.Status == StatusRunning:
		return exec, ErrExecutionRunning
	}

	if err := e.claim(ctx, exec); err != nil {
		return nil, err
	}
	return e.run(ctx, exec)
}

// claim moves a pending execution to running.
func (e *Engine) claim(ctx context.Context, exec *Execution) error {
	started := e.now().UTC()
	exec.Status = StatusRunning
	exec.StartedAt = &started
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("claiming execution %s: %w", exec.ID, err)
	}
	e.notify(exec)
	return nil
}

// run executes the steps of an execution that is already running and
// owned by the caller.
func (e *Engine) run(ctx context.Context, exec *Execution) (*Execution, error) { //nolint:gocognit // step loop with progress, ledger and failure paths
	ctx, cancel := context.WithTimeout(ctx, e.maxRun)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "automation.run", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("pack.id", exec.PackID),
	))
	defer span.End()

	start := e.now()

	pack, err := e.packs.GetPack(ctx, exec.PackID)
	if err != nil {
		if errors.Is(err, ErrPackNotFound) {
			return e.fail(ctx, span, exec, start, "pack not found")
		}
		return e.fail(ctx, span, exec, start, fmt.Sprintf("loading pack: %v", err))
	}
	if !pack.IsActive {
		return e.fail(ctx, span, exec, start, "pack is inactive")
	}

	tmplCtx, err := e.context.Build(ctx, exec.Scope)
	if err != nil {
		return e.fail(ctx, span, exec, start, fmt.Sprintf("building context: %v", err))
	}
	tmplCtx["event"] = exec.TriggerPayload
	if exec.ChainExecutionID != "" {
		for k, v := range exec.TriggerPayload {
			tmplCtx[k] = v
		}
	}

	exec.TotalSteps = len(pack.Steps)
	if exec.Outputs == nil {
		exec.Outputs = map[string]any{}
	}

	e.logger.Info("execution started",
		"execution_id", exec.ID,
		"pack", pack.Slug,
		"steps", len(pack.Steps),
	)

	previous := make([]any, 0, len(pack.Steps))
	for _, step := range pack.Steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.fail(ctx, span, exec, start, fmt.Sprintf("step %d not started: %v", step.StepOrder, ctxErr))
		}

		res, stepErr := e.steps.ExecuteStep(ctx, step, tmplCtx, previous)
		e.recordRun(ctx, exec, step, res, stepErr)
		if stepErr != nil {
			return e.fail(ctx, span, exec, start, stepErr.Error())
		}

		previous = append(previous, res.Output)
		for _, target := range step.ApplyTo {
			exec.Outputs[target] = res.Output
		}
		exec.StepsCompleted++

		if err := e.repo.UpdateExecution(ctx, exec); err != nil {
			span.RecordError(err)
			if errors.Is(err, ErrVersionConflict) {
				return nil, fmt.Errorf("recording progress of %s: %w", exec.ID, err)
			}
			return e.fail(ctx, span, exec, start, fmt.Sprintf("recording progress after step %d: %v", step.StepOrder, err))
		}
		e.notify(exec)

		e.logger.Debug("execution step completed",
			"execution_id", exec.ID,
			"step", step.StepOrder,
			"fallback", res.Fallback,
		)
	}

	applied := []string{}
	if exec.AutoApplyOutputs {
		applied = e.applier.Apply(ctx, exec.OutputTargets, exec.Outputs, exec.Scope)
	}
	return e.complete(ctx, span, exec, start, applied)
}

func (e *Engine) complete(ctx context.Context, span trace.Span, exec *Execution, start time.Time, applied []string) (*Execution, error) {
	completed := e.now().UTC()
	exec.Status = StatusCompleted
	exec.AppliedTo = applied
	exec.CompletedAt = &completed

	if err := e.persistTerminal(ctx, exec); err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.finish(exec, start)
	return exec, nil
}

// fail records a terminal failure. The returned error is nil unless the
// failure itself could not be stored.
func (e *Engine) fail(ctx context.Context, span trace.Span, exec *Execution, start time.Time, reason string) (*Execution, error) {
	completed := e.now().UTC()
	exec.Status = StatusFailed
	exec.ErrorMessage = reason
	exec.CompletedAt = &completed
	if exec.AppliedTo == nil {
		exec.AppliedTo = []string{}
	}

	span.SetStatus(codes.Error, reason)
	if err := e.persistTerminal(ctx, exec); err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.finish(exec, start)
	return exec, nil
}

// persistTerminal writes a terminal state even when the run context has
// already expired.
func (e *Engine) persistTerminal(ctx context.Context, exec *Execution) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.repo.UpdateExecution(wctx, exec); err != nil {
		e.logger.Error("failed to record execution outcome",
			"execution_id", exec.ID,
			"status", exec.Status,
			"error", err,
		)
		return fmt.Errorf("recording outcome of %s: %w", exec.ID, err)
	}
	return nil
}

func (e *Engine) finish(exec *Execution, start time.Time) {
	duration := e.now().Sub(start)

	e.logger.Info("execution finished",
		"execution_id", exec.ID,
		"status", exec.Status,
		"steps_completed", exec.StepsCompleted,
		"applied_to", exec.AppliedTo,
		"duration_ms", duration.Milliseconds(),
		"error", exec.ErrorMessage,
	)

	if e.metrics != nil {
		e.metrics.WriteExecution(exec.PackID, string(exec.Status), exec.StepsCompleted, duration)
	}
	e.notify(exec)
}

// Abandon fails a running execution whose runner is gone. It loses to any
// concurrent writer through the version check.
func (e *Engine) Abandon(ctx context.Context, exec *Execution, reason string) error {
	if exec.Status != StatusRunning {
		return ErrExecutionTerminal
	}
	completed := e.now().UTC()
	exec.Status = StatusFailed
	exec.ErrorMessage = reason
	exec.CompletedAt = &completed
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	e.logger.Warn("abandoned execution failed",
		"execution_id", exec.ID,
		"reason", reason,
	)
	if e.metrics != nil && exec.StartedAt != nil {
		e.metrics.WriteExecution(exec.PackID, string(exec.Status), exec.StepsCompleted, completed.Sub(*exec.StartedAt))
	}
	e.notify(exec)
	return nil
}

// recordRun writes the usage ledger row for one step. Ledger failures are
// logged and do not affect the execution.
func (e *Engine) recordRun(ctx context.Context, exec *Execution, step PackStep, res *StepResult, stepErr error) {
	if res == nil {
		return
	}

	run := &PackRun{
		ExecutionID:  exec.ID,
		PackID:       exec.PackID,
		StepOrder:    step.StepOrder,
		Provider:     res.Usage.Provider,
		Model:        res.Usage.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      res.Usage.CostUSD,
		DurationMS:   res.Usage.LatencyMS,
		Status:       RunCompleted,
	}
	switch {
	case stepErr != nil:
		run.Status = RunFailed
		run.ErrorMessage = stepErr.Error()
	case res.Fallback:
		run.Status = RunFallback
		if res.FallbackReason != nil {
			run.ErrorMessage = res.FallbackReason.Error()
		}
	}
	if run.DurationMS == 0 {
		for _, a := range res.Attempts {
			run.DurationMS += a.Duration.Milliseconds()
		}
	}

	if err := e.repo.RecordPackRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("failed to record pack run",
			"execution_id", exec.ID,
			"step", step.StepOrder,
			"error", err,
		)
	}

	if e.metrics != nil {
		e.metrics.WriteModelCall(run.Provider, run.Model, exec.PackID,
			run.InputTokens, run.OutputTokens, run.CostUSD,
			time.Duration(run.DurationMS)*time.Millisecond, run.Status == RunCompleted)
	}
}

// notify publishes the execution's status on MQTT and WebSocket.
func (e *Engine) notify(exec *Execution) {
	status := map[string]any{
		"execution_id":    exec.ID,
		"pack_id":         exec.PackID,
		"status":          string(exec.Status),
		"steps_completed": exec.StepsCompleted,
		"total_steps":     exec.TotalSteps,
	}
	if exec.ErrorMessage != "" {
		status["error_message"] = exec.ErrorMessage
	}
	if exec.ChainExecutionID != "" {
		status["chain_execution_id"] = exec.ChainExecutionID
	}
	if exec.UserID != "" {
		status["user_id"] = exec.UserID
	}

	if e.mqtt != nil {
		if err := e.mqtt.PublishJSON(e.mqtt.Topics().ExecutionStatus(exec.ID), status); err != nil {
			e.logger.Debug("execution status not published", "execution_id", exec.ID, "error", err)
		}
	}
	if e.hub != nil {
		e.hub.Broadcast(ChannelExecutionUpdated, status)
	}
}
