package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionKind says what the orchestrator should do after a chain step.
type ActionKind int

const (
	// ActionContinue runs the next step immediately.
	ActionContinue ActionKind = iota
	// ActionSuspend stops until the next step is due at NextAction.At.
	ActionSuspend
	// ActionDone stops for good: the chain is terminal or no longer running.
	ActionDone
)

func (k ActionKind) String() string {
	switch k {
	case ActionContinue:
		return "continue"
	case ActionSuspend:
		return "suspend"
	default:
		return "done"
	}
}

// NextAction is the result of one chain step.
type NextAction struct {
	Kind ActionKind
	At   time.Time
}

// chainStepEvent is recorded as the trigger event of executions started
// by a chain.
const chainStepEvent = "chain_step"

// Orchestrator runs chains one step at a time. Each step returns a
// NextAction instead of calling the next step, so a delayed step is a
// persisted suspension that Advance resumes.
type Orchestrator struct {
	repo   Repository
	packs  PackSource
	engine *Engine
	logger Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewOrchestrator creates a chain orchestrator that runs steps through
// engine and shares its collaborators.
func NewOrchestrator(engine *Engine) *Orchestrator {
	return &Orchestrator{
		repo:   engine.repo,
		packs:  engine.packs,
		engine: engine,
		logger: engine.logger,
		tracer: engine.tracer,
		now:    engine.now,
	}
}

// StartChain creates a chain execution and runs it from step 0 until it
// finishes, fails or reaches a delayed step.
func (o *Orchestrator) StartChain(ctx context.Context, chainID string, scope Scope, initialContext map[string]any) (*ChainExecution, error) {
	chain, err := o.repo.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !chain.IsActive {
		return nil, ErrChainInactive
	}
	if len(chain.Steps) == 0 {
		return nil, fmt.Errorf("%w: chain %s has no steps", ErrInvalidChain, chainID)
	}

	if initialContext == nil {
		initialContext = map[string]any{}
	}
	started := o.now().UTC()
	ce := &ChainExecution{
		ID:          GenerateID(),
		ChainID:     chain.ID,
		CurrentStep: 0,
		TotalSteps:  len(chain.Steps),
		StepResults: []StepRecord{{Step: 0, Context: deepCopyMap(initialContext)}},
		Context:     deepCopyMap(initialContext),
		Status:      ChainRunning,
		StartedAt:   &started,
		Scope:       scope,
	}
	if err := o.repo.CreateChainExecution(ctx, ce); err != nil {
		return nil, err
	}

	o.logger.Info("chain started",
		"chain_execution_id", ce.ID,
		"chain", chain.Name,
		"steps", ce.TotalSteps,
	)
	o.notify(ce)

	if err := o.drive(ctx, ce.ID); err != nil {
		return nil, err
	}
	return o.repo.GetChainExecution(ctx, ce.ID)
}

// Advance resumes a running chain execution whose delayed step is due.
// A chain that is not yet due is returned unchanged.
func (o *Orchestrator) Advance(ctx context.Context, chainExecutionID string) (*ChainExecution, error) {
	ce, err := o.repo.GetChainExecution(ctx, chainExecutionID)
	if err != nil {
		return nil, err
	}
	if ce.Status != ChainRunning {
		return ce, ErrChainNotRunning
	}
	if ce.NextStepAt != nil && ce.NextStepAt.After(o.now()) {
		return ce, nil
	}

	// Clearing next_step_at is the claim: a second concurrent Advance
	// fails the version check.
	ce.NextStepAt = nil
	if err := o.repo.UpdateChainExecution(ctx, ce); err != nil {
		return nil, err
	}

	if err := o.drive(ctx, ce.ID); err != nil {
		return nil, err
	}
	return o.repo.GetChainExecution(ctx, ce.ID)
}

// Cancel marks a running chain execution cancelled. A step already in
// flight finishes but no further step starts.
func (o *Orchestrator) Cancel(ctx context.Context, chainExecutionID string) (*ChainExecution, error) {
	ce, err := o.repo.GetChainExecution(ctx, chainExecutionID)
	if err != nil {
		return nil, err
	}
	if ce.Status != ChainRunning {
		return ce, ErrChainNotRunning
	}

	completed := o.now().UTC()
	ce.Status = ChainCancelled
	ce.NextStepAt = nil
	ce.CompletedAt = &completed
	if err := o.repo.UpdateChainExecution(ctx, ce); err != nil {
		return nil, err
	}

	o.logger.Info("chain cancelled", "chain_execution_id", ce.ID, "current_step", ce.CurrentStep)
	o.notify(ce)
	o.recordOutcome(ce)
	return ce, nil
}

// stepAbandoned fails the chain that owned an execution the sweeper gave
// up on. current_step stays on the abandoned step. A chain that already
// stopped or moved past that step is left alone.
func (o *Orchestrator) stepAbandoned(ctx context.Context, exec *Execution) error {
	if exec.ChainExecutionID == "" {
		return nil
	}
	ce, err := o.repo.GetChainExecution(ctx, exec.ChainExecutionID)
	if err != nil {
		return err
	}
	if ce.Status != ChainRunning {
		return nil
	}
	idx := ce.CurrentStep
	if exec.ChainStep != nil {
		idx = *exec.ChainStep
	}
	if idx != ce.CurrentStep {
		return nil
	}
	return o.failChain(ctx, ce, fmt.Sprintf("step %d failed: %s", idx, exec.ErrorMessage))
}

// GetChainExecution returns a chain execution's current state.
func (o *Orchestrator) GetChainExecution(ctx context.Context, chainExecutionID string) (*ChainExecution, error) {
	return o.repo.GetChainExecution(ctx, chainExecutionID)
}

// drive runs steps until one of them returns something other than
// ActionContinue.
func (o *Orchestrator) drive(ctx context.Context, chainExecutionID string) error {
	for {
		next, err := o.step(ctx, chainExecutionID)
		if err != nil {
			return err
		}
		if next.Kind != ActionContinue {
			return nil
		}
	}
}

// step runs exactly one chain step. The chain execution is re-read first
// so a cancellation written by anyone is honoured before the step starts.
func (o *Orchestrator) step(ctx context.Context, chainExecutionID string) (NextAction, error) {
	ce, err := o.repo.GetChainExecution(ctx, chainExecutionID)
	if err != nil {
		return NextAction{}, err
	}
	if ce.Status != ChainRunning {
		return NextAction{Kind: ActionDone}, nil
	}

	chain, err := o.repo.GetChain(ctx, ce.ChainID)
	if err != nil {
		return NextAction{Kind: ActionDone}, o.failChain(ctx, ce, fmt.Sprintf("loading chain: %v", err))
	}
	if ce.CurrentStep >= len(chain.Steps) {
		return NextAction{Kind: ActionDone}, o.failChain(ctx, ce,
			fmt.Sprintf("step %d is outside the chain's %d steps", ce.CurrentStep, len(chain.Steps)))
	}

	idx := ce.CurrentStep
	cs := chain.Steps[idx]

	ctx, span := o.tracer.Start(ctx, "automation.chain_step", trace.WithAttributes(
		attribute.String("chain_execution.id", ce.ID),
		attribute.Int("chain.step", idx),
	))
	defer span.End()

	pack, err := o.resolvePack(ctx, cs)
	if err != nil {
		span.SetStatus(codes.Error, "pack not resolved")
		return NextAction{Kind: ActionDone}, o.failChain(ctx, ce, fmt.Sprintf("step %d: %v", idx, err))
	}

	started := o.now().UTC()
	exec := &Execution{
		ID:               GenerateID(),
		ChainExecutionID: ce.ID,
		ChainStep:        &idx,
		PackID:           pack.ID,
		TriggerEvent:     chainStepEvent,
		TriggerPayload:   deepCopyMap(ce.Context),
		AutoApplyOutputs: true,
		OutputTargets:    append([]string{}, cs.ApplyTo...),
		Status:           StatusRunning,
		StartedAt:        &started,
		TotalSteps:       len(pack.Steps),
		Scope:            ce.Scope,
	}
	if err := o.repo.CreateExecution(ctx, exec); err != nil {
		return NextAction{Kind: ActionDone}, o.failChain(ctx, ce, fmt.Sprintf("step %d: %v", idx, err))
	}

	result, err := o.engine.run(ctx, exec)
	if err != nil {
		span.RecordError(err)
		if failErr := o.failChain(ctx, ce, fmt.Sprintf("step %d: %v", idx, err)); failErr != nil {
			return NextAction{Kind: ActionDone}, failErr
		}
		return NextAction{Kind: ActionDone}, err
	}
	if result.Status == StatusFailed {
		span.SetStatus(codes.Error, result.ErrorMessage)
		return NextAction{Kind: ActionDone}, o.failChain(ctx, ce,
			fmt.Sprintf("step %d failed: %s", idx, result.ErrorMessage))
	}

	stepResult := map[string]any{
		"execution_id": result.ID,
		"outputs":      result.Outputs,
		"applied_to":   result.AppliedTo,
	}
	next := o.recordStep(ce, chain, idx, stepResult)

	if err := o.repo.UpdateChainExecution(ctx, ce); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			return NextAction{Kind: ActionDone}, err
		}
		// Someone wrote the chain while the step ran, normally a cancel.
		// Keep the finished step's result on the latest record.
		latest, getErr := o.repo.GetChainExecution(ctx, ce.ID)
		if getErr != nil {
			return NextAction{Kind: ActionDone}, getErr
		}
		if latest.Status == ChainRunning {
			return NextAction{Kind: ActionDone}, err
		}
		o.recordStep(latest, chain, idx, stepResult)
		if err := o.repo.UpdateChainExecution(ctx, latest); err != nil {
			return NextAction{Kind: ActionDone}, err
		}
		o.notify(latest)
		return NextAction{Kind: ActionDone}, nil
	}

	o.logger.Info("chain step completed",
		"chain_execution_id", ce.ID,
		"step", idx,
		"execution_id", result.ID,
		"next", next.Kind.String(),
	)
	o.notify(ce)
	if ce.Status == ChainCompleted {
		o.recordOutcome(ce)
	}
	return next, nil
}

// recordStep appends a finished step to ce and decides what comes next.
// A record that is no longer running keeps its status.
func (o *Orchestrator) recordStep(ce *ChainExecution, chain *Chain, idx int, stepResult map[string]any) NextAction {
	ce.StepResults = append(ce.StepResults, StepRecord{Step: idx, Result: stepResult})
	ce.CurrentStep = idx + 1
	if ce.Context == nil {
		ce.Context = map[string]any{}
	}
	ce.Context["previous_step_result"] = stepResult
	ce.NextStepAt = nil

	if ce.Status != ChainRunning {
		return NextAction{Kind: ActionDone}
	}

	if ce.CurrentStep >= ce.TotalSteps || ce.CurrentStep >= len(chain.Steps) {
		completed := o.now().UTC()
		ce.Status = ChainCompleted
		ce.CompletedAt = &completed
		return NextAction{Kind: ActionDone}
	}

	if delay := chain.Steps[ce.CurrentStep].DelaySeconds; delay > 0 {
		at := o.now().UTC().Add(time.Duration(delay) * time.Second)
		ce.NextStepAt = &at
		return NextAction{Kind: ActionSuspend, At: at}
	}
	return NextAction{Kind: ActionContinue}
}

// resolvePack finds a chain step's pack, preferring the ID.
func (o *Orchestrator) resolvePack(ctx context.Context, cs ChainStep) (*Pack, error) {
	if cs.PackID != "" {
		return o.packs.GetPack(ctx, cs.PackID)
	}
	if cs.PackSlug != "" {
		return o.packs.GetPackBySlug(ctx, cs.PackSlug)
	}
	return nil, ErrPackNotFound
}

// failChain records a chain failure. current_step is left on the step
// that failed.
func (o *Orchestrator) failChain(ctx context.Context, ce *ChainExecution, reason string) error {
	completed := o.now().UTC()
	ce.Status = ChainFailed
	ce.ErrorMessage = reason
	ce.NextStepAt = nil
	ce.CompletedAt = &completed

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.repo.UpdateChainExecution(wctx, ce); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			o.logger.Warn("chain changed before failure was recorded",
				"chain_execution_id", ce.ID,
				"reason", reason,
			)
			return nil
		}
		return fmt.Errorf("recording chain failure: %w", err)
	}

	o.logger.Warn("chain failed",
		"chain_execution_id", ce.ID,
		"current_step", ce.CurrentStep,
		"reason", reason,
	)
	o.notify(ce)
	o.recordOutcome(ce)
	return nil
}

func (o *Orchestrator) notify(ce *ChainExecution) {
	status := map[string]any{
		"chain_execution_id": ce.ID,
		"chain_id":           ce.ChainID,
		"status":             string(ce.Status),
		"current_step":       ce.CurrentStep,
		"total_steps":        ce.TotalSteps,
	}
	if ce.NextStepAt != nil {
		status["next_step_at"] = ce.NextStepAt.UTC().Format(time.RFC3339)
	}
	if ce.ErrorMessage != "" {
		status["error_message"] = ce.ErrorMessage
	}
	if ce.UserID != "" {
		status["user_id"] = ce.UserID
	}

	if o.engine.mqtt != nil {
		if err := o.engine.mqtt.PublishJSON(o.engine.mqtt.Topics().ChainStatus(ce.ID), status); err != nil {
			o.logger.Debug("chain status not published", "chain_execution_id", ce.ID, "error", err)
		}
	}
	if o.engine.hub != nil {
		o.engine.hub.Broadcast(ChannelChainUpdated, status)
	}
}

// recordOutcome writes the chain metric once the chain has stopped for good.
func (o *Orchestrator) recordOutcome(ce *ChainExecution) {
	if o.engine.metrics == nil || ce.StartedAt == nil || ce.CompletedAt == nil {
		return
	}
	o.engine.metrics.WriteChain(ce.ChainID, string(ce.Status), ce.CurrentStep, ce.CompletedAt.Sub(*ce.StartedAt))
}
