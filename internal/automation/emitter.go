package automation

import (
	"context"
	"fmt"
	"time"
)

// DefaultEventSource is recorded when an emit does not name its source.
const DefaultEventSource = "frontend"

// EmitRequest is an application event to record and dispatch.
type EmitRequest struct {
	EventName string
	Payload   map[string]any
	Source    string
	Scope     Scope
}

// EmitResult reports what an emit started.
type EmitResult struct {
	EventID              string   `json:"event_id"`
	TriggeredCount       int      `json:"triggered_count"`
	TriggeredAutomations []string `json:"triggered_automations"`
}

// Emitter records events and starts the executions their triggers ask for.
type Emitter struct {
	repo    Repository
	matcher *Matcher
	engine  *Engine
	logger  Logger
	now     func() time.Time
}

// NewEmitter creates an emitter that runs sync executions through engine.
func NewEmitter(engine *Engine, matcher *Matcher) *Emitter {
	return &Emitter{
		repo:    engine.repo,
		matcher: matcher,
		engine:  engine,
		logger:  engine.logger,
		now:     engine.now,
	}
}

// Emit records the event, creates one execution per matching trigger and
// marks the event processed.
//
// A sync trigger's execution is created running and run before Emit
// returns, provided the scope names a startup; without one it is queued
// as pending. The outcome of a sync run never fails the emit.
func (em *Emitter) Emit(ctx context.Context, req EmitRequest) (*EmitResult, error) {
	if err := ValidateEventName(req.EventName); err != nil {
		return nil, err
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.Source == "" {
		req.Source = DefaultEventSource
	}

	event := &Event{
		ID:                   GenerateID(),
		EventName:            req.EventName,
		Payload:              req.Payload,
		Source:               req.Source,
		TriggeredAutomations: []string{},
		Scope:                req.Scope,
	}
	if err := em.repo.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("recording event: %w", err)
	}

	triggers, err := em.matcher.Match(ctx, req.EventName, req.Payload)
	if err != nil {
		return nil, err
	}

	triggered := make([]string, 0, len(triggers))
	var inline []*Execution
	for _, t := range triggers {
		exec := &Execution{
			ID:               GenerateID(),
			TriggerID:        t.ID,
			PackID:           t.PackID,
			TriggerEvent:     req.EventName,
			TriggerPayload:   deepCopyMap(req.Payload),
			AutoApplyOutputs: t.AutoApplyOutputs,
			OutputTargets:    append([]string{}, t.OutputTargets...),
			Status:           StatusPending,
			Scope:            req.Scope,
		}
		runNow := t.ExecutionMode == ModeSync && req.Scope.HasStartup()
		if runNow {
			started := em.now().UTC()
			exec.Status = StatusRunning
			exec.StartedAt = &started
		}

		if err := em.repo.CreateExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("creating execution for trigger %s: %w", t.ID, err)
		}
		triggered = append(triggered, exec.ID)
		if runNow {
			inline = append(inline, exec)
		}
	}

	// Executions now exist, so the caller going away must not strand them
	// running or leave the event unprocessed. run applies its own time limit.
	detached := context.WithoutCancel(ctx)
	for _, exec := range inline {
		em.engine.notify(exec)
		if _, err := em.engine.run(detached, exec); err != nil {
			em.logger.Error("sync execution did not finish",
				"execution_id", exec.ID,
				"event", req.EventName,
				"error", err,
			)
		}
	}

	mctx, cancel := context.WithTimeout(detached, persistTimeout)
	defer cancel()
	if err := em.repo.MarkEventProcessed(mctx, event.ID, triggered, em.now().UTC()); err != nil {
		return nil, fmt.Errorf("marking event processed: %w", err)
	}

	em.logger.Info("event emitted",
		"event_id", event.ID,
		"event", req.EventName,
		"source", req.Source,
		"triggered", len(triggered),
	)
	if em.engine.metrics != nil {
		em.engine.metrics.WriteEvent(req.EventName, req.Source, len(triggered))
	}

	return &EmitResult{
		EventID:              event.ID,
		TriggeredCount:       len(triggered),
		TriggeredAutomations: triggered,
	}, nil
}
