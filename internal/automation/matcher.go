package automation

import (
	"context"
	"fmt"
)

// TriggerLister is the trigger query the matcher needs.
type TriggerLister interface {
	ListActiveTriggers(ctx context.Context, eventName string) ([]Trigger, error)
}

// Matcher selects the triggers an event fires.
type Matcher struct {
	triggers TriggerLister
	logger   Logger
}

// NewMatcher creates a matcher over the given trigger source.
func NewMatcher(triggers TriggerLister) *Matcher {
	return &Matcher{triggers: triggers, logger: noopLogger{}}
}

// SetLogger sets the logger for the matcher.
func (m *Matcher) SetLogger(logger Logger) {
	m.logger = logger
}

// Match returns the active triggers for eventName whose condition rules
// hold against payload. A trigger with malformed rules is logged and
// skipped.
func (m *Matcher) Match(ctx context.Context, eventName string, payload map[string]any) ([]Trigger, error) {
	candidates, err := m.triggers.ListActiveTriggers(ctx, eventName)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}

	matched := make([]Trigger, 0, len(candidates))
	for _, t := range candidates {
		if !t.IsActive || t.EventName != eventName {
			continue
		}
		ok, err := EvaluateConditions(t.ConditionRules, payload)
		if err != nil {
			m.logger.Warn("skipping trigger with invalid conditions",
				"trigger_id", t.ID,
				"event", eventName,
				"error", err,
			)
			continue
		}
		if ok {
			matched = append(matched, t)
		}
	}
	return matched, nil
}
