package automation

import (
	"errors"
	"fmt"
)

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrExecutionNotFound) {
//	    // handle not found case
//	}
var (
	// ErrPackNotFound is returned when a pack ID or slug does not exist.
	ErrPackNotFound = errors.New("automation: pack not found")

	// ErrTriggerNotFound is returned when a trigger ID does not exist.
	ErrTriggerNotFound = errors.New("automation: trigger not found")

	// ErrEventNotFound is returned when an event ID does not exist.
	ErrEventNotFound = errors.New("automation: event not found")

	// ErrEventProcessed is returned when marking an already processed event.
	ErrEventProcessed = errors.New("automation: event already processed")

	// ErrExecutionNotFound is returned when an execution ID does not exist.
	ErrExecutionNotFound = errors.New("automation: execution not found")

	// ErrExecutionTerminal is returned when running an execution that has
	// already completed or failed.
	ErrExecutionTerminal = errors.New("automation: execution already finished")

	// ErrExecutionRunning is returned when asked to run an execution that
	// another caller already owns.
	ErrExecutionRunning = errors.New("automation: execution already running")

	// ErrVersionConflict is returned when an update loses an optimistic
	// version check against a concurrent writer.
	ErrVersionConflict = errors.New("automation: version conflict")

	// ErrChainNotFound is returned when a chain ID does not exist.
	ErrChainNotFound = errors.New("automation: chain not found")

	// ErrChainInactive is returned when starting a disabled chain.
	ErrChainInactive = errors.New("automation: chain inactive")

	// ErrChainExecutionNotFound is returned when a chain execution ID does not exist.
	ErrChainExecutionNotFound = errors.New("automation: chain execution not found")

	// ErrChainNotRunning is returned when cancelling or advancing a chain
	// execution that is no longer running.
	ErrChainNotRunning = errors.New("automation: chain execution not running")

	// ErrInvalidEvent is returned when an emit request has no event name.
	ErrInvalidEvent = errors.New("automation: event_name is required")

	// ErrInvalidPack is returned when pack validation fails.
	ErrInvalidPack = errors.New("automation: invalid pack")

	// ErrInvalidTrigger is returned when trigger validation fails.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidChain is returned when chain validation fails.
	ErrInvalidChain = errors.New("automation: invalid chain")

	// ErrInvalidCondition is returned for malformed condition rules.
	ErrInvalidCondition = errors.New("automation: invalid condition rule")
)

// TargetError records a failed output target. It is logged by the applier
// and never returned past it.
type TargetError struct {
	Target string
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("applying output to %s: %v", e.Target, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }
