package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TargetHandler writes one output into a downstream domain table.
type TargetHandler interface {
	ApplyOutput(ctx context.Context, scope Scope, payload any) error
}

// TargetHandlerFunc adapts a function to TargetHandler.
type TargetHandlerFunc func(ctx context.Context, scope Scope, payload any) error

// ApplyOutput calls f.
func (f TargetHandlerFunc) ApplyOutput(ctx context.Context, scope Scope, payload any) error {
	return f(ctx, scope, payload)
}

// TargetRegistry is the open set of output target handlers.
type TargetRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TargetHandler
}

// NewTargetRegistry creates an empty registry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{handlers: make(map[string]TargetHandler)}
}

// Register adds or replaces the handler for target.
func (r *TargetRegistry) Register(target string, h TargetHandler) {
	r.mu.Lock()
	r.handlers[target] = h
	r.mu.Unlock()
}

// Handler returns the handler for target.
func (r *TargetRegistry) Handler(target string) (TargetHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[target]
	return h, ok
}

// Targets returns the registered target names, sorted.
func (r *TargetRegistry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Applier writes execution outputs through registered handlers.
type Applier struct {
	registry *TargetRegistry
	logger   Logger
}

// NewApplier creates an applier over registry.
func NewApplier(registry *TargetRegistry) *Applier {
	return &Applier{registry: registry, logger: noopLogger{}}
}

// SetLogger sets the logger for the applier.
func (a *Applier) SetLogger(logger Logger) {
	a.logger = logger
}

// Apply runs the handler of every target that has both a handler and a
// non-empty output. It returns the targets that applied, in input order
// and without duplicates. A handler error or panic only excludes its own
// target.
func (a *Applier) Apply(ctx context.Context, targets []string, outputs map[string]any, scope Scope) []string {
	applied := make([]string, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))

	for _, target := range targets {
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}

		h, ok := a.registry.Handler(target)
		if !ok {
			a.logger.Debug("no handler for output target", "target", target)
			continue
		}
		payload, ok := outputs[target]
		if !ok || isEmptyOutput(payload) {
			continue
		}

		if err := a.applyOne(ctx, target, h, scope, payload); err != nil {
			a.logger.Warn("output target failed", "target", target, "error", err)
			continue
		}
		applied = append(applied, target)
	}
	return applied
}

func (a *Applier) applyOne(ctx context.Context, target string, h TargetHandler, scope Scope, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TargetError{Target: target, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h.ApplyOutput(ctx, scope, payload); err != nil {
		return &TargetError{Target: target, Err: err}
	}
	return nil
}

func isEmptyOutput(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}
