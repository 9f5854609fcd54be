package automation

import (
	"context"
	"fmt"
)

// WorkspaceReader loads the domain records a prompt can reference. A
// record that does not exist is returned as a nil map with a nil error.
type WorkspaceReader interface {
	Profile(ctx context.Context, userID string) (map[string]any, error)
	Startup(ctx context.Context, startupID string) (map[string]any, error)
	Canvas(ctx context.Context, startupID string) (map[string]any, error)
}

// Context keys with a default when the source record lacks them.
const (
	defaultStartupName = "Your startup"
	defaultIndustry    = "technology"
	defaultStage       = "idea"
)

// ContextBuilder flattens workspace records into template variables.
type ContextBuilder struct {
	reader WorkspaceReader
}

// NewContextBuilder creates a builder. A nil reader yields contexts made
// only of defaults.
func NewContextBuilder(reader WorkspaceReader) *ContextBuilder {
	return &ContextBuilder{reader: reader}
}

// Build returns the template context for scope. Absent records become
// empty objects and their derived keys take defaults.
func (b *ContextBuilder) Build(ctx context.Context, scope Scope) (map[string]any, error) {
	profile := map[string]any{}
	startup := map[string]any{}
	canvas := map[string]any{}

	if b.reader != nil {
		if scope.UserID != "" {
			p, err := b.reader.Profile(ctx, scope.UserID)
			if err != nil {
				return nil, fmt.Errorf("loading profile: %w", err)
			}
			if p != nil {
				profile = p
			}
		}
		if scope.HasStartup() {
			s, err := b.reader.Startup(ctx, scope.StartupID)
			if err != nil {
				return nil, fmt.Errorf("loading startup: %w", err)
			}
			if s != nil {
				startup = s
			}
			c, err := b.reader.Canvas(ctx, scope.StartupID)
			if err != nil {
				return nil, fmt.Errorf("loading canvas: %w", err)
			}
			if c != nil {
				canvas = c
			}
		}
	}

	return map[string]any{
		"profile":           profile,
		"startup":           startup,
		"canvas":            canvas,
		"startup_name":      stringOr(startup["name"], defaultStartupName),
		"industry":          stringOr(startup["industry"], defaultIndustry),
		"stage":             stringOr(startup["stage"], defaultStage),
		"problem":           stringOr(canvas["problem"], ""),
		"solution":          stringOr(canvas["solution"], ""),
		"unique_value":      stringOr(canvas["unique_value_proposition"], ""),
		"customer_segments": stringOr(canvas["customer_segments"], ""),
		"revenue_streams":   stringOr(canvas["revenue_streams"], ""),
	}, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
