package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestApplier_Apply(t *testing.T) {
	tasks := &recordingHandler{}
	canvas := &recordingHandler{}
	broken := &recordingHandler{err: errors.New("constraint failed")}

	reg := NewTargetRegistry()
	reg.Register("tasks", tasks)
	reg.Register("canvas", canvas)
	reg.Register("validation", broken)
	reg.Register("pitch_deck", TargetHandlerFunc(func(context.Context, Scope, any) error {
		panic("nil deck")
	}))

	outputs := map[string]any{
		"tasks":      []any{"a"},
		"canvas":     map[string]any{"problem": "p"},
		"validation": map[string]any{"score": 3},
		"pitch_deck": map[string]any{"slides": []any{}},
		"profile":    "",
	}
	targets := []string{"tasks", "validation", "pitch_deck", "canvas", "tasks", "profile", "unknown"}

	applied := NewApplier(reg).Apply(context.Background(), targets, outputs, Scope{StartupID: "s1"})

	if diff := cmp.Diff([]string{"tasks", "canvas"}, applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if tasks.count() != 1 {
		t.Errorf("tasks handler ran %d times, want 1", tasks.count())
	}
	if canvas.count() != 1 {
		t.Errorf("canvas handler ran %d times, want 1", canvas.count())
	}
}

func TestApplier_SkipsEmptyOutputs(t *testing.T) {
	h := &recordingHandler{}
	reg := NewTargetRegistry()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		reg.Register(name, h)
	}
	outputs := map[string]any{
		"a": nil,
		"b": "",
		"c": map[string]any{},
		"d": []any{},
	}

	applied := NewApplier(reg).Apply(context.Background(), []string{"a", "b", "c", "d", "e"}, outputs, Scope{})
	if len(applied) != 0 {
		t.Errorf("applied = %v, want none", applied)
	}
	if h.count() != 0 {
		t.Errorf("handler ran %d times, want 0", h.count())
	}
}

func TestApplier_PanicBecomesTargetError(t *testing.T) {
	a := NewApplier(NewTargetRegistry())
	err := a.applyOne(context.Background(), "boom", TargetHandlerFunc(func(context.Context, Scope, any) error {
		panic("bad payload")
	}), Scope{}, "x")

	var te *TargetError
	if !errors.As(err, &te) || te.Target != "boom" {
		t.Fatalf("applyOne() error = %v, want TargetError for boom", err)
	}
}

func TestTargetRegistry_Targets(t *testing.T) {
	reg := NewTargetRegistry()
	reg.Register("tasks", &recordingHandler{})
	reg.Register("canvas", &recordingHandler{})

	if diff := cmp.Diff([]string{"canvas", "tasks"}, reg.Targets()); diff != "" {
		t.Errorf("Targets() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := reg.Handler("profile"); ok {
		t.Error("Handler(profile) found, want missing")
	}
}
