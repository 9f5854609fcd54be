package workspace

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nerrad567/packflow/internal/automation"
)

// Target names understood by Register.
const (
	TargetProfile    = "profile"
	TargetCanvas     = "canvas"
	TargetStartup    = "startup"
	TargetTasks      = "tasks"
	TargetValidation = "validation"
	TargetPitchDeck  = "pitch_deck"
)

// Register installs the workspace target handlers on reg.
func Register(reg *automation.TargetRegistry, store *Store) {
	reg.Register(TargetProfile, automation.TargetHandlerFunc(store.applyProfile))
	reg.Register(TargetCanvas, automation.TargetHandlerFunc(store.applyCanvas))
	reg.Register(TargetStartup, automation.TargetHandlerFunc(store.applyStartup))
	reg.Register(TargetTasks, automation.TargetHandlerFunc(store.applyTasks))
	reg.Register(TargetValidation, automation.TargetHandlerFunc(store.applyValidation))
	reg.Register(TargetPitchDeck, automation.TargetHandlerFunc(store.applyPitchDeck))
}

func (s *Store) applyProfile(ctx context.Context, scope automation.Scope, payload any) error {
	if scope.UserID == "" {
		return ErrNoUser
	}
	fields, err := object(payload)
	if err != nil {
		return err
	}
	return s.UpdateProfile(ctx, scope.UserID, fields)
}

func (s *Store) applyStartup(ctx context.Context, scope automation.Scope, payload any) error {
	if !scope.HasStartup() {
		return ErrNoStartup
	}
	fields, err := object(payload)
	if err != nil {
		return err
	}
	return s.UpdateStartup(ctx, scope.StartupID, fields)
}

func (s *Store) applyCanvas(ctx context.Context, scope automation.Scope, payload any) error {
	if !scope.HasStartup() {
		return ErrNoStartup
	}
	fields, err := object(payload)
	if err != nil {
		return err
	}
	return s.UpsertCanvas(ctx, scope.StartupID, fields)
}

func (s *Store) applyTasks(ctx context.Context, scope automation.Scope, payload any) error {
	if !scope.HasStartup() {
		return ErrNoStartup
	}

	items, ok := payload.([]any)
	if !ok {
		obj, isObj := payload.(map[string]any)
		if !isObj {
			return fmt.Errorf("%w: tasks must be an array", ErrInvalidPayload)
		}
		if items, ok = obj["tasks"].([]any); !ok {
			return fmt.Errorf("%w: tasks must be an array", ErrInvalidPayload)
		}
	}

	tasks := make([]Task, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title := str(m["title"])
		if title == "" {
			continue
		}
		tasks = append(tasks, Task{
			Title:       title,
			Description: str(m["description"]),
			Priority:    str(m["priority"]),
			DueAt:       firstString(m, "due_date", "due_at"),
			Tags:        stringList(m["tags"]),
		})
	}
	if len(tasks) == 0 {
		return nil
	}
	return s.InsertTasks(ctx, scope.StartupID, scope.UserID, tasks)
}

func (s *Store) applyValidation(ctx context.Context, scope automation.Scope, payload any) error {
	if !scope.HasStartup() {
		return ErrNoStartup
	}
	out, err := object(payload)
	if err != nil {
		return err
	}

	report := ValidationReport{
		UserID:       scope.UserID,
		StartupID:    scope.StartupID,
		OverallScore: number(out["score"]),
		Verdict:      str(out["verdict"]),
		ReportData:   out,
	}
	if report.OverallScore == nil {
		report.OverallScore = number(out["overall_score"])
	}
	if cats, ok := out["categories"].(map[string]any); ok {
		report.ProblemScore = categoryScore(cats["problem"])
		report.MarketScore = categoryScore(cats["market"])
		report.SolutionScore = categoryScore(cats["solution"])
		report.BusinessScore = categoryScore(cats["business"])
	}

	_, err = s.InsertValidationReport(ctx, report)
	return err
}

func (s *Store) applyPitchDeck(ctx context.Context, scope automation.Scope, payload any) error {
	if !scope.HasStartup() {
		return ErrNoStartup
	}
	out, err := object(payload)
	if err != nil {
		return err
	}
	items, _ := out["slides"].([]any)
	if len(items) == 0 {
		return nil
	}

	slides := make([]Slide, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		n := i + 1
		for _, key := range []string{"order", "order_index"} {
			if v := number(m[key]); v != nil {
				n = int(*v)
				break
			}
		}
		slideType := firstString(m, "type", "slide_type")
		if slideType == "" {
			slideType = "custom"
		}
		slides = append(slides, Slide{
			Number:   n,
			Type:     slideType,
			Title:    str(m["title"]),
			Subtitle: str(m["subtitle"]),
			Content:  text(m["content"]),
		})
	}
	_, err = s.UpsertSlides(ctx, scope.StartupID, slides)
	return err
}

// ─── Payload coercion ───────────────────────────────────────────────────────

func object(payload any) (map[string]any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrInvalidPayload, payload)
	}
	return m, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// text renders strings as-is and structured values as JSON.
func text(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	out, err := columnValue(v)
	if err != nil {
		return ""
	}
	s, _ := out.(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func number(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

// categoryScore accepts either a bare number or {"score": n}.
func categoryScore(v any) *float64 {
	if m, ok := v.(map[string]any); ok {
		return number(m["score"])
	}
	return number(v)
}
