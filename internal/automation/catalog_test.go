package automation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testCatalog = `
packs:
  - slug: idea-validation
    title: Idea Validation
    category: validation
    steps:
      - purpose: score
        prompt: "Score {{startup_name}} solving {{problem}}"
        model: claude
        reasoning: true
        format: json
        apply_to: [validation]
        max_tokens: 1200
      - prompt: "Next steps for {{previous_output}}"
        apply_to: [tasks]
triggers:
  - name: validate-on-wizard
    event: wizard_completed
    pack: idea-validation
    mode: sync
    auto_apply: true
    targets: [validation, tasks]
    conditions:
      step: {$gte: 4}
chains:
  - name: launch
    steps:
      - pack_slug: idea-validation
        apply_to: [validation]
      - pack_slug: idea-validation
        delay_seconds: 3600
`

func TestLoadCatalog_Import(t *testing.T) {
	repo := setupTestRepo(t)
	reg := NewRegistry(repo, 0)
	ctx := context.Background()

	cat, err := LoadCatalog(strings.NewReader(testCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	report, err := cat.Import(ctx, reg, repo)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if diff := cmp.Diff(ImportReport{Packs: 1, Triggers: 1, Chains: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	pack, err := repo.GetPackBySlug(ctx, "idea-validation")
	if err != nil {
		t.Fatalf("GetPackBySlug: %v", err)
	}
	if len(pack.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(pack.Steps))
	}
	s1, s2 := pack.Steps[0], pack.Steps[1]
	if s1.StepOrder != 1 || s1.OutputFormat != FormatJSON || !s1.RequiresReasoning || s1.AIModel != "claude" {
		t.Errorf("step 1 = %+v", s1)
	}
	if s1.MaxTokens == nil || *s1.MaxTokens != 1200 {
		t.Errorf("step 1 MaxTokens = %v, want 1200", s1.MaxTokens)
	}
	if s2.StepOrder != 2 || s2.OutputFormat != FormatText || s2.AIModel != "gemini" {
		t.Errorf("step 2 = %+v", s2)
	}

	triggers, err := repo.ListActiveTriggers(ctx, "wizard_completed")
	if err != nil {
		t.Fatalf("ListActiveTriggers: %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	trig := triggers[0]
	if trig.PackID != pack.ID || trig.ExecutionMode != ModeSync || !trig.AutoApplyOutputs {
		t.Errorf("trigger = %+v", trig)
	}
	ok, err := EvaluateConditions(trig.ConditionRules, map[string]any{"step": float64(5)})
	if err != nil || !ok {
		t.Errorf("stored conditions do not match step 5: %v %v", ok, err)
	}

	chains, err := repo.ListActiveChains(ctx)
	if err != nil {
		t.Fatalf("ListActiveChains: %v", err)
	}
	if len(chains) != 1 || len(chains[0].Steps) != 2 || chains[0].Steps[1].DelaySeconds != 3600 {
		t.Errorf("chains = %+v", chains)
	}
}

func TestCatalog_ReimportIsIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	reg := NewRegistry(repo, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cat, err := LoadCatalog(strings.NewReader(testCatalog))
		if err != nil {
			t.Fatalf("LoadCatalog() error = %v", err)
		}
		if _, err := cat.Import(ctx, reg, repo); err != nil {
			t.Fatalf("Import #%d error = %v", i+1, err)
		}
	}

	packs, err := repo.ListPacks(ctx)
	if err != nil {
		t.Fatalf("ListPacks: %v", err)
	}
	triggers, err := repo.ListActiveTriggers(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveTriggers: %v", err)
	}
	chains, err := repo.ListActiveChains(ctx)
	if err != nil {
		t.Fatalf("ListActiveChains: %v", err)
	}
	if len(packs) != 1 || len(triggers) != 1 || len(chains) != 1 {
		t.Errorf("after re-import: %d packs, %d triggers, %d chains, want 1 each", len(packs), len(triggers), len(chains))
	}
}

func TestLoadCatalog_Errors(t *testing.T) {
	if _, err := LoadCatalog(strings.NewReader("packs:\n  - slug: a\n    colour: red\n")); err == nil {
		t.Error("LoadCatalog() accepted an unknown field")
	}

	empty, err := LoadCatalog(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadCatalog(empty) error = %v", err)
	}
	if len(empty.Packs) != 0 {
		t.Errorf("empty catalog has %d packs", len(empty.Packs))
	}
}

func TestCatalog_ImportRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "trigger on unknown pack",
			doc:     "triggers:\n  - name: t\n    event: e\n    pack: ghost\n",
			wantErr: ErrPackNotFound,
		},
		{
			name:    "trigger without name",
			doc:     "triggers:\n  - event: e\n    pack: ghost\n",
			wantErr: ErrInvalidTrigger,
		},
		{
			name:    "chain on unknown pack",
			doc:     "chains:\n  - name: c\n    steps:\n      - pack_slug: ghost\n",
			wantErr: ErrPackNotFound,
		},
		{
			name:    "pack without title",
			doc:     "packs:\n  - slug: untitled\n",
			wantErr: ErrInvalidPack,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := setupTestRepo(t)
			cat, err := LoadCatalog(strings.NewReader(tt.doc))
			if err != nil {
				t.Fatalf("LoadCatalog() error = %v", err)
			}
			if _, err := cat.Import(context.Background(), NewRegistry(repo, 0), repo); !errors.Is(err, tt.wantErr) {
				t.Errorf("Import() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
