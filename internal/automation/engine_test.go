package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/packflow/internal/provider"
)

// createExecution stores a pending execution of pack for the fixture.
func createExecution(t *testing.T, f *engineFixture, id, packID string, mutate func(*Execution)) *Execution {
	t.Helper()
	exec := &Execution{
		ID:             id,
		PackID:         packID,
		TriggerEvent:   "test_event",
		TriggerPayload: map[string]any{"source": "test"},
		Scope:          Scope{UserID: "u1"},
	}
	if mutate != nil {
		mutate(exec)
	}
	if err := f.repo.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("creating execution %s: %v", id, err)
	}
	return exec
}

func TestEngine_Run_ChainsStepOutputs(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "idea", []string{
		"Idea for {{startup_name}} from {{event}}",
		"Refine {{previous_output}} / {{step_1_output}}",
	}, []string{"canvas"}, []string{"tasks"})
	createExecution(t, f, "e1", "pack-idea", nil)

	exec, err := f.engine.Run(ctx, "e1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if exec.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed (error %q)", exec.Status, exec.ErrorMessage)
	}
	if exec.StepsCompleted != 2 || exec.TotalSteps != 2 {
		t.Errorf("steps = %d/%d, want 2/2", exec.StepsCompleted, exec.TotalSteps)
	}

	calls := f.invoker.getCalls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	first := "Idea for Your startup from {\n  \"source\": \"test\"\n}"
	if calls[0].Prompt != first {
		t.Errorf("step 1 prompt = %q, want %q", calls[0].Prompt, first)
	}
	step1Out := "out:" + first
	if want := "Refine " + step1Out + " / " + step1Out; calls[1].Prompt != want {
		t.Errorf("step 2 prompt = %q, want %q", calls[1].Prompt, want)
	}

	wantOutputs := map[string]any{
		"canvas": step1Out,
		"tasks":  "out:" + calls[1].Prompt,
	}
	if diff := cmp.Diff(wantOutputs, exec.Outputs); diff != "" {
		t.Errorf("Outputs mismatch (-want +got):\n%s", diff)
	}

	stored, err := f.repo.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != StatusCompleted || stored.CompletedAt == nil || stored.StartedAt == nil {
		t.Errorf("stored = status %q started %v completed %v", stored.Status, stored.StartedAt, stored.CompletedAt)
	}
	if diff := cmp.Diff(wantOutputs, stored.Outputs); diff != "" {
		t.Errorf("stored Outputs mismatch (-want +got):\n%s", diff)
	}
	if len(stored.AppliedTo) != 0 {
		t.Errorf("AppliedTo = %v, want none without auto-apply", stored.AppliedTo)
	}
}

func TestEngine_Run_ProgressIsMonotonic(t *testing.T) {
	f := setupEngine(t)
	seedPack(t, f.repo, "three", []string{"a", "b", "c"})
	createExecution(t, f, "e1", "pack-three", nil)

	if _, err := f.engine.Run(context.Background(), "e1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := f.publisher.getMessages()
	if len(msgs) != 5 {
		t.Fatalf("published %d status messages, want 5", len(msgs))
	}
	last := -1
	for i, m := range msgs {
		if m.Topic != "packflow/executions/e1/status" {
			t.Errorf("message %d topic = %q", i, m.Topic)
		}
		n, _ := m.Payload["steps_completed"].(int)
		if n < last {
			t.Errorf("steps_completed went from %d to %d", last, n)
		}
		last = n
	}
	if msgs[0].Payload["status"] != "running" {
		t.Errorf("first status = %v, want running", msgs[0].Payload["status"])
	}
	if msgs[len(msgs)-1].Payload["status"] != "completed" {
		t.Errorf("last status = %v, want completed", msgs[len(msgs)-1].Payload["status"])
	}
	if got := len(f.hub.getBroadcasts()); got != 5 {
		t.Errorf("broadcasts = %d, want 5", got)
	}
}

func TestEngine_Run_AutoApply(t *testing.T) {
	f := setupEngine(t)
	tasks := &recordingHandler{}
	canvas := &recordingHandler{err: errors.New("canvas locked")}
	f.targets.Register("tasks", tasks)
	f.targets.Register("canvas", canvas)

	seedPack(t, f.repo, "apply", []string{"one", "two"}, []string{"canvas"}, []string{"tasks"})
	createExecution(t, f, "e1", "pack-apply", func(e *Execution) {
		e.AutoApplyOutputs = true
		e.OutputTargets = []string{"canvas", "tasks", "pitch_deck"}
		e.Scope.StartupID = "s1"
	})

	exec, err := f.engine.Run(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed", exec.Status)
	}
	if diff := cmp.Diff([]string{"tasks"}, exec.AppliedTo); diff != "" {
		t.Errorf("AppliedTo mismatch (-want +got):\n%s", diff)
	}
	if tasks.count() != 1 {
		t.Errorf("tasks handler ran %d times, want 1", tasks.count())
	}
}

func TestEngine_Run_Ledger(t *testing.T) {
	f := setupEngine(t)
	f.invoker.respond = func(call provider.Call) (*provider.Result, error) {
		if strings.HasPrefix(call.Prompt, "fallback") {
			return nil, exhausted(call)
		}
		return textResult("ok"), nil
	}
	seedPack(t, f.repo, "ledger", []string{"real", "fallback please"})
	createExecution(t, f, "e1", "pack-ledger", nil)

	exec, err := f.engine.Run(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed after fallback", exec.Status)
	}

	runs, err := f.repo.ListPackRuns(context.Background(), "e1")
	if err != nil {
		t.Fatalf("ListPackRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ledger rows = %d, want 2", len(runs))
	}
	if runs[0].Status != RunCompleted || runs[0].Provider != provider.ProviderGemini || runs[0].InputTokens != 10 {
		t.Errorf("run 1 = %+v", runs[0])
	}
	if runs[1].Status != RunFallback || runs[1].ErrorMessage == "" {
		t.Errorf("run 2 = %+v, want fallback with reason", runs[1])
	}

	if f.metrics.modelCalls != 2 {
		t.Errorf("model call metrics = %d, want 2", f.metrics.modelCalls)
	}
	if diff := cmp.Diff([]string{"completed"}, f.metrics.executions); diff != "" {
		t.Errorf("execution metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_Run_StepFailure(t *testing.T) {
	f := setupEngine(t)
	f.invoker.respond = func(call provider.Call) (*provider.Result, error) {
		if call.Prompt == "b" {
			return nil, errModelDown
		}
		return textResult("ok"), nil
	}
	seedPack(t, f.repo, "fails", []string{"a", "b", "c"})
	createExecution(t, f, "e1", "pack-fails", nil)

	exec, err := f.engine.Run(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", exec.Status)
	}
	if exec.StepsCompleted != 1 {
		t.Errorf("StepsCompleted = %d, want 1", exec.StepsCompleted)
	}
	if !strings.Contains(exec.ErrorMessage, "model down") {
		t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
	}
	if got := len(f.invoker.getCalls()); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}

	runs, err := f.repo.ListPackRuns(context.Background(), "e1")
	if err != nil {
		t.Fatalf("ListPackRuns: %v", err)
	}
	if len(runs) != 2 || runs[1].Status != RunFailed {
		t.Errorf("ledger = %+v, want second row failed", runs)
	}
}

func TestEngine_Run_PackProblems(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	inactive := seedPack(t, f.repo, "off", []string{"a"})
	inactive.IsActive = false
	if err := f.repo.SavePack(ctx, inactive); err != nil {
		t.Fatalf("SavePack: %v", err)
	}
	createExecution(t, f, "missing", "pack-nope", nil)
	createExecution(t, f, "inactive", inactive.ID, nil)

	tests := []struct {
		id   string
		want string
	}{
		{"missing", "pack not found"},
		{"inactive", "pack is inactive"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			exec, err := f.engine.Run(ctx, tt.id)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if exec.Status != StatusFailed || exec.ErrorMessage != tt.want {
				t.Errorf("got %q %q, want failed %q", exec.Status, exec.ErrorMessage, tt.want)
			}
		})
	}
	if got := len(f.invoker.getCalls()); got != 0 {
		t.Errorf("model calls = %d, want 0", got)
	}
}

func TestEngine_Run_RefusesNonPending(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "p", []string{"a"})
	createExecution(t, f, "done", "pack-p", nil)
	createExecution(t, f, "busy", "pack-p", func(e *Execution) { e.Status = StatusRunning })

	if _, err := f.engine.Run(ctx, "done"); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	tests := []struct {
		id      string
		wantErr error
	}{
		{"done", ErrExecutionTerminal},
		{"busy", ErrExecutionRunning},
		{"ghost", ErrExecutionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if _, err := f.engine.Run(ctx, tt.id); !errors.Is(err, tt.wantErr) {
				t.Errorf("Run(%s) error = %v, want %v", tt.id, err, tt.wantErr)
			}
		})
	}
	if got := len(f.invoker.getCalls()); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}

func TestEngine_Run_Timeout(t *testing.T) {
	repo := setupTestRepo(t)
	inv := &scriptedInvoker{}
	inv.respond = func(provider.Call) (*provider.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	engine := NewEngine(EngineDeps{
		Repo:             repo,
		Steps:            NewStepExecutor(inv),
		MaxExecutionTime: 20 * time.Millisecond,
	})
	seedPack(t, repo, "slow", []string{"a", "b"})
	if err := repo.CreateExecution(context.Background(), &Execution{ID: "e1", PackID: "pack-slow"}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	exec, err := engine.Run(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}
	if len(inv.getCalls()) != 1 {
		t.Errorf("model calls = %d, want 1", len(inv.getCalls()))
	}

	stored, err := repo.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("stored Status = %q, want failed", stored.Status)
	}
}

func TestEngine_Abandon(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "p", []string{"a"})
	started := time.Now().UTC().Add(-time.Hour)
	createExecution(t, f, "stuck", "pack-p", func(e *Execution) {
		e.Status = StatusRunning
		e.StartedAt = &started
	})

	exec, err := f.repo.GetExecution(ctx, "stuck")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	stale := *exec

	if err := f.engine.Abandon(ctx, exec, "runner lost"); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	stored, err := f.repo.GetExecution(ctx, "stuck")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != StatusFailed || stored.ErrorMessage != "runner lost" {
		t.Errorf("stored = %q %q", stored.Status, stored.ErrorMessage)
	}

	if err := f.engine.Abandon(ctx, &stale, "again"); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale Abandon() error = %v, want ErrVersionConflict", err)
	}
	if err := f.engine.Abandon(ctx, stored, "again"); !errors.Is(err, ErrExecutionTerminal) {
		t.Errorf("terminal Abandon() error = %v, want ErrExecutionTerminal", err)
	}
}

// progressFailingRepo rejects the first progress write of a running
// execution.
type progressFailingRepo struct {
	*SQLiteRepository
	failed bool
}

func (r *progressFailingRepo) UpdateExecution(ctx context.Context, e *Execution) error {
	if e.Status == StatusRunning && e.StepsCompleted > 0 && !r.failed {
		r.failed = true
		return errors.New("disk full")
	}
	return r.SQLiteRepository.UpdateExecution(ctx, e)
}

func TestEngine_Run_ProgressWriteFailureFailsExecution(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "p", []string{"one", "two"})
	createExecution(t, f, "e1", "pack-p", nil)

	repo := &progressFailingRepo{SQLiteRepository: f.repo}
	engine := NewEngine(EngineDeps{
		Repo:             repo,
		Steps:            NewStepExecutor(f.invoker),
		MaxExecutionTime: 5 * time.Second,
	})

	got, err := engine.Run(ctx, "e1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}

	stored, err := f.repo.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != StatusFailed || !strings.Contains(stored.ErrorMessage, "disk full") {
		t.Errorf("stored = %q %q, want failed with the write error", stored.Status, stored.ErrorMessage)
	}
	if calls := len(f.invoker.getCalls()); calls != 1 {
		t.Errorf("model calls = %d, want 1", calls)
	}
}
