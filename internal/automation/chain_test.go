package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/packflow/internal/provider"
)

func seedChain(t *testing.T, repo Repository, id string, active bool, steps ...ChainStep) *Chain {
	t.Helper()
	chain := &Chain{ID: id, Name: id, IsActive: active, Steps: steps}
	if err := repo.SaveChain(context.Background(), chain); err != nil {
		t.Fatalf("seeding chain %s: %v", id, err)
	}
	return chain
}

func TestOrchestrator_RunsStepsInOrder(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	canvas := &recordingHandler{}
	f.targets.Register("canvas", canvas)

	seedPack(t, f.repo, "research", []string{"Research {{idea}}"}, []string{"canvas"})
	seedPack(t, f.repo, "summary", []string{"Summarise {{previous_step_result}}"})
	seedChain(t, f.repo, "c1", true,
		ChainStep{PackSlug: "research", ApplyTo: []string{"canvas"}},
		ChainStep{PackID: "pack-summary"},
	)

	ce, err := f.chains.StartChain(ctx, "c1", Scope{UserID: "u1", StartupID: "s1"}, map[string]any{"idea": "drones"})
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}

	if ce.Status != ChainCompleted {
		t.Fatalf("Status = %q, want completed (error %q)", ce.Status, ce.ErrorMessage)
	}
	if ce.CurrentStep != 2 || ce.TotalSteps != 2 {
		t.Errorf("step = %d/%d, want 2/2", ce.CurrentStep, ce.TotalSteps)
	}
	if len(ce.StepResults) != 3 {
		t.Fatalf("len(StepResults) = %d, want 3", len(ce.StepResults))
	}
	if ce.StepResults[0].Context["idea"] != "drones" {
		t.Errorf("initial context = %v", ce.StepResults[0].Context)
	}
	if ce.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	calls := f.invoker.getCalls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	if calls[0].Prompt != "Research drones" {
		t.Errorf("step 0 prompt = %q", calls[0].Prompt)
	}
	if !strings.Contains(calls[1].Prompt, `"execution_id"`) || !strings.Contains(calls[1].Prompt, "out:Research drones") {
		t.Errorf("step 1 prompt does not carry the previous result: %q", calls[1].Prompt)
	}
	if canvas.count() != 1 {
		t.Errorf("canvas handler ran %d times, want 1", canvas.count())
	}
	if got := f.metrics.chainStatuses(); len(got) != 1 || got[0] != string(ChainCompleted) {
		t.Errorf("chain metrics = %v, want [completed]", got)
	}

	execs, err := f.repo.ListExecutions(ctx, ExecutionFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want 2", len(execs))
	}
	for _, e := range execs {
		if e.ChainExecutionID != ce.ID || e.ChainStep == nil || e.TriggerEvent != "chain_step" {
			t.Errorf("execution %s not linked to chain: %+v", e.ID, e)
		}
	}
}

func TestOrchestrator_StepFailureStopsChain(t *testing.T) {
	f := setupEngine(t)
	f.invoker.respond = func(call provider.Call) (*provider.Result, error) {
		if call.Prompt == "B" {
			return nil, errModelDown
		}
		return textResult("ok"), nil
	}
	seedPack(t, f.repo, "a", []string{"A"})
	seedPack(t, f.repo, "b", []string{"B"})
	seedPack(t, f.repo, "c", []string{"C"})
	seedChain(t, f.repo, "c1", true, ChainStep{PackSlug: "a"}, ChainStep{PackSlug: "b"}, ChainStep{PackSlug: "c"})

	ce, err := f.chains.StartChain(context.Background(), "c1", Scope{UserID: "u1"}, nil)
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}

	if ce.Status != ChainFailed {
		t.Fatalf("Status = %q, want failed", ce.Status)
	}
	if ce.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", ce.CurrentStep)
	}
	if !strings.HasPrefix(ce.ErrorMessage, "step 1 failed:") {
		t.Errorf("ErrorMessage = %q", ce.ErrorMessage)
	}
	for _, c := range f.invoker.getCalls() {
		if c.Prompt == "C" {
			t.Error("step 2 ran after step 1 failed")
		}
	}
	if got := len(f.invoker.getCalls()); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}
	if got := f.metrics.chainStatuses(); len(got) != 1 || got[0] != string(ChainFailed) {
		t.Errorf("chain metrics = %v, want [failed]", got)
	}
}

func TestOrchestrator_DelayedStep(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "a", []string{"A"})
	seedPack(t, f.repo, "b", []string{"B"})
	seedChain(t, f.repo, "c1", true, ChainStep{PackSlug: "a"}, ChainStep{PackSlug: "b", DelaySeconds: 60})

	ce, err := f.chains.StartChain(ctx, "c1", Scope{UserID: "u1"}, nil)
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}
	if ce.Status != ChainRunning || ce.CurrentStep != 1 {
		t.Fatalf("after start = %q step %d, want running step 1", ce.Status, ce.CurrentStep)
	}
	if ce.NextStepAt == nil || time.Until(*ce.NextStepAt) < 50*time.Second {
		t.Fatalf("NextStepAt = %v, want about a minute ahead", ce.NextStepAt)
	}

	// Not yet due: nothing happens.
	ce, err = f.chains.Advance(ctx, ce.ID)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if ce.CurrentStep != 1 || ce.NextStepAt == nil {
		t.Errorf("early Advance changed the chain: step %d next %v", ce.CurrentStep, ce.NextStepAt)
	}
	if got := len(f.invoker.getCalls()); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}

	f.chains.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ce, err = f.chains.Advance(ctx, ce.ID)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if ce.Status != ChainCompleted || ce.CurrentStep != 2 {
		t.Errorf("after due Advance = %q step %d, want completed step 2", ce.Status, ce.CurrentStep)
	}

	if _, err := f.chains.Advance(ctx, ce.ID); !errors.Is(err, ErrChainNotRunning) {
		t.Errorf("Advance(completed) error = %v, want ErrChainNotRunning", err)
	}
}

func TestOrchestrator_CancelSuspended(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "a", []string{"A"})
	seedChain(t, f.repo, "c1", true, ChainStep{PackSlug: "a"}, ChainStep{PackSlug: "a", DelaySeconds: 30})

	ce, err := f.chains.StartChain(ctx, "c1", Scope{}, nil)
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}

	cancelled, err := f.chains.Cancel(ctx, ce.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != ChainCancelled || cancelled.NextStepAt != nil || cancelled.CompletedAt == nil {
		t.Errorf("cancelled = %q next %v completed %v", cancelled.Status, cancelled.NextStepAt, cancelled.CompletedAt)
	}

	f.chains.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := f.chains.Advance(ctx, ce.ID); !errors.Is(err, ErrChainNotRunning) {
		t.Errorf("Advance(cancelled) error = %v, want ErrChainNotRunning", err)
	}
	if _, err := f.chains.Cancel(ctx, ce.ID); !errors.Is(err, ErrChainNotRunning) {
		t.Errorf("second Cancel() error = %v, want ErrChainNotRunning", err)
	}
	if got := len(f.invoker.getCalls()); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}

func TestOrchestrator_CancelDuringStep(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	seedPack(t, f.repo, "a", []string{"A"})
	seedPack(t, f.repo, "b", []string{"B"})
	seedChain(t, f.repo, "c1", true, ChainStep{PackSlug: "a"}, ChainStep{PackSlug: "b"})

	f.invoker.respond = func(call provider.Call) (*provider.Result, error) {
		if call.Prompt == "A" {
			// Cancel the chain from outside while its first step is in flight.
			execs, err := f.repo.ListExecutions(ctx, ExecutionFilter{Status: StatusRunning})
			if err != nil || len(execs) != 1 {
				t.Errorf("finding running execution: %v (%d found)", err, len(execs))
				return textResult("A done"), nil
			}
			if _, err := f.chains.Cancel(ctx, execs[0].ChainExecutionID); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
		return textResult(call.Prompt + " done"), nil
	}

	ce, err := f.chains.StartChain(ctx, "c1", Scope{}, nil)
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}

	if ce.Status != ChainCancelled {
		t.Fatalf("Status = %q, want cancelled", ce.Status)
	}
	if len(ce.StepResults) != 2 {
		t.Errorf("len(StepResults) = %d, want the in-flight step recorded", len(ce.StepResults))
	}
	if ce.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", ce.CurrentStep)
	}
	if got := len(f.invoker.getCalls()); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}

func TestOrchestrator_UnresolvedPackFailsChain(t *testing.T) {
	f := setupEngine(t)
	seedChain(t, f.repo, "c1", true, ChainStep{PackSlug: "does-not-exist"})

	ce, err := f.chains.StartChain(context.Background(), "c1", Scope{}, nil)
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}
	if ce.Status != ChainFailed || ce.CurrentStep != 0 {
		t.Errorf("got %q step %d, want failed step 0", ce.Status, ce.CurrentStep)
	}
	if !strings.Contains(ce.ErrorMessage, "pack not found") {
		t.Errorf("ErrorMessage = %q", ce.ErrorMessage)
	}
}

func TestOrchestrator_StartChainErrors(t *testing.T) {
	f := setupEngine(t)
	seedChain(t, f.repo, "off", false, ChainStep{PackSlug: "a"})
	seedChain(t, f.repo, "empty", true)

	tests := []struct {
		chainID string
		wantErr error
	}{
		{"off", ErrChainInactive},
		{"empty", ErrInvalidChain},
		{"ghost", ErrChainNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.chainID, func(t *testing.T) {
			if _, err := f.chains.StartChain(context.Background(), tt.chainID, Scope{}, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("StartChain(%s) error = %v, want %v", tt.chainID, err, tt.wantErr)
			}
		})
	}
}

func TestOrchestrator_PublishesChainStatus(t *testing.T) {
	f := setupEngine(t)
	seedPack(t, f.repo, "a", []string{"A"})
	seedChain(t, f.repo, "c1", true, ChainStep{PackSlug: "a"})

	ce, err := f.chains.StartChain(context.Background(), "c1", Scope{}, nil)
	if err != nil {
		t.Fatalf("StartChain() error = %v", err)
	}

	var chainMsgs []publishedStatus
	for _, m := range f.publisher.getMessages() {
		if m.Topic == "packflow/chains/"+ce.ID+"/status" {
			chainMsgs = append(chainMsgs, m)
		}
	}
	if len(chainMsgs) != 2 {
		t.Fatalf("chain status messages = %d, want 2", len(chainMsgs))
	}
	if chainMsgs[1].Payload["status"] != "completed" {
		t.Errorf("last chain status = %v, want completed", chainMsgs[1].Payload["status"])
	}
}
