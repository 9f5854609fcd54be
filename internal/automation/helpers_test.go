package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/packflow/internal/infrastructure/database"
	"github.com/nerrad567/packflow/internal/infrastructure/mqtt"
	"github.com/nerrad567/packflow/internal/provider"
	"github.com/nerrad567/packflow/migrations"
)

// ─── Database ───────────────────────────────────────────────────────────────

// setupTestRepo opens an in-memory database with the project migrations.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

// seedPack stores a pack whose steps use the given templates. Step i
// writes its output to the targets in applyTo[i], if present.
func seedPack(t *testing.T, repo Repository, slug string, templates []string, applyTo ...[]string) *Pack {
	t.Helper()

	pack := &Pack{
		ID:       "pack-" + slug,
		Slug:     slug,
		Title:    strings.ReplaceAll(slug, "-", " "),
		Category: "general",
		IsActive: true,
	}
	for i, tmpl := range templates {
		step := PackStep{
			ID:             fmt.Sprintf("%s-step-%d", slug, i+1),
			StepOrder:      i + 1,
			Purpose:        fmt.Sprintf("step %d", i+1),
			PromptTemplate: tmpl,
			AIModel:        "gemini",
			OutputFormat:   FormatText,
			ApplyTo:        []string{},
		}
		if i < len(applyTo) {
			step.ApplyTo = applyTo[i]
		}
		pack.Steps = append(pack.Steps, step)
	}
	if err := repo.SavePack(context.Background(), pack); err != nil {
		t.Fatalf("seeding pack %s: %v", slug, err)
	}
	return pack
}

// seedTrigger stores an active trigger for eventName on pack.
func seedTrigger(t *testing.T, repo Repository, id, eventName, packID string, mode ExecutionMode, rules map[string]any) *Trigger {
	t.Helper()

	trig := &Trigger{
		ID:             id,
		Name:           id,
		EventName:      eventName,
		IsActive:       true,
		ConditionRules: rules,
		PackID:         packID,
		ExecutionMode:  mode,
		OutputTargets:  []string{},
	}
	if err := repo.SaveTrigger(context.Background(), trig); err != nil {
		t.Fatalf("seeding trigger %s: %v", id, err)
	}
	return trig
}

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// scriptedInvoker answers model calls from a function and records every
// call it receives.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   []provider.Call
	respond func(call provider.Call) (*provider.Result, error)
}

// echoInvoker returns "out:<prompt>" for every call.
func echoInvoker() *scriptedInvoker {
	return &scriptedInvoker{respond: func(call provider.Call) (*provider.Result, error) {
		return textResult("out:" + call.Prompt), nil
	}}
}

func (s *scriptedInvoker) Invoke(_ context.Context, call provider.Call) (*provider.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	return s.respond(call)
}

func (s *scriptedInvoker) getCalls() []provider.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := make([]provider.Call, len(s.calls))
	copy(cpy, s.calls)
	return cpy
}

func textResult(text string) *provider.Result {
	return &provider.Result{
		Output:    text,
		Text:      text,
		Candidate: provider.Candidate{Provider: provider.ProviderGemini, Model: "gemini-2.0-flash"},
		Usage: provider.Usage{
			Provider:     provider.ProviderGemini,
			Model:        "gemini-2.0-flash",
			InputTokens:  10,
			OutputTokens: 5,
			CostUSD:      0.000002,
			LatencyMS:    12,
		},
	}
}

var errModelDown = errors.New("model down")

// exhausted builds the gateway error for a call where every candidate failed.
func exhausted(call provider.Call) error {
	return &provider.ExhaustedError{
		Family: call.Family,
		Attempts: []provider.Attempt{{
			Candidate: provider.Candidate{Provider: provider.ProviderGemini, Model: "gemini-2.0-flash"},
			Err:       &provider.ProviderError{Provider: provider.ProviderGemini, Model: "gemini-2.0-flash", StatusCode: 500, Err: errModelDown},
		}},
	}
}

// mockPublisher captures retained status messages.
type mockPublisher struct {
	mu       sync.Mutex
	messages []publishedStatus
}

type publishedStatus struct {
	Topic   string
	Payload map[string]any
}

func (m *mockPublisher) PublishJSON(topic string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, _ := v.(map[string]any)
	m.messages = append(m.messages, publishedStatus{Topic: topic, Payload: payload})
	return nil
}

func (m *mockPublisher) Topics() mqtt.Topics {
	return mqtt.Topics{Prefix: "packflow"}
}

func (m *mockPublisher) getMessages() []publishedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]publishedStatus, len(m.messages))
	copy(cpy, m.messages)
	return cpy
}

// mockWSHub captures all broadcasts.
type mockWSHub struct {
	broadcasts []wsBroadcast
	mu         sync.Mutex
}

type wsBroadcast struct {
	Channel string
	Payload any
}

func (m *mockWSHub) Broadcast(channel string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, wsBroadcast{Channel: channel, Payload: payload})
}

func (m *mockWSHub) getBroadcasts() []wsBroadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]wsBroadcast, len(m.broadcasts))
	copy(cpy, m.broadcasts)
	return cpy
}

// mockMetrics counts metric writes.
type mockMetrics struct {
	mu         sync.Mutex
	modelCalls int
	executions []string
	events     []string
	chains     []string
}

func (m *mockMetrics) WriteModelCall(_, _, _ string, _, _ int, _ float64, _ time.Duration, _ bool) {
	m.mu.Lock()
	m.modelCalls++
	m.mu.Unlock()
}

func (m *mockMetrics) WriteExecution(_, status string, _ int, _ time.Duration) {
	m.mu.Lock()
	m.executions = append(m.executions, status)
	m.mu.Unlock()
}

func (m *mockMetrics) WriteEvent(eventName, _ string, _ int) {
	m.mu.Lock()
	m.events = append(m.events, eventName)
	m.mu.Unlock()
}

func (m *mockMetrics) WriteChain(_, status string, _ int, _ time.Duration) {
	m.mu.Lock()
	m.chains = append(m.chains, status)
	m.mu.Unlock()
}

func (m *mockMetrics) chainStatuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.chains...)
}

// stubWorkspace serves fixed records keyed by ID.
type stubWorkspace struct {
	profiles map[string]map[string]any
	startups map[string]map[string]any
	canvases map[string]map[string]any
	err      error
}

func (s *stubWorkspace) Profile(_ context.Context, userID string) (map[string]any, error) {
	return s.profiles[userID], s.err
}

func (s *stubWorkspace) Startup(_ context.Context, startupID string) (map[string]any, error) {
	return s.startups[startupID], s.err
}

func (s *stubWorkspace) Canvas(_ context.Context, startupID string) (map[string]any, error) {
	return s.canvases[startupID], s.err
}

// ─── Engine Fixture ─────────────────────────────────────────────────────────

type engineFixture struct {
	repo      *SQLiteRepository
	engine    *Engine
	chains    *Orchestrator
	emitter   *Emitter
	invoker   *scriptedInvoker
	targets   *TargetRegistry
	publisher *mockPublisher
	hub       *mockWSHub
	metrics   *mockMetrics
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		repo:      setupTestRepo(t),
		invoker:   echoInvoker(),
		targets:   NewTargetRegistry(),
		publisher: &mockPublisher{},
		hub:       &mockWSHub{},
		metrics:   &mockMetrics{},
	}
	f.engine = NewEngine(EngineDeps{
		Repo:             f.repo,
		Packs:            NewRegistry(f.repo, time.Minute),
		Context:          NewContextBuilder(nil),
		Steps:            NewStepExecutor(f.invoker),
		Applier:          NewApplier(f.targets),
		MQTT:             f.publisher,
		Hub:              f.hub,
		Metrics:          f.metrics,
		MaxExecutionTime: 5 * time.Second,
	})
	f.chains = NewOrchestrator(f.engine)
	f.emitter = NewEmitter(f.engine, NewMatcher(f.repo))
	return f
}

// recordingHandler remembers the payloads it was given.
type recordingHandler struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (h *recordingHandler) ApplyOutput(_ context.Context, _ Scope, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.payloads = append(h.payloads, payload)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}
