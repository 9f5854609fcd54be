package automation

import "time"

// Scope identifies whose data an event or execution acts on. Empty fields
// are absent.
type Scope struct {
	UserID    string `json:"user_id,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	StartupID string `json:"startup_id,omitempty"`
}

// HasStartup reports whether the scope names a startup.
func (s Scope) HasStartup() bool { return s.StartupID != "" }

// Event is an application event recorded by the emitter. It is immutable
// once processed.
type Event struct {
	ID                   string         `json:"id"`
	EventName            string         `json:"event_name"`
	Payload              map[string]any `json:"payload"`
	Source               string         `json:"source"`
	Processed            bool           `json:"processed"`
	ProcessedAt          *time.Time     `json:"processed_at,omitempty"`
	TriggeredAutomations []string       `json:"triggered_automations"`
	CreatedAt            time.Time      `json:"created_at"`

	Scope
}

// ExecutionMode selects whether a trigger's execution runs inline with the
// emit or waits for the sweeper.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// Trigger binds an event name, optionally narrowed by condition rules, to
// a prompt pack.
type Trigger struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	EventName        string         `json:"event_name"`
	IsActive         bool           `json:"is_active"`
	ConditionRules   map[string]any `json:"condition_rules"`
	PackID           string         `json:"pack_id"`
	ExecutionMode    ExecutionMode  `json:"execution_mode"`
	AutoApplyOutputs bool           `json:"auto_apply_outputs"`
	OutputTargets    []string       `json:"output_targets"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OutputFormat is what a step expects back from the model.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// Pack is a named, versioned sequence of prompt steps.
type Pack struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	Version     int        `json:"version"`
	Steps       []PackStep `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PackStep is one prompt within a pack. Steps run in ascending StepOrder.
type PackStep struct {
	ID                string       `json:"id"`
	PackID            string       `json:"pack_id"`
	StepOrder         int          `json:"step_order"`
	Purpose           string       `json:"purpose"`
	PromptTemplate    string       `json:"prompt_template"`
	AIModel           string       `json:"ai_model"`
	RequiresReasoning bool         `json:"requires_reasoning"`
	OutputFormat      OutputFormat `json:"output_format"`
	ApplyTo           []string     `json:"apply_to"`
	MaxTokens         *int         `json:"max_tokens,omitempty"`
	Temperature       *float64     `json:"temperature,omitempty"`
}

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Execution is one run of a pack, started by a trigger or a chain step.
//
// AutoApplyOutputs and OutputTargets are copied from the trigger (or chain
// step) at creation so a later run does not depend on the trigger row.
type Execution struct {
	ID               string         `json:"id"`
	TriggerID        string         `json:"trigger_id,omitempty"`
	ChainExecutionID string         `json:"chain_execution_id,omitempty"`
	ChainStep        *int           `json:"chain_step,omitempty"`
	PackID           string         `json:"pack_id"`
	TriggerEvent     string         `json:"trigger_event,omitempty"`
	TriggerPayload   map[string]any `json:"trigger_payload"`
	AutoApplyOutputs bool           `json:"auto_apply_outputs"`
	OutputTargets    []string       `json:"output_targets"`
	Status           Status         `json:"status"`
	StepsCompleted   int            `json:"steps_completed"`
	TotalSteps       int            `json:"total_steps"`
	Outputs          map[string]any `json:"outputs"`
	AppliedTo        []string       `json:"applied_to"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Version          int            `json:"version"`

	Scope
}

// ChainStep is one link of a chain. PackID wins over PackSlug.
type ChainStep struct {
	PackID       string   `json:"pack_id,omitempty" yaml:"pack_id,omitempty"`
	PackSlug     string   `json:"pack_slug,omitempty" yaml:"pack_slug,omitempty"`
	ApplyTo      []string `json:"apply_to,omitempty" yaml:"apply_to,omitempty"`
	DelaySeconds int      `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// Chain runs packs in sequence, carrying each result into the next step.
type Chain struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	IsActive    bool        `json:"is_active"`
	Steps       []ChainStep `json:"steps"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ChainStatus is the lifecycle state of a chain execution.
type ChainStatus string

const (
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
	ChainCancelled ChainStatus = "cancelled"
)

// StepRecord is an entry of a chain execution's history. The first entry
// holds the initial context; later entries hold step results.
type StepRecord struct {
	Step    int            `json:"step"`
	Result  any            `json:"result,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ChainExecution tracks one run of a chain.
type ChainExecution struct {
	ID           string         `json:"id"`
	ChainID      string         `json:"chain_id"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	StepResults  []StepRecord   `json:"step_results"`
	Context      map[string]any `json:"context"`
	Status       ChainStatus    `json:"status"`
	NextStepAt   *time.Time     `json:"next_step_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Version      int            `json:"version"`

	Scope
}

// RunStatus is the outcome recorded for a single model call.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFallback  RunStatus = "fallback"
	RunFailed    RunStatus = "failed"
)

// PackRun is a usage ledger row: one per step attempt that reached the
// model gateway.
type PackRun struct {
	ID           string    `json:"id"`
	ExecutionID  string    `json:"execution_id"`
	PackID       string    `json:"pack_id"`
	StepOrder    int       `json:"step_order"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	Status       RunStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// DeepCopy returns an independent copy of the pack for cache isolation.
func (p *Pack) DeepCopy() *Pack {
	if p == nil {
		return nil
	}
	cpy := *p
	if p.Steps != nil {
		cpy.Steps = make([]PackStep, len(p.Steps))
		for i, s := range p.Steps {
			cpy.Steps[i] = s
			cpy.Steps[i].ApplyTo = append([]string(nil), s.ApplyTo...)
			if s.MaxTokens != nil {
				v := *s.MaxTokens
				cpy.Steps[i].MaxTokens = &v
			}
			if s.Temperature != nil {
				v := *s.Temperature
				cpy.Steps[i].Temperature = &v
			}
		}
	}
	return &cpy
}
