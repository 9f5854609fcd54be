package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/packflow/internal/infrastructure/database"
)

// Repository defines persistence for packs, triggers, events, executions
// and chains. The SQLite implementation is the production store; tests
// use it against an in-memory database.
type Repository interface {
	// Packs
	GetPack(ctx context.Context, id string) (*Pack, error)
	GetPackBySlug(ctx context.Context, slug string) (*Pack, error)
	ListPacks(ctx context.Context) ([]Pack, error)
	SavePack(ctx context.Context, pack *Pack) error

	// Triggers
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListActiveTriggers(ctx context.Context, eventName string) ([]Trigger, error)
	SaveTrigger(ctx context.Context, trigger *Trigger) error

	// Events
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	MarkEventProcessed(ctx context.Context, id string, triggered []string, at time.Time) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	ListPendingExecutions(ctx context.Context, limit int) ([]Execution, error)
	ListStaleExecutions(ctx context.Context, startedBefore time.Time, limit int) ([]Execution, error)
	RecordPackRun(ctx context.Context, run *PackRun) error
	ListPackRuns(ctx context.Context, executionID string) ([]PackRun, error)

	// Chains
	GetChain(ctx context.Context, id string) (*Chain, error)
	ListActiveChains(ctx context.Context) ([]Chain, error)
	SaveChain(ctx context.Context, chain *Chain) error
	CreateChainExecution(ctx context.Context, ce *ChainExecution) error
	GetChainExecution(ctx context.Context, id string) (*ChainExecution, error)
	UpdateChainExecution(ctx context.Context, ce *ChainExecution) error
	ListDueChainExecutions(ctx context.Context, now time.Time, limit int) ([]ChainExecution, error)
}

// ExecutionFilter narrows ListExecutions. An empty UserID lists every scope.
type ExecutionFilter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// timeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so stored timestamps
// sort lexically in both directions.
const timeLayout = "2006-01-02T15:04:05.000Z"

const packColumns = `id, slug, title, category, description, is_active, version, created_at, updated_at`

const stepColumns = `id, pack_id, step_order, purpose, prompt_template, ai_model,
			requires_reasoning, output_format, apply_to, max_tokens, temperature`

const triggerColumns = `id, name, event_name, is_active, condition_rules, pack_id,
			execution_mode, auto_apply_outputs, output_targets, created_at, updated_at`

const eventColumns = `id, event_name, payload, source, user_id, org_id, startup_id,
			processed, processed_at, triggered_automations, created_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// ─── Packs ──────────────────────────────────────────────────────────────────

// GetPack retrieves a pack and its steps ordered by step_order.
func (r *SQLiteRepository) GetPack(ctx context.Context, id string) (*Pack, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+packColumns+` FROM prompt_packs WHERE id = ?`, id)
	pack, err := scanPack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPackNotFound
		}
		return nil, fmt.Errorf("querying pack by id: %w", err)
	}
	if err := r.loadSteps(ctx, pack); err != nil {
		return nil, err
	}
	return pack, nil
}

// GetPackBySlug retrieves a pack by slug.
func (r *SQLiteRepository) GetPackBySlug(ctx context.Context, slug string) (*Pack, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+packColumns+` FROM prompt_packs WHERE slug = ?`, slug)
	pack, err := scanPack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPackNotFound
		}
		return nil, fmt.Errorf("querying pack by slug: %w", err)
	}
	if err := r.loadSteps(ctx, pack); err != nil {
		return nil, err
	}
	return pack, nil
}

// ListPacks retrieves every pack with its steps, ordered by slug.
func (r *SQLiteRepository) ListPacks(ctx context.Context) ([]Pack, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+packColumns+` FROM prompt_packs ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("querying packs: %w", err)
	}
	var packs []Pack
	index := make(map[string]int)
	for rows.Next() {
		pack, scanErr := scanPack(rows)
		if scanErr != nil {
			rows.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("scanning pack: %w", scanErr)
		}
		index[pack.ID] = len(packs)
		packs = append(packs, *pack)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("iterating packs: %w", err)
	}
	rows.Close() //nolint:errcheck // read-only

	// Steps are read after the pack cursor is closed: the pool has a single
	// connection.
	steps, err := r.querySteps(ctx, `SELECT `+stepColumns+` FROM prompt_pack_steps ORDER BY pack_id, step_order`)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if i, ok := index[s.PackID]; ok {
			packs[i].Steps = append(packs[i].Steps, s)
		}
	}
	return packs, nil
}

// SavePack inserts or replaces a pack and its steps in one transaction.
// Steps whose step_order is no longer present are removed.
func (r *SQLiteRepository) SavePack(ctx context.Context, pack *Pack) error {
	now := r.now().UTC()
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = now
	}
	pack.UpdatedAt = now
	if pack.Version == 0 {
		pack.Version = 1
	}

	return database.RunInTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_packs (`+packColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				slug = excluded.slug, title = excluded.title, category = excluded.category,
				description = excluded.description, is_active = excluded.is_active,
				version = excluded.version, updated_at = excluded.updated_at`,
			pack.ID, pack.Slug, pack.Title, pack.Category, nullableString(pack.Description),
			boolToInt(pack.IsActive), pack.Version, formatTime(pack.CreatedAt), formatTime(pack.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: slug %q already used", ErrInvalidPack, pack.Slug)
			}
			return fmt.Errorf("upserting pack: %w", err)
		}

		orders := make([]any, 0, len(pack.Steps)+1)
		orders = append(orders, pack.ID)
		for i := range pack.Steps {
			s := &pack.Steps[i]
			s.PackID = pack.ID
			if s.ID == "" {
				s.ID = GenerateID()
			}
			applyTo, err := marshalJSON(nonNilStrings(s.ApplyTo))
			if err != nil {
				return fmt.Errorf("marshalling apply_to: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO prompt_pack_steps (`+stepColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(pack_id, step_order) DO UPDATE SET
					purpose = excluded.purpose, prompt_template = excluded.prompt_template,
					ai_model = excluded.ai_model, requires_reasoning = excluded.requires_reasoning,
					output_format = excluded.output_format, apply_to = excluded.apply_to,
					max_tokens = excluded.max_tokens, temperature = excluded.temperature`,
				s.ID, s.PackID, s.StepOrder, s.Purpose, s.PromptTemplate, s.AIModel,
				boolToInt(s.RequiresReasoning), string(s.OutputFormat), applyTo,
				nullableInt(s.MaxTokens), nullableFloat(s.Temperature),
			)
			if err != nil {
				return fmt.Errorf("upserting step %d: %w", s.StepOrder, err)
			}
			orders = append(orders, s.StepOrder)
		}

		query := `DELETE FROM prompt_pack_steps WHERE pack_id = ?`
		if len(orders) > 1 {
			query += ` AND step_order NOT IN (` + placeholders(len(orders)-1) + `)`
		}
		if _, err := tx.ExecContext(ctx, query, orders...); err != nil {
			return fmt.Errorf("pruning steps: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) loadSteps(ctx context.Context, pack *Pack) error {
	steps, err := r.querySteps(ctx,
		`SELECT `+stepColumns+` FROM prompt_pack_steps WHERE pack_id = ? ORDER BY step_order`, pack.ID)
	if err != nil {
		return err
	}
	pack.Steps = steps
	return nil
}

func (r *SQLiteRepository) querySteps(ctx context.Context, query string, args ...any) ([]PackStep, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pack steps: %w", err)
	}
	defer rows.Close()

	steps := []PackStep{}
	for rows.Next() {
		s, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning pack step: %w", scanErr)
		}
		steps = append(steps, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pack steps: %w", err)
	}
	return steps, nil
}

// ─── Triggers ───────────────────────────────────────────────────────────────

// GetTrigger retrieves a trigger by ID regardless of its active flag.
func (r *SQLiteRepository) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM automation_triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("querying trigger: %w", err)
	}
	return t, nil
}

// ListActiveTriggers returns active triggers for eventName, or all active
// triggers when eventName is empty.
func (r *SQLiteRepository) ListActiveTriggers(ctx context.Context, eventName string) ([]Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM automation_triggers WHERE is_active = 1`
	var args []any
	if eventName != "" {
		query += ` AND event_name = ?`
		args = append(args, eventName)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying triggers: %w", err)
	}
	defer rows.Close()

	triggers := []Trigger{}
	for rows.Next() {
		t, scanErr := scanTrigger(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning trigger: %w", scanErr)
		}
		triggers = append(triggers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating triggers: %w", err)
	}
	return triggers, nil
}

// SaveTrigger inserts or updates a trigger.
func (r *SQLiteRepository) SaveTrigger(ctx context.Context, t *Trigger) error {
	rules, err := marshalJSON(nonNilMap(t.ConditionRules))
	if err != nil {
		return fmt.Errorf("marshalling condition rules: %w", err)
	}
	targets, err := marshalJSON(nonNilStrings(t.OutputTargets))
	if err != nil {
		return fmt.Errorf("marshalling output targets: %w", err)
	}

	now := r.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.ExecutionMode == "" {
		t.ExecutionMode = ModeAsync
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, event_name = excluded.event_name, is_active = excluded.is_active,
			condition_rules = excluded.condition_rules, pack_id = excluded.pack_id,
			execution_mode = excluded.execution_mode, auto_apply_outputs = excluded.auto_apply_outputs,
			output_targets = excluded.output_targets, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.EventName, boolToInt(t.IsActive), rules, t.PackID,
		string(t.ExecutionMode), boolToInt(t.AutoApplyOutputs), targets,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting trigger: %w", err)
	}
	return nil
}

// ─── Events ─────────────────────────────────────────────────────────────────

// CreateEvent records a new, unprocessed event.
func (r *SQLiteRepository) CreateEvent(ctx context.Context, e *Event) error {
	payload, err := marshalJSON(nonNilMap(e.Payload))
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, '[]', ?)`,
		e.ID, e.EventName, payload, e.Source,
		nullableString(e.UserID), nullableString(e.OrgID), nullableString(e.StartupID),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by ID.
func (r *SQLiteRepository) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM automation_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return e, nil
}

// MarkEventProcessed flips an event to processed. An event is processed at
// most once; a second call returns ErrEventProcessed.
func (r *SQLiteRepository) MarkEventProcessed(ctx context.Context, id string, triggered []string, at time.Time) error {
	list, err := marshalJSON(nonNilStrings(triggered))
	if err != nil {
		return fmt.Errorf("marshalling triggered automations: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_events
		SET processed = 1, processed_at = ?, triggered_automations = ?
		WHERE id = ? AND processed = 0`,
		formatTime(at), list, id,
	)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := r.GetEvent(ctx, id); getErr != nil {
			return getErr
		}
		return ErrEventProcessed
	}
	return nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPack(scanner rowScanner) (*Pack, error) {
	var p Pack
	var description sql.NullString
	var active int
	var createdAt, updatedAt string

	if err := scanner.Scan(&p.ID, &p.Slug, &p.Title, &p.Category, &description,
		&active, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.Description = description.String
	p.IsActive = active != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.Steps = []PackStep{}
	return &p, nil
}

func scanStep(scanner rowScanner) (*PackStep, error) {
	var s PackStep
	var reasoning int
	var format, applyTo string
	var maxTokens sql.NullInt64
	var temperature sql.NullFloat64

	if err := scanner.Scan(&s.ID, &s.PackID, &s.StepOrder, &s.Purpose, &s.PromptTemplate, &s.AIModel,
		&reasoning, &format, &applyTo, &maxTokens, &temperature); err != nil {
		return nil, err
	}

	s.RequiresReasoning = reasoning != 0
	s.OutputFormat = OutputFormat(format)
	if err := unmarshalJSON(applyTo, &s.ApplyTo); err != nil {
		return nil, fmt.Errorf("unmarshalling apply_to: %w", err)
	}
	s.ApplyTo = nonNilStrings(s.ApplyTo)
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		s.MaxTokens = &v
	}
	if temperature.Valid {
		v := temperature.Float64
		s.Temperature = &v
	}
	return &s, nil
}

func scanTrigger(scanner rowScanner) (*Trigger, error) {
	var t Trigger
	var active, autoApply int
	var rules, mode, targets, createdAt, updatedAt string

	if err := scanner.Scan(&t.ID, &t.Name, &t.EventName, &active, &rules, &t.PackID,
		&mode, &autoApply, &targets, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.IsActive = active != 0
	t.AutoApplyOutputs = autoApply != 0
	t.ExecutionMode = ExecutionMode(mode)
	if err := unmarshalJSON(rules, &t.ConditionRules); err != nil {
		return nil, fmt.Errorf("unmarshalling condition rules: %w", err)
	}
	if err := unmarshalJSON(targets, &t.OutputTargets); err != nil {
		return nil, fmt.Errorf("unmarshalling output targets: %w", err)
	}
	t.OutputTargets = nonNilStrings(t.OutputTargets)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func scanEvent(scanner rowScanner) (*Event, error) {
	var e Event
	var payload, triggered, createdAt string
	var userID, orgID, startupID, processedAt sql.NullString
	var processed int

	if err := scanner.Scan(&e.ID, &e.EventName, &payload, &e.Source, &userID, &orgID, &startupID,
		&processed, &processedAt, &triggered, &createdAt); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshalling payload: %w", err)
	}
	if err := unmarshalJSON(triggered, &e.TriggeredAutomations); err != nil {
		return nil, fmt.Errorf("unmarshalling triggered automations: %w", err)
	}
	e.TriggeredAutomations = nonNilStrings(e.TriggeredAutomations)
	e.Scope = Scope{UserID: userID.String, OrgID: orgID.String, StartupID: startupID.String}
	e.Processed = processed != 0
	e.ProcessedAt = parseNullTime(processedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// ─── Value Helpers ──────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// nullableTime converts a *time.Time to a value suitable for SQL insertion.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isUniqueConstraintError checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
