package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/packflow/internal/infrastructure/database"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Writable columns per table. Output keys not listed here are dropped.
var (
	profileColumns = []string{"full_name", "email", "role", "bio", "linkedin_url", "preferences"}
	startupColumns = []string{"name", "industry", "stage", "description", "website", "target_market", "business_model"}
	canvasColumns  = []string{
		"problem", "solution", "unique_value_proposition", "customer_segments", "revenue_streams",
		"channels", "key_metrics", "cost_structure", "unfair_advantage",
	}
)

// JSON columns are decoded when read so templates see structure.
var jsonColumns = map[string]bool{"preferences": true, "metadata": true}

// Store is the SQLite-backed workspace store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a workspace store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Profile returns a user's profile as a map, or nil when there is none.
func (s *Store) Profile(ctx context.Context, userID string) (map[string]any, error) {
	return s.record(ctx, "profiles", append([]string{"id", "org_id"}, profileColumns...), "id", userID)
}

// Startup returns a startup as a map, or nil when there is none.
func (s *Store) Startup(ctx context.Context, startupID string) (map[string]any, error) {
	return s.record(ctx, "startups", append([]string{"id", "org_id", "metadata"}, startupColumns...), "id", startupID)
}

// Canvas returns a startup's lean canvas as a map, or nil when there is none.
func (s *Store) Canvas(ctx context.Context, startupID string) (map[string]any, error) {
	return s.record(ctx, "lean_canvases", append([]string{"id", "startup_id"}, canvasColumns...), "startup_id", startupID)
}

// StartupForUser returns the first startup of the user's organisation,
// or "" when the user has no organisation or it has no startup.
func (s *Store) StartupForUser(ctx context.Context, userID string) (string, error) {
	var orgID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT org_id FROM profiles WHERE id = ?`, userID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !orgID.Valid) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving organisation for user %s: %w", userID, err)
	}
	return s.StartupForOrg(ctx, orgID.String)
}

// StartupForOrg returns the organisation's oldest startup, or "".
func (s *Store) StartupForOrg(ctx context.Context, orgID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM startups WHERE org_id = ?
		ORDER BY created_at, id LIMIT 1`, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving startup for org %s: %w", orgID, err)
	}
	return id, nil
}

// record reads one row into a map. NULL columns are left out.
func (s *Store) record(ctx context.Context, table string, columns []string, keyColumn, key string) (map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(columns, ", "), table, keyColumn)

	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := s.db.QueryRowContext(ctx, query, key).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying %s %s: %w", table, key, err)
	}

	out := make(map[string]any, len(columns))
	for i, col := range columns {
		if !values[i].Valid {
			continue
		}
		if jsonColumns[col] {
			var v any
			if err := json.Unmarshal([]byte(values[i].String), &v); err == nil {
				out[col] = v
				continue
			}
		}
		out[col] = values[i].String
	}
	return out, nil
}

// ─── Record Writes ──────────────────────────────────────────────────────────

// CreateProfile inserts a profile row.
func (s *Store) CreateProfile(ctx context.Context, id, orgID, fullName string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (id, org_id, full_name) VALUES (?, ?, ?)`,
		id, nullable(orgID), nullable(fullName))
	if err != nil {
		return fmt.Errorf("inserting profile %s: %w", id, err)
	}
	return nil
}

// CreateStartup inserts a startup row.
func (s *Store) CreateStartup(ctx context.Context, id, orgID, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO startups (id, org_id, name, created_at) VALUES (?, ?, ?, ?)`,
		id, nullable(orgID), name, s.timestamp())
	if err != nil {
		return fmt.Errorf("inserting startup %s: %w", id, err)
	}
	return nil
}

// UpdateProfile writes the whitelisted fields of a profile.
func (s *Store) UpdateProfile(ctx context.Context, userID string, fields map[string]any) error {
	return s.update(ctx, "profiles", profileColumns, userID, fields)
}

// UpdateStartup writes the whitelisted fields of a startup.
func (s *Store) UpdateStartup(ctx context.Context, startupID string, fields map[string]any) error {
	return s.update(ctx, "startups", startupColumns, startupID, fields)
}

// UpsertCanvas writes the whitelisted fields of a startup's canvas,
// creating it on first use.
func (s *Store) UpsertCanvas(ctx context.Context, startupID string, fields map[string]any) error {
	cols, args, err := pick(canvasColumns, fields)
	if err != nil {
		return err
	}
	now := s.timestamp()

	insertCols := append([]string{"id", "startup_id"}, cols...)
	insertCols = append(insertCols, "updated_at")
	insertArgs := append([]any{uuid.NewString(), startupID}, args...)
	insertArgs = append(insertArgs, now)

	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = excluded."+c)
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	query := fmt.Sprintf(`INSERT INTO lean_canvases (%s) VALUES (%s)
		ON CONFLICT(startup_id) DO UPDATE SET %s`,
		strings.Join(insertCols, ", "), placeholders(len(insertCols)), strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, insertArgs...); err != nil {
		return fmt.Errorf("upserting canvas for startup %s: %w", startupID, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, table string, allowed []string, id string, fields map[string]any) error {
	cols, args, err := pick(allowed, fields)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.timestamp(), id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating %s %s: %w", table, id, err)
	}
	return nil
}

// ─── Tasks, Reports, Decks ──────────────────────────────────────────────────

// Task is a to-do item produced for a startup.
type Task struct {
	Title       string
	Description string
	Priority    string
	DueAt       string
	Tags        []string
}

// InsertTasks adds tasks for a startup in one transaction.
func (s *Store) InsertTasks(ctx context.Context, startupID, createdBy string, tasks []Task) error {
	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, t := range tasks {
			priority := t.Priority
			if priority == "" {
				priority = "medium"
			}
			tags, err := json.Marshal(nonNil(t.Tags))
			if err != nil {
				return fmt.Errorf("encoding task tags: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, startup_id, created_by, title, description, priority, status, due_at, tags, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 'todo', ?, ?, ?)`,
				uuid.NewString(), startupID, nullable(createdBy), t.Title, t.Description, priority,
				nullable(t.DueAt), string(tags), s.timestamp())
			if err != nil {
				return fmt.Errorf("inserting task %q: %w", t.Title, err)
			}
		}
		return nil
	})
}

// ListTasks returns a startup's tasks, oldest first.
func (s *Store) ListTasks(ctx context.Context, startupID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title, description, priority, due_at, tags FROM tasks
		WHERE startup_id = ? ORDER BY created_at, rowid`, startupID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var due sql.NullString
		var tags string
		if err := rows.Scan(&t.Title, &t.Description, &t.Priority, &due, &tags); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.DueAt = due.String
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decoding task tags: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ValidationReport is a scored assessment of a startup idea.
type ValidationReport struct {
	UserID        string
	StartupID     string
	OverallScore  *float64
	ProblemScore  *float64
	MarketScore   *float64
	SolutionScore *float64
	BusinessScore *float64
	Verdict       string
	ReportData    any
}

// InsertValidationReport stores a report and returns its ID.
func (s *Store) InsertValidationReport(ctx context.Context, r ValidationReport) (string, error) {
	data, err := json.Marshal(r.ReportData)
	if err != nil {
		return "", fmt.Errorf("encoding report data: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validation_reports (id, user_id, startup_id, overall_score, problem_score,
			market_score, solution_score, business_score, verdict, report_data, validation_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'prompt_pack', ?)`,
		id, nullable(r.UserID), r.StartupID, r.OverallScore, r.ProblemScore,
		r.MarketScore, r.SolutionScore, r.BusinessScore, nullable(r.Verdict), string(data), s.timestamp())
	if err != nil {
		return "", fmt.Errorf("inserting validation report: %w", err)
	}
	return id, nil
}

// LatestValidationReport returns the newest report of a startup, or nil.
func (s *Store) LatestValidationReport(ctx context.Context, startupID string) (*ValidationReport, error) {
	var r ValidationReport
	var userID, verdict sql.NullString
	var overall, problem, market, solution, business sql.NullFloat64
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, startup_id, overall_score, problem_score, market_score, solution_score,
			business_score, verdict, report_data
		FROM validation_reports WHERE startup_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, startupID).
		Scan(&userID, &r.StartupID, &overall, &problem, &market, &solution, &business, &verdict, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying validation report: %w", err)
	}
	r.UserID = userID.String
	r.Verdict = verdict.String
	r.OverallScore = floatPtr(overall)
	r.ProblemScore = floatPtr(problem)
	r.MarketScore = floatPtr(market)
	r.SolutionScore = floatPtr(solution)
	r.BusinessScore = floatPtr(business)
	if err := json.Unmarshal([]byte(data), &r.ReportData); err != nil {
		return nil, fmt.Errorf("decoding report data: %w", err)
	}
	return &r, nil
}

// Slide is one pitch deck slide.
type Slide struct {
	Number   int
	Type     string
	Title    string
	Subtitle string
	Content  string
}

// UpsertSlides writes slides onto the startup's newest draft deck,
// creating the deck when there is none. Slides are keyed by number.
func (s *Store) UpsertSlides(ctx context.Context, startupID string, slides []Slide) (string, error) {
	var deckID string
	err := database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM pitch_decks WHERE startup_id = ? AND status = 'draft'
			ORDER BY created_at DESC, rowid DESC LIMIT 1`, startupID).Scan(&deckID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			deckID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pitch_decks (id, startup_id, status, deck_type, metadata, created_at, updated_at)
				VALUES (?, ?, 'draft', 'investor', '{"source":"automation_engine"}', ?, ?)`,
				deckID, startupID, s.timestamp(), s.timestamp()); err != nil {
				return fmt.Errorf("creating draft deck: %w", err)
			}
		case err != nil:
			return fmt.Errorf("finding draft deck: %w", err)
		}

		for _, sl := range slides {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pitch_deck_slides (id, deck_id, slide_number, slide_type, title, subtitle, content, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(deck_id, slide_number) DO UPDATE SET
					slide_type = excluded.slide_type, title = excluded.title,
					subtitle = excluded.subtitle, content = excluded.content,
					updated_at = excluded.updated_at`,
				uuid.NewString(), deckID, sl.Number, sl.Type, sl.Title,
				nullable(sl.Subtitle), nullable(sl.Content), s.timestamp()); err != nil {
				return fmt.Errorf("upserting slide %d: %w", sl.Number, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return deckID, nil
}

// ListSlides returns a deck's slides in slide order.
func (s *Store) ListSlides(ctx context.Context, deckID string) ([]Slide, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slide_number, slide_type, title, subtitle, content FROM pitch_deck_slides
		WHERE deck_id = ? ORDER BY slide_number`, deckID)
	if err != nil {
		return nil, fmt.Errorf("querying slides: %w", err)
	}
	defer rows.Close()

	var slides []Slide
	for rows.Next() {
		var sl Slide
		var subtitle, content sql.NullString
		if err := rows.Scan(&sl.Number, &sl.Type, &sl.Title, &subtitle, &content); err != nil {
			return nil, fmt.Errorf("scanning slide: %w", err)
		}
		sl.Subtitle = subtitle.String
		sl.Content = content.String
		slides = append(slides, sl)
	}
	return slides, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// pick selects the allowed non-null keys present in fields, in sorted
// order, and converts their values to column text.
func pick(allowed []string, fields map[string]any) ([]string, []any, error) {
	ok := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		ok[c] = true
	}

	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if ok[k] && v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v, err := columnValue(fields[k])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, k, err)
		}
		args = append(args, v)
	}
	return keys, args, nil
}

// columnValue stores strings as written and anything else as JSON text.
func columnValue(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
