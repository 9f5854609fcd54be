package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const chainColumns = `id, name, description, is_active, steps, created_at, updated_at`

const chainExecutionColumns = `id, chain_id, user_id, org_id, startup_id, current_step, total_steps,
			step_results, context, status, next_step_at, error_message, started_at,
			completed_at, created_at, version`

// GetChain retrieves a chain by ID regardless of its active flag.
func (r *SQLiteRepository) GetChain(ctx context.Context, id string) (*Chain, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM automation_chains WHERE id = ?`, id)
	c, err := scanChain(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChainNotFound
		}
		return nil, fmt.Errorf("querying chain: %w", err)
	}
	return c, nil
}

// ListActiveChains returns active chains ordered by name.
func (r *SQLiteRepository) ListActiveChains(ctx context.Context) ([]Chain, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chainColumns+` FROM automation_chains WHERE is_active = 1 ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying chains: %w", err)
	}
	defer rows.Close()

	chains := []Chain{}
	for rows.Next() {
		c, scanErr := scanChain(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning chain: %w", scanErr)
		}
		chains = append(chains, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chains: %w", err)
	}
	return chains, nil
}

// SaveChain inserts or updates a chain definition.
func (r *SQLiteRepository) SaveChain(ctx context.Context, c *Chain) error {
	steps := c.Steps
	if steps == nil {
		steps = []ChainStep{}
	}
	encoded, err := marshalJSON(steps)
	if err != nil {
		return fmt.Errorf("marshalling chain steps: %w", err)
	}

	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_chains (`+chainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			is_active = excluded.is_active, steps = excluded.steps, updated_at = excluded.updated_at`,
		c.ID, c.Name, nullableString(c.Description), boolToInt(c.IsActive), encoded,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting chain: %w", err)
	}
	return nil
}

// CreateChainExecution inserts a new chain execution with version 0.
func (r *SQLiteRepository) CreateChainExecution(ctx context.Context, ce *ChainExecution) error {
	results, stateJSON, err := encodeChainState(ce)
	if err != nil {
		return err
	}
	if ce.CreatedAt.IsZero() {
		ce.CreatedAt = r.now().UTC()
	}
	if ce.Status == "" {
		ce.Status = ChainRunning
	}
	ce.Version = 0

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO chain_executions (`+chainExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		ce.ID, ce.ChainID, nullableString(ce.UserID), nullableString(ce.OrgID), nullableString(ce.StartupID),
		ce.CurrentStep, ce.TotalSteps, results, stateJSON, string(ce.Status),
		nullableTime(ce.NextStepAt), nullableString(ce.ErrorMessage),
		nullableTime(ce.StartedAt), nullableTime(ce.CompletedAt), formatTime(ce.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting chain execution: %w", err)
	}
	return nil
}

// GetChainExecution retrieves a chain execution by ID.
func (r *SQLiteRepository) GetChainExecution(ctx context.Context, id string) (*ChainExecution, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+chainExecutionColumns+` FROM chain_executions WHERE id = ?`, id)
	ce, err := scanChainExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChainExecutionNotFound
		}
		return nil, fmt.Errorf("querying chain execution: %w", err)
	}
	return ce, nil
}

// UpdateChainExecution writes ce if the stored version still matches
// ce.Version. On success ce.Version is incremented.
func (r *SQLiteRepository) UpdateChainExecution(ctx context.Context, ce *ChainExecution) error {
	results, stateJSON, err := encodeChainState(ce)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE chain_executions SET
			current_step = ?, total_steps = ?, step_results = ?, context = ?, status = ?,
			next_step_at = ?, error_message = ?, started_at = ?, completed_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		ce.CurrentStep, ce.TotalSteps, results, stateJSON, string(ce.Status),
		nullableTime(ce.NextStepAt), nullableString(ce.ErrorMessage),
		nullableTime(ce.StartedAt), nullableTime(ce.CompletedAt),
		ce.ID, ce.Version,
	)
	if err != nil {
		return fmt.Errorf("updating chain execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := r.GetChainExecution(ctx, ce.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	ce.Version++
	return nil
}

// ListDueChainExecutions returns running chain executions whose delayed
// next step is due at or before now.
func (r *SQLiteRepository) ListDueChainExecutions(ctx context.Context, now time.Time, limit int) ([]ChainExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chainExecutionColumns+` FROM chain_executions
		WHERE status = 'running' AND next_step_at IS NOT NULL AND next_step_at <= ?
		ORDER BY next_step_at, id LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due chain executions: %w", err)
	}
	defer rows.Close()

	due := []ChainExecution{}
	for rows.Next() {
		ce, scanErr := scanChainExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning chain execution: %w", scanErr)
		}
		due = append(due, *ce)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chain executions: %w", err)
	}
	return due, nil
}

func encodeChainState(ce *ChainExecution) (results, stateJSON string, err error) {
	records := ce.StepResults
	if records == nil {
		records = []StepRecord{}
	}
	results, err = marshalJSON(records)
	if err != nil {
		return "", "", fmt.Errorf("marshalling step results: %w", err)
	}
	stateJSON, err = marshalJSON(nonNilMap(ce.Context))
	if err != nil {
		return "", "", fmt.Errorf("marshalling chain context: %w", err)
	}
	return results, stateJSON, nil
}

func scanChain(scanner rowScanner) (*Chain, error) {
	var c Chain
	var description sql.NullString
	var active int
	var steps, createdAt, updatedAt string

	if err := scanner.Scan(&c.ID, &c.Name, &description, &active, &steps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Description = description.String
	c.IsActive = active != 0
	if err := unmarshalJSON(steps, &c.Steps); err != nil {
		return nil, fmt.Errorf("unmarshalling chain steps: %w", err)
	}
	if c.Steps == nil {
		c.Steps = []ChainStep{}
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanChainExecution(scanner rowScanner) (*ChainExecution, error) {
	var ce ChainExecution
	var userID, orgID, startupID, nextStepAt, errMsg, startedAt, completedAt sql.NullString
	var results, stateJSON, status, createdAt string

	if err := scanner.Scan(&ce.ID, &ce.ChainID, &userID, &orgID, &startupID, &ce.CurrentStep, &ce.TotalSteps,
		&results, &stateJSON, &status, &nextStepAt, &errMsg, &startedAt,
		&completedAt, &createdAt, &ce.Version); err != nil {
		return nil, err
	}

	ce.Scope = Scope{UserID: userID.String, OrgID: orgID.String, StartupID: startupID.String}
	if err := unmarshalJSON(results, &ce.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshalling step results: %w", err)
	}
	if ce.StepResults == nil {
		ce.StepResults = []StepRecord{}
	}
	if err := unmarshalJSON(stateJSON, &ce.Context); err != nil {
		return nil, fmt.Errorf("unmarshalling chain context: %w", err)
	}
	ce.Context = nonNilMap(ce.Context)
	ce.Status = ChainStatus(status)
	ce.NextStepAt = parseNullTime(nextStepAt)
	ce.ErrorMessage = errMsg.String
	ce.StartedAt = parseNullTime(startedAt)
	ce.CompletedAt = parseNullTime(completedAt)
	ce.CreatedAt = parseTime(createdAt)
	return &ce, nil
}
