package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const executionColumns = `id, trigger_id, chain_execution_id, chain_step, user_id, org_id, startup_id,
			pack_id, trigger_event, trigger_payload, auto_apply_outputs, output_targets,
			status, steps_completed, total_steps, outputs, applied_to, error_message,
			started_at, completed_at, created_at, version`

const packRunColumns = `id, execution_id, pack_id, step_order, provider, model, input_tokens,
			output_tokens, cost_usd, duration_ms, status, error_message, created_at`

// CreateExecution inserts a new execution with version 0.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	payload, err := marshalJSON(nonNilMap(exec.TriggerPayload))
	if err != nil {
		return fmt.Errorf("marshalling trigger payload: %w", err)
	}
	targets, err := marshalJSON(nonNilStrings(exec.OutputTargets))
	if err != nil {
		return fmt.Errorf("marshalling output targets: %w", err)
	}
	outputs, err := marshalJSON(nonNilMap(exec.Outputs))
	if err != nil {
		return fmt.Errorf("marshalling outputs: %w", err)
	}
	applied, err := marshalJSON(nonNilStrings(exec.AppliedTo))
	if err != nil {
		return fmt.Errorf("marshalling applied_to: %w", err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = r.now().UTC()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	exec.Version = 0

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		exec.ID, nullableString(exec.TriggerID), nullableString(exec.ChainExecutionID), nullableInt(exec.ChainStep),
		nullableString(exec.UserID), nullableString(exec.OrgID), nullableString(exec.StartupID),
		exec.PackID, nullableString(exec.TriggerEvent), payload, boolToInt(exec.AutoApplyOutputs), targets,
		string(exec.Status), exec.StepsCompleted, exec.TotalSteps, outputs, applied,
		nullableString(exec.ErrorMessage), nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		formatTime(exec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution writes the mutable fields of exec if the stored version
// still matches exec.Version. On success exec.Version is incremented.
func (r *SQLiteRepository) UpdateExecution(ctx context.Context, exec *Execution) error {
	outputs, err := marshalJSON(nonNilMap(exec.Outputs))
	if err != nil {
		return fmt.Errorf("marshalling outputs: %w", err)
	}
	applied, err := marshalJSON(nonNilStrings(exec.AppliedTo))
	if err != nil {
		return fmt.Errorf("marshalling applied_to: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_executions SET
			status = ?, steps_completed = ?, total_steps = ?, outputs = ?, applied_to = ?,
			error_message = ?, started_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(exec.Status), exec.StepsCompleted, exec.TotalSteps, outputs, applied,
		nullableString(exec.ErrorMessage), nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := r.GetExecution(ctx, exec.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	exec.Version++
	return nil
}

// ListExecutions returns executions newest first.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + executionColumns + ` FROM automation_executions WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return r.queryExecutions(ctx, query, args...)
}

// ListPendingExecutions returns the oldest pending executions.
func (r *SQLiteRepository) ListPendingExecutions(ctx context.Context, limit int) ([]Execution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM automation_executions
		WHERE status = 'pending'
		ORDER BY created_at, id LIMIT ?`, limit)
}

// ListStaleExecutions returns running executions started before the cutoff.
func (r *SQLiteRepository) ListStaleExecutions(ctx context.Context, startedBefore time.Time, limit int) ([]Execution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM automation_executions
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at, id LIMIT ?`, formatTime(startedBefore), limit)
}

func (r *SQLiteRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	execs := []Execution{}
	for rows.Next() {
		exec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning execution: %w", scanErr)
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return execs, nil
}

// RecordPackRun appends a usage ledger row.
func (r *SQLiteRepository) RecordPackRun(ctx context.Context, run *PackRun) error {
	if run.ID == "" {
		run.ID = GenerateID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pack_runs (`+packRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ExecutionID, run.PackID, run.StepOrder, run.Provider, run.Model,
		run.InputTokens, run.OutputTokens, run.CostUSD, run.DurationMS, string(run.Status),
		nullableString(run.ErrorMessage), formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting pack run: %w", err)
	}
	return nil
}

// ListPackRuns returns the ledger rows of one execution in step order.
func (r *SQLiteRepository) ListPackRuns(ctx context.Context, executionID string) ([]PackRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+packRunColumns+` FROM pack_runs
		WHERE execution_id = ? ORDER BY step_order, created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying pack runs: %w", err)
	}
	defer rows.Close()

	runs := []PackRun{}
	for rows.Next() {
		var run PackRun
		var status, createdAt string
		var errMsg sql.NullString
		if err := rows.Scan(&run.ID, &run.ExecutionID, &run.PackID, &run.StepOrder, &run.Provider, &run.Model,
			&run.InputTokens, &run.OutputTokens, &run.CostUSD, &run.DurationMS, &status, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pack run: %w", err)
		}
		run.Status = RunStatus(status)
		run.ErrorMessage = errMsg.String
		run.CreatedAt = parseTime(createdAt)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pack runs: %w", err)
	}
	return runs, nil
}

func scanExecution(scanner rowScanner) (*Execution, error) {
	var e Execution
	var triggerID, chainExecID, userID, orgID, startupID, triggerEvent, errMsg sql.NullString
	var startedAt, completedAt sql.NullString
	var chainStep sql.NullInt64
	var autoApply int
	var payload, targets, status, outputs, applied, createdAt string

	if err := scanner.Scan(&e.ID, &triggerID, &chainExecID, &chainStep, &userID, &orgID, &startupID,
		&e.PackID, &triggerEvent, &payload, &autoApply, &targets,
		&status, &e.StepsCompleted, &e.TotalSteps, &outputs, &applied, &errMsg,
		&startedAt, &completedAt, &createdAt, &e.Version); err != nil {
		return nil, err
	}

	e.TriggerID = triggerID.String
	e.ChainExecutionID = chainExecID.String
	if chainStep.Valid {
		v := int(chainStep.Int64)
		e.ChainStep = &v
	}
	e.Scope = Scope{UserID: userID.String, OrgID: orgID.String, StartupID: startupID.String}
	e.TriggerEvent = triggerEvent.String
	e.AutoApplyOutputs = autoApply != 0
	e.Status = Status(status)
	e.ErrorMessage = errMsg.String

	if err := unmarshalJSON(payload, &e.TriggerPayload); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger payload: %w", err)
	}
	if err := unmarshalJSON(targets, &e.OutputTargets); err != nil {
		return nil, fmt.Errorf("unmarshalling output targets: %w", err)
	}
	if err := unmarshalJSON(outputs, &e.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshalling outputs: %w", err)
	}
	if err := unmarshalJSON(applied, &e.AppliedTo); err != nil {
		return nil, fmt.Errorf("unmarshalling applied_to: %w", err)
	}
	e.TriggerPayload = nonNilMap(e.TriggerPayload)
	e.Outputs = nonNilMap(e.Outputs)
	e.OutputTargets = nonNilStrings(e.OutputTargets)
	e.AppliedTo = nonNilStrings(e.AppliedTo)

	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
