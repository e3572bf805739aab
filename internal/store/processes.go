package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/throw-if-null/catalyst/internal/api"
)

// CreateExecutionProcess inserts a process row in the running state.
func (s *Store) CreateExecutionProcess(ctx context.Context, attemptID string, reason api.RunReason) (*api.ExecutionProcess, error) {
	p := &api.ExecutionProcess{
		ID:            uuid.New().String(),
		TaskAttemptID: attemptID,
		RunReason:     reason,
		Status:        api.ProcessStatusRunning,
		CreatedAt:     now(),
	}
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO execution_processes (id, task_attempt_id, run_reason, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.TaskAttemptID, p.RunReason, p.Status, p.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert execution process: %w", err)
	}
	return p, nil
}

// UpdateExecutionProcessStatus moves a process to status. Terminal statuses
// stamp completed_at; exitCode may be nil.
func (s *Store) UpdateExecutionProcessStatus(ctx context.Context, id string, status api.ProcessStatus, exitCode *int64) error {
	var completed sql.NullString
	if status != api.ProcessStatusRunning {
		completed = sql.NullString{String: now(), Valid: true}
	}
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: *exitCode, Valid: true}
	}
	return withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
			status, code, completed, id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("execution process", id)
		}
		return nil
	})
}

func (s *Store) GetExecutionProcess(ctx context.Context, id string) (*api.ExecutionProcess, error) {
	var p api.ExecutionProcess
	var code sql.NullInt64
	var completed sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_attempt_id, run_reason, status, exit_code, created_at, completed_at FROM execution_processes WHERE id = ?`, id,
	).Scan(&p.ID, &p.TaskAttemptID, &p.RunReason, &p.Status, &code, &p.CreatedAt, &completed)
	if isNoRows(err) {
		return nil, notFound("execution process", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query execution process: %w", err)
	}
	if code.Valid {
		v := code.Int64
		p.ExitCode = &v
	}
	p.CompletedAt = completed.String
	return &p, nil
}

// ReconcileInFlightProcesses marks every process still recorded as running
// as killed. It is meant to run once at daemon start, when no process
// from a previous run can still be alive. Running it again is a no-op.
// It returns the ids of the tasks whose derived status changed.
func (s *Store) ReconcileInFlightProcesses(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT a.task_id
FROM execution_processes ep
JOIN task_attempts a ON a.id = ep.task_attempt_id
WHERE ep.status = 'running'`)
	if err != nil {
		return nil, err
	}
	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		taskIDs = append(taskIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_processes SET status = ?, completed_at = ? WHERE status = 'running'`,
		api.ProcessStatusKilled, now(),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return taskIDs, nil
}
