package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FetchBranchTemplate returns the task's branch template, or nil when none
// is stored.
func (s *Store) FetchBranchTemplate(ctx context.Context, taskID string) (*string, error) {
	if err := s.ensureExtensionTables(); err != nil {
		return nil, err
	}
	var tmpl sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT template FROM task_branch_templates WHERE task_id = ?`, taskID).Scan(&tmpl)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query branch template: %w", err)
	}
	return stringPtr(tmpl), nil
}

// UpsertBranchTemplate stores template for the task, replacing any previous
// value. The template is stored verbatim.
func (s *Store) UpsertBranchTemplate(ctx context.Context, taskID, template string) error {
	if err := s.ensureExtensionTables(); err != nil {
		return err
	}
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO task_branch_templates (task_id, template, updated_at) VALUES (?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET template = excluded.template, updated_at = excluded.updated_at`,
			taskID, template, now(),
		)
		if err != nil {
			return fmt.Errorf("upsert branch template: %w", err)
		}
		return nil
	})
}

// ClearBranchTemplate removes the task's template. Clearing an absent
// template is not an error.
func (s *Store) ClearBranchTemplate(ctx context.Context, taskID string) error {
	if err := s.ensureExtensionTables(); err != nil {
		return err
	}
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM task_branch_templates WHERE task_id = ?`, taskID)
		return err
	})
}

// MarkAgentTask flags a task as internal to agents.
func (s *Store) MarkAgentTask(ctx context.Context, taskID string) error {
	if err := s.ensureExtensionTables(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (task_id, created_at) VALUES (?, ?) ON CONFLICT(task_id) DO NOTHING`,
		taskID, now(),
	)
	if err != nil {
		return fmt.Errorf("mark agent task: %w", err)
	}
	return nil
}

func (s *Store) IsAgentTask(ctx context.Context, taskID string) (bool, error) {
	if err := s.ensureExtensionTables(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_tasks WHERE task_id = ?`, taskID).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query agent task: %w", err)
	}
	return true, nil
}
