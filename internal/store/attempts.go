package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/throw-if-null/catalyst/internal/api"
)

const attemptColumns = `a.id, a.task_id, a.executor, a.branch, a.base_branch, COALESCE(a.container_ref, ''), a.worktree_deleted, COALESCE(c.use_worktree, 1), a.created_at, a.updated_at`

const attemptFrom = `FROM task_attempts a LEFT JOIN attempt_worktree_configs c ON c.task_attempt_id = a.id`

func scanAttempt(row rowScanner) (*api.TaskAttempt, error) {
	var a api.TaskAttempt
	var deleted, useWorktree int
	if err := row.Scan(&a.ID, &a.TaskID, &a.Executor, &a.Branch, &a.BaseBranch, &a.ContainerRef, &deleted, &useWorktree, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.WorktreeDeleted = deleted != 0
	a.UseWorktree = useWorktree != 0
	return &a, nil
}

// CreateAttempt inserts the attempt row. The caller supplies the id and
// branch; executor is stored as given.
func (s *Store) CreateAttempt(ctx context.Context, a *api.TaskAttempt) error {
	ts := now()
	if a.CreatedAt == "" {
		a.CreatedAt = ts
	}
	a.UpdatedAt = a.CreatedAt
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO task_attempts (id, task_id, executor, branch, base_branch, container_ref, worktree_deleted, created_at, updated_at) VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), 0, ?, ?)`,
			a.ID, a.TaskID, a.Executor, a.Branch, a.BaseBranch, a.ContainerRef, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

// SetAttemptExecutor rewrites the persisted executor identifier.
func (s *Store) SetAttemptExecutor(ctx context.Context, id, executor string) error {
	return s.updateAttempt(ctx, id, `UPDATE task_attempts SET executor = ?, updated_at = ? WHERE id = ?`, executor, now(), id)
}

// SetContainerRef records where the attempt's worktree lives on disk.
func (s *Store) SetContainerRef(ctx context.Context, id, ref string) error {
	return s.updateAttempt(ctx, id, `UPDATE task_attempts SET container_ref = ?, updated_at = ? WHERE id = ?`, ref, now(), id)
}

// MarkWorktreeDeleted flags the attempt's worktree as removed from disk.
func (s *Store) MarkWorktreeDeleted(ctx context.Context, id string) error {
	return s.updateAttempt(ctx, id, `UPDATE task_attempts SET worktree_deleted = 1, updated_at = ? WHERE id = ?`, now(), id)
}

func (s *Store) updateAttempt(ctx context.Context, id, q string, args ...any) error {
	return withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("attempt", id)
		}
		return nil
	})
}

func (s *Store) GetAttempt(ctx context.Context, id string) (*api.TaskAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` `+attemptFrom+` WHERE a.id = ?`, id)
	a, err := scanAttempt(row)
	if isNoRows(err) {
		return nil, notFound("attempt", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query attempt: %w", err)
	}
	return a, nil
}

// ListAttemptsForTask returns a task's attempts, newest first.
func (s *Store) ListAttemptsForTask(ctx context.Context, taskID string) ([]*api.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptColumns+` `+attemptFrom+`
WHERE a.task_id = ?
ORDER BY a.created_at DESC, a.rowid DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := []*api.TaskAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveWorktreePaths returns the worktree paths of every attempt whose
// worktree has not been marked deleted.
func (s *Store) ActiveWorktreePaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_ref FROM task_attempts WHERE worktree_deleted = 0 AND container_ref IS NOT NULL AND container_ref != ''`)
	if err != nil {
		return nil, fmt.Errorf("query worktree paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p sql.NullString
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if p.Valid {
			out = append(out, p.String)
		}
	}
	return out, rows.Err()
}

// SetAttemptWorktreeConfig upserts the attempt-scoped worktree flag.
func (s *Store) SetAttemptWorktreeConfig(ctx context.Context, attemptID string, useWorktree bool) error {
	v := 0
	if useWorktree {
		v = 1
	}
	return withBusyRetry(ctx, func() error {
		if err := s.ensureExtensionTables(); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO attempt_worktree_configs (task_attempt_id, use_worktree) VALUES (?, ?)
ON CONFLICT(task_attempt_id) DO UPDATE SET use_worktree = excluded.use_worktree`,
			attemptID, v,
		)
		return err
	})
}

// RecordMerge notes that an attempt's branch was merged at the given commit.
func (s *Store) RecordMerge(ctx context.Context, attemptID, id, commit string) error {
	if err := s.ensureExtensionTables(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merges (id, task_attempt_id, merge_commit, created_at) VALUES (?, ?, ?, ?)`,
		id, attemptID, commit, now(),
	)
	if err != nil {
		return fmt.Errorf("insert merge: %w", err)
	}
	return nil
}
