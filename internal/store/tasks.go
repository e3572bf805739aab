package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/throw-if-null/catalyst/internal/api"
)

// qualifyingReasons lists the run reasons that count towards derived
// attempt status. Dev servers are long-lived and never do.
var qualifyingReasons = []api.RunReason{
	api.RunReasonSetupScript,
	api.RunReasonCleanupScript,
	api.RunReasonCodingAgent,
}

func reasonList() string {
	q := make([]string, len(qualifyingReasons))
	for i, r := range qualifyingReasons {
		q[i] = "'" + string(r) + "'"
	}
	return strings.Join(q, ", ")
}

const taskColumns = `t.id, t.project_id, t.title, t.description, t.status, bt.template, t.parent_task_attempt, t.created_at, t.updated_at`

const taskFrom = `FROM tasks t LEFT JOIN task_branch_templates bt ON bt.task_id = t.id`

func taskWithStatusQuery(where string) string {
	reasons := reasonList()
	return `SELECT ` + taskColumns + `,
  CASE WHEN EXISTS (
    SELECT 1 FROM task_attempts ta
    JOIN execution_processes ep ON ep.task_attempt_id = ta.id
    WHERE ta.task_id = t.id
      AND ep.status = 'running'
      AND ep.run_reason IN (` + reasons + `)
  ) THEN 1 ELSE 0 END AS has_in_progress_attempt,
  CASE WHEN EXISTS (
    SELECT 1 FROM task_attempts ta
    JOIN merges m ON m.task_attempt_id = ta.id
    WHERE ta.task_id = t.id
  ) THEN 1 ELSE 0 END AS has_merged_attempt,
  CASE WHEN (
    SELECT ep.status FROM task_attempts ta
    JOIN execution_processes ep ON ep.task_attempt_id = ta.id
    WHERE ta.task_id = t.id
      AND ep.run_reason IN (` + reasons + `)
    ORDER BY ep.created_at DESC, ep.rowid DESC
    LIMIT 1
  ) IN ('failed', 'killed') THEN 1 ELSE 0 END AS last_attempt_failed,
  COALESCE((
    SELECT ta.executor FROM task_attempts ta
    WHERE ta.task_id = t.id
    ORDER BY ta.created_at DESC, ta.rowid DESC
    LIMIT 1
  ), '') AS executor
` + taskFrom + `
` + where
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, extra ...any) (*api.Task, error) {
	var t api.Task
	var desc, tmpl, parent sql.NullString
	dest := []any{&t.ID, &t.ProjectID, &t.Title, &desc, &t.Status, &tmpl, &parent, &t.CreatedAt, &t.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	t.Description = stringPtr(desc)
	t.BranchTemplate = stringPtr(tmpl)
	t.ParentTaskAttemptID = stringPtr(parent)
	return &t, nil
}

func scanTaskWithStatus(row rowScanner) (*api.TaskWithAttemptStatus, error) {
	var inProgress, merged, failed int
	var executor string
	t, err := scanTask(row, &inProgress, &merged, &failed, &executor)
	if err != nil {
		return nil, err
	}
	return &api.TaskWithAttemptStatus{
		Task:                 *t,
		HasInProgressAttempt: inProgress == 1,
		HasMergedAttempt:     merged == 1,
		LastAttemptFailed:    failed == 1,
		Executor:             executor,
	}, nil
}

// CreateProject inserts a project. The git repository path is unique.
func (s *Store) CreateProject(ctx context.Context, r *api.CreateProjectRequest) (*api.Project, error) {
	p := &api.Project{
		ID:          uuid.New().String(),
		Name:        r.Name,
		GitRepoPath: r.GitRepoPath,
		CreatedAt:   now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, git_repo_path, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.GitRepoPath, p.CreatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("project for %s already exists: %w", r.GitRepoPath, err)
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*api.Project, error) {
	var p api.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, git_repo_path, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.GitRepoPath, &p.CreatedAt)
	if isNoRows(err) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	return &p, nil
}

// CreateTask inserts a task with status todo.
func (s *Store) CreateTask(ctx context.Context, projectID string, r *api.CreateTaskRequest) (*api.Task, error) {
	ts := now()
	t := &api.Task{
		ID:                  uuid.New().String(),
		ProjectID:           projectID,
		Title:               r.Title,
		Description:         r.Description,
		Status:              api.TaskStatusTodo,
		ParentTaskAttemptID: r.ParentTaskAttemptID,
		CreatedAt:           ts,
		UpdatedAt:           ts,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, parent_task_attempt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, nullString(t.Description), t.Status, nullString(t.ParentTaskAttemptID), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask returns the plain task row.
func (s *Store) GetTask(ctx context.Context, id string) (*api.Task, error) {
	if err := s.ensureExtensionTables(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` `+taskFrom+` WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if isNoRows(err) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// GetTaskInProject is GetTask constrained to a project; a task that exists
// in another project is reported as not found.
func (s *Store) GetTaskInProject(ctx context.Context, projectID, id string) (*api.Task, error) {
	if err := s.ensureExtensionTables(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` `+taskFrom+` WHERE t.id = ? AND t.project_id = ?`, id, projectID)
	t, err := scanTask(row)
	if isNoRows(err) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasksWithAttemptStatus returns the project's tasks, newest first,
// joined with derived attempt status. Agent tasks are excluded.
func (s *Store) ListTasksWithAttemptStatus(ctx context.Context, projectID string) ([]*api.TaskWithAttemptStatus, error) {
	if err := s.ensureExtensionTables(); err != nil {
		return nil, err
	}
	q := taskWithStatusQuery(`WHERE t.project_id = ?
  AND NOT EXISTS (SELECT 1 FROM agent_tasks a WHERE a.task_id = t.id)
ORDER BY t.created_at DESC, t.rowid DESC`)
	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := []*api.TaskWithAttemptStatus{}
	for rows.Next() {
		t, err := scanTaskWithStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTaskWithAttemptStatus returns a single task with derived status,
// whether or not it is an agent task.
func (s *Store) GetTaskWithAttemptStatus(ctx context.Context, id string) (*api.TaskWithAttemptStatus, error) {
	if err := s.ensureExtensionTables(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, taskWithStatusQuery(`WHERE t.id = ?`), id)
	t, err := scanTaskWithStatus(row)
	if isNoRows(err) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus sets the task status and bumps updated_at.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status api.TaskStatus) error {
	return withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("task", id)
		}
		return nil
	})
}

// GetParentTask resolves the task that owns the attempt which spawned the
// given child task. A task without a parent attempt yields ErrNotFound.
func (s *Store) GetParentTask(ctx context.Context, child *api.Task) (*api.Task, error) {
	if child.ParentTaskAttemptID == nil {
		return nil, notFound("parent task", child.ID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` `+taskFrom+`
JOIN task_attempts ta ON ta.task_id = t.id
WHERE ta.id = ?`, *child.ParentTaskAttemptID)
	t, err := scanTask(row)
	if isNoRows(err) {
		return nil, notFound("parent task", child.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("query parent task: %w", err)
	}
	return t, nil
}
