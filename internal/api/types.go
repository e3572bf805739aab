package api

import "encoding/json"

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "inprogress"
	TaskStatusInReview   TaskStatus = "inreview"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

type RunReason string

const (
	RunReasonSetupScript   RunReason = "setupscript"
	RunReasonCleanupScript RunReason = "cleanupscript"
	RunReasonCodingAgent   RunReason = "codingagent"
	RunReasonDevServer     RunReason = "devserver"
)

type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	GitRepoPath string `json:"git_repo_path"`
	CreatedAt   string `json:"created_at"`
}

type Task struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	Title               string     `json:"title"`
	Description         *string    `json:"description,omitempty"`
	Status              TaskStatus `json:"status"`
	BranchTemplate      *string    `json:"branch_template,omitempty"`
	ParentTaskAttemptID *string    `json:"parent_task_attempt,omitempty"`
	CreatedAt           string     `json:"created_at"`
	UpdatedAt           string     `json:"updated_at"`
}

// TaskWithAttemptStatus is the read model served to clients. The status
// fields are computed from attempt and execution-process history at query
// time and are never persisted.
type TaskWithAttemptStatus struct {
	Task
	HasInProgressAttempt bool   `json:"has_in_progress_attempt"`
	HasMergedAttempt     bool   `json:"has_merged_attempt"`
	LastAttemptFailed    bool   `json:"last_attempt_failed"`
	Executor             string `json:"executor"`
}

type TaskAttempt struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	Executor        string `json:"executor"`
	Branch          string `json:"branch"`
	BaseBranch      string `json:"base_branch"`
	ContainerRef    string `json:"container_ref,omitempty"`
	WorktreeDeleted bool   `json:"worktree_deleted"`
	UseWorktree     bool   `json:"use_worktree"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type ExecutionProcess struct {
	ID            string        `json:"id"`
	TaskAttemptID string        `json:"task_attempt_id"`
	RunReason     RunReason     `json:"run_reason"`
	Status        ProcessStatus `json:"status"`
	ExitCode      *int64        `json:"exit_code,omitempty"`
	CreatedAt     string        `json:"created_at"`
	CompletedAt   string        `json:"completed_at,omitempty"`
}

// ExecutorSelection names an agent backend and, optionally, one of its
// configuration variants.
type ExecutorSelection struct {
	Executor string `json:"executor"`
	Variant  string `json:"variant,omitempty"`
}

// String renders the selection as persisted on an attempt row.
func (e ExecutorSelection) String() string {
	if e.Variant == "" {
		return e.Executor
	}
	return e.Executor + ":" + e.Variant
}

type CreateProjectRequest struct {
	Name        string `json:"name"`
	GitRepoPath string `json:"git_repo_path"`
}

type CreateTaskRequest struct {
	Title               string  `json:"title"`
	Description         *string `json:"description,omitempty"`
	ParentTaskAttemptID *string `json:"parent_task_attempt,omitempty"`
	Agent               bool    `json:"agent,omitempty"`
}

type CreateAttemptRequest struct {
	TaskID      string            `json:"task_id"`
	Executor    ExecutorSelection `json:"executor_profile_id"`
	BaseBranch  string            `json:"base_branch"`
	UseWorktree *bool             `json:"use_worktree,omitempty"`
}

type BranchTemplate struct {
	TaskID   string  `json:"task_id"`
	Template *string `json:"template"`
}

type UpdateTaskStatusRequest struct {
	Status TaskStatus `json:"status"`
}

// WorktreeInfo describes one directory found under the worktree root.
type WorktreeInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ProfileTree maps executor name to variant name to an opaque agent
// configuration document.
type ProfileTree map[string]map[string]json.RawMessage
