package attempts

import (
	"context"
	"encoding/json"

	"github.com/throw-if-null/catalyst/internal/api"
)

// LaunchRequest carries everything needed to provision and run an attempt.
type LaunchRequest struct {
	Attempt   *api.TaskAttempt
	Task      *api.Task
	Project   *api.Project
	Selection api.ExecutorSelection
	// Profile is the resolved executor profile document; nil when the
	// selection has no profile.
	Profile json.RawMessage
}

// Launcher provisions an attempt's working copy and starts its first
// execution process.
type Launcher interface {
	StartAttempt(ctx context.Context, req LaunchRequest) (*api.ExecutionProcess, error)
}

// Stopper is implemented by launchers that can stop a running attempt.
type Stopper interface {
	StopAttempt(attemptID string) bool
}

// WorktreeRemover is implemented by launchers that can delete an attempt's
// worktree from the repository at repo.
type WorktreeRemover interface {
	RemoveWorktree(ctx context.Context, attemptID, repo, path string) error
}
