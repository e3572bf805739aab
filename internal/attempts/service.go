// Package attempts creates tasks and attempts, resolves executor profiles
// for them and keeps live subscribers informed of every change.
package attempts

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/branch"
	"github.com/throw-if-null/catalyst/internal/events"
	"github.com/throw-if-null/catalyst/internal/patch"
	"github.com/throw-if-null/catalyst/internal/paths"
	"github.com/throw-if-null/catalyst/internal/profiles"
	"github.com/throw-if-null/catalyst/internal/telemetry"
)

// Store is the persistence the service needs.
type Store interface {
	CreateProject(ctx context.Context, r *api.CreateProjectRequest) (*api.Project, error)
	GetProject(ctx context.Context, id string) (*api.Project, error)
	CreateTask(ctx context.Context, projectID string, r *api.CreateTaskRequest) (*api.Task, error)
	GetTask(ctx context.Context, id string) (*api.Task, error)
	GetTaskInProject(ctx context.Context, projectID, id string) (*api.Task, error)
	IsAgentTask(ctx context.Context, taskID string) (bool, error)
	GetTaskWithAttemptStatus(ctx context.Context, id string) (*api.TaskWithAttemptStatus, error)
	ListTasksWithAttemptStatus(ctx context.Context, projectID string) ([]*api.TaskWithAttemptStatus, error)
	UpdateTaskStatus(ctx context.Context, id string, status api.TaskStatus) error
	MarkAgentTask(ctx context.Context, taskID string) error

	CreateAttempt(ctx context.Context, a *api.TaskAttempt) error
	SetAttemptExecutor(ctx context.Context, id, executor string) error
	SetAttemptWorktreeConfig(ctx context.Context, attemptID string, useWorktree bool) error
	SetContainerRef(ctx context.Context, id, ref string) error
	GetAttempt(ctx context.Context, id string) (*api.TaskAttempt, error)
	ListAttemptsForTask(ctx context.Context, taskID string) ([]*api.TaskAttempt, error)
	MarkWorktreeDeleted(ctx context.Context, id string) error
	RecordMerge(ctx context.Context, attemptID, id, commit string) error

	CreateExecutionProcess(ctx context.Context, attemptID string, reason api.RunReason) (*api.ExecutionProcess, error)
	UpdateExecutionProcessStatus(ctx context.Context, id string, status api.ProcessStatus, exitCode *int64) error
	GetExecutionProcess(ctx context.Context, id string) (*api.ExecutionProcess, error)

	FetchBranchTemplate(ctx context.Context, taskID string) (*string, error)
	UpsertBranchTemplate(ctx context.Context, taskID, template string) error
	ClearBranchTemplate(ctx context.Context, taskID string) error

	Ping(ctx context.Context) error
}

type Config struct {
	BranchPrefix string
}

type Service struct {
	store    Store
	profiles *profiles.Manager
	pub      events.Publisher
	cfg      Config
	log      *zap.Logger

	mu       sync.RWMutex
	launcher Launcher
}

func NewService(st Store, pm *profiles.Manager, pub events.Publisher, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = branch.DefaultPrefix
	}
	return &Service{store: st, profiles: pm, pub: pub, cfg: cfg, log: log}
}

// SetLauncher installs the launcher used by CreateAttempt. The launcher
// usually records process lifecycle through this service, hence the setter.
func (s *Service) SetLauncher(l Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launcher = l
}

func (s *Service) getLauncher() Launcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.launcher
}

// Ping reports whether the store can serve requests.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateProject(ctx context.Context, r *api.CreateProjectRequest) (*api.Project, error) {
	if strings.TrimSpace(r.Name) == "" {
		return nil, invalid("name", "required")
	}
	if !filepath.IsAbs(r.GitRepoPath) {
		return nil, invalid("git_repo_path", "must be an absolute path")
	}
	r.GitRepoPath = filepath.Clean(r.GitRepoPath)
	return s.store.CreateProject(ctx, r)
}

// CreateTask creates a task in projectID. Agent tasks are marked before
// the add is published so live subscribers never see them.
func (s *Service) CreateTask(ctx context.Context, projectID string, r *api.CreateTaskRequest) (*api.Task, error) {
	if strings.TrimSpace(r.Title) == "" {
		return nil, invalid("title", "required")
	}
	if r.ParentTaskAttemptID != nil {
		if err := paths.ValidateID(*r.ParentTaskAttemptID); err != nil {
			return nil, invalid("parent_task_attempt", err.Error())
		}
		if _, err := s.store.GetAttempt(ctx, *r.ParentTaskAttemptID); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	t, err := s.store.CreateTask(ctx, projectID, r)
	if err != nil {
		return nil, err
	}
	if r.Agent {
		if err := s.store.MarkAgentTask(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	s.publishTask(ctx, t.ID, patch.AddTask)
	return t, nil
}

// ListTasks returns the project's user-visible tasks with derived status.
func (s *Service) ListTasks(ctx context.Context, projectID string) ([]*api.TaskWithAttemptStatus, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListTasksWithAttemptStatus(ctx, projectID)
}

// GetTask returns one task with derived status. A non-empty projectID
// scopes the lookup; a task in another project is not found.
func (s *Service) GetTask(ctx context.Context, projectID, taskID string) (*api.TaskWithAttemptStatus, error) {
	if projectID != "" {
		if _, err := s.store.GetTaskInProject(ctx, projectID, taskID); err != nil {
			return nil, err
		}
	}
	return s.store.GetTaskWithAttemptStatus(ctx, taskID)
}

func (s *Service) IsAgentTask(ctx context.Context, taskID string) (bool, error) {
	return s.store.IsAgentTask(ctx, taskID)
}

func (s *Service) UpdateTaskStatus(ctx context.Context, id string, status api.TaskStatus) error {
	if !status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	if err := s.store.UpdateTaskStatus(ctx, id, status); err != nil {
		return err
	}
	s.publishTask(ctx, id, patch.ReplaceTask)
	return nil
}

// MarkAgentTask hides an existing task from listings and live streams.
func (s *Service) MarkAgentTask(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.MarkAgentTask(ctx, id); err != nil {
		return err
	}
	s.publish(t.ProjectID, patch.RemoveTask(id))
	return nil
}

// CreateAttempt persists a new attempt for req.TaskID and launches it.
// Profile resolution problems are logged and never fail the request.
func (s *Service) CreateAttempt(ctx context.Context, req *api.CreateAttemptRequest) (*api.TaskAttempt, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "attempt.create")
	defer span.End()

	a, err := s.createAttempt(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("attempt.id", a.ID),
		attribute.String("attempt.branch", a.Branch),
		attribute.String("attempt.executor", a.Executor),
	)
	return a, nil
}

func (s *Service) createAttempt(ctx context.Context, req *api.CreateAttemptRequest) (*api.TaskAttempt, error) {
	if err := paths.ValidateID(req.TaskID); err != nil {
		return nil, invalid("task_id", err.Error())
	}
	if strings.TrimSpace(req.Executor.Executor) == "" {
		return nil, invalid("executor_profile_id.executor", "required")
	}
	useWorktree := req.UseWorktree == nil || *req.UseWorktree
	if !useWorktree && strings.TrimSpace(req.BaseBranch) == "" {
		return nil, invalid("base_branch", "required when use_worktree is false")
	}

	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	a := &api.TaskAttempt{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Executor:    req.Executor.Executor,
		BaseBranch:  req.BaseBranch,
		UseWorktree: useWorktree,
	}
	if useWorktree {
		a.Branch, err = branch.Name(s.cfg.BranchPrefix, a.ID, task.Title)
		if err != nil {
			return nil, err
		}
	} else {
		a.Branch = req.BaseBranch
	}

	if err := s.store.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}
	if req.Executor.Variant != "" {
		a.Executor = req.Executor.String()
		if err := s.store.SetAttemptExecutor(ctx, a.ID, a.Executor); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetAttemptWorktreeConfig(ctx, a.ID, useWorktree); err != nil {
		return nil, err
	}

	profile := s.resolveProfile(project.GitRepoPath, req.Executor)

	if l := s.getLauncher(); l != nil {
		_, err := l.StartAttempt(ctx, LaunchRequest{
			Attempt:   a,
			Task:      task,
			Project:   project,
			Selection: req.Executor,
			Profile:   profile,
		})
		if err != nil {
			s.log.Error("launch attempt", zap.String("attempt_id", a.ID), zap.Error(err))
			return nil, fmt.Errorf("launch attempt %s: %w", a.ID, err)
		}
	}

	s.publishTask(ctx, task.ID, patch.ReplaceTask)
	return s.store.GetAttempt(ctx, a.ID)
}

// resolveProfile loads the workspace's profile cache and picks the
// selected document, falling back to the base profiles when the workspace
// cannot be loaded.
func (s *Service) resolveProfile(workspace string, sel api.ExecutorSelection) json.RawMessage {
	if s.profiles == nil {
		return nil
	}
	log := s.log.With(zap.String("workspace", workspace), zap.String("executor", sel.String()))
	tree := s.profiles.Base()
	if c, err := s.profiles.Get(workspace); err != nil {
		log.Warn("load executor profiles, using base profiles", zap.Error(err))
	} else {
		tree = c.Get()
	}
	variant := sel.Variant
	if variant == "" {
		variant = profiles.DefaultVariant
	}
	blob, ok := tree[sel.Executor][variant]
	if !ok {
		log.Warn("no executor profile for selection")
		return nil
	}
	return blob
}

// StartProcess records a new running process and publishes the task.
func (s *Service) StartProcess(ctx context.Context, attemptID string, reason api.RunReason) (*api.ExecutionProcess, error) {
	p, err := s.store.CreateExecutionProcess(ctx, attemptID, reason)
	if err != nil {
		return nil, err
	}
	s.publishAttemptTask(ctx, attemptID)
	return p, nil
}

// RecordProcessStatus updates a process and publishes the re-derived task.
func (s *Service) RecordProcessStatus(ctx context.Context, processID string, status api.ProcessStatus, exitCode *int64) error {
	if err := s.store.UpdateExecutionProcessStatus(ctx, processID, status, exitCode); err != nil {
		return err
	}
	p, err := s.store.GetExecutionProcess(ctx, processID)
	if err != nil {
		return err
	}
	s.publishAttemptTask(ctx, p.TaskAttemptID)
	return nil
}

func (s *Service) SetContainerRef(ctx context.Context, attemptID, ref string) error {
	return s.store.SetContainerRef(ctx, attemptID, ref)
}

func (s *Service) GetAttempt(ctx context.Context, id string) (*api.TaskAttempt, error) {
	return s.store.GetAttempt(ctx, id)
}

// ListAttempts returns the task's attempts, newest first.
func (s *Service) ListAttempts(ctx context.Context, taskID string) ([]*api.TaskAttempt, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListAttemptsForTask(ctx, taskID)
}

// RemoveWorktree deletes the attempt's worktree and marks it deleted so
// orphan cleanup no longer treats it as active. Removing an already
// deleted worktree is a no-op.
func (s *Service) RemoveWorktree(ctx context.Context, attemptID string) error {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.WorktreeDeleted {
		return nil
	}
	if !a.UseWorktree || a.ContainerRef == "" {
		return invalid("attempt", "has no worktree")
	}
	rm, ok := s.getLauncher().(WorktreeRemover)
	if !ok {
		return ErrNoLauncher
	}
	task, err := s.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if err := rm.RemoveWorktree(ctx, a.ID, project.GitRepoPath, a.ContainerRef); err != nil {
		return err
	}
	if err := s.store.MarkWorktreeDeleted(ctx, a.ID); err != nil {
		return err
	}
	s.log.Info("removed attempt worktree", zap.String("attempt_id", a.ID), zap.String("path", a.ContainerRef))
	return nil
}

// StopAttempt stops the attempt's running process.
func (s *Service) StopAttempt(ctx context.Context, id string) error {
	if _, err := s.store.GetAttempt(ctx, id); err != nil {
		return err
	}
	stopper, ok := s.getLauncher().(Stopper)
	if !ok {
		return ErrNoLauncher
	}
	if !stopper.StopAttempt(id) {
		return ErrNotRunning
	}
	return nil
}

// RecordMerge notes that the attempt's branch was merged at commit.
func (s *Service) RecordMerge(ctx context.Context, attemptID, commit string) error {
	if strings.TrimSpace(commit) == "" {
		return invalid("commit", "required")
	}
	if _, err := s.store.GetAttempt(ctx, attemptID); err != nil {
		return err
	}
	if err := s.store.RecordMerge(ctx, attemptID, uuid.New().String(), commit); err != nil {
		return err
	}
	s.publishAttemptTask(ctx, attemptID)
	return nil
}

// BranchTemplate returns the task's template, or nil.
func (s *Service) BranchTemplate(ctx context.Context, taskID string) (*string, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.FetchBranchTemplate(ctx, taskID)
}

// SetBranchTemplate stores template for the task. A nil, empty or
// whitespace-only template clears it.
func (s *Service) SetBranchTemplate(ctx context.Context, taskID string, template *string) error {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	var err error
	if template == nil || strings.TrimSpace(*template) == "" {
		err = s.store.ClearBranchTemplate(ctx, taskID)
	} else {
		err = s.store.UpsertBranchTemplate(ctx, taskID, *template)
	}
	if err != nil {
		return err
	}
	s.publishTask(ctx, taskID, patch.ReplaceTask)
	return nil
}

// Snapshot returns a whole-collection replace of the project's tasks.
func (s *Service) Snapshot(ctx context.Context, projectID string) (patch.Patch, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	list, err := s.store.ListTasksWithAttemptStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	keyed := make(map[string]any, len(list))
	for _, t := range list {
		keyed[t.ID] = t
	}
	return patch.ReplaceCollection(keyed)
}

func (s *Service) publishAttemptTask(ctx context.Context, attemptID string) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		s.log.Warn("publish task for attempt", zap.String("attempt_id", attemptID), zap.Error(err))
		return
	}
	s.publishTask(ctx, a.TaskID, patch.ReplaceTask)
}

func (s *Service) publishTask(ctx context.Context, taskID string, build func(string, any) (patch.Patch, error)) {
	if s.pub == nil {
		return
	}
	t, err := s.store.GetTaskWithAttemptStatus(ctx, taskID)
	if err != nil {
		s.log.Warn("publish task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	p, err := build(t.ID, t)
	if err != nil {
		s.log.Warn("build task patch", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.publish(t.ProjectID, p)
}

func (s *Service) publish(projectID string, p patch.Patch) {
	if s.pub != nil {
		s.pub.Publish(projectID, p)
	}
}
