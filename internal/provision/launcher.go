// Package provision is the default attempt launcher: it creates the git
// worktree, runs the optional setup script and then the coding agent,
// reporting each process's lifecycle back to the recorder.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/attempts"
	"github.com/throw-if-null/catalyst/internal/paths"
)

// Recorder persists process lifecycle changes.
type Recorder interface {
	StartProcess(ctx context.Context, attemptID string, reason api.RunReason) (*api.ExecutionProcess, error)
	RecordProcessStatus(ctx context.Context, processID string, status api.ProcessStatus, exitCode *int64) error
	SetContainerRef(ctx context.Context, attemptID, ref string) error
}

type Config struct {
	// WorktreeRoot holds one directory per attempt worktree.
	WorktreeRoot string
	// LogsDir receives <attempt-id>/{setup,agent}.log.
	LogsDir string
	// AgentCommand is run in the working copy.
	AgentCommand []string
	// SetupScript is relative to the repository root; skipped when absent.
	SetupScript string
}

type Launcher struct {
	cfg  Config
	rec  Recorder
	git  ExecRunner
	cmd  CommandRunner
	log  *zap.Logger
	stop *cancellers

	// base is the parent of every run; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLauncher(cfg Config, rec Recorder, git ExecRunner, cmd CommandRunner, log *zap.Logger) *Launcher {
	if git == nil {
		git = &RealExecRunner{}
	}
	if cmd == nil {
		cmd = &RealCommandRunner{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SetupScript == "" {
		cfg.SetupScript = filepath.Join(paths.ConfigDir, "setup.sh")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Launcher{
		cfg:    cfg,
		rec:    rec,
		git:    git,
		cmd:    cmd,
		log:    log,
		stop:   newCancellers(),
		base:   base,
		cancel: cancel,
	}
}

var _ attempts.Launcher = (*Launcher)(nil)
var _ attempts.Stopper = (*Launcher)(nil)
var _ attempts.WorktreeRemover = (*Launcher)(nil)

// StartAttempt records the first process synchronously, so the attempt
// shows as in progress immediately, and runs the rest in the background.
func (l *Launcher) StartAttempt(ctx context.Context, req attempts.LaunchRequest) (*api.ExecutionProcess, error) {
	setup, err := l.setupScriptPath(req.Project.GitRepoPath)
	if err != nil {
		return nil, err
	}
	first := api.RunReasonCodingAgent
	if setup != "" {
		first = api.RunReasonSetupScript
	}
	proc, err := l.rec.StartProcess(ctx, req.Attempt.ID, first)
	if err != nil {
		return nil, fmt.Errorf("start %s process: %w", first, err)
	}

	runCtx, cancel := context.WithCancel(l.base)
	l.stop.register(req.Attempt.ID, cancel)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.stop.unregister(req.Attempt.ID)
		defer cancel()
		l.run(runCtx, req, proc, setup)
	}()
	return proc, nil
}

// StopAttempt cancels the attempt's running process, if any.
func (l *Launcher) StopAttempt(attemptID string) bool {
	return l.stop.cancel(attemptID)
}

// RemoveWorktree deletes path, which must lie under the worktree root. git
// is asked first so the repository forgets the worktree; when git refuses,
// the directory is removed and the repository's worktree list pruned.
func (l *Launcher) RemoveWorktree(ctx context.Context, attemptID, repo, path string) error {
	if l.stop.running(attemptID) {
		return attempts.ErrStillRunning
	}
	rel, err := filepath.Rel(l.cfg.WorktreeRoot, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("worktree %s is outside %s", path, l.cfg.WorktreeRoot)
	}
	log := l.log.With(zap.String("attempt_id", attemptID), zap.String("path", path))
	out, err := l.git.Run(ctx, repo, "git", "worktree", "remove", "--force", path)
	if err == nil {
		return nil
	}
	log.Warn("git worktree remove failed, deleting directory", zap.Error(err), zap.String("output", strings.TrimSpace(out)))
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	if out, err := l.git.Run(ctx, repo, "git", "worktree", "prune"); err != nil {
		log.Warn("git worktree prune failed", zap.Error(err), zap.String("output", strings.TrimSpace(out)))
	}
	return nil
}

// Close stops every running attempt and waits for them to record their
// final status.
func (l *Launcher) Close() {
	l.stop.cancelAll()
	l.cancel()
	l.wg.Wait()
}

func (l *Launcher) run(ctx context.Context, req attempts.LaunchRequest, first *api.ExecutionProcess, setup string) {
	log := l.log.With(zap.String("attempt_id", req.Attempt.ID), zap.String("executor", req.Selection.String()))

	dir, err := l.workdir(ctx, req)
	if err != nil {
		log.Error("provision working copy", zap.Error(err))
		l.finish(ctx, first, -1, err)
		return
	}

	proc := first
	if setup != "" {
		code, err := l.exec(ctx, req, "setup", dir, []string{setup}, nil)
		l.finish(ctx, proc, code, err)
		if err != nil {
			log.Warn("setup script failed", zap.Int("exit_code", code), zap.Error(err))
			return
		}
		// the agent process row is created with a context that survives
		// cancellation of this run
		proc, err = l.rec.StartProcess(context.Background(), req.Attempt.ID, api.RunReasonCodingAgent)
		if err != nil {
			log.Error("start coding agent process", zap.Error(err))
			return
		}
	}

	env := []string{
		"CATALYST_ATTEMPT_ID=" + req.Attempt.ID,
		"CATALYST_TASK_ID=" + req.Task.ID,
		"CATALYST_TASK_TITLE=" + req.Task.Title,
		"CATALYST_BRANCH=" + req.Attempt.Branch,
		"CATALYST_EXECUTOR=" + req.Selection.Executor,
		"CATALYST_VARIANT=" + req.Selection.Variant,
		"CATALYST_PROFILE=" + string(req.Profile),
	}
	code, err := l.exec(ctx, req, "agent", dir, l.cfg.AgentCommand, env)
	l.finish(ctx, proc, code, err)
	log.Info("coding agent exited", zap.Int("exit_code", code), zap.Error(err))
}

// workdir returns the directory the attempt runs in, creating the worktree
// when the attempt uses one.
func (l *Launcher) workdir(ctx context.Context, req attempts.LaunchRequest) (string, error) {
	repo := req.Project.GitRepoPath
	if !req.Attempt.UseWorktree {
		return repo, nil
	}
	wt, err := paths.WorktreeDir(l.cfg.WorktreeRoot, req.Attempt.ID, req.Attempt.Branch)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(wt); err == nil && fi.IsDir() {
		return wt, l.rec.SetContainerRef(ctx, req.Attempt.ID, wt)
	}
	if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
		return "", err
	}
	base := req.Attempt.BaseBranch
	if base == "" {
		base = "HEAD"
	}
	out, err := l.git.Run(ctx, repo, "git", "worktree", "add", "-b", req.Attempt.Branch, wt, base)
	if err != nil {
		return "", fmt.Errorf("git worktree add failed: %w: %s", err, strings.TrimSpace(out))
	}
	if err := l.rec.SetContainerRef(ctx, req.Attempt.ID, wt); err != nil {
		return "", err
	}
	return wt, nil
}

func (l *Launcher) exec(ctx context.Context, req attempts.LaunchRequest, name, dir string, argv, env []string) (int, error) {
	logDir, err := paths.SafeJoin(l.cfg.LogsDir, req.Attempt.ID)
	if err != nil {
		return -1, err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return -1, err
	}
	f, err := os.Create(filepath.Join(logDir, name+".log"))
	if err != nil {
		return -1, err
	}
	defer f.Close()
	return l.cmd.Run(ctx, dir, argv, env, f, f)
}

// finish maps a process outcome to a status: success completed, a
// cancelled run killed, anything else failed.
func (l *Launcher) finish(ctx context.Context, proc *api.ExecutionProcess, code int, err error) {
	status := api.ProcessStatusCompleted
	var exit *int64
	if code >= 0 {
		c := int64(code)
		exit = &c
	}
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		status = api.ProcessStatusKilled
	default:
		status = api.ProcessStatusFailed
	}
	if rerr := l.rec.RecordProcessStatus(context.Background(), proc.ID, status, exit); rerr != nil {
		l.log.Error("record process status", zap.String("process_id", proc.ID), zap.Error(rerr))
	}
}

// setupScriptPath returns the absolute setup script path when the
// repository has one.
func (l *Launcher) setupScriptPath(repo string) (string, error) {
	p, err := paths.SafeJoin(repo, l.cfg.SetupScript)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(p); err != nil || fi.IsDir() {
		return "", nil
	}
	return p, nil
}
