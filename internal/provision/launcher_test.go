package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/attempts"
)

type statusUpdate struct {
	id     string
	status api.ProcessStatus
	exit   *int64
}

type fakeRecorder struct {
	mu        sync.Mutex
	started   []*api.ExecutionProcess
	container map[string]string
	updates   chan statusUpdate
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{container: map[string]string{}, updates: make(chan statusUpdate, 8)}
}

func (r *fakeRecorder) StartProcess(ctx context.Context, attemptID string, reason api.RunReason) (*api.ExecutionProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &api.ExecutionProcess{
		ID:            fmt.Sprintf("p%d", len(r.started)+1),
		TaskAttemptID: attemptID,
		RunReason:     reason,
		Status:        api.ProcessStatusRunning,
	}
	r.started = append(r.started, p)
	return p, nil
}

func (r *fakeRecorder) RecordProcessStatus(ctx context.Context, id string, status api.ProcessStatus, exit *int64) error {
	r.updates <- statusUpdate{id: id, status: status, exit: exit}
	return nil
}

func (r *fakeRecorder) SetContainerRef(ctx context.Context, attemptID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.container[attemptID] = ref
	return nil
}

func (r *fakeRecorder) reasons() []api.RunReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.RunReason
	for _, p := range r.started {
		out = append(out, p.RunReason)
	}
	return out
}

func (r *fakeRecorder) wait(t *testing.T) statusUpdate {
	t.Helper()
	select {
	case u := <-r.updates:
		return u
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a process status")
		return statusUpdate{}
	}
}

type fakeGit struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (g *fakeGit) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, append([]string{dir, name}, args...))
	if g.err != nil {
		return "fatal: bad ref", g.err
	}
	return "", nil
}

type runCall struct {
	dir  string
	argv []string
	env  []string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	out   string
	// errs[i] is returned from the i-th call
	errs  []error
	delay time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, runCall{dir: dir, argv: argv, env: env})
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.out != "" {
		_, _ = stdout.Write([]byte(f.out))
	}
	if n < len(f.errs) && f.errs[n] != nil {
		return 1, f.errs[n]
	}
	return 0, nil
}

func (f *fakeRunner) snapshot() []runCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runCall(nil), f.calls...)
}

func newRequest(repo string, useWorktree bool) attempts.LaunchRequest {
	return attempts.LaunchRequest{
		Attempt: &api.TaskAttempt{
			ID:          "0b7c2f7e-3a55-4c0e-9a4b-5d2f0e1c9a11",
			TaskID:      "task-1",
			Branch:      "cat/0b7c2f7e-fix-login",
			BaseBranch:  "main",
			UseWorktree: useWorktree,
		},
		Task:      &api.Task{ID: "task-1", Title: "Fix login"},
		Project:   &api.Project{ID: "proj-1", GitRepoPath: repo},
		Selection: api.ExecutorSelection{Executor: "claude", Variant: "plan"},
		Profile:   []byte(`{"model":"opus"}`),
	}
}

func newTestLauncher(t *testing.T, rec Recorder, git ExecRunner, cmd CommandRunner) (*Launcher, Config) {
	t.Helper()
	td := t.TempDir()
	cfg := Config{
		WorktreeRoot: filepath.Join(td, "worktrees"),
		LogsDir:      filepath.Join(td, "logs"),
		AgentCommand: []string{"agent", "--run"},
	}
	l := NewLauncher(cfg, rec, git, cmd, nil)
	t.Cleanup(l.Close)
	return l, cfg
}

func hasEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func TestStartAttemptCreatesWorktreeAndRunsAgent(t *testing.T) {
	rec := newFakeRecorder()
	git := &fakeGit{}
	run := &fakeRunner{out: "hello\n"}
	l, cfg := newTestLauncher(t, rec, git, run)
	repo := t.TempDir()
	req := newRequest(repo, true)

	first, err := l.StartAttempt(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.RunReason != api.RunReasonCodingAgent {
		t.Fatalf("first process reason = %s, want codingagent", first.RunReason)
	}

	u := rec.wait(t)
	if u.id != first.ID || u.status != api.ProcessStatusCompleted {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.exit == nil || *u.exit != 0 {
		t.Fatalf("exit code = %v, want 0", u.exit)
	}

	wt := filepath.Join(cfg.WorktreeRoot, "cat-0b7c2f7e-fix-login")
	if len(git.calls) != 1 {
		t.Fatalf("git calls = %v", git.calls)
	}
	want := []string{repo, "git", "worktree", "add", "-b", req.Attempt.Branch, wt, "main"}
	if strings.Join(git.calls[0], " ") != strings.Join(want, " ") {
		t.Fatalf("git call = %v, want %v", git.calls[0], want)
	}
	rec.mu.Lock()
	ref := rec.container[req.Attempt.ID]
	rec.mu.Unlock()
	if ref != wt {
		t.Fatalf("container ref = %q, want %q", ref, wt)
	}

	calls := run.snapshot()
	if len(calls) != 1 || calls[0].dir != wt || calls[0].argv[0] != "agent" {
		t.Fatalf("runner calls = %+v", calls)
	}
	for _, kv := range []string{
		"CATALYST_ATTEMPT_ID=" + req.Attempt.ID,
		"CATALYST_EXECUTOR=claude",
		"CATALYST_VARIANT=plan",
		`CATALYST_PROFILE={"model":"opus"}`,
	} {
		if !hasEnv(calls[0].env, kv) {
			t.Fatalf("env missing %s: %v", kv, calls[0].env)
		}
	}

	b, err := os.ReadFile(filepath.Join(cfg.LogsDir, req.Attempt.ID, "agent.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "hello") {
		t.Fatalf("log does not contain agent output: %q", b)
	}
}

func TestStartAttemptRunsSetupScriptFirst(t *testing.T) {
	rec := newFakeRecorder()
	run := &fakeRunner{}
	l, _ := newTestLauncher(t, rec, &fakeGit{}, run)
	repo := t.TempDir()
	script := filepath.Join(repo, ".catalyst", "setup.sh")
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	first, err := l.StartAttempt(context.Background(), newRequest(repo, true))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.RunReason != api.RunReasonSetupScript {
		t.Fatalf("first process reason = %s, want setupscript", first.RunReason)
	}
	setup := rec.wait(t)
	agent := rec.wait(t)
	if setup.id != "p1" || agent.id != "p2" {
		t.Fatalf("updates out of order: %+v %+v", setup, agent)
	}
	if setup.status != api.ProcessStatusCompleted || agent.status != api.ProcessStatusCompleted {
		t.Fatalf("statuses = %s, %s", setup.status, agent.status)
	}
	got := rec.reasons()
	if len(got) != 2 || got[1] != api.RunReasonCodingAgent {
		t.Fatalf("reasons = %v", got)
	}
	calls := run.snapshot()
	if len(calls) != 2 || calls[0].argv[0] != script {
		t.Fatalf("runner calls = %+v", calls)
	}
}

func TestSetupFailureSkipsAgent(t *testing.T) {
	rec := newFakeRecorder()
	run := &fakeRunner{errs: []error{errors.New("exit status 1")}}
	l, _ := newTestLauncher(t, rec, &fakeGit{}, run)
	repo := t.TempDir()
	script := filepath.Join(repo, ".catalyst", "setup.sh")
	_ = os.MkdirAll(filepath.Dir(script), 0o755)
	_ = os.WriteFile(script, []byte("exit 1\n"), 0o755)

	if _, err := l.StartAttempt(context.Background(), newRequest(repo, true)); err != nil {
		t.Fatalf("start: %v", err)
	}
	u := rec.wait(t)
	if u.status != api.ProcessStatusFailed {
		t.Fatalf("status = %s, want failed", u.status)
	}
	if u.exit == nil || *u.exit != 1 {
		t.Fatalf("exit = %v, want 1", u.exit)
	}
	l.Close()
	if got := rec.reasons(); len(got) != 1 {
		t.Fatalf("agent should not start after failed setup: %v", got)
	}
}

func TestGitFailureMarksProcessFailed(t *testing.T) {
	rec := newFakeRecorder()
	run := &fakeRunner{}
	l, _ := newTestLauncher(t, rec, &fakeGit{err: errors.New("exit status 128")}, run)

	first, err := l.StartAttempt(context.Background(), newRequest(t.TempDir(), true))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	u := rec.wait(t)
	if u.id != first.ID || u.status != api.ProcessStatusFailed {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.exit != nil {
		t.Fatalf("exit code should be unset, got %d", *u.exit)
	}
	if len(run.snapshot()) != 0 {
		t.Fatalf("agent ran without a worktree")
	}
}

func TestAttemptWithoutWorktreeRunsInRepo(t *testing.T) {
	rec := newFakeRecorder()
	git := &fakeGit{}
	run := &fakeRunner{}
	l, _ := newTestLauncher(t, rec, git, run)
	repo := t.TempDir()

	if _, err := l.StartAttempt(context.Background(), newRequest(repo, false)); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.wait(t)
	if len(git.calls) != 0 {
		t.Fatalf("unexpected git calls: %v", git.calls)
	}
	if calls := run.snapshot(); len(calls) != 1 || calls[0].dir != repo {
		t.Fatalf("runner calls = %+v", calls)
	}
	if len(rec.container) != 0 {
		t.Fatalf("container ref set for in-repo attempt: %v", rec.container)
	}
}

func TestStopAttemptMarksKilled(t *testing.T) {
	rec := newFakeRecorder()
	run := &fakeRunner{delay: 10 * time.Second}
	l, _ := newTestLauncher(t, rec, &fakeGit{}, run)
	req := newRequest(t.TempDir(), true)

	if _, err := l.StartAttempt(context.Background(), req); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !l.StopAttempt(req.Attempt.ID) {
		t.Fatalf("stop reported no running attempt")
	}
	u := rec.wait(t)
	if u.status != api.ProcessStatusKilled {
		t.Fatalf("status = %s, want killed", u.status)
	}
	l.Close()
	if l.StopAttempt(req.Attempt.ID) {
		t.Fatalf("stop after exit should report false")
	}
}

func TestCloseKillsRunningAttempts(t *testing.T) {
	rec := newFakeRecorder()
	run := &fakeRunner{delay: 10 * time.Second}
	l, _ := newTestLauncher(t, rec, &fakeGit{}, run)

	if _, err := l.StartAttempt(context.Background(), newRequest(t.TempDir(), false)); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Close()
	u := rec.wait(t)
	if u.status != api.ProcessStatusKilled {
		t.Fatalf("status = %s, want killed", u.status)
	}
}

func TestRemoveWorktreeAsksGit(t *testing.T) {
	git := &fakeGit{}
	l, cfg := newTestLauncher(t, newFakeRecorder(), git, &fakeRunner{})
	repo := t.TempDir()
	wt := filepath.Join(cfg.WorktreeRoot, "cat-0b7c2f7e-fix-login")

	if err := l.RemoveWorktree(context.Background(), "a1", repo, wt); err != nil {
		t.Fatalf("remove: %v", err)
	}
	want := strings.Join([]string{repo, "git", "worktree", "remove", "--force", wt}, " ")
	if len(git.calls) != 1 || strings.Join(git.calls[0], " ") != want {
		t.Fatalf("git calls = %v", git.calls)
	}
}

func TestRemoveWorktreeDeletesWhenGitRefuses(t *testing.T) {
	git := &fakeGit{err: errors.New("exit status 128")}
	l, cfg := newTestLauncher(t, newFakeRecorder(), git, &fakeRunner{})
	wt := filepath.Join(cfg.WorktreeRoot, "stale")
	if err := os.MkdirAll(filepath.Join(wt, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := l.RemoveWorktree(context.Background(), "a1", t.TempDir(), wt); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Fatalf("worktree still on disk: %v", err)
	}
	if len(git.calls) != 2 || git.calls[1][3] != "prune" {
		t.Fatalf("git calls = %v", git.calls)
	}
}

func TestRemoveWorktreeOutsideRoot(t *testing.T) {
	git := &fakeGit{}
	l, cfg := newTestLauncher(t, newFakeRecorder(), git, &fakeRunner{})
	for _, p := range []string{cfg.WorktreeRoot, filepath.Join(cfg.WorktreeRoot, "..", "logs"), "/etc"} {
		if err := l.RemoveWorktree(context.Background(), "a1", "/repo", p); err == nil {
			t.Fatalf("RemoveWorktree(%q) succeeded", p)
		}
	}
	if len(git.calls) != 0 {
		t.Fatalf("git was called: %v", git.calls)
	}
}

func TestRemoveWorktreeRefusesRunningAttempt(t *testing.T) {
	rec := newFakeRecorder()
	git := &fakeGit{}
	l, cfg := newTestLauncher(t, rec, git, &fakeRunner{delay: 10 * time.Second})
	req := newRequest(t.TempDir(), false)
	if _, err := l.StartAttempt(context.Background(), req); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := l.RemoveWorktree(context.Background(), req.Attempt.ID, req.Project.GitRepoPath, filepath.Join(cfg.WorktreeRoot, "x"))
	if !errors.Is(err, attempts.ErrStillRunning) {
		t.Fatalf("err = %v, want ErrStillRunning", err)
	}
}
