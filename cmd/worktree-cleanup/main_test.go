package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/store"
)

func init() {
	color.NoColor = true
	dotenvLoad = func(...string) error { return nil }
}

func makeWorktree(t *testing.T, root, name string, size int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f"), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

// seedStore records one attempt whose worktree is active.
func seedStore(t *testing.T, dbPath, activePath string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	p, err := s.CreateProject(ctx, &api.CreateProjectRequest{Name: "demo", GitRepoPath: "/repo"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	task, err := s.CreateTask(ctx, p.ID, &api.CreateTaskRequest{Title: "t"})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	a := &api.TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, Executor: "claude", Branch: "cat/x", BaseBranch: "main"}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := s.SetContainerRef(ctx, a.ID, activePath); err != nil {
		t.Fatalf("container ref: %v", err)
	}
}

func runCLI(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, func(k string) string { return env[k] })
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDryRunThenForce(t *testing.T) {
	td := t.TempDir()
	root := filepath.Join(td, "worktrees")
	makeWorktree(t, root, "a", 2048)
	active := makeWorktree(t, root, "b", 100)
	makeWorktree(t, root, "c", 1024)
	dbPath := filepath.Join(td, "catalyst.db")
	seedStore(t, dbPath, active)
	env := map[string]string{"CATALYST_WORKTREE_DIR": root, "CATALYST_DATABASE_PATH": dbPath}

	out, err := runCLI(t, env)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	for _, want := range []string{"Orphaned worktrees (2)", "a  2.00 KiB", "c  1.00 KiB", "Reclaimable: 3.00 KiB", "Dry run"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dry run output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "  b  ") {
		t.Fatalf("active worktree reported as orphan:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); err != nil {
		t.Fatalf("dry run removed a worktree")
	}

	out, err = runCLI(t, env, "--force")
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if !strings.Contains(out, "Removed 2, failed 0, reclaimed 3.00 KiB") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	for name, want := range map[string]bool{"a": false, "b": true, "c": false} {
		_, err := os.Stat(filepath.Join(root, name))
		if (err == nil) != want {
			t.Fatalf("%s exists=%v, want %v", name, err == nil, want)
		}
	}
}

func TestMissingStoreOrphansEverything(t *testing.T) {
	td := t.TempDir()
	root := filepath.Join(td, "worktrees")
	makeWorktree(t, root, "a", 10)
	makeWorktree(t, root, "b", 10)
	env := map[string]string{
		"CATALYST_WORKTREE_DIR":  root,
		"CATALYST_DATABASE_PATH": filepath.Join(td, "absent.db"),
	}

	out, err := runCLI(t, env, "-f")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Store unavailable") || !strings.Contains(out, "Removed 2") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(td, "absent.db")); err == nil {
		t.Fatalf("cleanup created a database")
	}
}

func TestUnreadableRootFails(t *testing.T) {
	td := t.TempDir()
	env := map[string]string{
		"CATALYST_WORKTREE_DIR":  filepath.Join(td, "missing"),
		"CATALYST_DATABASE_PATH": filepath.Join(td, "absent.db"),
	}
	if _, err := runCLI(t, env); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

// snapshotWriter records, for every removal line, which worktrees were
// still on disk at the moment it was written.
type snapshotWriter struct {
	bytes.Buffer
	root  string
	names []string
	seen  map[string][]string
}

func (w *snapshotWriter) Write(p []byte) (int, error) {
	line := string(p)
	if strings.Contains(line, "removed ") {
		var present []string
		for _, n := range w.names {
			if _, err := os.Stat(filepath.Join(w.root, n)); err == nil {
				present = append(present, n)
			}
		}
		w.seen[strings.TrimSpace(line)] = present
	}
	return w.Buffer.Write(p)
}

func TestForceReportsEachRemovalAsItHappens(t *testing.T) {
	td := t.TempDir()
	root := filepath.Join(td, "worktrees")
	makeWorktree(t, root, "a", 10)
	makeWorktree(t, root, "c", 10)
	env := map[string]string{
		"CATALYST_WORKTREE_DIR":  root,
		"CATALYST_DATABASE_PATH": filepath.Join(td, "absent.db"),
	}

	w := &snapshotWriter{root: root, names: []string{"a", "c"}, seen: map[string][]string{}}
	cmd := newRootCmd(w, func(k string) string { return env[k] })
	cmd.SetArgs([]string{"--force"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run: %v", err)
	}

	first := w.seen["removed a  10 B"]
	if len(first) != 1 || first[0] != "c" {
		t.Fatalf("line for a written with %v still present, want [c]\n%s", first, w.String())
	}
	if got := w.seen["removed c  10 B"]; len(got) != 0 {
		t.Fatalf("line for c written with %v still present\n%s", got, w.String())
	}
	out := w.String()
	if strings.Index(out, "removed c") > strings.Index(out, "Removed 2") {
		t.Fatalf("summary printed before per-item lines:\n%s", out)
	}
}
