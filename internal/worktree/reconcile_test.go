package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/catalyst/internal/api"
)

type staticLister []string

func (s staticLister) ActiveWorktreePaths(context.Context) ([]string, error) {
	return s, nil
}

type brokenLister struct{}

func (brokenLister) ActiveWorktreePaths(context.Context) ([]string, error) {
	return nil, errors.New("no such table: task_attempts")
}

func makeTree(t *testing.T, sizes map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for name, size := range sizes {
		dir := filepath.Join(root, name, "src")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), []byte(strings.Repeat("x", size)), 0o644))
	}
	// stray files at the root are not worktrees
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hi"), 0o644))
	return root
}

func TestPlanAndCleanup(t *testing.T) {
	root := makeTree(t, map[string]int{"A": 100, "B": 200, "C": 300})
	r := NewReconciler(root, staticLister{filepath.Join(root, "B")}, nil)

	plan, err := r.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Orphans, 2)
	assert.Equal(t, "A", plan.Orphans[0].Name)
	assert.Equal(t, "C", plan.Orphans[1].Name)
	assert.Equal(t, int64(400), plan.TotalBytes)
	assert.Equal(t, 1, plan.Active)
	assert.True(t, plan.StoreAvailable)

	again, err := r.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plan, again, "dry run must be idempotent")
	assert.DirExists(t, filepath.Join(root, "A"))

	res, err := r.Cleanup(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	assert.Empty(t, res.Failed)
	assert.Equal(t, int64(400), res.ReclaimedBytes)
	assert.NoDirExists(t, filepath.Join(root, "A"))
	assert.NoDirExists(t, filepath.Join(root, "C"))
	assert.DirExists(t, filepath.Join(root, "B"))
}

func TestPlanWithoutStoreOrphansEverything(t *testing.T) {
	root := makeTree(t, map[string]int{"A": 1, "B": 2})
	plan, err := NewReconciler(root, nil, nil).Plan(context.Background())
	require.NoError(t, err)
	assert.Len(t, plan.Orphans, 2)
	assert.False(t, plan.StoreAvailable)
}

func TestPlanStoreQueryErrorIsFatal(t *testing.T) {
	root := makeTree(t, map[string]int{"A": 1})
	_, err := NewReconciler(root, brokenLister{}, nil).Plan(context.Background())
	assert.Error(t, err)
}

func TestPlanUnreadableRoot(t *testing.T) {
	_, err := NewReconciler(filepath.Join(t.TempDir(), "missing"), nil, nil).Plan(context.Background())
	assert.Error(t, err)
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	root := makeTree(t, map[string]int{"A": 10, "B": 20, "C": 30})
	r := NewReconciler(root, staticLister{}, nil)
	r.removeAll = func(p string) error {
		if filepath.Base(p) == "B" {
			return errors.New("permission denied")
		}
		return os.RemoveAll(p)
	}

	var seen []string
	res, err := r.Cleanup(context.Background(), func(wt api.WorktreeInfo, err error) {
		seen = append(seen, fmt.Sprintf("%s:%v", wt.Name, err != nil))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A:false", "B:true", "C:false"}, seen)
	assert.Len(t, res.Removed, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "B", res.Failed[0].Worktree.Name)
	assert.Equal(t, int64(40), res.ReclaimedBytes)
	assert.DirExists(t, filepath.Join(root, "B"))
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{2 << 20, "2.00 MiB"},
		{5<<30 + 512<<20, "5.50 GiB"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FormatBytes(c.in), "FormatBytes(%d)", c.in)
	}
}

func TestRemoveStopsWhenCancelled(t *testing.T) {
	root := makeTree(t, map[string]int{"A": 1, "B": 2})
	r := NewReconciler(root, nil, nil)
	plan, err := r.Plan(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := r.Remove(ctx, plan, func(api.WorktreeInfo, error) {
		calls++
		cancel()
	})
	assert.Equal(t, 1, calls)
	assert.Len(t, res.Removed, 1)
	assert.DirExists(t, filepath.Join(root, "B"))
}
