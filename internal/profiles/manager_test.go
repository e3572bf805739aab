package profiles

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/catalyst/internal/paths"
)

func TestManagerOneCachePerWorkspace(t *testing.T) {
	m := NewManager(testBase(), fastOpts(nil))
	defer m.Close()
	root := t.TempDir()

	var wg sync.WaitGroup
	got := make([]*Cache, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Get(root)
			assert.NoError(t, err)
			got[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range got {
		assert.Same(t, got[0], c)
	}
	same, err := m.Get(filepath.Join(root, "sub", ".."))
	require.NoError(t, err)
	assert.Same(t, got[0], same)
	assert.Equal(t, 1, m.Len())

	other, err := m.Get(t.TempDir())
	require.NoError(t, err)
	assert.NotSame(t, got[0], other)
	assert.Equal(t, 2, m.Len())
}

func TestManagerReadsWorkspaceOverrides(t *testing.T) {
	root := t.TempDir()
	dir := paths.ProfilesDir(root)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeDoc(t, dir, "claude", "custom", `{"model":"opus"}`)

	m := NewManager(testBase(), fastOpts(nil))
	defer m.Close()
	c, err := m.Get(root)
	require.NoError(t, err)

	assert.True(t, c.Watching())
	_, ok := c.Lookup("claude", "custom")
	assert.True(t, ok)
	_, ok = c.Lookup("claude", "default")
	assert.True(t, ok)
}

func TestManagerClosed(t *testing.T) {
	m := NewManager(testBase(), fastOpts(nil))
	_, err := m.Get(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.Get(t.TempDir())
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())
}
