package profiles

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/paths"
)

var errClosed = errors.New("profile manager closed")

// Manager owns one Cache per workspace root for its whole lifetime.
type Manager struct {
	base api.ProfileTree
	opts Options

	mu     sync.RWMutex
	caches map[string]*Cache
	closed bool
}

func NewManager(base api.ProfileTree, opts Options) *Manager {
	return &Manager{
		base:   base,
		opts:   opts.withDefaults(),
		caches: map[string]*Cache{},
	}
}

// Base returns the tree served to workspaces without overrides.
func (m *Manager) Base() api.ProfileTree {
	return m.base
}

// Get returns the cache for workspaceRoot, creating and loading it on first
// use. Concurrent first calls for the same root share one cache.
func (m *Manager) Get(workspaceRoot string) (*Cache, error) {
	key, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", workspaceRoot, err)
	}
	key = filepath.Clean(key)

	m.mu.RLock()
	c, ok := m.caches[key]
	closed := m.closed
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	if closed {
		return nil, errClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	if c, ok := m.caches[key]; ok {
		return c, nil
	}
	log := m.opts.Logger.With(zap.String("workspace", key))
	opts := m.opts
	opts.Logger = log
	c, err = NewCache(paths.ProfilesDir(key), m.base, opts)
	if err != nil {
		return nil, fmt.Errorf("profile cache for %s: %w", key, err)
	}
	if c.Watching() {
		log.Info("watching executor profile overrides")
	}
	m.caches[key] = c
	return c, nil
}

// Len reports how many workspaces have a cache.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.caches)
}

// Close stops every cache. Later calls to Get fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	caches := m.caches
	m.caches = map[string]*Cache{}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, c := range caches {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
