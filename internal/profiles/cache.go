// Package profiles serves executor profiles per workspace: built-in
// defaults and the user-global file form the base, and documents under
// <workspace>/.catalyst/profiles override it per (executor, variant). The
// override tree is watched and reloaded after a quiet period.
package profiles

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/telemetry"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultDebounce     = 500 * time.Millisecond
)

type Options struct {
	PollInterval time.Duration
	Debounce     time.Duration
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Cache holds the merged profile tree of one workspace.
type Cache struct {
	overrideDir string
	base        api.ProfileTree
	log         *zap.Logger

	mu   sync.RWMutex
	tree api.ProfileTree
	gen  uint64

	reqs    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	watcher *watcher
	once    sync.Once
}

// NewCache loads overrideDir over base and, when the directory exists,
// starts watching it. A malformed override document is logged and the
// base tree is served until a later reload succeeds.
func NewCache(overrideDir string, base api.ProfileTree, opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	c := &Cache{
		overrideDir: overrideDir,
		base:        base,
		log:         opts.Logger.With(zap.String("override_dir", overrideDir)),
		tree:        Merge(base, nil),
		reqs:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	if err := c.Reload(); err != nil {
		c.log.Warn("initial profile load failed, serving base profiles", zap.Error(err))
	}

	fi, err := os.Stat(overrideDir)
	if err != nil || !fi.IsDir() {
		return c, nil
	}
	w, err := newWatcher(overrideDir, opts.PollInterval, opts.Debounce, c.reqs, c.log)
	if err != nil {
		return nil, err
	}
	c.watcher = w
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		w.run(c.stop)
	}()
	go func() {
		defer c.wg.Done()
		c.reloadLoop()
	}()
	return c, nil
}

func (c *Cache) reloadLoop() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.reqs:
			if err := c.Reload(); err != nil {
				c.log.Error("profile reload failed, keeping previous profiles", zap.Error(err))
				continue
			}
			c.log.Info("profiles reloaded", zap.Uint64("generation", c.Generation()))
		}
	}
}

// Get returns the current tree. The returned value is shared and must not
// be modified.
func (c *Cache) Get() api.ProfileTree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree
}

// Lookup returns the profile document for executor and variant. An empty
// variant selects DefaultVariant.
func (c *Cache) Lookup(executor, variant string) (json.RawMessage, bool) {
	if variant == "" {
		variant = DefaultVariant
	}
	tree := c.Get()
	blob, ok := tree[executor][variant]
	return blob, ok
}

// Generation counts successful reloads, starting at 1 for the initial load.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Reload rebuilds the tree from disk and publishes it. On error the
// previous tree stays in place.
func (c *Cache) Reload() error {
	_, span := telemetry.Tracer().Start(context.Background(), "profiles.reload")
	defer span.End()
	span.SetAttributes(attribute.String("profiles.dir", c.overrideDir))

	override, err := LoadOverrides(c.overrideDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	next := Merge(c.base, override)

	c.mu.Lock()
	c.tree = next
	c.gen++
	c.mu.Unlock()
	return nil
}

// Close stops the watcher, if any. It is safe to call more than once.
func (c *Cache) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if c.watcher != nil {
			err = c.watcher.close()
		}
	})
	return err
}

// Watching reports whether a background watch was started.
func (c *Cache) Watching() bool {
	return c.watcher != nil
}
