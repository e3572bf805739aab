package profiles

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const relevantOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// watcher observes an override tree and turns debounced bursts of
// relevant events into reload requests on reqs.
type watcher struct {
	root     string
	fs       *fsnotify.Watcher
	deb      *debouncer
	poll     time.Duration
	reqs     chan<- struct{}
	log      *zap.Logger
	watching map[string]bool
	now      func() time.Time
}

func newWatcher(root string, poll, window time.Duration, reqs chan<- struct{}, log *zap.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		root:     root,
		fs:       fw,
		deb:      newDebouncer(window),
		poll:     poll,
		reqs:     reqs,
		log:      log,
		watching: map[string]bool{},
		now:      time.Now,
	}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers dir and every directory below it; fsnotify watches are
// not recursive.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() || w.watching[path] {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			return err
		}
		w.watching[path] = true
		return nil
	})
}

// forget drops dir and everything below it from the watched set. The
// kernel has already released those watches.
func (w *watcher) forget(dir string) {
	prefix := dir + string(filepath.Separator)
	for p := range w.watching {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(w.watching, p)
		}
	}
}

// checkRoot re-arms the watch when the root directory comes back after
// being removed, and notices a removal whose event was lost.
func (w *watcher) checkRoot() {
	fi, err := os.Stat(w.root)
	exists := err == nil && fi.IsDir()
	switch {
	case exists && !w.watching[w.root]:
		if err := w.addTree(w.root); err != nil {
			w.log.Warn("re-watch override directory", zap.String("path", w.root), zap.Error(err))
			return
		}
		w.log.Info("override directory reappeared, watching again", zap.String("path", w.root))
		w.deb.Mark(w.now())
	case !exists && w.watching[w.root]:
		w.forget(w.root)
		w.deb.Mark(w.now())
	}
}

func (w *watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&relevantOps == 0 {
		return false
	}
	// a removed or renamed directory takes its documents with it
	if w.watching[ev.Name] && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.forget(ev.Name)
		return true
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return false
	}
	return isRelevantPath(rel)
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Warn("watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			// documents may have landed before the watch was added
			w.deb.Mark(w.now())
			return
		}
	}
	if w.relevant(ev) {
		w.log.Debug("profile change", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
		w.deb.Mark(w.now())
	}
}

// run blocks until stop is closed.
func (w *watcher) run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("profile watcher error", zap.Error(err))
		case <-ticker.C:
			w.checkRoot()
			if w.deb.Ready(w.now()) {
				select {
				case w.reqs <- struct{}{}:
				default:
					// a reload is already queued and will observe this change
				}
			}
		}
	}
}

func (w *watcher) close() error {
	return w.fs.Close()
}
