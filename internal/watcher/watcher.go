// Package watcher turns fsnotify notifications for a whole directory tree
// into a debounced stream of file events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hexian000/filehistory/internal/logging"
)

// ErrWatcherClosed is returned by Run after Close.
var ErrWatcherClosed = errors.New("watcher is closed")

// Options configures a Watcher.
type Options struct {
	Logger *logging.Logger
	// Ignore skips matching paths. Nil watches everything.
	Ignore *IgnoreFilter
}

// Watcher monitors a directory tree recursively. fsnotify only reports
// changes in directories it was told about, so the Watcher keeps a registry
// of every directory under the root and grows it when subdirectories appear.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	add      func(*fsnotify.Watcher, string) error
	consumer Consumer
	log      *logging.Logger
	ignore   *IgnoreFilter

	mu      sync.Mutex
	dirs    map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// New opens the watch facility, registers every directory under root and
// emits a Create event for every regular file already present, so consumers
// get a baseline of files that existed before monitoring began. A symlinked
// root is resolved first; events carry the resolved paths.
func New(root string, consumer Consumer, opts Options) (*Watcher, error) {
	return newWatcher(root, consumer, opts, (*fsnotify.Watcher).Add)
}

func newWatcher(root string, consumer Consumer, opts Options, add func(*fsnotify.Watcher, string) error) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("open watch facility: %w", err)
	}

	w := &Watcher{
		root:     abs,
		fsw:      fsw,
		add:      add,
		consumer: consumer,
		log:      opts.Logger,
		ignore:   opts.Ignore,
		dirs:     make(map[string]struct{}),
	}
	if !w.register(abs) {
		_ = fsw.Close()
		return nil, fmt.Errorf("cannot watch root %s", abs)
	}
	w.addRecursive(abs)
	return w, nil
}

// Root returns the absolute watch root.
func (w *Watcher) Root() string {
	return w.root
}

// Run processes notifications until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running = true
	w.mu.Unlock()

	defer close(done)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warnf("watch queue overflow, some changes were missed: %v", err)
				continue
			}
			w.log.Errorf("watch error: %v", err)
		}
	}
}

// Close stops Run, waits for it to return and releases every registration.
// It may be called from any goroutine and more than once. After Close
// returns the consumer is not called again; notifications still queued in
// the facility are discarded.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		cancel, done := w.cancel, w.done
		w.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		w.mu.Lock()
		w.dirs = make(map[string]struct{})
		w.mu.Unlock()

		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}

// WatchCount returns the number of registered directories.
func (w *Watcher) WatchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// WatchList returns the registered directories, sorted.
func (w *Watcher) WatchList() []string {
	w.mu.Lock()
	list := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		list = append(list, dir)
	}
	w.mu.Unlock()
	sort.Strings(list)
	return list
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		isDir := err == nil && info.IsDir()
		if w.ignore.ShouldIgnore(path, isDir) {
			return
		}
		// A directory may arrive already populated (moved in, extracted),
		// so its files get a Create of their own.
		if isDir {
			w.log.Infof("new watch: %s", path)
			w.addRecursive(path)
		}
		w.emit(Create, path)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.unwatch(path)
		if w.ignore.ShouldIgnore(path, false) {
			return
		}
		w.emit(Delete, path)

	case ev.Has(fsnotify.Write):
		if w.ignore.ShouldIgnore(path, false) {
			return
		}
		w.emit(Modify, path)

	default:
		// chmod only
	}
}

func (w *Watcher) emit(kind Kind, path string) {
	w.consumer.Accept(NewEvent(kind, path))
}

// addRecursive registers every directory under root and emits Create for
// every regular file. A directory that cannot be registered is logged and
// its subtree skipped; the walk goes on.
func (w *Watcher) addRecursive(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.log.Errorf("walk %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != w.root && w.ignore.ShouldIgnore(path, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !w.register(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			w.emit(Create, path)
		}
		return nil
	})
}

// register adds dir to fsnotify and the registry. It reports false when the
// directory could not be watched.
func (w *Watcher) register(dir string) bool {
	w.mu.Lock()
	_, ok := w.dirs[dir]
	w.mu.Unlock()
	if ok {
		return true
	}

	if err := w.add(w.fsw, dir); err != nil {
		w.log.Errorf("watch failed: %s: %v", dir, err)
		return false
	}

	w.mu.Lock()
	w.dirs[dir] = struct{}{}
	w.mu.Unlock()
	return true
}

// unwatch drops path and everything registered beneath it. The kernel has
// already invalidated the watch when a directory is removed; a renamed one
// would keep reporting under its old name, so it is removed explicitly.
func (w *Watcher) unwatch(path string) {
	prefix := path + string(filepath.Separator)

	w.mu.Lock()
	var gone []string
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			gone = append(gone, dir)
			delete(w.dirs, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range gone {
		_ = w.fsw.Remove(dir)
		w.log.Infof("unwatch: %s", dir)
	}
}
