// Package repository keeps dated copies of files in a plain directory tree.
//
// A version of /w/docs/a.txt last modified at T lives at
// <root>/w/docs/a (T).txt. The filename alone identifies the version, so the
// store needs no index. All backups are written by a single worker goroutine
// fed through a FIFO queue.
//
// Version identity is the source's modification time at one-second
// resolution. Two writes within the same second share a name and the second
// one is not captured.
package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hexian000/filehistory/internal/logging"
	"github.com/hexian000/filehistory/internal/watcher"
)

var (
	// ErrNotFound is returned when a requested version does not exist.
	ErrNotFound = errors.New("version not found")
	// ErrClosed is the panic value of Accept on a closed Repository.
	ErrClosed = errors.New("repository is closed")
	// ErrNotDirectory is returned by New when the root is a file.
	ErrNotDirectory = errors.New("repository path is not a directory")
)

// Journal receives a record of every store mutation. Errors are logged and
// never affect the store.
type Journal interface {
	RecordBackup(source, version string, modTime time.Time, size int64) error
	RecordFailure(source string, cause error) error
	RecordDeletion(source string, version time.Time) error
}

// Options configures a Repository.
type Options struct {
	Logger  *logging.Logger
	Journal Journal
}

// Repository is a versioned backup store rooted at a directory.
type Repository struct {
	root    string
	log     *logging.Logger
	journal Journal

	mu     sync.Mutex
	queue  []string
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New opens the store at root, creating it if needed, and starts the backup
// worker.
func New(root string, opts Options) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create repository: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat repository: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	r := &Repository{
		root:    abs,
		log:     opts.Logger,
		journal: opts.Journal,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Root returns the absolute store path.
func (r *Repository) Root() string {
	return r.root
}

// Accept queues a backup of the event's file. Deleting a source never
// deletes its history, so Delete events are ignored.
func (r *Repository) Accept(e watcher.Event) {
	switch e.Kind {
	case watcher.Create, watcher.Modify:
		r.Enqueue(e.Path)
	default:
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			panic(ErrClosed)
		}
	}
}

// Enqueue adds path to the backup queue without blocking.
func (r *Repository) Enqueue(path string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		panic(ErrClosed)
	}
	r.queue = append(r.queue, path)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of backups waiting for the worker.
func (r *Repository) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting work, lets the worker finish what is already queued
// and waits for it to exit.
func (r *Repository) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.stop)
		<-r.done
	})
}

func (r *Repository) run() {
	defer close(r.done)

	for {
		if path, ok := r.next(); ok {
			r.process(path)
			continue
		}
		select {
		case <-r.wake:
		case <-r.stop:
			for {
				path, ok := r.next()
				if !ok {
					return
				}
				r.process(path)
			}
		}
	}
}

func (r *Repository) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	path := r.queue[0]
	r.queue[0] = ""
	r.queue = r.queue[1:]
	return path, true
}

// process runs one backup. Failures are logged and recorded; the next change
// to the same file is the retry.
func (r *Repository) process(path string) {
	if err := r.backup(path); err != nil {
		r.log.Errorf("backup %s: %v", path, err)
		if r.journal != nil {
			if jerr := r.journal.RecordFailure(path, err); jerr != nil {
				r.log.Warnf("journal: %v", jerr)
			}
		}
	}
}

// backup copies src into the store under its current modification time.
// It is a no-op when src is gone, is not a regular file, or that version is
// already stored.
func (r *Repository) backup(src string) error {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	dst := r.VersionPath(src, info.ModTime())
	if _, err := os.Lstat(dst); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat version: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create version directory: %w", err)
	}
	if err := copyFile(src, dst, info); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	r.log.Infof("%s -> %s", src, dst)
	if r.journal != nil {
		if err := r.journal.RecordBackup(src, dst, info.ModTime(), info.Size()); err != nil {
			r.log.Warnf("journal: %v", err)
		}
	}
	return nil
}

// VersionPath returns where the version of file at t is (or would be) stored.
func (r *Repository) VersionPath(file string, t time.Time) string {
	parts := sanitizePath(absPath(file))
	if len(parts) == 0 {
		return filepath.Join(r.root, FormatVersionName("", t))
	}
	parts[len(parts)-1] = FormatVersionName(parts[len(parts)-1], t)
	return filepath.Join(append([]string{r.root}, parts...)...)
}

// ListVersions returns the timestamps of every stored version of file, in
// directory listing order. Entries that do not look like versions are logged
// and skipped. A file that was never backed up has no versions.
func (r *Repository) ListVersions(file string) ([]time.Time, error) {
	parts := sanitizePath(absPath(file))
	if len(parts) == 0 {
		return nil, nil
	}
	name := parts[len(parts)-1]
	dir := filepath.Join(append([]string{r.root}, parts[:len(parts)-1]...)...)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list versions: %w", err)
	}

	var versions []time.Time
	for _, entry := range entries {
		if !entry.Type().IsRegular() || isTempName(entry.Name()) {
			continue
		}
		logical, t, ok := ParseVersionName(entry.Name())
		if !ok {
			r.log.Warnf("non repository file: %s", filepath.Join(dir, entry.Name()))
			continue
		}
		if logical != name {
			continue
		}
		versions = append(versions, t)
	}
	return versions, nil
}

// FetchVersion copies the version of file at t to dest, replacing dest. A
// failed fetch leaves dest as it was.
func (r *Repository) FetchVersion(file string, t time.Time, dest string) error {
	src := r.VersionPath(file, t)
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s at %s", ErrNotFound, file, FormatTimestamp(t))
		}
		return fmt.Errorf("stat version: %w", err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("fetch version: %s is not a regular file", src)
	}
	if err := copyFile(src, dest, info); err != nil {
		return fmt.Errorf("fetch version: %w", err)
	}
	return nil
}

// DeleteVersion removes the version of file at t.
func (r *Repository) DeleteVersion(file string, t time.Time) error {
	path := r.VersionPath(file, t)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s at %s", ErrNotFound, file, FormatTimestamp(t))
		}
		return fmt.Errorf("delete version: %w", err)
	}

	r.log.Infof("deleted %s", path)
	if r.journal != nil {
		if err := r.journal.RecordDeletion(absPath(file), t); err != nil {
			r.log.Warnf("journal: %v", err)
		}
	}
	return nil
}

func absPath(file string) string {
	if abs, err := filepath.Abs(file); err == nil {
		return abs
	}
	return filepath.Clean(file)
}
