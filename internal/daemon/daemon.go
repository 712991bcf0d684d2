package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hexian000/filehistory/internal/config"
	"github.com/hexian000/filehistory/internal/ipc"
	"github.com/hexian000/filehistory/internal/journal"
	"github.com/hexian000/filehistory/internal/logging"
	"github.com/hexian000/filehistory/internal/repository"
	"github.com/hexian000/filehistory/internal/watcher"
)

// IPCServer is the interface the daemon uses to start/stop the IPC listener.
type IPCServer interface {
	Listen(ctx context.Context, socketPath string) error
	Stop() error
}

// JournalAware can receive a journal reference after it becomes available.
type JournalAware interface {
	SetJournal(j ipc.JournalQuerier)
}

// Daemon manages the lifecycle of the filehistory background process.
type Daemon struct {
	cfg *config.Config
	ipc IPCServer
	log *logging.Logger

	journal *journal.Journal
	repo    *repository.Repository
	filter  *watcher.EventFilter
	watcher *watcher.Watcher

	startTime time.Time
	cancel    context.CancelFunc
	mu        sync.Mutex
	running   bool
}

// New creates a new Daemon with the given config.
// The IPC server is injected to avoid circular imports.
func New(cfg *config.Config, ipcServer IPCServer, logger *logging.Logger) *Daemon {
	return &Daemon{
		cfg: cfg,
		ipc: ipcServer,
		log: logger,
	}
}

// Start builds the pipeline (journal, repository, event filter, watcher),
// serves IPC and blocks until parent is cancelled, a signal arrives or Stop
// is called. Teardown runs before Start returns.
func (d *Daemon) Start(parent context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	ctx, cancel := d.signalContext(parent)
	defer cancel()
	d.running = true
	d.cancel = cancel
	err := d.open()
	d.mu.Unlock()
	if err != nil {
		d.shutdown()
		return err
	}

	// Stop calls made while open held the lock have already cancelled ctx.
	if ctx.Err() != nil {
		d.log.Infof("stop requested during startup")
		d.shutdown()
		return nil
	}

	d.mu.Lock()
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.journal.SetState("last_start", d.startTime.UTC().Format(time.RFC3339)); err != nil {
		d.log.Warnf("journal: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.ipc != nil {
		g.Go(func() error {
			if err := d.ipc.Listen(gctx, d.cfg.SocketPath); err != nil {
				return fmt.Errorf("ipc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := d.watcher.Run(gctx); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})

	d.log.Infof("daemon started (pid %d, watch %s, repository %s, socket %s)",
		os.Getpid(), d.watcher.Root(), d.repo.Root(), d.cfg.SocketPath)

	// Run returns only once gctx is done, so Wait blocks until shutdown is
	// requested or a goroutine fails.
	err = g.Wait()
	if err != nil {
		d.log.Errorf("%v", err)
	} else {
		d.log.Infof("shutdown requested")
	}

	d.shutdown()
	return err
}

// open creates the pipeline back to front so that every consumer exists
// before its producer. Callers hold d.mu.
func (d *Daemon) open() error {
	cfg := d.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	j, err := journal.New(cfg.JournalPath, d.log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.journal = j
	if ja, ok := d.ipc.(JournalAware); ok {
		ja.SetJournal(j)
	}

	repo, err := repository.New(cfg.RepositoryPath, repository.Options{
		Logger:  d.log,
		Journal: j,
	})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	d.repo = repo

	d.filter = watcher.NewEventFilter(repo, watcher.FilterOptions{
		Window:        cfg.DebounceWindow.Std(),
		CheckInterval: cfg.CheckInterval.Std(),
		FlushOnClose:  cfg.FlushOnShutdown,
		Logger:        d.log,
	})

	ignore, err := watcher.NewIgnoreFilter(cfg.WatchPath, cfg.IgnorePatterns, cfg.RespectGitignore)
	if err != nil {
		return fmt.Errorf("load ignore rules: %w", err)
	}

	w, err := watcher.New(cfg.WatchPath, d.filter, watcher.Options{
		Logger: d.log,
		Ignore: ignore,
	})
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	d.watcher = w
	d.log.Infof("%d watches created.", w.WatchCount())
	return nil
}

// Stop triggers a graceful shutdown from outside (e.g. via IPC stop command).
// A Stop that arrives while Start is still opening the pipeline takes effect
// as soon as the pipeline is open.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// shutdown tears down in producer-to-consumer order: watcher, event filter,
// repository, IPC server, journal, then removes the socket. Each Close
// guarantees no further calls downstream, so no stage sees input after it
// has closed.
func (d *Daemon) shutdown() {
	d.log.Infof("shutting down...")

	d.mu.Lock()
	w, f, r, j := d.watcher, d.filter, d.repo, d.journal
	d.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			d.log.Warnf("watcher close: %v", err)
		}
	}
	if f != nil {
		f.Close()
	}
	if r != nil {
		r.Close()
	}

	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			d.log.Warnf("ipc stop: %v", err)
		}
	}

	if j != nil {
		if err := j.SetState("last_stop", time.Now().UTC().Format(time.RFC3339)); err != nil {
			d.log.Warnf("journal: %v", err)
		}
		if err := j.Close(); err != nil {
			d.log.Warnf("journal close: %v", err)
		}
	}

	_ = os.Remove(d.cfg.SocketPath)

	d.mu.Lock()
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	d.log.Infof("daemon stopped")
}

// Running returns true if the daemon is currently running.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}

// Activity reports the live pipeline counters for the status command.
func (d *Daemon) Activity() ipc.Activity {
	d.mu.Lock()
	w, f, r := d.watcher, d.filter, d.repo
	d.mu.Unlock()

	var a ipc.Activity
	if w != nil {
		a.WatchRoot = w.Root()
		a.Watches = w.WatchCount()
	}
	if f != nil {
		a.PendingEvents = f.Pending()
	}
	if r != nil {
		a.RepositoryRoot = r.Root()
		a.QueuedBackups = r.Queued()
	}
	return a
}
