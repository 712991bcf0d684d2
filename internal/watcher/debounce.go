package watcher

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hexian000/filehistory/internal/logging"
)

const (
	// DefaultDebounceWindow is how long a path must stay quiet before its
	// pending event is forwarded.
	DefaultDebounceWindow = 30 * time.Second
	// DefaultCheckInterval is the sweep period. Tune it together with the
	// window: worst-case latency is window + interval.
	DefaultCheckInterval = 5 * time.Second
)

// ErrFilterClosed is the panic value of Accept on a closed EventFilter.
var ErrFilterClosed = errors.New("event filter is closed")

// FilterOptions configures an EventFilter. Zero values pick the defaults.
type FilterOptions struct {
	Window        time.Duration
	CheckInterval time.Duration
	// FlushOnClose forwards the still-pending events from Close instead of
	// dropping them.
	FlushOnClose bool
	Logger       *logging.Logger

	now func() time.Time
}

// EventFilter collapses bursts of events for the same path into a single
// settled event. Editors saving a file typically produce delete, create and
// several modify notifications; only the last one survives the window.
//
// Pending state is swept on a fixed period by one goroutine; Accept may be
// called concurrently with the sweep.
type EventFilter struct {
	window       time.Duration
	interval     time.Duration
	flushOnClose bool
	next         Consumer
	log          *logging.Logger
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]Event
	closed  bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventFilter starts the sweep goroutine and returns the filter. Settled
// events are handed to next from that goroutine.
func NewEventFilter(next Consumer, opts FilterOptions) *EventFilter {
	if opts.Window <= 0 {
		opts.Window = DefaultDebounceWindow
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	f := &EventFilter{
		window:       opts.Window,
		interval:     opts.CheckInterval,
		flushOnClose: opts.FlushOnClose,
		next:         next,
		log:          opts.Logger,
		now:          opts.now,
		pending:      make(map[string]Event),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go f.run()
	return f
}

// Accept records e as the pending event for its path, replacing the kind and
// timestamp of any event already pending there.
func (f *EventFilter) Accept(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		panic(ErrFilterClosed)
	}

	prev, ok := f.pending[e.Path]
	if !ok {
		f.pending[e.Path] = e
		return
	}
	merged, err := prev.Update(e)
	if err != nil {
		panic(err)
	}
	f.pending[e.Path] = merged
}

// Pending returns the number of paths waiting for their window to expire.
func (f *EventFilter) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Close stops the sweep and waits for an in-flight pass to finish. Pending
// events are dropped unless FlushOnClose was set. Once Close returns the
// downstream consumer is not called again.
func (f *EventFilter) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		close(f.stop)
		<-f.done

		f.mu.Lock()
		rest := f.pending
		f.pending = nil
		f.mu.Unlock()

		if len(rest) == 0 {
			return
		}
		if !f.flushOnClose {
			f.log.Warnf("event filter closed with %d pending events dropped", len(rest))
			return
		}
		for _, e := range sortedEvents(rest) {
			f.next.Accept(e)
		}
	})
}

func (f *EventFilter) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.sweep()
		}
	}
}

// sweep forwards every entry older than the window. Due entries leave the map
// under the lock, so an Accept racing with the sweep either lands in the
// value being forwarded or starts a fresh pending entry.
func (f *EventFilter) sweep() {
	now := f.now()

	f.mu.Lock()
	due := make(map[string]Event)
	for path, e := range f.pending {
		if now.Sub(e.Timestamp) > f.window {
			due[path] = e
			delete(f.pending, path)
		}
	}
	f.mu.Unlock()

	for _, e := range sortedEvents(due) {
		f.next.Accept(e)
	}
}

// sortedEvents orders events oldest first so the backup queue sees them in
// the order they settled.
func sortedEvents(m map[string]Event) []Event {
	events := make([]Event, 0, len(m))
	for _, e := range m {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Path < events[j].Path
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}
