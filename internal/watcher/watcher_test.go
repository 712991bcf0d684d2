package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recorder is a Consumer that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Accept(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// has reports whether an event of kind for path was recorded.
func (r *recorder) has(kind Kind, path string) bool {
	for _, e := range r.snapshot() {
		if e.Kind == kind && e.Path == path {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Event tests
// ---------------------------------------------------------------------------

func TestEventUpdateLastWriteWins(t *testing.T) {
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)
	a := Event{Kind: Create, Path: "/w/a.txt", Timestamp: t1}

	got, err := a.Update(Event{Kind: Modify, Path: "/w/a.txt", Timestamp: t2})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Kind != Modify || !got.Timestamp.Equal(t2) || got.Path != "/w/a.txt" {
		t.Errorf("Update = %+v, want modify at t2", got)
	}
	if a.Kind != Create {
		t.Error("Update mutated the receiver")
	}
}

func TestEventUpdateDifferentPath(t *testing.T) {
	a := Event{Kind: Create, Path: "/w/a.txt"}
	_, err := a.Update(Event{Kind: Modify, Path: "/w/b.txt"})
	if !errors.Is(err, ErrPathMismatch) {
		t.Fatalf("expected ErrPathMismatch, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{Create: "create", Delete: "delete", Modify: "modify", Kind(9): "kind(9)"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Ignore filter tests
// ---------------------------------------------------------------------------

func TestIgnoreDefaultPatterns(t *testing.T) {
	f, err := NewIgnoreFilter("/w", nil, false)
	if err != nil {
		t.Fatalf("NewIgnoreFilter: %v", err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{"/w/notes.txt.swp", true},
		{"/w/file.swo", true},
		{"/w/notes~", true},
		{"/w/.#lock", true},
		{"/w/sub/.DS_Store", true},
		{"/w/main.go", false},
		{"/w/docs/guide.html", false},
		{"/w", false},
	}
	for _, tc := range cases {
		if got := f.ShouldIgnore(tc.path, false); got != tc.want {
			t.Errorf("ShouldIgnore(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestIgnoreOnlyBelowRoot(t *testing.T) {
	// A pattern matching a component above the root must not hide the tree.
	f, err := NewIgnoreFilter("/home/u/build", []string{"build"}, false)
	if err != nil {
		t.Fatalf("NewIgnoreFilter: %v", err)
	}
	if f.ShouldIgnore("/home/u/build/src/a.c", false) {
		t.Error("root component matched an ignore pattern")
	}
	if !f.ShouldIgnore("/home/u/build/src/build/out.o", false) {
		t.Error("nested build directory should be ignored")
	}
}

func TestIgnoreCustomPatterns(t *testing.T) {
	f, err := NewIgnoreFilter("/w", []string{"*.log", "tmp", "*.log"}, false)
	if err != nil {
		t.Fatalf("NewIgnoreFilter: %v", err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{"/w/app.log", true},
		{"/w/logs/error.log", true},
		{"/w/app.txt", false},
		{"/w/tmp/cache", true},
		{"/w/data/tmp/file", true},
		{"/w/x.swp", true},
	}
	for _, tc := range cases {
		if got := f.ShouldIgnore(tc.path, false); got != tc.want {
			t.Errorf("ShouldIgnore(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestIgnoreGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "*.o\nbuild/\n")
	writeFile(t, filepath.Join(root, "sub", ".gitignore"), "secret.txt\n")

	f, err := NewIgnoreFilter(root, nil, true)
	if err != nil {
		t.Fatalf("NewIgnoreFilter: %v", err)
	}

	cases := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{filepath.Join(root, "main.o"), false, true},
		{filepath.Join(root, "main.c"), false, false},
		{filepath.Join(root, "build"), true, true},
		{filepath.Join(root, "sub", "secret.txt"), false, true},
		{filepath.Join(root, "secret.txt"), false, false},
	}
	for _, tc := range cases {
		if got := f.ShouldIgnore(tc.path, tc.isDir); got != tc.want {
			t.Errorf("ShouldIgnore(%q, %v) = %v, want %v", tc.path, tc.isDir, got, tc.want)
		}
	}
}

func TestNilIgnoreFilter(t *testing.T) {
	var f *IgnoreFilter
	if f.ShouldIgnore("/w/a.swp", false) {
		t.Error("nil filter ignored a path")
	}
}

// ---------------------------------------------------------------------------
// EventFilter tests
// ---------------------------------------------------------------------------

// manualFilter returns a filter whose ticker never fires during a test and
// whose clock is controlled by the caller; tests drive sweep() directly.
func manualFilter(next Consumer, window time.Duration, clock *time.Time, mu *sync.Mutex) *EventFilter {
	return NewEventFilter(next, FilterOptions{
		Window:        window,
		CheckInterval: time.Hour,
		now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return *clock
		},
	})
}

func TestEventFilterCoalesces(t *testing.T) {
	var mu sync.Mutex
	base := time.Unix(1_000, 0)
	clock := base
	rec := &recorder{}
	f := manualFilter(rec, 30*time.Second, &clock, &mu)
	defer f.Close()

	t1, t2, t3 := base, base.Add(time.Second), base.Add(2*time.Second)
	f.Accept(Event{Kind: Modify, Path: "/w/a.txt", Timestamp: t1})
	f.Accept(Event{Kind: Delete, Path: "/w/a.txt", Timestamp: t2})
	f.Accept(Event{Kind: Modify, Path: "/w/a.txt", Timestamp: t3})

	if got := f.Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	// Not yet settled: age is measured from the latest update.
	mu.Lock()
	clock = t1.Add(31 * time.Second)
	mu.Unlock()
	f.sweep()
	if rec.count() != 0 {
		t.Fatalf("forwarded before the window expired: %v", rec.snapshot())
	}

	mu.Lock()
	clock = t3.Add(31 * time.Second)
	mu.Unlock()
	f.sweep()

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 settled event, got %d", len(got))
	}
	if got[0].Kind != Modify || !got[0].Timestamp.Equal(t3) {
		t.Errorf("settled event = %+v, want modify at t3", got[0])
	}
	if f.Pending() != 0 {
		t.Error("settled entry still pending")
	}
}

func TestEventFilterWindowIsExclusive(t *testing.T) {
	var mu sync.Mutex
	base := time.Unix(5_000, 0)
	clock := base.Add(30 * time.Second)
	rec := &recorder{}
	f := manualFilter(rec, 30*time.Second, &clock, &mu)
	defer f.Close()

	f.Accept(Event{Kind: Create, Path: "/w/a.txt", Timestamp: base})
	f.sweep()
	if rec.count() != 0 {
		t.Fatal("age equal to the window must not settle")
	}
}

func TestEventFilterDifferentPaths(t *testing.T) {
	var mu sync.Mutex
	base := time.Unix(2_000, 0)
	clock := base.Add(time.Minute)
	rec := &recorder{}
	f := manualFilter(rec, 30*time.Second, &clock, &mu)
	defer f.Close()

	f.Accept(Event{Kind: Modify, Path: "/w/b.txt", Timestamp: base.Add(time.Second)})
	f.Accept(Event{Kind: Create, Path: "/w/a.txt", Timestamp: base})
	f.sweep()

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 emissions (one per path), got %d", len(got))
	}
	if got[0].Path != "/w/a.txt" || got[1].Path != "/w/b.txt" {
		t.Errorf("expected oldest first, got %v", got)
	}
}

func TestEventFilterSettlesOnTicker(t *testing.T) {
	rec := &recorder{}
	f := NewEventFilter(rec, FilterOptions{
		Window:        50 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
	})
	defer f.Close()

	// A burst well within the window.
	for i := 0; i < 10; i++ {
		f.Accept(NewEvent(Modify, "/w/a.txt"))
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give a second sweep the chance to misbehave.
	time.Sleep(60 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("expected exactly 1 emission after burst of 10, got %d", got)
	}
}

func TestEventFilterCloseDropsPending(t *testing.T) {
	rec := &recorder{}
	f := NewEventFilter(rec, FilterOptions{Window: time.Hour, CheckInterval: time.Hour})

	f.Accept(NewEvent(Create, "/w/x.txt"))
	f.Accept(NewEvent(Modify, "/w/y.txt"))
	f.Close()

	if got := rec.count(); got != 0 {
		t.Fatalf("expected pending events to be dropped, got %d", got)
	}
}

func TestEventFilterCloseFlushes(t *testing.T) {
	rec := &recorder{}
	f := NewEventFilter(rec, FilterOptions{Window: time.Hour, CheckInterval: time.Hour, FlushOnClose: true})

	f.Accept(NewEvent(Create, "/w/x.txt"))
	f.Accept(NewEvent(Modify, "/w/y.txt"))
	f.Close()

	if !rec.has(Create, "/w/x.txt") || !rec.has(Modify, "/w/y.txt") {
		t.Fatalf("expected both pending events flushed, got %v", rec.snapshot())
	}

	// A second Close is a no-op.
	f.Close()
	if got := rec.count(); got != 2 {
		t.Errorf("second Close emitted again: %d events", got)
	}
}

func TestEventFilterAcceptAfterClosePanics(t *testing.T) {
	f := NewEventFilter(&recorder{}, FilterOptions{})
	f.Close()

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrFilterClosed) {
			t.Fatalf("expected panic with ErrFilterClosed, got %v", r)
		}
	}()
	f.Accept(NewEvent(Modify, "/w/a.txt"))
}

func TestEventFilterConcurrentAcceptAndSweep(t *testing.T) {
	// Each accepted event encodes its kind in the parity of its timestamp, so
	// a value mixing the kind of one update with the timestamp of another is
	// detectable downstream.
	base := time.Unix(0, 0)
	var mu sync.Mutex
	torn, total := 0, 0
	next := ConsumerFunc(func(e Event) {
		odd := e.Timestamp.Sub(base)%2 == 1
		mu.Lock()
		total++
		if odd != (e.Kind == Modify) {
			torn++
		}
		mu.Unlock()
	})

	f := NewEventFilter(next, FilterOptions{
		Window:        time.Millisecond,
		CheckInterval: time.Millisecond,
		FlushOnClose:  true,
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				kind, offset := Create, time.Duration(2*(g*500+i))
				if i%2 == 1 {
					kind, offset = Modify, offset+1
				}
				f.Accept(Event{
					Kind:      kind,
					Path:      fmt.Sprintf("/w/%d.txt", i%7),
					Timestamp: base.Add(offset),
				})
				if i%50 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(g)
	}
	wg.Wait()
	f.Close()

	mu.Lock()
	defer mu.Unlock()
	if total == 0 {
		t.Fatal("nothing was forwarded")
	}
	if torn != 0 {
		t.Errorf("%d of %d forwarded events mixed two updates", torn, total)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
