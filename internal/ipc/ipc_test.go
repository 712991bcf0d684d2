package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	stopped atomic.Bool
}

func (d *fakeDaemon) Uptime() time.Duration { return 90*time.Second + 400*time.Millisecond }
func (d *fakeDaemon) Stop()                  { d.stopped.Store(true) }
func (d *fakeDaemon) Activity() Activity {
	return Activity{
		WatchRoot:      "/w",
		RepositoryRoot: "/r",
		Watches:        4,
		PendingEvents:  2,
		QueuedBackups:  1,
	}
}

type fakeJournal struct {
	failErr error
}

func (j fakeJournal) BackupsCount() (int64, error)  { return 12, nil }
func (j fakeJournal) FailuresCount() (int64, error) { return 3, j.failErr }
func (j fakeJournal) BytesCopied() (int64, error)   { return 4096, nil }

// socketPath returns a short path; unix socket paths are length limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fh")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, srv *Server) (*Client, context.CancelFunc) {
	t.Helper()
	path := socketPath(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(ctx, path) }()

	client := NewClient(path)
	require.Eventually(t, func() bool { return client.Ping() == nil }, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Listen did not return after cancel")
		}
	})
	return client, cancel
}

func TestPing(t *testing.T) {
	client, _ := startServer(t, NewServer(nil, nil, nil))
	assert.NoError(t, client.Ping())
}

func TestStatus(t *testing.T) {
	client, _ := startServer(t, NewServer(&fakeDaemon{}, fakeJournal{}, nil))

	status, err := client.Status()
	require.NoError(t, err)

	assert.Equal(t, "1m30s", status.Uptime)
	assert.Equal(t, "/w", status.WatchRoot)
	assert.Equal(t, "/r", status.RepositoryRoot)
	assert.Equal(t, 4, status.Watches)
	assert.Equal(t, 2, status.PendingEvents)
	assert.Equal(t, 1, status.QueuedBackups)
	assert.Equal(t, int64(12), status.BackupsCount)
	assert.Equal(t, int64(3), status.FailuresCount)
	assert.Equal(t, int64(4096), status.BytesCopied)
}

func TestStatusJournalErrorLeavesZero(t *testing.T) {
	srv := NewServer(&fakeDaemon{}, nil, nil)
	client, _ := startServer(t, srv)
	srv.SetJournal(fakeJournal{failErr: errors.New("locked")})

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(12), status.BackupsCount)
	assert.Zero(t, status.FailuresCount)
}

func TestStop(t *testing.T) {
	d := &fakeDaemon{}
	srv := NewServer(nil, nil, nil)
	srv.SetDaemon(d)
	client, _ := startServer(t, srv)

	require.NoError(t, client.RequestStop())
	assert.True(t, d.stopped.Load())
}

func TestUnknownCommand(t *testing.T) {
	client, _ := startServer(t, NewServer(nil, nil, nil))

	err := client.call(Request{Command: "dance"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestInvalidJSON(t *testing.T) {
	client, _ := startServer(t, NewServer(nil, nil, nil))

	conn, err := net.Dial("unix", client.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"ok":false`)
}

func TestSocketPermissions(t *testing.T) {
	client, _ := startServer(t, NewServer(nil, nil, nil))

	info, err := os.Stat(client.socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNotRunning(t *testing.T) {
	client := NewClient(socketPath(t))
	err := client.Ping()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestServerStop(t *testing.T) {
	srv := NewServer(nil, nil, nil)
	client, _ := startServer(t, srv)

	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, client.Ping(), ErrNotRunning)
}
