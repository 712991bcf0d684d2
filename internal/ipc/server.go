package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hexian000/filehistory/internal/logging"
)

// DaemonQuerier is the interface the IPC server uses to query daemon state.
// This avoids importing the daemon package (which would be circular).
type DaemonQuerier interface {
	Uptime() time.Duration
	Stop()
	Activity() Activity
}

// JournalQuerier provides the counters reported by "status".
type JournalQuerier interface {
	BackupsCount() (int64, error)
	FailuresCount() (int64, error)
	BytesCopied() (int64, error)
}

// Server is a Unix domain socket server for CLI-to-daemon communication.
type Server struct {
	daemon  DaemonQuerier
	journal JournalQuerier
	log     *logging.Logger

	listener net.Listener
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a new IPC server. daemon and journal may be nil and set
// later.
func NewServer(daemon DaemonQuerier, journal JournalQuerier, logger *logging.Logger) *Server {
	return &Server{
		daemon:  daemon,
		journal: journal,
		log:     logger,
	}
}

// Listen starts accepting connections on the given Unix socket path.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	// Remove stale socket file if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}

	// Set socket permissions to owner-only.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Infof("IPC server listening on %s", socketPath)

	// Close the listener when context is cancelled.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			// Context cancelled causes listener to close.
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop stops accepting connections and waits for in-flight connections to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	// Wait for in-flight connections with a timeout.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("drain timeout: connections still open after 5s")
	}
}

// SetJournal updates the journal reference after daemon startup.
func (s *Server) SetJournal(j JournalQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// SetDaemon sets the daemon reference. This is called after daemon creation
// to break the circular construction dependency (daemon needs server, server needs daemon).
func (s *Server) SetDaemon(d DaemonQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemon = d
}

// handleConn reads a single JSON request, dispatches it, and writes the response.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Set a read/write deadline.
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		writeError(conn, "empty request")
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeError(conn, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	switch req.Command {
	case "ping":
		writeResponse(conn, Response{OK: true, Data: "pong"})

	case "status":
		s.handleStatus(conn)

	case "stop":
		writeResponse(conn, Response{OK: true, Data: "shutting down"})
		// Trigger daemon shutdown after sending response.
		if d, _ := s.refs(); d != nil {
			d.Stop()
		}

	default:
		writeError(conn, fmt.Sprintf("unknown command: %q", req.Command))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	d, j := s.refs()
	var data StatusData

	if d != nil {
		data.Uptime = d.Uptime().Truncate(time.Second).String()
		a := d.Activity()
		data.WatchRoot = a.WatchRoot
		data.RepositoryRoot = a.RepositoryRoot
		data.Watches = a.Watches
		data.PendingEvents = a.PendingEvents
		data.QueuedBackups = a.QueuedBackups
	}

	if j != nil {
		if v, err := j.BackupsCount(); err == nil {
			data.BackupsCount = v
		} else {
			s.log.Warnf("status: backups count: %v", err)
		}
		if v, err := j.FailuresCount(); err == nil {
			data.FailuresCount = v
		} else {
			s.log.Warnf("status: failures count: %v", err)
		}
		if v, err := j.BytesCopied(); err == nil {
			data.BytesCopied = v
		} else {
			s.log.Warnf("status: bytes copied: %v", err)
		}
	}

	writeResponse(conn, Response{OK: true, Data: data})
}

func (s *Server) refs() (DaemonQuerier, JournalQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon, s.journal
}

func writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func writeError(conn net.Conn, msg string) {
	writeResponse(conn, Response{OK: false, Error: msg})
}
