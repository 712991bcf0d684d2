package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hexian000/filehistory/internal/config"
	"github.com/hexian000/filehistory/internal/ipc"
)

func pidPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "filehistory.pid")
}

// runningPID reports the PID recorded at path if that process is alive. A
// stale file is removed.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
		if process, err := os.FindProcess(pid); err == nil {
			if err := process.Signal(syscall.Signal(0)); err == nil {
				return pid, true
			}
		}
	}
	_ = os.Remove(path)
	return 0, false
}

// startBackground re-executes this binary with args in a new session, its
// output appended to daemon.log in the data directory, and waits up to five
// seconds for it to answer a ping.
func startBackground(cfg *config.Config, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable path: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return 0, fmt.Errorf("create data dir: %w", err)
	}

	logPath := filepath.Join(cfg.DataDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start background daemon: %w", err)
	}

	pid := child.Process.Pid
	if err := os.WriteFile(pidPath(cfg), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return 0, fmt.Errorf("write pid file: %w", err)
	}

	// Detach from the child so it won't become a zombie.
	_ = child.Process.Release()

	client := ipc.NewClient(cfg.SocketPath)
	for i := 0; i < 25; i++ {
		time.Sleep(200 * time.Millisecond)
		if err := client.Ping(); err == nil {
			return pid, nil
		}
	}

	_ = os.Remove(pidPath(cfg))
	return 0, errors.New("daemon failed to start (see " + logPath + ")")
}
