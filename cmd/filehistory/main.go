package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexian000/filehistory/internal/config"
	"github.com/hexian000/filehistory/internal/daemon"
	"github.com/hexian000/filehistory/internal/ipc"
	"github.com/hexian000/filehistory/internal/logging"
	"github.com/hexian000/filehistory/internal/report"
	"github.com/hexian000/filehistory/internal/repository"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "filehistory",
		Short:        "Keep dated copies of every file you change",
		Long:         "filehistory watches a directory tree and copies each changed file into a versioned backup repository once it has settled.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.filehistory/config.{yaml,json})")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(versionsCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(logCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	var (
		watchPath  string
		repoPath   string
		logLevel   string
		foreground bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the filehistory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if watchPath != "" {
				cfg.WatchPath = watchPath
			}
			if repoPath != "" {
				cfg.RepositoryPath = repoPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, _ := logging.ParseLevel(cfg.LogLevel)
			logger := logging.New(os.Stderr, level)

			// The already-running checks only apply to the user-facing
			// entry point. The foreground child skips them because the
			// parent already wrote the PID file for the child's own PID.
			if !foreground {
				if pid, ok := runningPID(pidPath(cfg)); ok {
					fmt.Printf("daemon is already running (pid %d)\n", pid)
					return nil
				}
				client := ipc.NewClient(cfg.SocketPath)
				if err := client.Ping(); err == nil {
					fmt.Println("daemon is already running")
					return nil
				}
			}

			// Remove stale socket file (from a prior crash).
			if _, err := os.Stat(cfg.SocketPath); err == nil {
				logger.Infof("removing stale socket file")
				_ = os.Remove(cfg.SocketPath)
			}

			if !foreground {
				childArgs := []string{"start", "--foreground",
					"--watch", cfg.WatchPath,
					"--repo", cfg.RepositoryPath,
					"--log-level", cfg.LogLevel,
				}
				if configPath != "" {
					childArgs = append(childArgs, "--config", configPath)
				}
				pid, err := startBackground(cfg, childArgs)
				if err != nil {
					return err
				}
				fmt.Printf("daemon started (pid %d), watching %s\n", pid, cfg.WatchPath)
				return nil
			}

			// The server and the daemon reference each other; the daemon is
			// handed to the server once both exist.
			ipcServer := ipc.NewServer(nil, nil, logger)
			d := daemon.New(cfg, ipcServer, logger)
			ipcServer.SetDaemon(d)
			defer os.Remove(pidPath(cfg))

			// Start blocks until signal, stop request or error.
			return d.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&watchPath, "watch", "", "Directory tree to watch (overrides config)")
	cmd.Flags().StringVar(&repoPath, "repo", "", "Backup repository directory (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the foreground (don't daemonize)")

	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the filehistory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.RequestStop(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}

			// Remove PID file in case daemon crashes before its own cleanup.
			_ = os.Remove(pidPath(cfg))

			fmt.Println("daemon stopping")
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(); err != nil {
				if errors.Is(err, ipc.ErrNotRunning) {
					fmt.Println("daemon is not running")
				}
				return err
			}

			fmt.Println("daemon is alive")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}

			if jsonOutput {
				fmt.Println(report.FormatJSON(status))
			} else {
				fmt.Print(report.FormatStatus(status))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// openRepository opens the configured repository for a one-shot query. The
// daemon does not need to be running.
func openRepository(cfg *config.Config, repoPath string) (*repository.Repository, error) {
	if repoPath == "" {
		repoPath = cfg.RepositoryPath
	}
	repo, err := repository.New(repoPath, repository.Options{
		Logger: logging.New(os.Stderr, logging.LevelWarning),
	})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

func versionsCmd() *cobra.Command {
	var (
		repoPath   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "versions <file>",
		Short: "List the stored versions of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openRepository(cfg, repoPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			file, err := resolveFile(args[0])
			if err != nil {
				return err
			}
			vr, err := report.GenerateVersions(repo, file)
			if err != nil {
				return err
			}

			if jsonOutput {
				fmt.Println(report.FormatJSON(vr))
			} else {
				fmt.Print(report.FormatVersions(vr, time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", "", "Override repository path (default: from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func fetchCmd() *cobra.Command {
	var (
		repoPath string
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "fetch <file> <timestamp>",
		Short: "Restore a stored version of a file",
		Long: `Copy a stored version of <file> back to disk.

<timestamp> is either the repository form (2006-01-02T15_04_05Z) printed by
"versions" or RFC 3339. Without --out the version replaces <file> itself.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ts, err := parseVersionTime(args[1])
			if err != nil {
				return err
			}
			repo, err := openRepository(cfg, repoPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			file, err := resolveFile(args[0])
			if err != nil {
				return err
			}
			dest := outPath
			if dest == "" {
				dest = file
			}

			if err := repo.FetchVersion(file, ts, dest); err != nil {
				return err
			}
			fmt.Printf("restored %s (%s) to %s\n", file, repository.FormatTimestamp(ts), dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", "", "Override repository path (default: from config)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the version here instead of over the original")

	return cmd
}

func deleteCmd() *cobra.Command {
	var repoPath string

	cmd := &cobra.Command{
		Use:   "delete <file> <timestamp>",
		Short: "Delete a stored version of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ts, err := parseVersionTime(args[1])
			if err != nil {
				return err
			}
			repo, err := openRepository(cfg, repoPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			file, err := resolveFile(args[0])
			if err != nil {
				return err
			}
			if err := repo.DeleteVersion(file, ts); err != nil {
				return err
			}
			fmt.Printf("deleted %s (%s)\n", file, repository.FormatTimestamp(ts))
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", "", "Override repository path (default: from config)")

	return cmd
}

func logCmd() *cobra.Command {
	var (
		dbPath     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent backup activity",
		Long: `Show recent backups, failures and deletions from the journal.

Reads the SQLite journal directly -- the daemon does not need to be running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Resolve journal path: flag > config default.
			if dbPath == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.JournalPath
			}

			hr, err := report.GenerateHistory(dbPath, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				fmt.Println(report.FormatJSON(hr))
			} else {
				fmt.Print(report.FormatHistory(hr, time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Override journal path (default: from config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// resolveFile makes file absolute and resolves symlinks in its directory so
// it names the file the way the watcher reports it. The file itself may be
// gone.
func resolveFile(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// parseVersionTime accepts the repository timestamp form or RFC 3339.
func parseVersionTime(s string) (time.Time, error) {
	if t, err := repository.ParseTimestamp(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want %s or RFC 3339", s, repository.TimestampLayout)
	}
	return t.UTC(), nil
}
