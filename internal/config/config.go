package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hexian000/filehistory/internal/logging"
)

// Duration is a time.Duration written as a string such as "30s" in config
// files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds all daemon configuration.
type Config struct {
	DataDir          string   `json:"data_dir" yaml:"data_dir"`
	SocketPath       string   `json:"socket_path" yaml:"socket_path"`
	JournalPath      string   `json:"journal_path" yaml:"journal_path"`
	WatchPath        string   `json:"watch_path" yaml:"watch_path"`
	RepositoryPath   string   `json:"repository_path" yaml:"repository_path"`
	IgnorePatterns   []string `json:"ignore_patterns" yaml:"ignore_patterns"`
	RespectGitignore bool     `json:"respect_gitignore" yaml:"respect_gitignore"`
	DebounceWindow   Duration `json:"debounce_window" yaml:"debounce_window"`
	CheckInterval    Duration `json:"check_interval" yaml:"check_interval"`
	FlushOnShutdown  bool     `json:"flush_on_shutdown" yaml:"flush_on_shutdown"`
	LogLevel         string   `json:"log_level" yaml:"log_level"`
}

// DefaultDataDir returns the default data directory (~/.filehistory).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".filehistory")
}

// Default returns a Config with sensible defaults. WatchPath is left empty;
// it must come from the config file or the command line.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir:        dataDir,
		SocketPath:     filepath.Join(dataDir, "filehistory.sock"),
		JournalPath:    filepath.Join(dataDir, "journal.db"),
		RepositoryPath: filepath.Join(dataDir, "repository"),
		IgnorePatterns: []string{
			".git",
			"node_modules",
		},
		DebounceWindow: Duration(30 * time.Second),
		CheckInterval:  Duration(5 * time.Second),
		LogLevel:       "info",
	}
}

// Load reads configuration from a JSON or YAML file, chosen by extension,
// falling back to defaults for any unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No config file is fine, use defaults.
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Re-derive paths if DataDir was overridden but the others were cleared.
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "filehistory.sock")
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "journal.db")
	}
	if cfg.RepositoryPath == "" {
		cfg.RepositoryPath = filepath.Join(cfg.DataDir, "repository")
	}

	return cfg, nil
}

// Validate reports the first setting the daemon cannot run with.
func (c *Config) Validate() error {
	if c.WatchPath == "" {
		return errors.New("watch_path is not set")
	}
	if c.RepositoryPath == "" {
		return errors.New("repository_path is not set")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce_window must be positive, got %s", c.DebounceWindow)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive, got %s", c.CheckInterval)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	watch, err := filepath.Abs(c.WatchPath)
	if err != nil {
		return fmt.Errorf("resolve watch_path: %w", err)
	}
	repo, err := filepath.Abs(c.RepositoryPath)
	if err != nil {
		return fmt.Errorf("resolve repository_path: %w", err)
	}
	// The repository must not live under the watched tree.
	if rel, err := filepath.Rel(watch, repo); err == nil &&
		(rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))) {
		return fmt.Errorf("repository_path %s is inside watch_path %s", repo, watch)
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// ConfigPath returns the default path to the config file. A config.yaml in
// the data directory wins over config.json when both exist.
func ConfigPath() string {
	dir := DefaultDataDir()
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}
