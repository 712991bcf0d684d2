// Package journal records what the backup worker did in a SQLite database:
// copies made, copies that failed and versions deleted. It is an activity
// log for status and history output; the repository never reads it back to
// decide what is stored.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver.

	"github.com/hexian000/filehistory/internal/logging"
)

// Journal wraps a SQLite database connection.
type Journal struct {
	db  *sql.DB
	log *logging.Logger
}

// Entry is one line of activity, newest first in Recent.
type Entry struct {
	Kind      string    `json:"kind"` // "backup", "failure", "deletion"
	Source    string    `json:"source"`
	Detail    string    `json:"detail"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	At        time.Time `json:"at"`
}

// New opens (or creates) the journal at dbPath with WAL mode and a 5-second
// busy timeout, then runs any pending migrations. logger may be nil.
func New(dbPath string, logger *logging.Logger) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("check journal mode: %w", err)
	}
	if journalMode != "wal" {
		_ = db.Close()
		return nil, fmt.Errorf("expected WAL journal mode, got %q", journalMode)
	}

	j := &Journal{db: db, log: logger}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordBackup notes a version written by the repository.
func (j *Journal) RecordBackup(source, version string, modTime time.Time, size int64) error {
	_, err := j.db.Exec(
		`INSERT INTO backups (source_path, version_path, mod_time, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		source, version, modTime.UTC().Format(time.RFC3339), size, now(),
	)
	if err != nil {
		return fmt.Errorf("record backup: %w", err)
	}
	return nil
}

// RecordFailure notes a backup that could not be completed.
func (j *Journal) RecordFailure(source string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := j.db.Exec(
		`INSERT INTO failures (source_path, error, created_at) VALUES (?, ?, ?)`,
		source, msg, now(),
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// RecordDeletion notes a version removed on request.
func (j *Journal) RecordDeletion(source string, version time.Time) error {
	_, err := j.db.Exec(
		`INSERT INTO deletions (source_path, version_time, created_at) VALUES (?, ?, ?)`,
		source, version.UTC().Format(time.RFC3339), now(),
	)
	if err != nil {
		return fmt.Errorf("record deletion: %w", err)
	}
	return nil
}

// BackupsCount returns the number of versions written.
func (j *Journal) BackupsCount() (int64, error) {
	var count int64
	err := j.db.QueryRow("SELECT COUNT(*) FROM backups").Scan(&count)
	return count, err
}

// FailuresCount returns the number of failed backups.
func (j *Journal) FailuresCount() (int64, error) {
	var count int64
	err := j.db.QueryRow("SELECT COUNT(*) FROM failures").Scan(&count)
	return count, err
}

// BytesCopied returns the total size of all versions written.
func (j *Journal) BytesCopied() (int64, error) {
	var total int64
	err := j.db.QueryRow("SELECT COALESCE(SUM(size_bytes), 0) FROM backups").Scan(&total)
	return total, err
}

// Recent returns up to limit entries across all activity, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT kind, source_path, detail, size_bytes, created_at FROM (
			SELECT 'backup' AS kind, source_path, version_path AS detail, size_bytes, created_at, id FROM backups
			UNION ALL
			SELECT 'failure', source_path, error, 0, created_at, id FROM failures
			UNION ALL
			SELECT 'deletion', source_path, version_time, 0, created_at, id FROM deletions
		 )
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.Kind, &e.Source, &e.Detail, &e.SizeBytes, &ts); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp %q: %w", ts, err)
		}
		e.At = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetState reads a daemon_state value; a missing key yields "".
func (j *Journal) GetState(key string) (string, error) {
	var val string
	err := j.db.QueryRow(`SELECT value FROM daemon_state WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

// SetState writes a daemon_state value.
func (j *Journal) SetState(key, value string) error {
	_, err := j.db.Exec(upsertState, key, value, now())
	return err
}

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
