package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const createStateTable = `CREATE TABLE IF NOT EXISTS daemon_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
)`

const upsertState = `INSERT INTO daemon_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// migrate brings the journal schema up to schemaVersion. The version lives in
// daemon_state under "schema_version"; every step commits together with its
// version bump, so an interrupted upgrade resumes where it stopped.
func (j *Journal) migrate() error {
	if _, err := j.db.Exec(createStateTable); err != nil {
		return fmt.Errorf("create daemon_state: %w", err)
	}

	from, err := j.storedVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if from > schemaVersion {
		return fmt.Errorf("journal schema v%d is newer than supported v%d", from, schemaVersion)
	}

	for v := from + 1; v <= schemaVersion; v++ {
		if err := j.applyStep(v); err != nil {
			return err
		}
		j.log.Debugf("journal schema v%d applied", v)
	}
	if from < schemaVersion {
		j.log.Infof("journal schema upgraded from v%d to v%d", from, schemaVersion)
	}
	return nil
}

func (j *Journal) applyStep(v int) error {
	ddl, ok := migrations[v]
	if !ok {
		return fmt.Errorf("no migration to schema v%d", v)
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("schema v%d: %w", v, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("schema v%d: %w", v, err)
	}
	if _, err := tx.Exec(upsertState, "schema_version", strconv.Itoa(v), now()); err != nil {
		return fmt.Errorf("schema v%d: record version: %w", v, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema v%d: commit: %w", v, err)
	}
	return nil
}

// storedVersion is 0 for a fresh database.
func (j *Journal) storedVersion() (int, error) {
	var val string
	err := j.db.QueryRow(`SELECT value FROM daemon_state WHERE key = 'schema_version'`).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}
