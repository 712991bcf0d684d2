package journal

// schemaVersion is the current schema version. Increment when adding migrations.
const schemaVersion = 1

// migrations maps version numbers to SQL statements that bring the schema
// from (version-1) to (version).
var migrations = map[int]string{
	1: `
-- Versions written into the repository.
CREATE TABLE IF NOT EXISTS backups (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source_path  TEXT    NOT NULL,
	version_path TEXT    NOT NULL,
	mod_time     TEXT    NOT NULL,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_source ON backups(source_path);
CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at);

-- Backups that could not be completed.
CREATE TABLE IF NOT EXISTS failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_path TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	created_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_created ON failures(created_at);

-- Versions removed on request.
CREATE TABLE IF NOT EXISTS deletions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source_path  TEXT    NOT NULL,
	version_time TEXT    NOT NULL,
	created_at   TEXT    NOT NULL
);
`,
}
