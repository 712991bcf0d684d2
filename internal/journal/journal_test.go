package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexian000/filehistory/internal/logging"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestNewCreatesSchema(t *testing.T) {
	j := openTestJournal(t)

	version, err := j.GetState("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	var mode string
	require.NoError(t, j.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.RecordBackup("/w/a.txt", "/r/w/a (T).txt", time.Now(), 10))
	require.NoError(t, j.Close())

	j, err = New(path, nil)
	require.NoError(t, err)
	defer j.Close()

	n, err := j.BackupsCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMigrateLogsUpgradeOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	var lines []string
	logger := logging.New(nil, logging.LevelInfo)
	logger.SetSink(func(line string) { lines = append(lines, line) })

	j, err := New(path, logger)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "journal schema upgraded from v0 to v1")

	j, err = New(path, logger)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Len(t, lines, 1, "reopening an up to date journal logged again")
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.SetState("schema_version", "99"))
	require.NoError(t, j.Close())

	_, err = New(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestCounts(t *testing.T) {
	j := openTestJournal(t)
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.RecordBackup("/w/a.txt", "/r/w/a (2024-01-02T03_04_05Z).txt", mtime, 100))
	require.NoError(t, j.RecordBackup("/w/b.txt", "/r/w/b (2024-01-02T03_04_05Z).txt", mtime, 23))
	require.NoError(t, j.RecordFailure("/w/c.txt", errors.New("permission denied")))

	backups, err := j.BackupsCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), backups)

	failures, err := j.FailuresCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures)

	bytes, err := j.BytesCopied()
	require.NoError(t, err)
	assert.Equal(t, int64(123), bytes)
}

func TestEmptyJournal(t *testing.T) {
	j := openTestJournal(t)

	bytes, err := j.BytesCopied()
	require.NoError(t, err)
	assert.Zero(t, bytes)

	entries, err := j.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecentNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.RecordBackup("/w/a.txt", "/r/w/a (2024-01-02T03_04_05Z).txt", mtime, 7))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, j.RecordFailure("/w/b.txt", errors.New("boom")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, j.RecordDeletion("/w/a.txt", mtime))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "deletion", entries[0].Kind)
	assert.Equal(t, "/w/a.txt", entries[0].Source)
	assert.Equal(t, "2024-01-02T03:04:05Z", entries[0].Detail)

	assert.Equal(t, "failure", entries[1].Kind)
	assert.Equal(t, "boom", entries[1].Detail)

	assert.Equal(t, "backup", entries[2].Kind)
	assert.Equal(t, int64(7), entries[2].SizeBytes)
	assert.False(t, entries[2].At.IsZero())

	limited, err := j.Recent(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "deletion", limited[0].Kind)
}

func TestRecordFailureNilCause(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.RecordFailure("/w/a.txt", nil))

	entries, err := j.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Detail)
}

func TestState(t *testing.T) {
	j := openTestJournal(t)

	val, err := j.GetState("last_start")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, j.SetState("last_start", "one"))
	require.NoError(t, j.SetState("last_start", "two"))

	val, err = j.GetState("last_start")
	require.NoError(t, err)
	assert.Equal(t, "two", val)
}
