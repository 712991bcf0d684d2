// Package report gathers version listings and journal history for the CLI.
// It reads the repository and the journal directly; the daemon does not need
// to be running.
package report

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hexian000/filehistory/internal/journal"
	"github.com/hexian000/filehistory/internal/repository"
)

// VersionsReport lists the stored versions of one file, newest first.
type VersionsReport struct {
	File     string        `json:"file"`
	Versions []VersionInfo `json:"versions"`
}

// VersionInfo describes one stored version.
type VersionInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
}

// HistoryReport holds the most recent journal entries.
type HistoryReport struct {
	Entries []journal.Entry `json:"entries"`
}

// VersionLister is the part of the repository the versions report reads.
type VersionLister interface {
	ListVersions(file string) ([]time.Time, error)
	VersionPath(file string, t time.Time) string
}

// GenerateVersions lists the versions of file held by repo. Versions whose
// file vanished between listing and stat are skipped.
func GenerateVersions(repo VersionLister, file string) (*VersionsReport, error) {
	stamps, err := repo.ListVersions(file)
	if err != nil {
		return nil, fmt.Errorf("list versions of %q: %w", file, err)
	}

	r := &VersionsReport{File: file, Versions: []VersionInfo{}}
	for _, ts := range stamps {
		path := repo.VersionPath(file, ts)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		r.Versions = append(r.Versions, VersionInfo{
			Timestamp: ts,
			Name:      repository.FormatTimestamp(ts),
			Path:      path,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(r.Versions, func(i, j int) bool {
		return r.Versions[i].Timestamp.After(r.Versions[j].Timestamp)
	})
	return r, nil
}

// GenerateHistory reads the journal at dbPath and returns up to limit recent
// entries.
func GenerateHistory(dbPath string, limit int) (*HistoryReport, error) {
	j, err := journal.New(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	return GenerateHistoryFromJournal(j, limit)
}

// GenerateHistoryFromJournal produces a history report from an open journal.
func GenerateHistoryFromJournal(j *journal.Journal, limit int) (*HistoryReport, error) {
	entries, err := j.Recent(limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return &HistoryReport{Entries: entries}, nil
}
