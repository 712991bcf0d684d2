package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hexian000/filehistory/internal/ipc"
)

// ANSI escape codes for terminal formatting.
const (
	bold   = "\033[1m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	reset  = "\033[0m"
)

// FormatStatus formats daemon StatusData as a terminal-friendly table.
func FormatStatus(status *ipc.StatusData) string {
	var b strings.Builder

	b.WriteString(bold + "File History - Daemon Status" + reset + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")

	b.WriteString(fmt.Sprintf("%-20s %s\n", "Uptime:", status.Uptime))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Watching:", orNone(status.WatchRoot)))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Repository:", orNone(status.RepositoryRoot)))
	b.WriteString(fmt.Sprintf("%-20s %d\n", "Directories:", status.Watches))
	b.WriteString(fmt.Sprintf("%-20s %d\n", "Pending Events:", status.PendingEvents))
	b.WriteString(fmt.Sprintf("%-20s %d\n", "Queued Backups:", status.QueuedBackups))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Backups:", humanize.Comma(status.BackupsCount)))

	failColor := green
	if status.FailuresCount > 0 {
		failColor = red
	}
	b.WriteString(fmt.Sprintf("%-20s %s%s%s\n", "Failures:", failColor, humanize.Comma(status.FailuresCount), reset))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Copied:", humanize.Bytes(uint64(status.BytesCopied))))

	return b.String()
}

// FormatVersions formats a VersionsReport as a table, with ages relative to
// now.
func FormatVersions(r *VersionsReport, now time.Time) string {
	var b strings.Builder

	b.WriteString(bold + "Versions of " + r.File + reset + "\n")
	b.WriteString(strings.Repeat("-", 60) + "\n")

	if len(r.Versions) == 0 {
		b.WriteString("(no versions)\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%-22s %-18s %10s\n", "Timestamp", "Age", "Size"))
	b.WriteString(strings.Repeat("-", 60) + "\n")
	for _, v := range r.Versions {
		b.WriteString(fmt.Sprintf("%-22s %-18s %10s\n",
			v.Name,
			humanize.RelTime(v.Timestamp, now, "ago", "from now"),
			humanize.Bytes(uint64(v.SizeBytes))))
	}
	b.WriteString(fmt.Sprintf("\n%d version(s)\n", len(r.Versions)))
	return b.String()
}

// FormatHistory formats journal entries, newest first, one per line.
func FormatHistory(r *HistoryReport, now time.Time) string {
	var b strings.Builder

	b.WriteString(bold + "Recent Activity" + reset + "\n")
	b.WriteString(strings.Repeat("-", 60) + "\n")

	if len(r.Entries) == 0 {
		b.WriteString("(no activity)\n")
		return b.String()
	}

	for _, e := range r.Entries {
		age := humanize.RelTime(e.At, now, "ago", "from now")
		switch e.Kind {
		case "backup":
			b.WriteString(fmt.Sprintf("%s%-8s%s %-16s %s (%s)\n",
				colorForKind(e.Kind), e.Kind, reset, age, e.Source, humanize.Bytes(uint64(e.SizeBytes))))
		case "deletion":
			b.WriteString(fmt.Sprintf("%s%-8s%s %-16s %s @ %s\n",
				colorForKind(e.Kind), e.Kind, reset, age, e.Source, e.Detail))
		default:
			b.WriteString(fmt.Sprintf("%s%-8s%s %-16s %s: %s\n",
				colorForKind(e.Kind), e.Kind, reset, age, e.Source, e.Detail))
		}
	}
	return b.String()
}

// FormatJSON marshals any value as indented JSON.
func FormatJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// colorForKind returns an ANSI color code for a journal entry kind.
func colorForKind(kind string) string {
	switch kind {
	case "backup":
		return green
	case "deletion":
		return yellow
	default:
		return red
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

