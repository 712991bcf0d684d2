package repository

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the filesystem-safe UTC layout embedded in version
// filenames: colons are not allowed on every filesystem, so the clock uses
// underscores.
const TimestampLayout = "2006-01-02T15_04_05Z"

// versionPattern matches "<name> (<timestamp>)<.ext>".
var versionPattern = regexp.MustCompile(`^(.*?) \((\d{4}-\d{2}-\d{2}T\d{2}_\d{2}_\d{2}Z)\)(\.[^.]*)?$`)

var unsafeChars = strings.NewReplacer(
	":", "_",
	`\`, "_",
	"/", "_",
	"*", "_",
	"?", "_",
	"|", "_",
	"<", "_",
	">", "_",
)

// SanitizeName replaces characters that are illegal in a path segment on
// some filesystem with an underscore.
func SanitizeName(name string) string {
	return unsafeChars.Replace(name)
}

// sanitizePath splits an absolute path into sanitized segments. Empty
// segments (the leading one on Unix) are dropped; a Windows volume such as
// "C:" becomes "C_".
func sanitizePath(abs string) []string {
	var parts []string
	for _, p := range strings.Split(abs, string(filepath.Separator)) {
		if p == "" {
			continue
		}
		parts = append(parts, SanitizeName(p))
	}
	return parts
}

// SplitExt splits name at its last dot. The extension keeps the dot; a name
// without one has an empty extension.
func SplitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

// FormatTimestamp renders t in TimestampLayout. Sub-second precision is lost.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout string as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// FormatVersionName tags name with t before its extension:
// "report.txt" becomes "report (2024-01-02T03_04_05Z).txt".
func FormatVersionName(name string, t time.Time) string {
	base, ext := SplitExt(SanitizeName(name))
	return base + " (" + FormatTimestamp(t) + ")" + ext
}

// ParseVersionName is the inverse of FormatVersionName. It returns the
// logical file name and the version timestamp.
func ParseVersionName(s string) (name string, t time.Time, ok bool) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return "", time.Time{}, false
	}
	t, err := ParseTimestamp(m[2])
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1] + m[3], t, true
}
