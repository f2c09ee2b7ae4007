package snaptypes

import (
	"regexp"
	"strings"
	"time"
)

const (
	DefaultNameSuffix = "-backup.json"
	defaultExtension  = ".json"
)

var hasExtensionRe = regexp.MustCompile(`\.\w+$`)

// resolves the stored name for a backup. empty name yields "<ISO 8601 timestamp>-backup.json",
// a name without an extension gets ".json" appended.
func BackupName(requested string, now time.Time) string {
	requested = strings.TrimSpace(requested)

	if requested == "" {
		return now.UTC().Format("2006-01-02T15:04:05.000Z") + DefaultNameSuffix
	}

	if !hasExtensionRe.MatchString(requested) {
		return requested + defaultExtension
	}

	return requested
}

// whether the name looks like one produced by BackupName("", ...)
func IsDefaultBackupName(name string) bool {
	return strings.HasSuffix(name, DefaultNameSuffix)
}
