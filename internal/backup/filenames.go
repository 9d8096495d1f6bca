package backup

import (
	"regexp"
	"strings"
)

var (
	safeZipName = regexp.MustCompile(`^[a-zA-Z0-9._-]+\.zip$`)
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// IsSafeZipFilename reports whether name is a bare .zip file name that cannot escape its directory.
func IsSafeZipFilename(name string) bool {
	if name == "" || strings.ContainsAny(name, `/\`) || !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return false
	}
	return safeZipName.MatchString(name)
}

// SanitizeFilename replaces every character outside [a-zA-Z0-9._-] with an underscore.
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}
