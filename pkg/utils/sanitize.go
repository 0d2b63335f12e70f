package utils

import (
	"regexp"
	"strings"
)

var unsafeRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxFilenameLength = 100

// SanitizeFilename maps an id or reference to a single path element made of
// letters, digits, '.', '_' and '-'. Runs of anything else become one '_'.
// Leading and trailing separators are dropped so the result is never "." or
// "..", and an empty result becomes "untitled".
func SanitizeFilename(name string) string {
	s := strings.Trim(unsafeRun.ReplaceAllString(name, "_"), "_.")
	if len(s) > maxFilenameLength {
		s = strings.Trim(s[:maxFilenameLength], "_.")
	}
	if s == "" {
		return "untitled"
	}
	return s
}
