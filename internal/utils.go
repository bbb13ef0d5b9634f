package internal

import (
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// sanitizeFilename makes a client supplied name safe for Content-Disposition headers
// and for writing into an output directory
func sanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	safe = strings.TrimSpace(safe)

	// No hidden files or parent references
	safe = strings.TrimLeft(safe, ".")

	if len(safe) > 200 {
		safe = safe[:200]
	}
	return safe
}

// truncateString truncates a string to maxLen characters for logging
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
