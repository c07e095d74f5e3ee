package queue

import "regexp"

// sanitizeAndTruncate strips exchange credentials out of a raw error string
// before it is persisted to FailedOrder.exchange_error, and caps it at 500
// bytes to match the column width. Grounded on original_source's
// logging_security.py redaction rules (SPEC_FULL.md §7); internal/retry
// keeps an identical copy for its own persistence path.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key["':=\s]+)[A-Za-z0-9._-]+`),
	regexp.MustCompile(`(?i)(api[_-]?secret["':=\s]+)[A-Za-z0-9._-]+`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._-]+`),
	regexp.MustCompile(`(?i)(signature["':=\s]+)[A-Za-z0-9._-]+`),
}

const maxSanitizedLen = 500

func sanitizeAndTruncate(s string) string {
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllString(s, "${1}[REDACTED]")
	}
	if len(s) > maxSanitizedLen {
		s = s[:maxSanitizedLen]
	}
	return s
}
