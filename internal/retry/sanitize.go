package retry

import "regexp"

// sanitizeAndTruncate mirrors internal/queue's redaction rules for error
// text persisted on this package's own tables (cancel_queue.error_message,
// failed_order.exchange_error). Grounded on original_source's
// logging_security.py (SPEC_FULL.md §7).
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
