package recovery

import "regexp"

// Patterns applied in order; earlier ones grab the more specific shapes so
// the URL rule does not swallow a token embedded in a query string.
var sanitizeRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?token|token|secret|password|passwd|pwd)\s*[=:]\s*[^\s&"']+`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{8,}\b`),
	regexp.MustCompile(`https?://[^\s"']+`),
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
}

const redacted = "[redacted]"

// SanitizeErrorMessage strips anything resembling credentials, URLs or
// email addresses from a message before it can reach an end user or the
// retained error log.
func SanitizeErrorMessage(msg string) string {
	for _, re := range sanitizeRules {
		msg = re.ReplaceAllString(msg, redacted)
	}
	return msg
}
