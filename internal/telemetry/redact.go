package telemetry

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credentials that can leak into log strings through
// URLs, headers and error text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Credentials in query strings, e.g. a stream URL with ?token=...
	regexp.MustCompile(`(?i)([?&](?:token|access_token|auth)=)([^&\s"]+)`),
	// userinfo in URLs.
	regexp.MustCompile(`(://[^/\s:@]+:)([^@\s/]+)(@)`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED],
// keeping any recognisable prefix.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			switch len(sub) {
			case 4:
				return sub[1] + redactedPlaceholder + sub[3]
			case 3:
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}
