package shared

import "regexp"

// secretPatterns catch common shapes of API keys and bearer tokens that
// might otherwise end up in a log line or an error message surfaced to
// an operator.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{10,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{10,}`),
	regexp.MustCompile(`AIza[a-zA-Z0-9_\-]{20,}`),
}

// Redact scrubs known secret shapes out of a string before it is logged.
func Redact(s string) string {
	out := s
	for _, p := range secretPatterns {
		out = p.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// RedactEnvValue returns value as-is unless key looks like it holds a
// credential, in which case it is fully masked rather than pattern
// matched (env values for key/token/secret fields are wholly sensitive,
// not just the parts that match a known token shape).
func RedactEnvValue(key, value string) string {
	if looksSensitive(key) {
		return "[REDACTED]"
	}
	return Redact(value)
}

func looksSensitive(key string) bool {
	sensitiveSuffixes := []string{"_KEY", "_TOKEN", "_SECRET", "_PASSWORD"}
	for _, suf := range sensitiveSuffixes {
		if len(key) >= len(suf) && key[len(key)-len(suf):] == suf {
			return true
		}
	}
	return false
}
