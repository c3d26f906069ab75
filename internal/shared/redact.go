package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing fragments in log, event and error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value style secrets
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|shared[_-]?secret|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{6,})"?`),
	// Authorization header values
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`),
	regexp.MustCompile(`(?i)(Basic\s+)([A-Za-z0-9+/=]{4,})`),
	// browser websocket credentials carried in the query string
	regexp.MustCompile(`([?&]auth=)([A-Za-z0-9+/=%_\-]+)`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential", "pass"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
