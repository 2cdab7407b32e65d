package shared

import (
	"encoding/json"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/error strings.
var secretPatterns = []*regexp.Regexp{
	// API keys and tokens following key-like prefixes.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bootstrap[_-]?key|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Token-looking UUIDs after auth-related prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// sensitiveArgKeys are argument names whose values are never persisted as-is.
var sensitiveArgKeys = map[string]struct{}{
	"bootstrapkey": {},
	"authtoken":    {},
	"apikey":       {},
	"api_key":      {},
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

// IsSensitiveKey reports whether an argument key denotes a secret value.
// Any key containing "secret" or "password" is sensitive, plus the fixed
// credential key names.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	if _, ok := sensitiveArgKeys[lower]; ok {
		return true
	}
	return strings.Contains(lower, "secret") || strings.Contains(lower, "password")
}

// RedactArgs replaces the values of sensitive keys in a JSON object with
// [REDACTED] and returns the re-marshaled document. Non-object documents are
// returned unchanged.
func RedactArgs(argsJSON []byte) []byte {
	if len(argsJSON) == 0 {
		return argsJSON
	}
	var obj map[string]any
	if err := json.Unmarshal(argsJSON, &obj); err != nil {
		return argsJSON
	}
	changed := false
	for k := range obj {
		if IsSensitiveKey(k) {
			obj[k] = redactedPlaceholder
			changed = true
		}
	}
	if !changed {
		return argsJSON
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return argsJSON
	}
	return out
}
