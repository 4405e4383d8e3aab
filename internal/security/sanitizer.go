// Package security provides redaction helpers applied to log output before
// it reaches remote sinks or the audit trail. Reviewer child processes run
// with caller-supplied environment values, and prompts can quote arbitrary
// repository content, so anything that leaves the machine passes through
// the sanitizer first.
package security

import (
	"regexp"
	"strings"
)

// Common patterns for sensitive data
var (
	// Model-provider API keys (OpenAI-style sk-..., Anthropic-style, etc.)
	providerKeyPattern = regexp.MustCompile(`\b(sk|rk)-[a-zA-Z0-9_\-]{16,}\b`)

	// Generic API keys in key=value or key: value form
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|api[_-]?token|auth[_-]?token)[[:space:]]*[:=][[:space:]]*['"` + "`" + `]?([a-zA-Z0-9_\-\.]{12,})`)

	// Bearer tokens
	bearerTokenPattern = regexp.MustCompile(`(?i)bearer[[:space:]]+([a-zA-Z0-9_\-\.]+)`)

	// Private keys
	privateKeyPattern = regexp.MustCompile(`(?s)-----BEGIN[[:space:]]+(?:RSA[[:space:]]+)?PRIVATE[[:space:]]+KEY-----.*?-----END[[:space:]]+(?:RSA[[:space:]]+)?PRIVATE[[:space:]]+KEY-----`)

	// Passwords embedded in URLs
	urlPasswordPattern = regexp.MustCompile(`(?i)(https?|ftp)://[^:/]+:([^@]+)@`)

	// JSON Web Tokens
	jwtPattern = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)

	// Base64 material in credential contexts
	base64ContextPattern = regexp.MustCompile(`(?i)((?:auth|token|key|secret|password|credential)[^=:]*)[:=]\s*["'` + "`" + `]?([A-Za-z0-9+/]{20,}={0,2})`)
)

// LogSanitizer masks sensitive substrings in log messages.
type LogSanitizer struct {
	customPatterns []*regexp.Regexp
}

// NewLogSanitizer creates a sanitizer with the default pattern set.
func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{
		customPatterns: make([]*regexp.Regexp, 0),
	}
}

// AddCustomPattern adds a caller-supplied pattern; every match is replaced
// with [REDACTED].
func (ls *LogSanitizer) AddCustomPattern(pattern *regexp.Regexp) {
	ls.customPatterns = append(ls.customPatterns, pattern)
}

// Sanitize removes or masks sensitive information from a message.
func (ls *LogSanitizer) Sanitize(message string) string {
	message = providerKeyPattern.ReplaceAllString(message, "[REDACTED-API-KEY]")
	message = apiKeyPattern.ReplaceAllString(message, "${1}=[REDACTED]")
	message = bearerTokenPattern.ReplaceAllString(message, "Bearer [REDACTED]")
	message = privateKeyPattern.ReplaceAllString(message, "[REDACTED-PRIVATE-KEY]")
	message = urlPasswordPattern.ReplaceAllString(message, "${1}://[REDACTED]@")
	message = jwtPattern.ReplaceAllString(message, "[REDACTED-JWT]")
	message = base64ContextPattern.ReplaceAllString(message, "${1}=[REDACTED-BASE64]")

	for _, pattern := range ls.customPatterns {
		message = pattern.ReplaceAllString(message, "[REDACTED]")
	}

	return message
}

// SanitizeError sanitizes an error message; nil yields the empty string.
func (ls *LogSanitizer) SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return ls.Sanitize(err.Error())
}

// SanitizeMap sanitizes all keys and values in a map. Values under keys
// that look sensitive are fully redacted regardless of content.
func (ls *LogSanitizer) SanitizeMap(m map[string]string) map[string]string {
	sanitized := make(map[string]string, len(m))
	for k, v := range m {
		value := ls.Sanitize(v)
		if IsSensitiveKey(k) {
			value = "[REDACTED]"
		}
		sanitized[ls.Sanitize(k)] = value
	}
	return sanitized
}

// IsSensitiveKey reports whether a key name suggests sensitive content.
// Used when logging reviewer environment maps.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	sensitiveKeywords := []string{
		"password", "passwd", "pwd",
		"secret", "token", "key",
		"auth", "credential", "cred",
		"private", "bearer",
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// SanitizeEnv returns a copy of an environment map safe for logging:
// sensitive keys keep their names but lose their values.
func (ls *LogSanitizer) SanitizeEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = ls.Sanitize(v)
	}
	return out
}
