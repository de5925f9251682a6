package sandbox

import (
	"html"
	"regexp"
	"unicode/utf8"
)

// RedactedValue replaces secret values in output.
const RedactedValue = "[REDACTED]"

const truncationMarker = "\n... output truncated"

// secretPattern matches a label ending in a secret word, e.g. api_key,
// DB_PASSWORD or "token" as a JSON key, followed by its value. The label may
// carry any prefix and a closing quote.
var secretPattern = regexp.MustCompile(`(?i)(^|[^a-z0-9_-])([a-z0-9_-]*(?:key|token|secret|password|passwd|pwd))(["']?)\s*[:=]\s*(?:"[^"\n]*"|'[^'\n]*'|[^\s"',;}\]]+)`)

// Sanitize redacts labelled secrets, escapes markup and truncates the result
// to at most limit bytes. It reports whether truncation happened.
func Sanitize(output string, limit int) (string, bool) {
	if output == "" {
		return "", false
	}
	// redact before escaping so quotes still delimit labels
	redacted := secretPattern.ReplaceAllString(output, "${1}${2}${3}: "+RedactedValue)
	escaped := html.EscapeString(redacted)
	return truncate(escaped, limit)
}

func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	// do not leave half an HTML entity behind
	for i := cut - 1; i >= 0 && i >= cut-8; i-- {
		if s[i] == ';' {
			break
		}
		if s[i] == '&' {
			cut = i
			break
		}
	}
	return s[:cut] + truncationMarker, true
}
