package observability

import (
	"regexp"
	"strings"
)

// Redactor masks credentials and PII in log output.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with the default pattern set.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// Anthropic keys before the generic sk- pattern so the more specific
	// label wins.
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_ANTHROPIC_KEY]", "anthropic_key")
	r.AddPattern(`sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OPENAI_PROJECT_KEY]", "openai_project_key")
	r.AddPattern(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_API_KEY]", "api_key")
	r.AddPattern(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_GOOGLE_KEY]", "google_key")

	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")
	r.AddPattern(`x-api-key:\s*[^\s]+`, "x-api-key: [REDACTED]", "api_key_header")
	r.AddPattern(`x-goog-api-key:\s*[^\s]+`, "x-goog-api-key: [REDACTED]", "goog_key_header")

	r.AddPattern(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]", "email")

	// Typical credential file paths.
	r.AddPattern(`(/[\w.\-]+)*/(credentials|service[_-]account[\w.\-]*)\.json`, "[REDACTED_CREDENTIAL_PATH]", "credential_path")
	r.AddPattern(`"private_key"\s*:\s*"[^"]+"`, `"private_key":"[REDACTED]"`, "private_key")
	r.AddPattern(`"refresh_token"\s*:\s*"[^"]+"`, `"refresh_token":"[REDACTED]"`, "refresh_token")
}

// AddPattern adds a custom redaction pattern. Invalid patterns are ignored.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactHeaders masks sensitive HTTP headers.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	sensitive := map[string]bool{
		"authorization":  true,
		"x-api-key":      true,
		"x-goog-api-key": true,
		"api-key":        true,
		"x-auth-token":   true,
		"cookie":         true,
		"set-cookie":     true,
	}

	result := make(map[string][]string, len(headers))
	for k, v := range headers {
		if sensitive[strings.ToLower(k)] {
			result[k] = []string{"[REDACTED]"}
		} else {
			result[k] = v
		}
	}
	return result
}
