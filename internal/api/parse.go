package api

import (
	"strings"

	"github.com/goccy/go-json"
)

// SessionHeader lets clients pin session affinity explicitly when the
// protocol body carries no client identifier.
const SessionHeader = "X-Session-ID"

// bodyFields is the slice of the request body the ingress needs: the model,
// the stream flag, and a stable client identifier for session affinity. The
// rest of the body is opaque.
type bodyFields struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user"`
	Metadata *struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// parseBody extracts routing fields from a client request body. A body that
// fails to parse yields zero values; the upstream will reject it in its own
// format.
func parseBody(body []byte) bodyFields {
	var f bodyFields
	_ = json.Unmarshal(body, &f)
	return f
}

// sessionID picks the affinity identifier: the protocol's client identifier
// when present, otherwise the explicit header.
func (f bodyFields) sessionID(header string) string {
	if f.Metadata != nil && f.Metadata.UserID != "" {
		return f.Metadata.UserID
	}
	if f.User != "" {
		return f.User
	}
	return header
}

// splitGeminiAction splits the {model}:{action} path segment of a Gemini
// generate call.
func splitGeminiAction(segment string) (model, action string) {
	if i := strings.LastIndex(segment, ":"); i >= 0 {
		return segment[:i], segment[i+1:]
	}
	return segment, ""
}

// stripQueryKey removes the key credential parameter from a raw query so it
// never reaches an upstream with the client's secret.
func stripQueryKey(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || strings.HasPrefix(p, "key=") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
