package delegate

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fencedBlock matches the first fenced code block in collaborator text.
// Collaborators frequently wrap their JSON payload in markdown fences,
// with or without a language tag.
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls a JSON object out of collaborator response text.
// The text is tried directly first, then the contents of the first fenced
// code block. Returns false when neither parses as a JSON object.
func ExtractJSON(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	if isJSONObject(trimmed) {
		return json.RawMessage(trimmed), true
	}

	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		inner := strings.TrimSpace(m[1])
		if isJSONObject(inner) {
			return json.RawMessage(inner), true
		}
	}

	return nil, false
}

// isJSONObject reports whether s parses as a JSON object. Bare strings,
// numbers, and arrays are rejected; role payloads are always objects.
func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &obj) == nil
}
