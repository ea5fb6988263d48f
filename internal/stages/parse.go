package stages

import (
	"encoding/json"
	"regexp"
	"strings"
)

// A reply that is nothing but one fenced block, optionally tagged json.
var fenced = regexp.MustCompile("(?s)^```(?:json|JSON)?\\s*\\n(.*)\\n\\s*```$")

// ParseJSON decodes model output into T. It accepts a bare JSON object or
// one wrapped in a single code fence. Anything else yields fallback and
// false.
func ParseJSON[T any](text string, fallback T) (T, bool) {
	body := strings.TrimSpace(text)
	if m := fenced.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	var out T
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&out); err != nil {
		return fallback, false
	}
	if dec.More() {
		return fallback, false
	}
	return out, true
}
