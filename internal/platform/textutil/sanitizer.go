package textutil

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips markup from customer-supplied free text before it is
// persisted. Gift messages, order notes and cancellation reasons all pass
// through here.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer builds a sanitizer around bluemonday's strict policy, which
// removes every HTML element and attribute.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize strips markup and collapses surrounding whitespace.
func (s *Sanitizer) Sanitize(input string) string {
	if s == nil || s.policy == nil {
		return strings.TrimSpace(input)
	}
	return strings.TrimSpace(s.policy.Sanitize(input))
}

// NormalizeStringMap trims keys and values, removing entries with empty keys.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
