package textutil

import (
	"net/url"
	"strings"
)

// FlattenValues collapses multi-valued form data into a single-valued map. Keys and values are
// trimmed, entries with empty keys are dropped and the first non-blank value of each key wins.
func FlattenValues(values url.Values) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, candidates := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		value := ""
		for _, candidate := range candidates {
			if trimmed := strings.TrimSpace(candidate); trimmed != "" {
				value = trimmed
				break
			}
		}
		if existing, ok := result[trimmedKey]; ok && existing != "" {
			continue
		}
		result[trimmedKey] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
