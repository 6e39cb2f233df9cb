package router

import (
	"regexp"
	"strings"
)

var payloadSeparator = regexp.MustCompile(`___|-`)

// ParsePayload extracts key-value pairs from a /start deep-link payload.
// Pairs are separated by "___" or "-", keys from values by "=" or "_"
// (first occurrence). Segments in an unknown format are skipped, never
// reported: a malformed deep link degrades to a plain start.
func ParsePayload(payload string) map[string]string {
	payload = strings.TrimSpace(payload)
	if len(payload) < 3 {
		return map[string]string{}
	}

	data := make(map[string]string)
	for _, part := range payloadSeparator.Split(payload, -1) {
		var key, value string
		if idx := strings.Index(part, "="); idx >= 0 {
			key, value = part[:idx], part[idx+1:]
		} else if idx := strings.Index(part, "_"); idx >= 0 {
			key, value = part[:idx], part[idx+1:]
		} else {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			data[key] = value
		}
	}
	return data
}
