package api

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/flowpbx/frontdesk/internal/voice"
)

// maxSettingValueLen bounds a stored voice setting value.
const maxSettingValueLen = 500

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// containsControlChars reports control characters other than common
// whitespace.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateSetting returns an error message for an unusable voice setting,
// or "" when it may be stored.
func validateSetting(key, value string) string {
	if key == "" {
		return "key is required"
	}
	if utf8.RuneCountInString(value) > maxSettingValueLen {
		return "value exceeds maximum length"
	}
	if containsControlChars(value) {
		return "value contains invalid characters"
	}
	if !voice.ValidSetting(key, value) {
		return "invalid value for setting " + strings.TrimSpace(key)
	}
	return ""
}

// parseLimit reads the "limit" query parameter, applying the default and
// maximum. It returns an error message for malformed values.
func parseLimit(r *http.Request) (int, string) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, ""
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, "limit must be a positive integer"
	}
	return min(n, maxListLimit), ""
}
