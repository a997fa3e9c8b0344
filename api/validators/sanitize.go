package validators

import (
	"strings"
	"unicode/utf8"
)

// SanitizeString trims input and caps it at maxLen runes, matching how the
// validator's max tag counts length.
func SanitizeString(input string, maxLen int) string {
	trimmed := strings.TrimSpace(input)
	if maxLen <= 0 || utf8.RuneCountInString(trimmed) <= maxLen {
		return trimmed
	}
	count := 0
	for i := range trimmed {
		if count == maxLen {
			return trimmed[:i]
		}
		count++
	}
	return trimmed
}
