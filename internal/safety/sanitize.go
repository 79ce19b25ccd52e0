package safety

import "regexp"

// MaxSanitizedRunes is the length safety log text is truncated to.
const MaxSanitizedRunes = 200

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern    = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	digitRunPattern = regexp.MustCompile(`\d{4,}`)
)

// Sanitize removes emails, phone numbers and long digit runs from text and
// truncates it to MaxSanitizedRunes runes.
func Sanitize(text string) string {
	s := emailPattern.ReplaceAllString(text, "[email]")
	s = phonePattern.ReplaceAllString(s, "[phone]")
	s = digitRunPattern.ReplaceAllString(s, "[number]")

	r := []rune(s)
	if len(r) > MaxSanitizedRunes {
		return string(r[:MaxSanitizedRunes])
	}
	return s
}
