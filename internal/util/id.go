package util

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// NewID returns a canonical lowercase UUID for a new row.
func NewID() string {
	return uuid.NewString()
}

// IsUUID reports whether s is a canonical 8-4-4-4-12 UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Slugify turns a title into a lowercase dash-separated slug.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
