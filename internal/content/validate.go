package content

import "strings"

const (
	minRefLen = 3
	maxRefLen = 64
)

// ValidSlug reports whether s is a well-formed document slug: letters,
// digits and dashes, 3 to 64 characters. Case is ignored for the charset
// check but preserved for lookup.
func ValidSlug(s string) bool {
	return validRefPart(s, false)
}

// ValidRef reports whether s is a well-formed document reference: a slug,
// optionally qualified by slash-separated path components.
func ValidRef(s string) bool {
	return validRefPart(s, true)
}

func validRefPart(s string, allowSlash bool) bool {
	if len(s) < minRefLen || len(s) > maxRefLen {
		return false
	}
	if allowSlash {
		for _, part := range strings.Split(s, "/") {
			if part == "" {
				return false
			}
		}
	}
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		case c == '/' && allowSlash:
		default:
			return false
		}
	}
	return true
}
