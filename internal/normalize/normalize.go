// Package normalize canonicalizes identifiers before storage and comparison.
package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Username trims and lower-cases a username so uniqueness checks and
// prefix searches are case-insensitive.
func Username(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// LocalPart returns the part of an email address before the '@'.
// Addresses without an '@' are returned whole.
func LocalPart(email string) string {
	e := Email(email)
	if i := strings.IndexByte(e, '@'); i >= 0 {
		return e[:i]
	}
	return e
}

// ValidID reports whether id can be used as a document key and as a
// map key inside documents (no dots, no leading '$').
func ValidID(id string) bool {
	if strings.TrimSpace(id) == "" || id != strings.TrimSpace(id) {
		return false
	}
	return !strings.ContainsRune(id, '.') && !strings.HasPrefix(id, "$")
}
