package schema

import (
	"strings"
	"unicode"
)

// tableName derives the default table name for an entity type identifier.
// A package qualifier ("app.CategoryEntity") is dropped and the remainder is
// converted to snake_case, collapsing punctuation into single underscores so
// the result is accepted unquoted by every supported dialect.
func tableName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return toSnake(name)
}

// toSnake converts s to snake_case. An underscore is inserted before an upper
// case rune that follows a lower case rune or digit, before the last upper case
// rune of an acronym followed by a lower case rune ("HTTPServer" becomes
// "http_server") and between letters and digits.
func toSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	pendingSep := false
	sep := func() {
		if b.Len() > 0 {
			pendingSep = true
		}
	}
	write := func(r rune) {
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}

	for i, r := range runes {
		var prev rune
		if i > 0 {
			prev = runes[i-1]
		}
		switch {
		case unicode.IsUpper(r):
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				sep()
			}
			write(unicode.ToLower(r))
		case unicode.IsLower(r):
			if unicode.IsDigit(prev) {
				sep()
			}
			write(r)
		case unicode.IsDigit(r):
			if unicode.IsLetter(prev) {
				sep()
			}
			write(r)
		default:
			sep()
		}
	}

	return b.String()
}
