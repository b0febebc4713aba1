package convert

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// OutputName replaces the last extension segment of name (from the last '.'
// to the end) with format. A name without a '.' gets the extension appended.
//
//	photo.JPEG -> photo.webp
//	noext      -> noext.webp
//	a.b.c      -> a.b.webp
func OutputName(name, format string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name + "." + format
}

// ASCIIName folds name to printable US-ASCII for a tar header: accents are
// stripped (é -> e), and anything still outside the range, path separators
// included, becomes '_'.
func ASCIIName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '/' || r == '\\':
			b.WriteByte('_')
		case r < 0x20 || r > 0x7e:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
