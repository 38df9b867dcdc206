package interac

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName prepares a display name for fuzzy comparison: diacritics are
// stripped, letters uppercased and whitespace collapsed. Hyphens become spaces
// when hyphenAsSpace is set.
func NormalizeName(name string, hyphenAsSpace bool) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	if hyphenAsSpace {
		stripped = strings.ReplaceAll(stripped, "-", " ")
	}
	return strings.Join(strings.Fields(strings.ToUpper(stripped)), " ")
}
