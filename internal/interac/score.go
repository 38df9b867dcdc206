package interac

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity scores two normalized names from 0 (nothing shared) to 100 (identical)
// as 100 * (1 - distance / longest), with distance counted in runes.
func Similarity(a, b string) int {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return int(math.Round(100 * (1 - float64(d)/float64(longest))))
}
