package mapping

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

// MatchThreshold is the similarity below which an item name is not
// resolved against the catalogue
const MatchThreshold = 0.7

// ItemMatch is the catalogue name an item resolved to
type ItemMatch struct {
	Name       string
	Similarity float64
}

func canonicalName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(norm.NFC.String(s)), " "))
}

// MatchItem finds the catalogue name closest to name. An exact match scores
// 1 and a match once diacritics are folded scores 0.9; otherwise the score is
// the edit distance between folded names relative to the longer one. ok is
// false when nothing reaches MatchThreshold.
func MatchItem(name string, catalog []string) (ItemMatch, bool) {
	want := canonicalName(name)
	if want == "" {
		return ItemMatch{}, false
	}
	for _, c := range catalog {
		if canonicalName(c) == want {
			return ItemMatch{Name: c, Similarity: 1}, true
		}
	}

	folded := Fold(want)
	for _, c := range catalog {
		if Fold(canonicalName(c)) == folded {
			return ItemMatch{Name: c, Similarity: 0.9}, true
		}
	}

	var best ItemMatch
	for _, c := range catalog {
		candidate := Fold(canonicalName(c))
		longest := max(utf8.RuneCountInString(folded), utf8.RuneCountInString(candidate))
		if longest == 0 {
			continue
		}
		sim := 1 - float64(levenshtein.ComputeDistance(folded, candidate))/float64(longest)
		if sim > best.Similarity {
			best = ItemMatch{Name: c, Similarity: sim}
		}
	}
	if best.Similarity < MatchThreshold {
		return ItemMatch{}, false
	}
	return best, true
}

// MatchCatalog renames items to the catalogue names they resolve to and
// flags the ones a reviewer should confirm: weak matches and names the
// catalogue does not know.
func (r *Record) MatchCatalog(catalog []string) {
	for i := range r.Items {
		it := &r.Items[i]
		m, ok := MatchItem(it.Name, catalog)
		if !ok {
			it.Similarity = 0
			it.NeedsReview = true
			continue
		}
		if m.Name != it.Name {
			it.ReadAs = it.Name
			it.Name = m.Name
		}
		it.Similarity = m.Similarity
		it.NeedsReview = m.Similarity < ReviewThreshold
	}
}
