package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrMapping marks text that cannot be mapped at all
	ErrMapping = errors.New("mapping error")
	// ErrUnknownTemplate is wrapped by ErrMapping when the form type has no template
	ErrUnknownTemplate = errors.New("unknown form template")
)

// ReviewThreshold is the recognition confidence below which a human must check the record
const ReviewThreshold = 0.85

// Record is the best-effort structured reading of a form
type Record struct {
	FormType      string            `json:"formType"`
	InvoiceNumber string            `json:"invoiceNumber,omitempty"`
	Supplier      string            `json:"supplier,omitempty"`
	Date          *time.Time        `json:"date,omitempty"`
	TotalAmount   *float64          `json:"totalAmount,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Fields        map[string]string `json:"fields"`
	Items         []Item            `json:"items"`
	Missing       []string          `json:"missing,omitempty"`
}

// NeedsReview reports whether the record should be double-checked before approval
func (r *Record) NeedsReview(confidence float64) bool {
	if confidence < ReviewThreshold || len(r.Missing) > 0 {
		return true
	}
	for _, it := range r.Items {
		if it.NeedsReview {
			return true
		}
	}
	return false
}

// Mapper turns recognized text into a Record using form templates
type Mapper struct {
	templates *Templates
}

// NewMapper creates a Mapper over the given templates
func NewMapper(templates *Templates) *Mapper {
	return &Mapper{templates: templates}
}

// Templates returns the templates the mapper uses
func (m *Mapper) Templates() *Templates {
	return m.templates
}

// match is an anchor occurrence inside a folded line, in rune offsets
type match struct {
	field      int
	start, end int
}

type scannedLine struct {
	orig    []rune
	folded  []rune
	header  bool
	matches []match
}

func (l scannedLine) anchored() bool {
	return len(l.matches) > 0
}

// Map reads text against the template of formType. Missing fields never fail
// the mapping: only empty text or an unknown form type do.
func (m *Mapper) Map(text, formType string) (*Record, error) {
	tpl, ok := m.templates.lookup(formType)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", ErrMapping, ErrUnknownTemplate, formType)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: no text to map", ErrMapping)
	}

	lines := scanLines(text, tpl)

	rec := &Record{
		FormType: tpl.Type,
		Fields:   make(map[string]string),
		Items:    []Item{},
	}
	resolved := make([]bool, len(tpl.Fields))
	consumed := make([]bool, len(lines))

	for i, line := range lines {
		for k, mt := range line.matches {
			if resolved[mt.field] {
				continue
			}
			end := len(line.orig)
			if k+1 < len(line.matches) {
				end = line.matches[k+1].start
			}
			value := trimValue(string(line.orig[mt.end:end]))
			if value == "" && k+1 == len(line.matches) && i+1 < len(lines) {
				next := lines[i+1]
				if !next.anchored() && !next.header {
					value = trimValue(string(next.orig))
					consumed[i+1] = value != ""
				}
			}
			if value == "" {
				continue
			}
			resolved[mt.field] = rec.assign(tpl.Fields[mt.field], value)
		}
	}

	for i, line := range lines {
		if line.anchored() || line.header || consumed[i] {
			continue
		}
		if item, ok := parseItem(string(line.orig)); ok {
			rec.Items = append(rec.Items, item)
		}
	}

	for i, f := range tpl.Fields {
		if f.Required && !resolved[i] {
			rec.Missing = append(rec.Missing, f.Name)
		}
	}
	return rec, nil
}

// assign stores a captured value and reports whether it was usable for the
// field's kind. Unusable values are still kept as raw text until a better
// one turns up.
func (r *Record) assign(f FieldSpec, value string) bool {
	switch f.Kind {
	case KindCurrency, KindNumber:
		v, ok := ParseAmount(value)
		if !ok {
			r.keepRaw(f.Name, value)
			return false
		}
		r.Fields[f.Name] = value
		if f.Name == FieldTotal {
			r.TotalAmount = &v
		}
	case KindDate:
		t, ok := ParseDate(value)
		if !ok {
			r.keepRaw(f.Name, value)
			return false
		}
		r.Fields[f.Name] = value
		if f.Name == FieldDate {
			r.Date = &t
		}
	default:
		r.Fields[f.Name] = value
		switch f.Name {
		case FieldSupplier:
			r.Supplier = value
		case FieldInvoiceNo:
			r.InvoiceNumber = value
		case FieldNotes:
			r.Notes = value
		}
	}
	return true
}

func (r *Record) keepRaw(name, value string) {
	if _, ok := r.Fields[name]; !ok {
		r.Fields[name] = value
	}
}

func scanLines(text string, tpl *compiledTemplate) []scannedLine {
	text = strings.ReplaceAll(norm.NFC.String(text), "\r\n", "\n")

	var lines []scannedLine
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.Join(strings.Fields(raw), " ")
		if raw == "" {
			continue
		}
		orig := []rune(raw)
		l := scannedLine{orig: orig, folded: foldRunes(orig)}
		l.header = isHeaderLine(l.folded, tpl.headers)
		if !l.header {
			l.matches = findAnchors(l.folded, tpl.anchors)
		}
		lines = append(lines, l)
	}
	return lines
}

// isHeaderLine reports whether a line is the column header of the goods table
func isHeaderLine(folded []rune, headers []string) bool {
	hits := 0
	for _, h := range headers {
		if indexWord(folded, []rune(h)) >= 0 {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}

// findAnchors returns the non-overlapping anchor matches of a line ordered by
// position. On overlap the longest anchor wins, then the earliest.
func findAnchors(folded []rune, anchors []anchor) []match {
	var candidates []match
	for _, a := range anchors {
		for from := 0; from < len(folded); {
			idx := indexWordFrom(folded, a.folded, from)
			if idx < 0 {
				break
			}
			candidates = append(candidates, match{field: a.field, start: idx, end: idx + len(a.folded)})
			from = idx + 1
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li := candidates[i].end - candidates[i].start
		lj := candidates[j].end - candidates[j].start
		if li != lj {
			return li > lj
		}
		return candidates[i].start < candidates[j].start
	})

	var accepted []match
	for _, c := range candidates {
		overlaps := false
		for _, a := range accepted {
			if c.start < a.end && a.start < c.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, c)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })
	return accepted
}

func indexWord(s, word []rune) int {
	return indexWordFrom(s, word, 0)
}

// indexWordFrom finds word in s at or after from, bounded by non-word runes
func indexWordFrom(s, word []rune, from int) int {
	n := len(word)
	if n == 0 {
		return -1
	}
	for i := from; i+n <= len(s); i++ {
		if !runesEqual(s[i:i+n], word) {
			continue
		}
		if i > 0 && isWordRune(s[i-1]) && isWordRune(word[0]) {
			continue
		}
		if i+n < len(s) && isWordRune(s[i+n]) && isWordRune(word[n-1]) {
			continue
		}
		return i
	}
	return -1
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// trimValue strips the separators between a label and its value. A leading
// minus directly before a digit is a sign and stays.
func trimValue(v string) string {
	v = strings.TrimLeftFunc(v, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(":=.–|#", r)
	})
	for strings.HasPrefix(v, "-") {
		rest := strings.TrimPrefix(v, "-")
		if rest != "" && unicode.IsDigit([]rune(rest)[0]) {
			break
		}
		v = strings.TrimLeftFunc(rest, func(r rune) bool {
			return unicode.IsSpace(r) || strings.ContainsRune(":=.–|#", r)
		})
	}
	return strings.TrimRightFunc(v, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(":=.-|", r)
	})
}
