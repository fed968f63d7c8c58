package mapping

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var numberToken = regexp.MustCompile(`-?\d[\d.,]*`)

// ParseAmount reads the first number in s. Thousands and decimal separators
// follow both Vietnamese and English usage:
//
//	150.000    -> 150000
//	1,5        -> 1.5
//	1.234,50   -> 1234.5
//	1,234.50   -> 1234.5
//	12.5       -> 12.5
func ParseAmount(s string) (float64, bool) {
	tok := numberToken.FindString(s)
	if tok == "" {
		return 0, false
	}
	tok = strings.TrimRight(tok, ".,")

	dots := strings.Count(tok, ".")
	commas := strings.Count(tok, ",")

	switch {
	case dots > 0 && commas > 0:
		// the separator that comes last is the decimal one
		if strings.LastIndex(tok, ".") > strings.LastIndex(tok, ",") {
			tok = strings.ReplaceAll(tok, ",", "")
		} else {
			tok = strings.ReplaceAll(tok, ".", "")
			tok = strings.Replace(tok, ",", ".", 1)
		}
	case dots > 0:
		tok = resolveSingleSeparator(tok, ".", dots)
	case commas > 0:
		tok = resolveSingleSeparator(tok, ",", commas)
	}

	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// resolveSingleSeparator handles a token using only one separator kind.
// Repeated, or followed by exactly three digits, it groups thousands;
// otherwise it is the decimal point.
func resolveSingleSeparator(tok, sep string, count int) string {
	if count > 1 {
		return strings.ReplaceAll(tok, sep, "")
	}
	idx := strings.Index(tok, sep)
	if len(tok)-idx-1 == 3 {
		return strings.Replace(tok, sep, "", 1)
	}
	return strings.Replace(tok, sep, ".", 1)
}

var dateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
	"2006-01-02",
}

var (
	dateToken = regexp.MustCompile(`\d{1,4}[/.\-]\d{1,2}[/.\-]\d{2,4}`)
	// "ngày 05 tháng 03 năm 2024", matched on folded text
	longDate = regexp.MustCompile(`(\d{1,2})\s*thang\s*(\d{1,2})\s*(?:nam\s*)?(\d{4})`)
)

// ParseDate reads the first date in s, day-first as on Vietnamese forms.
func ParseDate(s string) (time.Time, bool) {
	if tok := dateToken.FindString(s); tok != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, tok); err == nil {
				return t, true
			}
		}
	}

	if m := longDate.FindStringSubmatch(Fold(s)); m != nil {
		if t, err := time.Parse("2/1/2006", m[1]+"/"+m[2]+"/"+m[3]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
