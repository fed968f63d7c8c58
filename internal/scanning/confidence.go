package scanning

import (
	"math"
	"strings"
	"unicode"
)

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// heuristicConfidence scores text quality for engines that report no
// confidence: the share of letters, digits and spaces among all runes, damped
// for very short texts.
func heuristicConfidence(text string) float64 {
	var total, good int
	for _, r := range text {
		if r == '\n' {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			good++
		}
	}
	if total == 0 {
		return 0
	}
	score := float64(good) / float64(total)
	if total < 20 {
		score *= float64(total) / 20
	}
	return clampConfidence(score)
}

// normalizeText trims every line, drops blank ones and unifies line endings
func normalizeText(text string) string {
	return strings.Join(splitLines(text), "\n")
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
