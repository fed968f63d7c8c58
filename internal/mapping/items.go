package mapping

import (
	"regexp"
	"strings"
)

// Item is one line of the goods table
type Item struct {
	Name      string   `json:"name"`
	Quantity  float64  `json:"quantity"`
	Unit      string   `json:"unit,omitempty"`
	UnitPrice float64  `json:"unitPrice"`
	LineTotal *float64 `json:"lineTotal,omitempty"`
	// ReadAs is the recognized name when it was resolved to a catalogue name
	ReadAs      string  `json:"readAs,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`
	NeedsReview bool    `json:"needsReview,omitempty"`
}

// <row no> <name> <qty> [unit] [x] <unit price> [line total] [đ]
var itemLine = regexp.MustCompile(
	`^(?:\d{1,3}[.)/]?\s+)?` +
		`(.*?\p{L}.*?)\s+` +
		`(\d+(?:[.,]\d+)*)` +
		`(?:\s*(\p{L}[\p{L}.]{0,5}))?` +
		`(?:\s*[x×*]\s*|\s+)` +
		`(\d[\d.,]*)` +
		`(?:\s+(\d[\d.,]*))?` +
		`\s*(?i:vnđ|vnd|đ)?\.?$`,
)

var unitAliases = map[string]string{
	"kg": "kg", "k.g": "kg", "kgs": "kg", "kilo": "kg", "kilos": "kg", "ky": "kg",
	"g": "g", "gr": "g", "gram": "g", "gam": "g",
	"l": "l", "lit": "l", "liter": "l", "litre": "l",
	"ml":   "ml",
	"chai": "chai", "lon": "lon",
	"hop": "hộp", "box": "hộp",
	"thung": "thùng", "carton": "thùng",
	"goi": "gói", "pack": "gói",
	"cai": "cái", "chiec": "cái", "piece": "cái", "pcs": "cái",
	"bo": "bó", "trai": "trái", "qua": "quả", "con": "con", "bao": "bao", "tui": "túi",
}

// normalizeUnit maps spelling variants of common units onto one form.
// Units it does not know are kept as written, lowercased.
func normalizeUnit(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if canonical, ok := unitAliases[Fold(u)]; ok {
		return canonical
	}
	return strings.ToLower(u)
}

// lines carrying contact details or invoice adjustments look like items to
// the pattern but are not goods
var noiseWords = []string{
	"dien thoai", "dt", "sdt", "tel", "fax", "mst", "ma so thue", "dia chi", "address",
	"stk", "so tai khoan", "tai khoan", "email", "hotline",
	"chiet khau", "giam gia", "khuyen mai", "phu thu", "phi van chuyen", "phi ship",
	"phi giao hang", "phi dich vu", "thue", "gtgt",
	"discount", "shipping", "delivery", "service charge", "tax",
}

// folded, "vat" would also catch "vật tư"
var vatLine = regexp.MustCompile(`(?:^|[^\p{L}])VAT(?:[^\p{L}]|$)`)

func parseItem(line string) (Item, bool) {
	if vatLine.MatchString(line) {
		return Item{}, false
	}
	folded := []rune(Fold(line))
	for _, w := range noiseWords {
		if indexWord(folded, []rune(w)) >= 0 {
			return Item{}, false
		}
	}

	m := itemLine.FindStringSubmatch(line)
	if m == nil {
		return Item{}, false
	}

	name := strings.Trim(m[1], " \t.:-|")
	if name == "" {
		return Item{}, false
	}
	qty, ok := ParseAmount(m[2])
	if !ok || qty <= 0 {
		return Item{}, false
	}
	price, ok := ParseAmount(m[4])
	if !ok || price <= 0 {
		return Item{}, false
	}

	unit := m[3]
	if u := Fold(unit); u == "x" {
		unit = ""
	}

	item := Item{
		Name:      name,
		Quantity:  qty,
		Unit:      normalizeUnit(unit),
		UnitPrice: price,
	}
	if m[5] != "" {
		if total, ok := ParseAmount(m[5]); ok {
			item.LineTotal = &total
		}
	}
	return item, true
}
