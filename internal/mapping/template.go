package mapping

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldKind tells the mapper how to interpret a captured value
type FieldKind string

const (
	KindText     FieldKind = "text"
	KindNumber   FieldKind = "number"
	KindCurrency FieldKind = "currency"
	KindDate     FieldKind = "date"
)

// Field names with a dedicated slot in Record
const (
	FieldDate      = "date"
	FieldSupplier  = "supplier"
	FieldInvoiceNo = "invoice_no"
	FieldTotal     = "total"
	FieldNotes     = "notes"
)

// FieldSpec describes one header field of a form and the labels that announce it
type FieldSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Label    string    `json:"label" yaml:"label"`
	Kind     FieldKind `json:"kind" yaml:"kind"`
	Required bool      `json:"required" yaml:"required"`
	Anchors  []string  `json:"anchors" yaml:"anchors"`
}

// FormTemplate describes a paper form the restaurant receives or fills in
type FormTemplate struct {
	Type        string      `json:"type" yaml:"type"`
	Name        string      `json:"name" yaml:"name"`
	Fields      []FieldSpec `json:"fields" yaml:"fields"`
	ItemHeaders []string    `json:"itemHeaders" yaml:"itemHeaders"`
}

// anchor is a folded label bound to the field it announces
type anchor struct {
	field  int
	folded []rune
}

type compiledTemplate struct {
	FormTemplate
	anchors []anchor
	headers []string
}

// Templates is the read-only set of form templates, keyed by type
type Templates struct {
	byType map[string]*compiledTemplate
}

var (
	dateAnchors = []string{
		"ngày", "ngày nhập", "ngày xuất", "ngày hoàn", "ngày điều chỉnh", "ngày hóa đơn", "ngày lập",
		"date", "invoice date", "import date", "export date", "return date",
	}
	totalAnchors = []string{
		"tổng cộng", "tổng tiền", "tổng thanh toán", "tổng số tiền", "cộng tiền hàng",
		"total", "total amount", "grand total",
	}
	notesAnchors = []string{"ghi chú", "mô tả", "notes", "note", "remark"}

	defaultItemHeaders = []string{
		"stt", "tên hàng", "tên hàng hóa", "mặt hàng", "số lượng", "sl", "đvt", "đơn vị tính",
		"đơn giá", "thành tiền", "item", "qty", "quantity", "unit", "unit price", "amount",
	}
)

// DefaultTemplates returns the built-in templates for IMPORT, EXPORT, RETURN and ADJUSTMENT forms
func DefaultTemplates() []FormTemplate {
	date := func(label string) FieldSpec {
		return FieldSpec{Name: FieldDate, Label: label, Kind: KindDate, Required: true, Anchors: dateAnchors}
	}
	total := FieldSpec{Name: FieldTotal, Label: "Tổng tiền", Kind: KindCurrency, Required: true, Anchors: totalAnchors}
	notes := FieldSpec{Name: FieldNotes, Label: "Ghi chú", Kind: KindText, Anchors: notesAnchors}

	return []FormTemplate{
		{
			Type: "IMPORT",
			Name: "Phiếu nhập kho",
			Fields: []FieldSpec{
				date("Ngày nhập"),
				{Name: FieldSupplier, Label: "Nhà cung cấp", Kind: KindText, Required: true, Anchors: []string{
					"nhà cung cấp", "ncc", "đơn vị bán", "đơn vị bán hàng", "người bán", "supplier", "supplier name", "vendor",
				}},
				{Name: FieldInvoiceNo, Label: "Số hóa đơn", Kind: KindText, Anchors: []string{
					"số hóa đơn", "mã hóa đơn", "số hđ", "số phiếu", "invoice no", "invoice number", "invoice_no",
				}},
				total,
				notes,
			},
			ItemHeaders: defaultItemHeaders,
		},
		{
			Type: "EXPORT",
			Name: "Phiếu xuất kho",
			Fields: []FieldSpec{
				date("Ngày xuất"),
				{Name: "department", Label: "Phòng ban", Kind: KindText, Required: true, Anchors: []string{
					"bộ phận", "phòng ban", "nơi nhận", "department",
				}},
				{Name: "purpose", Label: "Mục đích", Kind: KindText, Anchors: []string{
					"mục đích", "lý do xuất", "purpose",
				}},
				total,
				notes,
			},
			ItemHeaders: defaultItemHeaders,
		},
		{
			Type: "RETURN",
			Name: "Phiếu hoàn trả",
			Fields: []FieldSpec{
				date("Ngày hoàn"),
				{Name: FieldSupplier, Label: "Nhà cung cấp", Kind: KindText, Required: true, Anchors: []string{
					"nhà cung cấp", "ncc", "trả cho", "supplier",
				}},
				{Name: "reason", Label: "Lý do hoàn", Kind: KindText, Required: true, Anchors: []string{
					"lý do", "lý do hoàn", "lý do trả", "reason",
				}},
				total,
				notes,
			},
			ItemHeaders: defaultItemHeaders,
		},
		{
			Type: "ADJUSTMENT",
			Name: "Phiếu điều chỉnh kho",
			Fields: []FieldSpec{
				date("Ngày điều chỉnh"),
				{Name: "reason", Label: "Lý do điều chỉnh", Kind: KindText, Required: true, Anchors: []string{
					"lý do", "lý do điều chỉnh", "reason",
				}},
				total,
				notes,
			},
			ItemHeaders: defaultItemHeaders,
		},
	}
}

// NewTemplates validates and indexes templates. A later template replaces an
// earlier one of the same type.
func NewTemplates(list ...FormTemplate) (*Templates, error) {
	t := &Templates{byType: make(map[string]*compiledTemplate, len(list))}
	for _, tpl := range list {
		c, err := compile(tpl)
		if err != nil {
			return nil, err
		}
		t.byType[c.Type] = c
	}
	return t, nil
}

func compile(tpl FormTemplate) (*compiledTemplate, error) {
	tpl.Type = strings.ToUpper(strings.TrimSpace(tpl.Type))
	if tpl.Type == "" {
		return nil, errors.New("template type is required")
	}
	if len(tpl.Fields) == 0 {
		return nil, fmt.Errorf("template %s: at least one field is required", tpl.Type)
	}
	if tpl.ItemHeaders == nil {
		tpl.ItemHeaders = defaultItemHeaders
	}
	tpl.Fields = append([]FieldSpec(nil), tpl.Fields...)

	c := &compiledTemplate{}
	seen := make(map[string]bool)
	for i, f := range tpl.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("template %s: field %d has no name", tpl.Type, i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("template %s: duplicate field %q", tpl.Type, f.Name)
		}
		seen[f.Name] = true

		switch f.Kind {
		case "":
			tpl.Fields[i].Kind = KindText
		case KindText, KindNumber, KindCurrency, KindDate:
		default:
			return nil, fmt.Errorf("template %s: field %q has unknown kind %q", tpl.Type, f.Name, f.Kind)
		}

		anchors := f.Anchors
		if len(anchors) == 0 && f.Label != "" {
			anchors = []string{f.Label}
		}
		if len(anchors) == 0 {
			return nil, fmt.Errorf("template %s: field %q has no anchors", tpl.Type, f.Name)
		}
		for _, a := range anchors {
			folded := []rune(strings.TrimSpace(Fold(a)))
			if len(folded) == 0 {
				continue
			}
			c.anchors = append(c.anchors, anchor{field: i, folded: folded})
		}
	}
	c.FormTemplate = tpl

	for _, h := range tpl.ItemHeaders {
		if h = strings.TrimSpace(Fold(h)); h != "" {
			c.headers = append(c.headers, h)
		}
	}
	return c, nil
}

// Lookup finds a template by type, ignoring case
func (t *Templates) Lookup(formType string) (FormTemplate, bool) {
	c, ok := t.lookup(formType)
	if !ok {
		return FormTemplate{}, false
	}
	return c.FormTemplate, true
}

func (t *Templates) lookup(formType string) (*compiledTemplate, bool) {
	c, ok := t.byType[strings.ToUpper(strings.TrimSpace(formType))]
	return c, ok
}

// All returns every template sorted by type
func (t *Templates) All() []FormTemplate {
	out := make([]FormTemplate, 0, len(t.byType))
	for _, c := range t.byType {
		out = append(out, c.FormTemplate)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

type templateFile struct {
	Templates []FormTemplate `yaml:"templates"`
}

// ParseTemplates reads templates from YAML and layers them over the built-ins
func ParseTemplates(data []byte) (*Templates, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return NewTemplates(append(DefaultTemplates(), file.Templates...)...)
}

// LoadTemplates reads a YAML template file. An empty path yields the built-ins.
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return NewTemplates(DefaultTemplates()...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}
	return ParseTemplates(data)
}
