package imports

import (
	"strings"
	"time"

	"github.com/restaurant-ops/inventory/internal/mapping"
)

// Status is the review state of a PendingImport
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether a review may move s to next.
// Only pending records can be decided; approved and rejected are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && (next == StatusApproved || next == StatusRejected)
}

// PendingImport is an OCR-derived inventory document awaiting human review
type PendingImport struct {
	ID               uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	FormType         string     `json:"formType" gorm:"size:32;index;not null"`
	SupplierRef      string     `json:"supplierRef,omitempty" gorm:"size:255"`
	InvoiceNumber    string     `json:"invoiceNumber,omitempty" gorm:"size:128"`
	DocumentDate     *time.Time `json:"documentDate,omitempty"`
	Items            []LineItem `json:"items" gorm:"foreignKey:PendingImportID;constraint:OnDelete:CASCADE"`
	TotalAmount      *float64   `json:"totalAmount,omitempty"`
	Confidence       float64    `json:"confidence"`
	Status           Status     `json:"status" gorm:"size:16;index;not null;default:pending"`
	Notes            string     `json:"notes,omitempty" gorm:"type:text"`
	RawText          string     `json:"rawText,omitempty" gorm:"type:text"`
	ImageKey         string     `json:"imageKey,omitempty" gorm:"size:512"`
	ImageContentType string     `json:"imageContentType,omitempty" gorm:"size:64"`
	OCREngine        string     `json:"ocrEngine" gorm:"column:ocr_engine;size:32"`
	CreatedBy        string     `json:"createdBy" gorm:"size:128"`
	ReviewedBy       string     `json:"reviewedBy,omitempty" gorm:"size:128"`
	ReviewedAt       *time.Time `json:"reviewedAt,omitempty"`
	RejectReason     string     `json:"rejectReason,omitempty" gorm:"type:text"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// LineItem is one goods line of a PendingImport
type LineItem struct {
	ID              uint64   `json:"-" gorm:"primaryKey;autoIncrement"`
	PendingImportID uint64   `json:"-" gorm:"index;not null"`
	Position        int      `json:"position"`
	Name            string   `json:"name" gorm:"size:255;not null"`
	Quantity        float64  `json:"quantity"`
	Unit            string   `json:"unit,omitempty" gorm:"size:32"`
	UnitPrice       float64  `json:"unitPrice"`
	LineTotal       *float64 `json:"lineTotal,omitempty"`
	ReadAs          string   `json:"readAs,omitempty" gorm:"size:255"`
	NeedsReview     bool     `json:"needsReview"`
}

// StockLevel is the on-hand quantity of one item in one unit. Names that
// differ only in case, spacing or diacritics share one level, which keeps
// the name it was first stocked under.
type StockLevel struct {
	ItemKey   string    `json:"-" gorm:"primaryKey;size:255"`
	ItemName  string    `json:"itemName" gorm:"size:255;not null"`
	Unit      string    `json:"unit" gorm:"primaryKey;size:32"`
	Quantity  float64   `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// User is an account allowed to upload and review forms
type User struct {
	ID           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"size:64;uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"size:255;not null"`
	Role         string    `json:"role" gorm:"size:32;not null"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Review carries who decided a PendingImport, when, and why
type Review struct {
	By     string
	At     time.Time
	Reason string
}

// ListFilter narrows ListPendingImports; the zero value lists everything
type ListFilter struct {
	Status Status
	Limit  int
}

// StockDirection is the sign with which an approved form moves stock.
// Form types without a stock effect return 0.
func StockDirection(formType string) float64 {
	switch strings.ToUpper(formType) {
	case "IMPORT", "ADJUSTMENT":
		return 1
	case "EXPORT", "RETURN":
		return -1
	}
	return 0
}

// stockName normalizes the spacing of an item name
func stockName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// stockItemKey identifies the stock level an item name belongs to
func stockItemKey(name string) string {
	return mapping.Fold(stockName(name))
}

// newPendingImport builds the record persisted for a mapped form
func newPendingImport(rec *mapping.Record, confidence float64, identity string, now time.Time) *PendingImport {
	imp := &PendingImport{
		FormType:      rec.FormType,
		SupplierRef:   rec.Supplier,
		InvoiceNumber: rec.InvoiceNumber,
		DocumentDate:  rec.Date,
		TotalAmount:   rec.TotalAmount,
		Confidence:    confidence,
		Status:        StatusPending,
		Notes:         rec.Notes,
		CreatedBy:     identity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	imp.Items = make([]LineItem, 0, len(rec.Items))
	for i, it := range rec.Items {
		imp.Items = append(imp.Items, LineItem{
			Position:    i + 1,
			Name:        it.Name,
			Quantity:    it.Quantity,
			Unit:        it.Unit,
			UnitPrice:   it.UnitPrice,
			LineTotal:   it.LineTotal,
			ReadAs:      it.ReadAs,
			NeedsReview: it.NeedsReview,
		})
	}
	return imp
}
