package scanning

import (
	"context"
	"errors"
	"time"
)

// ErrRecognition marks failures of the recognition engine or of the input
// image itself (corrupt, unsupported, timed out).
var ErrRecognition = errors.New("recognition error")

// Recognition is the raw output of an OCR engine
type Recognition struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"` // 0..1
	Engine     string        `json:"engine"`
	Language   string        `json:"language"`
	Lines      []string      `json:"lines,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Options configures the engines that support tuning
type Options struct {
	Language    string
	Whitelist   string
	PageSegMode int
	EngineMode  int
}

// DefaultWhitelist covers digits, ASCII letters, Vietnamese letters and the
// punctuation found on supplier invoices.
const DefaultWhitelist = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz" +
	"ÀÁÂÃÈÉÊÌÍÒÓÔÕÙÚÝàáâãèéêìíòóôõùúýĂăĐđĨĩŨũƠơƯư" +
	"ẠạẢảẤấẦầẨẩẪẫẬậẮắẰằẲẳẴẵẶặẸẹẺẻẼẽẾếỀềỂểỄễỆệỈỉỊịỌọỎỏỐốỒồỔổỖỗỘộỚớỜờỞởỠỡỢợỤụỦủỨứỪừỬửỮữỰựỲỳỴỵỶỷỸỹ" +
	" .,():/-×="

// DefaultOptions returns the tuning used for printed Vietnamese invoices
func DefaultOptions() Options {
	return Options{
		Language:    "vie+eng",
		Whitelist:   DefaultWhitelist,
		PageSegMode: 6, // single uniform block
		EngineMode:  1, // LSTM only
	}
}

// Scanner defines the interface for OCR engines
type Scanner interface {
	// Scan recognizes the text in an image or PDF
	Scan(ctx context.Context, imageData []byte, contentType string) (*Recognition, error)
	// Name reports the engine name
	Name() string
	// Close closes the scanner and releases resources
	Close() error
}
