package scanning

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Runner runs an external command, feeding stdin and capturing both outputs
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Tesseract implements the Scanner interface with the tesseract CLI
type Tesseract struct {
	binary string
	opts   Options
	runner Runner
}

// NewTesseract creates a Tesseract scanner running the given binary
func NewTesseract(binary string, opts Options) *Tesseract {
	return NewTesseractWithRunner(binary, opts, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract scanner with a custom runner for testing
func NewTesseractWithRunner(binary string, opts Options, runner Runner) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	def := DefaultOptions()
	if opts.Language == "" {
		opts.Language = def.Language
	}
	if opts.PageSegMode <= 0 {
		opts.PageSegMode = def.PageSegMode
	}
	if opts.EngineMode < 0 {
		opts.EngineMode = def.EngineMode
	}
	return &Tesseract{
		binary: binary,
		opts:   opts,
		runner: runner,
	}
}

// Name reports the engine name
func (t *Tesseract) Name() string {
	return "tesseract"
}

// args builds: tesseract stdin stdout -l <lang> --psm N --oem N [-c whitelist] tsv
func (t *Tesseract) args() []string {
	args := []string{
		"stdin", "stdout",
		"-l", t.opts.Language,
		"--psm", strconv.Itoa(t.opts.PageSegMode),
		"--oem", strconv.Itoa(t.opts.EngineMode),
	}
	if t.opts.Whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+t.opts.Whitelist)
	}
	return append(args, "tsv")
}

// Scan recognizes the text of an invoice image
func (t *Tesseract) Scan(ctx context.Context, imageData []byte, contentType string) (*Recognition, error) {
	start := time.Now()

	pngData, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}
	if pngData, err = enhanceForOCR(pngData); err != nil {
		return nil, err
	}

	out, stderr, err := t.runner.Run(ctx, pngData, t.binary, t.args()...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: tesseract: %w", ErrRecognition, ctxErr)
		}
		return nil, fmt.Errorf("%w: tesseract: %w: %s", ErrRecognition, err, strings.TrimSpace(string(stderr)))
	}

	lines, confidence := parseTSV(string(out))

	return &Recognition{
		Text:       strings.Join(lines, "\n"),
		Confidence: confidence,
		Engine:     t.Name(),
		Language:   t.opts.Language,
		Lines:      lines,
		Duration:   time.Since(start),
	}, nil
}

// Close is a no-op, every scan runs its own process
func (t *Tesseract) Close() error {
	return nil
}

// parseTSV rebuilds text lines from tesseract TSV output and returns the mean
// word confidence in 0..1.
//
// Columns: level page block par line word left top width height conf text
func parseTSV(tsv string) ([]string, float64) {
	type lineKey struct{ page, block, par, line string }

	var (
		order []lineKey
		words = make(map[lineKey][]string)
		sum   float64
		n     int
	)
	for i, row := range strings.Split(tsv, "\n") {
		if i == 0 || row == "" {
			continue // header
		}
		cols := strings.Split(strings.TrimRight(row, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue // word rows only
		}
		text := strings.TrimSpace(cols[11])
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 || text == "" {
			continue
		}
		key := lineKey{cols[1], cols[2], cols[3], cols[4]}
		if _, seen := words[key]; !seen {
			order = append(order, key)
		}
		words[key] = append(words[key], text)
		sum += conf
		n++
	}

	lines := make([]string, 0, len(order))
	for _, k := range order {
		lines = append(lines, strings.Join(words[k], " "))
	}
	if n == 0 {
		return lines, 0
	}
	return lines, clampConfidence(sum / float64(n) / 100)
}
