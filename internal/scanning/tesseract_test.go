package scanning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Mock implementations

type mockRunner struct {
	stdout  []byte
	stderr  []byte
	err     error
	name    string
	args    []string
	stdin   []byte
	calls   int
	ctxFunc func(ctx context.Context) error
}

func (m *mockRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	m.calls++
	m.name = name
	m.args = args
	m.stdin = stdin
	if m.ctxFunc != nil {
		if err := m.ctxFunc(ctx); err != nil {
			return nil, nil, err
		}
	}
	return m.stdout, m.stderr, m.err
}

func testPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			img.SetGray(x, y, color.Gray{Y: uint8(200 + (x+y)%50)})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t800\t600\t-1\t\n" +
	"4\t1\t1\t1\t1\t0\t10\t10\t300\t20\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t10\t10\t60\t20\t96\tTổng\n" +
	"5\t1\t1\t1\t1\t2\t80\t10\t60\t20\t90\tcộng:\n" +
	"5\t1\t1\t1\t1\t3\t150\t10\t90\t20\t84\t150.000\n" +
	"5\t1\t1\t1\t2\t1\t10\t40\t60\t20\t-1\t \n" +
	"5\t1\t1\t2\t1\t1\t10\t70\t60\t20\t70\tGạo\n" +
	"5\t1\t1\t2\t1\t2\t80\t70\t30\t20\t80\t10\n"

var _ = Describe("Tesseract", func() {
	var (
		runner  *mockRunner
		scanner *Tesseract
		ctx     context.Context
		data    []byte
		result  *Recognition
		err     error
	)

	BeforeEach(func() {
		ctx = context.Background()
		runner = &mockRunner{stdout: []byte(sampleTSV)}
		scanner = NewTesseractWithRunner("", DefaultOptions(), runner)
		data = testPNG()
	})

	JustBeforeEach(func() {
		result, err = scanner.Scan(ctx, data, "image/png")
	})

	When("tesseract succeeds", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should rebuild the lines in reading order", func() {
			Expect(result.Lines).To(Equal([]string{"Tổng cộng: 150.000", "Gạo 10"}))
			Expect(result.Text).To(Equal("Tổng cộng: 150.000\nGạo 10"))
		})

		It("should average the word confidences", func() {
			Expect(result.Confidence).To(BeNumerically("~", 0.84, 1e-9))
		})

		It("should report engine and language", func() {
			Expect(result.Engine).To(Equal("tesseract"))
			Expect(result.Language).To(Equal("vie+eng"))
		})

		It("should run the configured command line", func() {
			Expect(runner.name).To(Equal("tesseract"))
			Expect(runner.args[:8]).To(Equal([]string{"stdin", "stdout", "-l", "vie+eng", "--psm", "6", "--oem", "1"}))
			Expect(runner.args).To(ContainElement("tessedit_char_whitelist=" + DefaultWhitelist))
			Expect(runner.args[len(runner.args)-1]).To(Equal("tsv"))
		})

		It("should feed a PNG on stdin", func() {
			_, format, decErr := image.DecodeConfig(bytes.NewReader(runner.stdin))
			Expect(decErr).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("no whitelist is configured", func() {
		BeforeEach(func() {
			opts := DefaultOptions()
			opts.Whitelist = ""
			scanner = NewTesseractWithRunner("/usr/bin/tesseract", opts, runner)
		})

		It("should not pass the whitelist variable", func() {
			Expect(runner.args).NotTo(ContainElement("-c"))
			Expect(runner.name).To(Equal("/usr/bin/tesseract"))
		})
	})

	When("tesseract fails", func() {
		BeforeEach(func() {
			runner.err = errors.New("exit status 1")
			runner.stderr = []byte("Error opening data file vie.traineddata")
		})

		It("should return a recognition error with stderr", func() {
			Expect(err).To(MatchError(ErrRecognition))
			Expect(err.Error()).To(ContainSubstring("vie.traineddata"))
		})
	})

	When("the context is cancelled", func() {
		BeforeEach(func() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(context.Background())
			cancel()
			runner.ctxFunc = func(ctx context.Context) error { return ctx.Err() }
		})

		It("should return a recognition error wrapping the context error", func() {
			Expect(err).To(MatchError(ErrRecognition))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})
	})

	When("the image is corrupt", func() {
		BeforeEach(func() {
			data = []byte("\x89PNG\r\n\x1a\nnot really")
		})

		It("should fail before running tesseract", func() {
			Expect(err).To(MatchError(ErrRecognition))
			Expect(runner.calls).To(Equal(0))
		})
	})

	When("the image is empty", func() {
		BeforeEach(func() {
			data = nil
		})

		It("should return a recognition error", func() {
			Expect(err).To(MatchError(ErrRecognition))
			Expect(runner.calls).To(Equal(0))
		})
	})

	When("tesseract finds no words", func() {
		BeforeEach(func() {
			runner.stdout = []byte("level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n")
		})

		It("should return empty text with zero confidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(BeEmpty())
			Expect(result.Confidence).To(Equal(0.0))
		})
	})
})

var _ = Describe("New", func() {
	It("defaults to tesseract", func() {
		s, err := New(Config{})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Name()).To(Equal("tesseract"))
	})

	It("rejects unknown engines", func() {
		_, err := New(Config{Engine: "paddle"})
		Expect(err).To(MatchError(ContainSubstring("unknown ocr engine")))
	})

	It("requires a gemini key", func() {
		_, err := New(Config{Engine: "gemini"})
		Expect(err).To(HaveOccurred())
	})

	It("requires azure credentials", func() {
		_, err := New(Config{Engine: "azure", AzureEndpoint: "https://example.cognitiveservices.azure.com"})
		Expect(err).To(HaveOccurred())
	})

	It("lets azure detect the language when none is configured", func() {
		s, err := New(Config{Engine: "azure", AzureEndpoint: "https://example.cognitiveservices.azure.com", AzureKey: "key"})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Name()).To(Equal("azure"))
		Expect(s.(*Azure).language).To(Equal("unk"))
	})

	It("builds an ollama scanner with defaults", func() {
		s, err := New(Config{Engine: "ollama"})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Name()).To(Equal("ollama"))
	})
})
