package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: 255, G: uint8(x * 10), B: uint8(y * 10), A: 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

var _ = Describe("conversion", func() {
	Describe("prepareImageData", func() {
		It("converts JPEG to PNG", func() {
			out, err := prepareImageData(testJPEG(), "image/jpeg")
			Expect(err).NotTo(HaveOccurred())
			_, format, err := image.DecodeConfig(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})

		It("ignores MIME parameters and case", func() {
			_, err := prepareImageData(testJPEG(), " Image/JPEG; charset=binary")
			Expect(err).NotTo(HaveOccurred())
		})

		It("passes valid PNG through unchanged", func() {
			in := testPNG()
			out, err := prepareImageData(in, "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(in))
		})

		It("sniffs the format when no content type is given", func() {
			_, err := prepareImageData(testPNG(), "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects an empty payload", func() {
			_, err := prepareImageData(nil, "image/png")
			Expect(err).To(MatchError(ErrRecognition))
		})

		It("rejects unsupported data", func() {
			_, err := prepareImageData([]byte("plain text, not an image"), "text/plain")
			Expect(err).To(MatchError(ErrRecognition))
			Expect(err.Error()).To(ContainSubstring("unsupported image format"))
		})

		It("rejects a corrupt PNG", func() {
			_, err := prepareImageData([]byte("\x89PNG\r\n\x1a\ngarbage"), "image/png")
			Expect(err).To(MatchError(ErrRecognition))
		})
	})

	Describe("format detection", func() {
		It("detects HEIC by brand", func() {
			data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
			Expect(isHEICFormat(data)).To(BeTrue())
			Expect(isHEICFormat([]byte("short"))).To(BeFalse())
		})

		It("detects HEIC by MIME type", func() {
			Expect(isHEICMimeType("image/heif")).To(BeTrue())
			Expect(isHEICMimeType("image/png")).To(BeFalse())
		})

		It("detects PDF by magic bytes or MIME type", func() {
			Expect(isPDF([]byte("%PDF-1.7 ..."), "application/octet-stream")).To(BeTrue())
			Expect(isPDF([]byte("x"), "application/pdf")).To(BeTrue())
			Expect(isPDF(testPNG(), "image/png")).To(BeFalse())
		})
	})

	Describe("enhanceForOCR", func() {
		It("returns a grayscale PNG", func() {
			out, err := enhanceForOCR(testPNG())
			Expect(err).NotTo(HaveOccurred())
			img, format, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
			Expect(img.Bounds().Dx()).To(Equal(40))
		})

		It("rejects undecodable input", func() {
			_, err := enhanceForOCR([]byte("nope"))
			Expect(err).To(MatchError(ErrRecognition))
		})
	})
})
