package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// transcriptionPrompt is shared by the LLM engines. They are asked for a
// verbatim transcription, never for interpretation: field mapping happens
// downstream and must see the same kind of text every engine produces.
const transcriptionPrompt = `You are an OCR engine reading a photo of a supplier invoice, delivery note or stock form from a Vietnamese restaurant.

Transcribe ALL printed and handwritten text exactly as it appears, line by line, top to bottom.
Keep Vietnamese diacritics, numbers, separators (150.000, 1,5) and units exactly as written.
Do not translate, summarize, correct or reorder anything.

Return ONLY valid JSON in this exact format:
{
  "text": "line one\nline two",
  "confidence": 0.0
}

Important:
- "confidence" is your estimate, between 0 and 1, of how accurately the text was read
- Use "\n" between lines
- If no text is readable, return an empty "text" and a confidence of 0
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// pdfToImage converts the first page of a PDF to a PNG image
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Delivery notes are scanned one page at a time
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// decodeImage decodes any supported raster format, including HEIC
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	// Go's standard image package doesn't support HEIC/HEIF (iPhone camera default)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// imageToPNG converts any image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	img, err := decodeImage(imageData, mimeType)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIF family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// isPDF reports whether the payload is a PDF, by MIME type or magic bytes
func isPDF(data []byte, mimeType string) bool {
	return mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-"))
}

// convertToPNG converts PDFs and non-PNG images to PNG format.
// PNG input is still decoded once so corrupt files fail here and not deep
// inside an engine.
func convertToPNG(imageData []byte, mimeType string) ([]byte, bool, error) {
	if isPDF(imageData, mimeType) {
		pngData, err := pdfToImage(imageData)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, true, nil
	}

	if mimeType == "image/png" && !isHEICFormat(imageData) {
		if _, _, err := image.DecodeConfig(bytes.NewReader(imageData)); err != nil {
			return nil, false, fmt.Errorf("decoding image: %w", err)
		}
		return imageData, false, nil
	}

	pngData, err := imageToPNG(imageData, mimeType)
	if err != nil {
		return nil, false, fmt.Errorf("converting image to PNG: %w", err)
	}
	return pngData, true, nil
}

// prepareImageData normalizes the MIME type and converts the image to PNG if needed.
// Every failure is reported as ErrRecognition: the input cannot be read.
func prepareImageData(imageData []byte, contentType string) ([]byte, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", ErrRecognition)
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	pngData, _, err := convertToPNG(imageData, mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognition, err)
	}
	return pngData, nil
}
