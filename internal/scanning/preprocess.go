package scanning

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

const maxOCRDimension = 2000

// enhanceForOCR applies the contrast pipeline pixel engines read best:
// grayscale, stronger contrast, sharpening, then a size cap.
func enhanceForOCR(pngData []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(pngData), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image for enhancement: %w", ErrRecognition, err)
	}

	img := imaging.Grayscale(src)
	img = imaging.AdjustContrast(img, 30)
	img = imaging.Sharpen(img, 1.5)
	img = imaging.AdjustBrightness(img, 10)

	b := img.Bounds()
	if b.Dx() > maxOCRDimension || b.Dy() > maxOCRDimension {
		img = imaging.Fit(img, maxOCRDimension, maxOCRDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding enhanced image: %w", err)
	}
	return buf.Bytes(), nil
}
