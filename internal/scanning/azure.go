package scanning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"
)

// Azure implements the Scanner interface with Azure Computer Vision printed-text OCR
type Azure struct {
	client   computervision.BaseClient
	language string
}

// NewAzure creates a new Azure scanner. language is an Azure OCR language
// code; "unk" lets the service detect it.
func NewAzure(endpoint, apiKey, language string) (*Azure, error) {
	if endpoint == "" || apiKey == "" {
		return nil, fmt.Errorf("azure endpoint and api key are required")
	}
	if language == "" {
		language = string(computervision.OcrLanguagesUnk)
	}

	client := computervision.New(endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(apiKey)

	return &Azure{
		client:   client,
		language: language,
	}, nil
}

// Name reports the engine name
func (a *Azure) Name() string {
	return "azure"
}

// Scan recognizes the text of an invoice image
func (a *Azure) Scan(ctx context.Context, imageData []byte, contentType string) (*Recognition, error) {
	start := time.Now()

	pngData, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}
	if pngData, err = enhanceForOCR(pngData); err != nil {
		return nil, err
	}

	result, err := a.client.RecognizePrintedTextInStream(
		ctx,
		true,
		io.NopCloser(bytes.NewReader(pngData)),
		computervision.OcrLanguages(a.language),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: azure ocr: %w", ErrRecognition, err)
	}

	lines := ocrResultLines(result)
	text := strings.Join(lines, "\n")

	return &Recognition{
		Text: text,
		// the printed-text API reports no confidence
		Confidence: heuristicConfidence(text),
		Engine:     a.Name(),
		Language:   a.language,
		Lines:      lines,
		Duration:   time.Since(start),
	}, nil
}

// Close is a no-op for the REST client
func (a *Azure) Close() error {
	return nil
}

func ocrResultLines(result computervision.OcrResult) []string {
	var lines []string
	if result.Regions == nil {
		return lines
	}
	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		for _, line := range *region.Lines {
			if line.Words == nil {
				continue
			}
			words := make([]string, 0, len(*line.Words))
			for _, word := range *line.Words {
				if word.Text != nil && *word.Text != "" {
					words = append(words, *word.Text)
				}
			}
			if len(words) > 0 {
				lines = append(lines, strings.Join(words, " "))
			}
		}
	}
	return lines
}
