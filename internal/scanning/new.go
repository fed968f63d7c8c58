package scanning

import "fmt"

// Config selects and configures an engine
type Config struct {
	Engine  string
	Options Options

	TesseractBinary string

	GeminiKey   string
	GeminiModel string

	OllamaURL   string
	OllamaModel string

	AzureEndpoint string
	AzureKey      string
	AzureLanguage string
}

// New builds the scanner named by cfg.Engine
func New(cfg Config) (Scanner, error) {
	switch cfg.Engine {
	case "", "tesseract":
		return NewTesseract(cfg.TesseractBinary, cfg.Options), nil
	case "gemini":
		return NewGemini(cfg.GeminiKey, cfg.GeminiModel)
	case "ollama":
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	case "azure":
		return NewAzure(cfg.AzureEndpoint, cfg.AzureKey, cfg.AzureLanguage)
	default:
		return nil, fmt.Errorf("unknown ocr engine %q (valid: tesseract, gemini, ollama, azure)", cfg.Engine)
	}
}
