package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"

	"github.com/restaurant-ops/inventory/internal/scanning"
)

// EnvVarPrefix prefixes every flag's environment variable:
// --database-url is also read from INVENTORY_DATABASE_URL.
const EnvVarPrefix = "INVENTORY"

// DefaultEnvFile is the dotenv file read when --env-file is not given
const DefaultEnvFile = ".env"

// ErrConfiguration marks missing or invalid configuration
var ErrConfiguration = errors.New("configuration error")

// OCR configures the recognition engine
type OCR struct {
	Engine          string
	Language        string
	Whitelist       string
	PageSegMode     int
	EngineMode      int
	Timeout         time.Duration
	TesseractBinary string
	GeminiKey       string
	GeminiModel     string
	OllamaURL       string
	OllamaModel     string
	AzureEndpoint   string
	AzureKey        string
	AzureLanguage   string
}

// S3 configures the s3:// storage backend
type S3 struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Config is the configuration of the server and the CLI
type Config struct {
	Port          int
	DatabaseURL   string
	Storage       string
	S3            S3
	RedisURL      string
	OCR           OCR
	TemplatesPath string
	AuthEnabled   bool
	RatePerMinute int
	RateBurst     int
	// TrustedProxies is a comma-separated list of proxy addresses or CIDRs
	TrustedProxies string
	MaxUploadMB    int
	LogLevel       string
	LogFormat      string
	EnvFile        string
}

// RegisterCommon adds the flags shared by every binary: database and logging
func RegisterCommon(fs *ff.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DatabaseURL, 0, "database-url", "", "database connection URL: postgres://, mysql://, sqlite://, bolt:// (or set DATABASE_URL)")
	fs.StringVar(&cfg.LogLevel, 0, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, 0, "log-format", "text", "log format: text or json")
	fs.StringVar(&cfg.EnvFile, 0, "env-file", DefaultEnvFile, "dotenv file loaded before reading the environment (optional)")
}

// RegisterServer adds the HTTP service flags
func RegisterServer(fs *ff.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Port, 0, "port", 3000, "HTTP server port")
	fs.StringVar(&cfg.Storage, 0, "storage", "./uploads", "image storage: a directory or s3://bucket/prefix")
	fs.StringVar(&cfg.S3.Endpoint, 0, "s3-endpoint", "", "S3-compatible endpoint URL (optional)")
	fs.StringVar(&cfg.S3.Region, 0, "s3-region", "us-east-1", "S3 region")
	fs.StringVar(&cfg.S3.AccessKeyID, 0, "s3-access-key", "", "S3 access key id (default: AWS credential chain)")
	fs.StringVar(&cfg.S3.SecretAccessKey, 0, "s3-secret-key", "", "S3 secret access key")
	fs.StringVar(&cfg.RedisURL, 0, "redis-url", "", "redis:// URL of the pending import cache (optional)")

	fs.StringVar(&cfg.OCR.Engine, 0, "ocr-engine", "tesseract", "recognition engine: tesseract, gemini, ollama or azure")
	fs.StringVar(&cfg.OCR.Language, 0, "ocr-language", "vie+eng", "tesseract language codes")
	fs.StringVar(&cfg.OCR.Whitelist, 0, "ocr-whitelist", "", "tesseract character whitelist (default: Vietnamese letters, digits and punctuation)")
	fs.IntVar(&cfg.OCR.PageSegMode, 0, "ocr-psm", 6, "tesseract page segmentation mode")
	fs.IntVar(&cfg.OCR.EngineMode, 0, "ocr-oem", 1, "tesseract OCR engine mode")
	fs.DurationVar(&cfg.OCR.Timeout, 0, "ocr-timeout", 60*time.Second, "maximum duration of one recognition")
	fs.StringVar(&cfg.OCR.TesseractBinary, 0, "tesseract-binary", "tesseract", "tesseract executable")
	fs.StringVar(&cfg.OCR.GeminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.OCR.GeminiModel, 0, "gemini-model", "gemini-2.5-pro", "Google Gemini model name")
	fs.StringVar(&cfg.OCR.OllamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.OCR.OllamaModel, 0, "ollama-model", scanning.DefaultOllamaModel, "Ollama vision model name")
	fs.StringVar(&cfg.OCR.AzureEndpoint, 0, "azure-endpoint", "", "Azure Computer Vision endpoint")
	fs.StringVar(&cfg.OCR.AzureKey, 0, "azure-key", "", "Azure Computer Vision subscription key")
	fs.StringVar(&cfg.OCR.AzureLanguage, 0, "azure-language", "unk", "Azure OCR language (unk detects it)")

	fs.StringVar(&cfg.TemplatesPath, 0, "templates", "", "YAML file of form templates layered over the built-in ones (optional)")
	fs.BoolVar(&cfg.AuthEnabled, 0, "auth", "require HTTP Basic credentials of a stored user")
	fs.IntVar(&cfg.RatePerMinute, 0, "ocr-rate-per-minute", 10, "form uploads allowed per client per minute (0 disables the limit)")
	fs.IntVar(&cfg.RateBurst, 0, "ocr-rate-burst", 10, "form uploads a client may burst")
	fs.StringVar(&cfg.TrustedProxies, 0, "trusted-proxies", "", "comma-separated proxy IPs or CIDRs allowed to set X-Forwarded-For (default: none)")
	fs.IntVar(&cfg.MaxUploadMB, 0, "max-upload-mb", 10, "maximum upload size in MiB")
}

// Parse loads the dotenv file, then parses args and the environment into
// the flag set. The dotenv file never overrides variables already set.
func Parse(fs *ff.FlagSet, cfg *Config, args []string) error {
	if err := LoadEnvFile(EnvFileFromArgs(args, DefaultEnvFile)); err != nil {
		return err
	}
	if err := ff.Parse(fs, args, ParseOptions()...); err != nil {
		return err
	}
	cfg.Resolve()
	return nil
}

// ParseOptions are the ff options every binary parses with
func ParseOptions() []ff.Option {
	return []ff.Option{ff.WithEnvVarPrefix(EnvVarPrefix)}
}

// EnvFileFromArgs finds --env-file before the flags are parsed, since the
// file must be loaded first
func EnvFileFromArgs(args []string, def string) string {
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--env-file="):
			return strings.TrimPrefix(arg, "--env-file=")
		case arg == "--env-file" && i+1 < len(args):
			return args[i+1]
		}
	}
	if v := os.Getenv(EnvVarPrefix + "_ENV_FILE"); v != "" {
		return v
	}
	return def
}

// LoadEnvFile loads a dotenv file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: loading %s: %w", ErrConfiguration, path, err)
	}
	return nil
}

// Resolve applies the fallbacks of values that have well-known variables
// outside the INVENTORY prefix
func (c *Config) Resolve() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	if c.DatabaseURL == "" {
		c.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if c.OCR.GeminiKey == "" {
		c.OCR.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}
}

// TrustedProxyList splits --trusted-proxies into its entries
func (c *Config) TrustedProxyList() []string {
	var proxies []string
	for _, p := range strings.Split(c.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	return proxies
}

// RequireDatabase fails when no connection string was configured
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: no database connection string; set --database-url, %s_DATABASE_URL or DATABASE_URL", ErrConfiguration, EnvVarPrefix)
	}
	return nil
}

// Validate checks the server configuration
func (c *Config) Validate() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrConfiguration, c.Port)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("%w: max upload size must be positive", ErrConfiguration)
	}
	if c.RatePerMinute < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrConfiguration)
	}

	switch strings.ToLower(c.OCR.Engine) {
	case "", "tesseract", "ollama":
	case "gemini":
		if c.OCR.GeminiKey == "" {
			return fmt.Errorf("%w: the gemini engine needs --gemini-key or GEMINI_API_KEY", ErrConfiguration)
		}
	case "azure":
		if c.OCR.AzureEndpoint == "" || c.OCR.AzureKey == "" {
			return fmt.Errorf("%w: the azure engine needs --azure-endpoint and --azure-key", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown ocr engine %q (valid: tesseract, gemini, ollama, azure)", ErrConfiguration, c.OCR.Engine)
	}
	return nil
}
