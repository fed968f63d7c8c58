package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/time/rate"

	"github.com/restaurant-ops/inventory/internal/config"
	"github.com/restaurant-ops/inventory/internal/imports"
	"github.com/restaurant-ops/inventory/internal/mapping"
	"github.com/restaurant-ops/inventory/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	var cfg config.Config
	fs := ff.NewFlagSet("inventory-server")
	config.RegisterCommon(fs, &cfg)
	config.RegisterServer(fs, &cfg)
	_ = fs.BoolLong("version", "Show version information")

	if err := config.Parse(fs, &cfg, os.Args[1:]); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := imports.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	slog.Info("Database ready", "provider", db.Provider())

	// Initialize scanner
	opts := scanning.Options{
		Language:    cfg.OCR.Language,
		Whitelist:   cfg.OCR.Whitelist,
		PageSegMode: cfg.OCR.PageSegMode,
		EngineMode:  cfg.OCR.EngineMode,
	}
	if opts.Whitelist == "" {
		opts.Whitelist = scanning.DefaultWhitelist
	}
	slog.Info("Initializing scanner...", "engine", cfg.OCR.Engine)
	scanner, err := scanning.New(scanning.Config{
		Engine:          strings.ToLower(cfg.OCR.Engine),
		Options:         opts,
		TesseractBinary: cfg.OCR.TesseractBinary,
		GeminiKey:       cfg.OCR.GeminiKey,
		GeminiModel:     cfg.OCR.GeminiModel,
		OllamaURL:       cfg.OCR.OllamaURL,
		OllamaModel:     cfg.OCR.OllamaModel,
		AzureEndpoint:   cfg.OCR.AzureEndpoint,
		AzureKey:        cfg.OCR.AzureKey,
		AzureLanguage:   cfg.OCR.AzureLanguage,
	})
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}
	defer scanner.Close()

	templates, err := mapping.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		return fmt.Errorf("loading form templates: %w", err)
	}
	slog.Info("Form templates loaded", "count", len(templates.All()))

	// Initialize storage
	slog.Info("Initializing storage...", "location", cfg.Storage)
	store, err := imports.OpenStorage(ctx, cfg.Storage, imports.S3Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	// The cache is optional; without Redis every read goes to the database
	var cache imports.Cache = imports.NoopCache{}
	if cfg.RedisURL != "" {
		redisCache, err := imports.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, continuing without cache", "error", err)
		} else {
			defer redisCache.Close()
			cache = redisCache
		}
	}

	service := imports.NewService(db, scanner, mapping.NewMapper(templates), store, cache)
	service.SetScanTimeout(cfg.OCR.Timeout)

	serverOpts := imports.DefaultServerOptions()
	serverOpts.AuthEnabled = cfg.AuthEnabled
	serverOpts.MaxUploadBytes = int64(cfg.MaxUploadMB) << 20
	serverOpts.ProcessBurst = cfg.RateBurst
	serverOpts.ProcessRate = 0
	if cfg.RatePerMinute > 0 {
		serverOpts.ProcessRate = rate.Limit(float64(cfg.RatePerMinute) / 60)
	}
	serverOpts.TrustedProxies = cfg.TrustedProxyList()
	serverOpts.Version = version

	gin.SetMode(gin.ReleaseMode)
	server := imports.NewServer(service, serverOpts)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if cfg.AuthEnabled {
		slog.Info("Basic auth enabled")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
