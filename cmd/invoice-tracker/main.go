package main

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/scanning"
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

	// A .env file is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env: %v\n", err)
		os.Exit(1)
	}

	defaults := scanning.DefaultNormalizerConfig()
	policy := invoice.DefaultConfig()

	flags := ff.NewFlagSet("invoice-tracker")
	var (
		port            = flags.IntLong("port", 8080, "HTTP server port")
		dbDriver        = flags.StringLong("db-driver", "bolt", "Database driver: 'bolt' or 'sqlite'")
		dbPath          = flags.StringLong("db", "invoice-tracker.db", "Database file path")
		storagePath     = flags.StringLong("storage", "./invoices", "Storage directory path")
		extractorType   = flags.StringLong("extractor", "gemini", "Extractor type: 'gemini' or 'ollama'")
		geminiKey       = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = flags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL       = flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = flags.StringLong("ollama-model", "qwen2.5vl:7b", "Ollama vision model with structured output support")
		maxOutputTokens = flags.IntLong("max-output-tokens", 8192, "Output token ceiling for one extraction")
		confidenceFloor = flags.Float64Long("confidence-floor", policy.ConfidenceFloor, "Minimum overall confidence for a result to reach review")
		extractTimeout  = flags.DurationLong("extract-timeout", policy.ExtractTimeout, "Deadline for rendering plus the model call (0 disables)")
		maxDimension    = flags.IntLong("max-dimension", defaults.MaxDimension, "Maximum raster dimension in pixels")
		maxPages        = flags.IntLong("max-pages", defaults.MaxPages, "Maximum number of document pages rendered")
		singlePageDPI   = flags.Float64Long("single-page-dpi", defaults.SinglePageDPI, "Render DPI for single-page documents")
		compositeDPI    = flags.Float64Long("composite-dpi", defaults.CompositeDPI, "Render DPI for each page of a multi-page composite")
		jpegQuality     = flags.IntLong("jpeg-quality", defaults.Quality, "JPEG quality of the raster sent to the model")
		disablePDF      = flags.BoolLong("disable-pdf", "Disable PDF rendering (PDF uploads fail with a configuration error)")
		authUser        = flags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = flags.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel        = flags.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logJSON         = flags.BoolLong("log-json", "Log as JSON instead of text")
		showVersion     = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if *logJSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, handlerOpts)))
	}

	// Initialize database
	slog.Info("Initializing database...", "driver", *dbDriver, "path", *dbPath)
	var db invoice.DB
	var err error
	switch *dbDriver {
	case "bolt":
		db, err = invoice.NewBoltDB(*dbPath)
	case "sqlite":
		db, err = invoice.NewSQLiteDB(*dbPath)
	default:
		err = fmt.Errorf("unknown driver %q (valid: bolt or sqlite)", *dbDriver)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize extractor based on type
	var extractor scanning.Extractor
	switch *extractorType {
	case "gemini":
		// The API key is resolved on the first extraction
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor = scanning.NewGemini(scanning.GeminiConfig{
			APIKey:          *geminiKey,
			Model:           *geminiModel,
			MaxOutputTokens: int32(*maxOutputTokens),
		})
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor = scanning.NewOllama(*ollamaURL, *ollamaModel, *maxOutputTokens)
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer extractor.Close()

	var documents scanning.DocumentOpener = scanning.FitzOpener{}
	if *disablePDF {
		slog.Warn("PDF rendering disabled")
		documents = nil
	}
	normalizer := scanning.NewImageNormalizer(scanning.NormalizerConfig{
		MaxDimension:  *maxDimension,
		MaxPages:      *maxPages,
		SinglePageDPI: *singlePageDPI,
		CompositeDPI:  *compositeDPI,
		Quality:       *jpegQuality,
	}, documents)

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	invoiceService := invoice.NewService(db, normalizer, extractor, store, invoice.Config{
		ConfidenceFloor: *confidenceFloor,
		ExtractTimeout:  *extractTimeout,
	})

	// Initialize server
	basicAuth := invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := invoice.NewServer(invoiceService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
