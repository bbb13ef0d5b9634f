package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lowcarbdev/dropconv/internal"
	"golang.org/x/term"
)

var logger *slog.Logger

func main() {
	// Parse CLI flags
	convert := flag.Bool("convert", false, "Convert the files given as arguments and exit")
	outDir := flag.String("out", ".", "Output directory for -convert")
	format := flag.String("format", "", "Output format for -convert (default from DEFAULT_FORMAT)")
	maxSize := flag.Int("max-size", -1, "Longest side of HEIC output for -convert, 0 for no limit (default from DEFAULT_MAX_SIZE)")
	quality := flag.Int("quality", 0, "JPEG quality 1-100 for -convert (default from JPEG_QUALITY)")
	simpleHeic := flag.Bool("simple-heic", false, "Re-encode HEIC pixels straight to JPEG without resizing")
	addKey := flag.String("add-key", "", "Create an API key with the given name (prompts for the key)")
	deleteKey := flag.String("delete-key", "", "Delete the API key with the given name")
	listKeys := flag.Bool("list-keys", false, "List all API keys")
	noWatch := flag.Bool("no-watch", false, "Disable the watch folder service")
	journalMode := flag.Bool("journal", false, "Use rollback journal mode instead of WAL (for network filesystems)")
	flag.Parse()

	// Use WAL mode by default, unless -journal flag is set
	internal.UseWALMode = !*journalMode

	// Initialize slog logger
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := internal.LoadConfig()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// One-shot CLI conversion does not touch the database
	if *convert {
		opts := cfg.Defaults
		if *format != "" {
			opts.NewFormat = strings.ToLower(*format)
		}
		if *maxSize >= 0 {
			opts.MaxSize = *maxSize
		}
		if *quality > 0 {
			opts.Quality = *quality
		}
		if err := runConvert(cfg, opts, *simpleHeic, *outDir, flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Initialize database
	dbPath := cfg.DBPath()
	if err := internal.InitDB(dbPath); err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer internal.CloseDB()
	logger.Info("Database initialized", "path", dbPath)

	// Handle key management if requested
	if *addKey != "" {
		if err := handleAddKey(*addKey); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if *deleteKey != "" {
		if err := internal.DeleteAPIKey(*deleteKey); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("API key '%s' deleted\n", *deleteKey)
		os.Exit(0)
	}
	if *listKeys {
		if err := handleListKeys(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := internal.InitConversion(cfg); err != nil {
		logger.Error("Failed to initialize conversion", "error", err)
		os.Exit(1)
	}
	internal.Artifacts().Start()
	defer internal.Artifacts().Stop()

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(internal.CustomCORSMiddleware(cfg.CORSOrigins))

	// Public routes
	api := e.Group("/api", internal.NoCacheMiddleware)
	api.POST("/convert", internal.HandleConvert)
	api.GET("/download/:id", internal.HandleDownload)
	api.POST("/inspect", internal.HandleInspect)
	api.GET("/formats", internal.HandleFormats)

	// Protected routes (API key required once one exists)
	protected := e.Group("/api")
	protected.Use(internal.APIKeyMiddleware)
	protected.Use(internal.NoCacheMiddleware)

	protected.GET("/conversions", internal.HandleConversions)
	protected.DELETE("/conversions", internal.HandleDeleteConversions)
	protected.GET("/stats", internal.HandleStats)
	protected.GET("/settings", internal.HandleGetSettings)
	protected.PUT("/settings", internal.HandleUpdateSettings)

	// Health check
	e.GET("/api/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// Version endpoint (public)
	e.GET("/api/version", internal.HandleVersion)

	// Serve the drop page from frontend/dist if it exists
	if _, err := os.Stat("./frontend/dist"); err == nil {
		e.Static("/assets", "./frontend/dist/assets")
		e.File("/favicon.ico", "./frontend/dist/favicon.ico")

		// SPA fallback - must be last so it doesn't interfere with API routes
		e.GET("/*", func(c echo.Context) error {
			return c.File("./frontend/dist/index.html")
		})

		logger.Info("Serving static files from ./frontend/dist with SPA routing support")
	}

	// Start watch folder service
	if !*noWatch {
		conv, err := newConverter(cfg, false)
		if err != nil {
			logger.Error("Failed to create converter", "error", err)
			os.Exit(1)
		}
		watch := internal.NewAutoConvertService(cfg.DataDir(), cfg.WatchInterval, cfg.Workers, conv)
		watch.Start()
		defer watch.Stop()
	}

	// Create HTTP server with timeouts sized for large uploads
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		ReadHeaderTimeout: 1 * time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20, // 1 MB max header size
	}

	logger.Info("Server starting", "port", cfg.Port, "heic_backend", internal.HEICBackend, "max_upload_bytes", cfg.MaxUploadBytes)

	e.Server = server
	// Start server
	if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed to start", "error", err)
		os.Exit(1)
	}
}

func newConverter(cfg internal.Config, simpleHeic bool) (*internal.Converter, error) {
	codec, err := internal.LoadCodec(cfg.Defaults.Quality)
	if err != nil {
		return nil, err
	}
	return internal.NewConverter(codec, internal.NewHEICDecoder, internal.ConverterConfig{SimpleHeic: simpleHeic})
}

// runConvert converts files from the command line into outDir
func runConvert(cfg internal.Config, opts internal.ConversionOptions, simpleHeic bool, outDir string, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no input files given")
	}
	if err := internal.ValidateOptions(opts); err != nil {
		return err
	}

	conv, err := newConverter(cfg, simpleHeic)
	if err != nil {
		return err
	}

	var files []internal.InputFile
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = append(files, internal.InputFile{
			Name:              filepath.Base(path),
			Bytes:             data,
			DeclaredMediaType: internal.DeclaredMediaType("", path),
		})
	}

	out := &internal.DirEmitter{Dir: outDir}
	failed := 0
	for _, result := range conv.ConvertBatch(files, opts, cfg.Workers) {
		if result.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", result.File.Name, result.Err)
			continue
		}
		path, err := out.EmitPath(*result.Artifact)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", result.File.Name, err)
			continue
		}
		fmt.Printf("%s -> %s (%s, %d bytes)\n", result.File.Name, path, result.Pipeline, len(result.Artifact.Bytes))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// handleAddKey prompts for a key and stores its hash. An empty key generates one.
func handleAddKey(name string) error {
	fmt.Print("Enter API key (empty to generate): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	key := string(keyBytes)
	generated := false
	if key == "" {
		if key, err = internal.GenerateAPIKey(); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		generated = true
	} else {
		// Prompt for key confirmation
		fmt.Print("Confirm API key: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read key confirmation: %w", err)
		}
		if key != string(confirmBytes) {
			return fmt.Errorf("keys do not match")
		}
	}

	if _, err := internal.CreateAPIKey(name, key); err != nil {
		return err
	}

	if generated {
		fmt.Printf("API key '%s' created. It will not be shown again:\n%s\n", name, key)
	} else {
		fmt.Printf("API key '%s' created\n", name)
	}
	return nil
}

// handleListKeys lists all API keys with their creation and last use times
func handleListKeys() error {
	keys, err := internal.ListAPIKeys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found. Protected routes are open.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tLAST USED")
	fmt.Fprintln(w, "----\t-------\t---------")

	for _, key := range keys {
		lastUsed := "never"
		if key.LastUsed != nil {
			lastUsed = key.LastUsed.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", key.Name, key.CreatedAt.Format(time.RFC3339), lastUsed)
	}

	w.Flush()
	return nil
}
