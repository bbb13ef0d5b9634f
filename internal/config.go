package internal

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the server configuration, read from the environment
type Config struct {
	Port           string
	DBPathPrefix   string
	Defaults       ConversionOptions
	MaxUploadBytes int64
	CORSOrigins    []string
	ArtifactTTL    time.Duration
	WatchInterval  time.Duration
	Workers        int
}

var defaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:3000",
	"http://localhost:8081",
}

// LoadConfig reads the configuration from environment variables, applying defaults
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:         envOr("PORT", "8081"),
		DBPathPrefix: envOr("DB_PATH_PREFIX", "."),
		Defaults: ConversionOptions{
			NewFormat: strings.ToLower(envOr("DEFAULT_FORMAT", "jpeg")),
		},
		CORSOrigins: defaultCORSOrigins,
	}

	var err error
	if cfg.Defaults.MaxSize, err = envInt("DEFAULT_MAX_SIZE", 1000); err != nil {
		return Config{}, err
	}
	if cfg.Defaults.Quality, err = envInt("JPEG_QUALITY", 85); err != nil {
		return Config{}, err
	}
	uploadMB, err := envInt("MAX_UPLOAD_MB", 64)
	if err != nil {
		return Config{}, err
	}
	if uploadMB <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	cfg.MaxUploadBytes = int64(uploadMB) << 20

	if cfg.Workers, err = envInt("CONVERT_WORKERS", runtime.NumCPU()); err != nil {
		return Config{}, err
	}
	if cfg.ArtifactTTL, err = envDuration("ARTIFACT_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.WatchInterval, err = envDuration("WATCH_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := ValidateOptions(cfg.Defaults); err != nil {
		return Config{}, fmt.Errorf("invalid default options: %w", err)
	}
	return cfg, nil
}

// DBPath is the sqlite file holding history, settings and API keys
func (c Config) DBPath() string {
	return c.DBPathPrefix + "/dropconv.db"
}

// DataDir is the root of the watch folder tree
func (c Config) DataDir() string {
	return c.DBPathPrefix + "/data"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
