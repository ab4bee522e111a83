// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fruitsalade/filevault/internal/files"
	"github.com/fruitsalade/filevault/internal/storage"
	"github.com/fruitsalade/filevault/internal/storage/azblob"
	"github.com/fruitsalade/filevault/internal/storage/factory"
	"github.com/fruitsalade/filevault/internal/storage/gcs"
	"github.com/fruitsalade/filevault/internal/storage/local"
	"github.com/fruitsalade/filevault/internal/storage/s3"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseDriver string
	DatabaseURL    string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// Uploads
	MaxUploadSize int64

	// Operation scopes
	Files files.Options

	// Storage provider, built once at startup
	Storage factory.Config
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		DatabaseDriver: envOr("DATABASE_DRIVER", DriverPostgres),
		DatabaseURL:    envOr("DATABASE_URL", ""),
		TLSCertFile:    envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:     envOr("TLS_KEY_FILE", ""),
		JWTSecret:      envOr("JWT_SECRET", ""),
		MaxUploadSize:  envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default

		Files: files.Options{
			UploadTimeout:   envDuration("UPLOAD_TIMEOUT", files.DefaultUploadTimeout),
			DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT", files.DefaultDownloadTimeout),
			RemoveTimeout:   envDuration("REMOVE_TIMEOUT", files.DefaultRemoveTimeout),
			PaceInterval:    envDuration("UPLOAD_PACE_INTERVAL", files.DefaultPaceInterval),
			ReclaimTimeout:  envDuration("RECLAIM_TIMEOUT", files.DefaultReclaimTimeout),
		},

		Storage: factory.Config{
			Provider: envOr("STORAGE_PROVIDER", storage.Local),
			Local: local.Config{
				RootPath:   envOr("LOCAL_STORAGE_PATH", "/data/storage"),
				CreateDirs: true,
			},
			S3: s3.Config{
				Endpoint:     envOr("S3_ENDPOINT", ""),
				Region:       envOr("S3_REGION", "us-east-1"),
				Bucket:       envOr("S3_BUCKET", ""),
				AccessKey:    envOr("S3_ACCESS_KEY", ""),
				SecretKey:    envOr("S3_SECRET_KEY", ""),
				UsePathStyle: envBool("S3_USE_PATH_STYLE", false),
			},
			R2: s3.R2Config{
				AccountID: envOr("R2_ACCOUNT_ID", ""),
				Endpoint:  envOr("R2_ENDPOINT", ""),
				Bucket:    envOr("R2_BUCKET", ""),
				AccessKey: envOr("R2_ACCESS_KEY", ""),
				SecretKey: envOr("R2_SECRET_KEY", ""),
			},
			GCS: gcs.Config{
				Bucket:          envOr("GCS_BUCKET", ""),
				CredentialsFile: envOr("GCS_CREDENTIALS_FILE", ""),
				Endpoint:        envOr("GCS_ENDPOINT", ""),
			},
			Azure: azblob.Config{
				AccountName:      envOr("AZURE_ACCOUNT_NAME", ""),
				AccountKey:       envOr("AZURE_ACCOUNT_KEY", ""),
				ConnectionString: envOr("AZURE_CONNECTION_STRING", ""),
				Container:        envOr("AZURE_CONTAINER", ""),
				ServiceURL:       envOr("AZURE_SERVICE_URL", ""),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that are needed before anything is built.
// Remote provider credentials are checked when their client is first used.
func (c *Config) Validate() error {
	if !factory.Known(c.Storage.Provider) {
		return fmt.Errorf("STORAGE_PROVIDER must be one of %v, got %q", factory.Names, c.Storage.Provider)
	}

	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverSQLite:
		if c.DatabaseURL == "" {
			c.DatabaseURL = "/data/filevault.db"
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres, sqlite or memory, got %q", c.DatabaseDriver)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// TLSEnabled reports whether the server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
