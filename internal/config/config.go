// Package config loads server settings from the environment.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		// Remove surrounding quotes
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultPort             = "4200"
	defaultEnvironment      = "development"
	defaultStoreDriver      = "postgres"
	defaultMigrationsDir    = "migrations"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultBlobDriver       = "fs"
	defaultBlobFSRoot       = "./data/attachments"
	defaultBlobS3Region     = "us-east-1"
	defaultDueSweepSchedule = "@every 15m"
	defaultUpdateMaxRetries = 3
	defaultMaxUploadBytes   = 20 << 20
	defaultShutdownTimeout  = 15 * time.Second
)

type LogConfig struct {
	Level  string
	Format string
}

type BlobConfig struct {
	Driver      string
	FSRoot      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type DueSweepConfig struct {
	Enabled  bool
	Schedule string
	Timezone string
}

type Config struct {
	Port               string
	DatabaseURL        string
	Environment        string
	StoreDriver        string
	AutoMigrate        bool
	MigrationsDir      string
	Log                LogConfig
	Blob               BlobConfig
	DueSweep           DueSweepConfig
	UpdateMaxRetries   int
	MaxUploadBytes     int64
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Port:          firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment:   resolveEnvironment(),
		StoreDriver:   strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("STORE_DRIVER")), defaultStoreDriver)),
		MigrationsDir: firstNonEmpty(strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")), defaultMigrationsDir),
		Log: LogConfig{
			Level:  strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), defaultLogLevel)),
			Format: strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_FORMAT")), defaultLogFormat)),
		},
		Blob: BlobConfig{
			Driver:     strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_DRIVER")), defaultBlobDriver)),
			FSRoot:     firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_FS_ROOT")), defaultBlobFSRoot),
			S3Bucket:   strings.TrimSpace(os.Getenv("BLOB_S3_BUCKET")),
			S3Region:   firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_S3_REGION")), defaultBlobS3Region),
			S3Endpoint: strings.TrimSpace(os.Getenv("BLOB_S3_ENDPOINT")),
		},
		DueSweep: DueSweepConfig{
			Schedule: firstNonEmpty(strings.TrimSpace(os.Getenv("DUE_SWEEP_SCHEDULE")), defaultDueSweepSchedule),
			Timezone: firstNonEmpty(strings.TrimSpace(os.Getenv("DUE_SWEEP_TIMEZONE")), "UTC"),
		},
		CORSAllowedOrigins: parseList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	autoMigrate, err := parseBool("AUTO_MIGRATE", true)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoMigrate = autoMigrate

	pathStyle, err := parseBool("BLOB_S3_PATH_STYLE", false)
	if err != nil {
		return Config{}, err
	}
	cfg.Blob.S3PathStyle = pathStyle

	sweepEnabled, err := parseBool("DUE_SWEEP_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	cfg.DueSweep.Enabled = sweepEnabled

	retries, err := parseInt("UPDATE_MAX_RETRIES", defaultUpdateMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.UpdateMaxRetries = retries

	maxUpload, err := parseInt("MAX_UPLOAD_BYTES", defaultMaxUploadBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout = shutdownTimeout

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
		if isNonDevelopment(c.Environment) {
			return fmt.Errorf("STORE_DRIVER=memory is only allowed in development environments")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}

	if c.AutoMigrate && c.StoreDriver == "postgres" && c.MigrationsDir == "" {
		return fmt.Errorf("MIGRATIONS_DIR must not be empty when AUTO_MIGRATE is enabled")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	switch c.Blob.Driver {
	case "fs":
		if c.Blob.FSRoot == "" {
			return fmt.Errorf("BLOB_FS_ROOT must not be empty when BLOB_DRIVER=fs")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER=s3")
		}
	case "memory":
	default:
		return fmt.Errorf("BLOB_DRIVER must be fs, s3 or memory, got %q", c.Blob.Driver)
	}

	if c.DueSweep.Enabled {
		if _, err := cron.ParseStandard(c.DueSweep.Schedule); err != nil {
			return fmt.Errorf("DUE_SWEEP_SCHEDULE must be a valid cron spec: %w", err)
		}
		if _, err := time.LoadLocation(c.DueSweep.Timezone); err != nil {
			return fmt.Errorf("DUE_SWEEP_TIMEZONE is invalid: %w", err)
		}
	}

	if c.UpdateMaxRetries <= 0 {
		return fmt.Errorf("UPDATE_MAX_RETRIES must be greater than zero")
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than zero")
	}

	return nil
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		defaultEnvironment,
	))
}

func isNonDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
