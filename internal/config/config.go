// Package config provides centralized configuration for fmucheck.
// Values come from defaults, then an optional YAML file, then environment
// variables (including .env.local), each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFile is loaded on startup when present. Real environment variables win.
const EnvFile = ".env.local"

// Config holds all server and worker configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string `yaml:"port"`

	// DataDir holds artifacts/, results/ and the ledger database.
	DataDir string `yaml:"data_dir"`

	// DBPath is the SQLite ledger file. Empty means <DataDir>/fmucheck.db.
	DBPath string `yaml:"db_path"`

	// WorkerBinary is the executable spawned for each job. Empty means the
	// running executable.
	WorkerBinary string `yaml:"worker_binary"`

	// Analyzer selects the analyzer run by workers: "fmu" or "stub".
	Analyzer string `yaml:"analyzer"`

	// JobLease bounds how long a claim stays valid without a result.
	JobLease time.Duration `yaml:"job_lease"`

	// MaxAttempts is how many workers may be started for one digest.
	MaxAttempts int `yaml:"job_max_attempts"`

	// ReaperInterval is how often expired leases are resolved.
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// PollInterval is the cadence suggested to polling clients.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxUploadBytes limits the size of a submitted artifact.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// ResultCacheEntries bounds the in-memory cache of decoded results.
	ResultCacheEntries int `yaml:"result_cache_entries"`

	// UploadRate is the sustained number of uploads per second; UploadBurst
	// the bucket size. A rate of 0 disables limiting.
	UploadRate  float64 `yaml:"upload_rate"`
	UploadBurst int     `yaml:"upload_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string `yaml:"cors_origin"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:               "8080",
		DataDir:            "work",
		Analyzer:           "fmu",
		JobLease:           10 * time.Minute,
		MaxAttempts:        3,
		ReaperInterval:     30 * time.Second,
		PollInterval:       500 * time.Millisecond,
		MaxUploadBytes:     64 << 20,
		ResultCacheEntries: 1024,
		UploadRate:         5,
		UploadBurst:        10,
		LogLevel:           "info",
		LogFormat:          "text",
		CORSOrigin:         "*",
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, FMUCHECK_CONFIG is consulted.
func Load(path string) (Config, error) {
	loadEnvFile(EnvFile)

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("FMUCHECK_CONFIG")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOr("PORT", c.Port)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.DBPath = envOr("DB_PATH", c.DBPath)
	c.WorkerBinary = envOr("WORKER_BINARY", c.WorkerBinary)
	c.Analyzer = envOr("ANALYZER", c.Analyzer)
	c.JobLease = envDuration("JOB_LEASE", c.JobLease)
	c.MaxAttempts = envInt("JOB_MAX_ATTEMPTS", c.MaxAttempts)
	c.ReaperInterval = envDuration("REAPER_INTERVAL", c.ReaperInterval)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval)
	c.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	c.ResultCacheEntries = envInt("RESULT_CACHE_ENTRIES", c.ResultCacheEntries)
	c.UploadRate = envFloat("UPLOAD_RATE", c.UploadRate)
	c.UploadBurst = envInt("UPLOAD_BURST", c.UploadBurst)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.OTLPEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.CORSOrigin = envOr("CORS_ORIGIN", c.CORSOrigin)
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.JobLease <= 0 {
		errs = append(errs, errors.New("job_lease must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("job_max_attempts must be at least 1"))
	}
	if c.ReaperInterval <= 0 {
		errs = append(errs, errors.New("reaper_interval must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.Analyzer != "fmu" && c.Analyzer != "stub" {
		errs = append(errs, fmt.Errorf("unknown analyzer %q", c.Analyzer))
	}
	return errors.Join(errs...)
}

// ArtifactsDir is where submitted bytes are stored.
func (c Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// ResultsDir is where result records are published.
func (c Config) ResultsDir() string {
	return filepath.Join(c.DataDir, "results")
}

// LedgerPath is the SQLite database file.
func (c Config) LedgerPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "fmucheck.db")
}

// loadEnvFile sets variables from a dotenv file without overriding the
// real environment. A missing file is not an error.
func loadEnvFile(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring env file", "path", path, "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
