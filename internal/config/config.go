package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBURL            = "fitform.db"
	defaultStorageBackend   = "http"
	defaultStorageBucket    = "avatars"
	defaultPhotoBucket      = "photos"
	defaultMandatoryKey     = "avatar_model"
	defaultQueueMode        = "none"
	defaultRedisAddr        = "localhost:6379"
	defaultSubmitAttempts   = 3
	defaultSubmitBackoff    = time.Second
	defaultSubmitBackoffCap = 10 * time.Second
	defaultPollInterval     = 5 * time.Second
	defaultPollMaxAttempts  = 60
	defaultMaxConcurrent    = 8
	defaultSignedURLTTL     = time.Hour
	defaultReaperInterval   = time.Minute
	defaultEstimatedSeconds = 120

	envConfigFile       = "FITFORM_CONFIG"
	envListenAddr       = "FITFORM_LISTEN_ADDR"
	envDBURL            = "FITFORM_DB_URL"
	envLogLevel         = "FITFORM_LOG_LEVEL"
	envProviderBaseURL  = "FITFORM_PROVIDER_BASE_URL"
	envProviderAPIKey   = "FITFORM_PROVIDER_API_KEY"
	envProviderEndpoint = "FITFORM_PROVIDER_ENDPOINT_ID"
	envStorageBackend   = "FITFORM_STORAGE_BACKEND"
	envStorageBaseURL   = "FITFORM_STORAGE_BASE_URL"
	envStorageAPIKey    = "FITFORM_STORAGE_API_KEY"
	envStorageBucket    = "FITFORM_STORAGE_BUCKET"
	envPhotoBucket      = "FITFORM_PHOTO_BUCKET"
	envStorageRegion    = "FITFORM_STORAGE_REGION"
	envQueueMode        = "FITFORM_QUEUE_MODE"
	envRedisAddr        = "FITFORM_REDIS_ADDR"
	envSubmitAttempts   = "FITFORM_SUBMIT_MAX_ATTEMPTS"
	envSubmitBackoff    = "FITFORM_SUBMIT_BACKOFF_BASE"
	envSubmitBackoffCap = "FITFORM_SUBMIT_BACKOFF_CAP"
	envPollInterval     = "FITFORM_POLL_INTERVAL"
	envPollMaxAttempts  = "FITFORM_POLL_MAX_ATTEMPTS"
	envMaxConcurrent    = "FITFORM_MAX_CONCURRENT_JOBS"
	envMandatoryKey     = "FITFORM_MANDATORY_ARTIFACT"
	envSignedURLTTL     = "FITFORM_SIGNED_URL_TTL"
	envReaperInterval   = "FITFORM_REAPER_INTERVAL"
)

// Duration wraps time.Duration so YAML configs can use "5s"-style strings.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds application configuration. Values come from an optional YAML
// file, then environment variables (which win), with sensible defaults.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBURL      string     `yaml:"db_url"`
	LogLevel   slog.Level `yaml:"-"`

	// Compute provider.
	ProviderBaseURL    string `yaml:"provider_base_url"`
	ProviderAPIKey     string `yaml:"provider_api_key"`
	ProviderEndpointID string `yaml:"provider_endpoint_id"`

	// Artifact storage.
	StorageBackend string `yaml:"storage_backend"`
	StorageBaseURL string `yaml:"storage_base_url"`
	StorageAPIKey  string `yaml:"storage_api_key"`
	StorageBucket  string `yaml:"storage_bucket"`
	PhotoBucket    string `yaml:"photo_bucket"`
	StorageRegion  string `yaml:"storage_region"`

	// Dispatch.
	QueueMode     string `yaml:"queue_mode"`
	RedisAddr     string `yaml:"redis_addr"`
	MaxConcurrent int    `yaml:"max_concurrent_jobs"`

	// Pipeline budgets. Both timeout boundaries are configuration, not
	// constants: the submit retry budget and the polling budget.
	SubmitMaxAttempts int      `yaml:"submit_max_attempts"`
	SubmitBackoffBase Duration `yaml:"submit_backoff_base"`
	SubmitBackoffCap  Duration `yaml:"submit_backoff_cap"`
	PollInterval      Duration `yaml:"poll_interval"`
	PollMaxAttempts   int      `yaml:"poll_max_attempts"`

	MandatoryArtifact string   `yaml:"mandatory_artifact"`
	SignedURLTTL      Duration `yaml:"signed_url_ttl"`
	ReaperInterval    Duration `yaml:"reaper_interval"`
	EstimatedSeconds  int      `yaml:"estimated_seconds"`
}

// Load reads configuration. A .env file is loaded first if present, then the
// YAML file named by FITFORM_CONFIG (if any), then individual env vars.
func Load() (Config, error) {
	// Missing .env is fine; it only exists in dev setups.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBURL:             defaultDBURL,
		LogLevel:          slog.LevelInfo,
		StorageBackend:    defaultStorageBackend,
		StorageBucket:     defaultStorageBucket,
		PhotoBucket:       defaultPhotoBucket,
		QueueMode:         defaultQueueMode,
		RedisAddr:         defaultRedisAddr,
		MaxConcurrent:     defaultMaxConcurrent,
		SubmitMaxAttempts: defaultSubmitAttempts,
		SubmitBackoffBase: Duration(defaultSubmitBackoff),
		SubmitBackoffCap:  Duration(defaultSubmitBackoffCap),
		PollInterval:      Duration(defaultPollInterval),
		PollMaxAttempts:   defaultPollMaxAttempts,
		MandatoryArtifact: defaultMandatoryKey,
		SignedURLTTL:      Duration(defaultSignedURLTTL),
		ReaperInterval:    Duration(defaultReaperInterval),
		EstimatedSeconds:  defaultEstimatedSeconds,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyString(&cfg.ListenAddr, envListenAddr)
	applyString(&cfg.DBURL, envDBURL)
	applyString(&cfg.ProviderBaseURL, envProviderBaseURL)
	applyString(&cfg.ProviderAPIKey, envProviderAPIKey)
	applyString(&cfg.ProviderEndpointID, envProviderEndpoint)
	applyString(&cfg.StorageBackend, envStorageBackend)
	applyString(&cfg.StorageBaseURL, envStorageBaseURL)
	applyString(&cfg.StorageAPIKey, envStorageAPIKey)
	applyString(&cfg.StorageBucket, envStorageBucket)
	applyString(&cfg.PhotoBucket, envPhotoBucket)
	applyString(&cfg.StorageRegion, envStorageRegion)
	applyString(&cfg.QueueMode, envQueueMode)
	applyString(&cfg.RedisAddr, envRedisAddr)
	applyString(&cfg.MandatoryArtifact, envMandatoryKey)
	applyInt(&cfg.MaxConcurrent, envMaxConcurrent)
	applyInt(&cfg.SubmitMaxAttempts, envSubmitAttempts)
	applyInt(&cfg.PollMaxAttempts, envPollMaxAttempts)
	applyDuration(&cfg.SubmitBackoffBase, envSubmitBackoff)
	applyDuration(&cfg.SubmitBackoffCap, envSubmitBackoffCap)
	applyDuration(&cfg.PollInterval, envPollInterval)
	applyDuration(&cfg.SignedURLTTL, envSignedURLTTL)
	applyDuration(&cfg.ReaperInterval, envReaperInterval)

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg, nil
}

// PipelineBudget returns the worst-case wall-clock duration of one job:
// the full submission retry budget plus the full polling budget. The reaper
// uses it as the staleness threshold, and signed input URLs must outlive it.
func (c Config) PipelineBudget() time.Duration {
	submit := time.Duration(c.SubmitMaxAttempts) * time.Duration(c.SubmitBackoffCap)
	poll := time.Duration(c.PollMaxAttempts) * time.Duration(c.PollInterval)
	return submit + poll
}

func applyString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func applyDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = Duration(d)
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
