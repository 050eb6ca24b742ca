package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKey, when set, must be presented as a Bearer token on /v1 routes.
	APIKey string `yaml:"apiKey"`
}

type DatabaseConfig struct {
	// DSN is a Postgres connection string. When empty the service keeps
	// all state in memory, which is only suitable for local runs.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig controls the queue consumer that executes job steps.
type WorkerConfig struct {
	MaxConcurrentSteps  int  `yaml:"maxConcurrentSteps"`
	PollIntervalMs      int  `yaml:"pollIntervalMs"`
	SoftTimeLimitSec    int  `yaml:"softTimeLimitSec"`
	HardTimeLimitSec    int  `yaml:"hardTimeLimitSec"`
	MaxDeliveries       int  `yaml:"maxDeliveries"`
	VisibilityTimeoutMs int  `yaml:"visibilityTimeoutMs"`
	RetryInitialMs      int  `yaml:"retryInitialMs"`
	RetryMaxMs          int  `yaml:"retryMaxMs"`
	ReconcileOnStartup  bool `yaml:"reconcileOnStartup"`
}

// LockConfig controls the per-feed admission lock.
type LockConfig struct {
	TTLMinutes   int `yaml:"ttlMinutes"`
	RetryDelayMs int `yaml:"retryDelayMs"`
	MaxAttempts  int `yaml:"maxAttempts"`
}

type ScraperConfig struct {
	UserAgent      string  `yaml:"userAgent"`
	TimeoutMs      int     `yaml:"timeoutMs"`
	RespectRobots  bool    `yaml:"respectRobots"`
	RequestsPerSec float64 `yaml:"requestsPerSec"`
	Burst          int     `yaml:"burst"`
}

type RodConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrowserURL string `yaml:"browserURL"`
	TimeoutMs  int    `yaml:"timeoutMs"`
}

type PDFConfig struct {
	DefaultCookieMode string `yaml:"defaultCookieMode"`
}

// ExtractionConfig selects the default extraction profile used when a
// job does not name one.
type ExtractionConfig struct {
	DefaultProfile string `yaml:"defaultProfile"`
}

// VulnerabilitiesConfig configures the vulnerability enrichment source
// used by SYNC_VULNERABILITIES jobs.
type VulnerabilitiesConfig struct {
	BaseURL        string  `yaml:"baseURL"`
	APIKey         string  `yaml:"apiKey"`
	BatchSize      int     `yaml:"batchSize"`
	RequestsPerSec float64 `yaml:"requestsPerSec"`
	TimeoutMs      int     `yaml:"timeoutMs"`
}

// RetentionConfig controls deletion of finished jobs so the jobs table
// does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	JobDays                int  `yaml:"jobDays"`
}

type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Redis           RedisConfig           `yaml:"redis"`
	Logging         LoggingConfig         `yaml:"logging"`
	Worker          WorkerConfig          `yaml:"worker"`
	Lock            LockConfig            `yaml:"lock"`
	Scraper         ScraperConfig         `yaml:"scraper"`
	Rod             RodConfig             `yaml:"rod"`
	PDF             PDFConfig             `yaml:"pdf"`
	Extraction      ExtractionConfig      `yaml:"extraction"`
	Vulnerabilities VulnerabilitiesConfig `yaml:"vulnerabilities"`
	Retention       RetentionConfig       `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return cfg
}

// Parse decodes a YAML config and fills in defaults for anything left unset.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Worker.HardTimeLimitSec < cfg.Worker.SoftTimeLimitSec {
		return nil, fmt.Errorf("worker.hardTimeLimitSec (%d) must not be below worker.softTimeLimitSec (%d)",
			cfg.Worker.HardTimeLimitSec, cfg.Worker.SoftTimeLimitSec)
	}
	// A step still inside its hard limit must not become visible again.
	if int64(cfg.Worker.VisibilityTimeoutMs) <= int64(cfg.Worker.HardTimeLimitSec)*1000 {
		return nil, fmt.Errorf("worker.visibilityTimeoutMs (%d) must be above worker.hardTimeLimitSec (%d) in milliseconds",
			cfg.Worker.VisibilityTimeoutMs, cfg.Worker.HardTimeLimitSec)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "obstracts"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	w := &c.Worker
	if w.MaxConcurrentSteps <= 0 {
		w.MaxConcurrentSteps = 4
	}
	if w.PollIntervalMs <= 0 {
		w.PollIntervalMs = 500
	}
	if w.SoftTimeLimitSec <= 0 {
		w.SoftTimeLimitSec = 300
	}
	if w.HardTimeLimitSec <= 0 {
		w.HardTimeLimitSec = 360
	}
	if w.MaxDeliveries <= 0 {
		w.MaxDeliveries = 5
	}
	if w.VisibilityTimeoutMs <= 0 {
		w.VisibilityTimeoutMs = 10 * 60 * 1000
	}
	if w.RetryInitialMs <= 0 {
		w.RetryInitialMs = 1000
	}
	if w.RetryMaxMs <= 0 {
		w.RetryMaxMs = 60 * 1000
	}

	if c.Lock.TTLMinutes <= 0 {
		c.Lock.TTLMinutes = 120
	}
	if c.Lock.RetryDelayMs <= 0 {
		c.Lock.RetryDelayMs = 10 * 1000
	}
	if c.Lock.MaxAttempts <= 0 {
		c.Lock.MaxAttempts = 300
	}

	if c.Scraper.UserAgent == "" {
		c.Scraper.UserAgent = "obstracts/1.0"
	}
	if c.Scraper.TimeoutMs <= 0 {
		c.Scraper.TimeoutMs = 30 * 1000
	}
	if c.Scraper.RequestsPerSec <= 0 {
		c.Scraper.RequestsPerSec = 2
	}
	if c.Scraper.Burst <= 0 {
		c.Scraper.Burst = 1
	}
	if c.Rod.TimeoutMs <= 0 {
		c.Rod.TimeoutMs = 60 * 1000
	}
	if c.PDF.DefaultCookieMode == "" {
		c.PDF.DefaultCookieMode = "remove"
	}
	if c.Extraction.DefaultProfile == "" {
		c.Extraction.DefaultProfile = "standard"
	}

	v := &c.Vulnerabilities
	if v.BaseURL == "" {
		v.BaseURL = "https://services.nvd.nist.gov"
	}
	if v.BatchSize <= 0 {
		v.BatchSize = 100
	}
	if v.RequestsPerSec <= 0 {
		v.RequestsPerSec = 0.15
	}
	if v.TimeoutMs <= 0 {
		v.TimeoutMs = 30 * 1000
	}

	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
}

// LockTTL is the lifetime of a feed admission lock. It should exceed the
// longest realistic job because the lock is never renewed.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLMinutes) * time.Minute
}

func (c *Config) LockRetryDelay() time.Duration {
	return time.Duration(c.Lock.RetryDelayMs) * time.Millisecond
}

func (c *Config) SoftTimeLimit() time.Duration {
	return time.Duration(c.Worker.SoftTimeLimitSec) * time.Second
}

func (c *Config) HardTimeLimit() time.Duration {
	return time.Duration(c.Worker.HardTimeLimitSec) * time.Second
}
