package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the forensicd server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Analyzer AnalyzerConfig
	Locks    LockConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AnalyzerConfig describes the external analysis binary and how the
// orchestrator's filesystem view maps onto the subprocess's view.
type AnalyzerConfig struct {
	BinaryPath      string
	DestinationRoot string
	// PathPrefixFrom/To translate evidence paths when the subprocess runs
	// in a different filesystem namespace. Empty means no translation.
	PathPrefixFrom string
	PathPrefixTo   string
	JobTimeout     time.Duration
	CleanupTimeout time.Duration
}

type LockConfig struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	QueueDepth   int
	PersistEvery int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FORENSICD_PORT", 8080),
			Env:  envString("FORENSICD_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Analyzer: AnalyzerConfig{
			BinaryPath:      os.Getenv("FORENSICD_ANALYZER_BIN"),
			DestinationRoot: envString("FORENSICD_DEST_ROOT", "/var/lib/forensicd/output"),
			PathPrefixFrom:  os.Getenv("FORENSICD_PATH_PREFIX_FROM"),
			PathPrefixTo:    os.Getenv("FORENSICD_PATH_PREFIX_TO"),
			JobTimeout:      envDuration("FORENSICD_JOB_TIMEOUT", 12*time.Hour),
			CleanupTimeout:  envDuration("FORENSICD_CLEANUP_TIMEOUT", 30*time.Second),
		},
		Locks: LockConfig{
			TTL:            envDuration("FORENSICD_LOCK_TTL", 90*time.Minute),
			AcquireTimeout: envDuration("FORENSICD_LOCK_ACQUIRE_TIMEOUT", 2*time.Hour),
			PollInterval:   envDuration("FORENSICD_LOCK_POLL_INTERVAL", 3*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:  envInt("FORENSICD_WORKERS", 2),
			QueueDepth:   envInt("FORENSICD_QUEUE_DEPTH", 256),
			PersistEvery: envInt("FORENSICD_PERSIST_EVERY", 25),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Analyzer.BinaryPath == "" {
		return fmt.Errorf("FORENSICD_ANALYZER_BIN is required")
	}
	if !filepath.IsAbs(c.Analyzer.BinaryPath) {
		return fmt.Errorf("FORENSICD_ANALYZER_BIN must be an absolute path, got %q", c.Analyzer.BinaryPath)
	}

	if c.Locks.TTL < time.Minute {
		return fmt.Errorf("FORENSICD_LOCK_TTL must be at least 1m, got %s", c.Locks.TTL)
	}
	if c.Locks.PollInterval <= 0 {
		return fmt.Errorf("FORENSICD_LOCK_POLL_INTERVAL must be positive, got %s", c.Locks.PollInterval)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("FORENSICD_WORKERS must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PersistEvery < 1 {
		return fmt.Errorf("FORENSICD_PERSIST_EVERY must be at least 1, got %d", c.Worker.PersistEvery)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
