// Package config externalizes every tunable the protocol depends on: rate
// windows and limits, lock and cache TTLs, the daily budget cap. Values come
// from an optional YAML file (CONFIG_PATH) with environment overrides on
// top, so deployments can tune without rebuilding.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         string `yaml:"port"`
	CacheBackend string `yaml:"cacheBackend"` // "memory" or "redis"
	RedisAddr    string `yaml:"redisAddr"`
	KeyPrefix    string `yaml:"keyPrefix"`
	PostgresDSN  string `yaml:"postgresDSN"` // empty disables the durable archive

	LogicVersion string `yaml:"logicVersion"`

	GenBaseURL string `yaml:"genBaseURL"`
	GenAPIKey  string `yaml:"genAPIKey"`
	GenModel   string `yaml:"genModel"`

	ContentTTL        time.Duration `yaml:"contentTTL"`
	IdempotencyTTL    time.Duration `yaml:"idempotencyTTL"`
	LockTTL           time.Duration `yaml:"lockTTL"`
	GenerationTimeout time.Duration `yaml:"generationTimeout"`

	WaitPollInterval    time.Duration `yaml:"waitPollInterval"`
	WaitPollMaxAttempts int           `yaml:"waitPollMaxAttempts"`

	Cooldown        time.Duration `yaml:"cooldown"`
	BurstLimit      int64         `yaml:"burstLimit"`
	BurstWindow     time.Duration `yaml:"burstWindow"`
	SustainedLimit  int64         `yaml:"sustainedLimit"`
	SustainedWindow time.Duration `yaml:"sustainedWindow"`

	DailyBudgetUnits int64 `yaml:"dailyBudgetUnits"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:         "8080",
		CacheBackend: "memory",
		RedisAddr:    "127.0.0.1:6379",
		KeyPrefix:    "solara",
		LogicVersion: "v1",

		GenBaseURL: "https://api.openai.com",

		ContentTTL:        24 * time.Hour,
		IdempotencyTTL:    5 * time.Minute,
		LockTTL:           2 * time.Minute,
		GenerationTimeout: 60 * time.Second,

		WaitPollInterval:    500 * time.Millisecond,
		WaitPollMaxAttempts: 20,

		Cooldown:        2 * time.Second,
		BurstLimit:      10,
		BurstWindow:     10 * time.Second,
		SustainedLimit:  60,
		SustainedWindow: time.Hour,

		DailyBudgetUnits: 2_000_000,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getenv("PORT", c.Port)
	c.CacheBackend = getenv("CACHE_BACKEND", c.CacheBackend)
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.KeyPrefix = getenv("KEY_PREFIX", c.KeyPrefix)
	c.PostgresDSN = getenv("POSTGRES_DSN", c.PostgresDSN)
	c.LogicVersion = getenv("LOGIC_VERSION", c.LogicVersion)

	c.GenBaseURL = getenv("GEN_BASE_URL", c.GenBaseURL)
	c.GenAPIKey = getenv("GEN_API_KEY", c.GenAPIKey)
	c.GenModel = getenv("GEN_MODEL", c.GenModel)

	c.ContentTTL = getenvDuration("CONTENT_TTL", c.ContentTTL)
	c.IdempotencyTTL = getenvDuration("IDEMPOTENCY_TTL", c.IdempotencyTTL)
	c.LockTTL = getenvDuration("LOCK_TTL", c.LockTTL)
	c.GenerationTimeout = getenvDuration("GENERATION_TIMEOUT", c.GenerationTimeout)

	c.WaitPollInterval = getenvDuration("WAIT_POLL_INTERVAL", c.WaitPollInterval)
	c.WaitPollMaxAttempts = getenvInt("WAIT_POLL_MAX_ATTEMPTS", c.WaitPollMaxAttempts)

	c.Cooldown = getenvDuration("RATE_COOLDOWN", c.Cooldown)
	c.BurstLimit = getenvInt64("RATE_BURST_LIMIT", c.BurstLimit)
	c.BurstWindow = getenvDuration("RATE_BURST_WINDOW", c.BurstWindow)
	c.SustainedLimit = getenvInt64("RATE_SUSTAINED_LIMIT", c.SustainedLimit)
	c.SustainedWindow = getenvDuration("RATE_SUSTAINED_WINDOW", c.SustainedWindow)

	c.DailyBudgetUnits = getenvInt64("DAILY_BUDGET_UNITS", c.DailyBudgetUnits)
}

func (c *Config) validate() error {
	if c.LockTTL <= c.GenerationTimeout {
		// A lock that can expire under a live generation admits duplicates.
		return fmt.Errorf("lockTTL (%s) must exceed generationTimeout (%s)",
			c.LockTTL, c.GenerationTimeout)
	}
	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
