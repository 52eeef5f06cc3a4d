// Package config loads engine configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("workflow.yaml").
//	    WithEnvPrefix("WORKFLOW").
//	    Load()
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/auterity/workflow-engine/types"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config is the complete engine configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`
	Redis   RedisConfig   `yaml:"redis" env:"REDIS"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	AI      AIConfig      `yaml:"ai" env:"AI"`
	MinIO   MinIOConfig   `yaml:"minio" env:"MINIO"`
}

// EngineConfig tunes scheduling and retries.
type EngineConfig struct {
	// MaxParallelSteps bounds in-flight steps across every run of the engine.
	MaxParallelSteps int `yaml:"max_parallel_steps" env:"MAX_PARALLEL_STEPS"`
	// DefaultMaxRetries applies to steps without their own max_retries.
	DefaultMaxRetries int `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	// StepTimeout bounds a single attempt. Zero disables the bound.
	StepTimeout     time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	FailurePolicy   string        `yaml:"failure_policy" env:"FAILURE_POLICY"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RetryMultiplier float64       `yaml:"retry_multiplier" env:"RETRY_MULTIPLIER"`
	RetryJitter     bool          `yaml:"retry_jitter" env:"RETRY_JITTER"`
	EventBufferSize int           `yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE"`
}

// StorageConfig selects the run store.
type StorageConfig struct {
	// Driver is "memory" or "redis".
	Driver string `yaml:"driver" env:"DRIVER"`
	// RunTTL expires finished runs in Redis. Zero keeps them.
	RunTTL time.Duration `yaml:"run_ttl" env:"RUN_TTL"`
}

// RedisConfig configures the Redis run store.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// AIConfig configures the AI step executor.
type AIConfig struct {
	Model string `yaml:"model" env:"MODEL"`
	// RateLimit is the number of inference calls allowed per second. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"BURST"`
}

// MinIOConfig configures the object storage sink for output steps.
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxParallelSteps <= 0 {
		errs = append(errs, "engine.max_parallel_steps must be positive")
	}
	if c.Engine.DefaultMaxRetries < 0 {
		errs = append(errs, "engine.default_max_retries must not be negative")
	}
	if c.Engine.StepTimeout < 0 {
		errs = append(errs, "engine.step_timeout must not be negative")
	}
	if !types.FailurePolicy(c.Engine.FailurePolicy).Valid() {
		errs = append(errs, fmt.Sprintf("unknown engine.failure_policy %q", c.Engine.FailurePolicy))
	}
	if c.Engine.RetryBaseDelay < 0 || c.Engine.RetryMaxDelay < 0 {
		errs = append(errs, "engine retry delays must not be negative")
	}
	if c.Engine.RetryMultiplier != 0 && c.Engine.RetryMultiplier < 1 {
		errs = append(errs, "engine.retry_multiplier must be at least 1")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis storage driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}

	if c.AI.RateLimit < 0 {
		errs = append(errs, "ai.rate_limit must not be negative")
	}
	if c.MinIO.Enabled && (c.MinIO.Endpoint == "" || c.MinIO.Bucket == "") {
		errs = append(errs, "minio.endpoint and minio.bucket are required when minio is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
