package config

import "time"

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Engine:  DefaultEngineConfig(),
		Storage: StorageConfig{Driver: StorageMemory},
		Redis:   DefaultRedisConfig(),
		Log:     DefaultLogConfig(),
		Metrics: MetricsConfig{Enabled: true, Namespace: "workflow"},
		AI:      AIConfig{Model: "default", Burst: 1},
		MinIO:   MinIOConfig{Bucket: "workflow-outputs"},
	}
}

// DefaultEngineConfig returns the default scheduling and retry settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelSteps:  4,
		DefaultMaxRetries: 3,
		StepTimeout:       30 * time.Second,
		FailurePolicy:     "stop_on_first_failure",
		RetryBaseDelay:    200 * time.Millisecond,
		RetryMaxDelay:     30 * time.Second,
		RetryMultiplier:   2,
		EventBufferSize:   256,
	}
}

// DefaultRedisConfig returns the default Redis connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		KeyPrefix:    "run:",
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
