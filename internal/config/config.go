// Package config loads the orchestrator's process-wide configuration from
// the environment, following the platform convention of typed getenv
// helpers with defaults rather than a config-file framework.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator's static configuration. Per-request overrides
// (mode, tier_override, validation flags) live on ExecutionRequest.Options
// and are layered on top of these defaults at dispatch time.
type Config struct {
	ListenAddr   string
	DataDir      string
	NATSURL      string
	OTLPEndpoint string

	MaxConcurrency int // scheduler worker pool ceiling

	TierTimeouts map[string]time.Duration

	CacheTTLDeterministic time.Duration
	CacheTTLEmbedding     time.Duration

	ValidationThreshold       float64
	ValidationThresholdRobust float64

	HAPBlockSeverity string // minimum severity that blocks, default "high"

	WorkflowDeadline        time.Duration
	CancelGracePeriod       time.Duration
	WorkflowHistoryRetention time.Duration

	OrphanBlobGCInterval time.Duration
	OrphanBlobGCAge      time.Duration
}

// Load reads configuration from the environment with sane defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   getEnv("QLP_LISTEN_ADDR", ":8080"),
		DataDir:      getEnv("QLP_DATA_DIR", "./data"),
		NATSURL:      getEnv("NATS_URL", "127.0.0.1:4222"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		MaxConcurrency: getEnvInt("QLP_MAX_CONCURRENCY", 50),

		TierTimeouts: map[string]time.Duration{
			"T0": getEnvDuration("QLP_TIER_T0_TIMEOUT", 30*time.Second),
			"T1": getEnvDuration("QLP_TIER_T1_TIMEOUT", 60*time.Second),
			"T2": getEnvDuration("QLP_TIER_T2_TIMEOUT", 120*time.Second),
			"T3": getEnvDuration("QLP_TIER_T3_TIMEOUT", 180*time.Second),
		},

		CacheTTLDeterministic: getEnvDuration("QLP_CACHE_TTL_DETERMINISTIC", 3600*time.Second),
		CacheTTLEmbedding:     getEnvDuration("QLP_CACHE_TTL_EMBEDDING", 86400*time.Second),

		ValidationThreshold:       getEnvFloat("QLP_VALIDATION_THRESHOLD", 0.7),
		ValidationThresholdRobust: getEnvFloat("QLP_VALIDATION_THRESHOLD_ROBUST", 0.85),

		HAPBlockSeverity: getEnv("QLP_HAP_BLOCK_SEVERITY", "high"),

		WorkflowDeadline:        getEnvDuration("QLP_WORKFLOW_DEADLINE", 30*time.Minute),
		CancelGracePeriod:       getEnvDuration("QLP_CANCEL_GRACE_PERIOD", 30*time.Second),
		WorkflowHistoryRetention: getEnvDuration("QLP_HISTORY_RETENTION", 30*24*time.Hour),

		OrphanBlobGCInterval: getEnvDuration("QLP_BLOB_GC_INTERVAL", 1*time.Hour),
		OrphanBlobGCAge:      getEnvDuration("QLP_BLOB_GC_AGE", 24*time.Hour),
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
