// Package config assembles the engine's runtime configuration from
// environment variables. The configuration is an explicit record threaded
// through the worker; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values for tunables.
const (
	defaultModel            = "gpt-4o"
	defaultTemperature      = 0.1
	defaultMaxTokens        = 4096
	defaultCallTimeout      = 120 * time.Second
	defaultMaxLLMRetries    = 3
	defaultRepairAttempts   = 2
	defaultScoringFanOut    = 4
	defaultTokenBudget      = 200_000
	defaultPageLimit        = 40
	defaultMaxUploadMB      = 50
	defaultMarksGranularity = 0.25
)

// Config is the engine's runtime configuration record.
type Config struct {
	// LLM provider.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	Temperature   float64
	MaxTokens     int
	CallTimeout   time.Duration
	MaxLLMRetries int

	// Structured-output repair.
	RepairAttempts int

	// Evaluation tuning.
	ScoringConcurrency int
	TokenBudgetPerRun  int64
	MarksGranularity   float64

	// Ingestion limits.
	OCRPageLimit     int
	MaxUploadBytes   int64
	AllowedMimeTypes []string

	// Temporal.
	TemporalHostPort  string
	TemporalNamespace string

	// State store. Empty DSN selects the in-memory store.
	PostgresDSN string

	// Redis idempotency locks. Empty address disables locking.
	RedisAddr string

	// Object storage.
	StorageBackend string // "local" or "s3"
	LocalStorePath string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
}

// Load builds a Config from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:         envString("OPENAI_MODEL", defaultModel),
		Temperature:   envFloat("OPENAI_TEMPERATURE", defaultTemperature),
		MaxTokens:     envInt("OPENAI_MAX_TOKENS", defaultMaxTokens),
		CallTimeout:   time.Duration(envInt("OPENAI_TIMEOUT_SECONDS", int(defaultCallTimeout.Seconds()))) * time.Second,
		MaxLLMRetries: envInt("OPENAI_MAX_RETRIES", defaultMaxLLMRetries),

		RepairAttempts: envInt("REPAIR_ATTEMPTS", defaultRepairAttempts),

		ScoringConcurrency: envInt("SCORING_CONCURRENCY", defaultScoringFanOut),
		TokenBudgetPerRun:  int64(envInt("TOKEN_BUDGET_PER_EVALUATION", defaultTokenBudget)),
		MarksGranularity:   envFloat("MARKS_GRANULARITY", defaultMarksGranularity),

		OCRPageLimit:   envInt("MAX_PAGES_PER_SCRIPT", defaultPageLimit),
		MaxUploadBytes: int64(envInt("MAX_UPLOAD_SIZE_MB", defaultMaxUploadMB)) * 1024 * 1024,
		AllowedMimeTypes: envList("ALLOWED_MIME_TYPES",
			[]string{"application/pdf", "image/jpeg", "image/png"}),

		TemporalHostPort:  envString("TEMPORAL_HOST_PORT", "localhost:7233"),
		TemporalNamespace: envString("TEMPORAL_NAMESPACE", "default"),

		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		StorageBackend: envString("STORAGE_BACKEND", "local"),
		LocalStorePath: envString("LOCAL_STORAGE_PATH", "/data/uploads"),
		S3Bucket:       os.Getenv("S3_BUCKET_NAME"),
		S3Region:       envString("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT_URL"),
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET_NAME is required when STORAGE_BACKEND=s3")
	}
	if cfg.ScoringConcurrency < 1 {
		cfg.ScoringConcurrency = 1
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
