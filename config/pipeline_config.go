package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Backends
	StoreURL      string // PostgreSQL
	QueueURL      string // Redis
	BodyStoreURL  string // MongoDB
	BodyStoreName string
	LLMRuntimeURL string

	// Worker concurrency
	WorkerID      string
	WorkersPhase1 int
	WorkersPhase2 int
	WorkersPhase3 int

	// Adaptive thresholds
	CompletenessThresholdMid  float64
	CompletenessThresholdHigh float64

	// Queue
	QueueMaxAttempts          int
	QueueVisibilityTimeoutSec int
	QueueAgingThresholdMin    int
	QueueHighWater            int64

	// LLM runtime
	LLMMidModel       string
	LLMHighModel      string
	LLMMidTimeoutSec  int
	LLMHighTimeoutSec int
	LLMMaxRetries     int
	LLMCacheEnabled   bool

	// Rule engine
	CustomerDomains []string

	// Phase budgets
	Phase1BudgetSec int
	Phase2BudgetSec int
	Phase3BudgetSec int
	DrainWindowSec  int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		StoreURL:      getEnv("STORE_URL", ""),
		QueueURL:      getEnv("QUEUE_URL", ""),
		BodyStoreURL:  getEnv("BODY_STORE_URL", ""),
		BodyStoreName: getEnv("BODY_STORE_DATABASE", "pipeline"),
		LLMRuntimeURL: getEnv("LLM_RUNTIME_URL", "http://localhost:11434"),

		WorkerID:      getEnv("WORKER_ID", generateWorkerID()),
		WorkersPhase1: getEnvInt("WORKERS_PHASE1", 10),
		WorkersPhase2: getEnvInt("WORKERS_PHASE2", 5),
		WorkersPhase3: getEnvInt("WORKERS_PHASE3", 2),

		CompletenessThresholdMid:  getEnvFloat("COMPLETENESS_THRESHOLD_MID", 0.40),
		CompletenessThresholdHigh: getEnvFloat("COMPLETENESS_THRESHOLD_HIGH", 0.70),

		QueueMaxAttempts:          getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueVisibilityTimeoutSec: getEnvInt("QUEUE_VISIBILITY_TIMEOUT_SEC", 180),
		QueueAgingThresholdMin:    getEnvInt("QUEUE_AGING_THRESHOLD_MIN", 10),
		QueueHighWater:            int64(getEnvInt("QUEUE_HIGH_WATER", 5000)),

		LLMMidModel:       getEnv("LLM_MID_MODEL", "qwen2.5:3b-instruct"),
		LLMHighModel:      getEnv("LLM_HIGH_MODEL", "qwen2.5:14b-instruct"),
		LLMMidTimeoutSec:  getEnvInt("LLM_MID_TIMEOUT_SEC", 30),
		LLMHighTimeoutSec: getEnvInt("LLM_HIGH_TIMEOUT_SEC", 90),
		LLMMaxRetries:     getEnvInt("LLM_MAX_RETRIES", 3),
		LLMCacheEnabled:   getEnvBool("LLM_CACHE_ENABLED", true),

		CustomerDomains: getEnvList("CUSTOMER_DOMAINS"),

		Phase1BudgetSec: getEnvInt("PHASE1_BUDGET_SEC", 5),
		Phase2BudgetSec: getEnvInt("PHASE2_BUDGET_SEC", 60),
		Phase3BudgetSec: getEnvInt("PHASE3_BUDGET_SEC", 180),
		DrainWindowSec:  getEnvInt("DRAIN_WINDOW_SEC", 60),
	}

	if cfg.CompletenessThresholdMid <= 0 || cfg.CompletenessThresholdMid >= cfg.CompletenessThresholdHigh {
		return nil, fmt.Errorf("completeness thresholds must satisfy 0 < mid < high, got mid=%v high=%v",
			cfg.CompletenessThresholdMid, cfg.CompletenessThresholdHigh)
	}

	return cfg, nil
}

// Validate checks that the backends required by the given mode are set.
func (c *Config) Validate(needStore, needQueue bool) error {
	if needStore && c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if needQueue && c.QueueURL == "" {
		return fmt.Errorf("QUEUE_URL is required")
	}
	return nil
}

// Phase budget accessors.

func (c *Config) Phase1Budget() time.Duration { return time.Duration(c.Phase1BudgetSec) * time.Second }
func (c *Config) Phase2Budget() time.Duration { return time.Duration(c.Phase2BudgetSec) * time.Second }
func (c *Config) Phase3Budget() time.Duration { return time.Duration(c.Phase3BudgetSec) * time.Second }
func (c *Config) DrainWindow() time.Duration  { return time.Duration(c.DrainWindowSec) * time.Second }

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}
