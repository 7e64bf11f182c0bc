package core

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in spec §6, loaded with a three-layer
// priority: defaults, then environment variables, then functional options.
type Config struct {
	WorkerPoolSize               int
	TaskDefaultConcurrency       int
	StepDefaultTimeout           time.Duration
	PlannerModel                 string
	PlannerMaxValidationRetries  int
	CheckpointDefaultExpiry      time.Duration
	AllowedHostsDefault          []string
	EventReplayLogSize           int
	CacheTTL                     time.Duration
	LeaseTTL                     time.Duration

	Logging LoggingConfig
}

// LoggingConfig controls the ambient ProductionLogger.
type LoggingConfig struct {
	ServiceName string
	MinLevel    Level
}

// Option mutates a Config at the highest priority layer.
type Option func(*Config)

// DefaultConfig returns the documented defaults from spec §6.
func DefaultConfig() *Config {
	return &Config{
		WorkerPoolSize:              2 * runtime.NumCPU(),
		TaskDefaultConcurrency:      4,
		StepDefaultTimeout:          300 * time.Second,
		PlannerModel:                "",
		PlannerMaxValidationRetries: 2,
		CheckpointDefaultExpiry:     86400 * time.Second,
		AllowedHostsDefault:         nil,
		EventReplayLogSize:          10000,
		CacheTTL:                    600 * time.Second,
		LeaseTTL:                    60 * time.Second,
		Logging: LoggingConfig{
			ServiceName: "tentackl",
			MinLevel:    LevelInfo,
		},
	}
}

// NewConfig assembles a Config from defaults, then TENTACKL_* environment
// variables, then opts.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	cfg.loadFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *Config) loadFromEnv() {
	if v, ok := envInt("TENTACKL_WORKER_POOL_SIZE"); ok {
		c.WorkerPoolSize = v
	}
	if v, ok := envInt("TENTACKL_TASK_DEFAULT_CONCURRENCY"); ok {
		c.TaskDefaultConcurrency = v
	}
	if v, ok := envInt("TENTACKL_STEP_DEFAULT_TIMEOUT_SECONDS"); ok {
		c.StepDefaultTimeout = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("TENTACKL_PLANNER_MODEL"); ok {
		c.PlannerModel = v
	}
	if v, ok := envInt("TENTACKL_PLANNER_MAX_VALIDATION_RETRIES"); ok {
		c.PlannerMaxValidationRetries = v
	}
	if v, ok := envInt("TENTACKL_CHECKPOINT_DEFAULT_EXPIRY_SECONDS"); ok {
		c.CheckpointDefaultExpiry = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("TENTACKL_ALLOWED_HOSTS_DEFAULT"); ok && v != "" {
		c.AllowedHostsDefault = strings.Split(v, ",")
	}
	if v, ok := envInt("TENTACKL_EVENT_REPLAY_LOG_SIZE"); ok {
		c.EventReplayLogSize = v
	}
	if v, ok := envInt("TENTACKL_CACHE_TTL_SECONDS"); ok {
		c.CacheTTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("TENTACKL_LEASE_TTL_SECONDS"); ok {
		c.LeaseTTL = time.Duration(v) * time.Second
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// WithWorkerPoolSize overrides the worker pool size.
func WithWorkerPoolSize(n int) Option { return func(c *Config) { c.WorkerPoolSize = n } }

// WithTaskDefaultConcurrency overrides the per-task concurrency cap.
func WithTaskDefaultConcurrency(n int) Option {
	return func(c *Config) { c.TaskDefaultConcurrency = n }
}

// WithPlannerModel overrides the planner's LLM model identifier.
func WithPlannerModel(model string) Option { return func(c *Config) { c.PlannerModel = model } }

// WithLogging overrides the logging configuration.
func WithLogging(lc LoggingConfig) Option { return func(c *Config) { c.Logging = lc } }
