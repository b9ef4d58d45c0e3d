// Package config provides environment-based configuration for the crucible service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the crucible service.
type Config struct {
	// Database configuration
	DatabaseDSN string `yaml:"database_dsn"`

	// Authentication
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTExpiry    time.Duration `yaml:"jwt_expiry"`
	APIKeyHeader string        `yaml:"api_key_header"`

	// Bootstrap admin, created at startup when no admin exists yet.
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`

	// Server configuration
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Sandbox configuration
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Advisor configuration
	Advisor AdvisorConfig `yaml:"advisor"`

	// Validator configuration
	Validator ValidatorConfig `yaml:"validator"`

	// Events configuration
	Events EventsConfig `yaml:"events"`
}

// EngineConfig holds build engine configuration.
type EngineConfig struct {
	// WorkspaceRoot is the directory that holds per-build working directories.
	WorkspaceRoot string `yaml:"workspace_root"`
	// MaxIterations bounds the repair loop per build.
	MaxIterations int `yaml:"max_iterations"`
	// MaxConcurrent caps concurrently running builds across all principals.
	MaxConcurrent int `yaml:"max_concurrent"`
	// FixPause is the pause between a failed iteration and the next advisor call.
	FixPause time.Duration `yaml:"fix_pause"`
	// Retention is how long a terminal build stays queryable after its last update.
	Retention time.Duration `yaml:"retention"`
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// DiskHighWater is the workspace disk usage percentage above which new
	// builds are refused.
	DiskHighWater float64 `yaml:"disk_high_water"`
	// GitToken authenticates clones of private repositories. Empty means
	// anonymous clones only.
	GitToken string `yaml:"git_token"`
}

// SandboxConfig holds sandboxed compilation configuration.
type SandboxConfig struct {
	// Image is the container image carrying the program toolchain.
	Image string `yaml:"image"`
	// User is the uid:gid the compilation runs as inside the container.
	User string `yaml:"user"`
	// MemoryMB caps sandbox memory.
	MemoryMB int64 `yaml:"memory_mb"`
	// CPUCores caps sandbox CPU (fractional cores allowed).
	CPUCores float64 `yaml:"cpu_cores"`
	// PidsLimit caps processes inside the sandbox.
	PidsLimit int64 `yaml:"pids_limit"`
	// Timeout is the hard wall-clock limit for a single compilation run.
	Timeout time.Duration `yaml:"timeout"`
	// UsePTY attaches a pty so compilers keep their output line-buffered.
	UsePTY bool `yaml:"use_pty"`
	// ErrorPatterns are substrings that mark a zero-exit run as failed.
	ErrorPatterns []string `yaml:"error_patterns"`
}

// AdvisorConfig holds repair advisor client configuration.
type AdvisorConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// MaxRetries bounds retry attempts for a single advisor call.
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff, BackoffMultiplier and MaxBackoff shape the retry delays.
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	// RequestsPerSecond paces outbound advisor calls client-side.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// FileByteBudget truncates any single file sent as context.
	FileByteBudget int `yaml:"file_byte_budget"`
	// TotalByteBudget caps the combined file context per request.
	TotalByteBudget int `yaml:"total_byte_budget"`
}

// ValidatorConfig holds fix safety validator thresholds.
type ValidatorConfig struct {
	// MinShrinkLines is the line count above which the shrink guard applies.
	MinShrinkLines int `yaml:"min_shrink_lines"`
	// ShrinkRatio is the fraction of the original line count below which a
	// replacement is rejected as a content shrink.
	ShrinkRatio float64 `yaml:"shrink_ratio"`
}

// EventsConfig holds build event transport configuration.
type EventsConfig struct {
	// NATSURL enables NATS fan-out of build events when non-empty.
	NATSURL string `yaml:"nats_url"`
	// SubjectPrefix is the NATS subject prefix for build events.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// defaultErrorPatterns mark a compilation as failed even on a zero exit code.
func defaultErrorPatterns() []string {
	return []string{
		"error[E",
		"error: could not compile",
		"aborting due to",
		"error: failed to parse manifest",
		"error: package collision",
		"linker command failed",
		"cannot find -l",
	}
}

func defaults() *Config {
	return &Config{
		DatabaseDSN:     "postgres://localhost:5432/crucible?sslmode=disable",
		JWTExpiry:       24 * time.Hour,
		APIKeyHeader:    "X-API-Key",
		APIHost:         "0.0.0.0",
		APIPort:         8080,
		ShutdownTimeout: 30 * time.Second,
		Engine: EngineConfig{
			WorkspaceRoot: "/var/lib/crucible/builds",
			MaxIterations: 5,
			MaxConcurrent: 4,
			FixPause:      2 * time.Second,
			Retention:     time.Hour,
			SweepInterval: 5 * time.Minute,
			DiskHighWater: 90,
		},
		Sandbox: SandboxConfig{
			Image:         "ghcr.io/anvillabs/crucible-toolchain:latest",
			User:          "1000:1000",
			MemoryMB:      4096,
			CPUCores:      2.0,
			PidsLimit:     512,
			Timeout:       10 * time.Minute,
			UsePTY:        true,
			ErrorPatterns: defaultErrorPatterns(),
		},
		Advisor: AdvisorConfig{
			Model:             "gpt-4o",
			MaxRetries:        3,
			InitialBackoff:    2 * time.Second,
			BackoffMultiplier: 2.0,
			MaxBackoff:        30 * time.Second,
			RequestsPerSecond: 1,
			FileByteBudget:    24000,
			TotalByteBudget:   96000,
		},
		Validator: ValidatorConfig{
			MinShrinkLines: 10,
			ShrinkRatio:    0.70,
		},
		Events: EventsConfig{
			SubjectPrefix: "crucible.builds",
		},
	}
}

// Load reads configuration from an optional YAML file (CRUCIBLE_CONFIG) and
// environment variables. Environment values win over file values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CRUCIBLE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	cfg := defaults()
	cfg.JWTSecret = "development-secret-key-min-32-chars"
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiry = getDurationEnv("JWT_EXPIRY", c.JWTExpiry)
	c.APIKeyHeader = getEnv("API_KEY_HEADER", c.APIKeyHeader)
	c.AdminEmail = getEnv("ADMIN_EMAIL", c.AdminEmail)
	c.AdminPassword = getEnv("ADMIN_PASSWORD", c.AdminPassword)
	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Engine.WorkspaceRoot = getEnv("WORKSPACE_ROOT", c.Engine.WorkspaceRoot)
	c.Engine.MaxIterations = getIntEnv("MAX_ITERATIONS", c.Engine.MaxIterations)
	c.Engine.MaxConcurrent = getIntEnv("MAX_CONCURRENT_BUILDS", c.Engine.MaxConcurrent)
	c.Engine.FixPause = getDurationEnv("FIX_PAUSE", c.Engine.FixPause)
	c.Engine.Retention = getDurationEnv("BUILD_RETENTION", c.Engine.Retention)
	c.Engine.SweepInterval = getDurationEnv("SWEEP_INTERVAL", c.Engine.SweepInterval)
	c.Engine.DiskHighWater = getFloatEnv("DISK_HIGH_WATER", c.Engine.DiskHighWater)
	c.Engine.GitToken = getEnv("GIT_TOKEN", c.Engine.GitToken)

	c.Sandbox.Image = getEnv("SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.User = getEnv("SANDBOX_USER", c.Sandbox.User)
	c.Sandbox.MemoryMB = int64(getIntEnv("SANDBOX_MEMORY_MB", int(c.Sandbox.MemoryMB)))
	c.Sandbox.CPUCores = getFloatEnv("SANDBOX_CPU_CORES", c.Sandbox.CPUCores)
	c.Sandbox.PidsLimit = int64(getIntEnv("SANDBOX_PIDS_LIMIT", int(c.Sandbox.PidsLimit)))
	c.Sandbox.Timeout = getDurationEnv("SANDBOX_TIMEOUT", c.Sandbox.Timeout)

	c.Advisor.APIKey = getEnv("ADVISOR_API_KEY", c.Advisor.APIKey)
	c.Advisor.BaseURL = getEnv("ADVISOR_BASE_URL", c.Advisor.BaseURL)
	c.Advisor.Model = getEnv("ADVISOR_MODEL", c.Advisor.Model)
	c.Advisor.MaxRetries = getIntEnv("ADVISOR_MAX_RETRIES", c.Advisor.MaxRetries)
	c.Advisor.InitialBackoff = getDurationEnv("ADVISOR_INITIAL_BACKOFF", c.Advisor.InitialBackoff)
	c.Advisor.BackoffMultiplier = getFloatEnv("ADVISOR_BACKOFF_MULTIPLIER", c.Advisor.BackoffMultiplier)
	c.Advisor.MaxBackoff = getDurationEnv("ADVISOR_MAX_BACKOFF", c.Advisor.MaxBackoff)
	c.Advisor.RequestsPerSecond = getFloatEnv("ADVISOR_REQUESTS_PER_SECOND", c.Advisor.RequestsPerSecond)

	c.Validator.MinShrinkLines = getIntEnv("VALIDATOR_MIN_SHRINK_LINES", c.Validator.MinShrinkLines)
	c.Validator.ShrinkRatio = getFloatEnv("VALIDATOR_SHRINK_RATIO", c.Validator.ShrinkRatio)

	c.Events.NATSURL = getEnv("NATS_URL", c.Events.NATSURL)
	c.Events.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.Events.SubjectPrefix)
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Engine.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT is required")
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be at least 1")
	}
	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("SANDBOX_MEMORY_MB must be positive")
	}
	if c.Sandbox.CPUCores <= 0 {
		return fmt.Errorf("SANDBOX_CPU_CORES must be positive")
	}
	if c.Validator.ShrinkRatio <= 0 || c.Validator.ShrinkRatio > 1 {
		return fmt.Errorf("VALIDATOR_SHRINK_RATIO must be in (0, 1]")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
