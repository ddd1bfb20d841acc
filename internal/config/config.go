// Package config loads the engine's configuration from environment
// variables: prefixed env lookups with typed getters and a small
// validator, extended here with the specific keys the engine
// recognizes. The admin CLI (cmd/cloacina-admin) layers cobra flags and
// a viper-read config file on top of the same Config struct; this
// package is the lowest common layer so the engine stays embeddable
// without requiring either.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloacina-io/cloacina/internal/logging"
)

// EnvConfig provides typed environment variable lookups under an
// optional prefix, built on logging.GetEnv/GetEnvInt/GetEnvBool so the
// config loader and the rest of the engine share one env-parsing
// convention instead of each rolling its own.
type EnvConfig struct {
	prefix string
}

func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	return logging.GetEnv(ec.buildKey(key), defaultValue)
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	return logging.GetEnvInt(ec.buildKey(key), defaultValue)
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	return logging.GetEnvBool(ec.buildKey(key), defaultValue)
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	return logging.GetEnvDuration(ec.buildKey(key), defaultValue)
}

// Validator accumulates configuration validation errors so callers can
// report every problem at once instead of failing on the first.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}

// Backend identifies which store implementation a Config targets.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// RetryDefaults holds a fallback retry setting that is loaded and
// validated here. The runner does not pass it on to tasks: a task that
// declares no policy of its own gets workflow.DefaultRetryPolicy().
type RetryDefaults struct {
	MaxAttempts int
	Backoff     string // "fixed" or "exponential"
}

// CronConfig is interface-only: the core never schedules cron triggers
// itself, but accepts configuration for an external collaborator that
// will.
type CronConfig struct {
	Enabled            bool
	PollInterval       time.Duration
	RecoveryInterval   time.Duration
	LostThreshold      time.Duration
}

// RegistryConfig is interface-only: configuration for an external
// package-registry reconciler the core does not implement.
type RegistryConfig struct {
	ReconcileInterval time.Duration
}

// Config is the complete set of options the engine recognizes.
type Config struct {
	Backend Backend
	DSN     string // Postgres connection string, or SQLite file path

	MaxConcurrentTasks      int
	SchedulerPollInterval   time.Duration
	ExecutorPollInterval    time.Duration
	TaskTimeout             time.Duration
	Retry                   RetryDefaults
	Cron                    CronConfig
	Registry                RegistryConfig
	EventRetention          time.Duration
	MultiTenantSchema       string // Postgres only; validated by store.ValidateTenantSchema
	RecoveryStaleAfter      time.Duration
	RecoveryCheckInterval   time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the engine's out-of-the-box configuration.
func Default() Config {
	return Config{
		Backend:               BackendSQLite,
		DSN:                   "cloacina.db",
		MaxConcurrentTasks:    8,
		SchedulerPollInterval: 250 * time.Millisecond,
		ExecutorPollInterval:  500 * time.Millisecond,
		TaskTimeout:           5 * time.Minute,
		Retry: RetryDefaults{
			MaxAttempts: 3,
			Backoff:     "exponential",
		},
		Cron: CronConfig{
			PollInterval:     30 * time.Second,
			RecoveryInterval: time.Minute,
			LostThreshold:    2 * time.Minute,
		},
		Registry: RegistryConfig{
			ReconcileInterval: time.Minute,
		},
		EventRetention:        30 * 24 * time.Hour,
		RecoveryStaleAfter:    2 * time.Minute,
		RecoveryCheckInterval: time.Minute,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// FromEnv loads a Config starting from Default() and overriding with any
// CLOACINA_-prefixed (or custom prefix) environment variables present.
func FromEnv(prefix string) Config {
	env := NewEnvConfig(prefix)
	c := Default()

	c.Backend = Backend(env.GetString("BACKEND", string(c.Backend)))
	c.DSN = env.GetString("DSN", c.DSN)
	c.MaxConcurrentTasks = env.GetInt("MAX_CONCURRENT_TASKS", c.MaxConcurrentTasks)
	c.SchedulerPollInterval = env.GetDuration("SCHEDULER_POLL_INTERVAL", c.SchedulerPollInterval)
	c.ExecutorPollInterval = env.GetDuration("EXECUTOR_POLL_INTERVAL", c.ExecutorPollInterval)
	c.TaskTimeout = env.GetDuration("TASK_TIMEOUT", c.TaskTimeout)
	c.Retry.MaxAttempts = env.GetInt("RETRY_DEFAULT_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.Backoff = env.GetString("RETRY_DEFAULT_BACKOFF", c.Retry.Backoff)
	c.Cron.Enabled = env.GetBool("CRON_ENABLED", c.Cron.Enabled)
	c.Cron.PollInterval = env.GetDuration("CRON_POLL_INTERVAL", c.Cron.PollInterval)
	c.Cron.RecoveryInterval = env.GetDuration("CRON_RECOVERY_INTERVAL", c.Cron.RecoveryInterval)
	c.Cron.LostThreshold = env.GetDuration("CRON_LOST_THRESHOLD", c.Cron.LostThreshold)
	c.Registry.ReconcileInterval = env.GetDuration("REGISTRY_RECONCILE_INTERVAL", c.Registry.ReconcileInterval)
	c.EventRetention = env.GetDuration("EXECUTION_EVENTS_RETENTION", c.EventRetention)
	c.MultiTenantSchema = env.GetString("MULTI_TENANT_SCHEMA", c.MultiTenantSchema)
	c.RecoveryStaleAfter = env.GetDuration("RECOVERY_STALE_AFTER", c.RecoveryStaleAfter)
	c.RecoveryCheckInterval = env.GetDuration("RECOVERY_CHECK_INTERVAL", c.RecoveryCheckInterval)
	c.LogLevel = env.GetString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.GetString("LOG_FORMAT", c.LogFormat)

	return c
}

// Validate checks the configuration for internally-inconsistent or
// out-of-range values. Schema name safety is validated by the store
// package at the point it's interpolated into DDL, not here.
func (c Config) Validate() error {
	v := NewValidator()
	v.RequireOneOf("Backend", string(c.Backend), []string{string(BackendPostgres), string(BackendSQLite)})
	v.RequireString("DSN", c.DSN)
	v.RequirePositiveInt("MaxConcurrentTasks", c.MaxConcurrentTasks)
	v.RequirePositiveInt("Retry.MaxAttempts", c.Retry.MaxAttempts)
	v.RequireOneOf("Retry.Backoff", c.Retry.Backoff, []string{"fixed", "exponential"})
	v.RequireOneOf("LogLevel", c.LogLevel, []string{"debug", "info", "warn", "error"})
	v.RequireOneOf("LogFormat", c.LogFormat, []string{"text", "json"})
	if c.Backend == BackendSQLite && c.MultiTenantSchema != "" {
		v.errors = append(v.errors, "MultiTenantSchema is not supported on the sqlite backend")
	}
	return v.Validate()
}
