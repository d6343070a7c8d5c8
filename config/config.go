package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailflow/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            string   `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"` // Enable SQL query logging
	QueryTimeout string                  `toml:"query_timeout"`
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// AIConfig holds completion engine configuration
type AIConfig struct {
	BaseURL    string `toml:"base_url"` // OpenAI-compatible chat completions endpoint
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	Timeout    string `toml:"timeout"`     // Per-invocation timeout (default: "30s")
	MaxRetries int    `toml:"max_retries"` // Argument generation retries (default: 3)
	RetryDelay string `toml:"retry_delay"` // Fixed delay between retries (default: "1s")
}

func (a *AIConfig) GetTimeout() (time.Duration, error) {
	if a.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.Timeout)
}

func (a *AIConfig) GetRetryDelay() (time.Duration, error) {
	if a.RetryDelay == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(a.RetryDelay)
}

// GmailConfig holds the Gmail provider configuration
type GmailConfig struct {
	CredentialsFile string `toml:"credentials_file"` // OAuth client credentials JSON
	TokenFile       string `toml:"token_file"`       // Cached user token JSON
}

// PlanStoreConfig holds the pending plan cache configuration
type PlanStoreConfig struct {
	TTL             string `toml:"ttl"`              // How long a pending plan is kept (default: "7d")
	MaxSize         int    `toml:"max_size"`         // Maximum number of cached plans (default: 10000)
	CleanupInterval string `toml:"cleanup_interval"` // Expired entry sweep interval (default: "10m")
}

func (p *PlanStoreConfig) GetTTL() (time.Duration, error) {
	if p.TTL == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(p.TTL)
}

func (p *PlanStoreConfig) GetCleanupInterval() (time.Duration, error) {
	if p.CleanupInterval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(p.CleanupInterval)
}

// SchedulerConfig holds the delayed action sweep worker configuration
type SchedulerConfig struct {
	Start         bool   `toml:"start"`
	SweepInterval string `toml:"sweep_interval"` // How often due actions are swept (default: "1m")
	BatchSize     int    `toml:"batch_size"`     // Actions claimed per sweep iteration (default: 50)
	Concurrency   int    `toml:"concurrency"`    // Concurrent executions per sweep (default: 5)
}

func (s *SchedulerConfig) GetSweepInterval() (time.Duration, error) {
	if s.SweepInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(s.SweepInterval)
}

// LocalQueueConfig holds the local bulk operation queue configuration
type LocalQueueConfig struct {
	Path        string `toml:"path"`        // bbolt database file for pending item sets
	Concurrency int    `toml:"concurrency"` // Concurrent operations (default: 3)
}

// DispatchQueueConfig holds the distributed dispatch queue configuration
type DispatchQueueConfig struct {
	Start             bool   `toml:"start"`
	PerUserParallel   int    `toml:"per_user_parallel"` // Concurrent jobs per user key (default: 1, max: 3)
	BatchChunkSize    int    `toml:"batch_chunk_size"`  // Items per sub-batch on bulk submit (default: 25)
	Concurrency       int    `toml:"concurrency"`       // Total concurrent jobs across all users (default: 10)
	PollInterval      string `toml:"poll_interval"`     // Claim poll interval (default: "5s")
	MaxAttempts       int    `toml:"max_attempts"`      // Attempts before a job is marked failed (default: 5)
	StuckJobThreshold string `toml:"stuck_job_threshold"`
}

func (d *DispatchQueueConfig) GetPollInterval() (time.Duration, error) {
	if d.PollInterval == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(d.PollInterval)
}

func (d *DispatchQueueConfig) GetStuckJobThreshold() (time.Duration, error) {
	if d.StuckJobThreshold == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(d.StuckJobThreshold)
}

// HTTPAPIConfig holds the management HTTP API configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// ExecutionConfig holds global gating defaults
type ExecutionConfig struct {
	AutoExecute bool `toml:"auto_execute"` // Global permission for automated rule execution
}

// Config is the top level configuration
type Config struct {
	Logging       LoggingConfig       `toml:"logging"`
	Database      DatabaseConfig      `toml:"database"`
	AI            AIConfig            `toml:"ai"`
	Gmail         GmailConfig         `toml:"gmail"`
	Execution     ExecutionConfig     `toml:"execution"`
	PlanStore     PlanStoreConfig     `toml:"plan_store"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	LocalQueue    LocalQueueConfig    `toml:"local_queue"`
	DispatchQueue DispatchQueueConfig `toml:"dispatch_queue"`
	HTTPAPI       HTTPAPIConfig       `toml:"http_api"`
}

// Load reads and validates a TOML configuration file into cfg.
// Values already present in cfg act as defaults.
func Load(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for structural problems that would
// otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts is required")
	}
	if c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url is required")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	if c.DispatchQueue.PerUserParallel > 3 {
		return fmt.Errorf("dispatch_queue.per_user_parallel must not exceed 3 (provider rate limits)")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"database.query_timeout", c.Database.QueryTimeout},
		{"ai.timeout", c.AI.Timeout},
		{"ai.retry_delay", c.AI.RetryDelay},
		{"plan_store.ttl", c.PlanStore.TTL},
		{"plan_store.cleanup_interval", c.PlanStore.CleanupInterval},
		{"scheduler.sweep_interval", c.Scheduler.SweepInterval},
		{"dispatch_queue.poll_interval", c.DispatchQueue.PollInterval},
		{"dispatch_queue.stuck_job_threshold", c.DispatchQueue.StuckJobThreshold},
	} {
		if field.value == "" {
			continue
		}
		if _, err := helpers.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}
