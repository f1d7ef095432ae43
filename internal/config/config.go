package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the pipewise application.
// Values are loaded from environment variables.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// TokenSecret signs and verifies client tokens.
	TokenSecret string        `json:"token_secret"`
	TokenTTL    time.Duration `json:"-"`
	TokenTTLStr string        `json:"token_ttl"`

	PollInterval    time.Duration `json:"-"`
	PollIntervalStr string        `json:"poll_interval"`

	WorkerBudget int `json:"worker_budget"`

	JobTimeout    time.Duration `json:"-"`
	JobTimeoutStr string        `json:"job_timeout"`

	// ConditionRecheck is how far a condition trigger's next check is pushed
	// after a no-op or failed evaluation.
	ConditionRecheck    time.Duration `json:"-"`
	ConditionRecheckStr string        `json:"condition_recheck"`

	StopGrace    time.Duration `json:"-"`
	StopGraceStr string        `json:"stop_grace"`

	// ConnBuffer is the per-connection outbound event buffer. A connection
	// that falls this far behind is dropped.
	ConnBuffer int `json:"conn_buffer"`

	StateBusBufferSize int `json:"statebus_buffer_size"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReaperEnabled      bool          `json:"reaper_enabled"`
	ReaperInterval     time.Duration `json:"-"`
	ReaperIntervalStr  string        `json:"reaper_interval"`

	// ReaperThreshold must comfortably exceed the longest job timeout plus
	// the full retry backoff window.
	ReaperThreshold    time.Duration `json:"-"`
	ReaperThresholdStr string        `json:"reaper_threshold"`

	ReaperBatchSize int `json:"reaper_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	BridgeBackoffBase    time.Duration `json:"-"`
	BridgeBackoffBaseStr string        `json:"bridge_backoff_base"`
	BridgeBackoffMax     time.Duration `json:"-"`
	BridgeBackoffMaxStr  string        `json:"bridge_backoff_max"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		TokenSecret:                os.Getenv("TOKEN_SECRET"),
		TokenTTLStr:                os.Getenv("TOKEN_TTL"),
		PollIntervalStr:            os.Getenv("POLL_INTERVAL"),
		JobTimeoutStr:              os.Getenv("JOB_TIMEOUT"),
		ConditionRecheckStr:        os.Getenv("CONDITION_RECHECK"),
		StopGraceStr:               os.Getenv("STOP_GRACE"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		ReaperEnabled:              os.Getenv("REAPER_ENABLED") == "true",
		ReaperIntervalStr:          os.Getenv("REAPER_INTERVAL"),
		ReaperThresholdStr:         os.Getenv("REAPER_THRESHOLD"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		BridgeBackoffBaseStr:       os.Getenv("BRIDGE_BACKOFF_BASE"),
		BridgeBackoffMaxStr:        os.Getenv("BRIDGE_BACKOFF_MAX"),
		AnalyticsEnabled:           os.Getenv("ANALYTICS_ENABLED") == "true",
		AnalyticsWindowStr:         os.Getenv("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:      os.Getenv("ANALYTICS_RETENTION"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	cfg.WorkerBudget = loadPositiveInt("WORKER_BUDGET", 4)
	cfg.ConnBuffer = loadPositiveInt("CONN_BUFFER", 32)
	cfg.StateBusBufferSize = loadPositiveInt("STATEBUS_BUFFER_SIZE", 256)
	cfg.ReaperBatchSize = loadPositiveInt("REAPER_BATCH_SIZE", 100)
	cfg.DBMaxOpenConns = loadPositiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = loadPositiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.LeaderLockKey = int64(loadPositiveInt("LEADER_LOCK_KEY", 429117))

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
			cfg.CircuitBreakerThreshold = 5
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}

	// Support platform PORT variables as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.TokenTTLStr == "" {
		cfg.TokenTTLStr = "24h"
	}
	if cfg.PollIntervalStr == "" {
		cfg.PollIntervalStr = "5s"
	}
	if cfg.JobTimeoutStr == "" {
		cfg.JobTimeoutStr = "30s"
	}
	if cfg.ConditionRecheckStr == "" {
		cfg.ConditionRecheckStr = "30s"
	}
	if cfg.StopGraceStr == "" {
		cfg.StopGraceStr = "30s"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReaperIntervalStr == "" {
		cfg.ReaperIntervalStr = "1m"
	}
	if cfg.ReaperThresholdStr == "" {
		cfg.ReaperThresholdStr = "10m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.BridgeBackoffBaseStr == "" {
		cfg.BridgeBackoffBaseStr = "1s"
	}
	if cfg.BridgeBackoffMaxStr == "" {
		cfg.BridgeBackoffMaxStr = "30s"
	}
	if cfg.AnalyticsWindowStr == "" {
		cfg.AnalyticsWindowStr = "1m"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "24h"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	cfg.TokenTTL = parseDuration(cfg.TokenTTLStr)
	cfg.PollInterval = parseDuration(cfg.PollIntervalStr)
	cfg.JobTimeout = parseDuration(cfg.JobTimeoutStr)
	cfg.ConditionRecheck = parseDuration(cfg.ConditionRecheckStr)
	cfg.StopGrace = parseDuration(cfg.StopGraceStr)
	cfg.DBOpTimeout = parseDuration(cfg.DBOpTimeoutStr)
	cfg.DBConnMaxLifetime = parseDuration(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parseDuration(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parseDuration(cfg.HTTPShutdownTimeoutStr)
	cfg.ReaperInterval = parseDuration(cfg.ReaperIntervalStr)
	cfg.ReaperThreshold = parseDuration(cfg.ReaperThresholdStr)
	cfg.CircuitBreakerCooldown = parseDuration(cfg.CircuitBreakerCooldownStr)
	cfg.BridgeBackoffBase = parseDuration(cfg.BridgeBackoffBaseStr)
	cfg.BridgeBackoffMax = parseDuration(cfg.BridgeBackoffMaxStr)
	cfg.AnalyticsWindow = parseDuration(cfg.AnalyticsWindowStr)
	cfg.AnalyticsRetention = parseDuration(cfg.AnalyticsRetentionStr)
	cfg.LeaderRetryInterval = parseDuration(cfg.LeaderRetryIntervalStr)
	cfg.LeaderHeartbeatInterval = parseDuration(cfg.LeaderHeartbeatIntervalStr)

	return cfg
}

func loadPositiveInt(env string, def int) int {
	s := os.Getenv(env)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", env, s, def)
		return def
	}
	return n
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		TokenSecret             string `json:"token_secret"`
		TokenTTL                string `json:"token_ttl"`
		PollInterval            string `json:"poll_interval"`
		WorkerBudget            int    `json:"worker_budget"`
		JobTimeout              string `json:"job_timeout"`
		ConditionRecheck        string `json:"condition_recheck"`
		StopGrace               string `json:"stop_grace"`
		ConnBuffer              int    `json:"conn_buffer"`
		StateBusBufferSize      int    `json:"statebus_buffer_size"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		ReaperEnabled           bool   `json:"reaper_enabled"`
		ReaperInterval          string `json:"reaper_interval"`
		ReaperThreshold         string `json:"reaper_threshold"`
		ReaperBatchSize         int    `json:"reaper_batch_size"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		BridgeBackoffBase       string `json:"bridge_backoff_base"`
		BridgeBackoffMax        string `json:"bridge_backoff_max"`
		AnalyticsEnabled        bool   `json:"analytics_enabled"`
		AnalyticsWindow         string `json:"analytics_window"`
		AnalyticsRetention      string `json:"analytics_retention"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		TokenSecret:             maskSecret(c.TokenSecret),
		TokenTTL:                c.TokenTTLStr,
		PollInterval:            c.PollIntervalStr,
		WorkerBudget:            c.WorkerBudget,
		JobTimeout:              c.JobTimeoutStr,
		ConditionRecheck:        c.ConditionRecheckStr,
		StopGrace:               c.StopGraceStr,
		ConnBuffer:              c.ConnBuffer,
		StateBusBufferSize:      c.StateBusBufferSize,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		ReaperEnabled:           c.ReaperEnabled,
		ReaperInterval:          c.ReaperIntervalStr,
		ReaperThreshold:         c.ReaperThresholdStr,
		ReaperBatchSize:         c.ReaperBatchSize,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		BridgeBackoffBase:       c.BridgeBackoffBaseStr,
		BridgeBackoffMax:        c.BridgeBackoffMaxStr,
		AnalyticsEnabled:        c.AnalyticsEnabled,
		AnalyticsWindow:         c.AnalyticsWindowStr,
		AnalyticsRetention:      c.AnalyticsRetentionStr,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
