package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BackoffKind selects the retry backoff curve for a queue
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// QueueConfig holds the per-queue dispatch policy
type QueueConfig struct {
	Name        string
	Priority    int // lower is higher
	Concurrency int
	RateMax     int           // grants per window
	RateWindow  time.Duration // sliding window
	MaxRetries  int
	Backoff     BackoffKind
	BackoffBase time.Duration
}

// Canonical queue names
const (
	QueueIgnition         = "ignition"
	QueueSecurity         = "security"
	QueueTemplate         = "template"
	QueueReboot           = "reboot"
	QueueHealth           = "health"
	QueueMetric           = "metric"
	QueueWorkflowUpdate   = "workflow-update"
	QueueSidecarUpdate    = "sidecar-update"
	QueueWakeDroplet      = "wake-droplet"
	QueueCredentialInject = "credential-inject"
	QueueHardReboot       = "hard-reboot-droplet"
	QueueTeardown         = "teardown"
)

// GovernorConfig bounds concurrency across all queues and accounts
type GovernorConfig struct {
	GlobalMaxConcurrent     int
	PerAccountMaxConcurrent int
	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration
}

// Config is the full process configuration, read once at startup
type Config struct {
	Port        int
	DatabaseURL string
	RedisURL    string

	CloudAPIToken string
	CloudAPIURL   string
	DryRun        bool

	LogLevel string
	Version  string

	Governor GovernorConfig
	Queues   map[string]QueueConfig

	WatchdogInterval         time.Duration
	HeartbeatTimeout         time.Duration
	ScaleAlertsInterval      time.Duration
	HeartbeatFlushInterval   time.Duration
	GracefulShutdownTimeout  time.Duration
	DLQRetention             time.Duration
	DLQAlertThreshold        int
	IdempotencyWindow        time.Duration
	SidecarTimeout           time.Duration
	CloudAPITimeout          time.Duration
	HibernateInactivityDays  int
	HibernateLoginDays       int
	WakeGap                  time.Duration
	PreWarmMinutes           int
	AutoHibernateAfterHours  int
}

// DefaultQueues returns the canonical queue topology. The per-subsystem
// queues inherit their concurrency from env overrides.
func DefaultQueues() map[string]QueueConfig {
	qs := []QueueConfig{
		{Name: QueueIgnition, Priority: 1, Concurrency: 50, RateMax: 100, RateWindow: time.Second, MaxRetries: 5, Backoff: BackoffExponential, BackoffBase: 5 * time.Second},
		{Name: QueueSecurity, Priority: 2, Concurrency: 100, RateMax: 200, RateWindow: time.Second, MaxRetries: 5, Backoff: BackoffExponential, BackoffBase: 3 * time.Second},
		{Name: QueueTemplate, Priority: 3, Concurrency: 100, RateMax: 200, RateWindow: time.Second, MaxRetries: 5, Backoff: BackoffExponential, BackoffBase: 5 * time.Second},
		{Name: QueueReboot, Priority: 2, Concurrency: 25, RateMax: 50, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffExponential, BackoffBase: 10 * time.Second},
		{Name: QueueHealth, Priority: 4, Concurrency: 500, RateMax: 1000, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffFixed, BackoffBase: time.Second},
		{Name: QueueMetric, Priority: 4, Concurrency: 200, RateMax: 500, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffFixed, BackoffBase: 2 * time.Second},
		{Name: QueueWorkflowUpdate, Priority: 3, Concurrency: 100, RateMax: 200, RateWindow: time.Second, MaxRetries: 5, Backoff: BackoffExponential, BackoffBase: 5 * time.Second},
		{Name: QueueSidecarUpdate, Priority: 3, Concurrency: 50, RateMax: 100, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffExponential, BackoffBase: 5 * time.Second},
		{Name: QueueWakeDroplet, Priority: 2, Concurrency: 50, RateMax: 50, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffExponential, BackoffBase: 5 * time.Second},
		{Name: QueueCredentialInject, Priority: 2, Concurrency: 50, RateMax: 100, RateWindow: time.Second, MaxRetries: 5, Backoff: BackoffExponential, BackoffBase: 3 * time.Second},
		{Name: QueueHardReboot, Priority: 2, Concurrency: 10, RateMax: 50, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffExponential, BackoffBase: 10 * time.Second},
		{Name: QueueTeardown, Priority: 2, Concurrency: 25, RateMax: 50, RateWindow: time.Second, MaxRetries: 3, Backoff: BackoffExponential, BackoffBase: 5 * time.Second},
	}
	m := make(map[string]QueueConfig, len(qs))
	for _, q := range qs {
		m[q.Name] = q
	}
	return m
}

// Load reads configuration from the environment. Missing required
// variables cause an error; the caller exits.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          envInt("PORT", 3000),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		CloudAPIToken: os.Getenv("CLOUD_API_TOKEN"),
		CloudAPIURL:   envStr("CLOUD_API_URL", "https://api.cloud.invalid/v2"),
		DryRun:        envBool("DRY_RUN", false),
		LogLevel:      envStr("LOG_LEVEL", "info"),

		Governor: GovernorConfig{
			GlobalMaxConcurrent:     envInt("GLOBAL_MAX_CONCURRENT", 100),
			PerAccountMaxConcurrent: envInt("PER_ACCOUNT_MAX_CONCURRENT", 10),
			CircuitBreakerThreshold: envInt("CIRCUIT_BREAKER_THRESHOLD", 10),
			CircuitBreakerReset:     time.Duration(envInt("CIRCUIT_BREAKER_RESET_MS", 30000)) * time.Millisecond,
		},

		WatchdogInterval:        time.Duration(envInt("WATCHDOG_INTERVAL_SECONDS", 60)) * time.Second,
		HeartbeatTimeout:        time.Duration(envInt("WATCHDOG_HEARTBEAT_TIMEOUT_MINUTES", 5)) * time.Minute,
		ScaleAlertsInterval:     time.Duration(envInt("SCALE_ALERTS_INTERVAL_MINUTES", 15)) * time.Minute,
		HeartbeatFlushInterval:  time.Duration(envInt("HEARTBEAT_PROCESS_INTERVAL_SECONDS", 10)) * time.Second,
		GracefulShutdownTimeout: time.Duration(envInt("GRACEFUL_SHUTDOWN_TIMEOUT_MS", 30000)) * time.Millisecond,
		DLQRetention:            time.Duration(envInt("DLQ_RETENTION_DAYS", 30)) * 24 * time.Hour,
		DLQAlertThreshold:       envInt("DLQ_ALERT_THRESHOLD", 100),
		IdempotencyWindow:       5 * time.Minute,
		SidecarTimeout:          30 * time.Second,
		CloudAPITimeout:         15 * time.Second,
		HibernateInactivityDays: envInt("HIBERNATE_INACTIVITY_DAYS", 7),
		HibernateLoginDays:      envInt("HIBERNATE_LOGIN_DAYS", 14),
		WakeGap:                 time.Duration(envInt("WAKE_GAP_MS", 1000)) * time.Millisecond,
		PreWarmMinutes:          envInt("PRE_WARM_MINUTES", 10),
		AutoHibernateAfterHours: envInt("AUTO_HIBERNATE_AFTER_HOURS", 4),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.CloudAPIToken == "" && !cfg.DryRun {
		return nil, fmt.Errorf("CLOUD_API_TOKEN is required unless DRY_RUN=true")
	}

	cfg.Queues = DefaultQueues()
	applyConcurrencyOverride(cfg.Queues, QueueWorkflowUpdate, "WORKFLOW_UPDATE_CONCURRENCY")
	applyConcurrencyOverride(cfg.Queues, QueueWakeDroplet, "WAKE_DROPLET_CONCURRENCY")
	applyConcurrencyOverride(cfg.Queues, QueueSidecarUpdate, "SIDECAR_UPDATE_CONCURRENCY")
	applyConcurrencyOverride(cfg.Queues, QueueCredentialInject, "CREDENTIAL_INJECT_CONCURRENCY")
	applyConcurrencyOverride(cfg.Queues, QueueHardReboot, "HARD_REBOOT")

	return cfg, nil
}

func applyConcurrencyOverride(qs map[string]QueueConfig, queue, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	q := qs[queue]
	q.Concurrency = n
	qs[queue] = q
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// NextBackoff computes the delay before attempt n (1-based) for a queue
func (q QueueConfig) NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch q.Backoff {
	case BackoffFixed:
		return q.BackoffBase
	default:
		d := q.BackoffBase
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}
