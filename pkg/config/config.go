// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MaxHeartbeat is the longest allowed live-stream heartbeat interval.
const MaxHeartbeat = 30 * time.Second

// Config holds environment-driven settings.
type Config struct {
	Server struct {
		Port        string   `envconfig:"PORT" default:"8080"`
		JWTSecret   string   `envconfig:"JWT_SECRET" default:"dev-secret"`
		CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
		LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
		LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"` // json or text

		// Users allowed to run the cross-user reconciliation batch; empty allows any.
		AdminUsers     []string      `envconfig:"ADMIN_USERS"`
		RateLimit      float64       `envconfig:"API_RATE_LIMIT" default:"20"`
		RateBurst      int           `envconfig:"API_RATE_BURST" default:"50"`
		RequestTimeout time.Duration `envconfig:"API_REQUEST_TIMEOUT" default:"45s"`
	}

	Database struct {
		Path string `envconfig:"DB_PATH" default:"./data/signalist.db"`
	}

	Security struct {
		// Base64 AES-256 keys; the highest version seals new credentials.
		MasterKey   string `envconfig:"MASTER_ENCRYPTION_KEY"`
		MasterKeyV2 string `envconfig:"MASTER_ENCRYPTION_KEY_V2"`
	}

	Paper struct {
		// Only registers the paper broker; no credentials or network access needed.
		Only           bool    `envconfig:"PAPER_ONLY" default:"false"`
		InitialBalance float64 `envconfig:"PAPER_INITIAL_BALANCE" default:"10000"`
		Currency       string  `envconfig:"PAPER_CURRENCY" default:"USD"`
		Seed           int64   `envconfig:"PAPER_SEED" default:"2025"`
		SpreadBps      float64 `envconfig:"PAPER_SPREAD_BPS" default:"2"`
		VolatilityBps  float64 `envconfig:"PAPER_VOLATILITY_BPS" default:"5"`
		Leverage       float64 `envconfig:"PAPER_LEVERAGE" default:"100"`
	}

	MT5 struct {
		BridgeURL         string        `envconfig:"MT5_BRIDGE_URL" default:"http://localhost:5000"`
		Timeout           time.Duration `envconfig:"MT5_TIMEOUT" default:"10s"`
		RequestsPerSecond float64       `envconfig:"MT5_REQUESTS_PER_SECOND" default:"5"`
		Magic             int           `envconfig:"MT5_MAGIC" default:"2025"`
		ServerUTCOffset   int           `envconfig:"MT5_SERVER_UTC_OFFSET" default:"2"`
	}

	Deriv struct {
		URL              string        `envconfig:"DERIV_WS_URL" default:"wss://ws.derivws.com/websockets/v3?app_id=1089"`
		Timeout          time.Duration `envconfig:"DERIV_TIMEOUT" default:"10s"`
		ContractDuration int           `envconfig:"DERIV_CONTRACT_DURATION" default:"5"`
		DurationUnit     string        `envconfig:"DERIV_DURATION_UNIT" default:"m"`
	}

	Binance struct {
		Testnet           bool    `envconfig:"BINANCE_TESTNET" default:"false"`
		RequestsPerSecond float64 `envconfig:"BINANCE_REQUESTS_PER_SECOND" default:"10"`
	}

	Bot struct {
		CycleInterval    time.Duration `envconfig:"BOT_CYCLE_INTERVAL" default:"5s"`
		StartTimeout     time.Duration `envconfig:"BOT_START_TIMEOUT" default:"30s"`
		StopGracePeriod  time.Duration `envconfig:"BOT_STOP_GRACE_PERIOD" default:"10s"`
		FailureThreshold int           `envconfig:"BOT_FAILURE_THRESHOLD" default:"3"`
		RetryMax         int           `envconfig:"BOT_RETRY_MAX" default:"3"`
		RetryBaseDelay   time.Duration `envconfig:"BOT_RETRY_BASE_DELAY" default:"200ms"`
		RetryMaxDelay    time.Duration `envconfig:"BOT_RETRY_MAX_DELAY" default:"5s"`
		CatalogPath      string        `envconfig:"BOT_CATALOG" default:"./bots.yaml"`
		StrategyWorker   string        `envconfig:"STRATEGY_WORKER_ADDR"`
	}

	Stream struct {
		Heartbeat        time.Duration `envconfig:"STREAM_HEARTBEAT" default:"15s"`
		SnapshotInterval time.Duration `envconfig:"STREAM_SNAPSHOT_INTERVAL" default:"60s"`
		Buffer           int           `envconfig:"STREAM_BUFFER" default:"64"`
	}

	Reconcile struct {
		Interval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"` // 0 disables the periodic run
		UserTimeout time.Duration `envconfig:"RECONCILE_USER_TIMEOUT" default:"30s"`
		Concurrency int           `envconfig:"RECONCILE_CONCURRENCY" default:"4"`
	}

	Session struct {
		HealthInterval   time.Duration `envconfig:"SESSION_HEALTH_INTERVAL" default:"30s"`
		IdleTTL          time.Duration `envconfig:"SESSION_IDLE_TTL" default:"30m"`
		FailureThreshold int           `envconfig:"SESSION_FAILURE_THRESHOLD" default:"3"`
		CircuitTimeout   time.Duration `envconfig:"SESSION_CIRCUIT_TIMEOUT" default:"1m"`
	}

	Settings struct {
		CacheTTL time.Duration `envconfig:"SETTINGS_CACHE_TTL" default:"5m"`
	}
}

// Load reads .env (if present) and the environment into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Stream.Heartbeat <= 0 || c.Stream.Heartbeat > MaxHeartbeat {
		errs = append(errs, fmt.Errorf("STREAM_HEARTBEAT must be in (0, %s], got %s", MaxHeartbeat, c.Stream.Heartbeat))
	}
	if c.Bot.CycleInterval <= 0 {
		errs = append(errs, errors.New("BOT_CYCLE_INTERVAL must be positive"))
	}
	if c.Bot.StopGracePeriod <= 0 {
		errs = append(errs, errors.New("BOT_STOP_GRACE_PERIOD must be positive"))
	}
	if c.Bot.FailureThreshold < 1 {
		errs = append(errs, errors.New("BOT_FAILURE_THRESHOLD must be at least 1"))
	}
	if c.Bot.RetryMax < 0 {
		errs = append(errs, errors.New("BOT_RETRY_MAX must not be negative"))
	}
	if c.Reconcile.Interval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	if c.Reconcile.Concurrency < 1 {
		errs = append(errs, errors.New("RECONCILE_CONCURRENCY must be at least 1"))
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		errs = append(errs, errors.New("API_RATE_LIMIT and API_RATE_BURST must be positive"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("API_REQUEST_TIMEOUT must be positive"))
	}
	if c.Paper.InitialBalance <= 0 {
		errs = append(errs, errors.New("PAPER_INITIAL_BALANCE must be positive"))
	}
	return errors.Join(errs...)
}

// MasterKeys returns the configured credential keys by version.
func (c *Config) MasterKeys() map[int]string {
	keys := make(map[int]string)
	if c.Security.MasterKey != "" {
		keys[1] = c.Security.MasterKey
	}
	if c.Security.MasterKeyV2 != "" {
		keys[2] = c.Security.MasterKeyV2
	}
	return keys
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
