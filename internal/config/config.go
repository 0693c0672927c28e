package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the order API.
type Config struct {
	Server       Server       `yaml:"server"`
	Auth         Auth         `yaml:"auth"`
	Database     Database     `yaml:"database"`
	Ledger       Ledger       `yaml:"ledger"`
	State        State        `yaml:"state"`
	Limits       Limits       `yaml:"limits"`
	Idempotency  Idempotency  `yaml:"idempotency"`
	Pricing      Pricing      `yaml:"pricing"`
	Achievements Achievements `yaml:"achievements"`
	Reconcile    Reconcile    `yaml:"reconcile"`
	Accounts     Accounts     `yaml:"accounts"`
}

// Server holds listener and runtime mode settings.
type Server struct {
	Port  string `yaml:"port"`
	Env   string `yaml:"env"`
	Debug bool   `yaml:"debug"`
}

// Auth configures token issuance for the identity collaborator.
type Auth struct {
	JWTSecret string            `yaml:"jwt_secret"`
	TokenTTL  time.Duration     `yaml:"token_ttl"`
	Users     map[string]string `yaml:"users"` // login -> password, demo only
}

// Database holds the SQLite location.
type Database struct {
	Path string `yaml:"path"`
}

// Ledger selects how the three ledger writes are applied. Orders for one
// account hold a lock in the state store while they check balances and write.
type Ledger struct {
	Mode     string        `yaml:"mode"` // sequential or atomic
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
}

// State selects the backend for limiter, quota and idempotency state.
type State struct {
	Backend       string `yaml:"backend"` // memory or redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// Limits groups the parental controls.
type Limits struct {
	Rate     RateLimit     `yaml:"rate"`
	Daily    DailyQuota    `yaml:"daily"`
	PerTrade PerTradeLimit `yaml:"per_trade"`
}

// RateLimit is the sliding window abuse control.
type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// DailyQuota caps completed trades per calendar day.
type DailyQuota struct {
	MaxTrades int    `yaml:"max_trades"`
	Timezone  string `yaml:"timezone"`
}

// PerTradeLimit bounds a single order.
type PerTradeLimit struct {
	MaxShares       int64   `yaml:"max_shares"`
	MaxValue        float64 `yaml:"max_value"`
	MaxSymbolLength int     `yaml:"max_symbol_length"`
}

// Idempotency configures duplicate suppression.
type Idempotency struct {
	TTL        time.Duration `yaml:"ttl"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
	KeyPolicy  string        `yaml:"key_policy"` // order or client
}

// Pricing configures the quote provider.
type Pricing struct {
	Provider   string             `yaml:"provider"` // simulated, polygon or alpaca
	Timeout    time.Duration      `yaml:"timeout"`
	Polygon    PolygonConfig      `yaml:"polygon"`
	Alpaca     AlpacaConfig       `yaml:"alpaca"`
	Simulated  map[string]float64 `yaml:"simulated"`
	Volatility float64            `yaml:"volatility"`
	Breaker    BreakerConfig      `yaml:"breaker"`
}

// PolygonConfig holds Polygon.io credentials.
type PolygonConfig struct {
	APIKey string `yaml:"api_key"`
}

// AlpacaConfig holds Alpaca market-data credentials.
type AlpacaConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// BreakerConfig tunes the circuit breaker wrapped around the provider.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Achievements configures where trade events are published.
type Achievements struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// Reconcile configures the ledger repair loop.
type Reconcile struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
}

// Accounts holds account opening defaults.
type Accounts struct {
	StartingCash float64 `yaml:"starting_cash"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: Server{Port: "8080", Env: "development"},
		Auth: Auth{
			JWTSecret: "pocketmoney-secret-key",
			TokenTTL:  24 * time.Hour,
			Users:     map[string]string{"demo-kid": "demo-password"},
		},
		Database: Database{Path: "pocketmoney.db"},
		Ledger:   Ledger{Mode: "sequential", LockTTL: 30 * time.Second, LockWait: 5 * time.Second},
		State:    State{Backend: "memory", RedisAddr: "localhost:6379", KeyPrefix: "pm:"},
		Limits: Limits{
			Rate:  RateLimit{MaxRequests: 10, Window: time.Minute},
			Daily: DailyQuota{MaxTrades: 20, Timezone: "UTC"},
			PerTrade: PerTradeLimit{
				MaxShares:       1000,
				MaxValue:        5000,
				MaxSymbolLength: 10,
			},
		},
		Idempotency: Idempotency{TTL: time.Minute, PendingTTL: 2 * time.Minute, KeyPolicy: "order"},
		Pricing: Pricing{
			Provider: "simulated",
			Timeout:  3 * time.Second,
			Simulated: map[string]float64{
				"AAPL": 190, "MSFT": 410, "GOOGL": 140, "AMZN": 175, "DIS": 95,
			},
			Volatility: 0.01,
			Breaker:    BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
		},
		Achievements: Achievements{Topic: "trade.executed", Timeout: 5 * time.Second},
		Reconcile:    Reconcile{Interval: time.Minute, Grace: 2 * time.Minute},
		Accounts:     Accounts{StartingCash: 10000},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Server.Debug = v == "true"
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LEDGER_MODE"); v != "" {
		cfg.Ledger.Mode = v
	}
	if v := os.Getenv("STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.State.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.State.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.State.RedisDB = n
		}
	}
	if v := os.Getenv("PRICING_PROVIDER"); v != "" {
		cfg.Pricing.Provider = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Pricing.Polygon.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Pricing.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Pricing.Alpaca.APISecret = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Achievements.Brokers = strings.Split(v, ",")
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Mode {
	case "sequential", "atomic":
	default:
		errs = append(errs, fmt.Errorf("ledger.mode must be sequential or atomic, got %q", c.Ledger.Mode))
	}
	if c.Ledger.LockTTL <= 0 || c.Ledger.LockWait <= 0 {
		errs = append(errs, errors.New("ledger.lock_ttl and ledger.lock_wait must be positive"))
	}
	switch c.State.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("state.backend must be memory or redis, got %q", c.State.Backend))
	}
	switch c.Idempotency.KeyPolicy {
	case "order", "client":
	default:
		errs = append(errs, fmt.Errorf("idempotency.key_policy must be order or client, got %q", c.Idempotency.KeyPolicy))
	}
	switch c.Pricing.Provider {
	case "simulated", "polygon", "alpaca":
	default:
		errs = append(errs, fmt.Errorf("pricing.provider must be simulated, polygon or alpaca, got %q", c.Pricing.Provider))
	}
	if c.Limits.Rate.MaxRequests <= 0 || c.Limits.Rate.Window <= 0 {
		errs = append(errs, errors.New("limits.rate requires positive max_requests and window"))
	}
	if c.Limits.Daily.MaxTrades < 0 {
		errs = append(errs, errors.New("limits.daily.max_trades must not be negative"))
	}
	if _, err := time.LoadLocation(c.Limits.Daily.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("limits.daily.timezone: %w", err))
	}
	if c.Limits.PerTrade.MaxShares <= 0 || c.Limits.PerTrade.MaxValue <= 0 || c.Limits.PerTrade.MaxSymbolLength <= 0 {
		errs = append(errs, errors.New("limits.per_trade values must be positive"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Pricing.Timeout <= 0 {
		errs = append(errs, errors.New("pricing.timeout must be positive"))
	}
	if c.Accounts.StartingCash <= 0 {
		errs = append(errs, errors.New("accounts.starting_cash must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
