/*
config.go - TOML configuration

PURPOSE:
  One file configures the server, the store, logging, rate limiting, the
  maintenance schedule and every value the ledger resolves at call time
  (earning rules, allocation bounds, conversion rate, purchase tolerance,
  fiscal eligibility).

EXAMPLE:
  [server]
  port = 8080
  allowed_origins = ["http://localhost:5173"]

  [database]
  path = "points.db"

  [logging]
  level = "info"
  format = "json"
  output = "stdout"

  [ratelimit]
  enabled = true
  backend = "redis"          # or "memory"
  limit = 30
  window = "1m"
  redis_addr = "localhost:6379"

  [scheduler]
  enabled = true
  expire_allocations = "0 0 3 * * *"
  allocation_ttl = "2160h"
  audit = "0 30 3 * * *"
  stale_timebank = "0 0 * * * *"
  stale_timebank_after = "168h"

  [ledger]
  allocation_min = 1
  allocation_max = 10
  reward_to_timebank_rate = "0.5"
  purchase_tolerance = "0.01"

  [fiscal]
  regular_members = ["alice", "bob"]

  [[earning_rules]]
  event_type = "code_contribution"
  currency = "RP"
  amount = 25
  min_threshold = 1

SEE ALSO:
  - settings.go: live ledger.SettingsProvider over this file
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

type Config struct {
	Server       ServerConfig        `toml:"server"`
	Database     DatabaseConfig      `toml:"database"`
	Logging      LoggingConfig       `toml:"logging"`
	RateLimit    RateLimitConfig     `toml:"ratelimit"`
	Scheduler    SchedulerConfig     `toml:"scheduler"`
	Ledger       LedgerConfig        `toml:"ledger"`
	Fiscal       FiscalConfig        `toml:"fiscal"`
	EarningRules []EarningRuleConfig `toml:"earning_rules"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `toml:"path"` // ":memory:" for an ephemeral database
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

type RateLimitConfig struct {
	Enabled       bool     `toml:"enabled"`
	Backend       string   `toml:"backend"`
	Limit         int      `toml:"limit"`
	Window        Duration `toml:"window"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	KeyPrefix     string   `toml:"key_prefix"`
}

// SchedulerConfig holds six-field cron specs (seconds first). An empty spec
// disables that job.
type SchedulerConfig struct {
	Enabled            bool     `toml:"enabled"`
	ExpireAllocations  string   `toml:"expire_allocations"`
	AllocationTTL      Duration `toml:"allocation_ttl"`
	Audit              string   `toml:"audit"`
	StaleTimebank      string   `toml:"stale_timebank"`
	StaleTimebankAfter Duration `toml:"stale_timebank_after"`
}

type LedgerConfig struct {
	AllocationMin        decimal.Decimal `toml:"allocation_min"`
	AllocationMax        decimal.Decimal `toml:"allocation_max"`
	RewardToTimebankRate decimal.Decimal `toml:"reward_to_timebank_rate"`
	PurchaseTolerance    decimal.Decimal `toml:"purchase_tolerance"`
}

type FiscalConfig struct {
	RegularMembers []string `toml:"regular_members"`
}

type EarningRuleConfig struct {
	EventType    string          `toml:"event_type"`
	Currency     string          `toml:"currency"`
	Amount       decimal.Decimal `toml:"amount"`
	MinThreshold decimal.Decimal `toml:"min_threshold"`
	Active       *bool           `toml:"active"` // defaults to true
}

// Duration decodes "90s", "1h30m" and friends.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

func Default() Config {
	active := true
	rule := func(t ledger.EventType, c ledger.Currency, amount, threshold int64) EarningRuleConfig {
		return EarningRuleConfig{
			EventType:    string(t),
			Currency:     string(c),
			Amount:       decimal.NewFromInt(amount),
			MinThreshold: decimal.NewFromInt(threshold),
			Active:       &active,
		}
	}

	return Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Database: DatabaseConfig{Path: "points.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Backend:   "memory",
			Limit:     60,
			Window:    Duration{time.Minute},
			KeyPrefix: "ratelimit:",
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			ExpireAllocations:  "0 0 3 * * *",
			AllocationTTL:      Duration{90 * 24 * time.Hour},
			Audit:              "0 30 3 * * *",
			StaleTimebank:      "0 0 * * * *",
			StaleTimebankAfter: Duration{7 * 24 * time.Hour},
		},
		Ledger: LedgerConfig{
			AllocationMin:        ledger.DefaultAllocationBounds.Min,
			AllocationMax:        ledger.DefaultAllocationBounds.Max,
			RewardToTimebankRate: decimal.NewFromInt(1),
			PurchaseTolerance:    ledger.DefaultPurchaseTolerance,
		},
		EarningRules: []EarningRuleConfig{
			rule(ledger.EventCodeContribution, ledger.CurrencyRP, 25, 1),
			rule(ledger.EventLessonCompleted, ledger.CurrencyRP, 10, 60),
			rule(ledger.EventForumPost, ledger.CurrencyRP, 2, 20),
			rule(ledger.EventProposalSubmitted, ledger.CurrencySP, 10, 0),
			rule(ledger.EventVoteCast, ledger.CurrencySP, 2, 0),
			rule(ledger.EventOnboardingStep, ledger.CurrencyTBC, 5, 0),
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load overlays the file at path on Default and validates the result.
// Keys the file does not set keep their defaults; an [[earning_rules]]
// array, when present, replaces the default rule set entirely.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(raw))
}

func Parse(data string) (Config, error) {
	cfg := Default()
	defaults := cfg.EarningRules
	cfg.EarningRules = nil

	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if !meta.IsDefined("earning_rules") {
		cfg.EarningRules = defaults
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		add("database.path is required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format must be text or json")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.RateLimit.RedisAddr == "" {
				add("ratelimit.redis_addr is required for the redis backend")
			}
		default:
			add("ratelimit.backend must be memory or redis")
		}
		if c.RateLimit.Limit <= 0 {
			add("ratelimit.limit must be positive")
		}
		if c.RateLimit.Window.Duration <= 0 {
			add("ratelimit.window must be positive")
		}
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.ExpireAllocations != "" && c.Scheduler.AllocationTTL.Duration <= 0 {
			add("scheduler.allocation_ttl must be positive")
		}
		if c.Scheduler.StaleTimebank != "" && c.Scheduler.StaleTimebankAfter.Duration <= 0 {
			add("scheduler.stale_timebank_after must be positive")
		}
	}

	l := c.Ledger
	if !l.AllocationMin.IsPositive() || l.AllocationMax.LessThan(l.AllocationMin) {
		add("ledger.allocation_min must be positive and not above allocation_max")
	}
	if l.RewardToTimebankRate.IsNegative() {
		add("ledger.reward_to_timebank_rate must not be negative")
	}
	if l.PurchaseTolerance.IsNegative() {
		add("ledger.purchase_tolerance must not be negative")
	}

	seen := make(map[string]bool)
	for i, r := range c.EarningRules {
		if !ledger.EventType(r.EventType).Known() {
			add("earning_rules[%d]: unknown event_type %q", i, r.EventType)
		}
		if seen[r.EventType] {
			add("earning_rules[%d]: duplicate event_type %q", i, r.EventType)
		}
		seen[r.EventType] = true
		if r.Currency != "" {
			cur, err := ledger.ParseCurrency(r.Currency)
			if err != nil || cur == ledger.CurrencySH {
				add("earning_rules[%d]: currency must be RP, SP or TBC", i)
			}
		}
		if !r.Amount.IsPositive() {
			add("earning_rules[%d]: amount must be positive", i)
		}
		if r.MinThreshold.IsNegative() {
			add("earning_rules[%d]: min_threshold must not be negative", i)
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// CONVERSION
// =============================================================================

func (r EarningRuleConfig) rule() ledger.EarningRule {
	cur := ledger.Currency(strings.ToUpper(r.Currency))
	return ledger.EarningRule{
		EventType:    ledger.EventType(r.EventType),
		Currency:     cur,
		Amount:       r.Amount,
		MinThreshold: r.MinThreshold,
		Active:       r.Active == nil || *r.Active,
	}
}

// Rules returns the configured earning rules keyed by event type.
func (c Config) Rules() map[ledger.EventType]ledger.EarningRule {
	out := make(map[ledger.EventType]ledger.EarningRule, len(c.EarningRules))
	for _, r := range c.EarningRules {
		out[ledger.EventType(r.EventType)] = r.rule()
	}
	return out
}
