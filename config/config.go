/*
Package config loads service settings.

SOURCES (later wins):
  1. built-in defaults
  2. .env file in the working directory (optional)
  3. environment variables
  4. command-line flags (-port, -db, -driver, -log-level)

KEYS:
  PORT, DB_DRIVER (sqlite3|pgx), DB_DSN, LOG_LEVEL, ENVIRONMENT,
  DEV_TOKENS, JWT_SECRET, ALLOW_ORIGINS, PUBLIC_URL,
  DIRECT_RATE, TEAM_RATE_BASIC, TEAM_RATE_PRO, PRICE_BASIC, PRICE_PRO,
  MIN_WITHDRAWAL, PAYOUT_URL, PAYOUT_TOKEN, PAYOUT_TIMEOUT, PAYOUT_RETRIES,
  SWEEP_INTERVAL, STUCK_AFTER, MAX_ATTEMPTS, TEAM_DEPTH

  Malformed numbers, durations and booleans fail Load; they never fall
  back to the default. DEV_TOKENS=true turns on anonymous token issue and
  demo scenarios and is refused in production.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/withdrawal"
)

type Config struct {
	Port         int
	DBDriver     string
	DBDSN        string
	LogLevel     string
	Environment  string
	DevTokens    bool
	JWTSecret    string
	AllowOrigins []string
	PublicURL    string

	DirectRate    decimal.Decimal
	TeamRateBasic decimal.Decimal
	TeamRatePro   decimal.Decimal
	PriceBasic    decimal.Decimal
	PricePro      decimal.Decimal
	TeamDepth     int

	MinWithdrawal decimal.Decimal
	PayoutURL     string
	PayoutToken   string
	PayoutTimeout time.Duration
	PayoutRetries int
	SweepInterval time.Duration
	StuckAfter    time.Duration
	MaxAttempts   int
}

// Load reads .env, the environment and args (usually os.Args[1:]).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	collect := func(key string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	dec := func(key, def string) decimal.Decimal {
		d, err := decimal.NewFromString(getEnv(key, def))
		collect(key, err)
		return d
	}
	num := func(key string, def int) int {
		n, err := getEnvAsInt(key, def)
		collect(key, err)
		return n
	}
	dur := func(key string, def time.Duration) time.Duration {
		d, err := getEnvAsDuration(key, def)
		collect(key, err)
		return d
	}
	boolean := func(key string, def bool) bool {
		b, err := getEnvAsBool(key, def)
		collect(key, err)
		return b
	}

	cfg := &Config{
		Port:         num("PORT", 8080),
		DBDriver:     getEnv("DB_DRIVER", "sqlite3"),
		DBDSN:        getEnv("DB_DSN", "affiliate.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		DevTokens:    boolean("DEV_TOKENS", false),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		AllowOrigins: getEnvAsSlice("ALLOW_ORIGINS", []string{"*"}),
		PublicURL:    getEnv("PUBLIC_URL", "http://localhost:3000"),

		DirectRate:    dec("DIRECT_RATE", "0.58"),
		TeamRateBasic: dec("TEAM_RATE_BASIC", "0.12"),
		TeamRatePro:   dec("TEAM_RATE_PRO", "0.17"),
		PriceBasic:    dec("PRICE_BASIC", "1499"),
		PricePro:      dec("PRICE_PRO", "2999"),
		TeamDepth:     num("TEAM_DEPTH", 2),

		MinWithdrawal: dec("MIN_WITHDRAWAL", "200"),
		PayoutURL:     getEnv("PAYOUT_URL", ""),
		PayoutToken:   getEnv("PAYOUT_TOKEN", ""),
		PayoutTimeout: dur("PAYOUT_TIMEOUT", 30*time.Second),
		PayoutRetries: num("PAYOUT_RETRIES", 3),
		SweepInterval: dur("SWEEP_INTERVAL", time.Minute),
		StuckAfter:    dur("STUCK_AFTER", 5*time.Minute),
		MaxAttempts:   num("MAX_ATTEMPTS", 5),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	fset := flag.NewFlagSet("affiliate-ledger", flag.ContinueOnError)
	fset.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fset.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "database DSN (SQLite path, \":memory:\" or PostgreSQL URL)")
	fset.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "database driver: sqlite3 or pgx")
	fset.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.DBDriver != "sqlite3" && c.DBDriver != "pgx" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite3 or pgx, got %q", c.DBDriver))
	}
	if c.JWTSecret == "" && c.Production() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.DevTokens && c.Production() {
		errs = append(errs, errors.New("DEV_TOKENS cannot be enabled in production"))
	}
	if err := c.Rates().Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.MinWithdrawal.IsPositive() {
		errs = append(errs, errors.New("MIN_WITHDRAWAL must be positive"))
	}
	for key, p := range map[string]decimal.Decimal{"PRICE_BASIC": c.PriceBasic, "PRICE_PRO": c.PricePro} {
		if !p.IsPositive() || !p.Equal(ledger.RoundMoney(p)) {
			errs = append(errs, fmt.Errorf("%s must be a positive amount with at most 2 decimals", key))
		}
	}
	if c.TeamDepth < 1 {
		errs = append(errs, errors.New("TEAM_DEPTH must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) Production() bool {
	return c.Environment == "production"
}

// DevTools reports whether anonymous token issue and demo scenarios are on.
func (c *Config) DevTools() bool {
	return c.DevTokens && !c.Production()
}

func (c *Config) Rates() commission.Rates {
	return commission.Rates{
		Direct: c.DirectRate,
		Team: map[ledger.Package]decimal.Decimal{
			ledger.PackageBasic: c.TeamRateBasic,
			ledger.PackagePro:   c.TeamRatePro,
		},
	}
}

func (c *Config) Prices() commission.Prices {
	return commission.Prices{
		ledger.PackageBasic: c.PriceBasic,
		ledger.PackagePro:   c.PricePro,
	}
}

func (c *Config) Withdrawal() withdrawal.Config {
	return withdrawal.Config{
		MinWithdrawal: c.MinWithdrawal,
		PayoutTimeout: c.PayoutTimeout,
		RetryAfter:    c.StuckAfter,
		MaxAttempts:   c.MaxAttempts,
	}
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(val)
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(val)
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(val)
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue
	}
	parts := strings.Split(val, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}
