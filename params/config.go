package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Run holds process-wide settings.
type Run struct {
	Name       string `yaml:"name"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	Journal    string `yaml:"journal"` // optional JSON-lines execution log
	LogFile    string `yaml:"log_file"`
	LogLevel   string `yaml:"log_level"`
	APIAddr    string `yaml:"api_addr"`
	Serve      bool   `yaml:"serve"`
	Workers    int    `yaml:"workers"`     // optimizer trials in flight per subaccount
	FlushEvery int    `yaml:"flush_every"` // ticks between history commits
}

// Exchange mirrors the simulated exchange parameters.
type Exchange struct {
	Symbol                string  `yaml:"symbol"`
	Contract              string  `yaml:"contract"` // inverse|linear
	InitialDeposit        float64 `yaml:"initial_deposit"`
	UnlimitedFunds        bool    `yaml:"unlimited_funds"`
	Leverage              int     `yaml:"leverage"`
	CrossMargin           bool    `yaml:"cross_margin"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
	StopMarketSlippage    float64 `yaml:"stop_market_slippage"`
	MakerFee              float64 `yaml:"maker_fee"` // negative is a rebate
	TakerFee              float64 `yaml:"taker_fee"`
	HedgeMode             int     `yaml:"hedge_mode"` // -1 short only, 0 off, 1 long only
}

type Optimization struct {
	Enabled   bool `yaml:"enabled"`
	TrainDays int  `yaml:"train_days"`
	TestDays  int  `yaml:"test_days"`
}

// Subaccount is one strategy bound to one candle file. Exchange holds
// per-subaccount overrides, decoded over the run-wide exchange defaults.
type Subaccount struct {
	ID           string             `yaml:"id"`
	Strategy     string             `yaml:"strategy"`
	Candles      string             `yaml:"candles"` // CSV path, relative to data_dir
	Pair         string             `yaml:"pair"`
	Timeframe    string             `yaml:"timeframe"`
	Start        time.Time          `yaml:"start"`
	End          time.Time          `yaml:"end"`
	Parameters   map[string]float64 `yaml:"parameters"`
	Exchange     yaml.Node          `yaml:"exchange"`
	Optimization Optimization       `yaml:"optimization"`
}

type Config struct {
	Run         Run          `yaml:"run"`
	Exchange    Exchange     `yaml:"exchange"`
	Subaccounts []Subaccount `yaml:"subaccounts"`
}

func Default() Config {
	return Config{
		Run: Run{
			Name:       "backtest",
			DataDir:    "data",
			DBPath:     "data/history.db",
			LogLevel:   "info",
			APIAddr:    ":8080",
			Workers:    4,
			FlushEvery: 1000,
		},
		Exchange: Exchange{
			Symbol:                "BTCUSD",
			Contract:              "inverse",
			InitialDeposit:        1,
			Leverage:              1,
			MaintenanceMarginRate: 0.005,
			StopMarketSlippage:    0.00025,
			MakerFee:              -0.00025,
			TakerFee:              0.00075,
		},
	}
}

// Load decodes the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the .env file (if it exists) and applies KEKTRADE_*
// environment overrides on top of cfg.
// Priority: ENV > .env file > config file > defaults
func LoadFromEnv(envPath string, cfg Config) Config {
	// godotenv never overrides variables already set in the environment.
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Run.Name = getEnv("KEKTRADE_RUN_NAME", cfg.Run.Name)
	cfg.Run.DataDir = getEnv("KEKTRADE_DATA_DIR", cfg.Run.DataDir)
	cfg.Run.DBPath = getEnv("KEKTRADE_DB_PATH", cfg.Run.DBPath)
	cfg.Run.Journal = getEnv("KEKTRADE_JOURNAL", cfg.Run.Journal)
	cfg.Run.LogFile = getEnv("KEKTRADE_LOG_FILE", cfg.Run.LogFile)
	cfg.Run.LogLevel = getEnv("KEKTRADE_LOG_LEVEL", cfg.Run.LogLevel)
	cfg.Run.APIAddr = getEnv("KEKTRADE_API_ADDR", cfg.Run.APIAddr)
	if v := os.Getenv("KEKTRADE_SERVE"); v != "" {
		cfg.Run.Serve = v == "true" || v == "1"
	}
	if v := os.Getenv("KEKTRADE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.Workers = n
		}
	}
	if v := os.Getenv("KEKTRADE_FLUSH_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.FlushEvery = n
		}
	}

	cfg.Exchange.Contract = getEnv("KEKTRADE_CONTRACT", cfg.Exchange.Contract)
	if v := os.Getenv("KEKTRADE_LEVERAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.Leverage = n
		}
	}
	if v := os.Getenv("KEKTRADE_UNLIMITED_FUNDS"); v != "" {
		cfg.Exchange.UnlimitedFunds = v == "true" || v == "1"
	}
	for key, dst := range map[string]*float64{
		"KEKTRADE_INITIAL_DEPOSIT": &cfg.Exchange.InitialDeposit,
		"KEKTRADE_MAKER_FEE":       &cfg.Exchange.MakerFee,
		"KEKTRADE_TAKER_FEE":       &cfg.Exchange.TakerFee,
	} {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	return cfg
}

// ExchangeFor returns the run-wide exchange settings with the subaccount's
// overrides applied.
func (c *Config) ExchangeFor(sub Subaccount) (Exchange, error) {
	ex := c.Exchange
	if sub.Exchange.Kind == 0 {
		return ex, nil
	}
	if err := sub.Exchange.Decode(&ex); err != nil {
		return ex, fmt.Errorf("subaccount %s exchange: %w", sub.ID, err)
	}
	return ex, nil
}

// Validate checks the whole configuration, including every subaccount's
// effective exchange settings.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Run.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: run.log_level %q", ErrInvalid, c.Run.LogLevel)
	}
	if c.Run.DBPath == "" {
		return fmt.Errorf("%w: run.db_path is empty", ErrInvalid)
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("%w: run.workers must be >= 1", ErrInvalid)
	}
	if len(c.Subaccounts) == 0 {
		return fmt.Errorf("%w: no subaccounts", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Subaccounts))
	for _, sub := range c.Subaccounts {
		if sub.ID == "" {
			return fmt.Errorf("%w: subaccount without id", ErrInvalid)
		}
		if seen[sub.ID] {
			return fmt.Errorf("%w: duplicate subaccount id %q", ErrInvalid, sub.ID)
		}
		seen[sub.ID] = true
		if sub.Strategy == "" {
			return fmt.Errorf("%w: subaccount %s has no strategy", ErrInvalid, sub.ID)
		}
		if sub.Candles == "" {
			return fmt.Errorf("%w: subaccount %s has no candle file", ErrInvalid, sub.ID)
		}
		if !sub.Start.IsZero() && !sub.End.IsZero() && !sub.End.After(sub.Start) {
			return fmt.Errorf("%w: subaccount %s ends before it starts", ErrInvalid, sub.ID)
		}
		if sub.Optimization.Enabled && sub.Optimization.TrainDays <= 0 {
			return fmt.Errorf("%w: subaccount %s optimization.train_days must be > 0", ErrInvalid, sub.ID)
		}
		if sub.Optimization.TestDays < 0 {
			return fmt.Errorf("%w: subaccount %s optimization.test_days is negative", ErrInvalid, sub.ID)
		}

		ex, err := c.ExchangeFor(sub)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := ex.validate(); err != nil {
			return fmt.Errorf("%w: subaccount %s: %v", ErrInvalid, sub.ID, err)
		}
	}
	return nil
}

func (e Exchange) validate() error {
	switch e.Contract {
	case "inverse", "linear":
	default:
		return fmt.Errorf("unknown contract %q", e.Contract)
	}
	if e.Leverage < 1 {
		return fmt.Errorf("leverage %d < 1", e.Leverage)
	}
	if e.HedgeMode < -1 || e.HedgeMode > 1 {
		return fmt.Errorf("hedge_mode %d not in {-1, 0, 1}", e.HedgeMode)
	}
	if e.InitialDeposit < 0 {
		return fmt.Errorf("initial_deposit %v is negative", e.InitialDeposit)
	}
	if e.MaintenanceMarginRate < 0 || e.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("maintenance_margin_rate %v not in [0, 1)", e.MaintenanceMarginRate)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
