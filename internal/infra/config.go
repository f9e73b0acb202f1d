package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/infra/binance"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the market-data client.
// LoadConfig reads it from YAML, then lets environment variables override
// credentials, symbols, endpoints and log level.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Binance struct {
		Testnet           bool          `yaml:"testnet" env:"MARKETSYNC_TESTNET"`
		RestURL           string        `yaml:"rest_url" env:"MARKETSYNC_REST_URL"`
		WSURL             string        `yaml:"ws_url" env:"MARKETSYNC_WS_URL"`
		APIKey            string        `yaml:"api_key" env:"MARKETSYNC_API_KEY"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"binance"`

	Market struct {
		Symbols      []string `yaml:"symbols" env:"MARKETSYNC_SYMBOLS" envSeparator:","`
		DepthLimit   int      `yaml:"depth_limit"`
		TopLevels    int      `yaml:"top_levels"`
		TapeCapacity int      `yaml:"tape_capacity"`
	} `yaml:"market"`

	Stream struct {
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"`
		BackoffMin       time.Duration `yaml:"backoff_min"`
		BackoffMax       time.Duration `yaml:"backoff_max"`
		ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	} `yaml:"stream"`

	Resync struct {
		Cooldown        time.Duration `yaml:"cooldown"`
		MaxAttempts     int           `yaml:"max_attempts"`
		FetchTimeout    time.Duration `yaml:"fetch_timeout"`
		InitConcurrency int           `yaml:"init_concurrency"`
	} `yaml:"resync"`

	Oracle struct {
		Freshness      time.Duration `yaml:"freshness"`
		MinTrades      int           `yaml:"min_trades"`
		MaxTradeAge    time.Duration `yaml:"max_trade_age"`
		ReportInterval time.Duration `yaml:"report_interval"`
	} `yaml:"oracle"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" env:"MARKETSYNC_DB_PATH"`
	} `yaml:"storage"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr" env:"MARKETSYNC_METRICS_ADDR"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level" env:"MARKETSYNC_LOG_LEVEL"`
		Dir   string `yaml:"dir" env:"MARKETSYNC_LOG_DIR"`
	} `yaml:"logging"`
}

// LoadConfig reads and validates the configuration file at path.
// A .env file in the working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigError{Field: path, Err: err}
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv applies MARKETSYNC_* environment variables on top of the file values.
func overrideWithEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return &domain.ConfigError{Field: "env", Err: err}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "marketsync"
	}

	endpoints := binance.EndpointsFor(c.Binance.Testnet)
	if c.Binance.RestURL == "" {
		c.Binance.RestURL = endpoints.REST
	}
	if c.Binance.WSURL == "" {
		c.Binance.WSURL = endpoints.WS
	}
	setDuration(&c.Binance.RequestTimeout, 10*time.Second)
	if c.Binance.RequestsPerSecond == 0 {
		c.Binance.RequestsPerSecond = 5
	}
	setInt(&c.Binance.Burst, 5)

	for i, s := range c.Market.Symbols {
		c.Market.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	setInt(&c.Market.DepthLimit, 1000)
	setInt(&c.Market.TopLevels, 20)
	setInt(&c.Market.TapeCapacity, 100)

	setDuration(&c.Stream.HandshakeTimeout, 10*time.Second)
	setDuration(&c.Stream.IdleTimeout, 60*time.Second)
	setDuration(&c.Stream.BackoffMin, 500*time.Millisecond)
	setDuration(&c.Stream.BackoffMax, 30*time.Second)
	setDuration(&c.Stream.ShutdownGrace, 5*time.Second)

	setDuration(&c.Resync.Cooldown, 2*time.Second)
	setInt(&c.Resync.MaxAttempts, 5)
	setDuration(&c.Resync.FetchTimeout, 5*time.Second)
	setInt(&c.Resync.InitConcurrency, 4)

	setDuration(&c.Oracle.Freshness, 3*time.Second)
	setInt(&c.Oracle.MinTrades, 10)
	setDuration(&c.Oracle.MaxTradeAge, 30*time.Second)
	setDuration(&c.Oracle.ReportInterval, 30*time.Second)

	if c.Storage.Path == "" {
		c.Storage.Path = "data/marketsync.db"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if len(c.Market.Symbols) == 0 {
		return &domain.ConfigError{Field: "market.symbols", Err: errors.New("at least one symbol is required")}
	}
	seen := make(map[string]bool, len(c.Market.Symbols))
	for _, s := range c.Market.Symbols {
		if s == "" {
			return &domain.ConfigError{Field: "market.symbols", Err: errors.New("empty symbol")}
		}
		if seen[s] {
			return &domain.ConfigError{Field: "market.symbols", Err: fmt.Errorf("duplicate symbol %s", s)}
		}
		seen[s] = true
	}

	if !strings.HasPrefix(c.Binance.WSURL, "ws://") && !strings.HasPrefix(c.Binance.WSURL, "wss://") {
		return &domain.ConfigError{Field: "binance.ws_url", Err: fmt.Errorf("invalid websocket URL: %s", c.Binance.WSURL)}
	}
	if !strings.HasPrefix(c.Binance.RestURL, "http://") && !strings.HasPrefix(c.Binance.RestURL, "https://") {
		return &domain.ConfigError{Field: "binance.rest_url", Err: fmt.Errorf("invalid REST URL: %s", c.Binance.RestURL)}
	}
	if c.Binance.RequestsPerSecond < 0 || c.Binance.Burst < 0 {
		return &domain.ConfigError{Field: "binance.requests_per_second", Err: errors.New("rate limit must be positive")}
	}

	positive := []struct {
		field string
		ok    bool
	}{
		{"market.depth_limit", c.Market.DepthLimit > 0},
		{"market.top_levels", c.Market.TopLevels > 0},
		{"market.tape_capacity", c.Market.TapeCapacity > 0},
		{"stream.idle_timeout", c.Stream.IdleTimeout > 0},
		{"stream.backoff_min", c.Stream.BackoffMin > 0},
		{"stream.shutdown_grace", c.Stream.ShutdownGrace > 0},
		{"resync.cooldown", c.Resync.Cooldown > 0},
		{"resync.max_attempts", c.Resync.MaxAttempts > 0},
		{"resync.fetch_timeout", c.Resync.FetchTimeout > 0},
		{"resync.init_concurrency", c.Resync.InitConcurrency > 0},
		{"oracle.freshness", c.Oracle.Freshness > 0},
		{"oracle.min_trades", c.Oracle.MinTrades > 0},
		{"oracle.max_trade_age", c.Oracle.MaxTradeAge > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return &domain.ConfigError{Field: p.field, Err: errors.New("must be positive")}
		}
	}
	if c.Stream.BackoffMax < c.Stream.BackoffMin {
		return &domain.ConfigError{Field: "stream.backoff_max", Err: errors.New("must not be below backoff_min")}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	return nil
}
