package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"coinsim/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// maxSimulationMinutes caps simulation.max_duration_minutes at one week.
const maxSimulationMinutes = 10080

// SeedCoin is one entry of the coins section, inserted by `coinsim seed` and on first boot.
type SeedCoin struct {
	ID     string          `yaml:"id"`
	Name   string          `yaml:"name"`
	Symbol string          `yaml:"symbol"`
	Price  decimal.Decimal `yaml:"price"`
}

// Config holds every setting of the application.
// Values loaded by LoadConfig are overridden by COINSIM_* environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr            string `yaml:"addr"`
		ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
		WriteTimeoutSec int    `yaml:"write_timeout_sec"`
		EnablePprof     bool   `yaml:"enable_pprof"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Market struct {
		BaseURL         string `yaml:"base_url"`
		APIKey          string `yaml:"api_key"`
		Currency        string `yaml:"currency"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
		TimeoutSec      int    `yaml:"timeout_sec"`
		MaxRetries      int    `yaml:"max_retries"`
		CacheTTLSec     int    `yaml:"cache_ttl_sec"`
	} `yaml:"market"`

	Simulation struct {
		TickIntervalSec    int `yaml:"tick_interval_sec"`
		FallbackMinutes    int `yaml:"fallback_minutes"`
		MaxDurationMinutes int `yaml:"max_duration_minutes"`
		IOTimeoutSec       int `yaml:"io_timeout_sec"`
	} `yaml:"simulation"`

	Assets struct {
		IconDir         string `yaml:"icon_dir"`
		IconURLTemplate string `yaml:"icon_url_template"`
		IconSize        int    `yaml:"icon_size"`
	} `yaml:"assets"`

	Coins []SeedCoin `yaml:"coins"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file. A .env file next to the
// working directory is loaded first so its values can feed the overrides.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", slog.Any("error", err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "coinsim"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/coinsim.db"
	}
	if c.Market.BaseURL == "" {
		c.Market.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.Market.Currency == "" {
		c.Market.Currency = "usd"
	}
	if c.Market.PollIntervalSec == 0 {
		c.Market.PollIntervalSec = 60
	}
	if c.Market.TimeoutSec == 0 {
		c.Market.TimeoutSec = 10
	}
	if c.Market.MaxRetries == 0 {
		c.Market.MaxRetries = 3
	}
	if c.Market.CacheTTLSec == 0 {
		c.Market.CacheTTLSec = 300
	}
	if c.Simulation.TickIntervalSec == 0 {
		c.Simulation.TickIntervalSec = 60
	}
	if c.Simulation.FallbackMinutes == 0 {
		c.Simulation.FallbackMinutes = 30
	}
	if c.Simulation.MaxDurationMinutes == 0 {
		c.Simulation.MaxDurationMinutes = maxSimulationMinutes
	}
	if c.Simulation.IOTimeoutSec == 0 {
		c.Simulation.IOTimeoutSec = 15
	}
	if c.Assets.IconDir == "" {
		c.Assets.IconDir = "data/icons"
	}
	if c.Assets.IconURLTemplate == "" {
		c.Assets.IconURLTemplate = "https://assets.coincap.io/assets/icons/%s@2x.png"
	}
	if c.Assets.IconSize == 0 {
		c.Assets.IconSize = 24
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Market.BaseURL, "http://") && !hasPrefix(c.Market.BaseURL, "https://") {
		return &domain.ConfigError{Field: "market.base_url", Err: fmt.Errorf("must be an http(s) URL, got %q", c.Market.BaseURL)}
	}
	if c.Market.PollIntervalSec < 0 || c.Market.TimeoutSec < 0 || c.Market.CacheTTLSec < 0 || c.Market.MaxRetries < 0 {
		return &domain.ConfigError{Field: "market", Err: errors.New("intervals and retries must not be negative")}
	}
	if c.Simulation.TickIntervalSec < 0 || c.Simulation.FallbackMinutes < 0 || c.Simulation.IOTimeoutSec < 0 {
		return &domain.ConfigError{Field: "simulation", Err: errors.New("intervals must not be negative")}
	}
	if c.Simulation.MaxDurationMinutes < 1 || c.Simulation.MaxDurationMinutes > maxSimulationMinutes {
		return &domain.ConfigError{Field: "simulation.max_duration_minutes", Err: fmt.Errorf("must be between 1 and %d", maxSimulationMinutes)}
	}
	if !strings.Contains(c.Assets.IconURLTemplate, "%s") {
		return &domain.ConfigError{Field: "assets.icon_url_template", Err: errors.New("must contain %s for the symbol")}
	}
	if c.Assets.IconSize < 1 {
		return &domain.ConfigError{Field: "assets.icon_size", Err: errors.New("must be positive")}
	}

	seen := make(map[string]bool, len(c.Coins))
	for i, coin := range c.Coins {
		field := fmt.Sprintf("coins[%d]", i)
		if coin.ID == "" || coin.Symbol == "" {
			return &domain.ConfigError{Field: field, Err: errors.New("id and symbol are required")}
		}
		if seen[coin.ID] {
			return &domain.ConfigError{Field: field, Err: fmt.Errorf("duplicate coin id %q", coin.ID)}
		}
		seen[coin.ID] = true
		if coin.Price.IsNegative() {
			return &domain.ConfigError{Field: field, Err: errors.New("price must not be negative")}
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	return nil
}

// CoinIDs returns the configured coin ids in file order
func (c *Config) CoinIDs() []string {
	ids := make([]string, 0, len(c.Coins))
	for _, coin := range c.Coins {
		ids = append(ids, coin.ID)
	}
	return ids
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Market.PollIntervalSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Market.CacheTTLSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv replaces config values with environment variables when set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("COINSIM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("COINSIM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COINSIM_MARKET_BASE_URL"); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv("COINSIM_MARKET_API_KEY"); v != "" {
		cfg.Market.APIKey = v
	}
	if v := os.Getenv("COINSIM_POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Market.PollIntervalSec = n
		}
	}
	if v := os.Getenv("COINSIM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
