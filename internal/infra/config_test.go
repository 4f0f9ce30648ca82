package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"coinsim/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
coins:
  - id: bitcoin
    name: Bitcoin
    symbol: BTC
    price: "67000.5"
  - id: ethereum
    symbol: ETH
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "https://api.coingecko.com/api/v3", cfg.Market.BaseURL)
	assert.Equal(t, time.Minute, cfg.PollInterval())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 30, cfg.Simulation.FallbackMinutes)
	assert.Equal(t, 10080, cfg.Simulation.MaxDurationMinutes)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, cfg.CoinIDs())
	assert.True(t, cfg.Coins[0].Price.Equal(decimal.RequireFromString("67000.5")))
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("COINSIM_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("COINSIM_MARKET_API_KEY", "secret")
	t.Setenv("COINSIM_POLL_INTERVAL_SEC", "15")
	t.Setenv("COINSIM_LOG_LEVEL", "DEBUG")

	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Market.APIKey)
	assert.Equal(t, 15*time.Second, cfg.PollInterval())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad base url", "market:\n  base_url: ftp://x\n", "market.base_url"},
		{"negative poll", "market:\n  poll_interval_sec: -1\n", "market"},
		{"template without symbol", "assets:\n  icon_url_template: https://x/icon.png\n", "assets.icon_url_template"},
		{"duplicate coin", "coins:\n  - {id: a, symbol: A}\n  - {id: a, symbol: B}\n", "coins[1]"},
		{"coin without symbol", "coins:\n  - {id: a}\n", "coins[0]"},
		{"duration above one week", "simulation:\n  max_duration_minutes: 10081\n", "simulation.max_duration_minutes"},
		{"negative duration", "simulation:\n  max_duration_minutes: -5\n", "simulation.max_duration_minutes"},
		{"unknown level", "logging:\n  level: loud\n", "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)

			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.False(t, domain.IsRetriable(err))
		})
	}
}

func TestLoadConfig_RepositoryFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Coins)
	assert.Equal(t, "coinsim", cfg.App.Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
