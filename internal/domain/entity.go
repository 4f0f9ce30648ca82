package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coin status values
const (
	CoinStatusActive   = "active"
	CoinStatusInactive = "inactive"
)

// Price history sources
const (
	SourceMarket     = "market"
	SourceSimulation = "simulation"
	SourceReanchor   = "reanchor"
)

// Coin represents a tradable instrument tracked by the exchange
type Coin struct {
	ID             string          `gorm:"primaryKey" json:"id"` // Stable id (e.g., "bitcoin")
	Name           string          `json:"name"`
	Symbol         string          `json:"symbol" gorm:"index"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(36,18)"`
	PriceChange24h decimal.Decimal `json:"price_change_24h" gorm:"column:price_change_24h;type:decimal(36,18)"` // Percent
	MarketCap      decimal.Decimal `json:"market_cap" gorm:"type:decimal(36,18)"`
	Volume         decimal.Decimal `json:"volume" gorm:"type:decimal(36,18)"`
	Status         string          `json:"status" gorm:"index;default:active"`
	IconPath       string          `json:"icon_path"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsActive reports whether the coin is listed for trading
func (c *Coin) IsActive() bool {
	return c.Status == "" || c.Status == CoinStatusActive
}

// PriceHistory is an append-only record of a written price
type PriceHistory struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CoinID        string          `gorm:"index:idx_history_coin_time,priority:1" json:"coin_id"`
	Price         decimal.Decimal `json:"price" gorm:"type:decimal(36,18)"`
	PercentChange decimal.Decimal `json:"percent_change" gorm:"type:decimal(36,18)"`
	Source        string          `json:"source"`
	RecordedAt    time.Time       `gorm:"index:idx_history_coin_time,priority:2" json:"recorded_at"`
}

// PercentChange returns 100 * (next - prev) / prev, or zero when prev is not positive
func PercentChange(prev, next decimal.Decimal) decimal.Decimal {
	if !prev.IsPositive() {
		return decimal.Zero
	}
	return next.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
}
