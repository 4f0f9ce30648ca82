package domain

import "github.com/shopspring/decimal"

// Quote represents market data for a single instrument from the external source
type Quote struct {
	ID         string          `json:"id"`          // Instrument id (e.g., "bitcoin")
	Price      decimal.Decimal `json:"price"`       // Current price
	Volume     decimal.Decimal `json:"volume"`      // 24h volume
	MarketCap  decimal.Decimal `json:"market_cap"`  // Market capitalization
	ChangeRate decimal.Decimal `json:"change_rate"` // 24h change (%)
}

// ApplyTo copies the quote onto a coin record.
// Returns false when the quote carries no usable price.
func (q *Quote) ApplyTo(c *Coin) bool {
	if q == nil || !q.Price.IsPositive() {
		return false
	}
	c.Price = q.Price
	c.Volume = q.Volume
	c.MarketCap = q.MarketCap
	c.PriceChange24h = q.ChangeRate
	return true
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (q *Quote) ChangeDirection() string {
	if q.ChangeRate.IsPositive() {
		return "positive"
	}
	if q.ChangeRate.IsNegative() {
		return "negative"
	}
	return "neutral"
}
