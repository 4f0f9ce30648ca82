package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CoinStore is the key/value store that owns instrument prices
type CoinStore interface {
	GetPrice(ctx context.Context, id string) (decimal.Decimal, error)
	SetPrice(ctx context.Context, id string, price decimal.Decimal, updatedAt time.Time) error
	Exists(ctx context.Context, id string) (bool, error)
}

// HistoryStore is the append-only price-history store
type HistoryStore interface {
	Append(ctx context.Context, rec *PriceHistory) error
}

// PriceFetcher fetches the real market price of an instrument
type PriceFetcher interface {
	FetchRealPrice(ctx context.Context, id string) (decimal.Decimal, error)
}

// QuoteSource fetches full market quotes for a batch of instruments
type QuoteSource interface {
	FetchQuotes(ctx context.Context, ids []string) (map[string]*Quote, error)
}
