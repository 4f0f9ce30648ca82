// Package market fetches real instrument prices from a CoinGecko-compatible API.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"coinsim/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL   = "https://api.coingecko.com/api/v3"
	DefaultCurrency  = "usd"
	DefaultUserAgent = "Mozilla/5.0"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
	maxBodyBytes      = 4 << 20
)

// Config configures the Client. Zero values select defaults.
type Config struct {
	BaseURL    string
	APIKey     string
	Currency   string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled per attempt
}

// Client implements domain.PriceFetcher and domain.QuoteSource
type Client struct {
	baseURL    string
	apiKey     string
	currency   string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a market-data client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		currency:   strings.ToLower(cfg.Currency),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: slog.Default().With("module", "market"),
	}
}

// FetchRealPrice returns the current market price of id
func (c *Client) FetchRealPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	quotes, err := c.FetchQuotes(ctx, []string{id})
	if err != nil {
		return decimal.Zero, err
	}
	q, ok := quotes[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no quote for %s", domain.ErrNotFound, id)
	}
	return q.Price, nil
}

// FetchQuotes returns quotes for ids in one request. Ids unknown upstream are absent from the result.
func (c *Client) FetchQuotes(ctx context.Context, ids []string) (map[string]*domain.Quote, error) {
	if len(ids) == 0 {
		return map[string]*domain.Quote{}, nil
	}

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: b, 2b, 4b
			delay := c.backoff * time.Duration(1<<uint(i-1))
			c.logger.Info("Retrying quote fetch", slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		quotes, err := c.doFetch(ctx, ids)
		if err == nil {
			return quotes, nil
		}
		lastErr = err
		c.logger.Warn("Quote fetch attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
		if !domain.IsRetriable(err) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, lastErr)
}

func (c *Client) doFetch(ctx context.Context, ids []string) (map[string]*domain.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.priceURL(ids), nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError("build request", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, domain.NewFatalNetworkError("fetch", err)
		}
		return nil, domain.NewNetworkError("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewStatusError("fetch", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewNetworkError("read", err)
	}

	var data map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, domain.NewFatalNetworkError("decode", err)
	}

	quotes := make(map[string]*domain.Quote, len(data))
	for id, fields := range data {
		price, ok := fields[c.currency]
		if !ok {
			continue
		}
		quotes[id] = &domain.Quote{
			ID:         id,
			Price:      price,
			MarketCap:  fields[c.currency+"_market_cap"],
			Volume:     fields[c.currency+"_24h_vol"],
			ChangeRate: fields[c.currency+"_24h_change"],
		}
	}
	return quotes, nil
}

func (c *Client) priceURL(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	q := url.Values{}
	q.Set("ids", strings.Join(sorted, ","))
	q.Set("vs_currencies", c.currency)
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")
	return c.baseURL + "/simple/price?" + q.Encode()
}
