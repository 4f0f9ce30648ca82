package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"coinsim/internal/api"
	"coinsim/internal/broadcast"
	"coinsim/internal/cache"
	"coinsim/internal/domain"
	"coinsim/internal/infra"
	"coinsim/internal/infra/market"
	"coinsim/internal/infra/storage"
	"coinsim/internal/service"
	"coinsim/internal/simulation"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config     *infra.Config
	Storage    *storage.Storage
	Downloader *infra.IconDownloader
	Metrics    *infra.Metrics

	Market      *market.Client
	Prices      *cache.PriceCache
	Hub         *broadcast.Hub
	Simulations *simulation.Service
	Poller      *service.MarketPoller
	Server      *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize performs core system initialization (config, logger, DB, assets dir)
func (b *Bootstrap) Initialize() error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping coinsim...", slog.String("version", cfg.App.Version))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Database.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Database.Path))

	// 4. Initialize Icon Downloader
	downloader, err := infra.NewIconDownloader(cfg.Assets.IconDir, cfg.Assets.IconURLTemplate, cfg.Assets.IconSize)
	if err != nil {
		return err
	}
	b.Downloader = downloader
	slog.Info("✅ Icon downloader ready")

	b.Market = market.NewClient(market.Config{
		BaseURL:    cfg.Market.BaseURL,
		APIKey:     cfg.Market.APIKey,
		Currency:   cfg.Market.Currency,
		Timeout:    time.Duration(cfg.Market.TimeoutSec) * time.Second,
		MaxRetries: cfg.Market.MaxRetries,
	})
	return nil
}

// Wire builds the runtime services on top of Initialize
func (b *Bootstrap) Wire() {
	cfg := b.Config
	b.Metrics = infra.NewMetrics()
	b.Prices = cache.NewPriceCache(b.Market, cfg.CacheTTL(), b.Metrics)
	b.Hub = broadcast.NewHub(b.Metrics)

	b.Simulations = simulation.NewService(simulation.Config{
		TickInterval:       time.Duration(cfg.Simulation.TickIntervalSec) * time.Second,
		FallbackWindow:     time.Duration(cfg.Simulation.FallbackMinutes) * time.Minute,
		MaxDurationMinutes: cfg.Simulation.MaxDurationMinutes,
		IOTimeout:          time.Duration(cfg.Simulation.IOTimeoutSec) * time.Second,
	}, simulation.Deps{
		Coins:     b.Storage,
		History:   b.Storage,
		Prices:    b.Prices,
		Publisher: b.Hub,
		Observer:  b.Metrics,
	})
	slog.Info("✅ Simulation service ready")

	b.Poller = service.NewMarketPoller(service.MarketPollerDeps{
		Repo:      b.Storage,
		Quotes:    b.Market,
		Guard:     b.Simulations,
		Cache:     b.Prices,
		Publisher: b.Hub,
		Observer:  b.Metrics,
	}, cfg.PollInterval())

	handler := api.NewHandler(b.Simulations, b.Storage, b.Hub, api.Options{
		Market:      b.Poller,
		Metrics:     b.Metrics.Handler(),
		EnablePprof: cfg.Server.EnablePprof,
	})
	b.Server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}
}

// SeedCoins inserts configured coins that are not yet stored.
// When the market is reachable the seed price is replaced by the live quote.
func (b *Bootstrap) SeedCoins(ctx context.Context) (int, error) {
	quotes, err := b.Market.FetchQuotes(ctx, b.Config.CoinIDs())
	if err != nil {
		slog.Warn("⚠️ Market unreachable, seeding configured prices", slog.Any("error", err))
		quotes = nil
	}

	inserted := 0
	for _, sc := range b.Config.Coins {
		coin := &domain.Coin{
			ID:     sc.ID,
			Name:   sc.Name,
			Symbol: sc.Symbol,
			Price:  sc.Price,
			Status: domain.CoinStatusActive,
		}
		quotes[sc.ID].ApplyTo(coin)

		ok, err := b.Storage.CreateCoinIfMissing(ctx, coin)
		if err != nil {
			return inserted, fmt.Errorf("seed %s: %w", sc.ID, err)
		}
		if ok {
			inserted++
		}
	}
	slog.Info("🌱 Coins seeded", slog.Int("inserted", inserted), slog.Int("configured", len(b.Config.Coins)))
	return inserted, nil
}

// SyncAssets downloads missing coin icons and records their paths
func (b *Bootstrap) SyncAssets(ctx context.Context) {
	slog.Info("🔄 Starting asset synchronization...")

	coins, err := b.Storage.ListCoins(ctx)
	if err != nil {
		slog.Error("Failed to list coins for asset sync", slog.Any("error", err))
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent downloads

	for _, coin := range coins {
		if coin.Symbol == "" {
			continue
		}
		wg.Add(1)
		go func(c domain.Coin) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			path, err := b.Downloader.DownloadIcon(ctx, c.Symbol)
			if err != nil {
				slog.Warn("Failed to download icon", slog.String("coin", c.ID), slog.Any("error", err))
				return
			}
			if path == c.IconPath {
				return
			}
			if err := b.Storage.SetIconPath(ctx, c.ID, path); err != nil {
				slog.Error("Failed to store icon path", slog.String("coin", c.ID), slog.Any("error", err))
			}
		}(coin)
	}

	wg.Wait()
	slog.Info("✨ Asset synchronization completed")
}

// Run serves until ctx is cancelled, then shuts everything down in reverse order.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Server == nil {
		b.Wire()
	}

	if _, err := b.SeedCoins(ctx); err != nil {
		return err
	}
	var assets sync.WaitGroup
	assets.Add(1)
	go func() {
		defer assets.Done()
		b.SyncAssets(ctx)
	}()

	b.Poller.Start(ctx)
	slog.Info("✅ Market poller started", slog.Duration("interval", b.Config.PollInterval()))

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("🌐 HTTP server listening", slog.String("addr", b.Server.Addr))
		if err := b.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("✨ coinsim fully operational. Press Ctrl+C to exit.")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	slog.Info("👋 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", slog.Any("error", err))
	}
	b.Poller.Stop()
	b.Simulations.Shutdown(shutdownCtx)
	b.Hub.Close()
	assets.Wait()
	return runErr
}

// Close releases the database
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}
