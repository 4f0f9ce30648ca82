package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"coinsim/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultHistoryLimit caps History when the caller passes no limit
const DefaultHistoryLimit = 500

// Storage persists coins and their price history in SQLite.
// It implements domain.CoinStore and domain.HistoryStore.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (creating if needed) the SQLite database at path
func NewStorage(path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single connection serialises writers; SQLite would return SQLITE_BUSY otherwise
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.Coin{}, &domain.PriceHistory{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ======================================================================================
// CoinStore
// ======================================================================================

// GetPrice returns the current stored price of id
func (s *Storage) GetPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	var coin domain.Coin
	err := s.db.WithContext(ctx).Select("id", "price").First(&coin, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("%w: coin %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return coin.Price, nil
}

// SetPrice overwrites the price of id
func (s *Storage) SetPrice(ctx context.Context, id string, price decimal.Decimal, updatedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&domain.Coin{}).Where("id = ?", id).Updates(map[string]any{
		"price":      price,
		"updated_at": updatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: coin %s", domain.ErrNotFound, id)
	}
	return nil
}

// Exists reports whether id is a known coin
func (s *Storage) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&domain.Coin{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ApplyQuote writes a market quote onto id
func (s *Storage) ApplyQuote(ctx context.Context, id string, q *domain.Quote, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&domain.Coin{}).Where("id = ?", id).Updates(map[string]any{
		"price":            q.Price,
		"price_change_24h": q.ChangeRate,
		"market_cap":       q.MarketCap,
		"volume":           q.Volume,
		"updated_at":       at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: coin %s", domain.ErrNotFound, id)
	}
	return nil
}

// ======================================================================================
// Coin metadata
// ======================================================================================

// UpsertCoin creates or replaces a coin row
func (s *Storage) UpsertCoin(ctx context.Context, coin *domain.Coin) error {
	return s.db.WithContext(ctx).Save(coin).Error
}

// CreateCoinIfMissing inserts coin unless its id already exists. Returns true if inserted.
func (s *Storage) CreateCoinIfMissing(ctx context.Context, coin *domain.Coin) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(coin)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetCoin retrieves a coin by id
func (s *Storage) GetCoin(ctx context.Context, id string) (*domain.Coin, error) {
	var coin domain.Coin
	err := s.db.WithContext(ctx).First(&coin, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: coin %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &coin, nil
}

// ListCoins returns every coin ordered by id
func (s *Storage) ListCoins(ctx context.Context) ([]domain.Coin, error) {
	var coins []domain.Coin
	err := s.db.WithContext(ctx).Order("id").Find(&coins).Error
	return coins, err
}

// ActiveCoinIDs returns the ids of coins with status active
func (s *Storage) ActiveCoinIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&domain.Coin{}).
		Where("status = ?", domain.CoinStatusActive).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// SetIconPath records the local icon file of id
func (s *Storage) SetIconPath(ctx context.Context, id, path string) error {
	return s.db.WithContext(ctx).Model(&domain.Coin{}).Where("id = ?", id).Update("icon_path", path).Error
}

// ======================================================================================
// HistoryStore
// ======================================================================================

// Append stores one price-history record
func (s *Storage) Append(ctx context.Context, rec *domain.PriceHistory) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// History returns up to limit records of id, newest first
func (s *Storage) History(ctx context.Context, id string, limit int) ([]domain.PriceHistory, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	var recs []domain.PriceHistory
	err := s.db.WithContext(ctx).
		Where("coin_id = ?", id).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
