// Package cache memoizes calls to the external market-data source.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coinsim/internal/domain"

	"golang.org/x/sync/singleflight"
)

// Observer receives cache outcomes (metrics hook)
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheStale()
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Memo is a time-boxed memoization table with stale-if-error semantics.
type Memo[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
	now     func() time.Time
	obs     Observer
	logger  *slog.Logger
}

// NewMemo creates an empty Memo
func NewMemo[V any](obs Observer) *Memo[V] {
	return &Memo[V]{
		entries: make(map[string]entry[V]),
		now:     time.Now,
		obs:     obs,
		logger:  slog.Default().With("module", "cache"),
	}
}

// Get returns the memoized value for key if it is younger than ttl.
// Otherwise it calls fetch; on failure the last value is returned even when expired,
// and an error is only reported if nothing was ever cached for key.
func (m *Memo[V]) Get(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := m.fresh(key, ttl); ok {
		m.hit()
		return v, nil
	}
	m.miss()

	res, err, _ := m.group.Do(key, func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the group
		if v, ok := m.fresh(key, ttl); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.entries[key] = entry[V]{value: v, fetchedAt: m.now()}
		m.mu.Unlock()
		return v, nil
	})
	if err == nil {
		return res.(V), nil
	}

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		m.stale()
		m.logger.Warn("Serving stale value after fetch failure",
			slog.String("key", key),
			slog.Duration("age", m.now().Sub(e.fetchedAt)),
			slog.Any("error", err),
		)
		return e.value, nil
	}

	var zero V
	return zero, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, key, err)
}

// Peek returns the cached value regardless of age
func (m *Memo[V]) Peek(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e.value, ok
}

// Invalidate drops the cached value for key
func (m *Memo[V]) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *Memo[V]) fresh(key string, ttl time.Duration) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || m.now().Sub(e.fetchedAt) >= ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *Memo[V]) hit() {
	if m.obs != nil {
		m.obs.CacheHit()
	}
}

func (m *Memo[V]) miss() {
	if m.obs != nil {
		m.obs.CacheMiss()
	}
}

func (m *Memo[V]) stale() {
	if m.obs != nil {
		m.obs.CacheStale()
	}
}
