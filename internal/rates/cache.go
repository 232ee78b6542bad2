package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const refreshKey = "quotes"

// CacheConfig tunes snapshot reuse.
type CacheConfig struct {
	// Freshness is how long a snapshot is served without contacting the source.
	Freshness time.Duration
	// MaxStaleness bounds how old a snapshot may be when served after a failed refresh.
	MaxStaleness time.Duration
	// RefreshTimeout bounds a single refresh independently of any caller.
	RefreshTimeout time.Duration
}

// Cache memoizes Source results. Concurrent misses share one refresh.
type Cache struct {
	source Source
	cfg    CacheConfig
	logger *slog.Logger
	now    func() time.Time

	group   singleflight.Group
	current atomic.Pointer[Snapshot]
}

// NewCache wraps source with a freshness window and a stale-fallback ceiling.
func NewCache(source Source, cfg CacheConfig, logger *slog.Logger) *Cache {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.MaxStaleness < cfg.Freshness {
		cfg.MaxStaleness = cfg.Freshness
	}
	return &Cache{source: source, cfg: cfg, logger: logger, now: time.Now}
}

// Quotes returns a snapshot no older than the freshness window when the
// source is healthy. The caller's ctx only bounds how long it waits; the
// refresh itself keeps running for the other waiters.
func (c *Cache) Quotes(ctx context.Context) (Snapshot, error) {
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh()
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (c *Cache) fresh() (Snapshot, bool) {
	snap := c.current.Load()
	if snap == nil || c.now().Sub(snap.FetchedAt) >= c.cfg.Freshness {
		return Snapshot{}, false
	}
	return *snap, true
}

func (c *Cache) refresh() (Snapshot, error) {
	// A flight that finished just before this one may already have refreshed.
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	quotes, err := c.source.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		prev := c.current.Load()
		if prev != nil {
			age := c.now().Sub(prev.FetchedAt)
			if age <= c.cfg.MaxStaleness {
				c.warn("serving stale rates", slog.Duration("age", age), slog.Any("error", err))
				stale := *prev
				stale.Stale = true
				return stale, nil
			}
		}
		c.warn("rate refresh failed", slog.Any("error", err))
		return Snapshot{}, err
	}

	snap := &Snapshot{Quotes: quotes, FetchedAt: c.now()}
	c.current.Store(snap)
	return *snap, nil
}

func (c *Cache) warn(msg string, attrs ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, attrs...)
	}
}
