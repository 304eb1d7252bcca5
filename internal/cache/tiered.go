package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// TieredCache routes to the backing store and transparently falls back to
// the in-process tier when the backing store errors. Callers never see a
// backing-store failure, only misses.
type TieredCache struct {
	backing  Store
	fallback Store
	ttls     TTLs
}

func NewTiered(backing, fallback Store, ttls TTLs) *TieredCache {
	return &TieredCache{backing: backing, fallback: fallback, ttls: ttls}
}

func (c *TieredCache) Get(ctx context.Context, class TTLClass, key string) ([]byte, bool) {
	value, err := c.backing.Get(ctx, key)
	if err == nil {
		return value, true
	}
	if !errors.Is(err, ErrMiss) {
		log.Warn().Str("key", key).Err(err).Msg("backing cache unavailable, trying memory tier")
		if value, err := c.fallback.Get(ctx, key); err == nil {
			return value, true
		}
	}
	return nil, false
}

func (c *TieredCache) Set(ctx context.Context, class TTLClass, key string, value []byte) {
	ttl := c.ttls.For(class)
	if err := c.backing.Set(ctx, key, value, ttl); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("backing cache write failed, using memory tier")
		if err := c.fallback.Set(ctx, key, value, ttl); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("memory cache write failed")
		}
	}
}
