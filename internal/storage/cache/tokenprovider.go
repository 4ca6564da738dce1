package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedTokenProvider is a decorator that adds read-aside caching to any
// TokenProvider. Only the per-account lookup is cached: by-id resolution
// happens on the retry path, where a stale active flag would re-target a
// revoked device.
type CachedTokenProvider struct {
	realProvider delivery.TokenProvider
	cache        CacheClient
	ttl          time.Duration
}

func NewCachedTokenProvider(realProvider delivery.TokenProvider, cache CacheClient, ttl time.Duration) *CachedTokenProvider {
	return &CachedTokenProvider{
		realProvider: realProvider,
		cache:        cache,
		ttl:          ttl,
	}
}

// GetActiveTokens tries the cache first and falls back to the real provider.
func (p *CachedTokenProvider) GetActiveTokens(ctx context.Context, accountID string) ([]delivery.DeviceToken, error) {
	key := p.cacheKey(accountID)

	var cached []delivery.DeviceToken
	if err := p.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := p.realProvider.GetActiveTokens(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Populate cache, fire and forget. Caching is an optimization, not a
	// transaction: if Redis is down we just serve from the store.
	_ = p.cache.Set(ctx, key, fresh, p.ttl)

	return fresh, nil
}

// GetTokensByIDs always goes to the source of truth.
func (p *CachedTokenProvider) GetTokensByIDs(ctx context.Context, ids []string) ([]delivery.DeviceToken, error) {
	return p.realProvider.GetTokensByIDs(ctx, ids)
}

// InvalidateAccount drops the cached token set so the next lookup is forced
// back to the store. The registration subsystem calls this on token writes.
func (p *CachedTokenProvider) InvalidateAccount(ctx context.Context, accountID string) error {
	return p.cache.Del(ctx, p.cacheKey(accountID))
}

func (p *CachedTokenProvider) cacheKey(accountID string) string {
	return fmt.Sprintf("push:tokens:%s", accountID)
}
