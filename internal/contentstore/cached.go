package contentstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const redisKeyPrefix = "twinguard:object:"

// CachedStore fronts a Store with an in-process tier and an optional Redis
// tier. Content is immutable per identifier, so entries are never
// invalidated, only expired.
type CachedStore struct {
	backend Store
	mem     *objectCache
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

// CacheConfig configures a CachedStore. A nil Redis disables the shared tier.
type CacheConfig struct {
	TTL   time.Duration // default 10m
	Redis *redis.Client
}

// NewCachedStore wraps backend.
func NewCachedStore(backend Store, cfg CacheConfig, logger *zap.Logger) *CachedStore {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{
		backend: backend,
		mem:     newObjectCache(ttl),
		rdb:     cfg.Redis,
		ttl:     ttl,
		logger:  logger,
	}
}

// Fetch implements Store. Concurrent fetches of the same identifier share
// one backend round trip.
func (s *CachedStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	if data, ok := s.mem.get(cid); ok {
		return clone(data), nil
	}

	v, err, _ := s.group.Do(cid, func() (any, error) {
		if data, ok := s.fromRedis(ctx, cid); ok {
			s.mem.set(cid, data)
			return data, nil
		}
		data, err := s.backend.Fetch(ctx, cid)
		if err != nil {
			return nil, err
		}
		s.remember(ctx, cid, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

// Store implements Store and seeds both tiers with the new object.
func (s *CachedStore) Store(ctx context.Context, data []byte) (string, error) {
	cid, err := s.backend.Store(ctx, data)
	if err != nil {
		return "", err
	}
	s.remember(ctx, cid, clone(data))
	return cid, nil
}

// StartEviction periodically drops expired in-process entries until ctx is
// done. Redis entries expire on their own.
func (s *CachedStore) StartEviction(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.mem.evict(); n > 0 {
					s.logger.Debug("content cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

func (s *CachedStore) fromRedis(ctx context.Context, cid string) ([]byte, bool) {
	if s.rdb == nil {
		return nil, false
	}
	data, err := s.rdb.Get(ctx, redisKeyPrefix+cid).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("redis cache read failed", zap.String("cid", cid), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (s *CachedStore) remember(ctx context.Context, cid string, data []byte) {
	s.mem.set(cid, data)
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+cid, data, s.ttl).Err(); err != nil {
		s.logger.Warn("redis cache write failed", zap.String("cid", cid), zap.Error(err))
	}
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
