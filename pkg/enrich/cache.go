package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mswtools/msw-harvester/pkg/record"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_detail_cache_hits_total",
		Help: "Detail cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_detail_cache_misses_total",
		Help: "Detail cache misses",
	})
	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_detail_cache_errors_total",
		Help: "Detail cache errors by operation",
	}, []string{"operation"})
)

const cacheKeyPrefix = "msw:detail:"

// DefaultCacheTTL bounds how long a cached detail is reused. Details change
// rarely, but tags do get edited.
const DefaultCacheTTL = 7 * 24 * time.Hour

// Cache is a Redis-backed detail cache keyed by normalized ruid. All
// operations are best-effort: a broken cache degrades to fetching.
type Cache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCache creates a cache. A zero ttl uses DefaultCacheTTL.
func NewCache(redisClient *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		redis:  redisClient,
		ttl:    ttl,
		logger: log.With().Str("component", "enrich-cache").Logger(),
	}
}

// Get returns the cached detail for a ruid.
func (c *Cache) Get(ctx context.Context, ruid string) (record.Detail, bool) {
	data, err := c.redis.Get(ctx, cacheKeyPrefix+ruid).Bytes()
	if err != nil {
		if err != redis.Nil {
			cacheErrors.WithLabelValues("get").Inc()
			c.logger.Warn().Err(err).Msg("Cache get failed")
		}
		cacheMisses.Inc()
		return record.Detail{}, false
	}

	var detail record.Detail
	if err := json.Unmarshal(data, &detail); err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		cacheMisses.Inc()
		return record.Detail{}, false
	}
	cacheHits.Inc()
	return detail, true
}

// Set stores the detail for a ruid with the cache TTL.
func (c *Cache) Set(ctx context.Context, ruid string, detail record.Detail) {
	data, err := json.Marshal(detail)
	if err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		return
	}
	if err := c.redis.Set(ctx, cacheKeyPrefix+ruid, data, c.ttl).Err(); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		c.logger.Warn().Err(err).Msg("Cache set failed")
	}
}
