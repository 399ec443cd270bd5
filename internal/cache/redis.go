package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCorruptEntry is returned when a cached value is not a float32 vector
var ErrCorruptEntry = errors.New("corrupt cache entry")

// EmbeddingCache handles Redis-based caching of pooled embeddings
type EmbeddingCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	stats  *cacheStats
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewEmbeddingCache creates a new Redis-based embedding cache
func NewEmbeddingCache(config *Config, logger *zap.Logger) (*EmbeddingCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	cache := newEmbeddingCache(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.Ping(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL),
		zap.String("key_prefix", config.KeyPrefix))

	return cache, nil
}

func newEmbeddingCache(client *redis.Client, config *Config, logger *zap.Logger) *EmbeddingCache {
	return &EmbeddingCache{
		client: client,
		config: config,
		logger: logger,
		stats:  &cacheStats{},
	}
}

// Ping tests the Redis connection
func (c *EmbeddingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the embedding stored under key. ok is false on a miss.
func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		c.stats.errors.Add(1)
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	embedding, err := decodeEmbedding(data)
	if err != nil {
		c.stats.misses.Add(1)
		c.logger.Warn("Deleting corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, c.key(key))
		return nil, false, nil
	}

	c.stats.hits.Add(1)
	return embedding, true, nil
}

// MGet looks up several keys in one round trip. Misses are nil entries.
func (c *EmbeddingCache) MGet(ctx context.Context, keys []string) ([][]float32, error) {
	out := make([][]float32, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}

	values, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		c.stats.errors.Add(1)
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	var hits int64
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		embedding, err := decodeEmbedding([]byte(s))
		if err != nil {
			c.logger.Warn("Skipping corrupt cache entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[i] = embedding
		hits++
	}

	c.stats.hits.Add(hits)
	c.stats.misses.Add(int64(len(keys)) - hits)

	c.logger.Debug("Cache lookup",
		zap.Int("keys", len(keys)),
		zap.Int64("hits", hits))

	return out, nil
}

// Set caches one embedding with the default TTL
func (c *EmbeddingCache) Set(ctx context.Context, key string, embedding []float32) error {
	if err := c.client.Set(ctx, c.key(key), encodeEmbedding(embedding), c.config.DefaultTTL).Err(); err != nil {
		c.stats.errors.Add(1)
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// SetBatch caches multiple embeddings efficiently using a Redis pipeline
func (c *EmbeddingCache) SetBatch(ctx context.Context, keys []string, embeddings [][]float32) error {
	if len(keys) != len(embeddings) {
		return fmt.Errorf("keys and embeddings length mismatch: %d != %d", len(keys), len(embeddings))
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for i, k := range keys {
		if embeddings[i] == nil {
			continue
		}
		pipe.Set(ctx, c.key(k), encodeEmbedding(embeddings[i]), c.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.stats.errors.Add(1)
		c.logger.Error("Batch cache operation failed", zap.Error(err))
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	c.logger.Debug("Batch cache operation completed",
		zap.Int("cached_embeddings", len(keys)))

	return nil
}

// GetStats returns cache performance statistics
func (c *EmbeddingCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := c.localStats()

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

func (c *EmbeddingCache) localStats() *CacheStats {
	stats := &CacheStats{
		Hits:   c.stats.hits.Load(),
		Misses: c.stats.misses.Load(),
		Errors: c.stats.errors.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// Clear removes all cached embeddings under the key prefix
func (c *EmbeddingCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.key("*"), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			c.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *EmbeddingCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *EmbeddingCache) key(k string) string {
	if c.config.KeyPrefix == "" {
		return "emb:" + k
	}
	return c.config.KeyPrefix + ":emb:" + k
}

// encodeEmbedding packs float32 values little-endian
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrCorruptEntry, len(data))
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return embedding, nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	scheme := strings.Index(url, "://")
	at := strings.LastIndex(url, "@")
	if scheme < 0 || at < scheme {
		return url
	}
	userinfo := url[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return url
	}
	return url[:scheme+3] + userinfo[:colon+1] + "***" + url[at:]
}
