// Package cache is the read-through redis collaborator for the collect
// phase. Channel attributes are kept without expiry; recent-video samples
// expire after 24 hours so stale engagement numbers cannot feed new runs.
// Cache failures degrade to API calls, never to errors.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/kolscope/kolscope/internal/models"
)

const (
	channelKeyPrefix = "kolscope:channel:"
	sampleKeyPrefix  = "kolscope:sample:"

	defaultSampleTTL = 24 * time.Hour
)

// Cache wraps a redis connection pool with the two access patterns the
// pipeline needs.
type Cache struct {
	pool      *redis.Pool
	sampleTTL time.Duration
	logger    *slog.Logger
}

// New connects a cache to the redis server at addr.
func New(addr string, logger *slog.Logger) *Cache {
	pool := &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	return NewWithPool(pool, logger)
}

// NewWithPool builds a cache over an existing pool, used by tests.
func NewWithPool(pool *redis.Pool, logger *slog.Logger) *Cache {
	return &Cache{
		pool:      pool,
		sampleTTL: defaultSampleTTL,
		logger:    logger,
	}
}

// Ping reports whether the cache is reachable.
func (c *Cache) Ping() error {
	conn := c.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.pool.Close()
}

// GetChannel returns cached core attributes for a channel, if present.
func (c *Cache) GetChannel(channelID string) (*models.Channel, bool) {
	var ch models.Channel
	if !c.get(channelKeyPrefix+channelID, &ch) {
		return nil, false
	}
	return &ch, true
}

// SetChannel caches core attributes with no expiry.
func (c *Cache) SetChannel(ch *models.Channel) {
	c.set(channelKeyPrefix+ch.ChannelID, ch, 0)
}

// GetVideoSample returns the cached recent-video sample for a channel.
func (c *Cache) GetVideoSample(channelID string) ([]models.Video, bool) {
	var videos []models.Video
	if !c.get(sampleKeyPrefix+channelID, &videos) {
		return nil, false
	}
	return videos, true
}

// SetVideoSample caches the recent-video sample for the bounded TTL.
func (c *Cache) SetVideoSample(channelID string, videos []models.Video) {
	c.set(sampleKeyPrefix+channelID, videos, c.sampleTTL)
}

// Invalidate drops both cached entries for a channel, used on manual
// refresh requests.
func (c *Cache) Invalidate(channelID string) {
	conn := c.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("DEL", channelKeyPrefix+channelID, sampleKeyPrefix+channelID); err != nil {
		c.logger.Warn("cache invalidation failed", "channel_id", channelID, "error", err)
	}
}

func (c *Cache) get(key string, out interface{}) bool {
	conn := c.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", key))
	if err == redis.ErrNil {
		return false
	}
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return false
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		conn.Do("DEL", key)
		return false
	}
	return true
}

func (c *Cache) set(key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}

	conn := c.pool.Get()
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", key, data, "EX", int64(ttl.Seconds()))
	} else {
		_, err = conn.Do("SET", key, data)
	}
	if err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
