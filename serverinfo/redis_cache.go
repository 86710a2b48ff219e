package serverinfo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisInfoKey is the Redis key the discovered capability record is stored
// under, shared by every client process pointed at the same backend.
const redisInfoKey = "tracekit:server_info"

// RedisCache shares one discovered Info record across a fleet of client
// processes. Cache errors degrade to a miss — the probe simply re-fetches.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache constructs a RedisCache. ttl bounds how long a discovered
// record is trusted before the next process re-probes.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context) (Info, bool) {
	val, err := r.client.Get(ctx, redisInfoKey).Result()
	if err == redis.Nil {
		return Info{}, false
	}
	if err != nil {
		r.logger.Warn("redis GET failed", zap.String("key", redisInfoKey), zap.Error(err))
		return Info{}, false
	}

	var info Info
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		r.logger.Warn("corrupt server info record in redis", zap.Error(err))
		return Info{}, false
	}
	return info, true
}

func (r *RedisCache) Put(ctx context.Context, info Info) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, redisInfoKey, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("redis SET failed", zap.String("key", redisInfoKey), zap.Error(err))
	}
}
