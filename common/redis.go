package common

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/logger"
)

// RDB is the shared Redis client. It is nil until InitRedisClient runs and
// stays nil when Redis isn't configured; callers that want an optional
// distributed backing (the Router's health/least-used counters) must check
// IsRedisEnabled before using it.
var RDB redis.Cmdable

var redisEnabled atomic.Bool

// InitRedisClient connects to Redis when REDIS_CONNECTION_STRING is set.
// Redis backs optional distributed state (the Router's shared health and
// least-used counters); nothing in the gateway requires it, so a missing
// config or a failed connection just leaves it disabled rather than
// aborting startup.
func InitRedisClient() error {
	if config.RedisConnString == "" {
		SetRedisEnabled(false)
		logger.Logger.Info("REDIS_CONNECTION_STRING not set, Redis-backed router state is disabled")
		return nil
	}

	redisConnString := config.RedisConnString
	if config.RedisMasterName == "" {
		opt, err := redis.ParseURL(redisConnString)
		if err != nil {
			SetRedisEnabled(false)
			return errors.Wrap(err, "parse redis connection string")
		}
		RDB = redis.NewClient(opt)
	} else {
		logger.Logger.Info("redis sentinel mode enabled")
		RDB = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      strings.Split(redisConnString, ","),
			Password:   config.RedisPassword,
			MasterName: config.RedisMasterName,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := RDB.Ping(ctx).Result(); err != nil {
		SetRedisEnabled(false)
		logger.Logger.Warn("redis ping failed, falling back to in-process router state", zap.Error(err))
		return nil
	}

	SetRedisEnabled(true)
	logger.Logger.Info("redis-backed router state enabled")
	return nil
}

func IsRedisEnabled() bool {
	return redisEnabled.Load()
}

func SetRedisEnabled(enabled bool) {
	redisEnabled.Store(enabled)
}

func RedisSet(key string, value string, expiration time.Duration) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.Set(context.Background(), key, value, expiration).Err(); err != nil {
		return errors.Wrapf(err, "failed to set redis key: %s", key)
	}
	return nil
}

func RedisGet(key string) (string, error) {
	if RDB == nil {
		return "", errors.New("redis not initialized")
	}
	val, err := RDB.Get(context.Background(), key).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to get redis key: %s", key)
	}
	return val, nil
}

func RedisDel(key string) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.Del(context.Background(), key).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete redis key: %s", key)
	}
	return nil
}

// RedisIncrBy atomically increments key by value and returns the result,
// backing the Router's distributed least-used selection counter.
func RedisIncrBy(key string, value int64) (int64, error) {
	if RDB == nil {
		return 0, errors.New("redis not initialized")
	}
	n, err := RDB.IncrBy(context.Background(), key, value).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment redis key: %s", key)
	}
	return n, nil
}

// RedisSetWithTTL stores value under key with an expiration, backing the
// Router's distributed cool-off window.
func RedisSetWithTTL(key string, value string, ttl time.Duration) error {
	return RedisSet(key, value, ttl)
}

// RedisExists reports whether key is present and unexpired.
func RedisExists(key string) (bool, error) {
	if RDB == nil {
		return false, errors.New("redis not initialized")
	}
	n, err := RDB.Exists(context.Background(), key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check redis key: %s", key)
	}
	return n > 0, nil
}
