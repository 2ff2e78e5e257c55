package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Score cache shared by every daemon consuming the redis queue, with a small
// in-process TinyLFU tier in front.
type RedisScoreCache struct {
	Data   *cache.Cache
	TTL    time.Duration
	Prefix string
}

var _ ScoreCache = (*RedisScoreCache)(nil)

func NewRedisScoreCache(redisURL, prefix string, ttl time.Duration) (*RedisScoreCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisScoreCache{
		Data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(1_000, ttl),
		}),
		TTL:    ttl,
		Prefix: prefix,
	}, nil
}

func (s *RedisScoreCache) key(commentID uint) string {
	return fmt.Sprintf("%s/spam-score/%d", s.Prefix, commentID)
}

func (s *RedisScoreCache) GetScore(ctx context.Context, commentID uint) (int, bool, error) {
	var score int
	err := s.Data.Get(ctx, s.key(commentID), &score)
	if errors.Is(err, cache.ErrCacheMiss) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *RedisScoreCache) SetScore(ctx context.Context, commentID uint, score int) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(commentID),
		Value: score,
		TTL:   s.TTL,
	})
}
