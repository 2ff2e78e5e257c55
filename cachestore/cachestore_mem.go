package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Per-process score cache; sufficient when a single daemon consumes the queue.
type MemScoreCache struct {
	scores *expirable.LRU[uint, int]
}

var _ ScoreCache = (*MemScoreCache)(nil)

func NewMemScoreCache(capacity int, ttl time.Duration) *MemScoreCache {
	return &MemScoreCache{
		scores: expirable.NewLRU[uint, int](capacity, nil, ttl),
	}
}

func (s *MemScoreCache) GetScore(ctx context.Context, commentID uint) (int, bool, error) {
	score, ok := s.scores.Get(commentID)
	return score, ok, nil
}

func (s *MemScoreCache) SetScore(ctx context.Context, commentID uint, score int) error {
	s.scores.Add(commentID, score)
	return nil
}
