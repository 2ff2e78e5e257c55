package spamcheck

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guestbook-social/guestbook/cachestore"
	"github.com/guestbook-social/guestbook/moderation"
)

// CachedScorer remembers the score of each comment, so a delivery which is
// retried after a failed save does not hit the scoring service again.
type CachedScorer struct {
	Inner  moderation.SpamScorer
	Cache  cachestore.ScoreCache
	Logger *slog.Logger
}

var _ moderation.SpamScorer = (*CachedScorer)(nil)

func (s *CachedScorer) Score(ctx context.Context, c *moderation.Comment, mctx moderation.MessageContext) (int, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	score, ok, err := s.Cache.GetScore(ctx, c.ID)
	if err != nil {
		// cache failures only cost an extra scoring call
		logger.Warn("failed to read cached spam score", "comment", c.ID, "err", err)
	} else if ok {
		scoreCacheHits.Inc()
		return score, nil
	}

	score, err = s.Inner.Score(ctx, c, mctx)
	if err != nil {
		return 0, err
	}
	if score < moderation.ScoreHam || score > moderation.ScoreSpam {
		return 0, fmt.Errorf("%w: score out of range: %d", moderation.ErrScoringUnavailable, score)
	}
	if err := s.Cache.SetScore(ctx, c.ID, score); err != nil {
		logger.Warn("failed to cache spam score", "comment", c.ID, "err", err)
	}
	return score, nil
}
