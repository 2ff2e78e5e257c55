// Cache of spam scores, keyed by comment.
//
// The spam scorer uses this so that a delivery retried after a failed save does
// not call the scoring service a second time for the same comment. Scores expire
// after a fixed TTL; a comment is only scored while submitted, so stale entries
// are never read back after the comment moves on.
package cachestore

import (
	"context"
)

type ScoreCache interface {
	// Returns ok=false on a cache miss.
	GetScore(ctx context.Context, commentID uint) (score int, ok bool, err error)
	SetScore(ctx context.Context, commentID uint, score int) error
}
