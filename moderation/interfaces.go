package moderation

import (
	"context"
)

// Spam score contract: 0 (ham), 1 (maybe spam), 2 (blatant spam).
const (
	ScoreHam       = 0
	ScoreMaybeSpam = 1
	ScoreSpam      = 2
)

type SpamScorer interface {
	// Errors should wrap ErrScoringUnavailable.
	Score(ctx context.Context, c *Comment, mctx MessageContext) (int, error)
}

// Rewrites an image file in place.
type MediaOptimizer interface {
	Optimize(ctx context.Context, path string) error
}

type Notifier interface {
	NotifyModerators(ctx context.Context, c *Comment, reviewURL string) error
	EmailAuthor(ctx context.Context, c *Comment) error
}

type CommentStore interface {
	// Returns ErrNotFound if the comment does not exist.
	Load(ctx context.Context, id uint) (*Comment, error)
	// Assigns ID and Version.
	Create(ctx context.Context, c *Comment) error
	// Persists c if the stored version still matches c.Version, otherwise
	// returns ErrConcurrentModification. Bumps c.Version on success.
	Save(ctx context.Context, c *Comment) error
}

// At-least-once transport for moderation messages.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
}
