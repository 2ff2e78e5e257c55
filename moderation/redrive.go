package moderation

import (
	"context"
	"fmt"
	"log/slog"
)

// States the pipeline still has work for, regardless of the optimized flag.
var UnsettledStates = []State{StateSubmitted, StateHam, StatePotentialSpam}

// States which are only settled once the optimize step has run.
var PublishedStates = []State{StatePublished, StatePublishedHam}

// Reports whether a delivery for c could still change it or trigger a side effect.
func (c *Comment) Unsettled() bool {
	switch c.State {
	case StateSubmitted, StateHam, StatePotentialSpam:
		return true
	case StatePublished, StatePublishedHam:
		return !c.Optimized()
	default:
		return false
	}
}

// Optional CommentStore extension, used to recover messages lost by a
// non-durable queue (or a failed enqueue).
type UnsettledLister interface {
	// IDs of comments for which Unsettled() is true, in ascending order.
	ListUnsettled(ctx context.Context) ([]uint, error)
}

// Redriver enqueues a fresh message for every unsettled comment. The request
// context captured at submission is not persisted, so redriven messages carry
// an empty MessageContext.
//
// NOTE: comments waiting for review get their moderator alert again.
type Redriver struct {
	Logger  *slog.Logger
	Store   UnsettledLister
	Queue   Queue
	BaseURL string
}

func (r *Redriver) Redrive(ctx context.Context) (int, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids, err := r.Store.ListUnsettled(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unsettled comments: %w", err)
	}
	for i, id := range ids {
		msg := Message{
			CommentID: id,
			ReviewURL: ReviewURL(r.BaseURL, id),
		}
		if err := r.Queue.Enqueue(ctx, msg); err != nil {
			return i, fmt.Errorf("redriving comment %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		logger.Info("redrove unsettled comments", "count", len(ids))
	}
	redriven.Add(float64(len(ids)))
	return len(ids), nil
}
