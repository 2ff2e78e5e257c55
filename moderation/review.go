package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type SubmitRequest struct {
	ItemSlug      string
	Author        string
	Email         string
	Text          string
	PhotoFilename string
	Context       MessageContext
}

// Submitter persists new comments and enqueues their initial moderation message.
type Submitter struct {
	Logger  *slog.Logger
	Store   CommentStore
	Queue   Queue
	BaseURL string
}

func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*Comment, error) {
	if req.ItemSlug == "" || req.Author == "" || req.Email == "" || req.Text == "" {
		return nil, fmt.Errorf("comment submission requires item, author, email and text")
	}
	c := NewComment(req.ItemSlug, req.Author, req.Email, req.Text)
	c.PhotoFilename = req.PhotoFilename
	if err := s.Store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("creating comment: %w", err)
	}
	msg := Message{
		CommentID: c.ID,
		ReviewURL: ReviewURL(s.BaseURL, c.ID),
		Context:   req.Context,
	}
	if err := s.Queue.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueueing moderation message: %w", err)
	}
	s.logger().Info("comment submitted", "comment", c.ID, "item", c.ItemSlug)
	return c, nil
}

func (s *Submitter) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func ReviewURL(baseURL string, id uint) string {
	return fmt.Sprintf("%s/admin/comments/%d/review", strings.TrimSuffix(baseURL, "/"), id)
}

// Reviewer applies moderator decisions. Publishing a comment enqueues a fresh
// moderation message so the worker finishes the publication.
type Reviewer struct {
	Logger  *slog.Logger
	Machine *Machine
	Store   CommentStore
	Queue   Queue
	BaseURL string
}

// Publishes a comment awaiting moderator review: ham is published, potential
// spam is published as ham.
func (r *Reviewer) Publish(ctx context.Context, id uint) (*Comment, error) {
	machine := r.Machine
	if machine == nil {
		machine = DefaultMachine
	}
	c, err := r.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	var t Transition
	switch {
	case machine.CanFire(c.State, TransitionPublish):
		t = TransitionPublish
	case machine.CanFire(c.State, TransitionPublishHam):
		t = TransitionPublishHam
	default:
		return nil, &IllegalTransitionError{From: c.State, Transition: TransitionPublish}
	}
	to, err := machine.Apply(c.State, t)
	if err != nil {
		return nil, err
	}
	c.State = to
	if err := r.Store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("persisting %s transition: %w", t, err)
	}
	transitionsFired.WithLabelValues(string(t)).Inc()

	msg := Message{
		CommentID: c.ID,
		ReviewURL: ReviewURL(r.BaseURL, c.ID),
	}
	if err := r.Queue.Enqueue(ctx, msg); err != nil {
		// the comment stays published but unoptimized until a Redriver picks it up
		return c, fmt.Errorf("enqueueing moderation message: %w", err)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("comment published by moderator", "comment", c.ID, "transition", t)
	return c, nil
}

// True for errors a moderator can fix by looking at the comment again (stale
// state, concurrent update), as opposed to infrastructure failures.
func IsReviewConflict(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite) || errors.Is(err, ErrConcurrentModification)
}
