package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	outcomeMissing  = "missing"
	outcomeScored   = "scored"
	outcomeNotified = "notified"
	outcomeOptimize = "optimized"
	outcomeDropped  = "dropped"
	outcomeRaced    = "raced"
	outcomeError    = "error"
)

type WorkerConfig struct {
	Logger    *slog.Logger
	Machine   *Machine
	Store     CommentStore
	Queue     Queue
	Scorer    SpamScorer
	Optimizer MediaOptimizer
	Notifier  Notifier

	// directory holding uploaded photos; joined with Comment.PhotoFilename
	PhotoDir string

	// number of automatic re-enqueues allowed per message chain (default 1)
	MaxAutoHops int
	// persist attempts per delivery when hitting optimistic concurrency conflicts
	MaxSaveAttempts int

	ScoreTimeout    time.Duration
	NotifyTimeout   time.Duration
	OptimizeTimeout time.Duration
}

// Worker advances comments through the moderation state machine, one message delivery at a time.
type Worker struct {
	logger    *slog.Logger
	machine   *Machine
	store     CommentStore
	queue     Queue
	scorer    SpamScorer
	optimizer MediaOptimizer
	notifier  Notifier
	photoDir  string

	maxAutoHops     int
	maxSaveAttempts int
	scoreTimeout    time.Duration
	notifyTimeout   time.Duration
	optimizeTimeout time.Duration
}

func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Store == nil || config.Queue == nil || config.Scorer == nil || config.Optimizer == nil || config.Notifier == nil {
		return nil, fmt.Errorf("moderation worker requires store, queue, scorer, optimizer and notifier")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machine := config.Machine
	if machine == nil {
		machine = DefaultMachine
	}
	w := &Worker{
		logger:          logger.With("component", "moderation-worker"),
		machine:         machine,
		store:           config.Store,
		queue:           config.Queue,
		scorer:          config.Scorer,
		optimizer:       config.Optimizer,
		notifier:        config.Notifier,
		photoDir:        config.PhotoDir,
		maxAutoHops:     config.MaxAutoHops,
		maxSaveAttempts: config.MaxSaveAttempts,
		scoreTimeout:    config.ScoreTimeout,
		notifyTimeout:   config.NotifyTimeout,
		optimizeTimeout: config.OptimizeTimeout,
	}
	if w.maxAutoHops <= 0 {
		w.maxAutoHops = 1
	}
	if w.maxSaveAttempts <= 0 {
		w.maxSaveAttempts = 3
	}
	if w.scoreTimeout <= 0 {
		w.scoreTimeout = 10 * time.Second
	}
	if w.notifyTimeout <= 0 {
		w.notifyTimeout = 10 * time.Second
	}
	if w.optimizeTimeout <= 0 {
		w.optimizeTimeout = 30 * time.Second
	}
	return w, nil
}

// Handle processes a single delivery of msg. Redelivery of a message which no
// longer applies to the comment's persisted state is a successful no-op.
func (w *Worker) Handle(ctx context.Context, msg Message) (err error) {
	ctx, span := tracer.Start(ctx, "HandleModerationMessage")
	span.SetAttributes(attribute.Int64("comment", int64(msg.CommentID)), attribute.Int("hops", msg.Hops))
	start := time.Now()
	logger := w.logger.With("comment", msg.CommentID, "hops", msg.Hops)

	outcome := outcomeError
	defer func() {
		// similar to an HTTP server, recover any panics from collaborators
		if r := recover(); r != nil {
			logger.Error("moderation message handler panic", "err", r)
			err = fmt.Errorf("moderation handler panic: %v", r)
			outcome = outcomeError
		}
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		messagesHandled.WithLabelValues(outcome).Inc()
		messageDuration.Observe(time.Since(start).Seconds())
	}()

	// state and optimized flag as loaded by the previous, conflicting attempt
	var prevState State
	var prevOptimized bool
	for attempt := 1; ; attempt++ {
		c, err := w.store.Load(ctx, msg.CommentID)
		if errors.Is(err, ErrNotFound) {
			logger.Info("comment no longer exists, nothing to moderate")
			outcome = outcomeMissing
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading comment %d: %w", msg.CommentID, err)
		}
		if attempt > 1 && (prevState != c.State || prevOptimized != c.Optimized()) {
			// a concurrent delivery already moved the comment past this decision point
			logger.Info("lost race for comment update", "loaded", prevState, "current", c.State)
			outcome = outcomeRaced
			return nil
		}
		prevState, prevOptimized = c.State, c.Optimized()

		outcome, err = w.step(ctx, logger, c, msg)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		saveConflicts.Inc()
		if attempt >= w.maxSaveAttempts {
			outcome = outcomeError
			return fmt.Errorf("saving comment %d after %d attempts: %w", msg.CommentID, attempt, err)
		}
		logger.Warn("concurrent modification, reloading comment", "attempt", attempt)
	}
}

// Runs exactly one branch of the moderation pipeline for the loaded comment.
func (w *Worker) step(ctx context.Context, logger *slog.Logger, c *Comment, msg Message) (string, error) {
	switch {
	case w.machine.CanFire(c.State, TransitionAccept):
		return w.scoreComment(ctx, logger, c, msg)
	case w.machine.CanFire(c.State, TransitionPublish) || w.machine.CanFire(c.State, TransitionPublishHam):
		return w.notifyModerators(ctx, logger, c, msg)
	case w.machine.CanFire(c.State, TransitionOptimize) && !c.Optimized():
		return w.finishPublished(ctx, logger, c)
	default:
		logger.Debug("dropping comment message", "state", c.State)
		return outcomeDropped, nil
	}
}

func (w *Worker) scoreComment(ctx context.Context, logger *slog.Logger, c *Comment, msg Message) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, w.scoreTimeout)
	score, err := w.scorer.Score(sctx, c, msg.Context)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrScoringUnavailable) {
			err = fmt.Errorf("%w: %w", ErrScoringUnavailable, err)
		}
		return outcomeError, err
	}
	t, err := TransitionForScore(score)
	if err != nil {
		return outcomeError, fmt.Errorf("%w: %w", ErrScoringUnavailable, err)
	}
	spamScores.WithLabelValues(strconv.Itoa(score)).Inc()

	if err := w.fire(ctx, c, t); err != nil {
		return outcomeError, err
	}
	logger.Info("scored comment", "score", score, "transition", t, "state", c.State)

	if IsTerminal(c.State) {
		return outcomeScored, nil
	}
	if msg.Hops >= w.maxAutoHops {
		logger.Warn("automatic hop limit reached, not re-enqueueing", "limit", w.maxAutoHops)
		return outcomeScored, nil
	}
	// a failed enqueue is returned so the queue redelivers the original message,
	// which re-evaluates the already persisted state
	if err := w.queue.Enqueue(ctx, msg.Next()); err != nil {
		return outcomeError, fmt.Errorf("re-enqueueing moderation message: %w", err)
	}
	return outcomeScored, nil
}

// NOTE: there is no record of moderators having been notified, so a redelivery
// before the moderator acts sends the notification again.
func (w *Worker) notifyModerators(ctx context.Context, logger *slog.Logger, c *Comment, msg Message) (string, error) {
	nctx, cancel := context.WithTimeout(ctx, w.notifyTimeout)
	defer cancel()
	if err := w.notifier.NotifyModerators(nctx, c, msg.ReviewURL); err != nil {
		logger.Error("failed to notify moderators", "err", err, "state", c.State)
		sideEffectFailures.WithLabelValues("notify_moderators").Inc()
		return outcomeNotified, nil
	}
	logger.Info("notified moderators", "state", c.State, "reviewURL", msg.ReviewURL)
	return outcomeNotified, nil
}

// The optimize transition is persisted before the side effects run, so a
// delivery which loses a race for the update never emails the author.
func (w *Worker) finishPublished(ctx context.Context, logger *slog.Logger, c *Comment) (string, error) {
	if err := w.fire(ctx, c, TransitionOptimize); err != nil {
		return outcomeError, err
	}

	if c.PhotoFilename != "" {
		path := filepath.Join(w.photoDir, c.PhotoFilename)
		octx, cancel := context.WithTimeout(ctx, w.optimizeTimeout)
		err := w.optimizer.Optimize(octx, path)
		cancel()
		if err != nil {
			logger.Warn("failed to optimize comment photo", "err", err, "path", path)
			sideEffectFailures.WithLabelValues("optimize_photo").Inc()
		}
	}

	nctx, cancel := context.WithTimeout(ctx, w.notifyTimeout)
	defer cancel()
	if err := w.notifier.EmailAuthor(nctx, c); err != nil {
		logger.Error("failed to email comment author", "err", err)
		sideEffectFailures.WithLabelValues("email_author").Inc()
	}
	logger.Info("comment publication finished", "state", c.State)
	return outcomeOptimize, nil
}

// Persists the transition; c is only updated once the save succeeds.
func (w *Worker) fire(ctx context.Context, c *Comment, t Transition) error {
	to, err := w.machine.Apply(c.State, t)
	if err != nil {
		return err
	}
	next := c.Clone()
	next.State = to
	if t == TransitionOptimize {
		now := time.Now().UTC()
		next.OptimizedAt = &now
	}
	if err := w.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persisting %s transition: %w", t, err)
	}
	*c = *next
	transitionsFired.WithLabelValues(string(t)).Inc()
	return nil
}
