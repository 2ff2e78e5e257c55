package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitTestComment(t *testing.T, f *TestFixture, author, photo string) *Comment {
	c, err := f.Submitter.Submit(context.Background(), SubmitRequest{
		ItemSlug:      "amsterdam-2019",
		Author:        author,
		Email:         author + "@example.com",
		Text:          "I loved this talk",
		PhotoFilename: photo,
		Context: MessageContext{
			UserIP:    "203.0.113.7",
			UserAgent: "Mozilla/5.0",
			Referrer:  "https://guestbook.example.com/",
			Permalink: "https://guestbook.example.com/conference/amsterdam-2019",
		},
	})
	require.NoError(t, err)
	return c
}

// pops and handles a single queued message
func deliverNext(t *testing.T, f *TestFixture) Message {
	msg, ok := f.Queue.Pop()
	require.True(t, ok, "expected a queued message")
	require.NoError(t, f.Worker.Handle(context.Background(), msg))
	return msg
}

func loadTestComment(t *testing.T, f *TestFixture, id uint) *Comment {
	c, err := f.Store.Load(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestWorkerRejectsSpam(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	f.Scorer.Default = ScoreSpam

	c := submitTestComment(t, f, "spammer", "")
	msg := deliverNext(t, f)

	assert.Equal(StateSpam, loadTestComment(t, f, c.ID).State)
	assert.Equal(0, f.Queue.Len())
	assert.Empty(f.Notifier.Alerts())
	assert.Empty(f.Notifier.Emails())

	// redelivery is a no-op
	assert.NoError(f.Worker.Handle(context.Background(), msg))
	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StateSpam, stored.State)
	assert.Equal(int64(2), stored.Version)
	assert.Equal(1, f.Scorer.Calls())
	assert.Equal(0, f.Queue.Len())
}

func TestWorkerHamLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	f.Scorer.Default = ScoreHam

	c := submitTestComment(t, f, "fabien", "0a1b2c3d4e5f.png")
	first := deliverNext(t, f)
	assert.Equal(0, first.Hops)
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)

	// accept re-enqueues the same message for the next hop
	require.Equal(t, 1, f.Queue.Len())
	second := deliverNext(t, f)
	assert.Equal(1, second.Hops)
	assert.Equal(first.CommentID, second.CommentID)
	assert.Equal(first.Context, second.Context)
	assert.Equal(first.ReviewURL, second.ReviewURL)

	alerts := f.Notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(c.ID, alerts[0].CommentID)
	assert.Equal("https://guestbook.example.com/admin/comments/1/review", alerts[0].ReviewURL)
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)
	assert.Equal(0, f.Queue.Len())
	assert.Empty(f.Notifier.Emails())
	assert.Empty(f.Optimizer.Paths())

	// moderator publishes
	published, err := f.Reviewer.Publish(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(StatePublished, published.State)
	require.Equal(t, 1, f.Queue.Len())

	third := deliverNext(t, f)
	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StatePublished, stored.State)
	assert.True(stored.Optimized())
	assert.Equal([]string{"/srv/photos/0a1b2c3d4e5f.png"}, f.Optimizer.Paths())
	assert.Equal([]string{"fabien@example.com"}, f.Notifier.Emails())
	assert.Equal(0, f.Queue.Len())

	// duplicate deliveries after the terminal step do nothing
	for _, m := range []Message{first, second, third} {
		assert.NoError(f.Worker.Handle(ctx, m))
	}
	assert.Len(f.Optimizer.Paths(), 1)
	assert.Len(f.Notifier.Emails(), 1)
	assert.Len(f.Notifier.Alerts(), 1)
	assert.Equal(stored.Version, loadTestComment(t, f, c.ID).Version)
}

func TestWorkerPotentialSpamLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	f.Scorer.Default = ScoreMaybeSpam

	c := submitTestComment(t, f, "maybe", "")
	deliverNext(t, f)
	assert.Equal(StatePotentialSpam, loadTestComment(t, f, c.ID).State)

	deliverNext(t, f)
	assert.Len(f.Notifier.Alerts(), 1)
	// waits for the moderator; nothing further is queued
	assert.Equal(0, f.Queue.Len())
	assert.Equal(StatePotentialSpam, loadTestComment(t, f, c.ID).State)

	_, err := f.Reviewer.Publish(ctx, c.ID)
	require.NoError(t, err)
	msg := deliverNext(t, f)

	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StatePublishedHam, stored.State)
	assert.True(stored.Optimized())
	// no photo attached, email is still sent
	assert.Empty(f.Optimizer.Paths())
	assert.Equal([]string{"maybe@example.com"}, f.Notifier.Emails())

	assert.NoError(f.Worker.Handle(ctx, msg))
	assert.Len(f.Notifier.Emails(), 1)
}

func TestWorkerScoreRouting(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	f.Scorer.ByAuthor = map[string]int{
		"alice":   ScoreHam,
		"bob":     ScoreMaybeSpam,
		"mallory": ScoreSpam,
	}

	expected := map[string]State{
		"alice":   StateHam,
		"bob":     StatePotentialSpam,
		"mallory": StateSpam,
	}
	for author, state := range expected {
		c := submitTestComment(t, f, author, "")
		deliverNext(t, f)
		assert.Equal(state, loadTestComment(t, f, c.ID).State, author)
		// drain any follow-up hop so the next submission is first in the queue
		for f.Queue.Len() > 0 {
			deliverNext(t, f)
		}
	}
}

func TestWorkerOptimizerFailureIsNotFatal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	f.Optimizer.Err = errors.New("corrupt image")
	f.Notifier.EmailErr = errors.New("smtp unavailable")

	c := submitTestComment(t, f, "fabien", "broken.jpg")
	deliverNext(t, f)
	deliverNext(t, f)
	_, err := f.Reviewer.Publish(ctx, c.ID)
	require.NoError(t, err)

	msg, ok := f.Queue.Pop()
	require.True(t, ok)
	assert.NoError(f.Worker.Handle(ctx, msg))

	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StatePublished, stored.State)
	assert.True(stored.Optimized())
	assert.Len(f.Optimizer.Paths(), 1)
	assert.Equal([]string{"fabien@example.com"}, f.Notifier.Emails())
}

func TestWorkerNotificationFailureIsNotFatal(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	f.Notifier.AlertErr = errors.New("webhook down")

	c := submitTestComment(t, f, "fabien", "")
	deliverNext(t, f)
	deliverNext(t, f)
	assert.Len(f.Notifier.Alerts(), 1)
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)
}

func TestWorkerMissingComment(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()

	c := submitTestComment(t, f, "fabien", "")
	f.Store.Delete(ctx, c.ID)

	deliverNext(t, f)
	assert.Equal(0, f.Scorer.Calls())
	assert.Equal(0, f.Queue.Len())
}

func TestWorkerScoringUnavailable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	f.Scorer.Err = errors.New("connection refused")

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	err := f.Worker.Handle(ctx, msg)
	assert.ErrorIs(err, ErrScoringUnavailable)

	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StateSubmitted, stored.State)
	assert.Equal(int64(1), stored.Version)
	assert.Equal(0, f.Queue.Len())

	// service back up: the retried delivery proceeds
	f.Scorer.Err = nil
	assert.NoError(f.Worker.Handle(ctx, msg))
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)
}

func TestWorkerScoreOutOfRange(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	f.Scorer.Default = 3

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	assert.ErrorIs(f.Worker.Handle(context.Background(), msg), ErrScoringUnavailable)
	assert.Equal(StateSubmitted, loadTestComment(t, f, c.ID).State)
}

func TestWorkerHopLimit(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	msg.Hops = 1
	assert.NoError(f.Worker.Handle(context.Background(), msg))
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)
	assert.Equal(0, f.Queue.Len())
}

func TestWorkerReenqueueFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	f.Queue.Err = errors.New("queue unavailable")
	assert.Error(f.Worker.Handle(ctx, msg))
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)

	// the redelivered original message picks up where the lost hop would have
	f.Queue.Err = nil
	assert.NoError(f.Worker.Handle(ctx, msg))
	assert.Len(f.Notifier.Alerts(), 1)
	assert.Equal(1, f.Scorer.Calls())
}

type barrierScorer struct {
	wg sync.WaitGroup
}

func (s *barrierScorer) Score(ctx context.Context, c *Comment, mctx MessageContext) (int, error) {
	s.wg.Done()
	s.wg.Wait()
	return ScoreHam, nil
}

func TestWorkerConcurrentDeliveries(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	scorer := &barrierScorer{}
	scorer.wg.Add(2)
	w, err := NewWorker(WorkerConfig{
		Store:     f.Store,
		Queue:     f.Queue,
		Scorer:    scorer,
		Optimizer: f.Optimizer,
		Notifier:  f.Notifier,
	})
	require.NoError(t, err)

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.Handle(ctx, msg)
		}(i)
	}
	wg.Wait()

	assert.NoError(errs[0])
	assert.NoError(errs[1])
	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StateHam, stored.State)
	assert.Equal(int64(2), stored.Version)
	// only the winning delivery re-enqueues; the loser does not go on to alert
	assert.Equal(1, f.Queue.Len())
	assert.Empty(f.Notifier.Alerts())
}

// store whose first saves conflict without the state moving; conflicts < 0 means every save
type conflictStore struct {
	*MemCommentStore
	conflicts int
	saves     int
}

func (s *conflictStore) Save(ctx context.Context, c *Comment) error {
	s.saves++
	if s.conflicts < 0 || s.saves <= s.conflicts {
		return ErrConcurrentModification
	}
	return s.MemCommentStore.Save(ctx, c)
}

func TestWorkerBoundedSaveRetries(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	store := &conflictStore{MemCommentStore: f.Store, conflicts: -1}
	w, err := NewWorker(WorkerConfig{
		Store:           store,
		Queue:           f.Queue,
		Scorer:          f.Scorer,
		Optimizer:       f.Optimizer,
		Notifier:        f.Notifier,
		MaxSaveAttempts: 3,
	})
	require.NoError(t, err)

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	err = w.Handle(ctx, msg)
	assert.ErrorIs(err, ErrConcurrentModification)
	assert.Equal(3, store.saves)
	assert.Equal(StateSubmitted, loadTestComment(t, f, c.ID).State)
	assert.Equal(0, f.Queue.Len())
}

func TestWorkerRetriesTransientSaveConflict(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	store := &conflictStore{MemCommentStore: f.Store, conflicts: 1}
	w, err := NewWorker(WorkerConfig{
		Store:     store,
		Queue:     f.Queue,
		Scorer:    f.Scorer,
		Optimizer: f.Optimizer,
		Notifier:  f.Notifier,
	})
	require.NoError(t, err)

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	assert.NoError(w.Handle(ctx, msg))
	assert.Equal(2, store.saves)

	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StateHam, stored.State)
	assert.Equal(int64(2), stored.Version)
	assert.Equal(1, f.Queue.Len())
	assert.Empty(f.Notifier.Alerts())
}

type panicScorer struct{}

func (panicScorer) Score(ctx context.Context, c *Comment, mctx MessageContext) (int, error) {
	panic("scorer bug")
}

func TestWorkerRecoversPanics(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	w, err := NewWorker(WorkerConfig{
		Store:     f.Store,
		Queue:     f.Queue,
		Scorer:    panicScorer{},
		Optimizer: f.Optimizer,
		Notifier:  f.Notifier,
	})
	require.NoError(t, err)

	submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	assert.Error(w.Handle(context.Background(), msg))
}

func TestReviewerRejectsIllegalPublish(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()

	c := submitTestComment(t, f, "fabien", "")
	_, err := f.Reviewer.Publish(ctx, c.ID)
	assert.True(IsReviewConflict(err))

	_, err = f.Reviewer.Publish(ctx, 12345)
	assert.ErrorIs(err, ErrNotFound)
}

func TestNewWorkerRequiresCollaborators(t *testing.T) {
	_, err := NewWorker(WorkerConfig{Store: NewMemCommentStore()})
	assert.Error(t, err)
}

func TestRedriveRecoversLostMessages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	r := &Redriver{Store: f.Store, Queue: f.Queue, BaseURL: "https://guestbook.example.com"}
	f.Scorer.ByAuthor = map[string]int{"spammer": ScoreSpam}

	spam := submitTestComment(t, f, "spammer", "")
	deliverNext(t, f)
	c := submitTestComment(t, f, "fabien", "0a1b2c3d4e5f.png")
	// queue lost on restart
	_, ok := f.Queue.Pop()
	require.True(t, ok)

	n, err := r.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(1, n)
	msg := deliverNext(t, f)
	assert.Equal(c.ID, msg.CommentID)
	assert.Empty(msg.Context)
	deliverNext(t, f)
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)
	assert.Len(f.Notifier.Alerts(), 1)

	// published, but the follow-up message could not be enqueued
	f.Queue.Err = errors.New("queue unavailable")
	published, err := f.Reviewer.Publish(ctx, c.ID)
	assert.Error(err)
	require.NotNil(t, published)
	assert.Equal(StatePublished, loadTestComment(t, f, c.ID).State)
	f.Queue.Err = nil

	n, err = r.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(1, n)
	deliverNext(t, f)
	stored := loadTestComment(t, f, c.ID)
	assert.True(stored.Optimized())
	assert.Equal([]string{"fabien@example.com"}, f.Notifier.Emails())

	// settled comments are left alone
	n, err = r.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(0, n)
	assert.Equal(StateSpam, loadTestComment(t, f, spam.ID).State)
}

// collaborators which hang until their context gives up
type blockingScorer struct{}

func (blockingScorer) Score(ctx context.Context, c *Comment, mctx MessageContext) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type blockingOptimizer struct {
	calls int
}

func (o *blockingOptimizer) Optimize(ctx context.Context, path string) error {
	o.calls++
	<-ctx.Done()
	return ctx.Err()
}

type blockingNotifier struct {
	*CaptureNotifier
}

func (n blockingNotifier) NotifyModerators(ctx context.Context, c *Comment, reviewURL string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWorkerScoreTimeout(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	w, err := NewWorker(WorkerConfig{
		Store:        f.Store,
		Queue:        f.Queue,
		Scorer:       blockingScorer{},
		Optimizer:    f.Optimizer,
		Notifier:     f.Notifier,
		ScoreTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	c := submitTestComment(t, f, "fabien", "")
	msg, _ := f.Queue.Pop()
	err = w.Handle(context.Background(), msg)
	assert.ErrorIs(err, ErrScoringUnavailable)
	assert.ErrorIs(err, context.DeadlineExceeded)

	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StateSubmitted, stored.State)
	assert.Equal(int64(1), stored.Version)
	assert.Equal(0, f.Queue.Len())
}

func TestWorkerNotifyTimeout(t *testing.T) {
	assert := assert.New(t)
	f := WorkerTestFixture()
	w, err := NewWorker(WorkerConfig{
		Store:         f.Store,
		Queue:         f.Queue,
		Scorer:        f.Scorer,
		Optimizer:     f.Optimizer,
		Notifier:      blockingNotifier{f.Notifier},
		NotifyTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	c := submitTestComment(t, f, "fabien", "")
	for f.Queue.Len() > 0 {
		msg, _ := f.Queue.Pop()
		assert.NoError(w.Handle(context.Background(), msg))
	}
	assert.Equal(StateHam, loadTestComment(t, f, c.ID).State)
}

func TestWorkerOptimizeTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := WorkerTestFixture()
	optimizer := &blockingOptimizer{}
	w, err := NewWorker(WorkerConfig{
		Store:           f.Store,
		Queue:           f.Queue,
		Scorer:          f.Scorer,
		Optimizer:       optimizer,
		Notifier:        f.Notifier,
		PhotoDir:        "/srv/photos",
		OptimizeTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	c := submitTestComment(t, f, "fabien", "0a1b2c3d4e5f.png")
	deliverNext(t, f)
	deliverNext(t, f)
	_, err = f.Reviewer.Publish(ctx, c.ID)
	require.NoError(t, err)

	msg, ok := f.Queue.Pop()
	require.True(t, ok)
	assert.NoError(w.Handle(ctx, msg))
	assert.Equal(1, optimizer.calls)

	// the optimize step is persisted and the author is still emailed
	stored := loadTestComment(t, f, c.ID)
	assert.Equal(StatePublished, stored.State)
	assert.True(stored.Optimized())
	assert.Equal([]string{"fabien@example.com"}, f.Notifier.Emails())
}
