package moderation

import (
	"context"
	"log/slog"
	"sync"
)

// Scorer returning fixed scores, keyed by comment author. Used in tests and dry-run mode.
type StaticScorer struct {
	Default  int
	ByAuthor map[string]int
	Err      error

	lk    sync.Mutex
	calls int
}

var _ SpamScorer = (*StaticScorer)(nil)

func (s *StaticScorer) Score(ctx context.Context, c *Comment, mctx MessageContext) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.calls++
	if s.Err != nil {
		return 0, s.Err
	}
	if v, ok := s.ByAuthor[c.Author]; ok {
		return v, nil
	}
	return s.Default, nil
}

func (s *StaticScorer) Calls() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.calls
}

type CapturedAlert struct {
	CommentID uint
	ReviewURL string
}

// Notifier which records calls instead of sending anything.
type CaptureNotifier struct {
	AlertErr error
	EmailErr error

	lk     sync.Mutex
	alerts []CapturedAlert
	emails []string
}

var _ Notifier = (*CaptureNotifier)(nil)

func (n *CaptureNotifier) NotifyModerators(ctx context.Context, c *Comment, reviewURL string) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.alerts = append(n.alerts, CapturedAlert{CommentID: c.ID, ReviewURL: reviewURL})
	return n.AlertErr
}

func (n *CaptureNotifier) EmailAuthor(ctx context.Context, c *Comment) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.emails = append(n.emails, c.Email)
	return n.EmailErr
}

func (n *CaptureNotifier) Alerts() []CapturedAlert {
	n.lk.Lock()
	defer n.lk.Unlock()
	return append([]CapturedAlert{}, n.alerts...)
}

func (n *CaptureNotifier) Emails() []string {
	n.lk.Lock()
	defer n.lk.Unlock()
	return append([]string{}, n.emails...)
}

type CaptureOptimizer struct {
	Err error

	lk    sync.Mutex
	paths []string
}

var _ MediaOptimizer = (*CaptureOptimizer)(nil)

func (o *CaptureOptimizer) Optimize(ctx context.Context, path string) error {
	o.lk.Lock()
	defer o.lk.Unlock()
	o.paths = append(o.paths, path)
	return o.Err
}

func (o *CaptureOptimizer) Paths() []string {
	o.lk.Lock()
	defer o.lk.Unlock()
	return append([]string{}, o.paths...)
}

// Queue which holds messages until popped; deliveries are driven by the caller.
type CaptureQueue struct {
	Err error

	lk       sync.Mutex
	messages []Message
}

var _ Queue = (*CaptureQueue)(nil)

func (q *CaptureQueue) Enqueue(ctx context.Context, msg Message) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *CaptureQueue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.messages)
}

func (q *CaptureQueue) Pop() (Message, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.messages) == 0 {
		return Message{}, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	return m, true
}

type TestFixture struct {
	Store     *MemCommentStore
	Queue     *CaptureQueue
	Scorer    *StaticScorer
	Optimizer *CaptureOptimizer
	Notifier  *CaptureNotifier
	Worker    *Worker
	Submitter *Submitter
	Reviewer  *Reviewer
}

func WorkerTestFixture() *TestFixture {
	f := &TestFixture{
		Store:     NewMemCommentStore(),
		Queue:     &CaptureQueue{},
		Scorer:    &StaticScorer{},
		Optimizer: &CaptureOptimizer{},
		Notifier:  &CaptureNotifier{},
	}
	w, err := NewWorker(WorkerConfig{
		Logger:    slog.Default(),
		Store:     f.Store,
		Queue:     f.Queue,
		Scorer:    f.Scorer,
		Optimizer: f.Optimizer,
		Notifier:  f.Notifier,
		PhotoDir:  "/srv/photos",
	})
	if err != nil {
		panic(err)
	}
	f.Worker = w
	f.Submitter = &Submitter{Store: f.Store, Queue: f.Queue, BaseURL: "https://guestbook.example.com"}
	f.Reviewer = &Reviewer{Store: f.Store, Queue: f.Queue, BaseURL: "https://guestbook.example.com"}
	return f
}
