package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guestbook-social/guestbook/moderation"

	"github.com/prometheus/client_golang/prometheus"
)

// MemQueue runs moderation messages on a fixed number of workers. Messages for
// the same comment are never processed concurrently: while a comment has a
// message in flight, further messages for it are held and run in order by the
// same worker.
type MemQueue struct {
	maxConcurrency int
	maxAttempts    int
	retryBackoff   time.Duration

	feeder chan *task
	out    chan struct{}

	lk      sync.Mutex
	active  map[uint][]*task
	dead    []DeadLetter
	closed  bool
	started bool

	inflight sync.WaitGroup

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsRetried   prometheus.Counter
	itemsDead      prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

var _ Consumer = (*MemQueue)(nil)

type task struct {
	msg      moderation.Message
	attempts int
	control  string
}

func NewMemQueue(ident string, config Config) *MemQueue {
	config.setDefaults()
	return &MemQueue{
		maxConcurrency: config.Workers,
		maxAttempts:    config.MaxAttempts,
		retryBackoff:   config.RetryBackoff,

		feeder: make(chan *task, config.MaxQueue),
		out:    make(chan struct{}),
		active: make(map[uint][]*task),

		ident: ident,

		itemsAdded:     itemsAdded.WithLabelValues(ident, "mem"),
		itemsProcessed: itemsProcessed.WithLabelValues(ident, "mem"),
		itemsFailed:    itemsFailed.WithLabelValues(ident, "mem"),
		itemsRetried:   itemsRetried.WithLabelValues(ident, "mem"),
		itemsDead:      itemsDeadLettered.WithLabelValues(ident, "mem"),
		workersActive:  workersActive.WithLabelValues(ident, "mem"),

		log: config.Logger.With("system", "mem-queue", "queue", ident),
	}
}

// Start launches the workers and returns immediately.
func (q *MemQueue) Start(ctx context.Context, handler Handler) {
	q.lk.Lock()
	if q.started {
		q.lk.Unlock()
		return
	}
	q.started = true
	q.lk.Unlock()

	for i := 0; i < q.maxConcurrency; i++ {
		go q.worker(ctx, handler)
	}
	q.workersActive.Set(float64(q.maxConcurrency))
}

func (q *MemQueue) Run(ctx context.Context, handler Handler) error {
	q.Start(ctx, handler)
	<-ctx.Done()
	q.Shutdown()
	return nil
}

func (q *MemQueue) Shutdown() {
	q.log.Info("shutting down mem queue")

	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.lk.Unlock()

	if started {
		for i := 0; i < q.maxConcurrency; i++ {
			q.feeder <- &task{control: "stop"}
		}
		for i := 0; i < q.maxConcurrency; i++ {
			<-q.out
		}
	}
	q.workersActive.Set(0)
	q.log.Info("mem queue shutdown complete")
}

func (q *MemQueue) Enqueue(ctx context.Context, msg moderation.Message) error {
	q.lk.Lock()
	closed := q.closed
	q.lk.Unlock()
	if closed {
		return ErrQueueClosed
	}
	q.itemsAdded.Inc()
	q.inflight.Add(1)
	if err := q.add(ctx, &task{msg: msg}); err != nil {
		q.inflight.Done()
		return err
	}
	return nil
}

func (q *MemQueue) add(ctx context.Context, t *task) error {
	key := t.msg.CommentID
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return ErrQueueClosed
	}
	a, ok := q.active[key]
	if ok {
		q.active[key] = append(a, t)
		q.lk.Unlock()
		return nil
	}
	q.active[key] = []*task{}
	q.lk.Unlock()

	select {
	case q.feeder <- t:
		return nil
	case <-ctx.Done():
		q.lk.Lock()
		delete(q.active, key)
		q.lk.Unlock()
		return ctx.Err()
	}
}

func (q *MemQueue) worker(ctx context.Context, handler Handler) {
	for work := range q.feeder {
		for work != nil {
			if work.control == "stop" {
				q.out <- struct{}{}
				return
			}

			work.attempts++
			if err := handler(ctx, work.msg); err != nil {
				q.itemsFailed.Inc()
				q.failed(work, err)
			} else {
				q.itemsProcessed.Inc()
				q.inflight.Done()
			}

			q.lk.Lock()
			rem, ok := q.active[work.msg.CommentID]
			if !ok {
				q.log.Error("should always have an 'active' entry if a worker is processing a message")
			}

			if len(rem) == 0 {
				delete(q.active, work.msg.CommentID)
				work = nil
			} else {
				work = rem[0]
				q.active[work.msg.CommentID] = rem[1:]
			}
			q.lk.Unlock()
		}
	}
}

func (q *MemQueue) failed(t *task, err error) {
	logger := q.log.With("comment", t.msg.CommentID, "attempts", t.attempts, "err", err)
	if t.attempts >= q.maxAttempts {
		logger.Error("moderation message exhausted retries, dead-lettering")
		q.itemsDead.Inc()
		q.lk.Lock()
		q.dead = append(q.dead, DeadLetter{Message: t.msg, Attempts: t.attempts, Error: err.Error()})
		q.lk.Unlock()
		q.inflight.Done()
		return
	}

	delay := backoff(q.retryBackoff, t.attempts)
	logger.Warn("moderation message failed, scheduling redelivery", "delay", delay)
	q.itemsRetried.Inc()
	time.AfterFunc(delay, func() {
		if err := q.add(context.Background(), t); err != nil {
			q.log.Error("dropping redelivery of moderation message", "comment", t.msg.CommentID, "err", err)
			q.inflight.Done()
		}
	})
}

// Blocks until every enqueued message has either been handled or dead-lettered.
func (q *MemQueue) WaitIdle() {
	q.inflight.Wait()
}

func (q *MemQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	return append([]DeadLetter{}, q.dead...), nil
}

func (q *MemQueue) RequeueDead(ctx context.Context) (int, error) {
	q.lk.Lock()
	dead := q.dead
	q.dead = nil
	q.lk.Unlock()

	for i, dl := range dead {
		if err := q.Enqueue(ctx, dl.Message); err != nil {
			q.lk.Lock()
			q.dead = append(dead[i:], q.dead...)
			q.lk.Unlock()
			return i, err
		}
	}
	return len(dead), nil
}
