package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/guestbook-social/guestbook/moderation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueue is a reliable list queue: messages are moved atomically from the
// pending list to a processing list while being handled, so a crashed
// instance's in-flight messages are recovered on the next start. Failed
// messages wait in a sorted set (scored by redelivery time) before returning
// to the pending list.
type RedisQueue struct {
	Client *redis.Client

	prefix       string
	workers      int
	maxAttempts  int
	retryBackoff time.Duration
	pollTimeout  time.Duration

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsRetried   prometheus.Counter
	itemsDead      prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

var _ Consumer = (*RedisQueue)(nil)

type envelope struct {
	Message  moderation.Message `json:"message"`
	Attempts int                `json:"attempts"`
	Error    string             `json:"error,omitempty"`
}

func NewRedisQueue(redisURL, prefix string, config Config) (*RedisQueue, error) {
	config.setDefaults()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisQueue{
		Client:       rdb,
		prefix:       prefix,
		workers:      config.Workers,
		maxAttempts:  config.MaxAttempts,
		retryBackoff: config.RetryBackoff,
		pollTimeout:  2 * time.Second,

		itemsAdded:     itemsAdded.WithLabelValues(prefix, "redis"),
		itemsProcessed: itemsProcessed.WithLabelValues(prefix, "redis"),
		itemsFailed:    itemsFailed.WithLabelValues(prefix, "redis"),
		itemsRetried:   itemsRetried.WithLabelValues(prefix, "redis"),
		itemsDead:      itemsDeadLettered.WithLabelValues(prefix, "redis"),
		workersActive:  workersActive.WithLabelValues(prefix, "redis"),

		log: config.Logger.With("system", "redis-queue", "queue", prefix),
	}, nil
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + "/pending" }
func (q *RedisQueue) processingKey() string { return q.prefix + "/processing" }
func (q *RedisQueue) delayedKey() string    { return q.prefix + "/delayed" }
func (q *RedisQueue) deadKey() string       { return q.prefix + "/dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, msg moderation.Message) error {
	raw, err := json.Marshal(envelope{Message: msg})
	if err != nil {
		return err
	}
	if err := q.Client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueueing moderation message: %w", err)
	}
	q.itemsAdded.Inc()
	return nil
}

func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	if err := q.recoverProcessing(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return q.runPromoter(ctx)
	})
	for i := 0; i < q.workers; i++ {
		eg.Go(func() error {
			return q.worker(ctx, handler)
		})
	}
	q.workersActive.Set(float64(q.workers))
	defer q.workersActive.Set(0)

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Moves messages left in the processing list (by a crashed instance) back to pending.
//
// NOTE: assumes a single consumer instance is starting at a time; messages
// in flight on other running instances would be delivered twice.
func (q *RedisQueue) recoverProcessing(ctx context.Context) error {
	n := 0
	for {
		_, err := q.Client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return fmt.Errorf("recovering in-flight messages: %w", err)
		}
		n++
	}
	if n > 0 {
		q.log.Info("recovered in-flight moderation messages", "count", n)
	}
	return nil
}

func (q *RedisQueue) worker(ctx context.Context, handler Handler) error {
	for {
		raw, err := q.Client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.pollTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("reading from moderation queue", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		q.deliver(ctx, raw, handler)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, raw string, handler Handler) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.log.Error("unparseable moderation message, dead-lettering", "err", err)
		q.itemsDead.Inc()
		q.moveOut(ctx, raw, func(pipe redis.Pipeliner) {
			pipe.LPush(ctx, q.deadKey(), raw)
		})
		return
	}

	env.Attempts++
	herr := handler(ctx, env.Message)
	if herr == nil {
		q.itemsProcessed.Inc()
		q.moveOut(ctx, raw, nil)
		return
	}

	q.itemsFailed.Inc()
	env.Error = herr.Error()
	next, err := json.Marshal(env)
	if err != nil {
		q.log.Error("re-encoding failed moderation message", "err", err)
		return
	}
	logger := q.log.With("comment", env.Message.CommentID, "attempts", env.Attempts, "err", herr)
	if env.Attempts >= q.maxAttempts {
		logger.Error("moderation message exhausted retries, dead-lettering")
		q.itemsDead.Inc()
		q.moveOut(ctx, raw, func(pipe redis.Pipeliner) {
			pipe.LPush(ctx, q.deadKey(), next)
		})
		return
	}
	delay := backoff(q.retryBackoff, env.Attempts)
	logger.Warn("moderation message failed, scheduling redelivery", "delay", delay)
	q.itemsRetried.Inc()
	q.moveOut(ctx, raw, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: next,
		})
	})
}

// Removes raw from the processing list, along with any follow-up writes, in one transaction.
func (q *RedisQueue) moveOut(ctx context.Context, raw string, then func(pipe redis.Pipeliner)) {
	_, err := q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if then != nil {
			then(pipe)
		}
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		return nil
	})
	if err != nil {
		q.log.Error("failed to settle moderation message", "err", err)
	}
}

// Periodically moves delayed messages whose redelivery time has passed back onto the pending list.
func (q *RedisQueue) runPromoter(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
				q.log.Error("failed to promote delayed moderation messages", "err", err)
			}
		}
	}
}

func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	ready, err := q.Client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range ready {
		// only the instance which removes the member re-queues it
		n, err := q.Client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := q.Client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	raws, err := q.Client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.log.Warn("skipping unparseable dead letter", "err", err)
			continue
		}
		out = append(out, DeadLetter(env))
	}
	return out, nil
}

// Moves all dead-lettered messages back to the pending list, with their attempt counters reset.
func (q *RedisQueue) RequeueDead(ctx context.Context) (int, error) {
	n := 0
	for {
		raw, err := q.Client.RPop(ctx, q.deadKey()).Result()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.log.Warn("discarding unparseable dead letter", "err", err)
			continue
		}
		if err := q.Enqueue(ctx, env.Message); err != nil {
			return n, err
		}
		n++
	}
}
