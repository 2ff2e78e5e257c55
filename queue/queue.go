// Transports for moderation messages: an in-process worker pool and a Redis
// list queue shared between daemon instances.
//
// Both deliver at-least-once: a failed delivery is retried with exponential
// backoff, and moved to a dead-letter list after MaxAttempts.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guestbook-social/guestbook/moderation"
)

var ErrQueueClosed = errors.New("moderation queue closed")

type Handler func(ctx context.Context, msg moderation.Message) error

type Consumer interface {
	moderation.Queue
	// Processes messages until ctx is cancelled.
	Run(ctx context.Context, handler Handler) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	// Moves all dead letters back onto the queue with fresh attempt counters.
	RequeueDead(ctx context.Context) (int, error)
}

type Config struct {
	Logger       *slog.Logger
	Workers      int
	MaxQueue     int
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

type DeadLetter struct {
	Message  moderation.Message `json:"message"`
	Attempts int                `json:"attempts"`
	Error    string             `json:"error,omitempty"`
}

// delay before the given (1-based) retry
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}
