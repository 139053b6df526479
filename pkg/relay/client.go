package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// ClientConfig tunes the bounded-wait protocol.
type ClientConfig struct {
	// PollInterval is how often the Response Store is checked while waiting.
	PollInterval time.Duration
	// Clock defaults to the real clock.
	Clock quartz.Clock
	// Metrics is optional.
	Metrics *Metrics
}

// Client is the service half of the relay: it enqueues work and waits, for
// a bounded time, for the worker's Result.
//
// A Client holds no per-request state, so one instance is shared by every
// in-flight message. Each wait parks its own goroutine on a timer; nothing
// blocks the process.
type Client struct {
	queue    Queue
	results  ResultStore
	interval time.Duration
	clock    quartz.Clock
	metrics  *Metrics
	logger   *slog.Logger
}

// NewClient creates a Client over the given stores.
func NewClient(queue Queue, results ResultStore, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Client{
		queue:    queue,
		results:  results,
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Enqueue validates item and appends it to the Pending Queue.
func (c *Client) Enqueue(ctx context.Context, item WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueuing work item %s: %w", item.ID, err)
	}
	c.logger.Info("work item enqueued",
		"request_id", item.ID,
		"tool", item.ToolName,
		"user_id", item.UserID,
	)
	return nil
}

// SubmitAndWait enqueues item and waits up to deadline for its Result.
//
// The returned error is non-nil only when the enqueue itself fails or ctx is
// cancelled. A deadline without a Result is the StatusTimedOut outcome, not
// an error: the caller tells the user the answer will arrive separately.
func (c *Client) SubmitAndWait(ctx context.Context, item WorkItem, deadline time.Duration) (Outcome, error) {
	if err := c.Enqueue(ctx, item); err != nil {
		return Outcome{}, err
	}
	return c.Await(ctx, item.ID, deadline)
}

// Await polls the Response Store for requestID every PollInterval until a
// Result is taken or deadline elapses. A Result is returned as soon as it is
// seen, without waiting out the rest of the interval.
//
// Transient store errors are logged and polling continues; they only matter
// if they persist until the deadline, which then reads as a timeout.
func (c *Client) Await(ctx context.Context, requestID string, deadline time.Duration) (Outcome, error) {
	start := c.clock.Now()

	ticker := c.clock.NewTicker(c.interval, "relay", "poll")
	defer ticker.Stop()

	var expired <-chan time.Time
	if deadline > 0 {
		timer := c.clock.NewTimer(deadline, "relay", "deadline")
		defer timer.Stop()
		expired = timer.C
	}

	for {
		result, ok, err := c.results.TakeIfPresent(ctx, requestID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			c.logger.Warn("polling response store", "request_id", requestID, "error", err)
		case ok:
			return c.finish(requestID, start, &result), nil
		}

		if expired == nil {
			// Non-positive deadline: a single check.
			return c.finish(requestID, start, nil), nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-expired:
			return c.finish(requestID, start, nil), nil
		case <-ticker.C:
		}
	}
}

func (c *Client) finish(requestID string, start time.Time, result *Result) Outcome {
	elapsed := c.clock.Since(start)

	var outcome Outcome
	switch {
	case result == nil:
		outcome = Outcome{Status: StatusTimedOut}
		c.logger.Info("result not ready before deadline",
			"request_id", requestID,
			"waited_ms", elapsed.Milliseconds(),
		)
	case result.Failed():
		outcome = Outcome{Status: StatusFailed, Result: result}
		c.logger.Info("work item failed",
			"request_id", requestID,
			"error", result.ErrorMessage,
			"waited_ms", elapsed.Milliseconds(),
		)
	default:
		outcome = Outcome{Status: StatusCompleted, Result: result}
		c.logger.Info("work item completed",
			"request_id", requestID,
			"waited_ms", elapsed.Milliseconds(),
		)
	}

	c.metrics.observeOutcome(outcome.Status, elapsed.Seconds())
	return outcome
}
