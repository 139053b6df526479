package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

// Sweeper bounds the Pending Queue while no local agent is polling.
//
// An item is stale when:
//  1. no agent heartbeat is alive, and
//  2. it was enqueued more than maxAge ago.
//
// Each stale item gets an error Result published (so anything still asking
// sees a failure instead of silence) and is then removed. While any agent is
// alive the sweeper never touches the queue: a slow item is the worker's
// business, not ours.
type Sweeper struct {
	queue     *PendingQueue
	results   *ResponseStore
	heartbeat *Heartbeat
	maxAge    time.Duration
	interval  time.Duration
	clock     quartz.Clock
	logger    *slog.Logger
}

// NewSweeper creates a stale-item sweeper.
func NewSweeper(queue *PendingQueue, results *ResponseStore, heartbeat *Heartbeat,
	maxAge, interval time.Duration, clock quartz.Clock, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Sweeper{
		queue:     queue,
		results:   results,
		heartbeat: heartbeat,
		maxAge:    maxAge,
		interval:  interval,
		clock:     clock,
		logger:    logger,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper starting",
		"interval", s.interval.String(),
		"max_age", s.maxAge.String(),
	)

	ticker := s.clock.NewTicker(s.interval, "sweeper")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweeping pending queue", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns the number of items expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	live, err := s.heartbeat.LiveAgentIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(live) > 0 {
		return 0, nil
	}

	envs, err := s.queue.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	expired := 0
	for _, env := range envs {
		item, err := env.Decode()
		if err != nil || item.ID == "" {
			// The worker drops these itself once it polls.
			continue
		}
		age := now.Sub(item.EnqueuedAt)
		if age < s.maxAge {
			continue
		}

		msg := fmt.Sprintf("local agent offline: request expired after %s", age.Round(time.Second))
		if err := s.results.Publish(ctx, relay.ErrorResult(item.ID, msg)); err != nil {
			s.logger.Error("publishing expiry result", "request_id", item.ID, "error", err)
			continue
		}
		if _, err := s.queue.Remove(ctx, env); err != nil {
			s.logger.Error("removing stale item", "request_id", item.ID, "error", err)
			continue
		}
		expired++
		s.logger.Warn("expired stale work item",
			"request_id", item.ID,
			"tool", item.ToolName,
			"age", age.Round(time.Second).String(),
		)
	}
	return expired, nil
}
