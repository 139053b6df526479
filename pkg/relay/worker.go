package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// WorkerConfig tunes the consumption loop.
type WorkerConfig struct {
	// PollInterval is the sleep between cycles.
	PollInterval time.Duration
	// ToolTimeout bounds a single tool execution. Zero means no bound beyond
	// the Run context.
	ToolTimeout time.Duration
	// Clock defaults to the real clock.
	Clock quartz.Clock
	// Metrics is optional.
	Metrics *Metrics
}

// Worker drains the Pending Queue: each cycle it takes a snapshot of every
// pending item, executes them in list order, publishes each Result and then
// removes the item.
//
// Only one Worker may consume a given queue. Two workers would both see the
// same snapshot and execute every item twice; scaling out needs a claim step
// that this loop does not have.
type Worker struct {
	source      Source
	dispatcher  Dispatcher
	interval    time.Duration
	toolTimeout time.Duration
	clock       quartz.Clock
	metrics     *Metrics
	logger      *slog.Logger
}

// NewWorker creates a Worker reading from source and executing via dispatcher.
func NewWorker(source Source, dispatcher Dispatcher, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Worker{
		source:      source,
		dispatcher:  dispatcher,
		interval:    cfg.PollInterval,
		toolTimeout: cfg.ToolTimeout,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Run executes cycles until ctx is cancelled, sleeping PollInterval between
// them. It always returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("relay worker starting", "interval", w.interval.String())

	for {
		if _, err := w.RunCycle(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("relay cycle failed, retrying next interval", "error", err)
		}

		timer := w.clock.NewTimer(w.interval, "relay", "worker")
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("relay worker stopping")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle performs one pass over the current snapshot and returns how many
// items had their Result published. The error reports a failure to fetch the
// snapshot; per-item failures are logged and never abort the cycle.
func (w *Worker) RunCycle(ctx context.Context) (int, error) {
	envelopes, err := w.source.Pending(ctx)
	if err != nil {
		w.metrics.transportError()
		return 0, fmt.Errorf("listing pending work: %w", err)
	}

	if len(envelopes) > 0 {
		w.logger.Info("processing pending work", "count", len(envelopes))
	}

	published := 0
	for _, env := range envelopes {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, env) {
			published++
		}
	}
	return published, nil
}

// process runs one envelope end to end. It reports whether a Result was
// published. When publishing fails the item is left in the queue for the
// next cycle.
func (w *Worker) process(ctx context.Context, env Envelope) bool {
	item, err := env.Decode()
	if err != nil {
		// Nothing to correlate a Result with; drop it so it can't wedge the queue.
		w.logger.Error("dropping undecodable work item", "error", err, "raw", string(env.Raw))
		w.remove(ctx, env, "")
		return false
	}

	var result Result
	if err := item.Validate(); err != nil {
		if item.ID == "" {
			w.logger.Error("dropping work item without id", "error", err)
			w.remove(ctx, env, "")
			return false
		}
		result = ErrorResult(item.ID, err.Error())
	} else {
		result = w.execute(ctx, item)
	}

	if err := w.source.Publish(ctx, result); err != nil {
		w.metrics.transportError()
		w.logger.Error("publishing result, item stays pending",
			"request_id", item.ID,
			"error", err,
		)
		return false
	}

	w.remove(ctx, env, item.ID)
	return true
}

func (w *Worker) remove(ctx context.Context, env Envelope, requestID string) {
	removed, err := w.source.Remove(ctx, env)
	if err != nil {
		w.metrics.transportError()
		w.logger.Warn("removing work item", "request_id", requestID, "error", err)
		return
	}
	if !removed {
		w.logger.Debug("work item already removed", "request_id", requestID)
	}
}

// execute dispatches item and converts every failure, panics included, into
// an error Result so one bad handler cannot stop the cycle.
func (w *Worker) execute(ctx context.Context, item WorkItem) (result Result) {
	logger := w.logger.With("request_id", item.ID, "tool", item.ToolName)
	start := w.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked", "panic", fmt.Sprint(r))
			result = ErrorResult(item.ID, fmt.Sprintf("tool %s panicked: %v", item.ToolName, r))
		}
		elapsed := w.clock.Since(start)
		w.metrics.observeItem(item.ToolName, result.Failed(), elapsed.Seconds())
	}()

	args := json.RawMessage("{}")
	if len(item.Arguments) > 0 {
		encoded, err := json.Marshal(item.Arguments)
		if err != nil {
			return ErrorResult(item.ID, fmt.Sprintf("encoding arguments: %v", err))
		}
		args = encoded
	}

	execCtx := WithRequestID(ctx, item.ID)
	if w.toolTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, w.toolTimeout)
		defer cancel()
	}

	value, err := w.dispatcher.Execute(execCtx, item.ToolName, args)
	if err != nil {
		logger.Warn("tool execution failed", "error", err, "duration_ms", w.clock.Since(start).Milliseconds())
		return ErrorResult(item.ID, err.Error())
	}

	logger.Info("tool execution complete", "duration_ms", w.clock.Since(start).Milliseconds())
	return ValueResult(item.ID, value)
}
