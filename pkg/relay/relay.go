// Package relay hands units of work from a public-facing service to a
// privately running worker that has no inbound network access.
//
// The two sides never talk directly. They share two stores:
//
//  1. Pending Queue: an ordered list of serialized WorkItems. The service
//     appends, the worker reads the whole list and removes items it finished.
//
//  2. Response Store: one Result per request id with a retention TTL. The
//     worker publishes, the service takes (read-and-delete) while polling.
//
// Client implements the service half (enqueue + bounded wait). Worker
// implements the consumption loop. Both are transport-agnostic: the stores
// can be Redis directly (pkg/queue) or an HTTP relay (internal/agent).
//
// Delivery is at-least-once. A WorkItem is not considered claimed until its
// Result is published AND the item is removed, so a crash in between leads
// to re-execution. Every Dispatcher handler must tolerate being run twice
// for the same WorkItem.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidResult is returned when a Result carries both or neither of
// Value and ErrorMessage.
var ErrInvalidResult = errors.New("result must carry exactly one of value or errorMessage")

// WorkItem is a single queued unit of requested tool execution.
// It is immutable once enqueued: the serialized form is the identity used by
// the Pending Queue's remove-by-match.
type WorkItem struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	OriginChannel string         `json:"originChannel"`
	ToolName      string         `json:"toolName"`
	Arguments     map[string]any `json:"arguments"`
	EnqueuedAt    time.Time      `json:"enqueuedAt"`
}

// Validate checks the fields the worker needs to correlate and dispatch.
func (w WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item: id is required")
	}
	if w.ToolName == "" {
		return fmt.Errorf("work item %s: toolName is required", w.ID)
	}
	return nil
}

// Envelope is a WorkItem as it sits in the Pending Queue. Raw is the exact
// serialized form and must be passed back unchanged to Remove.
type Envelope struct {
	Raw json.RawMessage
}

// Decode parses the envelope into a WorkItem.
func (e Envelope) Decode() (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(e.Raw, &item); err != nil {
		return WorkItem{}, fmt.Errorf("decoding work item: %w", err)
	}
	return item, nil
}

// Result is the outcome of executing a WorkItem. Exactly one of Value and
// ErrorMessage is set.
type Result struct {
	RequestID    string          `json:"requestId"`
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// ValueResult builds a success Result. A nil value is stored as JSON null so
// the Result still carries a value.
func ValueResult(requestID string, value json.RawMessage) Result {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Result{RequestID: requestID, Value: value}
}

// ErrorResult builds a failure Result.
func ErrorResult(requestID, message string) Result {
	if message == "" {
		message = "unknown error"
	}
	return Result{RequestID: requestID, ErrorMessage: message}
}

// Failed reports whether the Result carries an error message.
func (r Result) Failed() bool {
	return r.ErrorMessage != ""
}

// Validate enforces the value XOR errorMessage invariant.
func (r Result) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("result: requestId is required")
	}
	hasValue := len(r.Value) > 0
	hasError := r.ErrorMessage != ""
	if hasValue == hasError {
		return fmt.Errorf("result %s: %w", r.RequestID, ErrInvalidResult)
	}
	return nil
}

// Status is the outcome of a bounded wait.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusTimedOut means "not ready yet". The work may still complete; its
	// Result stays in the Response Store until taken or expired.
	StatusTimedOut Status = "pending"
)

// Outcome is what SubmitAndWait returns. Result is nil when Status is
// StatusTimedOut.
type Outcome struct {
	Status Status
	Result *Result
}

// TimedOut reports whether the wait ended at the deadline without a Result.
func (o Outcome) TimedOut() bool {
	return o.Status == StatusTimedOut
}

// Queue is the producer/consumer view of the Pending Queue.
type Queue interface {
	// Enqueue appends item to the tail. No dedup: callers use a fresh id.
	Enqueue(ctx context.Context, item WorkItem) error
	// ListAll returns a snapshot of every pending item in FIFO order
	// without removing anything.
	ListAll(ctx context.Context) ([]Envelope, error)
	// Remove deletes the first entry whose serialized form matches env.Raw.
	// A missing entry is not an error.
	Remove(ctx context.Context, env Envelope) (bool, error)
}

// ResultStore is the Response Store.
type ResultStore interface {
	// Publish stores result under its request id, overwriting any previous
	// entry and (re)starting the retention timer.
	Publish(ctx context.Context, result Result) error
	// TakeIfPresent atomically reads and deletes the Result for requestID.
	// ok is false when nothing is stored, which is the common case.
	TakeIfPresent(ctx context.Context, requestID string) (result Result, ok bool, err error)
}

// Source is everything the Worker needs from the shared stores. The cloud
// service satisfies it directly over Redis; the local agent satisfies it
// over HTTP.
type Source interface {
	Pending(ctx context.Context) ([]Envelope, error)
	Publish(ctx context.Context, result Result) error
	Remove(ctx context.Context, env Envelope) (bool, error)
}

// Dispatcher executes a named tool. Implementations must be safe to invoke
// repeatedly for the same logical WorkItem.
type Dispatcher interface {
	Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// StoreSource adapts a Queue and a ResultStore into a Source.
type StoreSource struct {
	Queue   Queue
	Results ResultStore
}

func (s StoreSource) Pending(ctx context.Context) ([]Envelope, error) {
	return s.Queue.ListAll(ctx)
}

func (s StoreSource) Publish(ctx context.Context, result Result) error {
	return s.Results.Publish(ctx, result)
}

func (s StoreSource) Remove(ctx context.Context, env Envelope) (bool, error) {
	return s.Queue.Remove(ctx, env)
}

type ctxKeyRequestID struct{}

// WithRequestID returns a context carrying the id of the WorkItem being
// executed. Handlers use it as an idempotency key so a re-delivered item
// does not repeat its side effect.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestID returns the WorkItem id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}
