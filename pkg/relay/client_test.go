package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
)

func TestClient_ReturnsPublishedResultOnFirstPoll(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	client := NewClient(store, store, ClientConfig{PollInterval: time.Hour}, discardLogger())

	if err := store.Publish(ctx, ValueResult("r1", json.RawMessage(`{"files":[]}`))); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	// A one-hour interval means any wait beyond the first check would hang.
	out, err := client.Await(ctx, "r1", time.Hour)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}
	if string(out.Result.Value) != `{"files":[]}` {
		t.Errorf("value = %s", out.Result.Value)
	}

	// Read-once: a second poll sees nothing.
	if _, ok, _ := store.TakeIfPresent(ctx, "r1"); ok {
		t.Error("result observed twice")
	}
}

func TestClient_ErrorResultIsFailedNotTimeout(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	client := NewClient(store, store, ClientConfig{PollInterval: 5 * time.Millisecond}, discardLogger())

	if err := store.Publish(ctx, ErrorResult("r2", "Unknown tool: unknown_tool")); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	out, err := client.Await(ctx, "r2", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if out.Status != StatusFailed || out.Result.ErrorMessage != "Unknown tool: unknown_tool" {
		t.Errorf("outcome = %+v, want failed with unknown tool message", out)
	}
}

func TestClient_PicksUpResultPublishedDuringWait(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	client := NewClient(store, store, ClientConfig{PollInterval: 5 * time.Millisecond}, discardLogger())

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Publish(ctx, ValueResult("r3", json.RawMessage(`"done"`)))
	}()

	out, err := client.SubmitAndWait(ctx, WorkItem{ID: "r3", ToolName: "files_list"}, 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", out.Status)
	}
	if store.pendingLen() != 1 {
		t.Errorf("pending = %d, want the enqueued item", store.pendingLen())
	}
}

func TestClient_DeadlineReturnsTimedOutAndLateResultSurvives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	store := newMemStore()
	client := NewClient(store, store, ClientConfig{PollInterval: time.Second, Clock: mClock}, discardLogger())

	deadlineTrap := mClock.Trap().NewTimer("relay", "deadline")
	defer deadlineTrap.Close()

	type waitResult struct {
		out Outcome
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		out, err := client.SubmitAndWait(ctx, WorkItem{ID: "slow", ToolName: "web_scrape"}, 3*time.Second)
		done <- waitResult{out, err}
	}()

	deadlineTrap.MustWait(ctx).MustRelease(ctx)

	// Poll ticks at 1s and 2s, then the deadline at 3s.
	for i := 0; i < 3; i++ {
		_, w := mClock.AdvanceNext()
		w.MustWait(ctx)
	}

	var got waitResult
	select {
	case got = <-done:
	case <-ctx.Done():
		t.Fatal("SubmitAndWait did not return after the deadline")
	}
	if got.err != nil {
		t.Fatalf("SubmitAndWait: %v", got.err)
	}
	if !got.out.TimedOut() || got.out.Result != nil {
		t.Fatalf("outcome = %+v, want timed out with no result", got.out)
	}

	// The worker finishes later; the result is still retrievable.
	if err := store.Publish(ctx, ValueResult("slow", json.RawMessage(`{"title":"x"}`))); err != nil {
		t.Fatalf("late publish: %v", err)
	}
	if _, ok, _ := store.TakeIfPresent(ctx, "slow"); !ok {
		t.Error("late result not retrievable after timeout")
	}
}

func TestClient_CancelledContext(t *testing.T) {
	store := newMemStore()
	client := NewClient(store, store, ClientConfig{PollInterval: 5 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Await(ctx, "never", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Await error = %v, want context.Canceled", err)
	}
}

func TestClient_RejectsInvalidItem(t *testing.T) {
	store := newMemStore()
	client := NewClient(store, store, ClientConfig{}, discardLogger())

	if _, err := client.SubmitAndWait(context.Background(), WorkItem{ToolName: "files_list"}, time.Second); err == nil {
		t.Fatal("expected error for item without id")
	}
	if store.pendingLen() != 0 {
		t.Error("invalid item must not be enqueued")
	}
}

func TestRelay_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStore()
	d := &recordingDispatcher{handlers: map[string]func(json.RawMessage) (json.RawMessage, error){
		"files_list": func(args json.RawMessage) (json.RawMessage, error) {
			var a struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{"path": a.Path, "items": []string{"a.txt"}})
		},
	}}

	worker := NewWorker(StoreSource{Queue: store, Results: store}, d,
		WorkerConfig{PollInterval: 5 * time.Millisecond}, discardLogger())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = worker.Run(ctx)
	}()
	defer func() {
		cancel()
		<-workerDone
	}()

	client := NewClient(store, store, ClientConfig{PollInterval: 5 * time.Millisecond}, discardLogger())

	out, err := client.SubmitAndWait(ctx, WorkItem{
		ID: "r1", ToolName: "files_list", Arguments: map[string]any{"path": "/tmp"},
	}, 30*time.Second)
	if err != nil {
		t.Fatalf("r1: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("r1 status = %q, want completed", out.Status)
	}
	var v struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(out.Result.Value, &v); err != nil || v.Path != "/tmp" {
		t.Errorf("r1 value = %s (err %v)", out.Result.Value, err)
	}

	out, err = client.SubmitAndWait(ctx, WorkItem{
		ID: "r2", ToolName: "unknown_tool", Arguments: map[string]any{},
	}, 30*time.Second)
	if err != nil {
		t.Fatalf("r2: %v", err)
	}
	if out.Status != StatusFailed || out.Result.ErrorMessage != "Unknown tool: unknown_tool" {
		t.Errorf("r2 outcome = %+v", out)
	}
	if store.pendingLen() != 0 {
		t.Errorf("pending = %d, want 0", store.pendingLen())
	}
}
