package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

func newTestProductivity(t *testing.T) *Productivity {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewProductivity(newTestStore(t), clock, time.UTC)
}

func TestCalendar_ListByDateRange(t *testing.T) {
	p := newTestProductivity(t)
	ctx := context.Background()

	for _, e := range []map[string]any{
		{"title": "Standup", "startTime": "2026-03-01 10:00"},
		{"title": "Dentist", "startTime": "2026-03-02T09:00:00Z", "endTime": "2026-03-02T10:00:00Z"},
		{"title": "Dinner", "startTime": "2026-03-01T19:30:00Z"},
	} {
		run(t, ctx, p.CreateEvent, e)
	}

	out := run(t, ctx, p.ListEvents, map[string]any{"startDate": "2026-03-01", "endDate": "2026-03-01"})
	if out["total"] != float64(2) {
		t.Fatalf("total: got %v", out["total"])
	}
	events := out["events"].([]any)
	first := events[0].(map[string]any)
	if first["title"] != "Standup" || first["startTime"] != "2026-03-01T10:00:00Z" {
		t.Errorf("first event: got %v", first)
	}

	out = run(t, ctx, p.ListEvents, map[string]any{})
	if out["total"] != float64(3) {
		t.Errorf("unfiltered total: got %v", out["total"])
	}
}

func TestCalendar_CreateValidation(t *testing.T) {
	p := newTestProductivity(t)
	ctx := context.Background()

	if _, err := runErr(ctx, p.CreateEvent, map[string]any{"title": "x"}); err == nil {
		t.Error("missing startTime should fail")
	}
	_, err := runErr(ctx, p.CreateEvent, map[string]any{
		"title": "x", "startTime": "2026-03-02T10:00:00Z", "endTime": "2026-03-02T09:00:00Z",
	})
	if err == nil || !strings.Contains(err.Error(), "before") {
		t.Errorf("end before start: got %v", err)
	}
	if _, err := runErr(ctx, p.CreateEvent, map[string]any{"title": "x", "startTime": "not a date"}); err == nil {
		t.Error("unparseable startTime should fail")
	}
}

func TestCalendar_RedeliveryIsDuplicate(t *testing.T) {
	p := newTestProductivity(t)
	ctx := relay.WithRequestID(context.Background(), "req-42")
	args := map[string]any{"title": "Standup", "startTime": "2026-03-01T10:00:00Z"}

	first := run(t, ctx, p.CreateEvent, args)
	second := run(t, ctx, p.CreateEvent, args)
	if first["duplicate"] != false || second["duplicate"] != true {
		t.Fatalf("duplicate flags: first=%v second=%v", first["duplicate"], second["duplicate"])
	}
	if id := second["event"].(map[string]any)["id"]; id != "req-42" {
		t.Errorf("event id: got %v", id)
	}

	out := run(t, context.Background(), p.ListEvents, map[string]any{})
	if out["total"] != float64(1) {
		t.Errorf("total after redelivery: got %v", out["total"])
	}
}

func TestNotes_CreateSearchRead(t *testing.T) {
	p := newTestProductivity(t)
	ctx := context.Background()

	created := run(t, ctx, p.CreateNote, map[string]any{
		"id":      "n1",
		"title":   "Groceries",
		"content": "Milk, eggs, 100% rye bread " + strings.Repeat("and more ", 30),
		"tags":    []string{"shopping"},
	})
	if created["duplicate"] != false {
		t.Fatalf("got %v", created)
	}
	run(t, ctx, p.CreateNote, map[string]any{"id": "n2", "title": "Ideas", "content": "nothing here"})

	out := run(t, ctx, p.SearchNotes, map[string]any{"query": "SHOPPING"})
	if out["found"] != float64(1) {
		t.Fatalf("tag search found: got %v", out["found"])
	}
	preview := out["notes"].([]any)[0].(map[string]any)["preview"].(string)
	if len([]rune(preview)) != 100 {
		t.Errorf("preview length: got %d", len([]rune(preview)))
	}

	// % is matched literally.
	out = run(t, ctx, p.SearchNotes, map[string]any{"query": "100%"})
	if out["found"] != float64(1) {
		t.Errorf("literal percent found: got %v", out["found"])
	}
	out = run(t, ctx, p.SearchNotes, map[string]any{"query": "%"})
	if out["found"] != float64(1) {
		t.Errorf("bare percent found: got %v", out["found"])
	}

	read := run(t, ctx, p.ReadNote, map[string]any{"noteId": "n1"})
	n := read["note"].(map[string]any)
	if n["title"] != "Groceries" || n["createdAt"] != "2026-03-01T08:00:00Z" {
		t.Errorf("read: got %v", n)
	}

	_, err := runErr(ctx, p.ReadNote, map[string]any{"noteId": "missing"})
	if err == nil || err.Error() != "Note not found: missing" {
		t.Errorf("missing note: got %v", err)
	}
}

func TestReminder_Create(t *testing.T) {
	p := newTestProductivity(t)
	ctx := relay.WithRequestID(context.Background(), "req-7")
	args := map[string]any{"message": "Call mom", "datetime": "2026-03-05 18:00"}

	out := run(t, ctx, p.CreateReminder, args)
	r := out["reminder"].(map[string]any)
	if r["remindAt"] != "2026-03-05T18:00:00Z" || r["id"] != "req-7" {
		t.Errorf("got %v", r)
	}
	if again := run(t, ctx, p.CreateReminder, args); again["duplicate"] != true {
		t.Error("redelivered reminder should be a duplicate")
	}
	if _, err := runErr(context.Background(), p.CreateReminder, map[string]any{"message": "x"}); err == nil {
		t.Error("missing datetime should fail")
	}
}

func TestTasks_OrderingAndCounts(t *testing.T) {
	p := newTestProductivity(t)
	ctx := context.Background()

	run(t, ctx, p.CreateTask, map[string]any{"id": "t-low", "title": "Low", "priority": "low"})
	run(t, ctx, p.CreateTask, map[string]any{"id": "t-med", "title": "Medium"})
	run(t, ctx, p.CreateTask, map[string]any{"id": "t-high", "title": "High", "priority": "high"})
	run(t, ctx, p.CreateTask, map[string]any{"id": "t-done", "title": "Done", "priority": "high"})
	run(t, ctx, p.CompleteTask, map[string]any{"taskId": "t-done"})

	out := run(t, ctx, p.ListTasks, map[string]any{})
	var ids []string
	for _, tk := range out["tasks"].([]any) {
		ids = append(ids, tk.(map[string]any)["id"].(string))
	}
	if got := strings.Join(ids, ","); got != "t-high,t-med,t-low,t-done" {
		t.Errorf("order: got %s", got)
	}
	if out["pending"] != float64(3) || out["completed"] != float64(1) {
		t.Errorf("counts: got pending=%v completed=%v", out["pending"], out["completed"])
	}

	out = run(t, ctx, p.ListTasks, map[string]any{"status": "completed"})
	if out["total"] != float64(1) {
		t.Errorf("completed filter total: got %v", out["total"])
	}
	if _, err := runErr(ctx, p.ListTasks, map[string]any{"status": "archived"}); err == nil {
		t.Error("unknown status should fail")
	}
	if _, err := runErr(ctx, p.CreateTask, map[string]any{"title": "x", "priority": "urgent"}); err == nil {
		t.Error("unknown priority should fail")
	}
}

func TestTasks_CompleteIsIdempotent(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	p := NewProductivity(newTestStore(t), clock, time.UTC)
	ctx := context.Background()

	run(t, ctx, p.CreateTask, map[string]any{"id": "t1", "title": "Pay rent"})

	first := run(t, ctx, p.CompleteTask, map[string]any{"taskId": "t1"})
	if first["alreadyCompleted"] != false {
		t.Fatalf("first: got %v", first)
	}

	clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	second := run(t, ctx, p.CompleteTask, map[string]any{"taskId": "t1"})
	if second["alreadyCompleted"] != true {
		t.Fatalf("second: got %v", second)
	}
	if at := second["task"].(map[string]any)["completedAt"]; at != "2026-03-01T08:00:00Z" {
		t.Errorf("completedAt should keep the first time, got %v", at)
	}

	_, err := runErr(ctx, p.CompleteTask, map[string]any{"taskId": "nope"})
	if err == nil || err.Error() != "Task not found: nope" {
		t.Errorf("missing task: got %v", err)
	}
}
