package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// Productivity implements the calendar, notes, reminder and task tools on
// top of the local Store.
type Productivity struct {
	store *Store
	clock quartz.Clock
	loc   *time.Location
}

// NewProductivity creates the productivity handlers. Dates given without a
// zone are interpreted in loc (nil means time.Local).
func NewProductivity(store *Store, clock quartz.Clock, loc *time.Location) *Productivity {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Productivity{store: store, clock: clock, loc: loc}
}

// Register adds every productivity tool to r.
func (p *Productivity) Register(r *Registry) {
	r.Register("calendar_list_events", p.ListEvents)
	r.Register("calendar_create_event", p.CreateEvent)
	r.Register("notes_create", p.CreateNote)
	r.Register("notes_search", p.SearchNotes)
	r.Register("notes_read", p.ReadNote)
	r.Register("reminder_create", p.CreateReminder)
	r.Register("tasks_list", p.ListTasks)
	r.Register("tasks_create", p.CreateTask)
	r.Register("tasks_complete", p.CompleteTask)
}

// newID returns the idempotency key for a create, or a fresh uuid.
func newID(ctx context.Context, explicit string) string {
	if key := IdempotencyKey(ctx, explicit); key != "" {
		return key
	}
	return uuid.NewString()
}

// parseWhen parses a user-supplied date or date-time. dateOnly reports a
// bare date like "2026-03-01".
func (p *Productivity) parseWhen(s string) (t time.Time, dateOnly bool, err error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseInLocation("2006-01-02", s, p.loc); err == nil {
		return d, true, nil
	}
	t, err = dateparse.ParseIn(s, p.loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("unrecognized date %q", s)
	}
	return t, false, nil
}

// --- Calendar ---

type event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// ListEvents is the Executor for calendar_list_events.
func (p *Productivity) ListEvents(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if err := parseArgs("calendar_list_events", args, &a); err != nil {
		return Result{}, err
	}

	from, to := "", "9999"
	if a.StartDate != "" {
		t, _, err := p.parseWhen(a.StartDate)
		if err != nil {
			return Result{}, fmt.Errorf("calendar_list_events: startDate: %w", err)
		}
		from = formatTime(t)
	}
	if a.EndDate != "" {
		t, dateOnly, err := p.parseWhen(a.EndDate)
		if err != nil {
			return Result{}, fmt.Errorf("calendar_list_events: endDate: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Second)
		}
		to = formatTime(t)
	}

	var total int
	err := p.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE start_time >= ? AND start_time <= ?", from, to).Scan(&total)
	if err != nil {
		return Result{}, fmt.Errorf("counting events: %w", err)
	}

	rows, err := p.store.db.QueryContext(ctx, `
		SELECT id, title, start_time, end_time, description, created_at
		FROM events WHERE start_time >= ? AND start_time <= ?
		ORDER BY start_time LIMIT 10`, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	events := []event{}
	for rows.Next() {
		var e event
		if err := rows.Scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.Description, &e.CreatedAt); err != nil {
			return Result{}, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	return jsonResult("calendar_list_events", map[string]any{
		"events": events,
		"total":  total,
	})
}

// CreateEvent is the Executor for calendar_create_event.
func (p *Productivity) CreateEvent(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		StartTime   string `json:"startTime"`
		EndTime     string `json:"endTime"`
		Description string `json:"description"`
	}
	if err := parseArgs("calendar_create_event", args, &a); err != nil {
		return Result{}, err
	}
	if a.Title == "" || a.StartTime == "" {
		return Result{}, errors.New("calendar_create_event: title and startTime are required")
	}

	start, _, err := p.parseWhen(a.StartTime)
	if err != nil {
		return Result{}, fmt.Errorf("calendar_create_event: startTime: %w", err)
	}
	e := event{
		ID:          newID(ctx, a.ID),
		Title:       a.Title,
		StartTime:   formatTime(start),
		Description: a.Description,
		CreatedAt:   formatTime(p.clock.Now()),
	}
	if a.EndTime != "" {
		end, _, err := p.parseWhen(a.EndTime)
		if err != nil {
			return Result{}, fmt.Errorf("calendar_create_event: endTime: %w", err)
		}
		if end.Before(start) {
			return Result{}, errors.New("calendar_create_event: endTime is before startTime")
		}
		e.EndTime = formatTime(end)
	}

	res, err := p.store.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, title, start_time, end_time, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, e.ID, e.Title, e.StartTime, e.EndTime, e.Description, e.CreatedAt)
	if err != nil {
		return Result{}, fmt.Errorf("creating event: %w", err)
	}
	created := rowsAffected(res) > 0
	if !created {
		err := p.store.db.QueryRowContext(ctx, `
			SELECT id, title, start_time, end_time, description, created_at FROM events WHERE id = ?`, e.ID).
			Scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.Description, &e.CreatedAt)
		if err != nil {
			return Result{}, fmt.Errorf("reading event %s: %w", e.ID, err)
		}
	}

	return jsonResult("calendar_create_event", map[string]any{
		"created":   true,
		"duplicate": !created,
		"event":     e,
	})
}

// --- Notes ---

type note struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content,omitempty"`
	Preview   string   `json:"preview,omitempty"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"createdAt,omitempty"`
	UpdatedAt string   `json:"updatedAt"`
}

// CreateNote is the Executor for notes_create.
func (p *Productivity) CreateNote(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID      string   `json:"id"`
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := parseArgs("notes_create", args, &a); err != nil {
		return Result{}, err
	}
	if a.Title == "" {
		return Result{}, errors.New("notes_create: title is required")
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	tags, _ := json.Marshal(a.Tags)
	now := formatTime(p.clock.Now())
	id := newID(ctx, a.ID)

	res, err := p.store.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notes (id, title, content, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, a.Title, a.Content, string(tags), now, now)
	if err != nil {
		return Result{}, fmt.Errorf("creating note: %w", err)
	}

	return jsonResult("notes_create", map[string]any{
		"created":   true,
		"duplicate": rowsAffected(res) == 0,
		"note": map[string]any{
			"id":    id,
			"title": a.Title,
			"tags":  a.Tags,
		},
	})
}

// SearchNotes is the Executor for notes_search. Matches are case-insensitive
// on title, content and tags.
func (p *Productivity) SearchNotes(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Query string `json:"query"`
	}
	if err := parseArgs("notes_search", args, &a); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(a.Query) == "" {
		return Result{}, errors.New("notes_search: query is required")
	}

	pattern := "%" + escapeLike(strings.ToLower(a.Query)) + "%"
	rows, err := p.store.db.QueryContext(ctx, `
		SELECT id, title, content, tags, updated_at FROM notes
		WHERE lower(title) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\' OR lower(tags) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC`, pattern, pattern, pattern)
	if err != nil {
		return Result{}, fmt.Errorf("searching notes: %w", err)
	}
	defer rows.Close()

	notes := []note{}
	for rows.Next() {
		var n note
		var content, tags string
		if err := rows.Scan(&n.ID, &n.Title, &content, &tags, &n.UpdatedAt); err != nil {
			return Result{}, fmt.Errorf("scanning note: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &n.Tags)
		n.Preview = truncateRunes(content, 100)
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	return jsonResult("notes_search", map[string]any{
		"query": a.Query,
		"found": len(notes),
		"notes": notes,
	})
}

// ReadNote is the Executor for notes_read.
func (p *Productivity) ReadNote(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		NoteID string `json:"noteId"`
	}
	if err := parseArgs("notes_read", args, &a); err != nil {
		return Result{}, err
	}

	var n note
	var tags string
	err := p.store.db.QueryRowContext(ctx, `
		SELECT id, title, content, tags, created_at, updated_at FROM notes WHERE id = ?`, a.NoteID).
		Scan(&n.ID, &n.Title, &n.Content, &tags, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("Note not found: %s", a.NoteID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reading note %s: %w", a.NoteID, err)
	}
	_ = json.Unmarshal([]byte(tags), &n.Tags)

	return jsonResult("notes_read", map[string]any{"note": n})
}

// --- Reminders ---

// CreateReminder is the Executor for reminder_create. Reminders are stored
// only; delivery is up to whatever reads the table.
func (p *Productivity) CreateReminder(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID       string `json:"id"`
		Message  string `json:"message"`
		Datetime string `json:"datetime"`
	}
	if err := parseArgs("reminder_create", args, &a); err != nil {
		return Result{}, err
	}
	if a.Message == "" || a.Datetime == "" {
		return Result{}, errors.New("reminder_create: message and datetime are required")
	}
	at, _, err := p.parseWhen(a.Datetime)
	if err != nil {
		return Result{}, fmt.Errorf("reminder_create: datetime: %w", err)
	}

	id := newID(ctx, a.ID)
	res, err := p.store.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reminders (id, message, remind_at, created_at) VALUES (?, ?, ?, ?)`,
		id, a.Message, formatTime(at), formatTime(p.clock.Now()))
	if err != nil {
		return Result{}, fmt.Errorf("creating reminder: %w", err)
	}

	return jsonResult("reminder_create", map[string]any{
		"created":   true,
		"duplicate": rowsAffected(res) == 0,
		"reminder": map[string]any{
			"id":       id,
			"message":  a.Message,
			"remindAt": formatTime(at),
		},
	})
}

// --- Tasks ---

type task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	DueDate     string `json:"dueDate,omitempty"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	CompletedAt string `json:"completedAt,omitempty"`
}

const taskColumns = "id, title, due_date, priority, status, created_at, completed_at"

func scanTask(r rowScanner) (task, error) {
	var t task
	err := r.Scan(&t.ID, &t.Title, &t.DueDate, &t.Priority, &t.Status, &t.CreatedAt, &t.CompletedAt)
	return t, err
}

// ListTasks is the Executor for tasks_list. Pending tasks sort first, then
// by priority (high, medium, low).
func (p *Productivity) ListTasks(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Status string `json:"status"`
	}
	if err := parseArgs("tasks_list", args, &a); err != nil {
		return Result{}, err
	}

	where, params := "", []any{}
	switch a.Status {
	case "", "all":
	case "pending", "completed":
		where, params = "WHERE status = ?", append(params, a.Status)
	default:
		return Result{}, fmt.Errorf("tasks_list: status must be pending, completed or all")
	}

	rows, err := p.store.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+`
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END,
		         CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
		         created_at`, params...)
	if err != nil {
		return Result{}, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	all := []task{}
	pending, completed := 0, 0
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return Result{}, fmt.Errorf("scanning task: %w", err)
		}
		if t.Status == "pending" {
			pending++
		} else {
			completed++
		}
		all = append(all, t)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	shown := all
	if len(shown) > 20 {
		shown = shown[:20]
	}
	return jsonResult("tasks_list", map[string]any{
		"tasks":     shown,
		"total":     len(all),
		"pending":   pending,
		"completed": completed,
	})
}

// CreateTask is the Executor for tasks_create.
func (p *Productivity) CreateTask(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		DueDate  string `json:"dueDate"`
		Priority string `json:"priority"`
	}
	if err := parseArgs("tasks_create", args, &a); err != nil {
		return Result{}, err
	}
	if a.Title == "" {
		return Result{}, errors.New("tasks_create: title is required")
	}
	switch a.Priority {
	case "":
		a.Priority = "medium"
	case "low", "medium", "high":
	default:
		return Result{}, fmt.Errorf("tasks_create: priority must be low, medium or high")
	}
	if a.DueDate != "" {
		due, _, err := p.parseWhen(a.DueDate)
		if err != nil {
			return Result{}, fmt.Errorf("tasks_create: dueDate: %w", err)
		}
		a.DueDate = formatTime(due)
	}

	t := task{
		ID:        newID(ctx, a.ID),
		Title:     a.Title,
		DueDate:   a.DueDate,
		Priority:  a.Priority,
		Status:    "pending",
		CreatedAt: formatTime(p.clock.Now()),
	}
	res, err := p.store.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tasks (id, title, due_date, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, t.ID, t.Title, t.DueDate, t.Priority, t.Status, t.CreatedAt)
	if err != nil {
		return Result{}, fmt.Errorf("creating task: %w", err)
	}
	created := rowsAffected(res) > 0
	if !created {
		t, err = scanTask(p.store.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, t.ID))
		if err != nil {
			return Result{}, fmt.Errorf("reading task: %w", err)
		}
	}

	return jsonResult("tasks_create", map[string]any{
		"created":   true,
		"duplicate": !created,
		"task":      t,
	})
}

// CompleteTask is the Executor for tasks_complete. Completing an already
// completed task keeps the original completion time.
func (p *Productivity) CompleteTask(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		TaskID string `json:"taskId"`
	}
	if err := parseArgs("tasks_complete", args, &a); err != nil {
		return Result{}, err
	}

	res, err := p.store.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = ?
		WHERE id = ? AND status != 'completed'`, formatTime(p.clock.Now()), a.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("completing task %s: %w", a.TaskID, err)
	}

	t, err := scanTask(p.store.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, a.TaskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("Task not found: %s", a.TaskID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reading task %s: %w", a.TaskID, err)
	}

	return jsonResult("tasks_complete", map[string]any{
		"completed":        true,
		"alreadyCompleted": rowsAffected(res) == 0,
		"task":             t,
	})
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
