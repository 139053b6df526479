package cloud

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/internal/agent"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/auth"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/queue"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

type testEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	url      string
	agentKey string
	apiKey   string
	pending  *queue.PendingQueue
	results  *queue.ResponseStore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	agentKey, err := auth.GenerateAgentKey()
	if err != nil {
		t.Fatal(err)
	}
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		Host:            "127.0.0.1",
		RedisPrefix:     "agents:",
		AgentKeyHash:    agentKey.Hash,
		APIKeyHash:      apiKey.Hash,
		AuthCacheTTL:    time.Minute,
		WaitTimeout:     2 * time.Second,
		PollInterval:    20 * time.Millisecond,
		ResultRetention: time.Minute,
		HeartbeatTTL:    30 * time.Second,
		PendingMaxAge:   15 * time.Minute,
		SweepInterval:   time.Minute,
		RateLimit:       30,
		RateLimitWindow: time.Minute,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s := newServer(cfg, rdb, quartz.NewReal(), discardLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { rdb.Close() })

	return &testEnv{
		mr:       mr,
		rdb:      rdb,
		url:      srv.URL,
		agentKey: agentKey.Key,
		apiKey:   apiKey.Key,
		pending:  queue.NewPendingQueue(rdb, cfg.RedisPrefix),
		results:  queue.NewResponseStore(rdb, cfg.RedisPrefix, cfg.ResultRetention),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.url+path, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (e *testEnv) agentHeaders() map[string]string {
	return map[string]string{protocol.HeaderAgentSecret: e.agentKey, protocol.HeaderAgentID: "laptop"}
}

func (e *testEnv) apiHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.apiKey}
}

func (e *testEnv) postMessage(t *testing.T, body string) (int, protocol.MessageResponse) {
	t.Helper()
	status, data := e.do(t, http.MethodPost, protocol.PathMessages, e.apiHeaders(), body)
	var resp protocol.MessageResponse
	if status == http.StatusOK {
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("decoding %s: %v", data, err)
		}
	}
	return status, resp
}

// --- relay endpoints ---

func TestRelay_RequiresAgentSecret(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, headers := range []map[string]string{
		nil,
		{protocol.HeaderAgentSecret: "agt_wrong"},
		{protocol.HeaderAgentSecret: env.apiKey},
	} {
		status, body := env.do(t, http.MethodGet, protocol.PathPending, headers, "")
		if status != http.StatusUnauthorized {
			t.Errorf("headers %v: status %d", headers, status)
		}
		if protocol.DecodeError(body) == "" {
			t.Errorf("expected error body, got %s", body)
		}
	}
}

func TestRelay_PendingReturnsExactItems(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		item := relay.WorkItem{ID: id, ToolName: "files_list", Arguments: map[string]any{"path": "<docs>"}}
		if err := env.pending.Enqueue(ctx, item); err != nil {
			t.Fatal(err)
		}
	}
	stored, _ := env.pending.ListAll(ctx)

	status, body := env.do(t, http.MethodGet, protocol.PathPending, env.agentHeaders(), "")
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	var resp protocol.PendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Requests) != 2 {
		t.Fatalf("got %d requests", len(resp.Requests))
	}
	for i, raw := range resp.Requests {
		if string(raw) != string(stored[i].Raw) {
			t.Errorf("item %d changed in transit:\n got %s\nwant %s", i, raw, stored[i].Raw)
		}
	}

	if !env.mr.Exists("agents:relay:agent:laptop") {
		t.Error("polling should refresh the agent heartbeat")
	}
}

func TestRelay_PendingEmptyIsArray(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, http.MethodGet, protocol.PathPending, env.agentHeaders(), "")
	if !strings.Contains(string(body), `"requests":[]`) {
		t.Errorf("got %s", body)
	}
}

func TestRelay_ResponseValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		body string
		want int
	}{
		{`{"requestId":"r1","value":{"n":1}}`, http.StatusOK},
		{`{"requestId":"r2","errorMessage":"boom"}`, http.StatusOK},
		{`{"requestId":"r3","value":1,"errorMessage":"both"}`, http.StatusBadRequest},
		{`{"requestId":"r4"}`, http.StatusBadRequest},
		{`{"value":1}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		status, body := env.do(t, http.MethodPost, protocol.PathResponse, env.agentHeaders(), tc.body)
		if status != tc.want {
			t.Errorf("%s: status %d, want %d (%s)", tc.body, status, tc.want, body)
		}
	}

	res, ok, err := env.results.TakeIfPresent(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("r1 not stored: ok=%v err=%v", ok, err)
	}
	if string(res.Value) != `{"n":1}` {
		t.Errorf("value: %s", res.Value)
	}
	if _, ok, _ := env.results.TakeIfPresent(ctx, "r3"); ok {
		t.Error("invalid result must not be stored")
	}
}

func TestRelay_RemoveIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.pending.Enqueue(ctx, relay.WorkItem{ID: "a", ToolName: "files_list"})
	env.pending.Enqueue(ctx, relay.WorkItem{ID: "b", ToolName: "files_list"})
	envs, _ := env.pending.ListAll(ctx)

	body, _ := json.Marshal(protocol.RemoveRequest{Item: envs[0].Raw})
	for i, want := range []bool{true, false} {
		status, data := env.do(t, http.MethodPost, protocol.PathRemove, env.agentHeaders(), string(body))
		if status != http.StatusOK {
			t.Fatalf("remove %d: status %d", i, status)
		}
		var resp protocol.RemoveResponse
		json.Unmarshal(data, &resp)
		if resp.Removed != want {
			t.Errorf("remove %d: removed=%v, want %v", i, resp.Removed, want)
		}
	}

	left, _ := env.pending.ListAll(ctx)
	if len(left) != 1 || string(left[0].Raw) != string(envs[1].Raw) {
		t.Errorf("wrong item removed, left: %v", left)
	}

	status, _ := env.do(t, http.MethodPost, protocol.PathRemove, env.agentHeaders(), `{}`)
	if status != http.StatusBadRequest {
		t.Errorf("missing item: status %d", status)
	}
}

func TestRelay_PendingDropsMalformedEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.rdb.RPush(ctx, "agents:relay:pending", "not json").Err(); err != nil {
		t.Fatal(err)
	}
	env.pending.Enqueue(ctx, relay.WorkItem{ID: "good", ToolName: "files_list"})

	status, body := env.do(t, http.MethodGet, protocol.PathPending, env.agentHeaders(), "")
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	var resp protocol.PendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decoding %q: %v", body, err)
	}
	if len(resp.Requests) != 1 || !strings.Contains(string(resp.Requests[0]), `"id":"good"`) {
		t.Errorf("requests = %s", body)
	}

	envs, _ := env.pending.ListAll(ctx)
	if len(envs) != 1 {
		t.Errorf("malformed entry should be removed, queue has %d", len(envs))
	}
}

func TestRelay_MalformedEntryDoesNotBlockWorker(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.rdb.RPush(ctx, "agents:relay:pending", "not json")
	env.pending.Enqueue(ctx, relay.WorkItem{ID: "good", ToolName: "files_list"})

	registry := tools.NewRegistry(tools.DefaultCatalog())
	files, err := tools.NewFiles(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	files.Register(registry)

	source := agent.NewHTTPSource(env.url, env.agentKey, "laptop", nil)
	worker := relay.NewWorker(source, tools.Dispatcher{Registry: registry}, relay.WorkerConfig{}, discardLogger())

	published, err := worker.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if published != 1 {
		t.Errorf("published %d, want 1", published)
	}
	res, ok, err := env.results.TakeIfPresent(ctx, "good")
	if err != nil || !ok || res.Failed() {
		t.Errorf("result for good item: %+v ok=%v err=%v", res, ok, err)
	}
	if n, _ := env.pending.Len(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestWriteJSON_EncodeFailureIs500(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, protocol.PendingResponse{Requests: []json.RawMessage{json.RawMessage("not json")}})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status %d", w.Code)
	}
	if msg := protocol.DecodeError(w.Body.Bytes()); !strings.Contains(msg, "encoding response") {
		t.Errorf("body %s", w.Body)
	}
}

// --- message API ---

func TestMessages_RequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"userId":"u1","reply":"hi"}`

	status, _ := env.do(t, http.MethodPost, protocol.PathMessages, nil, body)
	if status != http.StatusUnauthorized {
		t.Errorf("no key: status %d", status)
	}
	status, _ = env.do(t, http.MethodPost, protocol.PathMessages,
		map[string]string{"Authorization": "Bearer " + env.agentKey}, body)
	if status != http.StatusUnauthorized {
		t.Errorf("agent key on API: status %d", status)
	}
}

func TestMessages_DirectReply(t *testing.T) {
	env := newTestEnv(t, nil)

	status, resp := env.postMessage(t, `{"userId":"u1","channel":"whatsapp","reply":"Hello! How can I help?"}`)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if resp.Status != protocol.StatusReplied || resp.Reply != "Hello! How can I help?" {
		t.Errorf("got %+v", resp)
	}
	if n, _ := env.pending.Len(context.Background()); n != 0 {
		t.Errorf("direct reply must not enqueue, pending=%d", n)
	}
}

func TestMessages_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, body := range []string{
		`{"reply":"no user"}`,
		`{"userId":"u1"}`,
		`{"userId":"u1","toolName":"files_list","reply":"both"}`,
		`{`,
	} {
		if status, _ := env.postMessage(t, body); status != http.StatusBadRequest {
			t.Errorf("%s: status %d", body, status)
		}
	}
}

func TestMessages_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimit = 2 })
	body := `{"userId":"u1","reply":"ok"}`

	for i := 0; i < 2; i++ {
		if status, _ := env.postMessage(t, body); status != http.StatusOK {
			t.Fatalf("message %d: status %d", i, status)
		}
	}
	if status, _ := env.postMessage(t, body); status != http.StatusTooManyRequests {
		t.Errorf("third message: status %d", status)
	}
	if status, _ := env.postMessage(t, `{"userId":"u2","reply":"ok"}`); status != http.StatusOK {
		t.Errorf("other user: status %d", status)
	}

	env.mr.FastForward(time.Minute)
	if status, _ := env.postMessage(t, body); status != http.StatusOK {
		t.Errorf("after window: status %d", status)
	}
}

func TestMessages_TimeoutReportsPending(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WaitTimeout = 150 * time.Millisecond })

	status, resp := env.postMessage(t, `{"userId":"u1","toolName":"web_search","arguments":{"query":"go"}}`)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if resp.Status != protocol.StatusPending || resp.RequestID == "" {
		t.Fatalf("got %+v", resp)
	}
	if !strings.Contains(resp.Reply, "Web Agent") || !strings.Contains(resp.Reply, "arrive separately") {
		t.Errorf("reply: %q", resp.Reply)
	}

	envs, _ := env.pending.ListAll(context.Background())
	if len(envs) != 1 {
		t.Fatalf("item should stay pending, got %d", len(envs))
	}
	item, _ := envs[0].Decode()
	if item.ID != resp.RequestID || item.UserID != "u1" || item.Arguments["query"] != "go" {
		t.Errorf("queued item: %+v", item)
	}
}

func TestMessages_ResultFormatting(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Answer every item straight from Redis: tasks_list succeeds, anything else fails.
	go func() {
		for ctx.Err() == nil {
			envs, _ := env.pending.ListAll(ctx)
			for _, e := range envs {
				item, _ := e.Decode()
				res := relay.ErrorResult(item.ID, "Task not found: t9")
				if item.ToolName == "tasks_list" {
					res = relay.ValueResult(item.ID, json.RawMessage(`{"total":0}`))
				}
				env.results.Publish(ctx, res)
				env.pending.Remove(ctx, e)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	_, resp := env.postMessage(t, `{"userId":"u1","toolName":"tasks_list"}`)
	if resp.Status != protocol.StatusCompleted {
		t.Fatalf("got %+v", resp)
	}
	if !strings.HasPrefix(resp.Reply, "📅 *Productivity Agent*") || !strings.Contains(resp.Reply, `"total": 0`) {
		t.Errorf("reply: %q", resp.Reply)
	}
	if string(resp.Value) != `{"total":0}` {
		t.Errorf("value: %s", resp.Value)
	}

	_, resp = env.postMessage(t, `{"userId":"u1","toolName":"tasks_complete","arguments":{"taskId":"t9"}}`)
	if resp.Status != protocol.StatusFailed || resp.Reply != "❌ Error: Task not found: t9" {
		t.Errorf("got %+v", resp)
	}
}

func TestFormatValue(t *testing.T) {
	if got := formatValue(json.RawMessage(`"plain text"`)); got != "plain text" {
		t.Errorf("string: %q", got)
	}
	if got := formatValue(json.RawMessage(`{"a":1}`)); got != "{\n  \"a\": 1\n}" {
		t.Errorf("object: %q", got)
	}
	long := json.RawMessage(`"` + strings.Repeat("x", maxReplyChars+10) + `"`)
	if got := formatValue(long); len([]rune(got)) != maxReplyChars+1 || !strings.HasSuffix(got, "…") {
		t.Errorf("long value not truncated: %d runes", len([]rune(got)))
	}
}

// --- health, metrics ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.HeartbeatTTL = 10 * time.Second })

	var health map[string]any
	_, body := env.do(t, http.MethodGet, "/health", nil, "")
	json.Unmarshal(body, &health)
	if health["status"] != "ok" || health["agent_online"] != false {
		t.Errorf("before poll: %v", health)
	}

	env.do(t, http.MethodGet, protocol.PathPending, env.agentHeaders(), "")
	_, body = env.do(t, http.MethodGet, "/health", nil, "")
	json.Unmarshal(body, &health)
	if health["agent_online"] != true {
		t.Errorf("after poll: %v", health)
	}
	if _, ok := health["agent_alive"]; ok {
		t.Errorf("agent_alive without ?agent: %v", health)
	}

	for id, want := range map[string]bool{"laptop": true, "desktop": false} {
		health = nil
		_, body = env.do(t, http.MethodGet, "/health?agent="+id, nil, "")
		json.Unmarshal(body, &health)
		if health["agent_alive"] != want {
			t.Errorf("agent %s: %v", id, health)
		}
	}

	env.mr.FastForward(11 * time.Second)
	_, body = env.do(t, http.MethodGet, "/health", nil, "")
	json.Unmarshal(body, &health)
	if health["agent_online"] != false {
		t.Errorf("after heartbeat TTL: %v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	status, body := env.do(t, http.MethodGet, "/metrics", nil, "")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if !strings.Contains(string(body), "relay_pending_items") {
		t.Error("missing relay_pending_items gauge")
	}
}

func TestUnknownPath(t *testing.T) {
	env := newTestEnv(t, nil)
	if status, _ := env.do(t, http.MethodGet, "/nope", nil, ""); status != http.StatusNotFound {
		t.Errorf("status %d", status)
	}
}

// --- end to end over HTTP ---

func TestEndToEnd_AgentOverHTTP(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WaitTimeout = 5 * time.Second })

	registry := tools.NewRegistry(tools.DefaultCatalog())
	files, err := tools.NewFiles(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	files.Register(registry)

	source := agent.NewHTTPSource(env.url, env.agentKey, "laptop", &http.Client{Timeout: 5 * time.Second})
	worker := relay.NewWorker(source, tools.Dispatcher{Registry: registry},
		relay.WorkerConfig{PollInterval: 20 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, resp := env.postMessage(t, `{"userId":"u1","toolName":"files_list","arguments":{"path":""}}`)
	if resp.Status != protocol.StatusCompleted {
		t.Fatalf("files_list: %+v", resp)
	}
	if !strings.HasPrefix(resp.Reply, "📁 *Files Agent*") {
		t.Errorf("reply: %q", resp.Reply)
	}

	_, resp = env.postMessage(t, `{"userId":"u1","toolName":"unknown_tool","arguments":{}}`)
	if resp.Status != protocol.StatusFailed || resp.Reply != "❌ Error: Unknown tool: unknown_tool" {
		t.Errorf("unknown_tool: %+v", resp)
	}

	if n, _ := env.pending.Len(context.Background()); n != 0 {
		t.Errorf("queue should be drained, pending=%d", n)
	}
}

// --- config ---

func TestLoadConfig(t *testing.T) {
	t.Setenv("LOCAL_AGENT_KEY_HASH", "h1")
	t.Setenv("API_KEY_HASH", "h2")
	t.Setenv("RELAY_WAIT_TIMEOUT", "10s")
	t.Setenv("RATE_LIMIT", "5")
	t.Setenv("PORT", "not-a-number")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WaitTimeout != 10*time.Second || cfg.RateLimit != 5 || cfg.Port != 8080 {
		t.Errorf("got %+v", cfg)
	}
	if cfg.RedisPrefix != "agents:" || cfg.ResultRetention != 5*time.Minute {
		t.Errorf("defaults: %+v", cfg)
	}

	for _, key := range []string{"SWEEP_INTERVAL", "AGENT_HEARTBEAT_TTL", "RELAY_POLL_INTERVAL", "RATE_LIMIT_WINDOW"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "0s")
			if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), key) {
				t.Errorf("%s=0s: got %v", key, err)
			}
		})
	}

	t.Setenv("RESULT_RETENTION", "5s")
	if _, err := LoadConfig(); err == nil {
		t.Error("retention shorter than the wait should be rejected")
	}

	t.Setenv("API_KEY_HASH", "")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "API_KEY_HASH") {
		t.Errorf("missing hash: %v", err)
	}
}
