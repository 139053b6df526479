package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

// LocalAPI is the agent's own HTTP surface on localhost:
//
//	GET  /health   capabilities, store reachability and uptime (no auth)
//	GET  /tools    registered tools with their capability
//	POST /execute  run one tool directly, bypassing the relay
//	GET  /metrics  Prometheus
//
// Everything except /health requires X-Agent-Secret.
type LocalAPI struct {
	registry    *tools.Registry
	store       *tools.Store
	secret      string
	toolTimeout time.Duration
	metrics     http.Handler
	clock       quartz.Clock
	started     time.Time
	logger      *slog.Logger
}

// NewLocalAPI creates the local API handler.
// store may be nil, in which case /health doesn't check it.
func NewLocalAPI(registry *tools.Registry, store *tools.Store, secret string, toolTimeout time.Duration,
	metrics http.Handler, clock quartz.Clock, logger *slog.Logger) *LocalAPI {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &LocalAPI{
		registry:    registry,
		store:       store,
		secret:      secret,
		toolTimeout: toolTimeout,
		metrics:     metrics,
		clock:       clock,
		started:     clock.Now(),
		logger:      logger,
	}
}

func (a *LocalAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		a.handleHealth(w, r)
		return
	}
	if !a.authorized(r) {
		writeErrorJSON(w, http.StatusUnauthorized, protocol.ErrTypeAuth, "invalid or missing "+protocol.HeaderAgentSecret)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/tools":
		a.handleTools(w)
	case r.Method == http.MethodPost && r.URL.Path == "/execute":
		a.handleExecute(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/metrics" && a.metrics != nil:
		a.metrics.ServeHTTP(w, r)
	default:
		writeErrorJSON(w, http.StatusNotFound, protocol.ErrTypeNotFound, "endpoint not found")
	}
}

func (a *LocalAPI) authorized(r *http.Request) bool {
	got := r.Header.Get(protocol.HeaderAgentSecret)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) == 1
}

type capabilityStatus struct {
	Capability string   `json:"capability"`
	Name       string   `json:"name"`
	Emoji      string   `json:"emoji"`
	Tools      []string `json:"tools"`
}

func (a *LocalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	byCap := map[tools.Capability][]string{}
	defs := a.registry.Definitions()
	for _, def := range defs {
		byCap[def.Capability] = append(byCap[def.Capability], def.Name)
	}

	agents := []capabilityStatus{}
	for _, info := range a.registry.Catalog().Capabilities {
		names, ok := byCap[info.Capability]
		if !ok {
			continue
		}
		agents = append(agents, capabilityStatus{
			Capability: string(info.Capability),
			Name:       info.Name,
			Emoji:      info.Emoji,
			Tools:      names,
		})
	}

	status := http.StatusOK
	body := map[string]any{
		"status":     "ok",
		"agents":     agents,
		"tools":      len(defs),
		"uptime_sec": int64(a.clock.Since(a.started).Seconds()),
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		body["store"] = "ok"
		if err := a.store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		}
	}
	writeJSON(w, status, body)
}

func (a *LocalAPI) handleTools(w http.ResponseWriter) {
	catalog := a.registry.Catalog()
	resp := protocol.ToolsResponse{Tools: []protocol.ToolInfo{}}
	for _, def := range a.registry.Definitions() {
		info, _ := catalog.CapabilityOf(def.Name)
		resp.Tools = append(resp.Tools, protocol.ToolInfo{
			Name:        def.Name,
			Capability:  string(def.Capability),
			Emoji:       info.Emoji,
			Description: def.Description,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExecute runs a tool synchronously. Tool failures are reported in the
// body with status 200, like a published error Result; an unknown tool is 404.
func (a *LocalAPI) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "tool is required")
		return
	}

	ctx := r.Context()
	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	start := a.clock.Now()
	res, err := a.registry.Execute(ctx, req.Tool, req.Arguments)
	if errors.Is(err, tools.ErrUnknownTool) {
		writeErrorJSON(w, http.StatusNotFound, protocol.ErrTypeNotFound, err.Error())
		return
	}

	resp := protocol.ExecuteResponse{Tool: req.Tool}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Value = res.Output
	}
	a.logger.Info("direct tool execution",
		"tool", req.Tool,
		"failed", err != nil,
		"duration_ms", a.clock.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, protocol.ErrorResponse{
		Error: protocol.ErrorBody{Type: errType, Message: message},
	})
}
