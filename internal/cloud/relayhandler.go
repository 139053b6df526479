package cloud

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/quartz"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/auth"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/queue"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

// maxResultBody bounds a published Result. Tool output is capped well below
// this on the agent side.
const maxResultBody = 5 << 20

// defaultAgentID is used when a poller sends no X-Agent-ID header.
const defaultAgentID = "default"

// RelayHandler serves the three endpoints the local agent polls. Every
// request must carry the agent secret in X-Agent-Secret.
//
//	GET  /relay/pending   full Pending Queue snapshot, refreshes the heartbeat
//	POST /relay/response  publish a Result
//	POST /relay/remove    remove one item by exact serialized form
type RelayHandler struct {
	verifier  *auth.Verifier
	queue     *queue.PendingQueue
	results   *queue.ResponseStore
	heartbeat *queue.Heartbeat
	clock     quartz.Clock
	logger    *slog.Logger
}

// NewRelayHandler creates the relay endpoint handler.
func NewRelayHandler(
	verifier *auth.Verifier,
	pending *queue.PendingQueue,
	results *queue.ResponseStore,
	heartbeat *queue.Heartbeat,
	clock quartz.Clock,
	logger *slog.Logger,
) *RelayHandler {
	return &RelayHandler{
		verifier:  verifier,
		queue:     pending,
		results:   results,
		heartbeat: heartbeat,
		clock:     clock,
		logger:    logger,
	}
}

// ServeHTTP routes relay requests.
func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.requireAgent(w, r) {
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == protocol.PathPending:
		h.handlePending(w, r)
	case r.Method == http.MethodPost && r.URL.Path == protocol.PathResponse:
		h.handleResponse(w, r)
	case r.Method == http.MethodPost && r.URL.Path == protocol.PathRemove:
		h.handleRemove(w, r)
	default:
		writeErrorJSON(w, http.StatusNotFound, protocol.ErrTypeNotFound, "endpoint not found")
	}
}

func (h *RelayHandler) requireAgent(w http.ResponseWriter, r *http.Request) bool {
	secret := r.Header.Get(protocol.HeaderAgentSecret)
	if secret == "" {
		writeErrorJSON(w, http.StatusUnauthorized, protocol.ErrTypeAuth, "missing "+protocol.HeaderAgentSecret+" header")
		return false
	}
	valid, err := h.verifier.VerifyAgentKey(secret)
	if err != nil {
		h.logger.Error("agent secret verification error", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrTypeServer, "secret verification failed")
		return false
	}
	if !valid {
		h.logger.Warn("rejected relay request", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeErrorJSON(w, http.StatusUnauthorized, protocol.ErrTypeAuth, "invalid agent secret")
		return false
	}
	return true
}

func (h *RelayHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(protocol.HeaderAgentID)
	if agentID == "" {
		agentID = defaultAgentID
	}
	if err := h.heartbeat.Ping(r.Context(), agentID, h.clock.Now()); err != nil {
		// Liveness only feeds the sweeper and /health; still hand out work.
		h.logger.Warn("refreshing agent heartbeat", "agent_id", agentID, "error", err)
	}

	envs, err := h.queue.ListAll(r.Context())
	if err != nil {
		h.logger.Error("listing pending work", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrTypeServer, "pending queue unavailable")
		return
	}

	resp := protocol.PendingResponse{Requests: make([]json.RawMessage, 0, len(envs))}
	for _, env := range envs {
		if !json.Valid(env.Raw) {
			// Can't be embedded in the response, and without an id nobody is
			// waiting on it.
			h.dropInvalid(r, env)
			continue
		}
		resp.Requests = append(resp.Requests, env.Raw)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RelayHandler) dropInvalid(r *http.Request, env relay.Envelope) {
	raw := string(env.Raw)
	if len(raw) > 200 {
		raw = raw[:200]
	}
	removed, err := h.queue.Remove(r.Context(), env)
	if err != nil {
		h.logger.Error("removing malformed pending entry", "raw", raw, "error", err)
		return
	}
	if removed {
		h.logger.Error("dropped malformed pending entry", "raw", raw)
	}
}

func (h *RelayHandler) handleResponse(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResultBody+1))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "reading body: "+err.Error())
		return
	}
	if len(body) > maxResultBody {
		writeErrorJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrTypeInvalid, "result too large")
		return
	}

	var result relay.Result
	if err := json.Unmarshal(body, &result); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "invalid JSON: "+err.Error())
		return
	}
	if err := result.Validate(); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, err.Error())
		return
	}

	if err := h.results.Publish(r.Context(), result); err != nil {
		if errors.Is(err, relay.ErrInvalidResult) {
			writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, err.Error())
			return
		}
		h.logger.Error("publishing result", "request_id", result.RequestID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrTypeServer, "response store unavailable")
		return
	}

	h.logger.Debug("result published", "request_id", result.RequestID, "failed", result.Failed())
	writeJSON(w, http.StatusOK, protocol.AckResponse{OK: true})
}

func (h *RelayHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req protocol.RemoveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxResultBody)).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Item) == 0 || string(req.Item) == "null" {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "item is required")
		return
	}

	removed, err := h.queue.Remove(r.Context(), relay.Envelope{Raw: req.Item})
	if err != nil {
		h.logger.Error("removing pending work", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrTypeServer, "pending queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, protocol.RemoveResponse{Removed: removed})
}
