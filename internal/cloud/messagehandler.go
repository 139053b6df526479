package cloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/auth"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/queue"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

const (
	maxMessageBody = 1 << 20

	// maxReplyChars keeps a reply inside a single chat message.
	maxReplyChars = 3500
)

// MessageHandler serves POST /api/messages. The caller has already run
// intent classification: the body names a tool and its arguments, or carries
// a direct reply that needs no tool.
type MessageHandler struct {
	verifier    *auth.Verifier
	limiter     *queue.RateLimiter
	client      *relay.Client
	catalog     tools.Catalog
	waitTimeout time.Duration
	clock       quartz.Clock
	logger      *slog.Logger
}

// NewMessageHandler creates the message API handler.
func NewMessageHandler(
	verifier *auth.Verifier,
	limiter *queue.RateLimiter,
	client *relay.Client,
	catalog tools.Catalog,
	waitTimeout time.Duration,
	clock quartz.Clock,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		verifier:    verifier,
		limiter:     limiter,
		client:      client,
		catalog:     catalog,
		waitTimeout: waitTimeout,
		clock:       clock,
		logger:      logger,
	}
}

// ServeHTTP handles one classified message.
func (h *MessageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeErrorJSON(w, http.StatusMethodNotAllowed, protocol.ErrTypeInvalid, "method not allowed")
		return
	}
	if !h.requireAuth(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, "reading body: "+err.Error())
		return
	}
	msg, err := protocol.ParseMessageRequest(body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.ErrTypeInvalid, err.Error())
		return
	}

	allowed, err := h.limiter.Allow(r.Context(), msg.UserID)
	if err != nil {
		// Fail open.
		h.logger.Warn("rate limiter unavailable", "user_id", msg.UserID, "error", err)
		allowed = true
	}
	if !allowed {
		h.logger.Info("rate limited", "user_id", msg.UserID)
		writeErrorJSON(w, http.StatusTooManyRequests, protocol.ErrTypeRateLimit,
			"too many messages, please wait a minute and try again")
		return
	}

	if msg.Reply != "" {
		writeJSON(w, http.StatusOK, protocol.MessageResponse{
			Status: protocol.StatusReplied,
			Reply:  msg.Reply,
		})
		return
	}

	item := relay.WorkItem{
		ID:            uuid.NewString(),
		UserID:        msg.UserID,
		OriginChannel: msg.Channel,
		ToolName:      msg.ToolName,
		Arguments:     msg.Arguments,
		EnqueuedAt:    h.clock.Now().UTC(),
	}

	outcome, err := h.client.SubmitAndWait(r.Context(), item, h.waitTimeout)
	if err != nil {
		if r.Context().Err() != nil {
			h.logger.Info("caller went away while waiting", "request_id", item.ID)
			return
		}
		h.logger.Error("submitting work item", "request_id", item.ID, "error", err)
		writeErrorJSON(w, http.StatusServiceUnavailable, protocol.ErrTypeServer, "relay unavailable")
		return
	}

	writeJSON(w, http.StatusOK, h.buildResponse(item, outcome))
}

func (h *MessageHandler) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	apiKey := extractBearerToken(r)
	if apiKey == "" {
		writeErrorJSON(w, http.StatusUnauthorized, protocol.ErrTypeAuth, "missing Bearer token")
		return false
	}
	valid, err := h.verifier.VerifyAPIKey(apiKey)
	if err != nil {
		h.logger.Error("API key verification error", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, protocol.ErrTypeServer, "key verification failed")
		return false
	}
	if !valid {
		writeErrorJSON(w, http.StatusUnauthorized, protocol.ErrTypeAuth, "invalid API key")
		return false
	}
	return true
}

func (h *MessageHandler) buildResponse(item relay.WorkItem, outcome relay.Outcome) protocol.MessageResponse {
	info, ok := h.catalog.CapabilityOf(item.ToolName)
	if !ok {
		info = tools.CapabilityInfo{Name: "Agent", Emoji: "🤖"}
	}

	resp := protocol.MessageResponse{RequestID: item.ID}
	switch outcome.Status {
	case relay.StatusCompleted:
		resp.Status = protocol.StatusCompleted
		resp.Value = outcome.Result.Value
		resp.Reply = fmt.Sprintf("%s *%s*\n\n%s", info.Emoji, info.Name, formatValue(outcome.Result.Value))
	case relay.StatusFailed:
		resp.Status = protocol.StatusFailed
		resp.Reply = "❌ Error: " + outcome.Result.ErrorMessage
	default:
		resp.Status = protocol.StatusPending
		resp.Reply = fmt.Sprintf("⏳ The %s is still working on this. The result will arrive separately.", info.Name)
	}
	return resp
}

// formatValue renders a tool result for chat: indented JSON, cut to
// maxReplyChars. A top-level JSON string is shown unquoted.
func formatValue(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return truncate(s, maxReplyChars)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, value, "", "  "); err != nil {
		return truncate(string(value), maxReplyChars)
	}
	return truncate(buf.String(), maxReplyChars)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
