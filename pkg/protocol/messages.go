// Package protocol defines the JSON bodies exchanged over HTTP between the
// cloud backend, the local agent, and the message front end.
//
// This is the shared contract. cloud-backend and local-agent both use these
// types; field names are camelCase to match the stored WorkItem/Result form.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header names used by the relay endpoints.
const (
	HeaderAgentSecret = "X-Agent-Secret"
	HeaderAgentID     = "X-Agent-ID"
)

// Relay endpoint paths on the cloud backend.
const (
	PathPending  = "/relay/pending"
	PathResponse = "/relay/response"
	PathRemove   = "/relay/remove"
	PathMessages = "/api/messages"
)

// --- Relay (agent ↔ cloud) ---

// PendingResponse is the body of GET /relay/pending. Each entry is a
// serialized WorkItem exactly as stored, so it can be echoed back to
// /relay/remove and matched byte for byte.
type PendingResponse struct {
	Requests []json.RawMessage `json:"requests"`
}

// RemoveRequest is the body of POST /relay/remove.
type RemoveRequest struct {
	Item json.RawMessage `json:"item"`
}

// RemoveResponse reports whether an entry matched. A miss is not an error.
type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// AckResponse is the body of a successful POST /relay/response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// --- Message API (front end → cloud) ---

// MessageRequest is the intent classification output for one inbound chat
// message: either a tool call or a direct reply.
type MessageRequest struct {
	UserID    string         `json:"userId"`
	Channel   string         `json:"channel,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reply     string         `json:"reply,omitempty"`
}

// Validate checks that exactly one of toolName and reply is set.
func (m MessageRequest) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return errors.New("userId is required")
	}
	hasTool := m.ToolName != ""
	hasReply := m.Reply != ""
	switch {
	case hasTool && hasReply:
		return errors.New("toolName and reply are mutually exclusive")
	case !hasTool && !hasReply:
		return errors.New("one of toolName or reply is required")
	}
	return nil
}

// ParseMessageRequest decodes and validates a message API body.
func ParseMessageRequest(data []byte) (MessageRequest, error) {
	var req MessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return MessageRequest{}, fmt.Errorf("parsing message request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return MessageRequest{}, err
	}
	return req, nil
}

// Message statuses. StatusPending means the wait deadline passed; the work
// may still complete later.
const (
	StatusReplied   = "replied"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// MessageResponse is the body returned to the front end. Reply is ready to
// send to the user as-is.
type MessageResponse struct {
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status"`
	Reply     string          `json:"reply"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// --- Local agent API ---

// ExecuteRequest is the body of the local agent's POST /execute.
type ExecuteRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ExecuteResponse carries either a value or an error, never both.
type ExecuteResponse struct {
	Tool  string          `json:"tool"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ToolInfo describes one catalog entry on GET /tools.
type ToolInfo struct {
	Name        string `json:"name"`
	Capability  string `json:"capability"`
	Emoji       string `json:"emoji"`
	Description string `json:"description"`
}

// ToolsResponse is the body of GET /tools.
type ToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}

// --- Shared ---

// ErrorResponse is the JSON error body used by every endpoint.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error types.
const (
	ErrTypeAuth      = "authentication_error"
	ErrTypeInvalid   = "invalid_request_error"
	ErrTypeRateLimit = "rate_limit_error"
	ErrTypeNotFound  = "not_found_error"
	ErrTypeServer    = "server_error"
)

// DecodeError extracts the message from an ErrorResponse body, falling back
// to the raw body text.
func DecodeError(body []byte) string {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
