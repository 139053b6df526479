package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

// HTTPSource is the relay.Source the local agent uses: the cloud's relay
// endpoints, called with the agent secret. Any non-2xx response is a
// transport error; the Worker logs it and retries next cycle.
type HTTPSource struct {
	baseURL string
	secret  string
	agentID string
	client  *http.Client
}

var _ relay.Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source against the cloud backend at baseURL.
// client should carry the per-request timeout.
func NewHTTPSource(baseURL, secret, agentID string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		baseURL: baseURL,
		secret:  secret,
		agentID: agentID,
		client:  client,
	}
}

// Pending fetches the full Pending Queue snapshot. Each entry keeps its
// exact serialized bytes for Remove.
func (s *HTTPSource) Pending(ctx context.Context) ([]relay.Envelope, error) {
	var resp protocol.PendingResponse
	if err := s.do(ctx, http.MethodGet, protocol.PathPending, nil, &resp); err != nil {
		return nil, err
	}
	envs := make([]relay.Envelope, len(resp.Requests))
	for i, raw := range resp.Requests {
		envs[i] = relay.Envelope{Raw: raw}
	}
	return envs, nil
}

// Publish posts a Result to the Response Store.
func (s *HTTPSource) Publish(ctx context.Context, result relay.Result) error {
	var ack protocol.AckResponse
	return s.do(ctx, http.MethodPost, protocol.PathResponse, result, &ack)
}

// Remove asks the cloud to drop env from the Pending Queue.
func (s *HTTPSource) Remove(ctx context.Context, env relay.Envelope) (bool, error) {
	var resp protocol.RemoveResponse
	if err := s.do(ctx, http.MethodPost, protocol.PathRemove, protocol.RemoveRequest{Item: env.Raw}, &resp); err != nil {
		return false, err
	}
	return resp.Removed, nil
}

func (s *HTTPSource) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set(protocol.HeaderAgentSecret, s.secret)
	req.Header.Set(protocol.HeaderAgentID, s.agentID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, protocol.DecodeError(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}
