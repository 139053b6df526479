package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

// ResponseStore is the Response Store: at most one Result per request id,
// each with a retention TTL so unclaimed results (caller timed out or
// crashed) are purged.
type ResponseStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewResponseStore creates a ResponseStore. retention is how long an unread
// Result survives, independent of any particular wait.
func NewResponseStore(client *redis.Client, prefix string, retention time.Duration) *ResponseStore {
	return &ResponseStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *ResponseStore) key(requestID string) string {
	return s.prefix + "relay:response:" + requestID
}

// Publish stores result, replacing any previous entry for the same id and
// restarting the retention timer.
func (s *ResponseStore) Publish(ctx context.Context, result relay.Result) error {
	if err := result.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result %s: %w", result.RequestID, err)
	}
	if err := s.client.Set(ctx, s.key(result.RequestID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("publishing result %s: %w", result.RequestID, err)
	}
	return nil
}

// TakeIfPresent reads and deletes the Result for requestID in one GETDEL, so
// no second reader can observe it. A missing key is reported as ok=false.
func (s *ResponseStore) TakeIfPresent(ctx context.Context, requestID string) (relay.Result, bool, error) {
	data, err := s.client.GetDel(ctx, s.key(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return relay.Result{}, false, nil
	}
	if err != nil {
		return relay.Result{}, false, fmt.Errorf("taking result %s: %w", requestID, err)
	}

	var result relay.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return relay.Result{}, false, fmt.Errorf("parsing result %s: %w", requestID, err)
	}
	return result, true, nil
}
