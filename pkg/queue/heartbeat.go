// Heartbeat tracks which local agents are polling.
//
// Every GET of the pending list refreshes the polling agent's key. An agent
// that stops polling (machine asleep, process down) drops out once the TTL
// lapses, which is what the sweeper and the health endpoint look at.
//
// Key format:  {prefix}relay:agent:{agentID}
// Value:       RFC 3339 time of the last poll
// TTL:         configurable, a few poll intervals
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Heartbeat manages per-agent liveness keys in Redis.
type Heartbeat struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewHeartbeat creates a heartbeat manager. An agent whose key isn't
// refreshed within ttl is considered offline.
func NewHeartbeat(client *redis.Client, prefix string, ttl time.Duration) *Heartbeat {
	return &Heartbeat{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (h *Heartbeat) key(agentID string) string {
	return h.prefix + "relay:agent:" + agentID
}

// Ping records that agentID polled at now.
func (h *Heartbeat) Ping(ctx context.Context, agentID string, now time.Time) error {
	if err := h.client.Set(ctx, h.key(agentID), now.UTC().Format(time.RFC3339), h.ttl).Err(); err != nil {
		return fmt.Errorf("refreshing heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// IsAlive checks if an agent's heartbeat key exists.
func (h *Heartbeat) IsAlive(ctx context.Context, agentID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.key(agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking heartbeat for %s: %w", agentID, err)
	}
	return n > 0, nil
}

// LiveAgentIDs returns the IDs of all agents with an unexpired heartbeat.
// Uses SCAN rather than KEYS.
func (h *Heartbeat) LiveAgentIDs(ctx context.Context) ([]string, error) {
	pattern := h.key("*")
	prefixLen := len(h.key(""))
	var ids []string

	var cursor uint64
	for {
		keys, next, err := h.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning heartbeat keys: %w", err)
		}
		for _, key := range keys {
			if len(key) > prefixLen {
				ids = append(ids, key[prefixLen:])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
