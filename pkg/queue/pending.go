// Package queue provides the Redis side of the relay.
//
// Key layout (all under a configurable prefix, e.g. "agents:"):
//
//	{prefix}relay:pending            LIST    serialized WorkItems, FIFO (RPUSH / LRANGE / LREM)
//	{prefix}relay:response:{id}      STRING  serialized Result, EX = retention, taken with GETDEL
//	{prefix}relay:agent:{agentID}    STRING  agent heartbeat, EX = heartbeat TTL
//	{prefix}ratelimit:{userID}       STRING  INCR counter, EX = window
//
// Only single-key atomic commands are used. There are no cross-key
// transactions: the relay's correctness rests on GETDEL being atomic and on
// LREM removing at most one exact match.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

// PendingQueue is the Pending Queue backed by a Redis list.
type PendingQueue struct {
	client *redis.Client
	key    string
}

// NewPendingQueue creates a PendingQueue under the given key prefix.
func NewPendingQueue(client *redis.Client, prefix string) *PendingQueue {
	return &PendingQueue{
		client: client,
		key:    prefix + "relay:pending",
	}
}

// Enqueue serializes item and appends it to the tail of the list.
func (q *PendingQueue) Enqueue(ctx context.Context, item relay.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling work item %s: %w", item.ID, err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("pushing work item %s: %w", item.ID, err)
	}
	return nil
}

// ListAll returns every pending entry in FIFO order. Nothing is removed.
// Entries are returned byte-for-byte so Remove can match them exactly.
func (q *PendingQueue) ListAll(ctx context.Context) ([]relay.Envelope, error) {
	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending work: %w", err)
	}
	envs := make([]relay.Envelope, len(raw))
	for i, r := range raw {
		envs[i] = relay.Envelope{Raw: json.RawMessage(r)}
	}
	return envs, nil
}

// Remove deletes the first entry whose serialized form equals env.Raw.
// It reports false, with no error, when no such entry exists (already
// removed by a previous cycle, or swept).
func (q *PendingQueue) Remove(ctx context.Context, env relay.Envelope) (bool, error) {
	n, err := q.client.LRem(ctx, q.key, 1, string(env.Raw)).Result()
	if err != nil {
		return false, fmt.Errorf("removing pending work: %w", err)
	}
	return n > 0, nil
}

// Len returns the number of pending entries.
func (q *PendingQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("getting pending length: %w", err)
	}
	return n, nil
}
