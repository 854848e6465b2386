package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ControlPlane is the key-value surface described in spec §4.9: per
// message_id status, an ordered event log, a node-scoped idempotency flag,
// a node-scoped side-effect counter, and a cached canonical response for
// duplicate-delivery replay. One implementation backs onto Redis (matching
// the teacher's idempotency.redisManager), another is a pure in-memory map
// for single-process/dev use (matching idempotency.memoryManager).
type ControlPlane interface {
	SaveStatus(ctx context.Context, id string, entry StatusEntry) error
	LoadStatus(ctx context.Context, id string) (StatusEntry, bool, error)
	AppendEvent(ctx context.Context, id string, ev EventEntry) error
	Events(ctx context.Context, id string) ([]EventEntry, error)

	// MarkIdempotent performs "set-if-absent" on bdp:idempotency:<node_id>:<id>,
	// returning true if this call was the one that set it (first delivery).
	MarkIdempotent(ctx context.Context, nodeID, id string) (firstDelivery bool, err error)

	// IncrSideEffect increments bdp:side_effect:<node_id>:<id> and returns
	// the new value.
	IncrSideEffect(ctx context.Context, nodeID, id string) (int64, error)

	CacheResponse(ctx context.Context, nodeID, id string, respJSON []byte) error
	CachedResponse(ctx context.Context, nodeID, id string) ([]byte, bool, error)
}

// --- in-memory implementation -------------------------------------------

type memoryControlPlane struct {
	mu         sync.Mutex
	statuses   map[string]StatusEntry
	events     map[string][]EventEntry
	idempotent map[string]bool
	sideEffect map[string]int64
	responses  map[string][]byte
}

// NewMemoryControlPlane builds an in-process ControlPlane. Nothing survives
// restart; suitable for single-process/dev deployments and tests.
func NewMemoryControlPlane() ControlPlane {
	return &memoryControlPlane{
		statuses:   map[string]StatusEntry{},
		events:     map[string][]EventEntry{},
		idempotent: map[string]bool{},
		sideEffect: map[string]int64{},
		responses:  map[string][]byte{},
	}
}

func (m *memoryControlPlane) SaveStatus(_ context.Context, id string, entry StatusEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = entry
	return nil
}

func (m *memoryControlPlane) LoadStatus(_ context.Context, id string) (StatusEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.statuses[id]
	return entry, ok, nil
}

func (m *memoryControlPlane) AppendEvent(_ context.Context, id string, ev EventEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = append(m.events[id], ev)
	return nil
}

func (m *memoryControlPlane) Events(_ context.Context, id string) ([]EventEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventEntry, len(m.events[id]))
	copy(out, m.events[id])
	return out, nil
}

func (m *memoryControlPlane) MarkIdempotent(_ context.Context, nodeID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := idempotencyKey(nodeID, id)
	if m.idempotent[key] {
		return false, nil
	}
	m.idempotent[key] = true
	return true, nil
}

func (m *memoryControlPlane) IncrSideEffect(_ context.Context, nodeID, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sideEffectKey(nodeID, id)
	m.sideEffect[key]++
	return m.sideEffect[key], nil
}

func (m *memoryControlPlane) CacheResponse(_ context.Context, nodeID, id string, respJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[responseKey(nodeID, id)] = respJSON
	return nil
}

func (m *memoryControlPlane) CachedResponse(_ context.Context, nodeID, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.responses[responseKey(nodeID, id)]
	return v, ok, nil
}

// --- Redis implementation -------------------------------------------------

type redisControlPlane struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisControlPlane builds a ControlPlane backed by Redis, matching the
// teacher's idempotency.redisManager key-prefix convention.
func NewRedisControlPlane(client *redis.Client, prefix string, ttl time.Duration) ControlPlane {
	if prefix == "" {
		prefix = "bdp:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisControlPlane{client: client, prefix: prefix, ttl: ttl}
}

func (r *redisControlPlane) SaveStatus(ctx context.Context, id string, entry StatusEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("async: marshal status: %w", err)
	}
	return r.client.Set(ctx, r.prefix+"status:"+id, data, r.ttl).Err()
}

func (r *redisControlPlane) LoadStatus(ctx context.Context, id string) (StatusEntry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+"status:"+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return StatusEntry{}, false, nil
		}
		return StatusEntry{}, false, fmt.Errorf("async: load status: %w", err)
	}
	var entry StatusEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return StatusEntry{}, false, fmt.Errorf("async: unmarshal status: %w", err)
	}
	return entry, true, nil
}

func (r *redisControlPlane) AppendEvent(ctx context.Context, id string, ev EventEntry) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("async: marshal event: %w", err)
	}
	key := r.prefix + "events:" + id
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("async: append event: %w", err)
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *redisControlPlane) Events(ctx context.Context, id string) ([]EventEntry, error) {
	raws, err := r.client.LRange(ctx, r.prefix+"events:"+id, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("async: load events: %w", err)
	}
	out := make([]EventEntry, 0, len(raws))
	for _, raw := range raws {
		var ev EventEntry
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("async: unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *redisControlPlane) MarkIdempotent(ctx context.Context, nodeID, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+idempotencyKey(nodeID, id), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("async: idempotency setnx: %w", err)
	}
	return ok, nil
}

func (r *redisControlPlane) IncrSideEffect(ctx context.Context, nodeID, id string) (int64, error) {
	key := r.prefix + sideEffectKey(nodeID, id)
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("async: incr side_effect: %w", err)
	}
	_ = r.client.Expire(ctx, key, r.ttl).Err()
	return n, nil
}

func (r *redisControlPlane) CacheResponse(ctx context.Context, nodeID, id string, respJSON []byte) error {
	return r.client.Set(ctx, r.prefix+responseKey(nodeID, id), respJSON, r.ttl).Err()
}

func (r *redisControlPlane) CachedResponse(ctx context.Context, nodeID, id string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+responseKey(nodeID, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("async: load cached response: %w", err)
	}
	return data, true, nil
}

func idempotencyKey(nodeID, id string) string { return "idempotency:" + nodeID + ":" + id }
func sideEffectKey(nodeID, id string) string  { return "side_effect:" + nodeID + ":" + id }
func responseKey(nodeID, id string) string    { return "node_response:" + nodeID + ":" + id }
