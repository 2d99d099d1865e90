package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Registry = (*memoryRegistry)(nil)

// memoryRegistry is the single-node implementation, also used by tests.
// Sharded by user hash to keep write contention local.
type memoryRegistry struct {
	shards [16]memoryShard
	ttl    time.Duration
}

type memoryShard struct {
	mu    sync.RWMutex
	users map[uuid.UUID]map[string]time.Time // user -> field -> lastPing
}

func NewMemoryRegistry(heartbeat time.Duration) Registry {
	r := &memoryRegistry{ttl: entryTTL(heartbeat)}
	for i := range r.shards {
		r.shards[i].users = make(map[uuid.UUID]map[string]time.Time)
	}
	return r
}

func (r *memoryRegistry) shard(userID uuid.UUID) *memoryShard {
	return &r.shards[int(userID[0])%len(r.shards)]
}

func (r *memoryRegistry) Bind(_ context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]time.Time)
		s.users[userID] = conns
	}
	conns[field(gatewayID, connID)] = time.Now()
	return nil
}

func (r *memoryRegistry) Unbind(_ context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if conns, ok := s.users[userID]; ok {
		delete(conns, field(gatewayID, connID))
		if len(conns) == 0 {
			delete(s.users, userID)
		}
	}
	return nil
}

func (r *memoryRegistry) Touch(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error {
	return r.Bind(ctx, userID, gatewayID, connID)
}

func (r *memoryRegistry) Lookup(_ context.Context, userID uuid.UUID) ([]string, error) {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline := time.Now().Add(-r.ttl)
	seen := make(map[string]struct{})
	var gateways []string
	for f, ping := range s.users[userID] {
		if ping.Before(deadline) {
			continue // heartbeat lost, treat as gone
		}
		for i := range f {
			if f[i] == '/' {
				gw := f[:i]
				if _, dup := seen[gw]; !dup {
					seen[gw] = struct{}{}
					gateways = append(gateways, gw)
				}
				break
			}
		}
	}
	return gateways, nil
}

func (r *memoryRegistry) FilterOnline(ctx context.Context, users []uuid.UUID) ([]uuid.UUID, error) {
	var online []uuid.UUID
	for _, u := range users {
		gws, err := r.Lookup(ctx, u)
		if err != nil {
			return nil, err
		}
		if len(gws) > 0 {
			online = append(online, u)
		}
	}
	return online, nil
}
