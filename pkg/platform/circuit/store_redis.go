package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore persists breaker state in Redis so restarts do not forget
// an open circuit. Entries expire after a TTL so a long-gone incident does
// not pin a dependency open forever.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore creates a Redis-backed breaker state store.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		prefix: "custodia:circuit:",
		ttl:    24 * time.Hour,
	}
}

// Save writes the breaker snapshot under its name.
func (s *RedisStateStore) Save(ctx context.Context, snapshot PersistedState) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+snapshot.Name, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot for the named breaker. The second return
// is false when no state was persisted.
func (s *RedisStateStore) Load(ctx context.Context, name string) (PersistedState, bool, error) {
	payload, err := s.client.Get(ctx, s.prefix+name).Bytes()
	if err == redis.Nil {
		return PersistedState{}, false, nil
	}
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("load breaker state: %w", err)
	}
	var snapshot PersistedState
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return PersistedState{}, false, fmt.Errorf("decode breaker state: %w", err)
	}
	return snapshot, true, nil
}
