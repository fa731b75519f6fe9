package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flexhq/flex/core"
)

// RedisStore persists capability records in Redis. One JSON value per
// record plus an id-index set:
//
//	{ns}:capability:{id}  → Capability JSON
//	{ns}:capabilities     → set of capability ids
//
// Records carry no TTL; liveness is a projection over lastSeenAt, swept by
// the service on read. Writes go through TxPipeline so the record and its
// index entry stay consistent.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisStore wraps an existing client. The namespace prefixes every key
// so multiple deployments can share one Redis.
func NewRedisStore(client *redis.Client, namespace string, logger core.Logger) *RedisStore {
	if namespace == "" {
		namespace = "flex"
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("flex/registry")
	}
	return &RedisStore{client: client, namespace: namespace, logger: logger}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:capability:%s", s.namespace, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:capabilities", s.namespace)
}

func (s *RedisStore) Upsert(ctx context.Context, record *Capability) error {
	if record == nil || record.CapabilityID == "" {
		return fmt.Errorf("capability record requires an id: %w", core.ErrInvalidInput)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal capability %s: %w", record.CapabilityID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(record.CapabilityID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), record.CapabilityID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to upsert capability", map[string]interface{}{
			"operation":     "capability_upsert",
			"capability_id": record.CapabilityID,
			"error":         err.Error(),
		})
		return fmt.Errorf("failed to upsert capability %s: %w", record.CapabilityID, err)
	}

	s.logger.Debug("Capability upserted", map[string]interface{}{
		"operation":     "capability_upsert",
		"capability_id": record.CapabilityID,
		"status":        record.Status,
	})
	return nil
}

func (s *RedisStore) Get(ctx context.Context, capabilityID string) (*Capability, error) {
	data, err := s.client.Get(ctx, s.recordKey(capabilityID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("capability %s: %w", capabilityID, core.ErrCapabilityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load capability %s: %w", capabilityID, err)
	}

	var record Capability
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode capability %s: %w", capabilityID, err)
	}
	return &record, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Capability, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list capability index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load capability records: %w", err)
	}

	records := make([]*Capability, 0, len(values))
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			// Index entry with no record; a crashed upsert can leave one.
			s.logger.Warn("Capability index entry has no record", map[string]interface{}{
				"operation":     "capability_list",
				"capability_id": ids[i],
			})
			continue
		}
		var record Capability
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			s.logger.Error("Failed to decode capability record", map[string]interface{}{
				"operation":     "capability_list",
				"capability_id": ids[i],
				"error":         err.Error(),
			})
			continue
		}
		records = append(records, &record)
	}

	// SMembers order is unspecified; sort for a stable snapshot.
	sortCapabilities(records)
	return records, nil
}

func (s *RedisStore) MarkInactive(ctx context.Context, capabilityIDs []string, now time.Time) error {
	if len(capabilityIDs) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	updated := 0
	for _, id := range capabilityIDs {
		record, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		record.Status = StatusInactive
		record.UpdatedAt = now
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal capability %s: %w", id, err)
		}
		pipe.Set(ctx, s.recordKey(id), data, 0)
		updated++
	}
	if updated == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark capabilities inactive: %w", err)
	}

	s.logger.Info("Expired capabilities marked inactive", map[string]interface{}{
		"operation": "capability_sweep",
		"count":     updated,
	})
	return nil
}

func sortCapabilities(records []*Capability) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && capabilityBefore(records[j], records[j-1]); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// capabilityBefore orders by registration time then id, so the snapshot's
// "original capability-list order" is the registration order.
func capabilityBefore(a, b *Capability) bool {
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.CapabilityID < b.CapabilityID
}
