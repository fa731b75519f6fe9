package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flexhq/flex/core"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// Records are deep-copied on the way in and out so callers cannot alias
// store state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Capability
	order   []string
}

// NewMemoryStore creates an empty in-memory capability store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Capability)}
}

func (s *MemoryStore) Upsert(ctx context.Context, record *Capability) error {
	if record == nil || record.CapabilityID == "" {
		return fmt.Errorf("capability record requires an id: %w", core.ErrInvalidInput)
	}
	copied, err := copyCapability(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.CapabilityID]; !exists {
		s.order = append(s.order, record.CapabilityID)
	}
	s.records[record.CapabilityID] = copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, capabilityID string) (*Capability, error) {
	s.mu.RLock()
	record, ok := s.records[capabilityID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capability %s: %w", capabilityID, core.ErrCapabilityNotFound)
	}
	return copyCapability(record)
}

func (s *MemoryStore) List(ctx context.Context) ([]*Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Capability, 0, len(s.order))
	for _, id := range s.order {
		copied, err := copyCapability(s.records[id])
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (s *MemoryStore) MarkInactive(ctx context.Context, capabilityIDs []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range capabilityIDs {
		if record, ok := s.records[id]; ok {
			record.Status = StatusInactive
			record.UpdatedAt = now
		}
	}
	return nil
}

// copyCapability deep-copies via a JSON round-trip; records carry nested
// maps that a field copy would alias.
func copyCapability(record *Capability) (*Capability, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to copy capability record: %w", err)
	}
	var copied Capability
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to copy capability record: %w", err)
	}
	return &copied, nil
}
