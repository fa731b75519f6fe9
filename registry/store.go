package registry

import (
	"context"
	"time"
)

// Store persists capability records. Implementations must make Upsert
// atomic per record; List returns records in a stable order (registration
// order for the memory store, indexed id order for Redis).
type Store interface {
	// Upsert inserts or replaces a record keyed by CapabilityID.
	Upsert(ctx context.Context, record *Capability) error
	// Get returns a record or core.ErrCapabilityNotFound.
	Get(ctx context.Context, capabilityID string) (*Capability, error)
	// List returns every record, active and inactive.
	List(ctx context.Context) ([]*Capability, error)
	// MarkInactive demotes the given records in one batched write. Missing
	// ids are skipped.
	MarkInactive(ctx context.Context, capabilityIDs []string, now time.Time) error
}
