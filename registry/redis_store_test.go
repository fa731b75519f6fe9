package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/core"
)

func testRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "flextest", nil)
}

func TestRedisStoreUpsertGetRoundTrip(t *testing.T) {
	store := testRedisStore(t)
	ctx := context.Background()

	record := &Capability{
		CapabilityID: "contentGenerator",
		DisplayName:  "Content Generator",
		AgentType:    AgentTypeAI,
		InputFacets:  []string{"objectiveBrief"},
		OutputFacets: []string{"copyVariants"},
		Status:       StatusActive,
		RegisteredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		LastSeenAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Upsert(ctx, record))

	loaded, err := store.Get(ctx, "contentGenerator")
	require.NoError(t, err)
	assert.Equal(t, record, loaded)
}

func TestRedisStoreGetMissing(t *testing.T) {
	store := testRedisStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrCapabilityNotFound)
}

func TestRedisStoreListOrdersByRegistration(t *testing.T) {
	store := testRedisStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"later", "earlier", "middle"} {
		offset := []time.Duration{2 * time.Hour, 0, time.Hour}[i]
		require.NoError(t, store.Upsert(ctx, &Capability{
			CapabilityID: id,
			AgentType:    AgentTypeAI,
			Status:       StatusActive,
			RegisteredAt: base.Add(offset),
		}))
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "earlier", records[0].CapabilityID)
	assert.Equal(t, "middle", records[1].CapabilityID)
	assert.Equal(t, "later", records[2].CapabilityID)
}

func TestRedisStoreMarkInactiveBatch(t *testing.T) {
	store := testRedisStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Upsert(ctx, &Capability{
			CapabilityID: id,
			AgentType:    AgentTypeAI,
			Status:       StatusActive,
		}))
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkInactive(ctx, []string{"a", "missing"}, now))

	a, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, a.Status)
	assert.Equal(t, now, a.UpdatedAt)

	b, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, b.Status)
}
