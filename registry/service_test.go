package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/facet"
)

func testService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append([]ServiceOption{WithCacheTTL(time.Minute)}, opts...)
	return NewService(store, facet.DefaultCatalog(), opts...), store
}

func contentGeneratorRegistration() *Registration {
	return &Registration{
		CapabilityID: "contentGenerator",
		DisplayName:  "Content Generator",
		AgentType:    AgentTypeAI,
		InputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"objectiveBrief", "writerBrief", "toneOfVoice", "audienceProfile"},
		},
		OutputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"copyVariants"},
		},
		Heartbeat: &Heartbeat{IntervalSeconds: 10},
	}
}

func TestRegisterCompilesFacetContracts(t *testing.T) {
	svc, _ := testService(t)

	record, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)

	assert.Equal(t, StatusActive, record.Status)
	assert.Equal(t, facet.ModeJSONSchema, record.InputContract.Mode)
	assert.Equal(t, facet.ModeJSONSchema, record.OutputContract.Mode)
	assert.Equal(t, []string{"objectiveBrief", "writerBrief", "toneOfVoice", "audienceProfile"}, record.InputFacets)
	assert.Equal(t, []string{"copyVariants"}, record.OutputFacets)

	props, ok := record.OutputContract.Schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "copyVariants")

	require.Len(t, record.OutputContract.Provenance, 1)
	assert.Equal(t, "/copyVariants", record.OutputContract.Provenance[0].Pointer)

	facets, ok := record.Metadata["facets"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, facets["input"])
	assert.NotEmpty(t, facets["output"])
}

func TestRegisterRejectsUnknownFacet(t *testing.T) {
	svc, _ := testService(t)

	payload := contentGeneratorRegistration()
	payload.OutputContract = &facet.Contract{Mode: facet.ModeFacets, Facets: []string{"noSuchFacet"}}

	_, err := svc.Register(context.Background(), payload)
	require.Error(t, err)

	rejected, ok := err.(*RegistrationRejectedError)
	require.True(t, ok)
	assert.Equal(t, RejectUnknownFacet, rejected.Code)
	assert.Contains(t, rejected.Message, "noSuchFacet")
}

func TestRegisterRejectsDirectionalityMismatch(t *testing.T) {
	svc, _ := testService(t)

	// copyVariants is output-only; requesting it as an input must fail.
	payload := contentGeneratorRegistration()
	payload.InputContract = &facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}}

	_, err := svc.Register(context.Background(), payload)
	require.Error(t, err)

	rejected, ok := err.(*RegistrationRejectedError)
	require.True(t, ok)
	assert.Equal(t, RejectDirectionality, rejected.Code)
}

func TestRegisterRejectsMissingOutputContract(t *testing.T) {
	svc, _ := testService(t)

	payload := contentGeneratorRegistration()
	payload.OutputContract = nil

	_, err := svc.Register(context.Background(), payload)
	require.Error(t, err)

	rejected, ok := err.(*RegistrationRejectedError)
	require.True(t, ok)
	assert.Equal(t, RejectMissingOutputContract, rejected.Code)
}

func TestRegisterIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	svc, store := testService(t, WithClock(clock.Now))

	first, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)

	clock.Advance(42 * time.Second)
	second, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))

	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegisterCompilesPostConditions(t *testing.T) {
	svc, _ := testService(t)

	payload := contentGeneratorRegistration()
	payload.OutputContract = &facet.Contract{Mode: facet.ModeFacets, Facets: []string{"post_copy"}}
	payload.PostConditions = []RegistrationPostCondition{
		{Facet: "post_copy", Path: "status", DSL: `status == "ready"`},
	}

	record, err := svc.Register(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, record.PostConditions, 1)

	pc := record.PostConditions[0]
	assert.Equal(t, "post_copy", pc.Facet)
	require.NotNil(t, pc.Condition)
	assert.Equal(t, `post_copy.status == "ready"`, pc.Condition.CanonicalDSL)
	assert.NotNil(t, pc.Condition.JSONLogic)
}

func TestRegisterRejectsBadPostConditionDsl(t *testing.T) {
	svc, _ := testService(t)

	payload := contentGeneratorRegistration()
	payload.PostConditions = []RegistrationPostCondition{
		{Facet: "post_copy", DSL: `status ==`},
	}

	_, err := svc.Register(context.Background(), payload)
	require.Error(t, err)
	rejected, ok := err.(*RegistrationRejectedError)
	require.True(t, ok)
	assert.Equal(t, RejectInvalidPostCondition, rejected.Code)
}

func TestSnapshotSweepsExpiredHeartbeats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	svc, store := testService(t, WithClock(clock.Now), WithCacheTTL(time.Millisecond))

	_, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)

	// Exactly at the timeout boundary the record is still live.
	clock.Advance(30 * time.Second)
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Active(), 1)

	// One second past the boundary it is projected inactive and flushed.
	clock.Advance(time.Second + time.Millisecond)
	snap, err = svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Active())

	stored, err := store.Get(context.Background(), "contentGenerator")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, stored.Status)
}

func TestSnapshotCachesWithinTTL(t *testing.T) {
	svc, store := testService(t, WithCacheTTL(time.Hour))

	_, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)

	first, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	// A write that bypasses the service is invisible until invalidation.
	record := &Capability{CapabilityID: "qaReviewer", AgentType: AgentTypeAI, Status: StatusActive}
	require.NoError(t, store.Upsert(context.Background(), record))

	second, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSnapshotSingleFlight(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	svc := NewService(store, facet.DefaultCatalog(), WithCacheTTL(time.Hour))

	_, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)
	store.resetListCount()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Snapshot(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// All concurrent readers share the loads; with a warm cache afterwards
	// the store sees at most a couple of fetches, not eight.
	assert.LessOrEqual(t, store.listCount(), 2)
}

func TestGetCapabilityProjectsLiveness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	svc, _ := testService(t, WithClock(clock.Now))

	_, err := svc.Register(context.Background(), contentGeneratorRegistration())
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	record, err := svc.GetCapabilityByID(context.Background(), "contentGenerator")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, record.Status)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingStore struct {
	Store
	mu    sync.Mutex
	lists int
}

func (s *countingStore) List(ctx context.Context) ([]*Capability, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond) // widen the race window
	return s.Store.List(ctx)
}

func (s *countingStore) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *countingStore) resetListCount() {
	s.mu.Lock()
	s.lists = 0
	s.mu.Unlock()
}
