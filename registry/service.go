package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
)

// Rejection codes surfaced to registration callers.
const (
	RejectUnknownFacet          = "unknown_facet"
	RejectDirectionality        = "directionality_error"
	RejectMissingOutputContract = "missing_output_contract"
	RejectInvalidPostCondition  = "invalid_post_condition"
	RejectInvalidPayload        = "invalid_payload"
)

// RegistrationRejectedError reports why a registration payload was refused.
type RegistrationRejectedError struct {
	Code    string
	Message string
	Err     error
}

func (e *RegistrationRejectedError) Error() string {
	return fmt.Sprintf("registration rejected (%s): %s", e.Code, e.Message)
}

func (e *RegistrationRejectedError) Unwrap() error { return e.Err }

// Service is the capability registry: it compiles facet contracts at
// registration, projects heartbeat liveness, and serves a cached snapshot
// to planners. Safe for concurrent use.
type Service struct {
	store   Store
	catalog *facet.Catalog
	logger  core.Logger
	tel     core.Telemetry

	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time
	inflight chan struct{} // non-nil while a load is running; closed on completion
	loadErr  error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCacheTTL overrides the snapshot cache TTL.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.cacheTTL = ttl }
}

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry attaches a telemetry provider.
func WithTelemetry(tel core.Telemetry) ServiceOption {
	return func(s *Service) {
		if tel != nil {
			s.tel = tel
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a registry service over a store and facet catalog.
func NewService(store Store, catalog *facet.Catalog, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		catalog:  catalog,
		logger:   core.NoOpLogger{},
		tel:      core.NoOpTelemetry{},
		cacheTTL: time.Duration(getEnvInt("FLEX_CAPABILITY_CACHE_TTL_MS", 5000)) * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cl, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cl.WithComponent("flex/registry")
	}
	return s
}

// Register validates and upserts a capability. Facet-mode contracts are
// compiled to JSON Schema; the returned record is the canonical stored form.
// Re-registering is the heartbeat: lastSeenAt advances, registeredAt and
// createdAt are preserved.
func (s *Service) Register(ctx context.Context, payload *Registration) (*Capability, error) {
	ctx, span := s.tel.StartSpan(ctx, "registry.register")
	defer span.End()

	if payload == nil || payload.CapabilityID == "" {
		return nil, &RegistrationRejectedError{Code: RejectInvalidPayload, Message: "capabilityId is required"}
	}

	inputFacets := payload.InputContract.DeclaredFacets()
	outputFacets := payload.OutputContract.DeclaredFacets()

	record := &Capability{
		CapabilityID:         payload.CapabilityID,
		Version:              payload.Version,
		DisplayName:          payload.DisplayName,
		Summary:              payload.Summary,
		AgentType:            payload.AgentType,
		InputContract:        payload.InputContract,
		OutputContract:       payload.OutputContract,
		Heartbeat:            payload.Heartbeat,
		AssignmentDefaults:   payload.AssignmentDefaults,
		InstructionTemplates: payload.InstructionTemplates,
		Metadata:             payload.Metadata,
		PreferredModels:      payload.PreferredModels,
		Cost:                 payload.Cost,
		Status:               StatusActive,
	}
	if record.AgentType == "" {
		record.AgentType = AgentTypeAI
	}

	// Compile facet contracts; the stored record always carries the
	// json_schema form alongside the facet lists.
	if payload.InputContract.IsFacets() || payload.OutputContract.IsFacets() {
		compiled, err := facet.CompileContracts(s.catalog, facetsIfMode(payload.InputContract), facetsIfMode(payload.OutputContract))
		if err != nil {
			return nil, rejectionFromContractError(err)
		}
		if payload.InputContract.IsFacets() {
			record.InputContract = compiled.Input
		}
		if payload.OutputContract.IsFacets() {
			record.OutputContract = compiled.Output
		}
	}
	record.InputFacets = inputFacets
	record.OutputFacets = outputFacets

	if record.OutputContract == nil {
		return nil, &RegistrationRejectedError{
			Code:    RejectMissingOutputContract,
			Message: fmt.Sprintf("capability %s declares no output contract", payload.CapabilityID),
		}
	}

	// Post-conditions compile once here; the engine evaluates the stored
	// JSON-Logic on every node completion.
	for _, pc := range payload.PostConditions {
		compiled, err := condition.CompileForFacet(pc.DSL, pc.Facet)
		if err != nil {
			return nil, &RegistrationRejectedError{
				Code:    RejectInvalidPostCondition,
				Message: fmt.Sprintf("post-condition on facet %q does not compile: %v", pc.Facet, err),
				Err:     err,
			}
		}
		record.PostConditions = append(record.PostConditions, PostCondition{
			Facet:     pc.Facet,
			Path:      pc.Path,
			Condition: compiled,
		})
	}

	if record.Metadata == nil {
		record.Metadata = map[string]interface{}{}
	}
	record.Metadata["facets"] = map[string]interface{}{
		"input":  record.InputFacets,
		"output": record.OutputFacets,
	}
	record.Metadata["facetProvenance"] = contractProvenance(record.InputContract, record.OutputContract)

	now := s.now().UTC()
	record.LastSeenAt = now
	record.UpdatedAt = now
	record.RegisteredAt = now
	record.CreatedAt = now
	if existing, err := s.store.Get(ctx, payload.CapabilityID); err == nil {
		record.RegisteredAt = existing.RegisteredAt
		record.CreatedAt = existing.CreatedAt
	}

	if err := s.store.Upsert(ctx, record); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store capability %s: %w", payload.CapabilityID, err)
	}

	s.invalidate()

	stored, err := s.store.Get(ctx, payload.CapabilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read capability %s: %w", payload.CapabilityID, err)
	}

	s.logger.Info("Capability registered", map[string]interface{}{
		"operation":     "capability_register",
		"capability_id": stored.CapabilityID,
		"agent_type":    string(stored.AgentType),
		"input_facets":  stored.InputFacets,
		"output_facets": stored.OutputFacets,
	})
	s.tel.RecordMetric("flex.registry.registrations", 1, map[string]string{
		"agent_type": string(stored.AgentType),
	})
	return stored, nil
}

// GetCapabilityByID loads one record with liveness projected.
func (s *Service) GetCapabilityByID(ctx context.Context, capabilityID string) (*Capability, error) {
	record, err := s.store.Get(ctx, capabilityID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusActive && record.IsExpired(s.now()) {
		record.Status = StatusInactive
	}
	return record, nil
}

// Snapshot returns the capability set with heartbeat liveness applied.
// Results are cached for the configured TTL; concurrent refreshes are
// single-flighted so all waiters share one store read.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	for {
		s.mu.Lock()
		if s.cached != nil && s.now().Sub(s.cachedAt) < s.cacheTTL {
			snap := s.cached
			s.mu.Unlock()
			return snap, nil
		}
		if s.inflight != nil {
			wait := s.inflight
			s.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			s.mu.Lock()
			snap, err := s.cached, s.loadErr
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if snap != nil {
				return snap, nil
			}
			continue
		}
		done := make(chan struct{})
		s.inflight = done
		s.mu.Unlock()

		snap, err := s.load(ctx)

		s.mu.Lock()
		if err == nil {
			s.cached = snap
			s.cachedAt = s.now()
		}
		s.loadErr = err
		s.inflight = nil
		close(done)
		s.mu.Unlock()
		return snap, err
	}
}

// ListActive returns the active capabilities from the current snapshot.
func (s *Service) ListActive(ctx context.Context) ([]*Capability, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Active(), nil
}

// load fetches all records and sweeps expired heartbeats. The demotion is
// flushed through one batched MarkInactive so sweep cost stays constant per
// refresh.
func (s *Service) load(ctx context.Context) (*Snapshot, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load capability snapshot: %w", err)
	}

	now := s.now()
	var expired []string
	for _, record := range records {
		if record.Status == StatusActive && record.IsExpired(now) {
			record.Status = StatusInactive
			expired = append(expired, record.CapabilityID)
		}
	}
	if len(expired) > 0 {
		if err := s.store.MarkInactive(ctx, expired, now); err != nil {
			// The projection already demoted them; persisting is best-effort.
			s.logger.Warn("Failed to persist heartbeat sweep", map[string]interface{}{
				"operation": "capability_sweep",
				"expired":   expired,
				"error":     err.Error(),
			})
		}
	}

	return newSnapshot(records, now), nil
}

// invalidate drops the cached snapshot so the next read observes the write.
func (s *Service) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}

func facetsIfMode(contract *facet.Contract) []string {
	if contract.IsFacets() {
		return contract.Facets
	}
	return nil
}

func rejectionFromContractError(err error) error {
	var ce *facet.ContractError
	if errors.As(err, &ce) {
		code := RejectUnknownFacet
		if ce.Code == facet.CodeDirectionality {
			code = RejectDirectionality
		}
		return &RegistrationRejectedError{Code: code, Message: ce.Error(), Err: ce}
	}
	return &RegistrationRejectedError{Code: RejectInvalidPayload, Message: err.Error(), Err: err}
}

func contractProvenance(contracts ...*facet.Contract) []facet.ProvenanceEntry {
	var entries []facet.ProvenanceEntry
	for _, c := range contracts {
		if c != nil {
			entries = append(entries, c.Provenance...)
		}
	}
	return entries
}

func getEnvInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvString(key, fallback string) string {
	if raw := os.Getenv(key); raw != "" {
		return raw
	}
	return fallback
}
