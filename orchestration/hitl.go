package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/flexhq/flex/core"
)

// HITL request statuses and response types.
const (
	HitlStatusPending   = "pending"
	HitlStatusResolved  = "resolved"
	HitlStatusDenied    = "denied"
	HitlStatusCancelled = "cancelled"

	HitlResponseApproval  = "approval"
	HitlResponseRejection = "rejection"
)

// HitlRequest is one operator decision the run is waiting on.
type HitlRequest struct {
	RequestID       string                 `json:"requestId"`
	RunID           string                 `json:"runId"`
	NodeID          string                 `json:"nodeId,omitempty"`
	PolicyID        string                 `json:"policyId,omitempty"`
	OperatorPrompt  string                 `json:"operatorPrompt,omitempty"`
	ContractSummary string                 `json:"contractSummary,omitempty"`
	Rationale       string                 `json:"rationale,omitempty"`
	Status          string                 `json:"status"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// HitlResponse is an operator's resolution of a request.
type HitlResponse struct {
	RequestID    string                 `json:"requestId"`
	ResponseType string                 `json:"responseType"` // approval | rejection
	Approved     *bool                  `json:"approved,omitempty"`
	Answer       string                 `json:"answer,omitempty"`
	Operator     string                 `json:"operator,omitempty"`
	Note         string                 `json:"note,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// IsApproval reports whether the response approves the request.
func (r *HitlResponse) IsApproval() bool {
	if r.ResponseType == HitlResponseRejection {
		return false
	}
	if r.Approved != nil {
		return *r.Approved
	}
	return r.ResponseType == HitlResponseApproval
}

// HitlRunState is the full HITL history of one run.
type HitlRunState struct {
	Requests         []*HitlRequest  `json:"requests"`
	Responses        []*HitlResponse `json:"responses"`
	PendingRequestID string          `json:"pendingRequestId,omitempty"`
	DeniedCount      int             `json:"deniedCount"`
}

// Request returns the request with the given id.
func (s *HitlRunState) Request(requestID string) *HitlRequest {
	for _, req := range s.Requests {
		if req.RequestID == requestID {
			return req
		}
	}
	return nil
}

// LatestResponse returns the most recent response for a request.
func (s *HitlRunState) LatestResponse(requestID string) *HitlResponse {
	for i := len(s.Responses) - 1; i >= 0; i-- {
		if s.Responses[i].RequestID == requestID {
			return s.Responses[i]
		}
	}
	return nil
}

// HitlStore persists per-run HITL state.
type HitlStore interface {
	Load(ctx context.Context, runID string) (*HitlRunState, error)
	Save(ctx context.Context, runID string, state *HitlRunState) error
}

// MemoryHitlStore is the in-process HitlStore.
type MemoryHitlStore struct {
	mu     sync.RWMutex
	states map[string]*HitlRunState
}

// NewMemoryHitlStore creates an empty store.
func NewMemoryHitlStore() *MemoryHitlStore {
	return &MemoryHitlStore{states: map[string]*HitlRunState{}}
}

func (s *MemoryHitlStore) Load(ctx context.Context, runID string) (*HitlRunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[runID]
	if !ok {
		return &HitlRunState{}, nil
	}
	return deepCopy(state), nil
}

func (s *MemoryHitlStore) Save(ctx context.Context, runID string, state *HitlRunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[runID] = deepCopy(state)
	return nil
}

// RedisHitlStore keeps one JSON state document per run at {ns}:hitl:{runId}.
type RedisHitlStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisHitlStore wraps an existing client.
func NewRedisHitlStore(client *redis.Client, namespace string) *RedisHitlStore {
	if namespace == "" {
		namespace = "flex"
	}
	return &RedisHitlStore{client: client, namespace: namespace}
}

func (s *RedisHitlStore) key(runID string) string {
	return fmt.Sprintf("%s:hitl:%s", s.namespace, runID)
}

func (s *RedisHitlStore) Load(ctx context.Context, runID string) (*HitlRunState, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Result()
	if err == redis.Nil {
		return &HitlRunState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hitl state %s: %w", runID, err)
	}
	var state HitlRunState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to decode hitl state %s: %w", runID, err)
	}
	return &state, nil
}

func (s *RedisHitlStore) Save(ctx context.Context, runID string, state *HitlRunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal hitl state %s: %w", runID, err)
	}
	if err := s.client.Set(ctx, s.key(runID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save hitl state %s: %w", runID, err)
	}
	return nil
}

// RaiseOptions scope one RaiseRequest call. The engine attaches callbacks
// here so a raise and its bookkeeping share the same call frame; there is
// no ambient request context.
type RaiseOptions struct {
	PendingNodeID   string
	OperatorPrompt  string
	ContractSummary string
	OnRequest       func(request *HitlRequest)
	OnDenied        func(reason string)
}

// RaiseResult reports the outcome of a raise: a pending request or a
// denial with reason.
type RaiseResult struct {
	Status  string       `json:"status"` // pending | denied
	Request *HitlRequest `json:"request,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// HitlService raises and resolves operator requests with a per-run cap.
type HitlService struct {
	store       HitlStore
	logger      core.Logger
	maxRequests int
	now         func() time.Time
}

// HitlOption configures a HitlService.
type HitlOption func(*HitlService)

// WithHitlMaxRequests overrides the per-run request cap.
func WithHitlMaxRequests(n int) HitlOption {
	return func(s *HitlService) {
		if n > 0 {
			s.maxRequests = n
		}
	}
}

// WithHitlLogger attaches a logger.
func WithHitlLogger(logger core.Logger) HitlOption {
	return func(s *HitlService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHitlService creates a HITL service over a store.
func NewHitlService(store HitlStore, opts ...HitlOption) *HitlService {
	s := &HitlService{
		store:       store,
		logger:      core.NoOpLogger{},
		maxRequests: getEnvInt("FLEX_HITL_MAX_REQUESTS_PER_RUN", 3),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cl, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cl.WithComponent("flex/hitl")
	}
	return s
}

// LoadRunState returns the run's HITL history.
func (s *HitlService) LoadRunState(ctx context.Context, runID string) (*HitlRunState, error) {
	return s.store.Load(ctx, runID)
}

// RaiseRequest records a new pending request unless the per-run cap is
// exhausted, in which case the raise is denied and the denial counted.
func (s *HitlService) RaiseRequest(ctx context.Context, request *HitlRequest, opts RaiseOptions) (*RaiseResult, error) {
	state, err := s.store.Load(ctx, request.RunID)
	if err != nil {
		return nil, err
	}

	if len(state.Requests) >= s.maxRequests {
		state.DeniedCount++
		if err := s.store.Save(ctx, request.RunID, state); err != nil {
			return nil, err
		}
		reason := fmt.Sprintf("hitl request cap reached (%d per run)", s.maxRequests)
		s.logger.Warn("HITL request denied", map[string]interface{}{
			"operation": "hitl_raise",
			"run_id":    request.RunID,
			"reason":    reason,
		})
		if opts.OnDenied != nil {
			opts.OnDenied(reason)
		}
		return &RaiseResult{Status: HitlStatusDenied, Reason: reason}, nil
	}

	if request.RequestID == "" {
		request.RequestID = uuid.New().String()
	}
	if request.NodeID == "" {
		request.NodeID = opts.PendingNodeID
	}
	if request.OperatorPrompt == "" {
		request.OperatorPrompt = opts.OperatorPrompt
	}
	if request.ContractSummary == "" {
		request.ContractSummary = opts.ContractSummary
	}
	request.Status = HitlStatusPending
	request.CreatedAt = s.now()

	state.Requests = append(state.Requests, request)
	state.PendingRequestID = request.RequestID
	if err := s.store.Save(ctx, request.RunID, state); err != nil {
		return nil, err
	}

	s.logger.Info("HITL request raised", map[string]interface{}{
		"operation":  "hitl_raise",
		"run_id":     request.RunID,
		"request_id": request.RequestID,
		"node_id":    request.NodeID,
	})
	if opts.OnRequest != nil {
		opts.OnRequest(request)
	}
	return &RaiseResult{Status: HitlStatusPending, Request: request}, nil
}

// SubmitResponse records an operator response and resolves its request.
func (s *HitlService) SubmitResponse(ctx context.Context, runID string, response *HitlResponse) error {
	state, err := s.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	request := state.Request(response.RequestID)
	if request == nil {
		return fmt.Errorf("hitl request %s: %w", response.RequestID, core.ErrTaskNotFound)
	}
	if response.CreatedAt.IsZero() {
		response.CreatedAt = s.now()
	}
	request.Status = HitlStatusResolved
	state.Responses = append(state.Responses, response)
	if state.PendingRequestID == response.RequestID {
		state.PendingRequestID = ""
	}
	return s.store.Save(ctx, runID, state)
}

// RemoveRequest cancels a pending request.
func (s *HitlService) RemoveRequest(ctx context.Context, runID, requestID string) error {
	state, err := s.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	request := state.Request(requestID)
	if request == nil {
		return fmt.Errorf("hitl request %s: %w", requestID, core.ErrTaskNotFound)
	}
	request.Status = HitlStatusCancelled
	if state.PendingRequestID == requestID {
		state.PendingRequestID = ""
	}
	return s.store.Save(ctx, runID, state)
}

// HitlDecision is a resolved approve/reject outcome for one request.
type HitlDecision struct {
	Kind     string // approve | reject
	Request  *HitlRequest
	Response *HitlResponse
}

// ResolveHitlDecision inspects the latest resolved response for a request.
// Nil means the request is still pending.
func ResolveHitlDecision(state *HitlRunState, requestID string) *HitlDecision {
	request := state.Request(requestID)
	if request == nil {
		return nil
	}
	response := state.LatestResponse(requestID)
	if response == nil {
		return nil
	}
	kind := "reject"
	if response.IsApproval() {
		kind = "approve"
	}
	return &HitlDecision{Kind: kind, Request: request, Response: response}
}

// ParseHitlDecisionAction extracts an explicit policy action from a
// response, when the operator supplied one (metadata.action). Nil means
// the configured approve/reject action applies.
func ParseHitlDecisionAction(response *HitlResponse) *PolicyAction {
	if response == nil || response.Metadata == nil {
		return nil
	}
	raw, ok := response.Metadata["action"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var action PolicyAction
	if err := json.Unmarshal(data, &action); err != nil || action.Kind == "" {
		return nil
	}
	return &action
}
