// Package registry implements the capability catalog: typed registration
// with facet-contract compilation, heartbeat-based liveness, a cached
// snapshot for planners, and the reachability computation (CRCS) that
// decides which capabilities may participate in a plan.
package registry

import (
	"time"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/facet"
)

// AgentType distinguishes AI-executed capabilities from human-operated ones.
type AgentType string

const (
	AgentTypeAI    AgentType = "ai"
	AgentTypeHuman AgentType = "human"
)

// Capability status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Heartbeat declares how often a capability re-registers and how long the
// registry waits before projecting it inactive. When TimeoutSeconds is zero
// the effective timeout is three intervals; when both are zero the record
// never expires.
type Heartbeat struct {
	IntervalSeconds int `json:"intervalSeconds,omitempty"`
	TimeoutSeconds  int `json:"timeoutSeconds,omitempty"`
}

// EffectiveTimeout returns the liveness window, or zero when the capability
// declared no heartbeat.
func (h *Heartbeat) EffectiveTimeout() time.Duration {
	if h == nil {
		return 0
	}
	if h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	if h.IntervalSeconds > 0 {
		return time.Duration(h.IntervalSeconds) * 3 * time.Second
	}
	return 0
}

// AssignmentDefaults configures how human-task assignments are raised for a
// human capability when the plan node does not override them.
type AssignmentDefaults struct {
	Role             string   `json:"role,omitempty"`
	TimeoutSeconds   int      `json:"timeoutSeconds,omitempty"`
	MaxNotifications int      `json:"maxNotifications,omitempty"`
	OnDecline        string   `json:"onDecline,omitempty"`
	NotifyChannels   []string `json:"notifyChannels,omitempty"`
}

// PostCondition asserts a facet state that must hold after the capability
// produces output. The condition is compiled at registration; Path scopes
// bare DSL paths under the facet.
type PostCondition struct {
	Facet     string              `json:"facet"`
	Path      string              `json:"path,omitempty"`
	Condition *condition.Compiled `json:"condition"`
}

// Capability is the canonical registered record. Contracts are always in
// json_schema mode after registration; the original facet lists survive in
// InputFacets/OutputFacets and in the contract provenance.
type Capability struct {
	CapabilityID string    `json:"capabilityId"`
	Version      string    `json:"version,omitempty"`
	DisplayName  string    `json:"displayName,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	AgentType    AgentType `json:"agentType"`

	InputContract  *facet.Contract `json:"inputContract,omitempty"`
	OutputContract *facet.Contract `json:"outputContract"`
	InputFacets    []string        `json:"inputFacets,omitempty"`
	OutputFacets   []string        `json:"outputFacets,omitempty"`

	Heartbeat            *Heartbeat             `json:"heartbeat,omitempty"`
	AssignmentDefaults   *AssignmentDefaults    `json:"assignmentDefaults,omitempty"`
	InstructionTemplates map[string]string      `json:"instructionTemplates,omitempty"`
	PostConditions       []PostCondition        `json:"postConditions,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	PreferredModels      []string               `json:"preferredModels,omitempty"`
	Cost                 map[string]interface{} `json:"cost,omitempty"`

	Status       string    `json:"status"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	RegisteredAt time.Time `json:"registeredAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsExpired reports whether the record's heartbeat window has elapsed at
// now. A record seen exactly at the timeout boundary is still live.
func (c *Capability) IsExpired(now time.Time) bool {
	timeout := c.Heartbeat.EffectiveTimeout()
	if timeout == 0 || c.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(c.LastSeenAt) > timeout
}

// Registration is the payload accepted by Register. Contracts may arrive in
// facet mode; post-condition DSL is compiled during registration.
type Registration struct {
	CapabilityID string    `json:"capabilityId"`
	Version      string    `json:"version,omitempty"`
	DisplayName  string    `json:"displayName,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	AgentType    AgentType `json:"agentType,omitempty"`

	InputContract  *facet.Contract `json:"inputContract,omitempty"`
	OutputContract *facet.Contract `json:"outputContract,omitempty"`

	Heartbeat            *Heartbeat                  `json:"heartbeat,omitempty"`
	AssignmentDefaults   *AssignmentDefaults         `json:"assignmentDefaults,omitempty"`
	InstructionTemplates map[string]string           `json:"instructionTemplates,omitempty"`
	PostConditions       []RegistrationPostCondition `json:"postConditions,omitempty"`
	Metadata             map[string]interface{}      `json:"metadata,omitempty"`
	PreferredModels      []string                    `json:"preferredModels,omitempty"`
	Cost                 map[string]interface{}      `json:"cost,omitempty"`
}

// RegistrationPostCondition is the wire form of a post-condition: raw DSL
// scoped to a facet. Compilation happens in Register.
type RegistrationPostCondition struct {
	Facet string `json:"facet"`
	Path  string `json:"path,omitempty"`
	DSL   string `json:"dsl"`
}

// Snapshot is a read-consistent view of the active capability set, shared by
// planner and engine for the duration of one planning pass.
type Snapshot struct {
	Capabilities []*Capability
	TakenAt      time.Time

	byID map[string]*Capability
}

// Get returns the snapshot's record for a capability id.
func (s *Snapshot) Get(id string) (*Capability, bool) {
	cap, ok := s.byID[id]
	return cap, ok
}

// Active returns the capabilities projected active at snapshot time.
func (s *Snapshot) Active() []*Capability {
	active := make([]*Capability, 0, len(s.Capabilities))
	for _, cap := range s.Capabilities {
		if cap.Status == StatusActive {
			active = append(active, cap)
		}
	}
	return active
}

func newSnapshot(caps []*Capability, takenAt time.Time) *Snapshot {
	byID := make(map[string]*Capability, len(caps))
	for _, cap := range caps {
		byID[cap.CapabilityID] = cap
	}
	return &Snapshot{Capabilities: caps, TakenAt: takenAt, byID: byID}
}
