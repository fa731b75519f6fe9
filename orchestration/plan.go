package orchestration

import (
	"fmt"
	"time"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/facet"
)

// Plan node kinds.
const (
	NodeKindExecution  = "execution"
	NodeKindValidation = "validation"
	NodeKindRouting    = "routing"
	NodeKindVirtual    = "virtual"
)

// Node and run statuses.
const (
	StatusPending       = "pending"
	StatusRunning       = "running"
	StatusCompleted     = "completed"
	StatusError         = "error"
	StatusAwaitingHitl  = "awaiting_hitl"
	StatusAwaitingHuman = "awaiting_human"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// Plan is a validated DAG of capability invocations. Edges default to the
// sequential chain over nodes when the planner supplies none.
type Plan struct {
	RunID     string                 `json:"runId"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"createdAt"`
	Nodes     []*PlanNode            `json:"nodes"`
	Edges     []Edge                 `json:"edges"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Node returns the plan node with the given id.
func (p *Plan) Node(id string) (*PlanNode, bool) {
	for _, node := range p.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return nil, false
}

// Edge is a directed dependency between two plan nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PlanNode is one step of the plan.
type PlanNode struct {
	ID                string `json:"id"`
	Kind              string `json:"kind"`
	CapabilityID      string `json:"capabilityId,omitempty"`
	CapabilityLabel   string `json:"capabilityLabel,omitempty"`
	CapabilityVersion string `json:"capabilityVersion,omitempty"`
	DerivedCapability bool   `json:"derivedCapability,omitempty"`
	Label             string `json:"label,omitempty"`

	Bundle     NodeBundle     `json:"bundle"`
	Contracts  NodeContracts  `json:"contracts"`
	Facets     NodeFacets     `json:"facets"`
	Provenance NodeProvenance `json:"provenance"`
	Rationale  []string       `json:"rationale,omitempty"`
	Routing    *NodeRouting   `json:"routing,omitempty"`

	PostConditionGuards []string               `json:"postConditionGuards,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// NodeBundle is the dispatch payload handed to the executor for this node.
type NodeBundle struct {
	RunID        string                 `json:"runId"`
	NodeID       string                 `json:"nodeId"`
	Objective    string                 `json:"objective"`
	Instructions string                 `json:"instructions,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Policies     *Policies              `json:"policies,omitempty"`
	Contract     *facet.Contract        `json:"contract,omitempty"`
	Assignment   *Assignment            `json:"assignment,omitempty"`
}

// NodeContracts are the effective validation boundaries of the node.
type NodeContracts struct {
	Input  *facet.Contract `json:"input,omitempty"`
	Output *facet.Contract `json:"output"`
}

// NodeFacets lists the facets this node consumes and produces.
type NodeFacets struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

// NodeProvenance carries one entry per facet on each side.
type NodeProvenance struct {
	Input  []facet.ProvenanceEntry `json:"input,omitempty"`
	Output []facet.ProvenanceEntry `json:"output,omitempty"`
}

// NodeRouting declares the conditional branches of a routing node. Routes
// are evaluated in order; the first match wins, ElseTo catches the rest.
type NodeRouting struct {
	Routes []Route `json:"routes"`
	ElseTo string  `json:"elseTo,omitempty"`
}

// Route is one conditional branch.
type Route struct {
	To        string              `json:"to"`
	Condition *condition.Compiled `json:"condition"`
}

// RoutingResult records which branch a routing node selected so resume can
// restore the scheduler's conditional locks.
type RoutingResult struct {
	SelectedTarget string         `json:"selectedTarget,omitempty"`
	Resolution     string         `json:"resolution"` // match | else | replan
	Traces         []RoutingTrace `json:"traces,omitempty"`
}

// RoutingTrace records one route evaluation.
type RoutingTrace struct {
	To       string                 `json:"to"`
	Matched  bool                   `json:"matched"`
	Resolved map[string]interface{} `json:"resolvedVariables,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Assignment is the human-task payload attached to an awaiting_human node.
type Assignment struct {
	AssignmentID     string                  `json:"assignmentId"`
	Role             string                  `json:"role,omitempty"`
	AssignedTo       string                  `json:"assignedTo,omitempty"`
	DueAt            *time.Time              `json:"dueAt,omitempty"`
	Priority         string                  `json:"priority,omitempty"`
	NotifyChannels   []string                `json:"notifyChannels,omitempty"`
	TimeoutSeconds   int                     `json:"timeoutSeconds,omitempty"`
	MaxNotifications int                     `json:"maxNotifications,omitempty"`
	Instructions     string                  `json:"instructions,omitempty"`
	Metadata         map[string]interface{}  `json:"metadata,omitempty"`
	Facets           NodeFacets              `json:"facets"`
	Contracts        NodeContracts           `json:"contracts"`
	FacetProvenance  []facet.ProvenanceEntry `json:"facetProvenance,omitempty"`
}

// NodeSnapshot is the persisted state of one plan node.
type NodeSnapshot struct {
	Node                 *PlanNode                       `json:"node"`
	Status               string                          `json:"status"`
	StartedAt            *time.Time                      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time                      `json:"completedAt,omitempty"`
	Output               interface{}                     `json:"output,omitempty"`
	Error                string                          `json:"error,omitempty"`
	PostConditionResults []condition.GoalConditionResult `json:"postConditionResults,omitempty"`
}

// PendingState is the resumable residue persisted with a plan snapshot.
type PendingState struct {
	CompletedNodeIDs      []string                        `json:"completedNodeIds,omitempty"`
	NodeOutputs           map[string]interface{}          `json:"nodeOutputs,omitempty"`
	PolicyActions         []PendingPolicyAction           `json:"policyActions,omitempty"`
	PolicyAttempts        map[string]int                  `json:"policyAttempts,omitempty"`
	PostConditionAttempts map[string]int                  `json:"postConditionAttempts,omitempty"`
	RoutingSelections     map[string][]string             `json:"routingSelections,omitempty"`
	Mode                  string                          `json:"mode,omitempty"` // pause | hitl
	GoalConditionFailures []condition.GoalConditionResult `json:"goalConditionFailures,omitempty"`
}

// PendingPolicyAction links a raised HITL request to the actions its
// resolution will dispatch.
type PendingPolicyAction struct {
	PolicyID      string        `json:"policyId"`
	NodeID        string        `json:"nodeId,omitempty"`
	RequestID     string        `json:"requestId"`
	ApproveAction *PolicyAction `json:"approveAction,omitempty"`
	RejectAction  *PolicyAction `json:"rejectAction,omitempty"`
}

// PlanSnapshot is a persisted plan version with node states and pending
// execution state.
type PlanSnapshot struct {
	RunID         string                 `json:"runId"`
	PlanVersion   int                    `json:"planVersion"`
	Nodes         []*NodeSnapshot        `json:"nodes"`
	Edges         []Edge                 `json:"edges"`
	PlanMetadata  map[string]interface{} `json:"planMetadata,omitempty"`
	FacetSnapshot *ContextSnapshot       `json:"facetSnapshot,omitempty"`
	SchemaHash    string                 `json:"schemaHash,omitempty"`
	PendingState  *PendingState          `json:"pendingState,omitempty"`
	SavedAt       time.Time              `json:"savedAt"`
}

// RunRecord is the persisted run row.
type RunRecord struct {
	RunID           string                 `json:"runId"`
	ThreadID        string                 `json:"threadId,omitempty"`
	Status          string                 `json:"status"`
	Envelope        *TaskEnvelope          `json:"envelope"`
	PlanVersion     int                    `json:"planVersion"`
	Result          interface{}            `json:"result,omitempty"`
	ContextSnapshot *ContextSnapshot       `json:"contextSnapshot,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	LastError       string                 `json:"lastError,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// RunOutput is the single persisted output row per run.
type RunOutput struct {
	RunID                string                          `json:"runId"`
	PlanVersion          int                             `json:"planVersion"`
	SchemaHash           string                          `json:"schemaHash,omitempty"`
	Status               string                          `json:"status"`
	Output               interface{}                     `json:"output"`
	FacetSnapshot        *ContextSnapshot                `json:"facetSnapshot,omitempty"`
	Provenance           []facet.ProvenanceEntry         `json:"provenance,omitempty"`
	GoalConditionResults []condition.GoalConditionResult `json:"goalConditionResults,omitempty"`
	PostConditionResults []condition.GoalConditionResult `json:"postConditionResults,omitempty"`
}

// HumanTask is a pending human assignment surfaced by the task API.
type HumanTask struct {
	RunID      string      `json:"runId"`
	NodeID     string      `json:"nodeId"`
	Assignment *Assignment `json:"assignment"`
	Status     string      `json:"status"`
	RaisedAt   time.Time   `json:"raisedAt"`
}

// ResumeAudit records who resumed a run and why.
type ResumeAudit struct {
	RunID      string    `json:"runId"`
	Operator   string    `json:"operator,omitempty"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// ValidatePlanDAG verifies the plan's edges reference known nodes and form
// no cycle.
func ValidatePlanDAG(plan *Plan) error {
	index := make(map[string]bool, len(plan.Nodes))
	for _, node := range plan.Nodes {
		index[node.ID] = true
	}

	adj := map[string][]string{}
	for _, edge := range plan.Edges {
		if !index[edge.From] || !index[edge.To] {
			return fmt.Errorf("edge %s -> %s references an unknown node", edge.From, edge.To)
		}
		adj[edge.From] = append(adj[edge.From], edge.To)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				return fmt.Errorf("plan contains a cycle through node %s", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, node := range plan.Nodes {
		if color[node.ID] == white {
			if err := visit(node.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// SequentialEdges chains nodes in declaration order; used when a draft
// supplies no edges.
func SequentialEdges(nodes []*PlanNode) []Edge {
	if len(nodes) < 2 {
		return nil
	}
	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return edges
}
