package orchestration

import (
	"fmt"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/facet"
)

// TaskEnvelope is the caller's request: an objective, typed facet inputs,
// policies, an output contract, and optional goal conditions and resume
// constraints.
type TaskEnvelope struct {
	Objective           string                  `json:"objective"`
	Inputs              map[string]interface{}  `json:"inputs,omitempty"`
	Policies            Policies                `json:"policies,omitempty"`
	OutputContract      *facet.Contract         `json:"outputContract"`
	GoalConditions      []EnvelopeGoalCondition `json:"goal_condition,omitempty"`
	SpecialInstructions string                  `json:"specialInstructions,omitempty"`
	Metadata            map[string]interface{}  `json:"metadata,omitempty"`
	Constraints         *Constraints            `json:"constraints,omitempty"`
}

// EnvelopeGoalCondition is the wire form of a goal condition; the DSL is
// compiled at ingress.
type EnvelopeGoalCondition struct {
	Facet     string              `json:"facet"`
	Path      string              `json:"path,omitempty"`
	DSL       string              `json:"dsl,omitempty"`
	Condition *condition.Compiled `json:"condition,omitempty"`
}

// Constraints carry resume hooks and any caller-imposed limits.
type Constraints struct {
	ResumeRunID string `json:"resumeRunId,omitempty"`
	ThreadID    string `json:"threadId,omitempty"`
}

// Policies groups planner directives and runtime rules.
type Policies struct {
	Planner *PlannerPolicy  `json:"planner,omitempty"`
	Runtime []RuntimePolicy `json:"runtime,omitempty"`
}

// PlannerPolicy tunes capability selection and planner behavior.
type PlannerPolicy struct {
	Selection  *SelectionPolicy       `json:"selection,omitempty"`
	Directives map[string]interface{} `json:"directives,omitempty"`
	// MaxAttempts bounds planner retries (draft rejections, replans). Zero
	// means the coordinator default.
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// RequiresHitlApproval reports whether the planner directives gate
// execution on an operator approving the generated plan.
func (p *PlannerPolicy) RequiresHitlApproval() bool {
	if p == nil {
		return false
	}
	v, ok := p.Directives["requiresHitlApproval"].(bool)
	return ok && v
}

// SelectionPolicy pins or excludes capabilities. Require entries are hard
// pins; Avoid and Forbid shape the planner prompt but are never treated as
// pinned requirements.
type SelectionPolicy struct {
	Require []string `json:"require,omitempty"`
	Avoid   []string `json:"avoid,omitempty"`
	Forbid  []string `json:"forbid,omitempty"`
}

// Policy trigger kinds.
const (
	TriggerOnStart               = "onStart"
	TriggerOnNodeComplete        = "onNodeComplete"
	TriggerOnPostConditionFailed = "onPostConditionFailed"
	TriggerManual                = "manual"
)

// Policy action kinds.
const (
	ActionReplan = "replan"
	ActionGoto   = "goto"
	ActionHitl   = "hitl"
	ActionPause  = "pause"
	ActionEmit   = "emit"
	ActionFail   = "fail"
)

// RuntimePolicy is a declarative trigger → action rule evaluated during
// execution.
type RuntimePolicy struct {
	ID      string        `json:"id"`
	Enabled *bool         `json:"enabled,omitempty"`
	Trigger PolicyTrigger `json:"trigger"`
	Action  PolicyAction  `json:"action"`
}

// IsEnabled treats a missing enabled flag as true.
func (p *RuntimePolicy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PolicyTrigger decides when a policy fires. Condition, when present, is
// compiled DSL evaluated against {run, node, output, metadata}.
type PolicyTrigger struct {
	Kind       string           `json:"kind"`
	Selector   *NodeSelector    `json:"selector,omitempty"`
	Condition  *PolicyCondition `json:"condition,omitempty"`
	MaxRetries *int             `json:"maxRetries,omitempty"`
}

// NodeSelector narrows a trigger to specific nodes.
type NodeSelector struct {
	NodeID       string `json:"nodeId,omitempty"`
	CapabilityID string `json:"capabilityId,omitempty"`
}

// Matches reports whether the selector applies to a node. An empty
// selector matches everything.
func (s *NodeSelector) Matches(node *PlanNode) bool {
	if s == nil {
		return true
	}
	if s.NodeID != "" && s.NodeID != node.ID {
		return false
	}
	if s.CapabilityID != "" && s.CapabilityID != node.CapabilityID {
		return false
	}
	return true
}

// PolicyCondition is DSL on the wire, JSON-Logic after ingress.
type PolicyCondition struct {
	DSL          string                 `json:"dsl,omitempty"`
	CanonicalDSL string                 `json:"canonicalDsl,omitempty"`
	JSONLogic    map[string]interface{} `json:"jsonLogic,omitempty"`
}

// PolicyAction is the tagged action a policy dispatches.
type PolicyAction struct {
	Kind string `json:"kind"`

	// goto
	Next        string `json:"next,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`

	// hitl
	ApproveAction *PolicyAction `json:"approveAction,omitempty"`
	RejectAction  *PolicyAction `json:"rejectAction,omitempty"`
	Rationale     string        `json:"rationale,omitempty"`

	// pause
	Reason string `json:"reason,omitempty"`

	// emit
	Event   string                 `json:"event,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`

	// fail
	Message string `json:"message,omitempty"`
}

// NormalizeEnvelope compiles every DSL expression the envelope carries —
// runtime policy trigger conditions and goal conditions — into canonical
// JSON-Logic form. It mutates the envelope in place and fails with
// *InvalidConditionDslError before any run state is created.
func NormalizeEnvelope(envelope *TaskEnvelope) error {
	for i := range envelope.Policies.Runtime {
		policy := &envelope.Policies.Runtime[i]
		cond := policy.Trigger.Condition
		if cond == nil || cond.DSL == "" {
			continue
		}
		compiled, err := condition.Compile(cond.DSL)
		if err != nil {
			return &InvalidConditionDslError{
				Where: fmt.Sprintf("policies.runtime[%d].trigger.condition", i),
				DSL:   cond.DSL,
				Err:   err,
			}
		}
		cond.CanonicalDSL = compiled.CanonicalDSL
		cond.JSONLogic = compiled.JSONLogic
	}

	for i := range envelope.GoalConditions {
		gc := &envelope.GoalConditions[i]
		if gc.Condition != nil && gc.Condition.JSONLogic != nil {
			continue
		}
		if gc.DSL == "" {
			return &InvalidConditionDslError{
				Where: fmt.Sprintf("goal_condition[%d]", i),
				DSL:   "",
				Err:   fmt.Errorf("goal condition on facet %q has no dsl", gc.Facet),
			}
		}
		compiled, err := condition.CompileForFacet(gc.DSL, gc.Facet)
		if err != nil {
			return &InvalidConditionDslError{
				Where: fmt.Sprintf("goal_condition[%d]", i),
				DSL:   gc.DSL,
				Err:   err,
			}
		}
		gc.Condition = compiled
	}

	return nil
}

// CompiledGoalConditions converts the envelope's goal conditions to the
// evaluator's form. NormalizeEnvelope must have run first.
func (e *TaskEnvelope) CompiledGoalConditions() []condition.GoalCondition {
	if len(e.GoalConditions) == 0 {
		return nil
	}
	out := make([]condition.GoalCondition, 0, len(e.GoalConditions))
	for _, gc := range e.GoalConditions {
		out = append(out, condition.GoalCondition{
			Facet:     gc.Facet,
			Path:      gc.Path,
			Condition: gc.Condition,
		})
	}
	return out
}

// ThreadID returns the thread id from constraints or metadata.
func (e *TaskEnvelope) ThreadID() string {
	if e.Constraints != nil && e.Constraints.ThreadID != "" {
		return e.Constraints.ThreadID
	}
	if e.Metadata != nil {
		if tid, ok := e.Metadata["threadId"].(string); ok {
			return tid
		}
	}
	return ""
}

// InputFacetNames returns the envelope input keys. Callers treat the
// result as a set; order is unspecified.
func (e *TaskEnvelope) InputFacetNames() []string {
	names := make([]string, 0, len(e.Inputs))
	for name := range e.Inputs {
		names = append(names, name)
	}
	return names
}
