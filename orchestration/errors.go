package orchestration

import (
	"fmt"
	"strings"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/facet"
)

// InvalidConditionDslError reports a DSL expression that failed to compile
// at envelope ingress. The run is never started.
type InvalidConditionDslError struct {
	Where string // which policy or condition carried the expression
	DSL   string
	Err   error
}

func (e *InvalidConditionDslError) Error() string {
	return fmt.Sprintf("invalid condition dsl at %s: %q: %v", e.Where, e.DSL, e.Err)
}

func (e *InvalidConditionDslError) Unwrap() error { return e.Err }

// UnsupportedObjectiveError means no registered capability can serve the
// envelope's objective.
type UnsupportedObjectiveError struct {
	Objective string
	Reason    string
}

func (e *UnsupportedObjectiveError) Error() string {
	return fmt.Sprintf("unsupported objective %q: %s", e.Objective, e.Reason)
}

// MissingPinnedCapabilitiesError fails planning fast when policy- or
// goal-pinned capabilities are not registered.
type MissingPinnedCapabilitiesError struct {
	CapabilityIDs []string
}

func (e *MissingPinnedCapabilitiesError) Error() string {
	return fmt.Sprintf("pinned capabilities are not registered: %s", strings.Join(e.CapabilityIDs, ", "))
}

// PlannerDiagnostic is one validation finding against a planner draft.
type PlannerDiagnostic struct {
	Code    string `json:"code"`
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

// Planner draft diagnostic codes.
const (
	DiagCapabilityNotRegistered = "CAPABILITY_NOT_REGISTERED"
	DiagInputFacetNotDeclared   = "INPUT_FACET_NOT_DECLARED"
	DiagOutputFacetNotDeclared  = "OUTPUT_FACET_NOT_DECLARED"
	DiagRoutingConditionInvalid = "ROUTING_CONDITION_INVALID"
	DiagDuplicateNodeID         = "DUPLICATE_NODE_ID"
	DiagEdgeUnknownNode         = "EDGE_UNKNOWN_NODE"
)

// PlannerDraftRejectedError carries every diagnostic found in an LLM plan
// draft. The coordinator may retry planning up to its attempt bound.
type PlannerDraftRejectedError struct {
	Diagnostics []PlannerDiagnostic
}

func (e *PlannerDraftRejectedError) Error() string {
	codes := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		codes[i] = d.Code
	}
	return fmt.Sprintf("planner draft rejected with %d diagnostics: %s", len(e.Diagnostics), strings.Join(codes, ", "))
}

// Validation scopes for FlexValidationError.
const (
	ScopeEnvelope         = "envelope"
	ScopeCapabilityInput  = "capability_input"
	ScopeCapabilityOutput = "capability_output"
	ScopeFinalOutput      = "final_output"
)

// FlexValidationError reports contract violations at one of the four
// validation boundaries. The engine emits a validation_error event and
// fails the node; there is no silent retry.
type FlexValidationError struct {
	Scope  string        `json:"scope"`
	NodeID string        `json:"nodeId,omitempty"`
	Issues []facet.Issue `json:"issues"`
}

func (e *FlexValidationError) Error() string {
	first := ""
	if len(e.Issues) > 0 {
		first = ": " + e.Issues[0].Message
	}
	return fmt.Sprintf("validation failed at scope %s with %d issues%s", e.Scope, len(e.Issues), first)
}

// ExecutionState is the resumable payload carried by replan-class errors:
// everything the coordinator needs to re-enter the planner mid-run.
type ExecutionState struct {
	CompletedNodeIDs      []string                        `json:"completedNodeIds"`
	NodeOutputs           map[string]interface{}          `json:"nodeOutputs"`
	Facets                map[string]*FacetEntry          `json:"facets"`
	PolicyActions         []PendingPolicyAction           `json:"policyActions,omitempty"`
	PolicyAttempts        map[string]int                  `json:"policyAttempts,omitempty"`
	PostConditionAttempts map[string]int                  `json:"postConditionAttempts,omitempty"`
	GoalConditionFailures []condition.GoalConditionResult `json:"goalConditionFailures,omitempty"`
}

// ReplanRequestedError asks the coordinator to re-enter the planner with
// the captured state. Raised by the replan policy action and by routing
// nodes with no matching route.
type ReplanRequestedError struct {
	Trigger string
	State   *ExecutionState
}

func (e *ReplanRequestedError) Error() string {
	return fmt.Sprintf("replan requested by %s", e.Trigger)
}

// GoalConditionFailedError carries the same state as a replan request plus
// the failed conditions and the composed output that failed them.
type GoalConditionFailedError struct {
	State          *ExecutionState
	Failed         []condition.GoalConditionResult
	ComposedOutput map[string]interface{}
}

func (e *GoalConditionFailedError) Error() string {
	return fmt.Sprintf("%d goal conditions failed after plan completion", len(e.Failed))
}

// HitlPauseError suspends the run awaiting an operator decision.
type HitlPauseError struct {
	RunID     string
	RequestID string
	NodeID    string
}

func (e *HitlPauseError) Error() string {
	return fmt.Sprintf("run %s paused for hitl request %s", e.RunID, e.RequestID)
}

// RunPausedError suspends the run by explicit pause action.
type RunPausedError struct {
	RunID  string
	Reason string
}

func (e *RunPausedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %s paused", e.RunID)
	}
	return fmt.Sprintf("run %s paused: %s", e.RunID, e.Reason)
}

// AwaitingHumanInputError suspends the run at a human-task node.
type AwaitingHumanInputError struct {
	RunID        string
	NodeID       string
	AssignmentID string
}

func (e *AwaitingHumanInputError) Error() string {
	return fmt.Sprintf("run %s awaiting human input at node %s", e.RunID, e.NodeID)
}

// RuntimePolicyFailureError fails the run: the fail action fired, a bound
// was exceeded, or a rejection arrived without a configured reject action.
type RuntimePolicyFailureError struct {
	PolicyID string
	Message  string
}

func (e *RuntimePolicyFailureError) Error() string {
	if e.PolicyID == "" {
		return fmt.Sprintf("runtime policy failure: %s", e.Message)
	}
	return fmt.Sprintf("runtime policy %s failed the run: %s", e.PolicyID, e.Message)
}
