package orchestration

import (
	"time"

	"github.com/flexhq/flex/facet"
)

// FlexEvent types, in the order a happy-path client observes them.
const (
	EventPlanGenerated   = "plan_generated"
	EventNodeStart       = "node_start"
	EventNodeComplete    = "node_complete"
	EventNodeError       = "node_error"
	EventValidationError = "validation_error"
	EventPolicyTriggered = "policy_triggered"
	EventPolicyUpdate    = "policy_update"
	EventRoutingNoMatch  = "routing_no_match"
	EventRoutingReplan   = "routing_replan_required"
	// Routing selections are emitted as "routing_selected:<target>" so a
	// stream consumer can follow branch decisions without parsing payloads.
	EventRoutingSelectedPrefix = "routing_selected"
	EventLog                   = "log"
	EventHitlRequest           = "hitl_request"
	EventFeedbackResolution    = "feedback_resolution"
	EventComplete              = "complete"
)

// FlexEvent is one frame of the run event stream. Events are emitted in
// causal order; the transport must preserve it.
type FlexEvent struct {
	Type            string                  `json:"type"`
	Timestamp       time.Time               `json:"timestamp"`
	RunID           string                  `json:"runId"`
	NodeID          string                  `json:"nodeId,omitempty"`
	PlanVersion     int                     `json:"planVersion,omitempty"`
	FacetProvenance []facet.ProvenanceEntry `json:"facetProvenance,omitempty"`
	Payload         map[string]interface{}  `json:"payload,omitempty"`
}

// EventSink receives run events. Implementations must be non-blocking or
// buffered; the engine emits synchronously from the run goroutine.
type EventSink func(event FlexEvent)

// emitter stamps and forwards events, swallowing a nil sink.
type emitter struct {
	runID       string
	planVersion int
	sink        EventSink
	now         func() time.Time
}

func newEmitter(runID string, planVersion int, sink EventSink) *emitter {
	return &emitter{runID: runID, planVersion: planVersion, sink: sink, now: time.Now}
}

func (e *emitter) emit(eventType, nodeID string, payload map[string]interface{}) {
	if e.sink == nil {
		return
	}
	e.sink(FlexEvent{
		Type:        eventType,
		Timestamp:   e.now(),
		RunID:       e.runID,
		NodeID:      nodeID,
		PlanVersion: e.planVersion,
		Payload:     payload,
	})
}

func (e *emitter) emitWithProvenance(eventType, nodeID string, provenance []facet.ProvenanceEntry, payload map[string]interface{}) {
	if e.sink == nil {
		return
	}
	e.sink(FlexEvent{
		Type:            eventType,
		Timestamp:       e.now(),
		RunID:           e.runID,
		NodeID:          nodeID,
		PlanVersion:     e.planVersion,
		FacetProvenance: provenance,
		Payload:         payload,
	})
}
