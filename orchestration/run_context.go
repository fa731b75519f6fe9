package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flexhq/flex/facet"
)

// Planner bookkeeping keys stripped from node outputs before facet
// assignment.
var plannerMetadataKeys = map[string]bool{
	"plannerKind":         true,
	"plannerVariantCount": true,
	"derivedCapability":   true,
}

// ProvenanceRecord is one append-only entry in a facet's update history.
type ProvenanceRecord struct {
	NodeID       string    `json:"nodeId"`
	CapabilityID string    `json:"capabilityId,omitempty"`
	Rationale    string    `json:"rationale,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FacetEntry is the live state of one facet in a run.
type FacetEntry struct {
	Value      interface{}        `json:"value"`
	Provenance []ProvenanceRecord `json:"provenance"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Clarification is one HITL question raised during the run and, once
// answered, its answer.
type Clarification struct {
	NodeID       string     `json:"nodeId"`
	CapabilityID string     `json:"capabilityId,omitempty"`
	QuestionID   string     `json:"questionId"`
	Question     string     `json:"question"`
	CreatedAt    time.Time  `json:"createdAt"`
	Answer       string     `json:"answer,omitempty"`
	AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
}

// ContextSnapshot is the deep-immutable view of a run context, and the
// persisted form restored on resume.
type ContextSnapshot struct {
	Facets             map[string]*FacetEntry `json:"facets"`
	HitlClarifications []Clarification        `json:"hitlClarifications,omitempty"`
}

// RunContext is the authoritative facet store of one run. It is owned by a
// single goroutine; the engine never shares it across runs.
type RunContext struct {
	facets         map[string]*FacetEntry
	clarifications []Clarification
	now            func() time.Time
}

// NewRunContext creates an empty context seeded with the envelope inputs.
// Seeded facets carry an "envelope" provenance record.
func NewRunContext(envelope *TaskEnvelope) *RunContext {
	rc := &RunContext{
		facets: map[string]*FacetEntry{},
		now:    time.Now,
	}
	if envelope != nil {
		for name, value := range envelope.Inputs {
			rc.UpdateFacet(name, value, ProvenanceRecord{
				NodeID:    "envelope",
				Rationale: "caller-supplied input",
			})
		}
	}
	return rc
}

// RunContextFromSnapshot restores a context for resume.
func RunContextFromSnapshot(snapshot *ContextSnapshot) *RunContext {
	rc := &RunContext{
		facets: map[string]*FacetEntry{},
		now:    time.Now,
	}
	if snapshot == nil {
		return rc
	}
	copied := deepCopySnapshot(snapshot)
	if copied.Facets != nil {
		rc.facets = copied.Facets
	}
	rc.clarifications = copied.HitlClarifications
	return rc
}

// UpdateFacet writes a value directly with provenance. The value replaces
// the current one; the provenance record is appended, never rewritten.
func (rc *RunContext) UpdateFacet(name string, value interface{}, prov ProvenanceRecord) {
	if prov.Timestamp.IsZero() {
		prov.Timestamp = rc.now()
	}
	entry, ok := rc.facets[name]
	if !ok {
		entry = &FacetEntry{}
		rc.facets[name] = entry
	}
	entry.Value = value
	entry.Provenance = append(entry.Provenance, prov)
	entry.UpdatedAt = prov.Timestamp
}

// UpdateFromNode assigns every output key that names a declared output
// facet of the node. Planner metadata keys are stripped; undeclared keys
// are ignored.
func (rc *RunContext) UpdateFromNode(node *PlanNode, output map[string]interface{}) {
	if node == nil || output == nil {
		return
	}
	declared := map[string]bool{}
	for _, f := range node.Facets.Output {
		declared[f] = true
	}
	rationale := ""
	if len(node.Rationale) > 0 {
		rationale = node.Rationale[0]
	}
	for key, value := range output {
		if plannerMetadataKeys[key] || !declared[key] {
			continue
		}
		rc.UpdateFacet(key, value, ProvenanceRecord{
			NodeID:       node.ID,
			CapabilityID: node.CapabilityID,
			Rationale:    rationale,
		})
	}
}

// Facet returns the current entry for a facet name.
func (rc *RunContext) Facet(name string) (*FacetEntry, bool) {
	entry, ok := rc.facets[name]
	return entry, ok
}

// FacetNames returns the names of every facet with a value.
func (rc *RunContext) FacetNames() []string {
	names := make([]string, 0, len(rc.facets))
	for name := range rc.facets {
		names = append(names, name)
	}
	return names
}

// RecordClarificationQuestion appends a HITL question.
func (rc *RunContext) RecordClarificationQuestion(nodeID, capabilityID, questionID, question string) {
	rc.clarifications = append(rc.clarifications, Clarification{
		NodeID:       nodeID,
		CapabilityID: capabilityID,
		QuestionID:   questionID,
		Question:     question,
		CreatedAt:    rc.now(),
	})
}

// RecordClarificationAnswer attaches an answer to a recorded question.
func (rc *RunContext) RecordClarificationAnswer(questionID, answer string) {
	for i := range rc.clarifications {
		if rc.clarifications[i].QuestionID == questionID {
			answeredAt := rc.now()
			rc.clarifications[i].Answer = answer
			rc.clarifications[i].AnsweredAt = &answeredAt
			return
		}
	}
}

// Clarifications returns the recorded clarification history for a node, or
// all of them when nodeID is empty.
func (rc *RunContext) Clarifications(nodeID string) []Clarification {
	if nodeID == "" {
		return append([]Clarification(nil), rc.clarifications...)
	}
	var out []Clarification
	for _, c := range rc.clarifications {
		if c.NodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns a deep-immutable view of the context.
func (rc *RunContext) Snapshot() *ContextSnapshot {
	return deepCopySnapshot(&ContextSnapshot{
		Facets:             rc.facets,
		HitlClarifications: rc.clarifications,
	})
}

// ComposeFinalOutput materializes the final output by writing each facet
// referenced by the output contract at its canonical pointer. Unknown
// facets are skipped; with no known target facets the result is {}.
func (rc *RunContext) ComposeFinalOutput(catalog *facet.Catalog, contract *facet.Contract, plan *Plan) map[string]interface{} {
	output := map[string]interface{}{}
	if contract == nil {
		return output
	}

	for _, name := range contract.DeclaredFacets() {
		entry, ok := rc.facets[name]
		if !ok {
			continue
		}
		pointer := "/" + name
		if catalog != nil {
			if def, known := catalog.Get(name); known {
				pointer = def.Pointer
			}
		} else if p := pointerFromPlan(plan, name); p != "" {
			pointer = p
		}
		writePointer(output, pointer, entry.Value)
	}
	return output
}

// pointerFromPlan recovers a facet's pointer from plan-node provenance when
// no catalog is available.
func pointerFromPlan(plan *Plan, facetName string) string {
	if plan == nil {
		return ""
	}
	for _, node := range plan.Nodes {
		for _, entry := range node.Provenance.Output {
			if entry.Facet == facetName {
				return entry.Pointer
			}
		}
	}
	return ""
}

// writePointer sets a value at a JSON pointer, creating intermediate
// objects. Pointers here come from the facet catalog and are always
// object-shaped.
func writePointer(doc map[string]interface{}, pointer string, value interface{}) {
	segments := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	current := doc
	for i, seg := range segments {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if i == len(segments)-1 {
			current[seg] = value
			return
		}
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[seg] = next
		}
		current = next
	}
}

func deepCopySnapshot(snapshot *ContextSnapshot) *ContextSnapshot {
	data, err := json.Marshal(snapshot)
	if err != nil {
		// Facet values are decoded JSON; marshal cannot fail on them.
		panic(fmt.Sprintf("run context snapshot not serializable: %v", err))
	}
	var copied ContextSnapshot
	if err := json.Unmarshal(data, &copied); err != nil {
		panic(fmt.Sprintf("run context snapshot not restorable: %v", err))
	}
	if copied.Facets == nil {
		copied.Facets = map[string]*FacetEntry{}
	}
	return &copied
}
