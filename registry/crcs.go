package registry

import (
	"fmt"

	"github.com/flexhq/flex/condition"
)

// CRCS reason codes.
const (
	ReasonPath            = "path"
	ReasonPolicyReference = "policy_reference"
	ReasonGoalCondition   = "goal_condition"
)

// CRCSInput carries everything the reachability computation reads. The
// capability list must already be liveness-projected (active records only).
type CRCSInput struct {
	Capabilities []*Capability

	// InputFacets are the envelope's input keys; Hints extend them.
	InputFacets []string
	Hints       []string

	// TargetFacets are the output contract's declared facets.
	TargetFacets []string

	// GoalConditions contribute their facets to the targets and pin their
	// producers. GoalConditionFailures from a prior attempt pin likewise.
	GoalConditions        []condition.GoalCondition
	GoalConditionFailures []condition.GoalConditionResult

	// GraphContext seeds reachability for mid-run replans: facets already
	// materialized by completed nodes.
	GraphContextFacets []string

	// PinnedCapabilities are policy-required ids (planner selection.require
	// plus runtime-policy selectors).
	PolicyPinned  []string
	RuntimePinned []string

	// MaxRows caps the emitted rows; zero means use the env default.
	MaxRows int
}

// CRCSRow is one capability the planner may consider.
type CRCSRow struct {
	CapabilityID   string          `json:"capabilityId"`
	DisplayName    string          `json:"displayName"`
	Kind           AgentType       `json:"kind"`
	InputFacets    []string        `json:"inputFacets,omitempty"`
	OutputFacets   []string        `json:"outputFacets,omitempty"`
	PostConditions []PostCondition `json:"postConditions,omitempty"`
	ReasonCodes    []string        `json:"reasonCodes"`
	Source         string          `json:"source"`
}

// CRCSSnapshot is the planner-facing result of the computation.
type CRCSSnapshot struct {
	Rows                       []CRCSRow      `json:"rows"`
	TotalRows                  int            `json:"totalRows"`
	MRCSSize                   int            `json:"mrcsSize"`
	ReasonCounts               map[string]int `json:"reasonCounts"`
	RowCap                     int            `json:"rowCap"`
	Truncated                  bool           `json:"truncated,omitempty"`
	PinnedCapabilityIDs        []string       `json:"pinnedCapabilityIds"`
	MRCSCapabilityIDs          []string       `json:"mrcsCapabilityIds"`
	MissingPinnedCapabilityIDs []string       `json:"missingPinnedCapabilityIds"`
}

// ComputeCRCS runs bidirectional facet reachability over the capability set
// and annotates policy- and goal-pinned capabilities. Rows come out in the
// capability-list order, truncated at the row cap.
func ComputeCRCS(in CRCSInput) *CRCSSnapshot {
	rowCap := in.MaxRows
	if rowCap <= 0 {
		rowCap = getEnvInt("FLEX_PLANNER_CRCS_MAX_ROWS", 80)
	}
	if rowCap < 1 {
		rowCap = 1
	}

	facetToProducers := map[string][]*Capability{}
	for _, cap := range in.Capabilities {
		for _, f := range cap.OutputFacets {
			facetToProducers[f] = append(facetToProducers[f], cap)
		}
	}

	startFacets := map[string]bool{}
	for _, group := range [][]string{in.InputFacets, in.Hints, in.GraphContextFacets} {
		for _, f := range group {
			startFacets[f] = true
		}
	}

	targetFacets := map[string]bool{}
	for _, f := range in.TargetFacets {
		targetFacets[f] = true
	}
	for _, gc := range in.GoalConditions {
		targetFacets[gc.Facet] = true
	}

	forward := forwardReachable(in.Capabilities, startFacets)
	backward := backwardReachable(facetToProducers, targetFacets)

	// MRCS: reachable from the inputs AND able to contribute to a target.
	mrcs := map[string]bool{}
	var mrcsIDs []string
	for _, cap := range in.Capabilities {
		if forward[cap.CapabilityID] && backward[cap.CapabilityID] {
			mrcs[cap.CapabilityID] = true
			mrcsIDs = append(mrcsIDs, cap.CapabilityID)
		}
	}

	byID := map[string]*Capability{}
	for _, cap := range in.Capabilities {
		byID[cap.CapabilityID] = cap
	}

	reasons := map[string]map[string]bool{}
	addReason := func(id, reason string) {
		if reasons[id] == nil {
			reasons[id] = map[string]bool{}
		}
		reasons[id][reason] = true
	}
	for id := range mrcs {
		addReason(id, ReasonPath)
	}

	var pinnedIDs, missingPinned []string
	seenPinned := map[string]bool{}
	pin := func(id, reason string) {
		if _, ok := byID[id]; !ok {
			if !seenPinned["missing:"+id] {
				seenPinned["missing:"+id] = true
				missingPinned = append(missingPinned, id)
			}
			return
		}
		addReason(id, reason)
		if !seenPinned[id] {
			seenPinned[id] = true
			pinnedIDs = append(pinnedIDs, id)
		}
	}

	for _, id := range in.PolicyPinned {
		pin(id, ReasonPolicyReference)
	}
	for _, id := range in.RuntimePinned {
		pin(id, ReasonPolicyReference)
	}

	// A goal-condition facet with no producer cannot be satisfied by any
	// plan; record it as a missing pin so the planner fails fast.
	pinGoalFacet := func(facetName string) {
		producers := facetToProducers[facetName]
		if len(producers) == 0 {
			marker := fmt.Sprintf("facet:%s", facetName)
			if !seenPinned["missing:"+marker] {
				seenPinned["missing:"+marker] = true
				missingPinned = append(missingPinned, marker)
			}
			return
		}
		for _, producer := range producers {
			pin(producer.CapabilityID, ReasonGoalCondition)
		}
	}
	for _, gc := range in.GoalConditions {
		pinGoalFacet(gc.Facet)
	}
	for _, failure := range in.GoalConditionFailures {
		pinGoalFacet(failure.Facet)
	}

	reasonCounts := map[string]int{}
	var rows []CRCSRow
	for _, cap := range in.Capabilities {
		capReasons := reasons[cap.CapabilityID]
		if len(capReasons) == 0 {
			continue
		}
		codes := make([]string, 0, len(capReasons))
		for _, code := range []string{ReasonPath, ReasonPolicyReference, ReasonGoalCondition} {
			if capReasons[code] {
				codes = append(codes, code)
				reasonCounts[code]++
			}
		}
		rows = append(rows, CRCSRow{
			CapabilityID:   cap.CapabilityID,
			DisplayName:    cap.DisplayName,
			Kind:           cap.AgentType,
			InputFacets:    cap.InputFacets,
			OutputFacets:   cap.OutputFacets,
			PostConditions: cap.PostConditions,
			ReasonCodes:    codes,
			Source:         "mrcs",
		})
	}

	snapshot := &CRCSSnapshot{
		TotalRows:                  len(rows),
		MRCSSize:                   len(mrcsIDs),
		ReasonCounts:               reasonCounts,
		RowCap:                     rowCap,
		PinnedCapabilityIDs:        pinnedIDs,
		MRCSCapabilityIDs:          mrcsIDs,
		MissingPinnedCapabilityIDs: missingPinned,
	}
	if len(rows) > rowCap {
		rows = rows[:rowCap]
		snapshot.Truncated = true
	}
	snapshot.Rows = rows
	return snapshot
}

// forwardReachable activates a capability only when every required input
// facet is producible (AND-over-inputs, tracked with a remaining-inputs
// counter). Zero-input capabilities activate immediately; activation pushes
// its outputs onto the frontier.
func forwardReachable(caps []*Capability, startFacets map[string]bool) map[string]bool {
	remaining := map[string]int{}
	facetToWaiting := map[string][]*Capability{}
	reachable := map[string]bool{}
	produced := map[string]bool{}
	var frontier []string

	for f := range startFacets {
		produced[f] = true
		frontier = append(frontier, f)
	}

	activate := func(cap *Capability) {
		if reachable[cap.CapabilityID] {
			return
		}
		reachable[cap.CapabilityID] = true
		for _, out := range cap.OutputFacets {
			if !produced[out] {
				produced[out] = true
				frontier = append(frontier, out)
			}
		}
	}

	for _, cap := range caps {
		needed := 0
		for _, f := range cap.InputFacets {
			if !produced[f] {
				needed++
				facetToWaiting[f] = append(facetToWaiting[f], cap)
			}
		}
		remaining[cap.CapabilityID] = needed
		if needed == 0 {
			activate(cap)
		}
	}

	for len(frontier) > 0 {
		f := frontier[0]
		frontier = frontier[1:]
		for _, cap := range facetToWaiting[f] {
			remaining[cap.CapabilityID]--
			if remaining[cap.CapabilityID] == 0 {
				activate(cap)
			}
		}
		facetToWaiting[f] = nil
	}

	return reachable
}

// backwardReachable walks producer edges from the target facets. Unlike the
// forward pass there is no AND requirement: producing any needed facet is
// enough to stay in consideration.
func backwardReachable(facetToProducers map[string][]*Capability, targetFacets map[string]bool) map[string]bool {
	reachable := map[string]bool{}
	visitedFacets := map[string]bool{}
	var frontier []string

	for f := range targetFacets {
		visitedFacets[f] = true
		frontier = append(frontier, f)
	}

	for len(frontier) > 0 {
		f := frontier[0]
		frontier = frontier[1:]
		for _, producer := range facetToProducers[f] {
			if reachable[producer.CapabilityID] {
				continue
			}
			reachable[producer.CapabilityID] = true
			for _, input := range producer.InputFacets {
				if !visitedFacets[input] {
					visitedFacets[input] = true
					frontier = append(frontier, input)
				}
			}
		}
	}

	return reachable
}
