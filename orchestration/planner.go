package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/registry"
)

// GraphContext seeds a mid-run replan: what already completed, which
// facets exist, and why the previous attempt was rejected.
type GraphContext struct {
	CompletedNodes        []CompletedNode                 `json:"completedNodes,omitempty"`
	Facets                []string                        `json:"facets,omitempty"`
	GoalConditionFailures []condition.GoalConditionResult `json:"goalConditionFailures,omitempty"`
	PriorState            *ExecutionState                 `json:"-"`
}

// CompletedNode summarizes one finished node for the replanning prompt.
type CompletedNode struct {
	NodeID       string   `json:"nodeId"`
	CapabilityID string   `json:"capabilityId,omitempty"`
	OutputFacets []string `json:"outputFacets,omitempty"`
}

// PlannerServiceRequest is the observability payload handed to hooks when
// the external planner model is invoked.
type PlannerServiceRequest struct {
	RunID        string             `json:"runId"`
	Envelope     *TaskEnvelope      `json:"envelope"`
	Capabilities []registry.CRCSRow `json:"capabilities"`
	Policies     Policies           `json:"policies"`
	Context      *GraphContext      `json:"context,omitempty"`
	Prompt       string             `json:"prompt"`
}

// PlannerHooks observe planner activity.
type PlannerHooks struct {
	OnRequest func(request *PlannerServiceRequest)
}

// Planner synthesizes validated plan graphs from task envelopes via an
// LLM proposal gated by CRCS.
type Planner struct {
	registry *registry.Service
	catalog  *facet.Catalog
	aiClient core.AIClient
	logger   core.Logger
	tel      core.Telemetry

	model       string
	temperature float32
	maxRows     int
	now         func() time.Time
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerModel selects the planning model.
func WithPlannerModel(model string) PlannerOption {
	return func(p *Planner) { p.model = model }
}

// WithPlannerLogger attaches a logger.
func WithPlannerLogger(logger core.Logger) PlannerOption {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPlannerTelemetry attaches a telemetry provider.
func WithPlannerTelemetry(tel core.Telemetry) PlannerOption {
	return func(p *Planner) {
		if tel != nil {
			p.tel = tel
		}
	}
}

// WithRowCap overrides the CRCS row cap.
func WithRowCap(n int) PlannerOption {
	return func(p *Planner) { p.maxRows = n }
}

// NewPlanner creates a planner over the registry, catalog and AI client.
func NewPlanner(reg *registry.Service, catalog *facet.Catalog, aiClient core.AIClient, opts ...PlannerOption) *Planner {
	p := &Planner{
		registry:    reg,
		catalog:     catalog,
		aiClient:    aiClient,
		logger:      core.NoOpLogger{},
		tel:         core.NoOpTelemetry{},
		temperature: 0.2,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if cl, ok := p.logger.(core.ComponentAwareLogger); ok {
		p.logger = cl.WithComponent("flex/planner")
	}
	return p
}

// BuildPlan produces a validated plan for the envelope. The envelope must
// already be normalized (NormalizeEnvelope).
func (p *Planner) BuildPlan(ctx context.Context, runID string, envelope *TaskEnvelope, planVersion int, graphContext *GraphContext, hooks *PlannerHooks) (*Plan, error) {
	ctx, span := p.tel.StartSpan(ctx, "planner.build_plan")
	defer span.End()

	snapshot, err := p.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load capability snapshot: %w", err)
	}
	active := snapshot.Active()

	crcs := p.computeCRCS(envelope, active, graphContext)
	if len(crcs.MissingPinnedCapabilityIDs) > 0 {
		return nil, &MissingPinnedCapabilitiesError{CapabilityIDs: crcs.MissingPinnedCapabilityIDs}
	}
	if len(crcs.Rows) == 0 {
		return nil, &UnsupportedObjectiveError{
			Objective: envelope.Objective,
			Reason:    "no registered capability can reach the requested outputs from the provided inputs",
		}
	}

	prompt := buildPlannerPrompt(envelope, crcs, graphContext)
	if hooks != nil && hooks.OnRequest != nil {
		hooks.OnRequest(&PlannerServiceRequest{
			RunID:        runID,
			Envelope:     envelope,
			Capabilities: crcs.Rows,
			Policies:     envelope.Policies,
			Context:      graphContext,
			Prompt:       prompt,
		})
	}

	p.logger.Info("Requesting plan draft", map[string]interface{}{
		"operation":    "plan_generation",
		"run_id":       runID,
		"crcs_rows":    len(crcs.Rows),
		"mrcs_size":    crcs.MRCSSize,
		"plan_version": planVersion,
	})

	response, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        p.model,
		Temperature:  p.temperature,
		MaxTokens:    4000,
		SystemPrompt: "You are a precise workflow planner. Respond with only valid JSON.",
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("planner model call failed: %w", err)
	}

	draft, err := parsePlanDraft(response.Content)
	if err != nil {
		return nil, &PlannerDraftRejectedError{Diagnostics: []PlannerDiagnostic{{
			Code:    "DRAFT_NOT_PARSEABLE",
			Message: err.Error(),
		}}}
	}

	if diagnostics := p.validateDraft(draft, snapshot); len(diagnostics) > 0 {
		return nil, &PlannerDraftRejectedError{Diagnostics: diagnostics}
	}

	plan, err := p.materialize(runID, envelope, planVersion, draft, snapshot, crcs, graphContext)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlanDAG(plan); err != nil {
		return nil, &PlannerDraftRejectedError{Diagnostics: []PlannerDiagnostic{{
			Code:    DiagEdgeUnknownNode,
			Message: err.Error(),
		}}}
	}

	p.logger.Info("Plan generated", map[string]interface{}{
		"operation":    "plan_generation",
		"run_id":       runID,
		"node_count":   len(plan.Nodes),
		"edge_count":   len(plan.Edges),
		"plan_version": plan.Version,
	})
	p.tel.RecordMetric("flex.planner.plans", 1, map[string]string{"outcome": "accepted"})
	return plan, nil
}

func (p *Planner) computeCRCS(envelope *TaskEnvelope, active []*registry.Capability, graphContext *GraphContext) *registry.CRCSSnapshot {
	var policyPinned, runtimePinned []string
	if sel := selectionPolicy(envelope); sel != nil {
		policyPinned = sel.Require
	}
	for _, policy := range envelope.Policies.Runtime {
		if policy.Trigger.Selector != nil && policy.Trigger.Selector.CapabilityID != "" {
			runtimePinned = append(runtimePinned, policy.Trigger.Selector.CapabilityID)
		}
	}

	in := registry.CRCSInput{
		Capabilities:   active,
		InputFacets:    envelope.InputFacetNames(),
		GoalConditions: envelope.CompiledGoalConditions(),
		PolicyPinned:   policyPinned,
		RuntimePinned:  runtimePinned,
		MaxRows:        p.maxRows,
	}
	if envelope.OutputContract != nil {
		in.TargetFacets = envelope.OutputContract.DeclaredFacets()
	}
	if graphContext != nil {
		in.GraphContextFacets = graphContext.Facets
		in.GoalConditionFailures = graphContext.GoalConditionFailures
		for _, done := range graphContext.CompletedNodes {
			in.GraphContextFacets = append(in.GraphContextFacets, done.OutputFacets...)
		}
	}
	return registry.ComputeCRCS(in)
}

// validateDraft checks the LLM proposal against the registry and the facet
// vocabulary, accumulating every diagnostic rather than stopping at the
// first.
func (p *Planner) validateDraft(draft *planDraft, snapshot *registry.Snapshot) []PlannerDiagnostic {
	var diagnostics []PlannerDiagnostic
	seen := map[string]bool{}
	ids := map[string]bool{}
	for _, node := range draft.Nodes {
		ids[node.ID] = true
	}

	for _, node := range draft.Nodes {
		if seen[node.ID] {
			diagnostics = append(diagnostics, PlannerDiagnostic{
				Code: DiagDuplicateNodeID, NodeID: node.ID,
				Message: fmt.Sprintf("node id %q appears more than once", node.ID),
			})
			continue
		}
		seen[node.ID] = true

		if node.Kind == NodeKindExecution || node.CapabilityID != "" {
			record, ok := snapshot.Get(node.CapabilityID)
			if !ok || record.Status != registry.StatusActive {
				diagnostics = append(diagnostics, PlannerDiagnostic{
					Code: DiagCapabilityNotRegistered, NodeID: node.ID,
					Message: fmt.Sprintf("capability %q is not registered or not active", node.CapabilityID),
				})
				continue
			}
			declaredIn := stringSet(record.InputFacets)
			for _, f := range node.InputFacets {
				if !declaredIn[f] {
					diagnostics = append(diagnostics, PlannerDiagnostic{
						Code: DiagInputFacetNotDeclared, NodeID: node.ID,
						Message: fmt.Sprintf("facet %q is not an input of capability %q", f, node.CapabilityID),
					})
				}
			}
			declaredOut := stringSet(record.OutputFacets)
			for _, f := range node.OutputFacets {
				if !declaredOut[f] {
					diagnostics = append(diagnostics, PlannerDiagnostic{
						Code: DiagOutputFacetNotDeclared, NodeID: node.ID,
						Message: fmt.Sprintf("facet %q is not an output of capability %q", f, node.CapabilityID),
					})
				}
			}
		}

		if node.Routing != nil {
			for _, route := range node.Routing.Routes {
				if !ids[route.To] {
					diagnostics = append(diagnostics, PlannerDiagnostic{
						Code: DiagEdgeUnknownNode, NodeID: node.ID,
						Message: fmt.Sprintf("route target %q is not a plan node", route.To),
					})
				}
				if _, err := condition.Compile(route.Condition.DSL); err != nil {
					diagnostics = append(diagnostics, PlannerDiagnostic{
						Code: DiagRoutingConditionInvalid, NodeID: node.ID,
						Message: fmt.Sprintf("route condition %q does not compile: %v", route.Condition.DSL, err),
					})
				}
			}
			if node.Routing.ElseTo != "" && !ids[node.Routing.ElseTo] {
				diagnostics = append(diagnostics, PlannerDiagnostic{
					Code: DiagEdgeUnknownNode, NodeID: node.ID,
					Message: fmt.Sprintf("elseTo target %q is not a plan node", node.Routing.ElseTo),
				})
			}
		}
	}

	for _, edge := range draft.Edges {
		if !ids[edge.From] || !ids[edge.To] {
			diagnostics = append(diagnostics, PlannerDiagnostic{
				Code:    DiagEdgeUnknownNode,
				Message: fmt.Sprintf("edge %s -> %s references an unknown node", edge.From, edge.To),
			})
		}
	}
	return diagnostics
}

// materialize turns an accepted draft into the executable plan: per-node
// contracts and provenance from the facet compiler, bundles, and edges.
func (p *Planner) materialize(runID string, envelope *TaskEnvelope, planVersion int, draft *planDraft, snapshot *registry.Snapshot, crcs *registry.CRCSSnapshot, graphContext *GraphContext) (*Plan, error) {
	nodes := make([]*PlanNode, 0, len(draft.Nodes))
	for _, dn := range draft.Nodes {
		node := &PlanNode{
			ID:           dn.ID,
			Kind:         dn.Kind,
			CapabilityID: dn.CapabilityID,
			Label:        dn.Label,
			Rationale:    dn.Rationale,
			Facets:       NodeFacets{Input: dn.InputFacets, Output: dn.OutputFacets},
		}
		if node.Kind == "" {
			node.Kind = NodeKindExecution
		}

		var capRecord *registry.Capability
		if dn.CapabilityID != "" {
			capRecord, _ = snapshot.Get(dn.CapabilityID)
		}
		if capRecord != nil {
			node.CapabilityLabel = capRecord.DisplayName
			node.CapabilityVersion = capRecord.Version
			for _, pc := range capRecord.PostConditions {
				node.PostConditionGuards = append(node.PostConditionGuards, pc.Facet)
			}
		}

		if err := p.resolveNodeContracts(node, capRecord); err != nil {
			return nil, err
		}

		if dn.Routing != nil {
			routing := &NodeRouting{ElseTo: dn.Routing.ElseTo}
			for _, route := range dn.Routing.Routes {
				compiled, err := condition.Compile(route.Condition.DSL)
				if err != nil {
					// validateDraft already compiled these
					return nil, fmt.Errorf("route condition failed to compile: %w", err)
				}
				routing.Routes = append(routing.Routes, Route{To: route.To, Condition: compiled})
			}
			node.Routing = routing
		}

		node.Bundle = NodeBundle{
			RunID:        runID,
			NodeID:       node.ID,
			Objective:    envelope.Objective,
			Instructions: dn.Instructions,
			Inputs:       envelopeInputsFor(envelope, dn.InputFacets),
			Policies:     &envelope.Policies,
			Contract:     node.Contracts.Output,
		}
		nodes = append(nodes, node)
	}

	edges := draft.Edges
	if len(edges) == 0 {
		edges = SequentialEdges(nodes)
	}

	metadata := map[string]interface{}{
		"plannerContext": map[string]interface{}{
			"crcsRows":     crcs.TotalRows,
			"mrcsSize":     crcs.MRCSSize,
			"reasonCounts": crcs.ReasonCounts,
			"truncated":    crcs.Truncated,
		},
	}
	if graphContext != nil {
		metadata["replanned"] = true
	}

	return &Plan{
		RunID:     runID,
		Version:   planVersion,
		CreatedAt: p.now(),
		Nodes:     nodes,
		Edges:     edges,
		Metadata:  metadata,
	}, nil
}

// resolveNodeContracts computes the node's effective input/output contracts
// and facet provenance. Facet lists compile through the catalog; a node
// with no declared facets inherits the capability's contracts.
func (p *Planner) resolveNodeContracts(node *PlanNode, capRecord *registry.Capability) error {
	compiled, err := facet.CompileContracts(p.catalog, node.Facets.Input, node.Facets.Output)
	if err != nil {
		return &PlannerDraftRejectedError{Diagnostics: []PlannerDiagnostic{{
			Code: DiagInputFacetNotDeclared, NodeID: node.ID, Message: err.Error(),
		}}}
	}

	node.Contracts.Input = compiled.Input
	node.Contracts.Output = compiled.Output
	if node.Contracts.Input == nil && capRecord != nil {
		node.Contracts.Input = capRecord.InputContract
	}
	if node.Contracts.Output == nil && capRecord != nil {
		node.Contracts.Output = capRecord.OutputContract
	}

	if compiled.Input != nil {
		node.Provenance.Input = compiled.Input.Provenance
	}
	if compiled.Output != nil {
		node.Provenance.Output = compiled.Output.Provenance
	}
	return nil
}

func envelopeInputsFor(envelope *TaskEnvelope, facets []string) map[string]interface{} {
	if len(facets) == 0 || len(envelope.Inputs) == 0 {
		return nil
	}
	inputs := map[string]interface{}{}
	for _, name := range facets {
		if value, ok := envelope.Inputs[name]; ok {
			inputs[name] = value
		}
	}
	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

type planDraft struct {
	Nodes []draftNode `json:"nodes"`
	Edges []Edge      `json:"edges,omitempty"`
}

type draftNode struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind,omitempty"`
	CapabilityID string        `json:"capabilityId,omitempty"`
	Label        string        `json:"label,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	InputFacets  []string      `json:"inputFacets,omitempty"`
	OutputFacets []string      `json:"outputFacets,omitempty"`
	Rationale    []string      `json:"rationale,omitempty"`
	Routing      *draftRouting `json:"routing,omitempty"`
}

type draftRouting struct {
	Routes []draftRoute `json:"routes"`
	ElseTo string       `json:"elseTo,omitempty"`
}

type draftRoute struct {
	To        string `json:"to"`
	Condition struct {
		DSL string `json:"dsl"`
	} `json:"condition"`
}

// parsePlanDraft extracts the first JSON object from the model response,
// tolerating fenced code blocks and surrounding prose.
func parsePlanDraft(response string) (*planDraft, error) {
	start := findJSONStart(response)
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in planner response")
	}
	end := findJSONEnd(response, start)
	if end < 0 {
		return nil, fmt.Errorf("unterminated JSON object in planner response")
	}

	var draft planDraft
	if err := json.Unmarshal([]byte(response[start:end+1]), &draft); err != nil {
		return nil, fmt.Errorf("planner response is not a valid plan: %w", err)
	}
	if len(draft.Nodes) == 0 {
		return nil, fmt.Errorf("planner response contains no nodes")
	}
	return &draft, nil
}

func findJSONStart(s string) int {
	for i, r := range s {
		if r == '{' {
			return i
		}
	}
	return -1
}

func findJSONEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

func stringSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
