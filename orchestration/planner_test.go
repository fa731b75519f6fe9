package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/facet"
)

const plannerDraftLinear = `{
  "nodes": [
    {
      "id": "analyze",
      "capabilityId": "brief-analyst",
      "inputFacets": ["objectiveBrief"],
      "outputFacets": ["writerBrief"]
    },
    {
      "id": "write",
      "capabilityId": "copywriter",
      "inputFacets": ["writerBrief"],
      "outputFacets": ["copyVariants"]
    }
  ],
  "edges": [{"from": "analyze", "to": "write"}]
}`

func TestPlannerBuildsLinearPlan(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	ai := &fakeAIClient{responses: []string{plannerDraftLinear}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	plan, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	require.NoError(t, err)

	require.Len(t, plan.Nodes, 2)
	assert.Equal(t, "analyze", plan.Nodes[0].ID)
	assert.Equal(t, NodeKindExecution, plan.Nodes[0].Kind)
	assert.Equal(t, "Brief Analyst", plan.Nodes[0].CapabilityLabel)
	require.Len(t, plan.Edges, 1)
	assert.Equal(t, Edge{From: "analyze", To: "write"}, plan.Edges[0])

	// Contracts come from the catalog compiler, with provenance.
	write := plan.Nodes[1]
	require.NotNil(t, write.Contracts.Output)
	assert.NotEmpty(t, write.Provenance.Output)
	assert.Equal(t, "run-1", write.Bundle.RunID)
}

func TestPlannerTolerantDraftParsing(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	fenced := "Here is the plan:\n```json\n" + plannerDraftLinear + "\n```\nDone."
	ai := &fakeAIClient{responses: []string{fenced}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	plan, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Nodes, 2)
}

func TestPlannerSynthesizesSequentialEdges(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	draft := `{"nodes": [
		{"id": "analyze", "capabilityId": "brief-analyst", "inputFacets": ["objectiveBrief"], "outputFacets": ["writerBrief"]},
		{"id": "write", "capabilityId": "copywriter", "inputFacets": ["writerBrief"], "outputFacets": ["copyVariants"]}
	]}`
	ai := &fakeAIClient{responses: []string{draft}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	plan, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, plan.Edges, 1)
	assert.Equal(t, "analyze", plan.Edges[0].From)
	assert.Equal(t, "write", plan.Edges[0].To)
}

func TestPlannerRejectsUnparseableDraft(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	ai := &fakeAIClient{responses: []string{"I cannot produce a plan."}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	var rejected *PlannerDraftRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Len(t, rejected.Diagnostics, 1)
	assert.Equal(t, "DRAFT_NOT_PARSEABLE", rejected.Diagnostics[0].Code)
}

func TestPlannerAccumulatesDiagnostics(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	// Unknown capability on one node, undeclared output facet on another.
	draft := `{"nodes": [
		{"id": "analyze", "capabilityId": "ghost", "inputFacets": ["objectiveBrief"], "outputFacets": ["writerBrief"]},
		{"id": "write", "capabilityId": "copywriter", "inputFacets": ["writerBrief"], "outputFacets": ["qaFindings"]}
	]}`
	ai := &fakeAIClient{responses: []string{draft}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	var rejected *PlannerDraftRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Len(t, rejected.Diagnostics, 2)

	codes := map[string]bool{}
	for _, d := range rejected.Diagnostics {
		codes[d.Code] = true
	}
	assert.True(t, codes[DiagCapabilityNotRegistered])
	assert.True(t, codes[DiagOutputFacetNotDeclared])
}

func TestPlannerRejectsDuplicateNodeIDs(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	draft := `{"nodes": [
		{"id": "write", "capabilityId": "copywriter", "inputFacets": ["writerBrief"], "outputFacets": ["copyVariants"]},
		{"id": "write", "capabilityId": "copywriter", "inputFacets": ["writerBrief"], "outputFacets": ["copyVariants"]}
	]}`
	ai := &fakeAIClient{responses: []string{draft}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	var rejected *PlannerDraftRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, DiagDuplicateNodeID, rejected.Diagnostics[0].Code)
}

func TestPlannerMissingPinnedCapability(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	ai := &fakeAIClient{}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	envelope.Policies.Planner = &PlannerPolicy{
		Selection: &SelectionPolicy{Require: []string{"nonexistent-cap"}},
	}
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	var missing *MissingPinnedCapabilitiesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"nonexistent-cap"}, missing.CapabilityIDs)
	// The model is never consulted when pins cannot be satisfied.
	assert.Zero(t, ai.promptCount())
}

func TestPlannerUnsupportedObjective(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	ai := &fakeAIClient{}
	planner := NewPlanner(reg, catalog, ai)

	// No registered capability consumes qaFindings or produces audienceProfile.
	envelope := &TaskEnvelope{
		Objective: "Profile the audience from QA findings",
		Inputs:    map[string]interface{}{"qaFindings": map[string]interface{}{}},
		OutputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"audienceProfile"},
		},
	}
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := planner.BuildPlan(context.Background(), "run-1", envelope, 1, nil, nil)
	var unsupported *UnsupportedObjectiveError
	require.ErrorAs(t, err, &unsupported)
	assert.Zero(t, ai.promptCount())
}

func TestPlannerHooksObserveRequest(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	ai := &fakeAIClient{responses: []string{plannerDraftLinear}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	var observed *PlannerServiceRequest
	hooks := &PlannerHooks{OnRequest: func(request *PlannerServiceRequest) { observed = request }}

	_, err := planner.BuildPlan(context.Background(), "run-42", envelope, 1, nil, hooks)
	require.NoError(t, err)
	require.NotNil(t, observed)
	assert.Equal(t, "run-42", observed.RunID)
	assert.NotEmpty(t, observed.Capabilities)
	assert.NotEmpty(t, observed.Prompt)
}

func TestPlannerReplanMetadata(t *testing.T) {
	catalog := facet.DefaultCatalog()
	reg := newTestRegistry(t, catalog)
	ai := &fakeAIClient{responses: []string{plannerDraftLinear}}
	planner := NewPlanner(reg, catalog, ai)

	envelope := testEnvelope()
	require.NoError(t, NormalizeEnvelope(envelope))

	graphContext := &GraphContext{
		CompletedNodes: []CompletedNode{{NodeID: "analyze", CapabilityID: "brief-analyst", OutputFacets: []string{"writerBrief"}}},
		Facets:         []string{"objectiveBrief", "writerBrief"},
	}
	plan, err := planner.BuildPlan(context.Background(), "run-1", envelope, 2, graphContext, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, plan.Version)
	assert.Equal(t, true, plan.Metadata["replanned"])
}
