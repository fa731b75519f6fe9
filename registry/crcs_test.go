package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/condition"
)

func activeCap(id string, inputs, outputs []string) *Capability {
	return &Capability{
		CapabilityID: id,
		DisplayName:  id,
		AgentType:    AgentTypeAI,
		InputFacets:  inputs,
		OutputFacets: outputs,
		Status:       StatusActive,
	}
}

func rowIDs(snapshot *CRCSSnapshot) []string {
	ids := make([]string, len(snapshot.Rows))
	for i, row := range snapshot.Rows {
		ids[i] = row.CapabilityID
	}
	return ids
}

func TestCRCSForwardRequiresAllInputs(t *testing.T) {
	// reviewer needs both copyVariants and qaFindings; only copyVariants is
	// producible, so it must stay out of the MRCS.
	caps := []*Capability{
		activeCap("writer", []string{"objectiveBrief"}, []string{"copyVariants"}),
		activeCap("reviewer", []string{"copyVariants", "qaFindings"}, []string{"feedback"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		InputFacets:  []string{"objectiveBrief"},
		TargetFacets: []string{"feedback"},
	})

	assert.Empty(t, snapshot.Rows)
	assert.Empty(t, snapshot.MRCSCapabilityIDs)
}

func TestCRCSForwardChainsThroughProducers(t *testing.T) {
	caps := []*Capability{
		activeCap("briefer", []string{"objectiveBrief"}, []string{"writerBrief"}),
		activeCap("writer", []string{"writerBrief"}, []string{"copyVariants"}),
		activeCap("unrelated", []string{"qaFindings"}, []string{"feedback"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		InputFacets:  []string{"objectiveBrief"},
		TargetFacets: []string{"copyVariants"},
	})

	assert.Equal(t, []string{"briefer", "writer"}, rowIDs(snapshot))
	assert.Equal(t, 2, snapshot.MRCSSize)
	for _, row := range snapshot.Rows {
		assert.Equal(t, "mrcs", row.Source)
		assert.Contains(t, row.ReasonCodes, ReasonPath)
	}
}

func TestCRCSZeroInputCapabilityAlwaysForwardReachable(t *testing.T) {
	caps := []*Capability{
		activeCap("seeder", nil, []string{"copyVariants"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		TargetFacets: []string{"copyVariants"},
	})

	assert.Equal(t, []string{"seeder"}, rowIDs(snapshot))
}

func TestCRCSBackwardPrunesDeadEnds(t *testing.T) {
	// logger is forward-reachable but produces nothing any target needs.
	caps := []*Capability{
		activeCap("writer", []string{"objectiveBrief"}, []string{"copyVariants"}),
		activeCap("logger", []string{"objectiveBrief"}, []string{"qaFindings"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		InputFacets:  []string{"objectiveBrief"},
		TargetFacets: []string{"copyVariants"},
	})

	assert.Equal(t, []string{"writer"}, rowIDs(snapshot))
}

func TestCRCSPinnedPolicyCapability(t *testing.T) {
	caps := []*Capability{
		activeCap("writer", []string{"objectiveBrief"}, []string{"copyVariants"}),
		activeCap("auditor", []string{"qaFindings"}, []string{"feedback"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		InputFacets:  []string{"objectiveBrief"},
		TargetFacets: []string{"copyVariants"},
		PolicyPinned: []string{"auditor"},
	})

	require.Equal(t, []string{"writer", "auditor"}, rowIDs(snapshot))
	assert.Equal(t, []string{ReasonPolicyReference}, snapshot.Rows[1].ReasonCodes)
	assert.Equal(t, []string{"auditor"}, snapshot.PinnedCapabilityIDs)
	assert.Empty(t, snapshot.MissingPinnedCapabilityIDs)
}

func TestCRCSMissingPinnedCapability(t *testing.T) {
	snapshot := ComputeCRCS(CRCSInput{
		Capabilities:  []*Capability{activeCap("writer", nil, []string{"copyVariants"})},
		TargetFacets:  []string{"copyVariants"},
		RuntimePinned: []string{"ghost"},
	})

	assert.Equal(t, []string{"ghost"}, snapshot.MissingPinnedCapabilityIDs)
}

func TestCRCSGoalConditionPinsProducers(t *testing.T) {
	caps := []*Capability{
		activeCap("writer", []string{"objectiveBrief"}, []string{"copyVariants"}),
		activeCap("qa", []string{"copyVariants"}, []string{"qaFindings"}),
	}
	compiled, err := condition.Compile("qaFindings")
	require.NoError(t, err)

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		InputFacets:  []string{"objectiveBrief"},
		TargetFacets: []string{"copyVariants"},
		GoalConditions: []condition.GoalCondition{
			{Facet: "qaFindings", Condition: compiled},
		},
	})

	require.Len(t, snapshot.Rows, 2)
	assert.Contains(t, snapshot.Rows[1].ReasonCodes, ReasonGoalCondition)
	assert.Contains(t, snapshot.PinnedCapabilityIDs, "qa")
}

func TestCRCSGoalConditionWithoutProducerIsMissingPin(t *testing.T) {
	compiled, err := condition.Compile("feedback")
	require.NoError(t, err)

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: []*Capability{activeCap("writer", nil, []string{"copyVariants"})},
		TargetFacets: []string{"copyVariants"},
		GoalConditions: []condition.GoalCondition{
			{Facet: "feedback", Condition: compiled},
		},
	})

	assert.Equal(t, []string{"facet:feedback"}, snapshot.MissingPinnedCapabilityIDs)
}

func TestCRCSRowCapTruncates(t *testing.T) {
	caps := []*Capability{
		activeCap("a", nil, []string{"copyVariants"}),
		activeCap("b", nil, []string{"copyVariants"}),
		activeCap("c", nil, []string{"copyVariants"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities: caps,
		TargetFacets: []string{"copyVariants"},
		MaxRows:      2,
	})

	assert.True(t, snapshot.Truncated)
	assert.Equal(t, 3, snapshot.TotalRows)
	assert.Equal(t, []string{"a", "b"}, rowIDs(snapshot))
	assert.Equal(t, 2, snapshot.RowCap)
}

func TestCRCSGraphContextSeedsMidRunReplan(t *testing.T) {
	// copyVariants was produced by a completed node; the qa step becomes
	// reachable even though the envelope never supplied it.
	caps := []*Capability{
		activeCap("qa", []string{"copyVariants"}, []string{"qaFindings"}),
	}

	snapshot := ComputeCRCS(CRCSInput{
		Capabilities:       caps,
		GraphContextFacets: []string{"copyVariants"},
		TargetFacets:       []string{"qaFindings"},
	})

	assert.Equal(t, []string{"qa"}, rowIDs(snapshot))
}
