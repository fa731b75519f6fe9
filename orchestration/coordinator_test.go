package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/registry"
)

type coordinatorFixture struct {
	store     *MemoryRunStore
	registry  *registry.Service
	catalog   *facet.Catalog
	plannerAI *fakeAIClient
	engineAI  *fakeAIClient
	hitl      *HitlService
	coord     *Coordinator
	recorder  *eventRecorder
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	catalog := facet.DefaultCatalog()
	f := &coordinatorFixture{
		store:     NewMemoryRunStore(),
		registry:  newTestRegistry(t, catalog),
		catalog:   catalog,
		plannerAI: &fakeAIClient{},
		engineAI:  &fakeAIClient{},
		hitl:      NewHitlService(NewMemoryHitlStore()),
		recorder:  &eventRecorder{},
	}
	planner := NewPlanner(f.registry, catalog, f.plannerAI)
	engine := NewEngine(f.store, f.registry, catalog, f.engineAI, f.hitl)
	f.coord = NewCoordinator(f.store, f.registry, catalog, planner, engine, f.hitl)
	return f
}

func (f *coordinatorFixture) runByThread(t *testing.T, threadID string) *RunRecord {
	t.Helper()
	record, err := f.store.FindFlexRunByThreadID(context.Background(), threadID)
	require.NoError(t, err)
	return record
}

func threadedEnvelope(t *testing.T, threadID string) *TaskEnvelope {
	t.Helper()
	envelope := testEnvelope()
	envelope.Metadata = map[string]interface{}{"threadId": threadID}
	require.NoError(t, NormalizeEnvelope(envelope))
	return envelope
}

func TestCoordinatorRunHappyPath(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	output, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)

	types := f.recorder.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventPlanGenerated, types[0])
	assert.Equal(t, EventComplete, types[len(types)-1])

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 1, record.PlanVersion)
}

func TestCoordinatorRetriesRejectedDraft(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{"not a plan at all", plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	output, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)
	assert.Equal(t, 2, f.plannerAI.promptCount())
}

func TestCoordinatorDraftRejectionExhaustsBudget(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{"nope", "still nope"}

	envelope := threadedEnvelope(t, "thread-1")
	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())

	var rejected *PlannerDraftRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 2, f.plannerAI.promptCount())

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusFailed, record.Status)
}

const plannerDraftWithDeadEndRouting = `{
  "nodes": [
    {
      "id": "analyze",
      "capabilityId": "brief-analyst",
      "inputFacets": ["objectiveBrief"],
      "outputFacets": ["writerBrief"]
    },
    {
      "id": "route",
      "kind": "routing",
      "routing": {
        "routes": [
          {"to": "write", "condition": {"dsl": "planKnobs.mode == \"fast\""}}
        ]
      }
    },
    {
      "id": "write",
      "capabilityId": "copywriter",
      "inputFacets": ["writerBrief"],
      "outputFacets": ["copyVariants"]
    }
  ],
  "edges": [
    {"from": "analyze", "to": "route"},
    {"from": "route", "to": "write"}
  ]
}`

func TestCoordinatorReplansAfterRoutingDeadEnd(t *testing.T) {
	f := newCoordinatorFixture(t)
	// First plan dead-ends in routing; the replacement is a plain chain.
	f.plannerAI.responses = []string{plannerDraftWithDeadEndRouting, plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	envelope.Inputs["planKnobs"] = map[string]interface{}{"mode": "unknown"}

	output, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)
	assert.Equal(t, 2, output.PlanVersion)
	assert.Equal(t, 2, f.plannerAI.promptCount())
	// The replan prompt names what already completed.
	assert.Contains(t, f.plannerAI.prompts[1], "analyze")

	generated := f.recorder.byType(EventPlanGenerated)
	require.Len(t, generated, 2)
	assert.Equal(t, 1, generated[0].PlanVersion)
	assert.Equal(t, 2, generated[1].PlanVersion)

	// Plan metadata tracks how many planning passes produced each version.
	meta, ok := generated[1].Payload["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, meta["plannerAttempts"])

	record := f.runByThread(t, "thread-1")
	snapshot, err := f.store.LoadPlanSnapshot(context.Background(), record.RunID, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snapshot.PlanMetadata["plannerAttempts"])
}

func TestCoordinatorReplanBudgetExhausted(t *testing.T) {
	f := newCoordinatorFixture(t)
	// Both plans dead-end; the shared attempt budget of two is spent.
	f.plannerAI.responses = []string{plannerDraftWithDeadEndRouting, plannerDraftWithDeadEndRouting}
	f.engineAI.responses = []string{analystOutput, analystOutput}

	envelope := threadedEnvelope(t, "thread-1")
	envelope.Inputs["planKnobs"] = map[string]interface{}{"mode": "unknown"}

	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	require.Error(t, err)
	var replan *ReplanRequestedError
	assert.ErrorAs(t, err, &replan)

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusFailed, record.Status)
}

func TestCoordinatorGoalFailureRecordsFailedResult(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftLinear, plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, writerOutput, analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	envelope.GoalConditions = []EnvelopeGoalCondition{
		{Facet: "post_copy", DSL: `status == "posted"`},
	}
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	var goalFailed *GoalConditionFailedError
	require.ErrorAs(t, err, &goalFailed)

	// One replan was attempted before giving up.
	assert.Equal(t, 2, f.plannerAI.promptCount())

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusFailed, record.Status)

	stored, err := f.store.LoadRunOutput(context.Background(), record.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	require.Len(t, stored.GoalConditionResults, 1)
	assert.False(t, stored.GoalConditionResults[0].Satisfied)

	terminal := f.recorder.byType(EventComplete)
	require.Len(t, terminal, 1)
	assert.Equal(t, StatusFailed, terminal[0].Payload["status"])
}

func TestCoordinatorResumeCompletedRunReplaysTerminalEvent(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	require.NoError(t, err)
	record := f.runByThread(t, "thread-1")

	plannerCalls := f.plannerAI.promptCount()
	engineCalls := f.engineAI.promptCount()

	resumeEnvelope := testEnvelope()
	resumeEnvelope.Constraints = &Constraints{ResumeRunID: record.RunID}
	require.NoError(t, NormalizeEnvelope(resumeEnvelope))

	replay := &eventRecorder{}
	output, err := f.coord.Run(context.Background(), resumeEnvelope, replay.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)

	events := replay.byType(EventComplete)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["replayed"])
	// Nothing re-executes on replay.
	assert.Equal(t, plannerCalls, f.plannerAI.promptCount())
	assert.Equal(t, engineCalls, f.engineAI.promptCount())
}

const plannerDraftWithReview = `{
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
    },
    {
      "id": "review",
      "capabilityId": "human-reviewer",
      "inputFacets": ["copyVariants"],
      "outputFacets": ["feedback"]
    }
  ]
}`

func TestCoordinatorHumanTaskLifecycle(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftWithReview}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())

	var awaiting *AwaitingHumanInputError
	require.ErrorAs(t, err, &awaiting)
	assert.Equal(t, "review", awaiting.NodeID)

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusAwaitingHuman, record.Status)

	tasks, err := f.coord.PendingTasks(context.Background(), TaskFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "reviewer", tasks[0].Assignment.Role)

	found, err := f.coord.FindTaskByAssignment(context.Background(), tasks[0].Assignment.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, "review", found.NodeID)

	resume := &eventRecorder{}
	output, err := f.coord.CompleteHumanTask(context.Background(), record.RunID, "review", map[string]interface{}{
		"feedback": []interface{}{
			map[string]interface{}{"id": "f1", "message": "tighten headline B", "resolution": "open"},
		},
	}, &ResumeAudit{Operator: "reviewer@example.com"}, resume.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)

	// No extra model calls: every AI node already ran.
	assert.Equal(t, 2, f.engineAI.promptCount())

	audits := f.store.ResumeAudits(record.RunID)
	require.Len(t, audits, 1)
	assert.Equal(t, "reviewer@example.com", audits[0].Operator)

	// The task is no longer pending.
	tasks, err = f.coord.PendingTasks(context.Background(), TaskFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCoordinatorCompleteHumanTaskValidatesOutput(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftWithReview}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	var awaiting *AwaitingHumanInputError
	require.ErrorAs(t, err, &awaiting)
	record := f.runByThread(t, "thread-1")

	// feedback must be an array of objects.
	_, err = f.coord.CompleteHumanTask(context.Background(), record.RunID, "review", map[string]interface{}{
		"feedback": "looks good",
	}, nil, nil)

	var verr *FlexValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ScopeCapabilityOutput, verr.Scope)

	// The task stays pending for another attempt.
	tasks, listErr := f.coord.PendingTasks(context.Background(), TaskFilter{Status: StatusPending})
	require.NoError(t, listErr)
	assert.Len(t, tasks, 1)
}

func TestCoordinatorDeclineHumanTaskFailsRun(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftWithReview}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	var awaiting *AwaitingHumanInputError
	require.ErrorAs(t, err, &awaiting)
	record := f.runByThread(t, "thread-1")

	require.NoError(t, f.coord.DeclineHumanTask(context.Background(), record.RunID, "review", &ResumeAudit{
		Operator: "reviewer@example.com",
		Note:     "out of office",
	}))

	record = f.runByThread(t, "thread-1")
	assert.Equal(t, StatusFailed, record.Status)

	tasks, err := f.coord.PendingTasks(context.Background(), TaskFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCoordinatorPlannerDirectiveRequiresHitlApproval(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	envelope.Policies.Planner = &PlannerPolicy{
		Directives: map[string]interface{}{"requiresHitlApproval": true},
	}

	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	var pause *HitlPauseError
	require.ErrorAs(t, err, &pause)

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusAwaitingHitl, record.Status)
	// The plan exists but nothing has executed yet.
	assert.Equal(t, 1, f.plannerAI.promptCount())
	assert.Equal(t, 0, f.engineAI.promptCount())

	requests := f.recorder.byType(EventHitlRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, pause.RequestID, requests[0].Payload["requestId"])

	resume := &eventRecorder{}
	output, err := f.coord.ResumeHitl(context.Background(), record.RunID, &HitlResponse{
		RequestID:    pause.RequestID,
		ResponseType: HitlResponseApproval,
		Operator:     "ops@example.com",
	}, nil, resume.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)
	assert.Equal(t, 2, f.engineAI.promptCount())

	record = f.runByThread(t, "thread-1")
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestCoordinatorPlanApprovalRejectionFailsRun(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftLinear}

	envelope := threadedEnvelope(t, "thread-1")
	envelope.Policies.Planner = &PlannerPolicy{
		Directives: map[string]interface{}{"requiresHitlApproval": true},
	}

	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	var pause *HitlPauseError
	require.ErrorAs(t, err, &pause)
	record := f.runByThread(t, "thread-1")

	_, err = f.coord.ResumeHitl(context.Background(), record.RunID, &HitlResponse{
		RequestID:    pause.RequestID,
		ResponseType: HitlResponseRejection,
	}, nil, nil)
	var failure *RuntimePolicyFailureError
	require.ErrorAs(t, err, &failure)

	record = f.runByThread(t, "thread-1")
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, 0, f.engineAI.promptCount())
}

func TestCoordinatorHitlPauseAndResume(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.plannerAI.responses = []string{plannerDraftLinear}
	f.engineAI.responses = []string{analystOutput, writerOutput}

	envelope := threadedEnvelope(t, "thread-1")
	envelope.Policies.Runtime = []RuntimePolicy{{
		ID: "brief-gate",
		Trigger: PolicyTrigger{
			Kind:     TriggerOnNodeComplete,
			Selector: &NodeSelector{NodeID: "analyze"},
		},
		Action: PolicyAction{Kind: ActionHitl, Rationale: "sign off on the brief"},
	}}
	require.NoError(t, NormalizeEnvelope(envelope))

	_, err := f.coord.Run(context.Background(), envelope, f.recorder.sink())
	var pause *HitlPauseError
	require.ErrorAs(t, err, &pause)

	record := f.runByThread(t, "thread-1")
	assert.Equal(t, StatusAwaitingHitl, record.Status)

	state, err := f.coord.PendingHitl(context.Background(), record.RunID)
	require.NoError(t, err)
	assert.Equal(t, pause.RequestID, state.PendingRequestID)

	resume := &eventRecorder{}
	output, err := f.coord.ResumeHitl(context.Background(), record.RunID, &HitlResponse{
		RequestID:    pause.RequestID,
		ResponseType: HitlResponseApproval,
		Operator:     "ops@example.com",
	}, &ResumeAudit{Operator: "ops@example.com"}, resume.sink())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, output.Status)

	record = f.runByThread(t, "thread-1")
	assert.Equal(t, StatusCompleted, record.Status)
	require.Len(t, f.store.ResumeAudits(record.RunID), 1)
}
