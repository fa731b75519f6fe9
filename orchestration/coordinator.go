package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/registry"
)

// Synthetic policy id for the planner-directive approval gate.
const plannerApprovalPolicyID = "planner.requiresHitlApproval"

// Coordinator owns the run lifecycle: planning, execution, bounded
// replanning, suspension, and resume. It is the single entry point the API
// layer talks to.
type Coordinator struct {
	store    RunStore
	registry *registry.Service
	catalog  *facet.Catalog
	planner  *Planner
	engine   *Engine
	hitl     *HitlService
	logger   core.Logger
	tel      core.Telemetry

	maxPlannerAttempts int
	now                func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger attaches a logger.
func WithCoordinatorLogger(logger core.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCoordinatorTelemetry attaches a telemetry provider.
func WithCoordinatorTelemetry(tel core.Telemetry) CoordinatorOption {
	return func(c *Coordinator) {
		if tel != nil {
			c.tel = tel
		}
	}
}

// WithMaxPlannerAttempts overrides the planning attempt bound.
func WithMaxPlannerAttempts(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxPlannerAttempts = n
		}
	}
}

// NewCoordinator wires the orchestration stack together.
func NewCoordinator(store RunStore, reg *registry.Service, catalog *facet.Catalog, planner *Planner, engine *Engine, hitl *HitlService, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:              store,
		registry:           reg,
		catalog:            catalog,
		planner:            planner,
		engine:             engine,
		hitl:               hitl,
		logger:             core.NoOpLogger{},
		tel:                core.NoOpTelemetry{},
		maxPlannerAttempts: getEnvInt("FLEX_PLANNER_MAX_ATTEMPTS", 2),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cl, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cl.WithComponent("flex/coordinator")
	}
	return c
}

// Run executes an envelope end to end, streaming events to sink. The
// envelope must be normalized. Resume constraints route to an existing run;
// otherwise a fresh run starts.
func (c *Coordinator) Run(ctx context.Context, envelope *TaskEnvelope, sink EventSink) (*RunOutput, error) {
	if resumeID := c.resolveResumeRunID(ctx, envelope); resumeID != "" {
		return c.resume(ctx, resumeID, sink, nil)
	}

	runID := uuid.New().String()
	record := &RunRecord{
		RunID:     runID,
		ThreadID:  envelope.ThreadID(),
		Status:    StatusRunning,
		Envelope:  envelope,
		CreatedAt: c.now(),
		UpdatedAt: c.now(),
	}
	if err := c.store.CreateOrUpdateRun(ctx, record); err != nil {
		return nil, err
	}
	c.logger.Info("Run started", map[string]interface{}{
		"operation": "run_start",
		"run_id":    runID,
		"thread_id": record.ThreadID,
	})

	return c.planAndExecute(ctx, runID, envelope, 1, 1, nil, nil, sink)
}

// resolveResumeRunID maps resume constraints to a run id: an explicit
// resumeRunId wins, then thread-id lookup.
func (c *Coordinator) resolveResumeRunID(ctx context.Context, envelope *TaskEnvelope) string {
	if envelope.Constraints == nil {
		return ""
	}
	if envelope.Constraints.ResumeRunID != "" {
		return envelope.Constraints.ResumeRunID
	}
	if envelope.Constraints.ThreadID != "" {
		record, err := c.store.FindFlexRunByThreadID(ctx, envelope.Constraints.ThreadID)
		if err == nil && record != nil {
			return record.RunID
		}
	}
	return ""
}

// planAndExecute runs the plan/execute/replan loop. attempt counts planning
// passes across draft rejections, policy replans, and goal-condition
// failures; the bound is shared.
func (c *Coordinator) planAndExecute(ctx context.Context, runID string, envelope *TaskEnvelope, planVersion, attempt int, graphContext *GraphContext, resume *resumePoint, sink EventSink) (*RunOutput, error) {
	maxAttempts := c.maxPlannerAttempts
	if envelope.Policies.Planner != nil && envelope.Policies.Planner.MaxAttempts > 0 {
		maxAttempts = envelope.Policies.Planner.MaxAttempts
	}

	for {
		var plan *Plan
		var pending *PendingState
		var pendingContext *ContextSnapshot

		if resume != nil {
			plan = resume.plan
			pending = resume.pending
			pendingContext = resume.context
			resume = nil
		} else {
			var err error
			plan, err = c.planner.BuildPlan(ctx, runID, envelope, planVersion, graphContext, nil)
			if err != nil {
				var rejected *PlannerDraftRejectedError
				if errors.As(err, &rejected) && attempt < maxAttempts {
					attempt++
					c.logger.Warn("Plan draft rejected, retrying", map[string]interface{}{
						"operation":   "plan_generation",
						"run_id":      runID,
						"attempt":     attempt,
						"diagnostics": len(rejected.Diagnostics),
					})
					continue
				}
				return nil, c.failRun(ctx, runID, err)
			}

			if plan.Metadata == nil {
				plan.Metadata = map[string]interface{}{}
			}
			plan.Metadata["plannerAttempts"] = attempt

			if graphContext != nil && graphContext.PriorState != nil {
				pending = pendingFromState(graphContext.PriorState)
				pendingContext = &ContextSnapshot{Facets: graphContext.PriorState.Facets}
			}

			if err := c.store.SavePlanSnapshot(ctx, runID, planVersion, initialSnapshotSave(plan, pending, pendingContext)); err != nil {
				return nil, c.failRun(ctx, runID, err)
			}
			if err := c.store.CreateOrUpdateRun(ctx, &RunRecord{
				RunID:       runID,
				ThreadID:    envelope.ThreadID(),
				Status:      StatusRunning,
				Envelope:    envelope,
				PlanVersion: planVersion,
				UpdatedAt:   c.now(),
			}); err != nil {
				return nil, c.failRun(ctx, runID, err)
			}
			newEmitter(runID, planVersion, sink).emit(EventPlanGenerated, "", map[string]interface{}{
				"nodeCount": len(plan.Nodes),
				"edgeCount": len(plan.Edges),
				"attempt":   attempt,
				"metadata":  plan.Metadata,
			})

			if planVersion == 1 && pending == nil && envelope.Policies.Planner.RequiresHitlApproval() {
				return nil, c.awaitPlanApproval(ctx, runID, planVersion, envelope, plan, sink)
			}
		}

		output, err := c.engine.Execute(ctx, ExecuteRequest{
			RunID:         runID,
			Envelope:      envelope,
			Plan:          plan,
			Resume:        pending,
			ResumeContext: pendingContext,
			Sink:          sink,
		})
		if err == nil {
			return output, nil
		}

		var replan *ReplanRequestedError
		if errors.As(err, &replan) {
			if attempt >= maxAttempts {
				return nil, c.failRun(ctx, runID, fmt.Errorf("replan budget exhausted after %d attempts: %w", attempt, err))
			}
			attempt++
			planVersion++
			graphContext = graphContextFromState(replan.State, plan)
			c.logger.Info("Replanning", map[string]interface{}{
				"operation":    "replan",
				"run_id":       runID,
				"trigger":      replan.Trigger,
				"plan_version": planVersion,
				"attempt":      attempt,
			})
			continue
		}

		var goalFailed *GoalConditionFailedError
		if errors.As(err, &goalFailed) {
			if attempt < maxAttempts {
				attempt++
				planVersion++
				graphContext = graphContextFromState(goalFailed.State, plan)
				graphContext.GoalConditionFailures = goalFailed.Failed
				c.logger.Info("Goal conditions failed, replanning", map[string]interface{}{
					"operation":    "replan",
					"run_id":       runID,
					"failed":       len(goalFailed.Failed),
					"plan_version": planVersion,
					"attempt":      attempt,
				})
				continue
			}
			return nil, c.failGoalConditions(ctx, runID, planVersion, envelope, goalFailed, sink)
		}

		return nil, c.suspendOrFail(ctx, runID, err)
	}
}

// awaitPlanApproval suspends a fresh run before execution when the planner
// directives demand operator sign-off. The approval rides the pending
// policy-action machinery, so a resume after an approve proceeds into
// execution and a reject fails the run.
func (c *Coordinator) awaitPlanApproval(ctx context.Context, runID string, planVersion int, envelope *TaskEnvelope, plan *Plan, sink EventSink) error {
	if c.hitl == nil {
		return c.failRun(ctx, runID, fmt.Errorf("planner requires hitl approval but hitl is not configured"))
	}

	emitter := newEmitter(runID, planVersion, sink)
	var denied error
	result, err := c.hitl.RaiseRequest(ctx, &HitlRequest{
		RunID:          runID,
		PolicyID:       plannerApprovalPolicyID,
		OperatorPrompt: "Approve the generated plan before execution",
		Payload: map[string]interface{}{
			"planVersion": planVersion,
			"nodeCount":   len(plan.Nodes),
		},
	}, RaiseOptions{
		OnRequest: func(req *HitlRequest) {
			emitter.emit(EventHitlRequest, "", map[string]interface{}{
				"requestId": req.RequestID,
				"policyId":  req.PolicyID,
				"rationale": req.OperatorPrompt,
			})
		},
		OnDenied: func(reason string) {
			denied = &RuntimePolicyFailureError{PolicyID: plannerApprovalPolicyID, Message: "hitl request denied: " + reason}
		},
	})
	if err != nil {
		return c.failRun(ctx, runID, err)
	}
	if result.Status == HitlStatusDenied {
		return c.failRun(ctx, runID, denied)
	}

	pending := &PendingState{
		Mode: "hitl",
		PolicyActions: []PendingPolicyAction{{
			PolicyID:  plannerApprovalPolicyID,
			RequestID: result.Request.RequestID,
		}},
	}
	facets := NewRunContext(envelope).Snapshot()
	if err := c.store.SavePlanSnapshot(ctx, runID, planVersion, initialSnapshotSave(plan, pending, facets)); err != nil {
		return c.failRun(ctx, runID, err)
	}

	c.logger.Info("Plan awaiting operator approval", map[string]interface{}{
		"operation":  "plan_approval",
		"run_id":     runID,
		"request_id": result.Request.RequestID,
	})
	return c.suspendOrFail(ctx, runID, &HitlPauseError{RunID: runID, RequestID: result.Request.RequestID})
}

// suspendOrFail maps engine errors to run statuses. Suspension errors keep
// the run resumable; everything else fails it.
func (c *Coordinator) suspendOrFail(ctx context.Context, runID string, err error) error {
	var hitlPause *HitlPauseError
	var paused *RunPausedError
	var awaiting *AwaitingHumanInputError
	switch {
	case errors.As(err, &hitlPause):
		if uerr := c.store.UpdateStatus(ctx, runID, StatusAwaitingHitl); uerr != nil {
			return uerr
		}
	case errors.As(err, &paused):
		if uerr := c.store.UpdateStatus(ctx, runID, StatusAwaitingHitl); uerr != nil {
			return uerr
		}
	case errors.As(err, &awaiting):
		if uerr := c.store.UpdateStatus(ctx, runID, StatusAwaitingHuman); uerr != nil {
			return uerr
		}
	default:
		return c.failRun(ctx, runID, err)
	}
	return err
}

func (c *Coordinator) failRun(ctx context.Context, runID string, err error) error {
	c.logger.Error("Run failed", map[string]interface{}{
		"operation": "run_failed",
		"run_id":    runID,
		"error":     err.Error(),
	})
	c.tel.RecordMetric("flex.runs", 1, map[string]string{"outcome": "failed"})
	if uerr := c.store.UpdateStatus(ctx, runID, StatusFailed); uerr != nil {
		return fmt.Errorf("failed to mark run failed: %v (original: %w)", uerr, err)
	}
	return err
}

// failGoalConditions records the terminal failed output when the replan
// budget is spent with goal conditions still unmet.
func (c *Coordinator) failGoalConditions(ctx context.Context, runID string, planVersion int, envelope *TaskEnvelope, goalFailed *GoalConditionFailedError, sink EventSink) error {
	save := &ResultSave{
		Status:               StatusFailed,
		PlanVersion:          planVersion,
		Facets:               &ContextSnapshot{Facets: goalFailed.State.Facets},
		GoalConditionResults: goalFailed.Failed,
	}
	if err := c.store.RecordResult(ctx, runID, goalFailed.ComposedOutput, save); err != nil {
		return err
	}
	newEmitter(runID, planVersion, sink).emit(EventComplete, "", map[string]interface{}{
		"status":               StatusFailed,
		"output":               goalFailed.ComposedOutput,
		"goalConditionResults": goalFailed.Failed,
	})
	c.tel.RecordMetric("flex.runs", 1, map[string]string{"outcome": "goal_condition_failed"})
	return goalFailed
}

// resumePoint carries a restored plan and pending state into the loop.
type resumePoint struct {
	plan    *Plan
	pending *PendingState
	context *ContextSnapshot
}

// resume re-enters a suspended run. A completed run replays its terminal
// event from the stored output instead of re-executing.
func (c *Coordinator) resume(ctx context.Context, runID string, sink EventSink, audit *ResumeAudit) (*RunOutput, error) {
	record, err := c.store.LoadFlexRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if record.Status == StatusCompleted {
		output, err := c.store.LoadRunOutput(ctx, runID)
		if err != nil {
			return nil, err
		}
		newEmitter(runID, output.PlanVersion, sink).emitWithProvenance(EventComplete, "", output.Provenance, map[string]interface{}{
			"output":               output.Output,
			"goalConditionResults": output.GoalConditionResults,
			"schemaHash":           output.SchemaHash,
			"replayed":             true,
		})
		return output, nil
	}

	snapshot, err := c.store.LoadPlanSnapshot(ctx, runID, record.PlanVersion)
	if err != nil {
		return nil, err
	}
	if audit != nil {
		if err := c.store.RecordResumeAudit(ctx, record, audit); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpdateStatus(ctx, runID, StatusRunning); err != nil {
		return nil, err
	}

	plan := planFromSnapshot(runID, snapshot)
	pending := snapshot.PendingState
	if pending == nil {
		pending = &PendingState{}
	}
	c.logger.Info("Run resumed", map[string]interface{}{
		"operation":    "run_resume",
		"run_id":       runID,
		"plan_version": record.PlanVersion,
		"mode":         pending.Mode,
	})

	attempt := 1
	if meta, ok := snapshot.PlanMetadata["replanned"].(bool); ok && meta {
		attempt = record.PlanVersion
	}
	return c.planAndExecute(ctx, runID, record.Envelope, record.PlanVersion, attempt, nil, &resumePoint{
		plan:    plan,
		pending: pending,
		context: snapshot.FacetSnapshot,
	}, sink)
}

// ResumeHitl records an operator response and resumes the run.
func (c *Coordinator) ResumeHitl(ctx context.Context, runID string, response *HitlResponse, audit *ResumeAudit, sink EventSink) (*RunOutput, error) {
	if c.hitl == nil {
		return nil, fmt.Errorf("hitl is not configured")
	}
	if err := c.hitl.SubmitResponse(ctx, runID, response); err != nil {
		return nil, err
	}
	return c.resume(ctx, runID, sink, audit)
}

// RemoveHitlRequest cancels a pending request without resuming.
func (c *Coordinator) RemoveHitlRequest(ctx context.Context, runID, requestID string) error {
	if c.hitl == nil {
		return fmt.Errorf("hitl is not configured")
	}
	return c.hitl.RemoveRequest(ctx, runID, requestID)
}

// PendingHitl lists the runs awaiting an operator decision.
func (c *Coordinator) PendingHitl(ctx context.Context, runID string) (*HitlRunState, error) {
	if c.hitl == nil {
		return nil, fmt.Errorf("hitl is not configured")
	}
	return c.hitl.LoadRunState(ctx, runID)
}

// PendingTasks lists pending human tasks, optionally filtered.
func (c *Coordinator) PendingTasks(ctx context.Context, filter TaskFilter) ([]*HumanTask, error) {
	return c.store.ListPendingHumanTasks(ctx, filter)
}

// FindTaskByAssignment resolves a pending task by its assignment id.
func (c *Coordinator) FindTaskByAssignment(ctx context.Context, assignmentID string) (*HumanTask, error) {
	tasks, err := c.store.ListPendingHumanTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Assignment != nil && task.Assignment.AssignmentID == assignmentID {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", assignmentID, core.ErrTaskNotFound)
}

// CompleteHumanTask validates and applies a human task's output, then
// resumes the run.
func (c *Coordinator) CompleteHumanTask(ctx context.Context, runID, nodeID string, output map[string]interface{}, audit *ResumeAudit, sink EventSink) (*RunOutput, error) {
	record, err := c.store.LoadFlexRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	snapshot, err := c.store.LoadPlanSnapshot(ctx, runID, record.PlanVersion)
	if err != nil {
		return nil, err
	}
	plan := planFromSnapshot(runID, snapshot)
	node, ok := plan.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, core.ErrNodeNotFound)
	}

	if node.Contracts.Output != nil {
		issues, verr := facet.ValidateContract(node.Contracts.Output, output)
		if verr != nil {
			return nil, verr
		}
		if len(issues) > 0 {
			return nil, &FlexValidationError{Scope: ScopeCapabilityOutput, NodeID: nodeID, Issues: issues}
		}
	}

	pending := snapshot.PendingState
	if pending == nil {
		pending = &PendingState{}
	}
	if pending.NodeOutputs == nil {
		pending.NodeOutputs = map[string]interface{}{}
	}
	pending.NodeOutputs[nodeID] = output
	pending.CompletedNodeIDs = appendUnique(pending.CompletedNodeIDs, nodeID)

	rc := RunContextFromSnapshot(snapshot.FacetSnapshot)
	rc.UpdateFromNode(node, output)
	snapshot.FacetSnapshot = rc.Snapshot()
	snapshot.PendingState = pending

	if err := c.store.ResolveHumanTask(ctx, runID, nodeID, StatusCompleted); err != nil {
		return nil, err
	}
	if err := c.store.MarkNode(ctx, runID, nodeID, &NodeUpdate{Status: StatusCompleted, Output: output, Completed: true}); err != nil {
		return nil, err
	}
	if err := c.store.SavePlanSnapshot(ctx, runID, record.PlanVersion, &SnapshotSave{
		Nodes:        snapshot.Nodes,
		Edges:        snapshot.Edges,
		PlanMetadata: snapshot.PlanMetadata,
		Facets:       snapshot.FacetSnapshot,
		SchemaHash:   snapshot.SchemaHash,
		PendingState: pending,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("Human task completed", map[string]interface{}{
		"operation": "human_task",
		"run_id":    runID,
		"node_id":   nodeID,
	})
	return c.resume(ctx, runID, sink, audit)
}

// DeclineHumanTask declines a pending task and fails its run. Decline is
// terminal; there is no reassignment path.
func (c *Coordinator) DeclineHumanTask(ctx context.Context, runID, nodeID string, audit *ResumeAudit) error {
	if err := c.store.ResolveHumanTask(ctx, runID, nodeID, "declined"); err != nil {
		return err
	}
	if err := c.store.MarkNode(ctx, runID, nodeID, &NodeUpdate{Status: StatusFailed, Error: "declined by assignee", Completed: true}); err != nil {
		return err
	}
	if audit != nil {
		record, err := c.store.LoadFlexRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := c.store.RecordResumeAudit(ctx, record, audit); err != nil {
			return err
		}
	}
	c.logger.Warn("Human task declined, failing run", map[string]interface{}{
		"operation": "human_task",
		"run_id":    runID,
		"node_id":   nodeID,
	})
	return c.store.UpdateStatus(ctx, runID, StatusFailed)
}

// LoadRun returns a run record.
func (c *Coordinator) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	return c.store.LoadFlexRun(ctx, runID)
}

// graphContextFromState converts a captured execution state into the
// planner's replan context.
func graphContextFromState(state *ExecutionState, plan *Plan) *GraphContext {
	gc := &GraphContext{
		GoalConditionFailures: state.GoalConditionFailures,
		PriorState:            state,
	}
	for name := range state.Facets {
		gc.Facets = append(gc.Facets, name)
	}
	for _, id := range state.CompletedNodeIDs {
		node, ok := plan.Node(id)
		if !ok {
			continue
		}
		gc.CompletedNodes = append(gc.CompletedNodes, CompletedNode{
			NodeID:       id,
			CapabilityID: node.CapabilityID,
			OutputFacets: node.Facets.Output,
		})
	}
	return gc
}

// pendingFromState seeds a fresh plan's execution with the attempt counters
// of the prior one. Completed node ids do not carry over; the new plan has
// its own nodes.
func pendingFromState(state *ExecutionState) *PendingState {
	return &PendingState{
		PolicyAttempts:        state.PolicyAttempts,
		PostConditionAttempts: state.PostConditionAttempts,
	}
}

func initialSnapshotSave(plan *Plan, pending *PendingState, facets *ContextSnapshot) *SnapshotSave {
	nodes := make([]*NodeSnapshot, 0, len(plan.Nodes))
	for _, node := range plan.Nodes {
		nodes = append(nodes, &NodeSnapshot{Node: node, Status: StatusPending})
	}
	return &SnapshotSave{
		Nodes:        nodes,
		Edges:        plan.Edges,
		PlanMetadata: plan.Metadata,
		Facets:       facets,
		PendingState: pending,
	}
}

func planFromSnapshot(runID string, snapshot *PlanSnapshot) *Plan {
	nodes := make([]*PlanNode, 0, len(snapshot.Nodes))
	for _, ns := range snapshot.Nodes {
		nodes = append(nodes, ns.Node)
	}
	return &Plan{
		RunID:    runID,
		Version:  snapshot.PlanVersion,
		Nodes:    nodes,
		Edges:    snapshot.Edges,
		Metadata: snapshot.PlanMetadata,
	}
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
