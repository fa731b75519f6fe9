package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/registry"
)

// Engine executes validated plans: node dispatch, contract validation at
// every boundary, runtime policies, post-conditions, and goal-condition
// gating. One Execute call owns its run state; the engine itself is
// stateless and safe for concurrent runs.
type Engine struct {
	store    RunStore
	registry *registry.Service
	catalog  *facet.Catalog
	aiClient core.AIClient
	hitl     *HitlService
	logger   core.Logger
	tel      core.Telemetry

	postConditionMaxRetries int
	now                     func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger attaches a logger.
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineTelemetry attaches a telemetry provider.
func WithEngineTelemetry(tel core.Telemetry) EngineOption {
	return func(e *Engine) {
		if tel != nil {
			e.tel = tel
		}
	}
}

// WithPostConditionMaxRetries overrides the per-node post-condition retry
// bound. Negative values clamp to zero.
func WithPostConditionMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n < 0 {
			n = 0
		}
		e.postConditionMaxRetries = n
	}
}

// NewEngine creates an engine over the store, registry, catalog, AI client
// and HITL service.
func NewEngine(store RunStore, reg *registry.Service, catalog *facet.Catalog, aiClient core.AIClient, hitl *HitlService, opts ...EngineOption) *Engine {
	retries := getEnvInt("FLEX_CAPABILITY_POST_CONDITION_MAX_RETRIES", 1)
	if retries < 0 {
		retries = 0
	}
	e := &Engine{
		store:                   store,
		registry:                reg,
		catalog:                 catalog,
		aiClient:                aiClient,
		hitl:                    hitl,
		logger:                  core.NoOpLogger{},
		tel:                     core.NoOpTelemetry{},
		postConditionMaxRetries: retries,
		now:                     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if cl, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cl.WithComponent("flex/engine")
	}
	return e
}

// ExecuteRequest carries one plan execution. Resume and ResumeContext are
// nil on a fresh run; on resume they restore the pending state persisted
// with the last plan snapshot.
type ExecuteRequest struct {
	RunID         string
	Envelope      *TaskEnvelope
	Plan          *Plan
	Resume        *PendingState
	ResumeContext *ContextSnapshot
	Sink          EventSink
}

// runExecution is the per-run mutable state of one Execute call.
type runExecution struct {
	engine   *Engine
	runID    string
	envelope *TaskEnvelope
	plan     *Plan
	sched    *Scheduler
	rc       *RunContext
	emitter  *emitter
	caps     *registry.Snapshot

	nodeOutputs           map[string]interface{}
	policyAttempts        map[string]int
	postConditionAttempts map[string]int
	routingSelections     map[string][]string
	pendingPolicyActions  []PendingPolicyAction
	goalConditionFailures []condition.GoalConditionResult
	lastExecutionNodeID   string
}

// Execute runs the plan to completion or to a suspension point. Suspension
// surfaces as typed errors (HitlPauseError, RunPausedError,
// AwaitingHumanInputError); replanning surfaces as ReplanRequestedError or
// GoalConditionFailedError with the captured execution state.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*RunOutput, error) {
	ctx, span := e.tel.StartSpan(ctx, "engine.execute")
	defer span.End()

	caps, err := e.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load capability snapshot: %w", err)
	}

	run := &runExecution{
		engine:                e,
		runID:                 req.RunID,
		envelope:              req.Envelope,
		plan:                  req.Plan,
		emitter:               newEmitter(req.RunID, req.Plan.Version, req.Sink),
		caps:                  caps,
		nodeOutputs:           map[string]interface{}{},
		policyAttempts:        map[string]int{},
		postConditionAttempts: map[string]int{},
		routingSelections:     map[string][]string{},
	}

	resuming := req.Resume != nil
	if resuming {
		run.rc = RunContextFromSnapshot(req.ResumeContext)
		for id, out := range req.Resume.NodeOutputs {
			run.nodeOutputs[id] = out
		}
		for id, n := range req.Resume.PolicyAttempts {
			run.policyAttempts[id] = n
		}
		for id, n := range req.Resume.PostConditionAttempts {
			run.postConditionAttempts[id] = n
		}
		for id, targets := range req.Resume.RoutingSelections {
			run.routingSelections[id] = targets
		}
		run.goalConditionFailures = req.Resume.GoalConditionFailures
		run.pendingPolicyActions = req.Resume.PolicyActions
		run.sched = NewScheduler(req.Plan, req.Resume.CompletedNodeIDs, run.routingSelections)
	} else {
		run.rc = NewRunContext(req.Envelope)
		run.sched = NewScheduler(req.Plan, nil, nil)
	}

	if resuming {
		if err := run.resolvePendingPolicyActions(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := run.dispatchPolicies(ctx, TriggerOnStart, nil, nil); err != nil {
			return nil, err
		}
	}

	for {
		node := run.sched.Next()
		if node == nil {
			if run.sched.Done() {
				break
			}
			return nil, fmt.Errorf("plan for run %s deadlocked: no node is ready and the plan has not drained", req.RunID)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := run.executeNode(ctx, node); err != nil {
			return nil, err
		}
	}

	return run.finish(ctx)
}

// executeNode dispatches one node by kind, then checkpoints.
func (r *runExecution) executeNode(ctx context.Context, node *PlanNode) error {
	e := r.engine
	e.logger.Info("Executing node", map[string]interface{}{
		"operation":     "node_execution",
		"run_id":        r.runID,
		"node_id":       node.ID,
		"kind":          node.Kind,
		"capability_id": node.CapabilityID,
	})
	r.emitter.emit(EventNodeStart, node.ID, map[string]interface{}{
		"kind":         node.Kind,
		"capabilityId": node.CapabilityID,
		"label":        node.Label,
	})
	if err := e.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{Status: StatusRunning, Started: true}); err != nil {
		return err
	}

	var err error
	switch node.Kind {
	case NodeKindRouting:
		err = r.executeRoutingNode(ctx, node)
	case NodeKindVirtual:
		err = r.completeNode(ctx, node, map[string]interface{}{})
	default:
		if r.isHumanNode(node) {
			err = r.raiseHumanTask(ctx, node)
		} else {
			err = r.executeAINode(ctx, node)
		}
	}
	if err != nil {
		return err
	}
	return r.checkpoint(ctx, "")
}

func (r *runExecution) isHumanNode(node *PlanNode) bool {
	record, ok := r.caps.Get(node.CapabilityID)
	return ok && record.AgentType == registry.AgentTypeHuman
}

// executeRoutingNode evaluates routes in declaration order; the first truthy
// condition wins, ElseTo catches the rest, and a miss with no ElseTo asks
// for a replan.
func (r *runExecution) executeRoutingNode(ctx context.Context, node *PlanNode) error {
	result := &RoutingResult{Resolution: "replan"}
	data := r.conditionData(node, nil)

	if node.Routing != nil {
		for _, route := range node.Routing.Routes {
			trace := RoutingTrace{To: route.To}
			if route.Condition == nil || route.Condition.JSONLogic == nil {
				trace.Error = "route has no compiled condition"
				result.Traces = append(result.Traces, trace)
				continue
			}
			outcome := condition.Evaluate(route.Condition.JSONLogic, data)
			trace.Matched = outcome.OK && outcome.Error == ""
			trace.Resolved = outcome.ResolvedVariables
			trace.Error = outcome.Error
			result.Traces = append(result.Traces, trace)
			if trace.Matched {
				result.SelectedTarget = route.To
				result.Resolution = "match"
				break
			}
		}
		if result.SelectedTarget == "" && node.Routing.ElseTo != "" {
			result.SelectedTarget = node.Routing.ElseTo
			result.Resolution = "else"
		}
	}

	if result.SelectedTarget == "" {
		r.engine.logger.Warn("Routing node matched no route", map[string]interface{}{
			"operation": "routing",
			"run_id":    r.runID,
			"node_id":   node.ID,
		})
		r.emitter.emit(EventRoutingNoMatch, node.ID, map[string]interface{}{"traces": result.Traces})
		r.emitter.emit(EventRoutingReplan, node.ID, map[string]interface{}{"resolution": result.Resolution})
		return &ReplanRequestedError{Trigger: "routing:" + node.ID, State: r.captureState()}
	}

	r.sched.MarkConditionalRelease(node.ID, []string{result.SelectedTarget})
	r.routingSelections[node.ID] = append(r.routingSelections[node.ID], result.SelectedTarget)
	r.emitter.emit(EventRoutingSelectedPrefix+":"+result.SelectedTarget, node.ID, map[string]interface{}{
		"selectedTarget": result.SelectedTarget,
		"resolution":     result.Resolution,
	})

	output := map[string]interface{}{"routingResult": result}
	return r.completeNode(ctx, node, output)
}

// executeAINode runs one AI-backed execution node: input validation, model
// call, output validation, post-conditions with bounded retry, run-context
// update, completion policies.
func (r *runExecution) executeAINode(ctx context.Context, node *PlanNode) error {
	e := r.engine
	record, _ := r.caps.Get(node.CapabilityID)

	inputs := r.mergedInputs(node)
	if node.Contracts.Input != nil {
		issues, err := facet.ValidateContract(node.Contracts.Input, inputs)
		if err != nil {
			return err
		}
		if len(issues) > 0 {
			return r.failValidation(ctx, node, ScopeCapabilityInput, issues)
		}
	}

	policy := r.postConditionPolicy(node)
	maxRetries := e.postConditionMaxRetries
	if policy != nil && policy.Trigger.MaxRetries != nil {
		maxRetries = *policy.Trigger.MaxRetries
		if maxRetries < 0 {
			maxRetries = 0
		}
	}

	retryContext := ""
	var output map[string]interface{}
	var postResults []condition.GoalConditionResult
	for {
		var err error
		output, err = r.invokeModel(ctx, node, record, inputs, retryContext)
		if err != nil {
			r.emitter.emit(EventNodeError, node.ID, map[string]interface{}{"error": err.Error()})
			if markErr := e.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{Status: StatusError, Error: err.Error(), Completed: true}); markErr != nil {
				return markErr
			}
			return err
		}

		if node.Contracts.Output != nil {
			issues, verr := facet.ValidateContract(node.Contracts.Output, output)
			if verr != nil {
				return verr
			}
			if len(issues) > 0 {
				return r.failValidation(ctx, node, ScopeCapabilityOutput, issues)
			}
		}

		postResults = r.evaluatePostConditions(node, record, output)
		failed := failedResults(postResults)
		if len(failed) == 0 {
			break
		}

		attempts := r.postConditionAttempts[node.ID]
		if attempts < maxRetries {
			r.postConditionAttempts[node.ID] = attempts + 1
			retryContext = postConditionRetryContext(failed)
			e.logger.Warn("Post-conditions failed, retrying node", map[string]interface{}{
				"operation": "post_condition",
				"run_id":    r.runID,
				"node_id":   node.ID,
				"failed":    len(failed),
				"attempt":   attempts + 1,
			})
			continue
		}

		// Retries exhausted. A matching policy's action gets the final say;
		// unless that action redirects the run, the run fails.
		if err := r.dispatchPolicies(ctx, TriggerOnPostConditionFailed, node, output); err != nil {
			return err
		}
		failure := &RuntimePolicyFailureError{
			Message: fmt.Sprintf("post-conditions on node %s unmet after %d retries", node.ID, maxRetries),
		}
		if policy != nil {
			failure.PolicyID = policy.ID
		}
		r.emitter.emit(EventNodeError, node.ID, map[string]interface{}{
			"error":  failure.Error(),
			"failed": failed,
		})
		if markErr := e.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{
			Status:               StatusError,
			Error:                failure.Error(),
			PostConditionResults: postResults,
			Completed:            true,
		}); markErr != nil {
			return markErr
		}
		return failure
	}

	return r.commitNodeOutput(ctx, node, output, postResults)
}

// invokeModel builds the dispatch prompt and calls the model, decoding its
// JSON response.
func (r *runExecution) invokeModel(ctx context.Context, node *PlanNode, record *registry.Capability, inputs map[string]interface{}, retryContext string) (map[string]interface{}, error) {
	instructions := ""
	var preferredModel string
	if record != nil {
		instructions = record.InstructionTemplates["default"]
		if len(record.PreferredModels) > 0 {
			preferredModel = record.PreferredModels[0]
		}
	}

	prompt := buildNodePrompt(nodePromptInput{
		Node:                   node,
		Objective:              r.envelope.Objective,
		CapabilityInstructions: instructions,
		Inputs:                 inputs,
		SiblingOutputs:         r.siblingOutputs(node),
		Feedback:               r.openFeedback(),
		Clarifications:         r.rc.Clarifications(node.ID),
		RetryContext:           retryContext,
		SpecialInstructions:    r.envelope.SpecialInstructions,
	})

	options := &core.AIOptions{
		Model:        preferredModel,
		Temperature:  0.3,
		MaxTokens:    4000,
		SystemPrompt: "You execute one step of a workflow. Respond with only valid JSON.",
	}
	if node.Contracts.Output != nil {
		options.ResponseSchema = node.Contracts.Output.Schema
		options.ResponseName = node.ID
	}

	response, err := r.engine.aiClient.GenerateResponse(ctx, prompt, options)
	if err != nil {
		return nil, fmt.Errorf("capability %s dispatch failed: %w", node.CapabilityID, err)
	}

	start := findJSONStart(response.Content)
	if start < 0 {
		return nil, fmt.Errorf("capability %s returned no JSON object", node.CapabilityID)
	}
	end := findJSONEnd(response.Content, start)
	if end < 0 {
		return nil, fmt.Errorf("capability %s returned an unterminated JSON object", node.CapabilityID)
	}
	var output map[string]interface{}
	if err := json.Unmarshal([]byte(response.Content[start:end+1]), &output); err != nil {
		return nil, fmt.Errorf("capability %s returned invalid JSON: %w", node.CapabilityID, err)
	}
	return output, nil
}

// commitNodeOutput applies an accepted output: feedback diffing, run-context
// update, persistence, node_complete, completion policies.
func (r *runExecution) commitNodeOutput(ctx context.Context, node *PlanNode, output map[string]interface{}, postResults []condition.GoalConditionResult) error {
	before := r.feedbackState()
	r.rc.UpdateFromNode(node, output)
	r.emitFeedbackResolutions(node.ID, before)

	r.nodeOutputs[node.ID] = output
	r.lastExecutionNodeID = node.ID
	if err := r.engine.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{
		Status:               StatusCompleted,
		Output:               output,
		PostConditionResults: postResults,
		Completed:            true,
	}); err != nil {
		return err
	}
	r.sched.MarkCompleted(node.ID)
	r.emitter.emitWithProvenance(EventNodeComplete, node.ID, node.Provenance.Output, map[string]interface{}{
		"capabilityId":         node.CapabilityID,
		"outputFacets":         node.Facets.Output,
		"postConditionResults": postResults,
	})

	return r.dispatchPolicies(ctx, TriggerOnNodeComplete, node, output)
}

// completeNode finishes a non-AI node with a synthetic output.
func (r *runExecution) completeNode(ctx context.Context, node *PlanNode, output map[string]interface{}) error {
	r.nodeOutputs[node.ID] = output
	if err := r.engine.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{
		Status:    StatusCompleted,
		Output:    output,
		Completed: true,
	}); err != nil {
		return err
	}
	r.sched.MarkCompleted(node.ID)
	r.emitter.emit(EventNodeComplete, node.ID, map[string]interface{}{"kind": node.Kind})
	return r.dispatchPolicies(ctx, TriggerOnNodeComplete, node, output)
}

// raiseHumanTask suspends the run at a human-capability node: the
// assignment is persisted as a pending task and the node parks in
// awaiting_human.
func (r *runExecution) raiseHumanTask(ctx context.Context, node *PlanNode) error {
	e := r.engine
	record, _ := r.caps.Get(node.CapabilityID)

	assignment := node.Bundle.Assignment
	if assignment == nil {
		assignment = &Assignment{}
	}
	if assignment.AssignmentID == "" {
		assignment.AssignmentID = uuid.New().String()
	}
	if record != nil && record.AssignmentDefaults != nil {
		defaults := record.AssignmentDefaults
		if assignment.Role == "" {
			assignment.Role = defaults.Role
		}
		if assignment.TimeoutSeconds == 0 {
			assignment.TimeoutSeconds = defaults.TimeoutSeconds
		}
		if assignment.MaxNotifications == 0 {
			assignment.MaxNotifications = defaults.MaxNotifications
		}
		if len(assignment.NotifyChannels) == 0 {
			assignment.NotifyChannels = defaults.NotifyChannels
		}
	}
	assignment.Instructions = node.Bundle.Instructions
	assignment.Facets = node.Facets
	assignment.Contracts = node.Contracts
	assignment.FacetProvenance = node.Provenance.Output
	node.Bundle.Assignment = assignment

	task := &HumanTask{
		RunID:      r.runID,
		NodeID:     node.ID,
		Assignment: assignment,
		Status:     StatusPending,
		RaisedAt:   e.now(),
	}
	if err := e.store.UpsertHumanTask(ctx, task); err != nil {
		return err
	}
	if err := e.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{Status: StatusAwaitingHuman}); err != nil {
		return err
	}
	if err := r.checkpoint(ctx, ""); err != nil {
		return err
	}

	e.logger.Info("Human task raised", map[string]interface{}{
		"operation":     "human_task",
		"run_id":        r.runID,
		"node_id":       node.ID,
		"assignment_id": assignment.AssignmentID,
		"role":          assignment.Role,
	})
	r.emitter.emit(EventLog, node.ID, map[string]interface{}{
		"level":        "info",
		"message":      "awaiting human input",
		"assignmentId": assignment.AssignmentID,
	})
	return &AwaitingHumanInputError{RunID: r.runID, NodeID: node.ID, AssignmentID: assignment.AssignmentID}
}

// finish composes the final output, gates it on goal conditions, validates
// it against the output contract, and records the result.
func (r *runExecution) finish(ctx context.Context) (*RunOutput, error) {
	e := r.engine
	snapshot := r.rc.Snapshot()

	goalResults := condition.EvaluateGoalConditions(r.envelope.CompiledGoalConditions(), snapshot)
	if failed := failedResults(goalResults); len(failed) > 0 {
		composed := r.rc.ComposeFinalOutput(e.catalog, r.envelope.OutputContract, r.plan)
		if len(composed) == 0 {
			if out, ok := r.nodeOutputs[r.lastExecutionNodeID].(map[string]interface{}); ok {
				composed = out
			}
		}
		r.goalConditionFailures = failed
		return nil, &GoalConditionFailedError{
			State:          r.captureState(),
			Failed:         failed,
			ComposedOutput: composed,
		}
	}

	output := r.rc.ComposeFinalOutput(e.catalog, r.envelope.OutputContract, r.plan)
	if len(output) == 0 && r.lastExecutionNodeID != "" {
		if out, ok := r.nodeOutputs[r.lastExecutionNodeID].(map[string]interface{}); ok {
			output = out
		}
	}

	schemaHash := ""
	if r.envelope.OutputContract != nil {
		compiled, err := facet.CompileOutputContract(e.catalog, r.envelope.OutputContract)
		if err != nil {
			return nil, err
		}
		if compiled != nil {
			schemaHash = facet.SchemaHash(compiled.Schema)
			issues, err := facet.ValidateContract(compiled, output)
			if err != nil {
				return nil, err
			}
			if len(issues) > 0 {
				r.emitter.emit(EventValidationError, "", map[string]interface{}{
					"scope":  ScopeFinalOutput,
					"issues": issues,
				})
				return nil, &FlexValidationError{Scope: ScopeFinalOutput, Issues: issues}
			}
		}
	}

	result := &RunOutput{
		RunID:                r.runID,
		PlanVersion:          r.plan.Version,
		SchemaHash:           schemaHash,
		Status:               StatusCompleted,
		Output:               output,
		FacetSnapshot:        snapshot,
		Provenance:           r.outputProvenance(),
		GoalConditionResults: goalResults,
	}
	save := &ResultSave{
		Status:               StatusCompleted,
		PlanVersion:          r.plan.Version,
		SchemaHash:           schemaHash,
		Facets:               snapshot,
		Provenance:           result.Provenance,
		GoalConditionResults: goalResults,
		Snapshot:             r.snapshotSave(""),
	}
	if err := e.store.RecordResult(ctx, r.runID, output, save); err != nil {
		return nil, err
	}

	r.emitter.emitWithProvenance(EventComplete, "", result.Provenance, map[string]interface{}{
		"output":               output,
		"goalConditionResults": goalResults,
		"schemaHash":           schemaHash,
	})
	e.logger.Info("Run completed", map[string]interface{}{
		"operation":    "run_complete",
		"run_id":       r.runID,
		"plan_version": r.plan.Version,
		"facet_count":  len(snapshot.Facets),
	})
	e.tel.RecordMetric("flex.runs", 1, map[string]string{"outcome": "completed"})
	return result, nil
}

// failValidation emits a validation_error event, errors the node, and
// returns the typed error.
func (r *runExecution) failValidation(ctx context.Context, node *PlanNode, scope string, issues []facet.Issue) error {
	verr := &FlexValidationError{Scope: scope, NodeID: node.ID, Issues: issues}
	r.emitter.emit(EventValidationError, node.ID, map[string]interface{}{
		"scope":  scope,
		"issues": issues,
	})
	if err := r.engine.store.MarkNode(ctx, r.runID, node.ID, &NodeUpdate{
		Status:    StatusError,
		Error:     verr.Error(),
		Completed: true,
	}); err != nil {
		return err
	}
	return verr
}

// mergedInputs resolves the node's inputs: planner-bundled values overlaid
// with the current run-context value of every declared input facet.
func (r *runExecution) mergedInputs(node *PlanNode) map[string]interface{} {
	inputs := map[string]interface{}{}
	for name, value := range node.Bundle.Inputs {
		inputs[name] = value
	}
	for _, name := range node.Facets.Input {
		if entry, ok := r.rc.Facet(name); ok {
			inputs[name] = entry.Value
		}
	}
	return inputs
}

func (r *runExecution) siblingOutputs(node *PlanNode) map[string]interface{} {
	if len(r.nodeOutputs) == 0 {
		return nil
	}
	outputs := map[string]interface{}{}
	for id, out := range r.nodeOutputs {
		if id == node.ID {
			continue
		}
		outputs[id] = out
	}
	return outputs
}

// evaluatePostConditions checks the capability's registered post-conditions
// against a projection of the run context with this output applied, before
// the output is committed.
func (r *runExecution) evaluatePostConditions(node *PlanNode, record *registry.Capability, output map[string]interface{}) []condition.GoalConditionResult {
	if record == nil || len(record.PostConditions) == 0 {
		return nil
	}

	projected := r.rc.Snapshot()
	declared := map[string]bool{}
	for _, f := range node.Facets.Output {
		declared[f] = true
	}
	for key, value := range output {
		if !declared[key] || plannerMetadataKeys[key] {
			continue
		}
		projected.Facets[key] = &FacetEntry{Value: value, UpdatedAt: r.engine.now()}
	}

	conditions := make([]condition.GoalCondition, 0, len(record.PostConditions))
	for _, pc := range record.PostConditions {
		conditions = append(conditions, condition.GoalCondition{
			Facet:     pc.Facet,
			Path:      pc.Path,
			Condition: pc.Condition,
		})
	}
	return condition.EvaluateGoalConditions(conditions, projected)
}

// conditionData builds the evaluation document for policy triggers and
// routing conditions.
func (r *runExecution) conditionData(node *PlanNode, output map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"run": map[string]interface{}{"runId": r.runID, "planVersion": r.plan.Version},
		"metadata": map[string]interface{}{
			"runContextSnapshot": r.rc.Snapshot(),
		},
	}
	if node != nil {
		data["node"] = map[string]interface{}{
			"nodeId":       node.ID,
			"capabilityId": node.CapabilityID,
			"kind":         node.Kind,
		}
	}
	if output != nil {
		data["output"] = output
	}
	return data
}

// captureState packages the resumable execution state for replan-class
// errors.
func (r *runExecution) captureState() *ExecutionState {
	snapshot := r.rc.Snapshot()
	return &ExecutionState{
		CompletedNodeIDs:      r.sched.CompletedNodeIDs(),
		NodeOutputs:           r.nodeOutputs,
		Facets:                snapshot.Facets,
		PolicyActions:         r.pendingPolicyActions,
		PolicyAttempts:        r.policyAttempts,
		PostConditionAttempts: r.postConditionAttempts,
		GoalConditionFailures: r.goalConditionFailures,
	}
}

// snapshotSave builds the persisted pending state. mode marks suspension
// ("pause" or "hitl"); empty means a routine checkpoint.
func (r *runExecution) snapshotSave(mode string) *SnapshotSave {
	nodes := make([]*NodeSnapshot, 0, len(r.plan.Nodes))
	for _, node := range r.plan.Nodes {
		snap := &NodeSnapshot{Node: node, Status: StatusPending}
		if output, ok := r.nodeOutputs[node.ID]; ok {
			snap.Status = StatusCompleted
			snap.Output = output
		}
		nodes = append(nodes, snap)
	}
	return &SnapshotSave{
		Nodes:        nodes,
		Edges:        r.plan.Edges,
		PlanMetadata: r.plan.Metadata,
		Facets:       r.rc.Snapshot(),
		PendingState: &PendingState{
			CompletedNodeIDs:      r.sched.CompletedNodeIDs(),
			NodeOutputs:           r.nodeOutputs,
			PolicyActions:         r.pendingPolicyActions,
			PolicyAttempts:        r.policyAttempts,
			PostConditionAttempts: r.postConditionAttempts,
			RoutingSelections:     r.routingSelections,
			Mode:                  mode,
			GoalConditionFailures: r.goalConditionFailures,
		},
	}
}

func (r *runExecution) checkpoint(ctx context.Context, mode string) error {
	return r.engine.store.SavePlanSnapshot(ctx, r.runID, r.plan.Version, r.snapshotSave(mode))
}

// outputProvenance collects the output-side provenance entries of every
// completed node, in plan order.
func (r *runExecution) outputProvenance() []facet.ProvenanceEntry {
	var entries []facet.ProvenanceEntry
	for _, node := range r.plan.Nodes {
		if _, done := r.nodeOutputs[node.ID]; !done {
			continue
		}
		entries = append(entries, node.Provenance.Output...)
	}
	return entries
}

// openFeedback returns the unresolved feedback items as raw values for the
// dispatch prompt.
func (r *runExecution) openFeedback() []interface{} {
	entry, ok := r.rc.Facet("feedback")
	if !ok {
		return nil
	}
	items, ok := entry.Value.([]interface{})
	if !ok {
		return nil
	}
	var open []interface{}
	for _, raw := range items {
		obj, isObj := raw.(map[string]interface{})
		if !isObj {
			continue
		}
		resolution := stringField(obj, "resolution")
		if resolution == "" || resolution == "open" {
			open = append(open, raw)
		}
	}
	return open
}

// feedbackState captures the current resolution state of feedback entries,
// keyed for diffing.
func (r *runExecution) feedbackState() map[string]string {
	entry, ok := r.rc.Facet("feedback")
	if !ok {
		return nil
	}
	state := map[string]string{}
	for _, item := range normalizeFeedbackEntries(entry.Value) {
		state[item.Key] = item.Resolution
	}
	return state
}

// emitFeedbackResolutions emits one feedback_resolution event per entry
// whose resolution moved from open to a terminal state in this node's
// update.
func (r *runExecution) emitFeedbackResolutions(nodeID string, before map[string]string) {
	entry, ok := r.rc.Facet("feedback")
	if !ok {
		return
	}
	for _, item := range normalizeFeedbackEntries(entry.Value) {
		prior, existed := before[item.Key]
		if item.Resolution == "" || item.Resolution == "open" {
			continue
		}
		if existed && prior == item.Resolution {
			continue
		}
		r.emitter.emit(EventFeedbackResolution, nodeID, map[string]interface{}{
			"key":        item.Key,
			"id":         item.ID,
			"facet":      item.Facet,
			"path":       item.Path,
			"message":    item.Message,
			"note":       item.Note,
			"resolution": item.Resolution,
		})
	}
}

// feedbackEntry is the normalized shape of one feedback item.
type feedbackEntry struct {
	Key        string
	ID         string
	Facet      string
	Path       string
	Message    string
	Note       string
	Resolution string
}

// normalizeFeedbackEntries coerces a feedback facet value into normalized
// entries. Items without an id key by facet+path+message.
func normalizeFeedbackEntries(value interface{}) []feedbackEntry {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	entries := make([]feedbackEntry, 0, len(items))
	for _, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		entry := feedbackEntry{
			ID:         stringField(obj, "id"),
			Facet:      stringField(obj, "facet"),
			Path:       stringField(obj, "path"),
			Message:    stringField(obj, "message"),
			Note:       stringField(obj, "note"),
			Resolution: stringField(obj, "resolution"),
		}
		if entry.ID != "" {
			entry.Key = entry.ID
		} else {
			entry.Key = fmt.Sprintf("%s|%s|%s", entry.Facet, entry.Path, entry.Message)
		}
		entries = append(entries, entry)
	}
	return entries
}

func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}

func failedResults(results []condition.GoalConditionResult) []condition.GoalConditionResult {
	var failed []condition.GoalConditionResult
	for _, result := range results {
		if !result.Satisfied {
			failed = append(failed, result)
		}
	}
	return failed
}

func postConditionRetryContext(failed []condition.GoalConditionResult) string {
	data, err := json.Marshal(failed)
	if err != nil {
		return "post-conditions failed"
	}
	return fmt.Sprintf("these post-conditions failed on the previous attempt, fix the output so they hold: %s", data)
}
