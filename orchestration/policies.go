package orchestration

import (
	"context"
	"fmt"

	"github.com/flexhq/flex/condition"
)

// Default attempt bound for goto actions with no explicit maxAttempts.
const defaultGotoMaxAttempts = 1

// dispatchPolicies fires every enabled runtime policy whose trigger matches
// the event. Policies are evaluated in declaration order; a suspending or
// failing action stops the sweep.
func (r *runExecution) dispatchPolicies(ctx context.Context, trigger string, node *PlanNode, output map[string]interface{}) error {
	for i := range r.envelope.Policies.Runtime {
		policy := &r.envelope.Policies.Runtime[i]
		if !policy.IsEnabled() || policy.Trigger.Kind != trigger {
			continue
		}
		if node != nil && !policy.Trigger.Selector.Matches(node) {
			continue
		}
		if node == nil && policy.Trigger.Selector != nil &&
			(policy.Trigger.Selector.NodeID != "" || policy.Trigger.Selector.CapabilityID != "") {
			continue
		}

		if cond := policy.Trigger.Condition; cond != nil && cond.JSONLogic != nil {
			outcome := condition.Evaluate(cond.JSONLogic, r.conditionData(node, output))
			if outcome.Error != "" {
				r.engine.logger.Warn("Policy condition evaluation failed", map[string]interface{}{
					"operation": "policy_dispatch",
					"run_id":    r.runID,
					"policy_id": policy.ID,
					"error":     outcome.Error,
				})
				continue
			}
			if !outcome.OK {
				continue
			}
		}

		r.emitter.emit(EventPolicyTriggered, nodeIDOf(node), map[string]interface{}{
			"policyId": policy.ID,
			"trigger":  trigger,
			"action":   policy.Action.Kind,
		})
		r.engine.logger.Info("Runtime policy triggered", map[string]interface{}{
			"operation": "policy_dispatch",
			"run_id":    r.runID,
			"policy_id": policy.ID,
			"trigger":   trigger,
			"action":    policy.Action.Kind,
		})
		if err := r.applyPolicyAction(ctx, policy, &policy.Action, node); err != nil {
			return err
		}
	}
	return nil
}

// applyPolicyAction dispatches one policy action. Suspensions, failures,
// and exhausted attempt budgets return typed errors.
func (r *runExecution) applyPolicyAction(ctx context.Context, policy *RuntimePolicy, action *PolicyAction, node *PlanNode) error {
	switch action.Kind {
	case ActionReplan:
		return &ReplanRequestedError{Trigger: "policy:" + policy.ID, State: r.captureState()}

	case ActionGoto:
		return r.applyGoto(policy, action, node)

	case ActionHitl:
		return r.applyHitl(ctx, policy, action, node)

	case ActionPause:
		if err := r.checkpoint(ctx, "pause"); err != nil {
			return err
		}
		r.emitter.emit(EventPolicyUpdate, nodeIDOf(node), map[string]interface{}{
			"policyId": policy.ID,
			"action":   ActionPause,
			"reason":   action.Reason,
		})
		return &RunPausedError{RunID: r.runID, Reason: action.Reason}

	case ActionEmit:
		eventName := action.Event
		if eventName == "" {
			eventName = EventPolicyUpdate
		}
		payload := map[string]interface{}{"policyId": policy.ID}
		for k, v := range action.Payload {
			payload[k] = v
		}
		r.emitter.emit(eventName, nodeIDOf(node), payload)
		return nil

	case ActionFail:
		message := action.Message
		if message == "" {
			message = "failed by runtime policy"
		}
		return &RuntimePolicyFailureError{PolicyID: policy.ID, Message: message}

	default:
		r.engine.logger.Warn("Unknown policy action kind", map[string]interface{}{
			"operation": "policy_dispatch",
			"run_id":    r.runID,
			"policy_id": policy.ID,
			"kind":      action.Kind,
		})
		return nil
	}
}

// postConditionPolicy returns the first enabled onPostConditionFailed
// policy whose selector matches the node. Its trigger.maxRetries, when
// set, overrides the engine-level retry bound.
func (r *runExecution) postConditionPolicy(node *PlanNode) *RuntimePolicy {
	for i := range r.envelope.Policies.Runtime {
		policy := &r.envelope.Policies.Runtime[i]
		if !policy.IsEnabled() || policy.Trigger.Kind != TriggerOnPostConditionFailed {
			continue
		}
		if !policy.Trigger.Selector.Matches(node) {
			continue
		}
		return policy
	}
	return nil
}

// applyGoto rewinds the scheduler to the target node. Unknown targets no-op
// with a log line; an exhausted attempt budget fails the run.
func (r *runExecution) applyGoto(policy *RuntimePolicy, action *PolicyAction, node *PlanNode) error {
	if _, ok := r.plan.Node(action.Next); !ok {
		r.engine.logger.Warn("Goto target is not a plan node", map[string]interface{}{
			"operation": "runtime_policy_goto_missing_node",
			"run_id":    r.runID,
			"policy_id": policy.ID,
			"next":      action.Next,
		})
		return nil
	}

	maxAttempts := action.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultGotoMaxAttempts
	}
	if r.policyAttempts[policy.ID] >= maxAttempts {
		r.engine.logger.Warn("Goto attempt budget exhausted", map[string]interface{}{
			"operation":    "policy_dispatch",
			"run_id":       r.runID,
			"policy_id":    policy.ID,
			"next":         action.Next,
			"max_attempts": maxAttempts,
		})
		return &RuntimePolicyFailureError{
			PolicyID: policy.ID,
			Message:  fmt.Sprintf("goto %s attempt budget exhausted (%d)", action.Next, maxAttempts),
		}
	}
	r.policyAttempts[policy.ID]++

	r.sched.ResetFromNode(action.Next)
	// Node outputs below the target are stale once the subtree re-runs.
	completed := map[string]bool{}
	for _, id := range r.sched.CompletedNodeIDs() {
		completed[id] = true
	}
	for id := range r.nodeOutputs {
		if !completed[id] {
			delete(r.nodeOutputs, id)
		}
	}

	r.emitter.emit(EventPolicyUpdate, nodeIDOf(node), map[string]interface{}{
		"policyId": policy.ID,
		"action":   ActionGoto,
		"next":     action.Next,
		"attempt":  r.policyAttempts[policy.ID],
	})
	return nil
}

// applyHitl raises an operator request and suspends the run. A denial from
// the per-run cap dispatches the reject action immediately, or fails the
// run when none is configured.
func (r *runExecution) applyHitl(ctx context.Context, policy *RuntimePolicy, action *PolicyAction, node *PlanNode) error {
	if r.engine.hitl == nil {
		return &RuntimePolicyFailureError{PolicyID: policy.ID, Message: "hitl action configured but no hitl service is wired"}
	}

	request := &HitlRequest{
		RunID:     r.runID,
		PolicyID:  policy.ID,
		Rationale: action.Rationale,
	}
	var denied error
	result, err := r.engine.hitl.RaiseRequest(ctx, request, RaiseOptions{
		PendingNodeID:  nodeIDOf(node),
		OperatorPrompt: action.Rationale,
		OnRequest: func(req *HitlRequest) {
			r.emitter.emit(EventHitlRequest, req.NodeID, map[string]interface{}{
				"requestId": req.RequestID,
				"policyId":  policy.ID,
				"rationale": req.Rationale,
			})
		},
		OnDenied: func(reason string) {
			if action.RejectAction != nil {
				denied = r.applyPolicyAction(ctx, policy, action.RejectAction, node)
				return
			}
			denied = &RuntimePolicyFailureError{PolicyID: policy.ID, Message: "hitl request denied: " + reason}
		},
	})
	if err != nil {
		return err
	}
	if result.Status == HitlStatusDenied {
		return denied
	}

	r.pendingPolicyActions = append(r.pendingPolicyActions, PendingPolicyAction{
		PolicyID:      policy.ID,
		NodeID:        nodeIDOf(node),
		RequestID:     result.Request.RequestID,
		ApproveAction: action.ApproveAction,
		RejectAction:  action.RejectAction,
	})
	if result.Request.OperatorPrompt != "" {
		capabilityID := ""
		if node != nil {
			capabilityID = node.CapabilityID
		}
		r.rc.RecordClarificationQuestion(nodeIDOf(node), capabilityID, result.Request.RequestID, result.Request.OperatorPrompt)
	}
	if err := r.checkpoint(ctx, "hitl"); err != nil {
		return err
	}
	return &HitlPauseError{RunID: r.runID, RequestID: result.Request.RequestID, NodeID: nodeIDOf(node)}
}

// resolvePendingPolicyActions is the resume half of the hitl action: each
// pending request with a recorded decision dispatches its approve or reject
// action, explicit operator actions taking precedence.
func (r *runExecution) resolvePendingPolicyActions(ctx context.Context) error {
	if len(r.pendingPolicyActions) == 0 || r.engine.hitl == nil {
		return nil
	}
	state, err := r.engine.hitl.LoadRunState(ctx, r.runID)
	if err != nil {
		return err
	}

	var remaining []PendingPolicyAction
	for _, pending := range r.pendingPolicyActions {
		decision := ResolveHitlDecision(state, pending.RequestID)
		if decision == nil {
			remaining = append(remaining, pending)
			continue
		}

		policy := r.policyByID(pending.PolicyID)
		if policy == nil {
			policy = &RuntimePolicy{ID: pending.PolicyID}
		}
		var node *PlanNode
		if pending.NodeID != "" {
			node, _ = r.plan.Node(pending.NodeID)
		}

		r.emitter.emit(EventPolicyUpdate, pending.NodeID, map[string]interface{}{
			"policyId":  pending.PolicyID,
			"requestId": pending.RequestID,
			"decision":  decision.Kind,
		})
		answer := decision.Response.Answer
		if answer == "" {
			answer = decision.Response.Note
		}
		if answer == "" {
			answer = decision.Kind
		}
		r.rc.RecordClarificationAnswer(pending.RequestID, answer)

		action := ParseHitlDecisionAction(decision.Response)
		if action == nil {
			if decision.Kind == "approve" {
				action = pending.ApproveAction
			} else {
				action = pending.RejectAction
			}
		}
		if action == nil {
			if decision.Kind == "reject" {
				return &RuntimePolicyFailureError{
					PolicyID: pending.PolicyID,
					Message:  "operator rejected with no reject action configured",
				}
			}
			continue
		}
		if err := r.applyPolicyAction(ctx, policy, action, node); err != nil {
			return err
		}
	}
	r.pendingPolicyActions = remaining
	return nil
}

func (r *runExecution) policyByID(id string) *RuntimePolicy {
	for i := range r.envelope.Policies.Runtime {
		if r.envelope.Policies.Runtime[i].ID == id {
			return &r.envelope.Policies.Runtime[i]
		}
	}
	return nil
}

func nodeIDOf(node *PlanNode) string {
	if node == nil {
		return ""
	}
	return node.ID
}
