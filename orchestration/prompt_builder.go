package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flexhq/flex/registry"
)

// Prompt composition limits. Sibling outputs and feedback are summaries for
// the model, not archives; they are capped before inclusion.
const (
	maxSiblingOutputs   = 5
	maxFeedbackEntries  = 10
	maxInlineValueBytes = 2048
)

// buildPlannerPrompt renders the planning request: objective, capability
// rows from CRCS, policies, prior graph context, and the draft schema the
// model must produce.
func buildPlannerPrompt(envelope *TaskEnvelope, crcs *registry.CRCSSnapshot, graphContext *GraphContext) string {
	var b strings.Builder

	b.WriteString("You are a workflow planner. Produce an execution plan as JSON for the objective below.\n\n")
	b.WriteString("OBJECTIVE:\n")
	b.WriteString(envelope.Objective)
	b.WriteString("\n\nAVAILABLE CAPABILITIES (use only these ids):\n")
	for _, row := range crcs.Rows {
		fmt.Fprintf(&b, "- id=%s name=%q kind=%s inputs=[%s] outputs=[%s] reasons=[%s]\n",
			row.CapabilityID, row.DisplayName, row.Kind,
			strings.Join(row.InputFacets, ","), strings.Join(row.OutputFacets, ","),
			strings.Join(row.ReasonCodes, ","))
	}

	if len(envelope.Inputs) > 0 {
		b.WriteString("\nPROVIDED INPUT FACETS:\n")
		for name := range envelope.Inputs {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}

	if envelope.OutputContract != nil {
		fmt.Fprintf(&b, "\nREQUIRED OUTPUT FACETS: %s\n", strings.Join(envelope.OutputContract.DeclaredFacets(), ", "))
	}

	if sel := selectionPolicy(envelope); sel != nil {
		if len(sel.Require) > 0 {
			fmt.Fprintf(&b, "\nREQUIRED CAPABILITIES (must appear in the plan): %s\n", strings.Join(sel.Require, ", "))
		}
		if len(sel.Avoid) > 0 {
			fmt.Fprintf(&b, "AVOID THESE CAPABILITIES unless nothing else serves: %s\n", strings.Join(sel.Avoid, ", "))
		}
		if len(sel.Forbid) > 0 {
			fmt.Fprintf(&b, "NEVER USE THESE CAPABILITIES: %s\n", strings.Join(sel.Forbid, ", "))
		}
	}

	if len(envelope.GoalConditions) > 0 {
		b.WriteString("\nGOAL CONDITIONS (the finished run must satisfy these):\n")
		for _, gc := range envelope.GoalConditions {
			dsl := gc.DSL
			if dsl == "" && gc.Condition != nil {
				dsl = gc.Condition.CanonicalDSL
			}
			fmt.Fprintf(&b, "- facet=%s: %s\n", gc.Facet, dsl)
		}
	}

	if graphContext != nil && len(graphContext.CompletedNodes) > 0 {
		b.WriteString("\nALREADY COMPLETED (this is a replan; do not redo these):\n")
		for _, done := range graphContext.CompletedNodes {
			fmt.Fprintf(&b, "- node=%s capability=%s outputs=[%s]\n",
				done.NodeID, done.CapabilityID, strings.Join(done.OutputFacets, ","))
		}
		if len(graphContext.GoalConditionFailures) > 0 {
			b.WriteString("\nPREVIOUS ATTEMPT FAILED THESE GOAL CONDITIONS:\n")
			for _, failure := range graphContext.GoalConditionFailures {
				fmt.Fprintf(&b, "- facet=%s observed=%s\n", failure.Facet, compactJSON(failure.ObservedValue))
			}
		}
	}

	if envelope.SpecialInstructions != "" {
		b.WriteString("\nSPECIAL INSTRUCTIONS:\n")
		b.WriteString(envelope.SpecialInstructions)
		b.WriteString("\n")
	}

	b.WriteString(`
Respond with ONLY a JSON object of this shape:
{
  "nodes": [
    {
      "id": "unique-node-id",
      "kind": "execution" | "routing" | "validation" | "virtual",
      "capabilityId": "one of the capability ids above (execution nodes)",
      "label": "short human label",
      "inputFacets": ["facets the node consumes"],
      "outputFacets": ["facets the node produces"],
      "instructions": "node-specific guidance (optional)",
      "rationale": ["why this node is here"],
      "routing": {
        "routes": [{"to": "node-id", "condition": {"dsl": "facet.path == \"value\""}}],
        "elseTo": "node-id"
      }
    }
  ],
  "edges": [{"from": "node-id", "to": "node-id"}]
}

Rules:
- Use only listed capability ids; every required input facet of a node must be
  an envelope input or an output of an earlier node.
- Omit "edges" for a purely sequential plan.
- "routing" only on routing nodes; conditions use the facet DSL.
`)
	return b.String()
}

// buildNodePrompt composes the dispatch prompt for an AI execution node:
// instructions, objective, merged inputs, sibling outputs, feedback,
// clarifications, and the output contract.
func buildNodePrompt(in nodePromptInput) string {
	var b strings.Builder

	if in.CapabilityInstructions != "" {
		b.WriteString(in.CapabilityInstructions)
		b.WriteString("\n\n")
	}
	if in.Node.Bundle.Instructions != "" {
		b.WriteString("PLANNER INSTRUCTIONS:\n")
		b.WriteString(in.Node.Bundle.Instructions)
		b.WriteString("\n\n")
	}

	b.WriteString("OBJECTIVE:\n")
	b.WriteString(in.Objective)
	b.WriteString("\n\n")

	if len(in.Inputs) > 0 {
		b.WriteString("INPUTS:\n")
		b.WriteString(compactJSON(in.Inputs))
		b.WriteString("\n\n")
	}

	if in.PlannerStage != "" {
		fmt.Fprintf(&b, "PLAN STAGE: %s\n\n", in.PlannerStage)
	}

	if len(in.SiblingOutputs) > 0 {
		b.WriteString("COMPLETED STEP OUTPUTS:\n")
		count := 0
		for nodeID, output := range in.SiblingOutputs {
			if count >= maxSiblingOutputs {
				break
			}
			fmt.Fprintf(&b, "- %s: %s\n", nodeID, compactJSON(output))
			count++
		}
		b.WriteString("\n")
	}

	if len(in.Feedback) > 0 {
		b.WriteString("RELEVANT FEEDBACK (address unresolved items first):\n")
		for i, entry := range in.Feedback {
			if i >= maxFeedbackEntries {
				break
			}
			fmt.Fprintf(&b, "- %s\n", compactJSON(entry))
		}
		b.WriteString("\n")
	}

	if len(in.Clarifications) > 0 {
		b.WriteString("CLARIFICATIONS FROM OPERATORS:\n")
		for _, c := range in.Clarifications {
			fmt.Fprintf(&b, "- Q: %s", c.Question)
			if c.Answer != "" {
				fmt.Fprintf(&b, " A: %s", c.Answer)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(in.Node.Rationale) > 0 {
		b.WriteString("WHY THIS STEP EXISTS:\n")
		for _, r := range in.Node.Rationale {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if in.RetryContext != "" {
		b.WriteString("PREVIOUS ATTEMPT REJECTED:\n")
		b.WriteString(in.RetryContext)
		b.WriteString("\n\n")
	}

	if in.SpecialInstructions != "" {
		b.WriteString("SPECIAL INSTRUCTIONS:\n")
		b.WriteString(in.SpecialInstructions)
		b.WriteString("\n\n")
	}

	if in.Node.Contracts.Output != nil {
		b.WriteString("Respond with ONLY a JSON object conforming to this schema:\n")
		b.WriteString(compactJSON(in.Node.Contracts.Output.Schema))
		b.WriteString("\n")
	}
	return b.String()
}

type nodePromptInput struct {
	Node                   *PlanNode
	Objective              string
	CapabilityInstructions string
	Inputs                 map[string]interface{}
	PlannerStage           string
	SiblingOutputs         map[string]interface{}
	Feedback               []interface{}
	Clarifications         []Clarification
	RetryContext           string
	SpecialInstructions    string
}

func selectionPolicy(envelope *TaskEnvelope) *SelectionPolicy {
	if envelope.Policies.Planner == nil {
		return nil
	}
	return envelope.Policies.Planner.Selection
}

// compactJSON renders a value as single-line JSON, truncated at the inline
// cap so one oversized facet cannot blow up a prompt.
func compactJSON(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	if len(data) > maxInlineValueBytes {
		return string(data[:maxInlineValueBytes]) + "…(truncated)"
	}
	return string(data)
}
