package condition

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// Outcome is the result of evaluating a compiled rule. OK reports whether
// evaluation succeeded and produced a truthy result; Error carries
// evaluator failures (missing facets are not failures, they resolve null).
type Outcome struct {
	OK                bool                   `json:"ok"`
	Result            interface{}            `json:"result"`
	ResolvedVariables map[string]interface{} `json:"resolvedVariables,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// GoalCondition asserts a facet state that must hold when a run completes.
type GoalCondition struct {
	Facet     string    `json:"facet"`
	Path      string    `json:"path,omitempty"`
	Condition *Compiled `json:"condition"`
}

// GoalConditionResult reports one goal condition evaluation.
type GoalConditionResult struct {
	Facet         string      `json:"facet"`
	Path          string      `json:"path,omitempty"`
	Satisfied     bool        `json:"satisfied"`
	ObservedValue interface{} `json:"observedValue,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Evaluate applies a JSON-Logic rule to the evaluation context. The context
// is the engine-built document {run, node?, output?, metadata:
// {runContextSnapshot}}; variables referencing absent facets resolve to
// null rather than erroring.
func Evaluate(rule map[string]interface{}, data map[string]interface{}) Outcome {
	if rule == nil {
		return Outcome{Error: "condition has no compiled rule"}
	}
	data = normalizeDocument(data)

	resolved := map[string]interface{}{}
	collectVars(rule, data, resolved)

	result, err := jsonlogic.ApplyInterface(rule, data)
	if err != nil {
		return Outcome{ResolvedVariables: resolved, Error: err.Error()}
	}

	return Outcome{
		OK:                Truthy(result),
		Result:            result,
		ResolvedVariables: resolved,
	}
}

// EvaluateGoalConditions checks every goal condition against a run-context
// snapshot ({facets, hitlClarifications}). Results preserve input order.
func EvaluateGoalConditions(conditions []GoalCondition, snapshot interface{}) []GoalConditionResult {
	if len(conditions) == 0 {
		return nil
	}

	doc := normalizeValue(snapshot)
	data := map[string]interface{}{
		"metadata": map[string]interface{}{"runContextSnapshot": doc},
	}

	results := make([]GoalConditionResult, 0, len(conditions))
	for _, cond := range conditions {
		result := GoalConditionResult{Facet: cond.Facet, Path: cond.Path}

		observedPath := []string{"facets", cond.Facet, "value"}
		if cond.Path != "" {
			observedPath = append(observedPath, strings.Split(cond.Path, ".")...)
		}
		if observed, ok := LookupPath(doc, observedPath...); ok {
			result.ObservedValue = observed
		}

		if cond.Condition == nil || cond.Condition.JSONLogic == nil {
			result.Error = "goal condition has no compiled rule"
			results = append(results, result)
			continue
		}

		outcome := Evaluate(cond.Condition.JSONLogic, data)
		result.Satisfied = outcome.OK && outcome.Error == ""
		result.Error = outcome.Error
		results = append(results, result)
	}
	return results
}

// LookupPath walks a decoded JSON document by map keys and array indexes.
func LookupPath(root interface{}, segments ...string) (interface{}, bool) {
	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Truthy implements JSON-Logic truthiness: null, false, zero, empty string
// and empty array are falsy; objects are always truthy.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

// normalizeDocument coerces an evaluation context into decoded-JSON form.
// Callers hand the engine's typed snapshot structs straight in; the
// JSON-Logic evaluator and LookupPath only traverse maps and slices.
func normalizeDocument(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return map[string]interface{}{}
	}
	normalized, ok := normalizeValue(data).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return normalized
}

func normalizeValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return v
	}
	return decoded
}

func collectVars(rule interface{}, data map[string]interface{}, resolved map[string]interface{}) {
	switch node := rule.(type) {
	case map[string]interface{}:
		for key, value := range node {
			if key == "var" {
				if path, ok := value.(string); ok {
					v, _ := LookupPath(data, strings.Split(path, ".")...)
					resolved[path] = v
					continue
				}
			}
			collectVars(value, data, resolved)
		}
	case []interface{}:
		for _, elem := range node {
			collectVars(elem, data, resolved)
		}
	}
}
