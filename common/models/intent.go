package models

import (
	"encoding/json"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/patch"
)

// IntentKind tags a mutation intent parsed from agent output. The set is
// closed; anything else is a protocol violation.
type IntentKind string

const (
	// IntentPlan replaces the agent's task plan. Always pauses for review.
	IntentPlan IntentKind = "plan"

	// IntentPatch carries explicit set/remove operations.
	IntentPatch IntentKind = "patch"

	// IntentWorldInfo carries the entire desired world-info sub-document;
	// the executor diffs it against the current state by entry id and
	// synthesizes patch operations. The agent never hand-writes structural
	// patches for this artifact.
	IntentWorldInfo IntentKind = "world_info"
)

// Intent is one mutation intent from the agent's action block: a closed
// variant with exactly one populated case per kind.
type Intent struct {
	Kind IntentKind

	// IntentPlan: the full vibePlan value.
	Plan json.RawMessage

	// IntentPatch: wire operations, validated by the patch engine.
	Ops []patch.RawOp

	// IntentWorldInfo: the desired worldInfo sub-document.
	WorldInfo map[string]any
}

type intentWire struct {
	Kind      IntentKind      `json:"kind"`
	Plan      json.RawMessage `json:"plan,omitempty"`
	Ops       []patch.RawOp   `json:"ops,omitempty"`
	WorldInfo map[string]any  `json:"worldInfo,omitempty"`
}

// UnmarshalJSON enforces the closed kind set and the per-kind payload at the
// protocol boundary.
func (in *Intent) UnmarshalJSON(data []byte) error {
	var w intentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return apperr.Validation("malformed intent: %v", err).WithDetail("reason", "malformed_output")
	}

	switch w.Kind {
	case IntentPlan:
		if len(w.Plan) == 0 {
			return apperr.Validation("plan intent requires a plan value").WithDetail("reason", "malformed_output")
		}
		*in = Intent{Kind: IntentPlan, Plan: w.Plan}
	case IntentPatch:
		if len(w.Ops) == 0 {
			return apperr.Validation("patch intent requires ops").WithDetail("reason", "malformed_output")
		}
		*in = Intent{Kind: IntentPatch, Ops: w.Ops}
	case IntentWorldInfo:
		if w.WorldInfo == nil {
			return apperr.Validation("world_info intent requires a worldInfo value").WithDetail("reason", "malformed_output")
		}
		*in = Intent{Kind: IntentWorldInfo, WorldInfo: w.WorldInfo}
	default:
		return apperr.Validation("intent kind %q is not allowed", w.Kind).
			WithDetail("reason", "disallowed_kind").
			WithDetail("kind", string(w.Kind))
	}
	return nil
}

// Plan task states recorded under raw.dataExtensions.vibePlan.
const (
	TaskPending = "pending"
	TaskDone    = "done"
)

// PlanProgress reads the task plan out of a snapshot and reports completed
// versus total tasks. A missing or malformed plan counts as zero tasks.
func PlanProgress(snapshot Snapshot) (done, total int) {
	raw, _ := snapshot["raw"].(map[string]any)
	ext, _ := raw["dataExtensions"].(map[string]any)
	plan, _ := ext["vibePlan"].(map[string]any)
	tasks, _ := plan["tasks"].([]any)
	for _, t := range tasks {
		task, ok := t.(map[string]any)
		if !ok {
			continue
		}
		total++
		if status, _ := task["status"].(string); status == TaskDone {
			done++
		}
	}
	return done, total
}

// PlanComplete reports whether the plan exists and every task is done.
func PlanComplete(snapshot Snapshot) bool {
	done, total := PlanProgress(snapshot)
	return total > 0 && done == total
}
