package orchestration

import (
	"context"

	"github.com/flexhq/flex/condition"
	"github.com/flexhq/flex/facet"
)

// SnapshotSave carries everything SavePlanSnapshot persists atomically with
// the run-row update.
type SnapshotSave struct {
	Nodes        []*NodeSnapshot
	Edges        []Edge
	PlanMetadata map[string]interface{}
	Facets       *ContextSnapshot
	SchemaHash   string
	PendingState *PendingState
}

// ResultSave carries everything RecordResult persists in one transaction.
type ResultSave struct {
	Status               string
	PlanVersion          int
	SchemaHash           string
	Facets               *ContextSnapshot
	Provenance           []facet.ProvenanceEntry
	GoalConditionResults []condition.GoalConditionResult
	PostConditionResults []condition.GoalConditionResult
	Snapshot             *SnapshotSave
}

// NodeUpdate is a partial plan-node state write.
type NodeUpdate struct {
	Status               string
	Output               interface{}
	Error                string
	PostConditionResults []condition.GoalConditionResult
	Started              bool
	Completed            bool
}

// TaskFilter narrows ListPendingHumanTasks.
type TaskFilter struct {
	AssignedTo string
	Role       string
	Status     string
}

// RunStore is the persistence contract the engine requires. SavePlanSnapshot
// and RecordResult must be transactional: the run row and snapshot rows
// change together or not at all, and both are idempotent upserts keyed by
// (runId, planVersion) and runId respectively.
type RunStore interface {
	CreateOrUpdateRun(ctx context.Context, record *RunRecord) error
	UpdateStatus(ctx context.Context, runID, status string) error

	SavePlanSnapshot(ctx context.Context, runID string, planVersion int, save *SnapshotSave) error
	MarkNode(ctx context.Context, runID, nodeID string, update *NodeUpdate) error
	RecordResult(ctx context.Context, runID string, output interface{}, save *ResultSave) error

	LoadFlexRun(ctx context.Context, runID string) (*RunRecord, error)
	FindFlexRunByThreadID(ctx context.Context, threadID string) (*RunRecord, error)
	LoadPlanSnapshot(ctx context.Context, runID string, planVersion int) (*PlanSnapshot, error)
	LoadRunOutput(ctx context.Context, runID string) (*RunOutput, error)

	UpsertHumanTask(ctx context.Context, task *HumanTask) error
	ResolveHumanTask(ctx context.Context, runID, nodeID, status string) error
	ListPendingHumanTasks(ctx context.Context, filter TaskFilter) ([]*HumanTask, error)
	RecordResumeAudit(ctx context.Context, run *RunRecord, audit *ResumeAudit) error
}
