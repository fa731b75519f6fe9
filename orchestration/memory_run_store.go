package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flexhq/flex/core"
)

// MemoryRunStore is the in-process RunStore used by tests and single-node
// deployments. All reads and writes deep-copy through JSON so callers never
// alias store state.
type MemoryRunStore struct {
	mu        sync.RWMutex
	runs      map[string]*RunRecord
	byThread  map[string]string // threadId → latest runId
	nodes     map[string]map[string]*NodeSnapshot
	snapshots map[string]map[int]*PlanSnapshot
	outputs   map[string]*RunOutput
	tasks     map[string]*HumanTask // runId/nodeId
	audits    map[string][]*ResumeAudit
	now       func() time.Time
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:      map[string]*RunRecord{},
		byThread:  map[string]string{},
		nodes:     map[string]map[string]*NodeSnapshot{},
		snapshots: map[string]map[int]*PlanSnapshot{},
		outputs:   map[string]*RunOutput{},
		tasks:     map[string]*HumanTask{},
		audits:    map[string][]*ResumeAudit{},
		now:       time.Now,
	}
}

func (s *MemoryRunStore) CreateOrUpdateRun(ctx context.Context, record *RunRecord) error {
	if record == nil || record.RunID == "" {
		return fmt.Errorf("run record requires a runId: %w", core.ErrInvalidInput)
	}
	copied := deepCopy(record)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[record.RunID]; ok {
		copied.CreatedAt = existing.CreatedAt
	} else if copied.CreatedAt.IsZero() {
		copied.CreatedAt = s.now()
	}
	copied.UpdatedAt = s.now()
	s.runs[record.RunID] = copied
	if copied.ThreadID != "" {
		s.byThread[copied.ThreadID] = copied.RunID
	}
	return nil
}

func (s *MemoryRunStore) UpdateStatus(ctx context.Context, runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	record.Status = status
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryRunStore) SavePlanSnapshot(ctx context.Context, runID string, planVersion int, save *SnapshotSave) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}

	snapshot := &PlanSnapshot{
		RunID:         runID,
		PlanVersion:   planVersion,
		Nodes:         save.Nodes,
		Edges:         save.Edges,
		PlanMetadata:  save.PlanMetadata,
		FacetSnapshot: save.Facets,
		SchemaHash:    save.SchemaHash,
		PendingState:  save.PendingState,
		SavedAt:       s.now(),
	}
	copied := deepCopy(snapshot)

	if s.snapshots[runID] == nil {
		s.snapshots[runID] = map[int]*PlanSnapshot{}
	}
	s.snapshots[runID][planVersion] = copied

	// Node rows not referenced by the snapshot are dropped; the snapshot is
	// the authority on plan shape.
	rows := map[string]*NodeSnapshot{}
	for _, node := range copied.Nodes {
		rows[node.Node.ID] = node
	}
	s.nodes[runID] = rows

	record.PlanVersion = planVersion
	record.ContextSnapshot = copied.FacetSnapshot
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryRunStore) MarkNode(ctx context.Context, runID, nodeID string, update *NodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.nodes[runID]
	if !ok {
		rows = map[string]*NodeSnapshot{}
		s.nodes[runID] = rows
	}
	row, ok := rows[nodeID]
	if !ok {
		row = &NodeSnapshot{Node: &PlanNode{ID: nodeID}}
		rows[nodeID] = row
	}
	applyNodeUpdate(row, update, s.now())
	return nil
}

func (s *MemoryRunStore) RecordResult(ctx context.Context, runID string, output interface{}, save *ResultSave) error {
	s.mu.Lock()
	record, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}

	if save.Snapshot != nil {
		if err := s.SavePlanSnapshot(ctx, runID, save.PlanVersion, save.Snapshot); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record.Status = save.Status
	record.Result = deepCopyValue(output)
	record.PlanVersion = save.PlanVersion
	if save.Facets != nil {
		record.ContextSnapshot = deepCopy(save.Facets)
	}
	record.UpdatedAt = s.now()

	s.outputs[runID] = deepCopy(&RunOutput{
		RunID:                runID,
		PlanVersion:          save.PlanVersion,
		SchemaHash:           save.SchemaHash,
		Status:               save.Status,
		Output:               output,
		FacetSnapshot:        save.Facets,
		Provenance:           save.Provenance,
		GoalConditionResults: save.GoalConditionResults,
		PostConditionResults: save.PostConditionResults,
	})
	return nil
}

func (s *MemoryRunStore) LoadFlexRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	return deepCopy(record), nil
}

func (s *MemoryRunStore) FindFlexRunByThreadID(ctx context.Context, threadID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runID, ok := s.byThread[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, core.ErrRunNotFound)
	}
	return deepCopy(s.runs[runID]), nil
}

func (s *MemoryRunStore) LoadPlanSnapshot(ctx context.Context, runID string, planVersion int) (*PlanSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.snapshots[runID]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrPlanNotFound)
	}
	if planVersion == 0 {
		for v := range versions {
			if v > planVersion {
				planVersion = v
			}
		}
	}
	snapshot, ok := versions[planVersion]
	if !ok {
		return nil, fmt.Errorf("run %s version %d: %w", runID, planVersion, core.ErrPlanNotFound)
	}
	return deepCopy(snapshot), nil
}

func (s *MemoryRunStore) LoadRunOutput(ctx context.Context, runID string) (*RunOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	output, ok := s.outputs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s output: %w", runID, core.ErrRunNotFound)
	}
	return deepCopy(output), nil
}

// UpsertHumanTask records or replaces a pending human task.
func (s *MemoryRunStore) UpsertHumanTask(ctx context.Context, task *HumanTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.RunID+"/"+task.NodeID] = deepCopy(task)
	return nil
}

// ResolveHumanTask removes a task once the run resumed or declined.
func (s *MemoryRunStore) ResolveHumanTask(ctx context.Context, runID, nodeID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runID + "/" + nodeID
	task, ok := s.tasks[key]
	if !ok {
		return fmt.Errorf("task %s: %w", key, core.ErrTaskNotFound)
	}
	task.Status = status
	if status != StatusPending {
		delete(s.tasks, key)
	}
	return nil
}

func (s *MemoryRunStore) ListPendingHumanTasks(ctx context.Context, filter TaskFilter) ([]*HumanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*HumanTask
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Role != "" && (task.Assignment == nil || task.Assignment.Role != filter.Role) {
			continue
		}
		if filter.AssignedTo != "" && (task.Assignment == nil || task.Assignment.AssignedTo != filter.AssignedTo) {
			continue
		}
		out = append(out, deepCopy(task))
	}
	return out, nil
}

func (s *MemoryRunStore) RecordResumeAudit(ctx context.Context, run *RunRecord, audit *ResumeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := deepCopy(audit)
	if copied.RecordedAt.IsZero() {
		copied.RecordedAt = s.now()
	}
	copied.RunID = run.RunID
	s.audits[run.RunID] = append(s.audits[run.RunID], copied)
	return nil
}

// ResumeAudits returns the recorded audits for a run (tests).
func (s *MemoryRunStore) ResumeAudits(runID string) []*ResumeAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ResumeAudit(nil), s.audits[runID]...)
}

func applyNodeUpdate(row *NodeSnapshot, update *NodeUpdate, now time.Time) {
	if update == nil {
		return
	}
	if update.Status != "" {
		row.Status = update.Status
	}
	if update.Output != nil {
		row.Output = deepCopyValue(update.Output)
	}
	if update.Error != "" {
		row.Error = update.Error
	}
	if update.PostConditionResults != nil {
		row.PostConditionResults = update.PostConditionResults
	}
	if update.Started {
		started := now
		row.StartedAt = &started
	}
	if update.Completed {
		completed := now
		row.CompletedAt = &completed
	}
}

func deepCopy[T any](value *T) *T {
	if value == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("store value not serializable: %v", err))
	}
	copied := new(T)
	if err := json.Unmarshal(data, copied); err != nil {
		panic(fmt.Sprintf("store value not restorable: %v", err))
	}
	return copied
}

func deepCopyValue(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var copied interface{}
	if err := json.Unmarshal(data, &copied); err != nil {
		return value
	}
	return copied
}
