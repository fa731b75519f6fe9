package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flexhq/flex/core"
)

// RedisRunStore persists run state in Redis. Keyspace:
//
//	{ns}:run:{runId}                 → RunRecord JSON
//	{ns}:run:thread:{threadId}       → runId
//	{ns}:run:{runId}:node:{nodeId}   → NodeSnapshot JSON
//	{ns}:run:{runId}:nodes           → set of nodeIds
//	{ns}:run:{runId}:plan:{version}  → PlanSnapshot JSON
//	{ns}:run:{runId}:planversions    → zset of versions
//	{ns}:run:{runId}:output          → RunOutput JSON
//	{ns}:run:{runId}:audits          → list of ResumeAudit JSON
//	{ns}:tasks:{runId}/{nodeId}      → HumanTask JSON
//	{ns}:tasks:pending               → set of runId/nodeId
//
// SavePlanSnapshot and RecordResult write through TxPipeline so the run row
// and the snapshot rows commit together; both are plain upserts, so a retry
// after a half-observed failure converges.
type RedisRunStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
	now       func() time.Time
}

// NewRedisRunStore wraps an existing client.
func NewRedisRunStore(client *redis.Client, namespace string, logger core.Logger) *RedisRunStore {
	if namespace == "" {
		namespace = "flex"
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("flex/run-store")
	}
	return &RedisRunStore{client: client, namespace: namespace, logger: logger, now: time.Now}
}

func (s *RedisRunStore) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.namespace, runID)
}

func (s *RedisRunStore) threadKey(threadID string) string {
	return fmt.Sprintf("%s:run:thread:%s", s.namespace, threadID)
}

func (s *RedisRunStore) nodeKey(runID, nodeID string) string {
	return fmt.Sprintf("%s:run:%s:node:%s", s.namespace, runID, nodeID)
}

func (s *RedisRunStore) nodeIndexKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:nodes", s.namespace, runID)
}

func (s *RedisRunStore) planKey(runID string, version int) string {
	return fmt.Sprintf("%s:run:%s:plan:%d", s.namespace, runID, version)
}

func (s *RedisRunStore) planVersionsKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:planversions", s.namespace, runID)
}

func (s *RedisRunStore) outputKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:output", s.namespace, runID)
}

func (s *RedisRunStore) auditKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:audits", s.namespace, runID)
}

func (s *RedisRunStore) taskKey(runID, nodeID string) string {
	return fmt.Sprintf("%s:tasks:%s/%s", s.namespace, runID, nodeID)
}

func (s *RedisRunStore) pendingTasksKey() string {
	return fmt.Sprintf("%s:tasks:pending", s.namespace)
}

func (s *RedisRunStore) CreateOrUpdateRun(ctx context.Context, record *RunRecord) error {
	if record == nil || record.RunID == "" {
		return fmt.Errorf("run record requires a runId: %w", core.ErrInvalidInput)
	}
	if existing, err := s.LoadFlexRun(ctx, record.RunID); err == nil {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	record.UpdatedAt = s.now()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", record.RunID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(record.RunID), data, 0)
	if record.ThreadID != "" {
		pipe.Set(ctx, s.threadKey(record.ThreadID), record.RunID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", record.RunID, err)
	}
	return nil
}

func (s *RedisRunStore) UpdateStatus(ctx context.Context, runID, status string) error {
	record, err := s.LoadFlexRun(ctx, runID)
	if err != nil {
		return err
	}
	record.Status = status
	return s.CreateOrUpdateRun(ctx, record)
}

func (s *RedisRunStore) SavePlanSnapshot(ctx context.Context, runID string, planVersion int, save *SnapshotSave) error {
	record, err := s.LoadFlexRun(ctx, runID)
	if err != nil {
		return err
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
	snapData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}

	record.PlanVersion = planVersion
	record.ContextSnapshot = save.Facets
	record.UpdatedAt = s.now()
	runData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", runID, err)
	}

	// Node rows absent from the snapshot are deleted so stale plan shapes
	// cannot survive a replan.
	existing, err := s.client.SMembers(ctx, s.nodeIndexKey(runID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read node index for %s: %w", runID, err)
	}
	keep := map[string]bool{}
	for _, node := range save.Nodes {
		keep[node.Node.ID] = true
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(runID), runData, 0)
	pipe.Set(ctx, s.planKey(runID, planVersion), snapData, 0)
	pipe.ZAdd(ctx, s.planVersionsKey(runID), &redis.Z{Score: float64(planVersion), Member: planVersion})
	for _, nodeID := range existing {
		if !keep[nodeID] {
			pipe.Del(ctx, s.nodeKey(runID, nodeID))
			pipe.SRem(ctx, s.nodeIndexKey(runID), nodeID)
		}
	}
	for _, node := range save.Nodes {
		nodeData, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", node.Node.ID, err)
		}
		pipe.Set(ctx, s.nodeKey(runID, node.Node.ID), nodeData, 0)
		pipe.SAdd(ctx, s.nodeIndexKey(runID), node.Node.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save plan snapshot for %s: %w", runID, err)
	}

	s.logger.Debug("Plan snapshot saved", map[string]interface{}{
		"operation":    "plan_snapshot_save",
		"run_id":       runID,
		"plan_version": planVersion,
		"node_count":   len(save.Nodes),
	})
	return nil
}

func (s *RedisRunStore) MarkNode(ctx context.Context, runID, nodeID string, update *NodeUpdate) error {
	row := &NodeSnapshot{Node: &PlanNode{ID: nodeID}}
	data, err := s.client.Get(ctx, s.nodeKey(runID, nodeID)).Result()
	if err == nil {
		if err := json.Unmarshal([]byte(data), row); err != nil {
			return fmt.Errorf("failed to decode node %s: %w", nodeID, err)
		}
	} else if err != redis.Nil {
		return fmt.Errorf("failed to load node %s: %w", nodeID, err)
	}

	applyNodeUpdate(row, update, s.now())

	updated, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal node %s: %w", nodeID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.nodeKey(runID, nodeID), updated, 0)
	pipe.SAdd(ctx, s.nodeIndexKey(runID), nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark node %s: %w", nodeID, err)
	}
	return nil
}

func (s *RedisRunStore) RecordResult(ctx context.Context, runID string, output interface{}, save *ResultSave) error {
	if save.Snapshot != nil {
		if err := s.SavePlanSnapshot(ctx, runID, save.PlanVersion, save.Snapshot); err != nil {
			return err
		}
	}
	record, err := s.LoadFlexRun(ctx, runID)
	if err != nil {
		return err
	}
	record.Status = save.Status
	record.Result = output
	record.PlanVersion = save.PlanVersion
	if save.Facets != nil {
		record.ContextSnapshot = save.Facets
	}
	record.UpdatedAt = s.now()
	runData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", runID, err)
	}

	outData, err := json.Marshal(&RunOutput{
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
	if err != nil {
		return fmt.Errorf("failed to marshal run output %s: %w", runID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(runID), runData, 0)
	pipe.Set(ctx, s.outputKey(runID), outData, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record result for %s: %w", runID, err)
	}
	return nil
}

func (s *RedisRunStore) LoadFlexRun(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var record RunRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &record, nil
}

func (s *RedisRunStore) FindFlexRunByThreadID(ctx context.Context, threadID string) (*RunRecord, error) {
	runID, err := s.client.Get(ctx, s.threadKey(threadID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread %s: %w", threadID, err)
	}
	return s.LoadFlexRun(ctx, runID)
}

func (s *RedisRunStore) LoadPlanSnapshot(ctx context.Context, runID string, planVersion int) (*PlanSnapshot, error) {
	if planVersion == 0 {
		versions, err := s.client.ZRevRange(ctx, s.planVersionsKey(runID), 0, 0).Result()
		if err != nil || len(versions) == 0 {
			return nil, fmt.Errorf("run %s: %w", runID, core.ErrPlanNotFound)
		}
		if _, err := fmt.Sscanf(versions[0], "%d", &planVersion); err != nil {
			return nil, fmt.Errorf("run %s has corrupt plan version index: %w", runID, err)
		}
	}

	data, err := s.client.Get(ctx, s.planKey(runID, planVersion)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s version %d: %w", runID, planVersion, core.ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan snapshot %s/%d: %w", runID, planVersion, err)
	}
	var snapshot PlanSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode plan snapshot %s/%d: %w", runID, planVersion, err)
	}
	return &snapshot, nil
}

func (s *RedisRunStore) LoadRunOutput(ctx context.Context, runID string) (*RunOutput, error) {
	data, err := s.client.Get(ctx, s.outputKey(runID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s output: %w", runID, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run output %s: %w", runID, err)
	}
	var output RunOutput
	if err := json.Unmarshal([]byte(data), &output); err != nil {
		return nil, fmt.Errorf("failed to decode run output %s: %w", runID, err)
	}
	return &output, nil
}

func (s *RedisRunStore) UpsertHumanTask(ctx context.Context, task *HumanTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal human task: %w", err)
	}
	member := task.RunID + "/" + task.NodeID
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.RunID, task.NodeID), data, 0)
	pipe.SAdd(ctx, s.pendingTasksKey(), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist human task %s: %w", member, err)
	}
	return nil
}

func (s *RedisRunStore) ResolveHumanTask(ctx context.Context, runID, nodeID, status string) error {
	key := s.taskKey(runID, nodeID)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("task %s/%s: %w", runID, nodeID, core.ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load human task: %w", err)
	}
	var task HumanTask
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return fmt.Errorf("failed to decode human task: %w", err)
	}
	task.Status = status

	pipe := s.client.TxPipeline()
	if status == StatusPending {
		updated, err := json.Marshal(&task)
		if err != nil {
			return fmt.Errorf("failed to marshal human task: %w", err)
		}
		pipe.Set(ctx, key, updated, 0)
	} else {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.pendingTasksKey(), runID+"/"+nodeID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to resolve human task: %w", err)
	}
	return nil
}

func (s *RedisRunStore) ListPendingHumanTasks(ctx context.Context, filter TaskFilter) ([]*HumanTask, error) {
	members, err := s.client.SMembers(ctx, s.pendingTasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	var out []*HumanTask
	for _, member := range members {
		data, err := s.client.Get(ctx, s.namespace+":tasks:"+member).Result()
		if err != nil {
			continue
		}
		var task HumanTask
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Role != "" && (task.Assignment == nil || task.Assignment.Role != filter.Role) {
			continue
		}
		if filter.AssignedTo != "" && (task.Assignment == nil || task.Assignment.AssignedTo != filter.AssignedTo) {
			continue
		}
		out = append(out, &task)
	}
	return out, nil
}

func (s *RedisRunStore) RecordResumeAudit(ctx context.Context, run *RunRecord, audit *ResumeAudit) error {
	if audit.RecordedAt.IsZero() {
		audit.RecordedAt = s.now()
	}
	audit.RunID = run.RunID
	data, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("failed to marshal resume audit: %w", err)
	}
	if err := s.client.RPush(ctx, s.auditKey(run.RunID), data).Err(); err != nil {
		return fmt.Errorf("failed to record resume audit: %w", err)
	}
	return nil
}
