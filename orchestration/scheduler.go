package orchestration

// Scheduler drives a plan DAG as a ready-queue. A node is ready when every
// incoming edge's source has completed and every conditional lock placed by
// an upstream routing node has been released for it. Tie-break between
// ready nodes is the original plan-node index, so execution order is
// deterministic.
type Scheduler struct {
	plan     *Plan
	index    map[string]int
	incoming map[string][]string
	outgoing map[string][]string

	completed map[string]bool
	// locks[target][routingNode] — target is held until routingNode selects
	// it (or resume restores the selection).
	locks map[string]map[string]bool
}

// NewScheduler builds a scheduler over a plan, restoring completed nodes
// and prior routing selections on resume. routingSelections maps a routing
// node id to the targets it released.
func NewScheduler(plan *Plan, completedNodeIDs []string, routingSelections map[string][]string) *Scheduler {
	s := &Scheduler{
		plan:      plan,
		index:     make(map[string]int, len(plan.Nodes)),
		incoming:  map[string][]string{},
		outgoing:  map[string][]string{},
		completed: map[string]bool{},
		locks:     map[string]map[string]bool{},
	}
	for i, node := range plan.Nodes {
		s.index[node.ID] = i
	}

	routingNodes := map[string]bool{}
	for _, node := range plan.Nodes {
		if node.Kind == NodeKindRouting {
			routingNodes[node.ID] = true
		}
	}

	for _, edge := range plan.Edges {
		s.incoming[edge.To] = append(s.incoming[edge.To], edge.From)
		s.outgoing[edge.From] = append(s.outgoing[edge.From], edge.To)
		// Every edge out of a routing node is conditional: completion of
		// the router alone does not open the target.
		if routingNodes[edge.From] {
			if s.locks[edge.To] == nil {
				s.locks[edge.To] = map[string]bool{}
			}
			s.locks[edge.To][edge.From] = true
		}
	}

	for routingNode, targets := range routingSelections {
		s.MarkConditionalRelease(routingNode, targets)
	}
	for _, id := range completedNodeIDs {
		s.completed[id] = true
	}
	return s
}

// Peek returns the next ready node without consuming it, or nil when
// nothing is ready.
func (s *Scheduler) Peek() *PlanNode {
	for _, node := range s.plan.Nodes {
		if s.ready(node.ID) {
			return node
		}
	}
	return nil
}

// Next returns the next ready node. The node stays ready until
// MarkCompleted; the engine runs one node at a time per run.
func (s *Scheduler) Next() *PlanNode {
	return s.Peek()
}

// ready reports whether a node's prerequisites are completed and all its
// conditional locks released.
func (s *Scheduler) ready(nodeID string) bool {
	if s.completed[nodeID] {
		return false
	}
	for _, dep := range s.incoming[nodeID] {
		if !s.completed[dep] {
			return false
		}
	}
	return len(s.locks[nodeID]) == 0
}

// MarkCompleted records a node as done, unblocking its dependents.
func (s *Scheduler) MarkCompleted(nodeID string) {
	s.completed[nodeID] = true
}

// MarkConditionalRelease releases the lock a routing node holds on each
// selected target. Non-selected targets stay locked and are skipped when
// the plan drains.
func (s *Scheduler) MarkConditionalRelease(routingNodeID string, targets []string) {
	for _, target := range targets {
		if held, ok := s.locks[target]; ok {
			delete(held, routingNodeID)
			if len(held) == 0 {
				delete(s.locks, target)
			}
		}
	}
}

// ResetFromNode drops a node and every transitive descendant from the
// completed set so the goto action can re-run them.
func (s *Scheduler) ResetFromNode(nodeID string) {
	if _, ok := s.index[nodeID]; !ok {
		return
	}
	seen := map[string]bool{}
	stack := []string{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		delete(s.completed, id)
		stack = append(stack, s.outgoing[id]...)
	}
}

// CompletedNodeIDs returns the completed set in plan order.
func (s *Scheduler) CompletedNodeIDs() []string {
	var out []string
	for _, node := range s.plan.Nodes {
		if s.completed[node.ID] {
			out = append(out, node.ID)
		}
	}
	return out
}

// Done reports whether every unblocked node has completed. Nodes still
// holding conditional locks are branches routing chose not to take.
func (s *Scheduler) Done() bool {
	for _, node := range s.plan.Nodes {
		if s.completed[node.ID] {
			continue
		}
		if len(s.locks[node.ID]) > 0 {
			continue
		}
		// A pending node below a not-taken branch never becomes ready;
		// treat it as drained only if one of its ancestors is locked.
		if s.blockedByLockedAncestor(node.ID, map[string]bool{}) {
			continue
		}
		return false
	}
	return true
}

func (s *Scheduler) blockedByLockedAncestor(nodeID string, visiting map[string]bool) bool {
	if visiting[nodeID] {
		return false
	}
	visiting[nodeID] = true
	for _, dep := range s.incoming[nodeID] {
		if s.completed[dep] {
			continue
		}
		if len(s.locks[dep]) > 0 {
			return true
		}
		if s.blockedByLockedAncestor(dep, visiting) {
			return true
		}
	}
	return false
}
