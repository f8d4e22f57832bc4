package exectree

import "github.com/gadgetkit/gadgetkit/internal/domain/media"

// GetNode resolves any node (LLMCall or Gadget) by id.
func (t *Tree) GetNode(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getNodeLocked(id)
}

func (t *Tree) getNodeLocked(id string) (Node, bool) {
	if n, ok := t.llmCalls[id]; ok {
		return n, true
	}
	if n, ok := t.gadgets[id]; ok {
		return n, true
	}
	return nil, false
}

// GetNodeByInvocationID resolves a Gadget node by its StreamParser-assigned
// invocation id.
func (t *Tree) GetNodeByInvocationID(invocationID string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byInvocation[invocationID]
	if !ok {
		return nil, false
	}
	return t.gadgets[id], true
}

// GetRoots returns every node with no parent, in insertion order.
func (t *Tree) GetRoots() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := make([]Node, 0, len(t.roots))
	for _, id := range t.roots {
		if n, ok := t.getNodeLocked(id); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// GetChildren returns id's direct children, in insertion order.
func (t *Tree) GetChildren(id string) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.getNodeLocked(id)
	if !ok {
		return nil
	}
	children := make([]Node, 0, len(n.NodeChildren()))
	for _, childID := range n.NodeChildren() {
		if child, ok := t.getNodeLocked(childID); ok {
			children = append(children, child)
		}
	}
	return children
}

// GetAncestors returns id's ancestor chain, root first, excluding id itself.
func (t *Tree) GetAncestors(id string) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.getNodeLocked(id)
	if !ok {
		return nil
	}
	path := n.NodePath()
	if len(path) <= 1 {
		return nil
	}
	ancestors := make([]Node, 0, len(path)-1)
	for _, ancestorID := range path[:len(path)-1] {
		if a, ok := t.getNodeLocked(ancestorID); ok {
			ancestors = append(ancestors, a)
		}
	}
	return ancestors
}

// GetDescendants returns every node in id's subtree (excluding id), optionally
// filtered to a single NodeKind.
func (t *Tree) GetDescendants(id string, kind *NodeKind) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Node
	var walk func(nodeID string)
	walk = func(nodeID string) {
		n, ok := t.getNodeLocked(nodeID)
		if !ok {
			return
		}
		for _, childID := range n.NodeChildren() {
			child, ok := t.getNodeLocked(childID)
			if !ok {
				continue
			}
			if kind == nil || child.NodeKind() == *kind {
				out = append(out, child)
			}
			walk(childID)
		}
	}
	walk(id)
	return out
}

// GetSubtreeCost sums id and every descendant's own cost. Aggregates are
// pure functions of descendant nodes — nothing is denormalized or cached.
func (t *Tree) GetSubtreeCost(id string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	var walk func(nodeID string)
	walk = func(nodeID string) {
		if llm, ok := t.llmCalls[nodeID]; ok {
			total += llm.Cost
		}
		if g, ok := t.gadgets[nodeID]; ok {
			total += g.Cost
		}
		if n, ok := t.getNodeLocked(nodeID); ok {
			for _, childID := range n.NodeChildren() {
				walk(childID)
			}
		}
	}
	walk(id)
	return total
}

// TokenTotals is a {input, output, cached} token breakdown.
type TokenTotals struct {
	Input  int
	Output int
	Cached int
}

// GetSubtreeTokens sums token usage over id's LLMCall descendants (Gadget
// nodes carry no token usage of their own).
func (t *Tree) GetSubtreeTokens(id string) TokenTotals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var totals TokenTotals
	var walk func(nodeID string)
	walk = func(nodeID string) {
		if llm, ok := t.llmCalls[nodeID]; ok && llm.Usage != nil {
			totals.Input += llm.Usage.Input
			totals.Output += llm.Usage.Output
			totals.Cached += llm.Usage.Cached
		}
		if n, ok := t.getNodeLocked(nodeID); ok {
			for _, childID := range n.NodeChildren() {
				walk(childID)
			}
		}
	}
	walk(id)
	return totals
}

// GetSubtreeMedia collects every MediaRef attached anywhere in id's subtree.
func (t *Tree) GetSubtreeMedia(id string) []media.Ref {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var refs []media.Ref
	var walk func(nodeID string)
	walk = func(nodeID string) {
		if g, ok := t.gadgets[nodeID]; ok {
			refs = append(refs, g.Media...)
		}
		if n, ok := t.getNodeLocked(nodeID); ok {
			for _, childID := range n.NodeChildren() {
				walk(childID)
			}
		}
	}
	walk(id)
	return refs
}

// IsSubtreeComplete reports whether id and every descendant has reached a
// terminal state.
func (t *Tree) IsSubtreeComplete(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	complete := true
	var walk func(nodeID string)
	walk = func(nodeID string) {
		if llm, ok := t.llmCalls[nodeID]; ok && llm.CompletedAt == nil {
			complete = false
		}
		if g, ok := t.gadgets[nodeID]; ok {
			if g.State != GadgetCompleted && g.State != GadgetFailed && g.State != GadgetSkipped {
				complete = false
			}
		}
		if n, ok := t.getNodeLocked(nodeID); ok {
			for _, childID := range n.NodeChildren() {
				walk(childID)
			}
		}
	}
	walk(id)
	return complete
}

// GetTotalCost sums cost across every node in the tree.
func (t *Tree) GetTotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, llm := range t.llmCalls {
		total += llm.Cost
	}
	for _, g := range t.gadgets {
		total += g.Cost
	}
	return total
}

// GetTotalTokens sums token usage across every LLMCall node in the tree.
func (t *Tree) GetTotalTokens() TokenTotals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var totals TokenTotals
	for _, llm := range t.llmCalls {
		if llm.Usage == nil {
			continue
		}
		totals.Input += llm.Usage.Input
		totals.Output += llm.Usage.Output
		totals.Cached += llm.Usage.Cached
	}
	return totals
}

// NodeCounts is the {llm_calls, gadgets} tally.
type NodeCounts struct {
	LLMCalls int
	Gadgets  int
}

// GetNodeCount returns how many of each node variant the tree holds.
func (t *Tree) GetNodeCount() NodeCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return NodeCounts{LLMCalls: len(t.llmCalls), Gadgets: len(t.gadgets)}
}
