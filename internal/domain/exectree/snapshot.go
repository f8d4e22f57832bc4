package exectree

import "context"

// LLMCallRecord is one flattened LLMCall row for ExecutionTreeSnapshot
// persistence.
type LLMCallRecord struct {
	ID           string
	RunID        string
	Iteration    int
	Model        string
	ParentID     string
	Depth        int
	ResponseText string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	FinishReason string
	Cost         float64
}

// GadgetRecord is one flattened Gadget row for ExecutionTreeSnapshot
// persistence.
type GadgetRecord struct {
	ID               string
	RunID            string
	InvocationID     string
	Name             string
	ParentID         string
	Depth            int
	State            GadgetState
	Result           string
	Error            string
	ExecutionMS      int64
	Cost             float64
	FailedDependency string
}

// Snapshot is one completed run's flattened tree, ready for persistence.
type Snapshot struct {
	RunID    string
	LLMCalls []LLMCallRecord
	Gadgets  []GadgetRecord
}

// SnapshotStore persists a flattened Snapshot. Implemented in
// infrastructure/persistence on top of GORM (sqlite by default, postgres
// when configured) — ExecutionTree itself never imports gorm directly,
// matching the domain/repository dependency-inversion pattern already used
// for AgentRepository/MessageRepository.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}

// Flatten projects the tree reachable from rootID (which must be a root
// LLMCall at depth 0) into a Snapshot. runID is caller-supplied — typically
// the root LLMCall's id.
func (t *Tree) Flatten(runID, rootID string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{RunID: runID}

	var walk func(id string)
	walk = func(id string) {
		if llm, ok := t.llmCalls[id]; ok {
			rec := LLMCallRecord{
				ID: llm.ID, RunID: runID, Iteration: llm.Iteration, Model: llm.Model,
				ParentID: llm.ParentID, Depth: llm.Depth, ResponseText: llm.ResponseText,
				FinishReason: llm.FinishReason, Cost: llm.Cost,
			}
			if llm.Usage != nil {
				rec.InputTokens = llm.Usage.Input
				rec.OutputTokens = llm.Usage.Output
				rec.CachedTokens = llm.Usage.Cached
			}
			snap.LLMCalls = append(snap.LLMCalls, rec)
			for _, childID := range llm.Children {
				walk(childID)
			}
			return
		}
		if g, ok := t.gadgets[id]; ok {
			snap.Gadgets = append(snap.Gadgets, GadgetRecord{
				ID: g.ID, RunID: runID, InvocationID: g.InvocationID, Name: g.Name,
				ParentID: g.ParentID, Depth: g.Depth, State: g.State, Result: g.Result,
				Error: g.Error, ExecutionMS: g.ExecutionMS, Cost: g.Cost,
				FailedDependency: g.FailedDependency,
			})
			for _, childID := range g.Children {
				walk(childID)
			}
		}
	}
	walk(rootID)

	return snap
}

// PersistSnapshot flattens the subtree rooted at a completed root LLMCall
// and writes it via store. A pure side-effecting export: the live tree is
// never mutated and the snapshot is never read back into it. Callers
// invoke this from complete_llm_call/fail_llm_call only when the LLMCall in
// question is a root (depth 0, no parent) — PersistSnapshot does not check
// this itself since a subagent's nested root is, by construction, never a
// tree root (its ParentID is the spawning Gadget's id).
func (t *Tree) PersistSnapshot(ctx context.Context, store SnapshotStore, rootID string) error {
	snap := t.Flatten(rootID, rootID)
	return store.SaveSnapshot(ctx, snap)
}
