package exectree

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAddLLMCall_RootDepthAndPath(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")

	if call.Depth != 0 {
		t.Errorf("depth = %d, want 0", call.Depth)
	}
	if len(call.Path) != 1 || call.Path[0] != call.ID {
		t.Errorf("path = %+v", call.Path)
	}
	roots := tr.GetRoots()
	if len(roots) != 1 || roots[0].NodeID() != call.ID {
		t.Errorf("roots = %+v", roots)
	}
}

func TestAddGadget_NestsUnderParentWithDepthAndPath(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	g := tr.AddGadget("gadget_1", "read_file", map[string]interface{}{"path": "a.go"}, nil, call.ID)

	if g.Depth != call.Depth+1 {
		t.Errorf("depth = %d, want %d", g.Depth, call.Depth+1)
	}
	wantPath := append(append([]string(nil), call.Path...), g.ID)
	if len(g.Path) != len(wantPath) || g.Path[len(g.Path)-1] != g.ID {
		t.Errorf("path = %+v, want %+v", g.Path, wantPath)
	}

	children := tr.GetChildren(call.ID)
	if len(children) != 1 || children[0].NodeID() != g.ID {
		t.Errorf("children = %+v", children)
	}
}

func TestCompleteLLMCall_SetsCompletedAt(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")

	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{
		ResponseText: "done",
		Usage:        &Usage{Input: 10, Output: 5},
		FinishReason: "stop",
	})

	node, ok := tr.GetNode(call.ID)
	if !ok {
		t.Fatal("node not found")
	}
	llm := node.(*LLMCall)
	if llm.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if llm.ResponseText != "done" {
		t.Errorf("response = %q", llm.ResponseText)
	}
}

func TestGadgetLifecycle_PendingRunningCompleted(t *testing.T) {
	tr := New()
	g := tr.AddGadget("gadget_1", "bash", nil, nil, "")
	if g.State != GadgetPending {
		t.Fatalf("initial state = %v", g.State)
	}

	tr.StartGadget(g.ID)
	node, _ := tr.GetNode(g.ID)
	if node.(*Gadget).State != GadgetRunning {
		t.Fatalf("state after start = %v", node.(*Gadget).State)
	}

	tr.CompleteGadget(g.ID, CompleteGadgetOpts{Result: "ok", ExecutionMS: 12})
	node, _ = tr.GetNode(g.ID)
	completed := node.(*Gadget)
	if completed.State != GadgetCompleted {
		t.Fatalf("state after complete = %v", completed.State)
	}
	if completed.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestGadgetLifecycle_CompleteWithErrorFails(t *testing.T) {
	tr := New()
	g := tr.AddGadget("gadget_1", "bash", nil, nil, "")
	tr.StartGadget(g.ID)
	tr.CompleteGadget(g.ID, CompleteGadgetOpts{Error: "boom"})

	node, _ := tr.GetNode(g.ID)
	if node.(*Gadget).State != GadgetFailed {
		t.Errorf("state = %v, want failed", node.(*Gadget).State)
	}
}

func TestSkipGadget_SetsFailedDependency(t *testing.T) {
	tr := New()
	dep := tr.AddGadget("gadget_1", "bash", nil, nil, "")
	tr.StartGadget(dep.ID)
	tr.CompleteGadget(dep.ID, CompleteGadgetOpts{Error: "boom"})

	dependent := tr.AddGadget("gadget_2", "summarize", nil, []string{"gadget_1"}, "")
	tr.SkipGadget(dependent.ID, "gadget_1", "dependency failed", "failed_dependency")

	node, _ := tr.GetNode(dependent.ID)
	skipped := node.(*Gadget)
	if skipped.State != GadgetSkipped {
		t.Errorf("state = %v, want skipped", skipped.State)
	}
	if skipped.FailedDependency != "gadget_1" {
		t.Errorf("failed dependency = %q", skipped.FailedDependency)
	}
}

func TestGetAncestors_RootToParentOrder(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	g1 := tr.AddGadget("gadget_1", "spawn_subagent", nil, nil, call.ID)
	nested := tr.AddLLMCall(0, "gpt-5", g1.ID)

	ancestors := tr.GetAncestors(nested.ID)
	if len(ancestors) != 2 {
		t.Fatalf("got %d ancestors, want 2: %+v", len(ancestors), ancestors)
	}
	if ancestors[0].NodeID() != call.ID || ancestors[1].NodeID() != g1.ID {
		t.Errorf("ancestors = %+v", ancestors)
	}
}

func TestGetDescendants_FiltersByKind(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	g := tr.AddGadget("gadget_1", "bash", nil, nil, call.ID)
	nested := tr.AddLLMCall(1, "gpt-5", g.ID)

	gadgetKind := NodeGadget
	descendants := tr.GetDescendants(call.ID, &gadgetKind)
	if len(descendants) != 1 || descendants[0].NodeID() != g.ID {
		t.Errorf("gadget descendants = %+v", descendants)
	}

	all := tr.GetDescendants(call.ID, nil)
	if len(all) != 2 {
		t.Fatalf("got %d descendants, want 2", len(all))
	}
	_ = nested
}

func TestGetSubtreeCost_SumsDescendants(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{Cost: 0.02})
	g := tr.AddGadget("gadget_1", "bash", nil, nil, call.ID)
	tr.CompleteGadget(g.ID, CompleteGadgetOpts{Cost: 0.01})

	if got := tr.GetSubtreeCost(call.ID); got != 0.03 {
		t.Errorf("subtree cost = %v, want 0.03", got)
	}
	if got := tr.GetTotalCost(); got != 0.03 {
		t.Errorf("total cost = %v, want 0.03", got)
	}
}

func TestGetSubtreeTokens_SumsLLMCallUsageOnly(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{Usage: &Usage{Input: 100, Output: 20, Cached: 5}})

	totals := tr.GetSubtreeTokens(call.ID)
	if totals.Input != 100 || totals.Output != 20 || totals.Cached != 5 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestIsSubtreeComplete(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	g := tr.AddGadget("gadget_1", "bash", nil, nil, call.ID)

	if tr.IsSubtreeComplete(call.ID) {
		t.Fatal("should not be complete before terminal states")
	}

	tr.StartGadget(g.ID)
	tr.CompleteGadget(g.ID, CompleteGadgetOpts{Result: "ok"})
	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{})

	if !tr.IsSubtreeComplete(call.ID) {
		t.Error("expected subtree to be complete")
	}
}

func TestGetNodeCount(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	tr.AddGadget("gadget_1", "bash", nil, nil, call.ID)
	tr.AddGadget("gadget_2", "read_file", nil, nil, call.ID)

	counts := tr.GetNodeCount()
	if counts.LLMCalls != 1 || counts.Gadgets != 2 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestGetNodeByInvocationID(t *testing.T) {
	tr := New()
	g := tr.AddGadget("gadget_7", "bash", nil, nil, "")

	node, ok := tr.GetNodeByInvocationID("gadget_7")
	if !ok || node.NodeID() != g.ID {
		t.Errorf("node = %+v, ok = %v", node, ok)
	}
}

func TestOnAll_ReceivesEveryEventKind(t *testing.T) {
	tr := New()
	var kinds []EventKind
	tr.OnAll(func(ev Event) { kinds = append(kinds, ev.Kind) })

	call := tr.AddLLMCall(0, "gpt-5", "")
	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{})

	if len(kinds) != 2 || kinds[0] != EventLLMCallStart || kinds[1] != EventLLMCallComplete {
		t.Errorf("kinds = %+v", kinds)
	}
}

func TestOn_FiltersToOneKind(t *testing.T) {
	tr := New()
	var starts int
	tr.On(EventGadgetStart, func(ev Event) { starts++ })

	g := tr.AddGadget("gadget_1", "bash", nil, nil, "")
	tr.StartGadget(g.ID)
	tr.CompleteGadget(g.ID, CompleteGadgetOpts{Result: "ok"})

	if starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
}

func TestEvents_SafetyNetInterruptsInFlightOnTeardown(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")

	ctx, cancel := context.WithCancel(context.Background())
	ch := tr.Events(ctx)

	var completeSeen bool
	done := make(chan struct{})
	go func() {
		for ev := range ch {
			if ev.Kind == EventLLMCallComplete && ev.NodeID == call.ID {
				completeSeen = true
			}
		}
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	if !completeSeen {
		t.Error("expected a synthesized llm_call_complete for the in-flight call")
	}
	node, _ := tr.GetNode(call.ID)
	llm := node.(*LLMCall)
	if llm.CompletedAt == nil || llm.FinishReason != "interrupted" {
		t.Errorf("llm call = %+v", llm)
	}
}

func TestFailLLMCall_SetsRetryableReason(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	tr.FailLLMCall(call.ID, errors.New("rate limited"), true)

	node, _ := tr.GetNode(call.ID)
	llm := node.(*LLMCall)
	if llm.FinishReason != "error_retryable" {
		t.Errorf("finish reason = %q", llm.FinishReason)
	}
}

func TestFlatten_ProjectsRootSubtree(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	g := tr.AddGadget("gadget_1", "bash", nil, nil, call.ID)
	tr.StartGadget(g.ID)
	tr.CompleteGadget(g.ID, CompleteGadgetOpts{Result: "ok", ExecutionMS: 5})
	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{ResponseText: "done", FinishReason: "stop"})

	snap := tr.Flatten(call.ID, call.ID)
	if len(snap.LLMCalls) != 1 || len(snap.Gadgets) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.LLMCalls[0].ID != call.ID || snap.Gadgets[0].ID != g.ID {
		t.Errorf("snapshot ids mismatch: %+v", snap)
	}
}

type fakeStore struct {
	saved *[]Snapshot
}

func (f fakeStore) SaveSnapshot(ctx context.Context, s Snapshot) error {
	*f.saved = append(*f.saved, s)
	return nil
}

func TestPersistSnapshot_CallsStore(t *testing.T) {
	tr := New()
	call := tr.AddLLMCall(0, "gpt-5", "")
	tr.CompleteLLMCall(call.ID, CompleteLLMCallOpts{})

	var saved []Snapshot
	err := tr.PersistSnapshot(context.Background(), fakeStore{saved: &saved}, call.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saved) != 1 || saved[0].RunID != call.ID {
		t.Errorf("saved = %+v", saved)
	}
}
