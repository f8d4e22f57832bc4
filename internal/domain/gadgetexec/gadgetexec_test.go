package gadgetexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gadgetkit/gadgetkit/internal/domain/exectree"
	"github.com/gadgetkit/gadgetkit/internal/domain/gadget"
	"github.com/gadgetkit/gadgetkit/internal/domain/streamparser"
)

// fakeGadget is a minimal gadget.Gadget for exercising the executor
// without any real tool/sandbox dependency.
type fakeGadget struct {
	name     string
	schema   map[string]interface{}
	execute  func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error)
}

func (g *fakeGadget) Name() string                           { return g.name }
func (g *fakeGadget) Description() string                    { return "fake" }
func (g *fakeGadget) Kind() gadget.Kind                       { return gadget.KindRead }
func (g *fakeGadget) Schema() map[string]interface{}          { return g.schema }
func (g *fakeGadget) BodyFormat() gadget.BodyFormat           { return gadget.BodyFormatJSON }
func (g *fakeGadget) Execute(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
	return g.execute(ctx, args)
}

func newRegistry(g gadget.Gadget) gadget.Registry {
	r := gadget.NewInMemoryRegistry()
	r.Register(g)
	return r
}

func newExecutor(t *testing.T, g gadget.Gadget) (*Executor, *exectree.Tree, string) {
	t.Helper()
	tree := exectree.New()
	call := tree.AddLLMCall(0, "gpt-5", "")
	node := tree.AddGadget("gadget_1", g.Name(), nil, nil, call.ID)
	exec := New(newRegistry(g), tree, zap.NewNop())
	return exec, tree, node.ID
}

func TestExecute_Success(t *testing.T) {
	g := &fakeGadget{
		name:   "read_file",
		schema: map[string]interface{}{"required": []string{"path"}},
		execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
			return &gadget.Result{Output: "hello", Success: true, Cost: 0.01}, nil
		},
	}
	exec, tree, nodeID := newExecutor(t, g)

	var reported float64
	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "read_file", RawParams: `{"path":"a.go"}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{
		ReportCost: func(amount float64) { reported += amount },
	})

	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Result != "hello" {
		t.Errorf("result = %q, want hello", res.Result)
	}
	if reported != 0.01 {
		t.Errorf("reported cost = %v, want 0.01", reported)
	}
	node, _ := tree.GetNode(nodeID)
	gNode := node.(*exectree.Gadget)
	if gNode.State != exectree.GadgetCompleted {
		t.Errorf("state = %v, want completed", gNode.State)
	}
}

func TestExecute_MissingRequiredField(t *testing.T) {
	g := &fakeGadget{
		name:   "read_file",
		schema: map[string]interface{}{"required": []string{"path"}},
		execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
			t.Fatal("execute should not run when validation fails")
			return nil, nil
		},
	}
	exec, tree, nodeID := newExecutor(t, g)

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "read_file", RawParams: `{}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.Error == "" {
		t.Fatal("expected a validation error")
	}
	node, _ := tree.GetNode(nodeID)
	gNode := node.(*exectree.Gadget)
	if gNode.State != exectree.GadgetFailed {
		t.Errorf("state = %v, want failed", gNode.State)
	}
}

func TestExecute_UnknownGadget(t *testing.T) {
	g := &fakeGadget{name: "read_file", execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
		return &gadget.Result{Success: true}, nil
	}}
	exec, _, nodeID := newExecutor(t, g)

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_2", Name: "does_not_exist", RawParams: `{}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.Error == "" {
		t.Fatal("expected an unknown_gadget error")
	}
}

func TestExecute_ParseErrorShortCircuits(t *testing.T) {
	g := &fakeGadget{name: "read_file", execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
		t.Fatal("execute should not run on a carried parse error")
		return nil, nil
	}}
	exec, tree, nodeID := newExecutor(t, g)

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "read_file", ParseError: "malformed header"},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.Error != "malformed header" {
		t.Errorf("error = %q, want %q", res.Error, "malformed header")
	}
	node, _ := tree.GetNode(nodeID)
	gNode := node.(*exectree.Gadget)
	if gNode.State != exectree.GadgetFailed {
		t.Errorf("state = %v, want failed", gNode.State)
	}
}

func TestExecute_SkipsOnFailedDependency(t *testing.T) {
	tree := exectree.New()
	call := tree.AddLLMCall(0, "gpt-5", "")
	depNode := tree.AddGadget("gadget_dep", "write_file", nil, nil, call.ID)
	tree.StartGadget(depNode.ID)
	tree.CompleteGadget(depNode.ID, exectree.CompleteGadgetOpts{Error: "disk full"})

	g := &fakeGadget{name: "read_file", execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
		t.Fatal("execute should not run when a dependency failed")
		return nil, nil
	}}
	childNode := tree.AddGadget("gadget_child", g.Name(), nil, []string{"gadget_dep"}, call.ID)
	exec := New(newRegistry(g), tree, zap.NewNop())

	inv := Invocation{
		Call: &streamparser.GadgetCall{
			InvocationID: "gadget_child",
			Name:         "read_file",
			RawParams:    `{}`,
			Dependencies: []string{"gadget_dep"},
		},
		NodeID: childNode.ID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.SkippedDueToFailedDependency != "gadget_dep" {
		t.Errorf("SkippedDueToFailedDependency = %q, want gadget_dep", res.SkippedDueToFailedDependency)
	}
	node, _ := tree.GetNode(childNode.ID)
	gNode := node.(*exectree.Gadget)
	if gNode.State != exectree.GadgetSkipped {
		t.Errorf("state = %v, want skipped", gNode.State)
	}
}

func TestExecute_TimeoutMarksFailure(t *testing.T) {
	g := &fakeGadget{
		name: "slow_tool",
		execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	exec, tree, nodeID := newExecutor(t, g)
	exec.DefaultGadgetTimeout = 10 * time.Millisecond

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "slow_tool", RawParams: `{}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.Error == "" {
		t.Fatal("expected a timeout error")
	}
	node, _ := tree.GetNode(nodeID)
	gNode := node.(*exectree.Gadget)
	if gNode.State != exectree.GadgetFailed {
		t.Errorf("state = %v, want failed", gNode.State)
	}
}

func TestExecute_GadgetErrorIsRecorded(t *testing.T) {
	g := &fakeGadget{
		name: "flaky_tool",
		execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
			return nil, errors.New("boom")
		},
	}
	exec, _, nodeID := newExecutor(t, g)

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "flaky_tool", RawParams: `{}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.Error != "boom" {
		t.Errorf("error = %q, want boom", res.Error)
	}
}

func TestExecute_UnsuccessfulResultIsRecorded(t *testing.T) {
	g := &fakeGadget{
		name: "flaky_tool",
		execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
			return &gadget.Result{Success: false, Error: "permission denied"}, nil
		},
	}
	exec, _, nodeID := newExecutor(t, g)

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "flaky_tool", RawParams: `{}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if res.Error != "permission denied" {
		t.Errorf("error = %q, want permission denied", res.Error)
	}
}

func TestExecute_BreaksLoopPropagates(t *testing.T) {
	g := &fakeGadget{
		name: "terminate",
		execute: func(ctx context.Context, args map[string]interface{}) (*gadget.Result, error) {
			return &gadget.Result{Output: "done", Success: true, BreaksLoop: true}, nil
		},
	}
	exec, _, nodeID := newExecutor(t, g)

	inv := Invocation{
		Call:   &streamparser.GadgetCall{InvocationID: "gadget_1", Name: "terminate", RawParams: `{}`},
		NodeID: nodeID,
	}
	res := exec.Execute(context.Background(), inv, InvocationContext{})

	if !res.BreaksLoop {
		t.Error("BreaksLoop = false, want true")
	}
}
