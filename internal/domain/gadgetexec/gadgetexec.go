// Package gadgetexec implements GadgetExecutor (§4.5/C8): runs one parsed
// gadget invocation to completion under a linked abort context, with
// schema validation, dependency-skip logic, per-gadget timeout, and
// cost/media/result collection into the owning ExecutionTree.
package gadgetexec

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gadgetkit/gadgetkit/internal/domain/exectree"
	"github.com/gadgetkit/gadgetkit/internal/domain/gadget"
	"github.com/gadgetkit/gadgetkit/internal/domain/gadgeterr"
	"github.com/gadgetkit/gadgetkit/internal/domain/schema"
	"github.com/gadgetkit/gadgetkit/internal/domain/streamparser"
)

// Invocation is one parsed gadget call ready for execution: a
// streamparser.GadgetCall plus the tree node id ExecutionTree assigned it.
type Invocation struct {
	Call   *streamparser.GadgetCall
	NodeID string // exectree Gadget node id (from AddGadget)
}

// InvocationContext carries the per-execution capabilities §4.5 names.
// Sandbox resolution happens earlier, at tool-construction time
// (sandbox.Resolve, called once by tool registration from the active
// SandboxDescriptor) rather than per invocation here: every gadget already
// holds its sandbox.Runner by constructor injection, the same way the
// teacher wires *sandbox.ProcessSandbox into each tool.
type InvocationContext struct {
	// ReportCost is called with additive cost deltas as the gadget runs.
	ReportCost func(amount float64)
	// RequestHumanInput is the optional interactive-gadget capability.
	RequestHumanInput func(ctx context.Context, question string) (string, error)
}

// Result is GadgetExecutionResult (§3): the full execution outcome,
// whatever state the invocation ended in.
type Result struct {
	Name                        string
	InvocationID                string
	Params                      map[string]interface{}
	Result                      string
	Error                       string
	ExecutionMS                 int64
	BreaksLoop                  bool
	Cost                        float64
	SkippedDueToFailedDependency string
}

// DefaultTimeout applies when Executor.DefaultGadgetTimeout is zero. Gadgets
// declare no timeout of their own, so every gadget run by one Executor gets
// the same deadline.
const DefaultTimeout = 120 * time.Second

// Executor runs invocations against a Registry, recording lifecycle
// transitions on an ExecutionTree.
type Executor struct {
	registry gadget.Registry
	tree     *exectree.Tree
	logger   *zap.Logger

	// DefaultGadgetTimeout overrides DefaultTimeout when non-zero.
	DefaultGadgetTimeout time.Duration
}

// New creates a GadgetExecutor bound to a gadget registry and the
// ExecutionTree it reports lifecycle transitions on.
func New(registry gadget.Registry, tree *exectree.Tree, logger *zap.Logger) *Executor {
	return &Executor{registry: registry, tree: tree, logger: logger}
}

// Execute runs one invocation to completion. ctx is the wave's abort
// signal; Execute derives a linked child context so a timeout or the
// parent's cancellation both propagate into the gadget without affecting
// siblings.
func (e *Executor) Execute(ctx context.Context, inv Invocation, invCtx InvocationContext) Result {
	call := inv.Call
	result := Result{Name: call.Name, InvocationID: call.InvocationID}

	// Step 2: a call that already carries a parse_error never reaches the
	// gadget; report it as a gadget_result and stop.
	if call.ParseError != "" {
		result.Error = call.ParseError
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{Error: call.ParseError})
		return result
	}

	// Step 1: resolve the gadget definition.
	g, ok := e.registry.Get(call.Name)
	if !ok {
		err := gadgeterr.UnknownGadget(call.Name)
		result.Error = err.Error()
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{Error: result.Error})
		return result
	}

	// Decode the raw params body per the gadget's declared BodyFormat, then
	// validate against its schema.
	args, err := e.registry.ParseBody(call.Name, call.RawParams)
	if err != nil {
		result.Error = err.Error()
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{Error: result.Error})
		return result
	}
	if err := validateArgs(g.Schema(), args); err != nil {
		result.Error = err.Error()
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{Error: result.Error})
		return result
	}
	result.Params = args

	// Step 4: skip if any dependency already ended in failed/skipped.
	for _, depID := range call.Dependencies {
		depNode, ok := e.tree.GetNodeByInvocationID(depID)
		if !ok {
			continue
		}
		depGadget, ok := depNode.(*exectree.Gadget)
		if !ok {
			continue
		}
		if depGadget.State == exectree.GadgetFailed || depGadget.State == exectree.GadgetSkipped {
			message := fmt.Sprintf("dependency %s ended in %s", depID, depGadget.State)
			result.SkippedDueToFailedDependency = depID
			result.Error = message
			e.tree.SkipGadget(inv.NodeID, depID, message, "failed_dependency")
			return result
		}
	}

	// Step 6/7: run under a linked abort controller with a per-gadget timeout.
	timeout := e.timeoutFor(g)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.tree.StartGadget(inv.NodeID)
	start := time.Now()

	gadgetResult, execErr := g.Execute(runCtx, args)
	elapsedMS := time.Since(start).Milliseconds()
	result.ExecutionMS = elapsedMS

	if runCtx.Err() == context.DeadlineExceeded {
		timeoutErr := gadgeterr.Timeout(fmt.Sprintf("gadget %s exceeded its %s timeout", call.Name, timeout))
		result.Error = timeoutErr.Error()
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{Error: result.Error, ExecutionMS: elapsedMS})
		return result
	}

	if execErr != nil {
		result.Error = execErr.Error()
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{Error: result.Error, ExecutionMS: elapsedMS})
		return result
	}

	if gadgetResult.Cost != 0 && invCtx.ReportCost != nil {
		invCtx.ReportCost(gadgetResult.Cost)
	}

	if !gadgetResult.Success {
		result.Error = gadgetResult.Error
		e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{
			Error: gadgetResult.Error, ExecutionMS: elapsedMS, Cost: gadgetResult.Cost, Media: gadgetResult.Media,
		})
		return result
	}

	result.Result = gadgetResult.DisplayOrOutput()
	result.Cost = gadgetResult.Cost
	result.BreaksLoop = gadgetResult.BreaksLoop

	e.tree.CompleteGadget(inv.NodeID, exectree.CompleteGadgetOpts{
		Result: result.Result, ExecutionMS: elapsedMS, Cost: gadgetResult.Cost, Media: gadgetResult.Media,
	})
	return result
}

func (e *Executor) timeoutFor(g gadget.Gadget) time.Duration {
	if e.DefaultGadgetTimeout > 0 {
		return e.DefaultGadgetTimeout
	}
	return DefaultTimeout
}

// validateArgs checks args against schemaDoc's top-level "required" list
// and that present fields match their declared Kind (via
// SchemaIntrospector), returning a gadgeterr.Validation on the first
// mismatch. A nil schemaDoc (gadgets that decline to publish one) always
// validates.
func validateArgs(schemaDoc map[string]interface{}, args map[string]interface{}) error {
	if schemaDoc == nil {
		return nil
	}

	for _, key := range requiredFields(schemaDoc) {
		if _, present := args[key]; !present {
			return gadgeterr.Validation(fmt.Sprintf("missing required field %q", key), nil)
		}
	}

	introspector := schema.New(schemaDoc)
	for key, val := range args {
		switch introspector.KindAt(key) {
		case schema.KindNumber:
			if _, ok := val.(float64); !ok {
				if _, ok := val.(int); !ok {
					return gadgeterr.Validation(fmt.Sprintf("field %q must be a number", key), nil)
				}
			}
		case schema.KindBoolean:
			if _, ok := val.(bool); !ok {
				return gadgeterr.Validation(fmt.Sprintf("field %q must be a boolean", key), nil)
			}
		}
	}
	return nil
}

// requiredFields reads schemaDoc's "required" list, tolerating both the
// []string{"field"} form gadget authors write by hand and the
// []interface{}{"field"} form a JSON/YAML round-trip produces.
func requiredFields(schemaDoc map[string]interface{}) []string {
	switch req := schemaDoc["required"].(type) {
	case []string:
		return req
	case []interface{}:
		fields := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}
