// Package exectree implements the ExecutionTree (§4.6/C7): the single
// hierarchical record of every LLMCall and Gadget node in one agent run.
// ExecutionTree exclusively owns nodes; every other component (AgentLoop,
// GadgetExecutor, the event consumers) holds nodes by id and mutates the
// tree only through its operations.
package exectree

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gadgetkit/gadgetkit/internal/domain/media"
)

// NodeKind distinguishes the two node variants.
type NodeKind string

const (
	NodeLLMCall NodeKind = "llm_call"
	NodeGadget  NodeKind = "gadget"
)

// GadgetState is a Gadget node's lifecycle state.
type GadgetState string

const (
	GadgetPending   GadgetState = "pending"
	GadgetRunning   GadgetState = "running"
	GadgetCompleted GadgetState = "completed"
	GadgetFailed    GadgetState = "failed"
	GadgetSkipped   GadgetState = "skipped"
)

// Usage is a token usage breakdown, as reported by an LLM response.
type Usage struct {
	Input         int
	Output        int
	Total         int
	Cached        int
	CacheCreation int
}

// Node is the common view over LLMCall and Gadget, for tree-shaped queries
// that don't need the full variant.
type Node interface {
	NodeID() string
	NodeParentID() string
	NodeDepth() int
	NodePath() []string
	NodeChildren() []string
	NodeKind() NodeKind
}

// LLMCall is one model invocation within the tree.
type LLMCall struct {
	ID           string
	Iteration    int
	Model        string
	ParentID     string
	Depth        int
	Path         []string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ResponseText string
	Usage        *Usage
	FinishReason string
	Cost         float64
	Children     []string
}

func (n *LLMCall) NodeID() string          { return n.ID }
func (n *LLMCall) NodeParentID() string    { return n.ParentID }
func (n *LLMCall) NodeDepth() int          { return n.Depth }
func (n *LLMCall) NodePath() []string      { return n.Path }
func (n *LLMCall) NodeChildren() []string  { return n.Children }
func (n *LLMCall) NodeKind() NodeKind      { return NodeLLMCall }

// Gadget is one gadget invocation within the tree.
type Gadget struct {
	ID               string
	InvocationID     string
	Name             string
	Params           map[string]interface{}
	Dependencies     []string
	ParentID         string
	Depth            int
	Path             []string
	State            GadgetState
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Result           string
	Error            string
	Media            []media.Ref
	ExecutionMS      int64
	Cost             float64
	FailedDependency string
	Children         []string
}

func (n *Gadget) NodeID() string         { return n.ID }
func (n *Gadget) NodeParentID() string   { return n.ParentID }
func (n *Gadget) NodeDepth() int         { return n.Depth }
func (n *Gadget) NodePath() []string     { return n.Path }
func (n *Gadget) NodeChildren() []string { return n.Children }
func (n *Gadget) NodeKind() NodeKind     { return NodeGadget }

// EventKind names the ExecutionTree event bus's event shapes.
type EventKind string

const (
	EventLLMCallStart    EventKind = "llm_call_start"
	EventLLMCallText     EventKind = "llm_call_text"
	EventLLMCallComplete EventKind = "llm_call_complete"
	EventLLMCallError    EventKind = "llm_call_error"
	EventGadgetCall      EventKind = "gadget_call"
	EventGadgetStart     EventKind = "gadget_start"
	EventGadgetComplete  EventKind = "gadget_complete"
	EventGadgetError     EventKind = "gadget_error"
	EventGadgetSkipped   EventKind = "gadget_skipped"
)

// Event is one ExecutionTree occurrence, fanned out to subscribers.
type Event struct {
	NodeID    string
	ParentID  string
	Depth     int
	Path      []string
	Timestamp time.Time
	Kind      EventKind
	Payload   interface{}
}

// Handler observes a single event.
type Handler func(Event)

// Tree is the ExecutionTree. All mutation happens through its methods;
// concurrent readers use the query methods directly. Locking mirrors
// service.StateMachine's discipline: a single sync.RWMutex guards node
// storage, listener notification happens outside the lock.
type Tree struct {
	mu sync.RWMutex

	llmCalls map[string]*LLMCall
	gadgets  map[string]*Gadget
	roots    []string

	byInvocation map[string]string // invocation_id -> gadget node id
	inFlight     map[string]bool   // llm call ids with no CompletedAt yet

	nodeSeq atomic.Int64

	listenersByKind map[EventKind][]Handler
	allListeners    []Handler
}

// New creates an empty ExecutionTree.
func New() *Tree {
	return &Tree{
		llmCalls:        make(map[string]*LLMCall),
		gadgets:         make(map[string]*Gadget),
		byInvocation:    make(map[string]string),
		inFlight:        make(map[string]bool),
		listenersByKind: make(map[EventKind][]Handler),
	}
}

func (t *Tree) nextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, t.nodeSeq.Add(1))
}

// --- LLMCall operations ---

// AddLLMCall creates a new LLMCall node, deriving depth/path from parentID
// if one is given (a subagent's root LLMCall nests under its spawning
// Gadget node).
func (t *Tree) AddLLMCall(iteration int, model string, parentID string) *LLMCall {
	t.mu.Lock()

	depth, path := t.depthAndPath(parentID)
	call := &LLMCall{
		ID:        t.nextID("llm"),
		Iteration: iteration,
		Model:     model,
		ParentID:  parentID,
		Depth:     depth,
		Path:      append(path, ""),
		StartedAt: time.Now(),
	}
	call.Path[len(call.Path)-1] = call.ID

	t.llmCalls[call.ID] = call
	t.inFlight[call.ID] = true
	t.attachChild(parentID, call.ID)
	if parentID == "" {
		t.roots = append(t.roots, call.ID)
	}
	t.mu.Unlock()

	t.emit(Event{NodeID: call.ID, ParentID: parentID, Depth: depth, Path: call.Path, Timestamp: call.StartedAt, Kind: EventLLMCallStart, Payload: call})
	return call
}

// AppendLLMResponse appends streamed text to an LLMCall's response buffer
// and emits llm_call_text.
func (t *Tree) AppendLLMResponse(id string, text string) {
	t.mu.Lock()
	call, ok := t.llmCalls[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	call.ResponseText += text
	path := call.Path
	depth := call.Depth
	parentID := call.ParentID
	t.mu.Unlock()

	t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: time.Now(), Kind: EventLLMCallText, Payload: text})
}

// CompleteLLMCallOpts carries the fields CompleteLLMCall may set.
type CompleteLLMCallOpts struct {
	ResponseText string
	Usage        *Usage
	FinishReason string
	Cost         float64
}

// CompleteLLMCall transitions an LLMCall to its terminal state and, if it
// is a root (depth 0, no parent), is the trigger point for persistence —
// callers decide whether to invoke PersistSnapshot after this returns.
func (t *Tree) CompleteLLMCall(id string, opts CompleteLLMCallOpts) {
	t.mu.Lock()
	call, ok := t.llmCalls[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if opts.ResponseText != "" {
		call.ResponseText = opts.ResponseText
	}
	call.Usage = opts.Usage
	call.FinishReason = opts.FinishReason
	call.Cost = opts.Cost
	call.CompletedAt = &now
	delete(t.inFlight, id)
	path, depth, parentID := call.Path, call.Depth, call.ParentID
	t.mu.Unlock()

	t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: now, Kind: EventLLMCallComplete, Payload: call})
}

// FailLLMCall transitions an LLMCall to a terminal error state.
func (t *Tree) FailLLMCall(id string, callErr error, retryable bool) {
	t.mu.Lock()
	call, ok := t.llmCalls[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	call.CompletedAt = &now
	if retryable {
		call.FinishReason = "error_retryable"
	} else {
		call.FinishReason = "error"
	}
	delete(t.inFlight, id)
	path, depth, parentID := call.Path, call.Depth, call.ParentID
	t.mu.Unlock()

	t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: now, Kind: EventLLMCallError, Payload: callErr})
}

// --- Gadget operations ---

// AddGadget creates a pending Gadget node for a parsed invocation.
func (t *Tree) AddGadget(invocationID, name string, params map[string]interface{}, dependencies []string, parentID string) *Gadget {
	t.mu.Lock()

	depth, path := t.depthAndPath(parentID)
	g := &Gadget{
		ID:           t.nextID("gadget_node"),
		InvocationID: invocationID,
		Name:         name,
		Params:       params,
		Dependencies: dependencies,
		ParentID:     parentID,
		Depth:        depth,
		Path:         append(path, ""),
		State:        GadgetPending,
	}
	g.Path[len(g.Path)-1] = g.ID

	t.gadgets[g.ID] = g
	t.byInvocation[invocationID] = g.ID
	t.attachChild(parentID, g.ID)
	if parentID == "" {
		t.roots = append(t.roots, g.ID)
	}
	t.mu.Unlock()

	t.emit(Event{NodeID: g.ID, ParentID: parentID, Depth: depth, Path: g.Path, Timestamp: time.Now(), Kind: EventGadgetCall, Payload: g})
	return g
}

// StartGadget transitions a gadget to running. The invariant that a gadget
// with dependencies never enters running while any dependency is
// incomplete is enforced by the caller (GadgetExecutor), which only calls
// StartGadget once every dependency reports GadgetCompleted.
func (t *Tree) StartGadget(id string) {
	t.mu.Lock()
	g, ok := t.gadgets[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	g.State = GadgetRunning
	g.StartedAt = &now
	path, depth, parentID := g.Path, g.Depth, g.ParentID
	t.mu.Unlock()

	t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: now, Kind: EventGadgetStart, Payload: g})
}

// CompleteGadgetOpts carries the fields CompleteGadget may set.
type CompleteGadgetOpts struct {
	Result      string
	Error       string
	ExecutionMS int64
	Media       []media.Ref
	Cost        float64
}

// CompleteGadget transitions a gadget to completed or failed, depending on
// whether opts.Error is set.
func (t *Tree) CompleteGadget(id string, opts CompleteGadgetOpts) {
	t.mu.Lock()
	g, ok := t.gadgets[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	g.Result = opts.Result
	g.Error = opts.Error
	g.ExecutionMS = opts.ExecutionMS
	g.Media = opts.Media
	g.Cost = opts.Cost
	g.CompletedAt = &now
	if opts.Error != "" {
		g.State = GadgetFailed
	} else {
		g.State = GadgetCompleted
	}
	path, depth, parentID, kind := g.Path, g.Depth, g.ParentID, EventGadgetComplete
	if g.State == GadgetFailed {
		kind = EventGadgetError
	}
	t.mu.Unlock()

	t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: now, Kind: kind, Payload: g})
}

// SkipGadget transitions a gadget directly to skipped because a dependency
// failed or was itself skipped.
func (t *Tree) SkipGadget(id string, failedDependency, message, reason string) {
	t.mu.Lock()
	g, ok := t.gadgets[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	g.State = GadgetSkipped
	g.FailedDependency = failedDependency
	g.Error = message
	g.CompletedAt = &now
	path, depth, parentID := g.Path, g.Depth, g.ParentID
	t.mu.Unlock()

	t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: now, Kind: EventGadgetSkipped, Payload: map[string]string{"failed_dependency": failedDependency, "message": message, "reason": reason}})
}

// depthAndPath resolves the depth/path a new child of parentID should get.
// Must be called with t.mu held.
func (t *Tree) depthAndPath(parentID string) (int, []string) {
	if parentID == "" {
		return 0, nil
	}
	if parent, ok := t.llmCalls[parentID]; ok {
		return parent.Depth + 1, append([]string(nil), parent.Path...)
	}
	if parent, ok := t.gadgets[parentID]; ok {
		return parent.Depth + 1, append([]string(nil), parent.Path...)
	}
	return 0, nil
}

// attachChild records childID under parentID's Children slice, in
// insertion order. Must be called with t.mu held.
func (t *Tree) attachChild(parentID, childID string) {
	if parentID == "" {
		return
	}
	if parent, ok := t.llmCalls[parentID]; ok {
		parent.Children = append(parent.Children, childID)
		return
	}
	if parent, ok := t.gadgets[parentID]; ok {
		parent.Children = append(parent.Children, childID)
	}
}
