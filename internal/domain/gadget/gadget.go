package gadget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gadgetkit/gadgetkit/internal/domain/gadgeterr"
	"github.com/gadgetkit/gadgetkit/internal/domain/media"
)

// Kind is the operation category a gadget performs — drives automatic policy decisions.
type Kind string

const (
	KindRead        Kind = "read"        // Read-only (read_file, list_dir...)
	KindEdit        Kind = "edit"        // Mutates files (write_file, edit_file...)
	KindExecute     Kind = "execute"     // Runs a command (shell, run...)
	KindDelete      Kind = "delete"      // Deletion
	KindSearch      Kind = "search"      // Search (web_search, grep...)
	KindFetch       Kind = "fetch"       // Network fetch (fetch_url...)
	KindThink       Kind = "think"       // Pure thought (save_memory, plan...)
	KindCommunicate Kind = "communicate" // Interaction (ask_user, notify...)
)

// MutatorKinds requires user confirmation under AskMode.
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds is auto-approved even under AskMode.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// BodyFormat names which of the three wire-format body encodings (§4.2/§6
// of the gadget invocation contract) a gadget declares for its params body.
type BodyFormat string

const (
	BodyFormatJSON        BodyFormat = "json"
	BodyFormatYAML        BodyFormat = "yaml"
	BodyFormatBlockParams BodyFormat = "block_params"
)

// Gadget is the interface every model-invocable tool implements.
type Gadget interface {
	// Name returns the gadget's identifier, as referenced in a GadgetCall header.
	Name() string
	// Description returns the human/model-facing description.
	Description() string
	// Kind returns the operation category (drives automatic policy decisions).
	Kind() Kind
	// Schema returns the declarative parameter schema (see domain/schema).
	Schema() map[string]interface{}
	// BodyFormat returns the params body encoding this gadget expects.
	BodyFormat() BodyFormat
	// Execute runs the gadget against coerced, validated params.
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is a gadget's execution outcome.
type Result struct {
	Output     string                 // Compact result text for the model
	Display    string                 // Rich rendering for UI consumers (falls back to Output)
	Success    bool                   // Whether execution succeeded
	Metadata   map[string]interface{} // Free-form metadata
	Error      string                 // Error text, if any
	Cost       float64                // Incremental cost in USD, if the gadget reports one
	Media      []media.Ref            // Attached media, if any
	BreaksLoop bool                   // Signals AgentLoop to terminate after this iteration
}

// DisplayOrOutput returns Display if set, else falls back to Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Definition is a gadget's definition as surfaced to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	BodyFormat  BodyFormat             `json:"body_format"`
}

// Registry is the name → gadget mapping.
type Registry interface {
	// Register adds a gadget definition. Idempotent-by-reference: re-registering
	// the same name replaces the prior definition.
	Register(g Gadget) error
	// Unregister removes a gadget definition.
	Unregister(name string) error
	// Get resolves a gadget by name.
	Get(name string) (Gadget, bool)
	// List returns every registered gadget's Definition.
	List() []Definition
	// Has reports whether a gadget is registered.
	Has(name string) bool
	// ParseBody decodes a gadget call's raw body text per that gadget's
	// declared BodyFormat. Returns an UnknownGadget gadgeterr if name isn't
	// registered.
	ParseBody(name string, rawBody string) (map[string]interface{}, error)
}

// InMemoryRegistry is the default in-process Registry implementation.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	gadgets map[string]Gadget
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		gadgets: make(map[string]Gadget),
	}
}

// Register registers a gadget, replacing any prior definition of the same name.
func (r *InMemoryRegistry) Register(g Gadget) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gadgets[g.Name()] = g
	return nil
}

// Unregister removes a gadget by name.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gadgets[name]; !exists {
		return fmt.Errorf("gadget %s not found", name)
	}

	delete(r.gadgets, name)
	return nil
}

// Get resolves a gadget by name.
func (r *InMemoryRegistry) Get(name string) (Gadget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, exists := r.gadgets[name]
	return g, exists
}

// List returns every registered gadget's definition.
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.gadgets))
	for _, g := range r.gadgets {
		defs = append(defs, Definition{
			Name:        g.Name(),
			Description: g.Description(),
			Parameters:  g.Schema(),
			BodyFormat:  g.BodyFormat(),
		})
	}
	return defs
}

// Has reports whether a gadget is registered.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.gadgets[name]
	return exists
}

// ParseBody decodes a gadget call's raw body text per that gadget's
// declared BodyFormat, using its Schema for schema-aware scalar coercion.
func (r *InMemoryRegistry) ParseBody(name string, rawBody string) (map[string]interface{}, error) {
	g, ok := r.Get(name)
	if !ok {
		return nil, gadgeterr.UnknownGadget(name)
	}
	return ParseBody(g.BodyFormat(), rawBody, g.Schema())
}

// ExecutionContext names where a gadget's side effects actually run.
type ExecutionContext int

const (
	ExecContextGateway ExecutionContext = iota // In-process, on the gateway
	ExecContextSandbox                         // Inside a process/container sandbox
	ExecContextRemote                          // On a remote worker node
)

// String returns the execution context's human-readable name.
func (c ExecutionContext) String() string {
	switch c {
	case ExecContextGateway:
		return "gateway"
	case ExecContextSandbox:
		return "sandbox"
	case ExecContextRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Executor runs one gadget against resolved arguments, within a chosen
// ExecutionContext. The GadgetExecutor (domain/gadgetexec) builds on this
// for the full timeout/abort/dependency/cost-accounting protocol.
type Executor interface {
	Execute(ctx context.Context, g Gadget, args map[string]interface{}) (*Result, error)
	SetContext(execCtx ExecutionContext)
}

// Policy governs which gadgets may run and whether they require confirmation.
type Policy struct {
	Profile     string   // Named preset: minimal, coding, messaging, full
	AllowList   []string // Allowed gadget names (empty = allow all not denied)
	DenyList    []string // Denied gadget names
	AskMode     bool     // Whether mutating gadgets require confirmation
	MaxExecTime int      // Max execution time in seconds
}

// IsAllowed reports whether a gadget name passes the allow/deny lists.
func (p *Policy) IsAllowed(name string) bool {
	for _, denied := range p.DenyList {
		if denied == name {
			return false
		}
	}

	if len(p.AllowList) == 0 {
		return true
	}

	for _, allowed := range p.AllowList {
		if allowed == name {
			return true
		}
	}

	return false
}

// NeedsConfirmation reports whether a gadget Kind requires confirmation under AskMode.
func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	if SafeKinds[kind] {
		return false
	}
	return MutatorKinds[kind]
}

// PolicyEnforcer applies a Policy against a Registry's contents.
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

// NewPolicyEnforcer creates a policy enforcer bound to a policy and registry.
func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{
		policy:   policy,
		registry: registry,
	}
}

// FilteredList returns the policy-filtered gadget definitions.
func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0)

	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}

	return filtered
}

// CanExecute reports whether a gadget name is allowed to run.
func (e *PolicyEnforcer) CanExecute(name string) bool {
	return e.policy.IsAllowed(name)
}

// NeedsApproval reports whether the policy requires confirmation before execution.
func (e *PolicyEnforcer) NeedsApproval() bool {
	return e.policy.AskMode
}

// MarshalJSON serializes a Result.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":      r.Output,
		"display":     r.Display,
		"success":     r.Success,
		"metadata":    r.Metadata,
		"error":       r.Error,
		"cost":        r.Cost,
		"breaks_loop": r.BreaksLoop,
	})
}
