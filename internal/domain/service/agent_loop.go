package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gadgetkit/gadgetkit/internal/domain/entity"
	"github.com/gadgetkit/gadgetkit/internal/domain/exectree"
	"github.com/gadgetkit/gadgetkit/internal/domain/gadget"
	"github.com/gadgetkit/gadgetkit/internal/domain/gadgetexec"
	"github.com/gadgetkit/gadgetkit/internal/domain/streamparser"
	"go.uber.org/zap"
)

// AgentLoopConfig holds configuration for the agent's ReAct loop
type AgentLoopConfig struct {
	MaxOutputChars int     // Maximum characters per gadget output before truncation (default: 32000)
	Temperature    float64 // LLM temperature
	Model          string  // LLM model identifier (e.g. "bailian/qwen3-coder-plus")

	// ParentNodeID nests every LLMCall node this run creates under an
	// existing ExecutionTree Gadget node — set when this loop is itself
	// running as a spawned sub-agent.
	ParentNodeID string

	// Per-model policy overrides from config.yaml.
	// Keys are matched by substring against model ID (e.g. "qwen3", "minimax").
	ModelPolicies map[string]*ModelPolicyOverride

	// Auto-retry configuration
	MaxRetries    int           // Max retries per LLM call (default: 3)
	RetryBaseWait time.Duration // Base wait between retries (default: 2s, exponential: 2s, 4s, 8s)

	// Context compaction
	CompactKeepLast int // Number of recent messages to preserve during compaction (default: 10)

	// Parallel gadget execution
	MaxParallelGadgets int // Max concurrent gadget executions per wave (default: 4, 1 = sequential)

	// Guardrails: token budget is the only natural run limit — no MaxSteps,
	// no RunTimeout. The loop runs until the model stops emitting gadget
	// calls or the token budget exhausts.
	MaxTokenBudget            int64         // Token budget limit (0 = disabled)
	GadgetTimeout             time.Duration // Per-gadget execution timeout (default 30s)
	ContextMaxTokens          int           // Context window token limit (default 128000)
	ContextWarnRatio          float64       // Warn when context > this ratio (default 0.7)
	ContextHardRatio          float64       // Force compact when > this ratio (default 0.85)
	GadgetLoopWindowSize      int           // Sliding window size for exact-match loop detection (default 10)
	GadgetLoopDetectThreshold int           // Identical calls in window to trigger reflection (default 5)
	GadgetLoopNameThreshold   int           // Same gadget name appearances within the window to trigger reflection (default 8)
}

// DefaultAgentLoopConfig returns production-ready defaults. No MaxSteps, no
// RunTimeout — the loop runs until the model stops emitting gadget calls,
// guarded by token budget + ContextGuard.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		MaxOutputChars:          32000,
		Temperature:             0.7,
		MaxRetries:              3,
		RetryBaseWait:           2 * time.Second,
		CompactKeepLast:         10,
		MaxParallelGadgets:      4,
		GadgetTimeout:           30 * time.Second,
		ContextMaxTokens:        128000,
		ContextWarnRatio:        0.7,
		ContextHardRatio:        0.85,
		GadgetLoopWindowSize:      10,
		GadgetLoopDetectThreshold: 5,
		GadgetLoopNameThreshold:   8,
	}
}

// LLMClient is the interface the agent loop uses to communicate with language models.
// It decouples the loop from specific LLM provider implementations.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// The implementation does not close the channel; the caller closes it
	// after GenerateStream returns and must drain it.
	// Returns the final accumulated LLMResponse once the stream ends.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk represents a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText     string               // Incremental text content
	DeltaToolCall *entity.ToolCallInfo // Incremental tool call (may arrive in fragments; unused by the gadget-marker protocol, kept for provider compatibility)
	FinishReason  string               // "stop", "tool_calls", "" (not yet finished)
}

// LLMRequest is the request sent to the language model
type LLMRequest struct {
	Messages    []LLMMessage        `json:"messages"`
	Tools       []gadget.Definition `json:"tools,omitempty"`
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature"`
}

// LLMMessage represents a single message in the conversation
type LLMMessage struct {
	Role       string                `json:"role"` // "system", "user", "assistant", "tool"
	Content    string                `json:"content"`
	Parts      []ContentPart         `json:"parts,omitempty"` // Multimodal content (takes precedence over Content)
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
	Name       string                `json:"name,omitempty"`
}

// ContentPart represents a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"`                // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`      // Content when Type="text"
	MediaURL string `json:"media_url,omitempty"` // URL when Type="image"/"audio"/"file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     []byte `json:"data,omitempty"`       // Inline binary data (optional)
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia returns true if the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model
type LLMResponse struct {
	Content    string                `json:"content"`
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"` // unused by the gadget-marker dispatch path; providers may still populate it
	ModelUsed  string                `json:"model_used"`
	TokensUsed int                   `json:"tokens_used"`
}

// ToolExecutor adapts a gadget.Registry for consumers that only need direct
// name/args execution and listing (the HTTP API surface, mainly) rather
// than the full GadgetExecutor dispatch protocol AgentLoop now drives.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (*gadget.Result, error)
	GetDefinitions() []gadget.Definition
	// GetToolKind returns the Kind of a registered tool (defaults to "execute" if unknown)
	GetToolKind(name string) gadget.Kind
}

// AgentLoop implements the ReAct (Reason + Act) agent loop with:
//   - Incremental gadget-call extraction from the raw model stream (StreamParser)
//   - Dependency-respecting parallel gadget dispatch (GadgetExecutor)
//   - A full hierarchical execution record (ExecutionTree)
//   - Auto-retry with exponential backoff
//   - Context compaction for long conversations
//   - Graceful abort support
//   - Doom loop detection
type AgentLoop struct {
	llm        LLMClient
	registry   gadget.Registry
	config     AgentLoopConfig
	hooks      AgentHook
	middleware *MiddlewarePipeline
	toolCache  *ToolResultCache
	logger     *zap.Logger
}

// NewAgentLoop creates a new ReAct agent loop driven by a gadget registry.
func NewAgentLoop(llm LLMClient, registry gadget.Registry, config AgentLoopConfig, logger *zap.Logger) *AgentLoop {
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = 32000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	if config.MaxParallelGadgets <= 0 {
		config.MaxParallelGadgets = 4
	}
	// Guardrail defaults
	if config.GadgetTimeout <= 0 {
		config.GadgetTimeout = 30 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.ContextWarnRatio <= 0 {
		config.ContextWarnRatio = 0.7
	}
	if config.ContextHardRatio <= 0 {
		config.ContextHardRatio = 0.85
	}
	if config.GadgetLoopWindowSize <= 0 {
		config.GadgetLoopWindowSize = 10
	}
	if config.GadgetLoopDetectThreshold <= 0 {
		config.GadgetLoopDetectThreshold = 5
	}
	if config.GadgetLoopNameThreshold <= 0 {
		config.GadgetLoopNameThreshold = 8
	}

	return &AgentLoop{
		llm:        llm,
		registry:   registry,
		config:     config,
		hooks:      &NoOpHook{},
		middleware: NewMiddlewarePipeline(logger),
		toolCache:  NewToolResultCache(30*time.Second, 100),
		logger:     logger,
	}
}

// SetHooks replaces the hook chain for this agent loop.
func (a *AgentLoop) SetHooks(hooks AgentHook) {
	if hooks != nil {
		a.hooks = hooks
	}
}

// SetMiddleware replaces the middleware pipeline for this agent loop.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// AgentResult is the final result of the agent loop
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	TotalTokens  int
	ModelUsed    string
	ToolsUsed    []string
	Tree         *exectree.Tree // full hierarchical execution record for this run
	RootNodeID   string         // the run's first LLMCall node id
}

// Run executes the ReAct loop, emitting events to the provided channel.
// The caller should read from eventCh until it's closed.
// modelOverride, when non-empty, overrides the default model for this run
// (used by TG /models command to switch models per-session).
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	eventCh := make(chan entity.AgentEvent, 64)

	result := &AgentResult{}

	// Inject trace ID for structured logging
	ctx = WithTraceID(ctx, "")
	a.logger = a.logger.With(zap.String("trace_id", TraceIDFromContext(ctx)))

	// Clear tool cache for each new run
	a.toolCache.Clear()

	// Create a state machine for this run
	sm := NewStateMachine(0, a.logger) // 0 = unlimited steps (bounded by token budget)

	// Wire hooks into state machine transitions
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		a.hooks.OnStateChange(from, to, snap)
	})

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Internal error: %v", r),
				})
				result.FinalContent = fmt.Sprintf("Internal error: %v", r)
			}
		}()
		a.runLoop(ctx, systemPrompt, userMessage, history, result, eventCh, sm, modelOverride)
	}()

	return result, eventCh
}

func (a *AgentLoop) runLoop(
	ctx context.Context,
	systemPrompt string,
	userMessage string,
	history []LLMMessage,
	result *AgentResult,
	eventCh chan<- entity.AgentEvent,
	sm *StateMachine,
	modelOverride string,
) {
	// Store user message in context for MemoryMiddleware
	ctx = WithUserMessage(ctx, userMessage)

	tree := exectree.New()
	gexec := gadgetexec.New(a.registry, tree, a.logger)
	gexec.DefaultGadgetTimeout = a.config.GadgetTimeout
	result.Tree = tree

	gadgetDefs := a.registry.List()
	systemPrompt = withGadgetInstructions(systemPrompt, gadgetDefs)

	// Build initial messages
	messages := make([]LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, LLMMessage{Role: "user", Content: userMessage})

	toolsUsedSet := make(map[string]bool)

	// Initialize guardrails for this run
	loopDetector := NewLoopDetector(a.config.GadgetLoopWindowSize, a.config.GadgetLoopDetectThreshold, a.config.GadgetLoopNameThreshold, a.logger)
	contextGuard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, a.logger)
	var costGuard *CostGuard
	if a.config.MaxTokenBudget > 0 {
		costGuard = NewCostGuard(a.config.MaxTokenBudget, 0, a.logger)
	}

	consecutiveFailures := 0    // Track consecutive gadget failures for reflection injection
	overflowCompactions := 0    // Track auto-compaction retries on context overflow (max 3)
	compactionThisTurn := false // Auto-continue once after compaction

	// Collect cleaned text from every assistant turn. Many models emit all
	// useful narration during intermediate gadget-calling steps and return
	// empty content on the final step; the last non-empty one becomes the
	// fallback final answer.
	var assistantTexts []string

	// Determine effective model for this run
	model := a.config.Model
	if modelOverride != "" {
		model = modelOverride
		a.logger.Info("Model override active", zap.String("override", modelOverride))
	}

	// Resolve per-model policy for this run
	policy := ResolveModelPolicy(model, a.config.ModelPolicies)
	a.logger.Info("Model policy resolved",
		zap.String("model", model),
		zap.String("reasoning_format", policy.ReasoningFormat),
		zap.Int("progress_interval", policy.ProgressInterval),
		zap.String("prompt_style", policy.PromptStyle),
	)

	// No MaxSteps, no RunTimeout. The loop runs until the model stops
	// emitting gadget calls. Safety nets: token budget, ContextGuard.
	for step := 1; ; step++ {
		sm.SetStep(step)

		// Check cancellation (context deadline or user abort)
		if err := ctx.Err(); err != nil {
			_ = sm.Transition(StateAborted)
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: "context cancelled",
			})
			return
		}

		a.logger.Info("Agent loop step",
			zap.Int("step", step),
			zap.Int("messages", len(messages)),
		)

		// === Progress injection: policy-driven interval with escalating urgency ===
		if policy.ProgressInterval > 0 && step > 1 && step%policy.ProgressInterval == 0 {
			if msg := policy.BuildProgressMessage(step); msg != "" {
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: msg,
				})
			}
		}

		// === Context compaction (token-based only — no fixed message count threshold) ===
		ctxCheck := contextGuard.Check(messages)
		if ctxCheck.NeedCompaction {
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Context compacted (token threshold)",
				zap.Int("messages_after", len(messages)),
				zap.Int("estimated_tokens", ctxCheck.EstimatedTokens),
				zap.Float64("ratio", ctxCheck.Ratio),
			)
		}

		// === Sanitize messages (fix orphan tool_use blocks) ===
		messages = sanitizeMessages(messages)

		// === 1. Call LLM with auto-retry, streaming gadget calls out of the response ===
		_ = sm.Transition(StateStreaming)

		// === Middleware: BeforeModel (transform messages) ===
		mwMessages := a.middleware.RunBeforeModel(ctx, messages, step)

		llmReq := &LLMRequest{
			Messages:    mwMessages,
			Model:       model,
			Temperature: a.config.Temperature,
		}

		a.hooks.BeforeLLMCall(ctx, llmReq, step)

		llmNode := tree.AddLLMCall(step, model, a.config.ParentNodeID)
		if result.RootNodeID == "" {
			result.RootNodeID = llmNode.ID
		}

		parser := streamparser.New()
		resp, streamEvents, err := a.callLLMWithRetry(ctx, llmReq, step, eventCh, tree, llmNode.ID, parser)
		if err != nil {
			// Reactive overflow detection: if the API returns a context
			// overflow error, auto-compact and retry instead of failing
			// immediately. Max 3 attempts.
			if IsContextOverflowError(err) && overflowCompactions < 3 {
				overflowCompactions++
				a.logger.Warn("Context overflow detected, auto-compacting",
					zap.Int("attempt", overflowCompactions),
					zap.Int("messages", len(messages)),
					zap.Error(err),
				)
				_ = sm.Transition(StateCompacting)
				messages = a.compactMessages(messages)
				tree.FailLLMCall(llmNode.ID, err, true)
				a.logger.Info("Auto-compaction complete, retrying LLM call",
					zap.Int("messages_after", len(messages)),
				)
				continue // retry the loop iteration with compacted context
			}

			// All retries exhausted
			sm.RecordError()
			_ = sm.Transition(StateError)
			tree.FailLLMCall(llmNode.ID, err, false)
			a.hooks.OnError(ctx, err, step)
			a.emitEvent(eventCh, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Sprintf("LLM error at step %d (after %d retries): %v", step, a.config.MaxRetries, err),
			})
			result.FinalContent = fmt.Sprintf("Error: %v", err)
			return
		}

		result.TotalTokens += resp.TokensUsed
		result.ModelUsed = resp.ModelUsed
		result.TotalSteps = step
		sm.AddTokens(resp.TokensUsed)
		sm.SetModel(resp.ModelUsed)

		// === CostGuard: check token + time budgets ===
		if costGuard != nil {
			if err := costGuard.AddTokens(int64(resp.TokensUsed)); err != nil {
				_ = sm.Transition(StateError)
				a.hooks.OnError(ctx, err, step)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Budget exceeded: %v", err),
				})
				result.FinalContent = fmt.Sprintf("Stopped: %v", err)
				return
			}
			if err := costGuard.CheckBudget(); err != nil {
				_ = sm.Transition(StateError)
				a.hooks.OnError(ctx, err, step)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("Budget exceeded: %v", err),
				})
				result.FinalContent = fmt.Sprintf("Stopped: %v", err)
				return
			}
		}

		// === Middleware: AfterModel (transform response) ===
		resp = a.middleware.RunAfterModel(ctx, resp, step)

		a.hooks.AfterLLMCall(ctx, resp, step)

		tree.CompleteLLMCall(llmNode.ID, exectree.CompleteLLMCallOpts{
			ResponseText: resp.Content,
			Usage:        &exectree.Usage{Total: resp.TokensUsed},
			FinishReason: resp.FinishReason(),
			Cost:         0,
		})

		// 2. Emit step info with state
		snap := sm.Snapshot()
		a.emitEvent(eventCh, entity.AgentEvent{
			Type: entity.EventStepDone,
			StepInfo: &entity.StepInfo{
				Step:       step,
				TokensUsed: resp.TokensUsed,
				ModelUsed:  resp.ModelUsed,
				State:      string(snap.State),
			},
		})

		// 3. Split the committed stream into gadget calls and narration,
		// in the order their start markers appeared.
		gadgetCalls := gadgetCallsFromEvents(streamEvents)

		a.logger.Info("Post-LLM decision point",
			zap.Int("step", step),
			zap.Int("gadget_calls", len(gadgetCalls)),
			zap.Int("content_len", len(resp.Content)),
			zap.Int("tokens", resp.TokensUsed),
		)

		if len(gadgetCalls) == 0 {
			// Auto-continue once after compaction: if compaction happened
			// this turn, the model might stop prematurely because it lost
			// context. Give it one more chance by injecting "continue".
			if compactionThisTurn {
				compactionThisTurn = false // only continue once, preventing infinite loop
				a.logger.Info("Auto-continue after compaction", zap.Int("step", step))
				messages = append(messages, LLMMessage{
					Role:    "assistant",
					Content: resp.Content,
				})
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "continue",
				})
				continue // retry the loop — the model gets fresh context after compaction
			}

			// No gadget calls — final response
			finalContent := StripReasoningTags(resp.Content)

			// Fallback 1: if the final step's content is empty after a
			// multi-step run, request a proper summary from the model.
			// This produces a coherent answer rather than reusing
			// intermediate narration, which is just the model's plan
			// announcement, not a result.
			if strings.TrimSpace(finalContent) == "" && step > 1 {
				// Ensure proper role alternation. The last message in
				// history is a gadget result (role=tool) from the final
				// call. Some APIs require assistant-then-user
				// alternation, so insert a minimal assistant
				// acknowledgment if the last message isn't already from
				// the assistant.
				if last := messages[len(messages)-1]; last.Role != "assistant" {
					messages = append(messages, LLMMessage{
						Role:    "assistant",
						Content: "Done executing the requested gadgets.",
					})
				}
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "Summarize what you just did and the final result, concisely. Don't repeat the plan, just the outcome.",
				})
				summaryReq := &LLMRequest{
					Messages:    messages,
					Model:       model,
					Temperature: a.config.Temperature,
				}
				summaryParser := streamparser.New()
				summaryResp, _, err := a.callLLMWithRetry(ctx, summaryReq, step+1, eventCh, tree, llmNode.ID, summaryParser)
				if err == nil && strings.TrimSpace(summaryResp.Content) != "" {
					finalContent = StripReasoningTags(summaryResp.Content)
				}
			}

			// Fallback 2: if the summary also failed, use the last
			// collected assistant text. Better than returning nothing,
			// even though intermediate narration isn't an ideal final
			// answer.
			if strings.TrimSpace(finalContent) == "" && len(assistantTexts) > 0 {
				finalContent = assistantTexts[len(assistantTexts)-1]
			}

			result.FinalContent = finalContent
			_ = sm.Transition(StateComplete)
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
			return
		}

		// Collect intermediate assistant text alongside gadget calls — some
		// models narrate while calling gadgets; used as fallback if the
		// final step returns empty content.
		if cleaned := strings.TrimSpace(StripReasoningTags(narrationFromEvents(streamEvents))); cleaned != "" {
			assistantTexts = append(assistantTexts, cleaned)
		}

		// 4. Append the assistant's raw turn (including its gadget-call
		// markers) to history — the model needs to see its own prior
		// invocations verbatim to track invocation ids and dependencies.
		messages = append(messages, LLMMessage{
			Role:    "assistant",
			Content: resp.Content,
		})

		// 5. Dispatch gadget calls (parallel within dependency waves)
		_ = sm.Transition(StateToolExec)

		// Loop detection: inject reflection prompts instead of hard-terminating.
		var reflectionPrompts []string
		for _, call := range gadgetCalls {
			kind := gadget.KindExecute
			if g, ok := a.registry.Get(call.Name); ok {
				kind = g.Kind()
			}
			if gadget.SafeKinds[kind] {
				continue // read-only gadgets don't count toward loop detection
			}
			if prompt := loopDetector.RecordName(call.Name); prompt != "" {
				reflectionPrompts = append(reflectionPrompts, prompt)
			}
			if prompt := loopDetector.Record(call.Name, call.RawParams); prompt != "" {
				reflectionPrompts = append(reflectionPrompts, prompt)
			}
		}

		// Emit all gadget call events
		for _, call := range gadgetCalls {
			a.emitEvent(eventCh, entity.AgentEvent{
				Type: entity.EventToolCall,
				ToolCall: &entity.ToolCallEvent{
					ID:   call.InvocationID,
					Name: call.Name,
				},
			})
		}

		gadgetResults := a.dispatchGadgetWaves(ctx, gexec, gadgetCalls, llmNode.ID, tree)

		// Process results in the order their start markers appeared in the
		// stream (not wave/batch order) — stabilizes message ordering for
		// the model regardless of how waves scheduled concurrently.
		allFailed := len(gadgetResults) > 0
		for _, call := range gadgetCalls {
			r := gadgetResults[call.InvocationID]
			toolsUsedSet[call.Name] = true
			sm.RecordToolExec(call.Name)

			output := formatGadgetOutput(r)
			output = truncateOutput(output, a.config.MaxOutputChars)

			success := r.Error == "" && r.SkippedDueToFailedDependency == ""
			if success {
				allFailed = false
			}

			a.emitEvent(eventCh, entity.AgentEvent{
				Type: entity.EventToolResult,
				ToolCall: &entity.ToolCallEvent{
					ID:       call.InvocationID,
					Name:     call.Name,
					Output:   output,
					Success:  success,
					Duration: time.Duration(r.ExecutionMS) * time.Millisecond,
				},
			})

			messages = append(messages, LLMMessage{
				Role:       "tool",
				Content:    output,
				ToolCallID: call.InvocationID,
				Name:       call.Name,
			})

			if success && r.BreaksLoop {
				result.FinalContent = StripReasoningTags(r.Result)
				_ = sm.Transition(StateComplete)
				a.hooks.OnComplete(ctx, result)
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventDone})
				return
			}
		}

		if allFailed {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		// If 3 consecutive rounds of all-failed gadgets, inject reflection
		if consecutiveFailures >= 3 {
			messages = append(messages, LLMMessage{
				Role:    "user",
				Content: "[SYSTEM] Gadgets have failed for 3 consecutive rounds. Stop retrying and tell the user what went wrong, what you tried, and what you suggest.",
			})
			consecutiveFailures = 0
		}

		for _, prompt := range reflectionPrompts {
			messages = append(messages, LLMMessage{
				Role:    "user",
				Content: prompt,
			})
		}

		// === Post-gadget context check ===
		// If gadget outputs pushed us over the hard ratio, force compaction now.
		postCheck := contextGuard.Check(messages)
		if postCheck.NeedCompaction {
			a.logger.Warn("Post-gadget context overflow, forcing compaction",
				zap.Int("estimated_tokens", postCheck.EstimatedTokens),
				zap.Float64("ratio", postCheck.Ratio),
			)
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Post-gadget compaction complete",
				zap.Int("messages_after", len(messages)),
			)
		}

		// Continue loop — go back to step 1 (call LLM again)
	}
}

// formatGadgetOutput renders a gadgetexec.Result into the text the model
// sees as the gadget's "tool" message content.
func formatGadgetOutput(r gadgetexec.Result) string {
	if r.SkippedDueToFailedDependency != "" {
		return fmt.Sprintf("[GADGET_SKIPPED] %s\n[REASON] %s", r.Name, r.Error)
	}
	if r.Error != "" {
		return fmt.Sprintf("[GADGET_FAILED] %s\n[ERROR] %s\n[HINT] If this keeps failing, stop retrying and tell the user.", r.Name, r.Error)
	}
	return r.Result
}

// gadgetCallsFromEvents extracts, in stream order, every GadgetCall a
// committed StreamEvent sequence produced.
func gadgetCallsFromEvents(events []streamparser.StreamEvent) []*streamparser.GadgetCall {
	var calls []*streamparser.GadgetCall
	for _, ev := range events {
		if ev.Kind == streamparser.EventGadgetCall && ev.Call != nil {
			calls = append(calls, ev.Call)
		}
	}
	return calls
}

// narrationFromEvents joins every text event's content, in stream order.
func narrationFromEvents(events []streamparser.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == streamparser.EventText {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

// dispatchGadgetWaves runs one step's gadget calls to completion, respecting
// dependencies declared within the batch. Calls with no unresolved in-batch
// dependency run concurrently (bounded by MaxParallelGadgets); a call whose
// dependency lives in an earlier step is already resolved in the
// ExecutionTree by the time GadgetExecutor checks it, regardless of wave
// membership here — see gadgetexec.Executor.Execute step 4.
func (a *AgentLoop) dispatchGadgetWaves(
	ctx context.Context,
	gexec *gadgetexec.Executor,
	calls []*streamparser.GadgetCall,
	parentNodeID string,
	tree *exectree.Tree,
) map[string]gadgetexec.Result {
	nodeIDs := make(map[string]string, len(calls))
	byID := make(map[string]*streamparser.GadgetCall, len(calls))
	remaining := make(map[string]int, len(calls))
	dependents := make(map[string][]string)

	for _, call := range calls {
		node := tree.AddGadget(call.InvocationID, call.Name, nil, call.Dependencies, parentNodeID)
		nodeIDs[call.InvocationID] = node.ID
		byID[call.InvocationID] = call

		inBatch := 0
		for _, dep := range call.Dependencies {
			if _, ok := byID[dep]; ok || containsCall(calls, dep) {
				inBatch++
				dependents[dep] = append(dependents[dep], call.InvocationID)
			}
		}
		remaining[call.InvocationID] = inBatch
	}

	results := make(map[string]gadgetexec.Result, len(calls))
	var resultsMu sync.Mutex

	ready := make([]string, 0, len(calls))
	for _, call := range calls {
		if remaining[call.InvocationID] == 0 {
			ready = append(ready, call.InvocationID)
		}
	}

	for len(ready) > 0 {
		wave := ready
		ready = nil

		var wg sync.WaitGroup
		sem := make(chan struct{}, a.config.MaxParallelGadgets)

		for _, id := range wave {
			wg.Add(1)
			go func(invocationID string) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					resultsMu.Lock()
					results[invocationID] = gadgetexec.Result{Name: byID[invocationID].Name, InvocationID: invocationID, Error: "context cancelled"}
					resultsMu.Unlock()
					return
				}

				call := byID[invocationID]
				if !a.hooks.BeforeToolCall(ctx, call.Name, nil) {
					resultsMu.Lock()
					results[invocationID] = gadgetexec.Result{
						Name:         call.Name,
						InvocationID: invocationID,
						Error:        fmt.Sprintf("gadget %q was blocked by security policy", call.Name),
					}
					resultsMu.Unlock()
					tree.CompleteGadget(nodeIDs[invocationID], exectree.CompleteGadgetOpts{Error: fmt.Sprintf("gadget %q was blocked by security policy", call.Name)})
					return
				}

				cacheArgs := map[string]interface{}{"raw_params": call.RawParams}
				if cached, cachedSuccess, hit := a.toolCache.Get(call.Name, cacheArgs); hit {
					r := gadgetexec.Result{Name: call.Name, InvocationID: invocationID, Result: cached}
					if !cachedSuccess {
						r.Error = cached
					}
					resultsMu.Lock()
					results[invocationID] = r
					resultsMu.Unlock()
					a.hooks.AfterToolCall(ctx, call.Name, cached, cachedSuccess)
					return
				}

				res := gexec.Execute(ctx, gadgetexec.Invocation{Call: call, NodeID: nodeIDs[invocationID]}, gadgetexec.InvocationContext{})

				cacheVal := res.Result
				if res.Error != "" {
					cacheVal = res.Error
				}
				a.toolCache.Put(call.Name, cacheArgs, cacheVal, res.Error == "")
				a.hooks.AfterToolCall(ctx, call.Name, cacheVal, res.Error == "")

				resultsMu.Lock()
				results[invocationID] = res
				resultsMu.Unlock()
			}(id)
		}

		wg.Wait()

		for _, id := range wave {
			for _, dep := range dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}

	return results
}

// containsCall reports whether id names one of calls' invocation ids.
func containsCall(calls []*streamparser.GadgetCall, id string) bool {
	for _, c := range calls {
		if c.InvocationID == id {
			return true
		}
	}
	return false
}

// withGadgetInstructions appends the gadget-call marker grammar and the
// available gadget catalog to systemPrompt, so the model knows to emit
// "!!!GADGET_START:name[:id]" blocks instead of relying on native
// provider tool-calling.
func withGadgetInstructions(systemPrompt string, defs []gadget.Definition) string {
	if len(defs) == 0 {
		return systemPrompt
	}

	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if systemPrompt != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Gadgets\n\n")
	sb.WriteString("To run a gadget, write a block anywhere in your reply:\n\n")
	sb.WriteString("!!!GADGET_START:name[:invocation_id]\n<params>\n!!!GADGET_END[:invocation_id]\n\n")
	sb.WriteString("Reference an earlier call's result with @invocation_id (whole value) or $invocation_id.path (nested value). ")
	sb.WriteString("Multiple gadget blocks in one reply run concurrently unless one references another's invocation_id.\n\n")
	sb.WriteString("Available gadgets:\n\n")
	for _, d := range defs {
		sb.WriteString(fmt.Sprintf("- %s (%s body): %s\n", d.Name, d.BodyFormat, d.Description))
	}
	return sb.String()
}

// FinishReason reports the provider's stop reason for this response, if any
// was surfaced. Kept as a method so providers that don't track one yet
// default to empty rather than requiring a struct-literal change everywhere
// an LLMResponse is built.
func (r *LLMResponse) FinishReason() string {
	return ""
}
