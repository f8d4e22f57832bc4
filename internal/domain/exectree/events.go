package exectree

import (
	"context"
	"sync"
	"time"
)

// On registers a handler for one event kind. The returned func unsubscribes.
func (t *Tree) On(kind EventKind, handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listenersByKind[kind] = append(t.listenersByKind[kind], handler)
	idx := len(t.listenersByKind[kind]) - 1

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		handlers := t.listenersByKind[kind]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// OnAll registers a handler invoked for every event kind.
func (t *Tree) OnAll(handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.allListeners = append(t.allListeners, handler)
	idx := len(t.allListeners) - 1

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.allListeners) {
			t.allListeners[idx] = nil
		}
	}
}

// emit fans an event out to every registered listener, outside t.mu.
func (t *Tree) emit(ev Event) {
	t.mu.RLock()
	kindHandlers := append([]Handler(nil), t.listenersByKind[ev.Kind]...)
	allHandlers := append([]Handler(nil), t.allListeners...)
	t.mu.RUnlock()

	for _, h := range kindHandlers {
		if h != nil {
			h(ev)
		}
	}
	for _, h := range allHandlers {
		if h != nil {
			h(ev)
		}
	}

	if ev.Kind == EventLLMCallComplete || ev.Kind == EventLLMCallError {
		t.mu.Lock()
		delete(t.inFlight, ev.NodeID)
		t.mu.Unlock()
	}
}

// Events subscribes a channel to every event and returns it. If ctx is
// cancelled (or the consumer otherwise stops draining and the caller
// invokes the returned cancel/teardown by cancelling ctx), any LLMCall
// still in flight is marked interrupted as a safety net, per the
// consumer-terminates-early contract: no LLMCall node is left dangling
// without a completed_at just because a reader walked away.
func (t *Tree) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	var closeOnce sync.Once

	unsubscribe := t.OnAll(func(ev Event) {
		select {
		case ch <- ev:
		default:
			// Slow consumer: drop rather than block the emitting mutation.
		}
	})

	go func() {
		<-ctx.Done()
		// Interrupt first so the synthesized llm_call_complete events still
		// reach ch before it is unsubscribed and closed.
		t.interruptInFlight()
		unsubscribe()
		closeOnce.Do(func() { close(ch) })
	}()

	return ch
}

// interruptInFlight is the safety-net teardown: every LLMCall with no
// CompletedAt yet is marked completed with finish_reason "interrupted" and
// an llm_call_complete event is synthesized.
func (t *Tree) interruptInFlight() {
	t.mu.Lock()
	var toInterrupt []string
	for id := range t.inFlight {
		toInterrupt = append(toInterrupt, id)
	}
	t.mu.Unlock()

	now := time.Now()
	for _, id := range toInterrupt {
		t.mu.Lock()
		call, ok := t.llmCalls[id]
		if !ok {
			t.mu.Unlock()
			continue
		}
		call.CompletedAt = &now
		call.FinishReason = "interrupted"
		delete(t.inFlight, id)
		path, depth, parentID := call.Path, call.Depth, call.ParentID
		t.mu.Unlock()

		t.emit(Event{NodeID: id, ParentID: parentID, Depth: depth, Path: path, Timestamp: now, Kind: EventLLMCallComplete, Payload: call})
	}
}
