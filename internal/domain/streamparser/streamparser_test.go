package streamparser

import (
	"testing"

	"github.com/gadgetkit/gadgetkit/internal/domain/invocation"
)

func TestFeed_TextThenGadgetCall(t *testing.T) {
	invocation.Reset()
	p := New()

	chunk := "Let me check that.\n!!!GADGET_START:read_file:gadget_7\npath=a.go\n!!!GADGET_END:gadget_7\n"
	events := p.Feed(chunk)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != EventText || events[0].Text != "Let me check that.\n" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Kind != EventGadgetCall {
		t.Fatalf("event[1].Kind = %v, want GadgetCall", events[1].Kind)
	}
	call := events[1].Call
	if call.Name != "read_file" || call.InvocationID != "gadget_7" {
		t.Errorf("call = %+v", call)
	}
	if call.RawParams != "path=a.go\n" {
		t.Errorf("raw params = %q", call.RawParams)
	}
}

func TestFeed_MintsIDWhenHeaderOmitsIt(t *testing.T) {
	invocation.Reset()
	p := New()

	events := p.Feed("!!!GADGET_START:bash\necho hi\n!!!GADGET_END\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	call := events[0].Call
	if call.InvocationID != "gadget_1" {
		t.Errorf("invocation id = %q, want gadget_1", call.InvocationID)
	}
}

func TestFeed_BackToBackCallsNoTextBetween(t *testing.T) {
	invocation.Reset()
	p := New()

	input := "!!!GADGET_START:a:gadget_1\nx\n!!!GADGET_END:gadget_1!!!GADGET_START:b:gadget_2\ny\n!!!GADGET_END:gadget_2\n"
	events := p.Feed(input)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (no text between calls): %+v", len(events), events)
	}
	if events[0].Call.Name != "a" || events[1].Call.Name != "b" {
		t.Errorf("events = %+v", events)
	}
}

func TestFeed_ChunkBoundarySplitsStartMarker(t *testing.T) {
	invocation.Reset()
	p := New()

	var events []StreamEvent
	events = append(events, p.Feed("hello !!!GADGET_ST")...)
	events = append(events, p.Feed("ART:bash\necho hi\n!!!GADGET_END\n")...)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != EventText || events[0].Text != "hello " {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Call.Name != "bash" {
		t.Errorf("event[1].Call = %+v", events[1].Call)
	}
}

func TestFeed_ChunkBoundarySplitsEndMarker(t *testing.T) {
	invocation.Reset()
	p := New()

	var events []StreamEvent
	events = append(events, p.Feed("!!!GADGET_START:bash\necho hi\n!!!GADGET_E")...)
	events = append(events, p.Feed("ND\n")...)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Call.RawParams != "echo hi\n" {
		t.Errorf("raw params = %q", events[0].Call.RawParams)
	}
}

func TestFinalize_FlushesBufferedText(t *testing.T) {
	p := New()
	p.Feed("just some trailing prose")

	events := p.Finalize()
	if len(events) != 1 || events[0].Kind != EventText || events[0].Text != "just some trailing prose" {
		t.Fatalf("got %+v", events)
	}
}

func TestFinalize_LenientUnterminatedBody(t *testing.T) {
	invocation.Reset()
	p := New()
	p.Feed("!!!GADGET_START:bash\necho unterminated")

	events := p.Finalize()
	if len(events) != 1 || events[0].Kind != EventGadgetCall {
		t.Fatalf("got %+v", events)
	}
	call := events[0].Call
	if call.Name != "bash" || call.RawParams != "echo unterminated" {
		t.Errorf("call = %+v", call)
	}
	if call.ParseError != "" {
		t.Errorf("expected no parse error for a clean lenient body, got %q", call.ParseError)
	}
}

func TestFinalize_LenientTruncatedHeader(t *testing.T) {
	invocation.Reset()
	p := New()
	p.Feed("!!!GADGET_START:ba")

	events := p.Finalize()
	if len(events) != 1 || events[0].Kind != EventGadgetCall {
		t.Fatalf("got %+v", events)
	}
	if events[0].Call.ParseError == "" {
		t.Error("expected a parse error noting the truncated header")
	}
}

func TestFeed_HarvestsAtRefDependency(t *testing.T) {
	invocation.Reset()
	p := New()

	events := p.Feed("!!!GADGET_START:summarize:gadget_2\nresult was @gadget_1 plus more\n!!!GADGET_END:gadget_2\n")
	call := events[0].Call
	if len(call.Dependencies) != 1 || call.Dependencies[0] != "gadget_1" {
		t.Errorf("dependencies = %+v", call.Dependencies)
	}
}

func TestFeed_HarvestsPathRefDependency(t *testing.T) {
	invocation.Reset()
	p := New()

	events := p.Feed("!!!GADGET_START:summarize:gadget_3\nuse $gadget_1.result.items.0 here\n!!!GADGET_END:gadget_3\n")
	call := events[0].Call
	if len(call.Dependencies) != 1 || call.Dependencies[0] != "gadget_1" {
		t.Errorf("dependencies = %+v", call.Dependencies)
	}
}

func TestFeed_MalformedHeaderCarriesParseError(t *testing.T) {
	invocation.Reset()
	p := New()

	events := p.Feed("!!!GADGET_START::\nbody\n!!!GADGET_END\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Call.ParseError == "" {
		t.Error("expected parse_error on malformed (nameless) header")
	}
}

func TestReset_DiscardsBufferedState(t *testing.T) {
	p := New()
	p.Feed("!!!GADGET_START:bash\npartial")
	p.Reset()

	events := p.Feed("plain text")
	final := p.Finalize()
	events = append(events, final...)
	if len(events) != 1 || events[0].Kind != EventText || events[0].Text != "plain text" {
		t.Fatalf("reset did not discard state: %+v", events)
	}
}
