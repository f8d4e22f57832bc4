// Package streamparser incrementally extracts gadget invocations from raw
// LLM output (§4.1/C4). The model is free to interleave ordinary prose with
// "!!!GADGET_START:name[:id]\n...params...\n!!!GADGET_END[:id]" blocks; feed
// is chunk-boundary tolerant, so a marker split across two stream fragments
// is still recognized once the tail arrives.
package streamparser

import (
	"regexp"
	"strings"

	"github.com/gadgetkit/gadgetkit/internal/domain/invocation"
)

const (
	DefaultStartPrefix = "!!!GADGET_START:"
	DefaultEndPrefix   = "!!!GADGET_END"
	DefaultArgPrefix   = "!!!ARG:"
)

// DefaultDependencyPattern matches whole-value references: "@gadget_1".
var DefaultDependencyPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// DefaultPathPattern matches path references: "$gadget_1.result.items.0".
var DefaultPathPattern = regexp.MustCompile(`\$([A-Za-z0-9_]+)((?:\.[A-Za-z0-9_]+)*)`)

// EventKind names which of the two event shapes a StreamEvent carries.
type EventKind string

const (
	EventText       EventKind = "text"
	EventGadgetCall EventKind = "gadget_call"
)

// StreamEvent is one unit yielded by feed/finalize, in stream order.
type StreamEvent struct {
	Kind EventKind
	Text string
	Call *GadgetCall
}

// GadgetCall is one parsed (or best-effort, lenient) gadget invocation.
type GadgetCall struct {
	InvocationID string
	Name         string
	RawParams    string
	Dependencies []string
	ParseError   string
}

type state int

const (
	stateOutside state = iota
	stateInHeader
	stateInBody
)

// Parser is a single-use (per conversation turn) incremental state machine.
// Not safe for concurrent use by multiple goroutines against the same
// instance — each LLM stream gets its own Parser.
type Parser struct {
	StartPrefix       string
	EndPrefix         string
	ArgPrefix         string
	DependencyPattern *regexp.Regexp
	PathPattern       *regexp.Regexp

	st      state
	pending string // bytes not yet consumed, carried across feed() calls

	headerName   string
	headerID     string
	headerErr    string
	bodyBuf      strings.Builder
}

// New builds a Parser with the spec's default markers and reference
// patterns.
func New() *Parser {
	return &Parser{
		StartPrefix:       DefaultStartPrefix,
		EndPrefix:         DefaultEndPrefix,
		ArgPrefix:         DefaultArgPrefix,
		DependencyPattern: DefaultDependencyPattern,
		PathPattern:       DefaultPathPattern,
	}
}

// Reset discards all buffered state. The process-wide invocation counter
// (domain/invocation) is untouched — ids stay unique across resets.
func (p *Parser) Reset() {
	p.pending = ""
	p.st = stateOutside
	p.headerName = ""
	p.headerID = ""
	p.headerErr = ""
	p.bodyBuf.Reset()
}

// Feed consumes one more fragment of LLM output, returning every event that
// can be determined from data seen so far.
func (p *Parser) Feed(chunk string) []StreamEvent {
	p.pending += chunk
	return p.drain(false)
}

// Finalize flushes any pending buffered text or best-effort call after the
// stream ends.
func (p *Parser) Finalize() []StreamEvent {
	events := p.drain(true)

	switch p.st {
	case stateOutside:
		if p.pending != "" {
			events = append(events, StreamEvent{Kind: EventText, Text: p.pending})
			p.pending = ""
		}
	case stateInHeader:
		// Cut off mid-header: no newline ever arrived, so there is no
		// reliable name/params split. Best effort: the whole accumulated
		// header text becomes the call's name, with an empty body.
		call := p.buildCall(strings.TrimSpace(p.pending), "", "")
		call.ParseError = "truncated gadget header: no newline before stream end"
		events = append(events, StreamEvent{Kind: EventGadgetCall, Call: call})
		p.pending = ""
	case stateInBody:
		p.bodyBuf.WriteString(p.pending)
		p.pending = ""
		call := p.buildCall(p.headerName, p.headerID, p.bodyBuf.String())
		call.ParseError = p.headerErr
		events = append(events, StreamEvent{Kind: EventGadgetCall, Call: call})
		p.bodyBuf.Reset()
	}
	p.st = stateOutside
	return events
}

// drain repeatedly advances the state machine over p.pending until no more
// progress can be made without additional input.
func (p *Parser) drain(atEOF bool) []StreamEvent {
	var events []StreamEvent

	for {
		switch p.st {
		case stateOutside:
			idx := strings.Index(p.pending, p.StartPrefix)
			if idx != -1 {
				if idx > 0 {
					events = append(events, StreamEvent{Kind: EventText, Text: p.pending[:idx]})
				}
				p.pending = p.pending[idx+len(p.StartPrefix):]
				p.st = stateInHeader
				continue
			}

			overlap := suffixPrefixOverlap(p.pending, p.StartPrefix)
			if overlap > 0 && !atEOF {
				if keep := len(p.pending) - overlap; keep > 0 {
					events = append(events, StreamEvent{Kind: EventText, Text: p.pending[:keep]})
				}
				p.pending = p.pending[len(p.pending)-overlap:]
				return events
			}

			// No marker and no partial match at the tail: nothing more to
			// do until the next chunk arrives.
			return events

		case stateInHeader:
			nl := strings.IndexByte(p.pending, '\n')
			if nl == -1 {
				return events
			}
			header := p.pending[:nl]
			p.pending = p.pending[nl+1:]
			p.headerName, p.headerID, p.headerErr = parseHeader(header)
			p.bodyBuf.Reset()
			p.st = stateInBody
			continue

		case stateInBody:
			idx := strings.Index(p.pending, p.EndPrefix)
			if idx != -1 {
				p.bodyBuf.WriteString(p.pending[:idx])
				rest := p.pending[idx+len(p.EndPrefix):]
				rest = consumeEndSuffix(rest, p.headerID)
				p.pending = rest

				call := p.buildCall(p.headerName, p.headerID, p.bodyBuf.String())
				call.ParseError = p.headerErr
				events = append(events, StreamEvent{Kind: EventGadgetCall, Call: call})

				p.bodyBuf.Reset()
				p.headerName, p.headerID, p.headerErr = "", "", ""
				p.st = stateOutside
				continue
			}

			overlap := suffixPrefixOverlap(p.pending, p.EndPrefix)
			if overlap > 0 && !atEOF {
				p.bodyBuf.WriteString(p.pending[:len(p.pending)-overlap])
				p.pending = p.pending[len(p.pending)-overlap:]
				return events
			}

			p.bodyBuf.WriteString(p.pending)
			p.pending = ""
			return events
		}
	}
}

// buildCall assembles a GadgetCall, minting an invocation id when the
// header supplied none, and harvesting dependency references from rawParams.
func (p *Parser) buildCall(name, id, rawParams string) *GadgetCall {
	if id == "" {
		id = invocation.Next()
	}
	return &GadgetCall{
		InvocationID: id,
		Name:         name,
		RawParams:    rawParams,
		Dependencies: p.harvestDependencies(rawParams),
	}
}

// harvestDependencies scans rawParams for @ref and $ref.path style
// references and returns the referenced invocation ids, deduplicated and in
// first-seen order. References are harvested from the raw body text as a
// whole rather than per decoded-arg value, since the body's encoding (JSON,
// YAML, or BlockParams) is not yet known at parse time — GadgetRegistry
// resolves that later. The harvested set is identical either way: the
// regexes only match within single values already.
func (p *Parser) harvestDependencies(rawParams string) []string {
	depPattern := p.DependencyPattern
	if depPattern == nil {
		depPattern = DefaultDependencyPattern
	}
	pathPattern := p.PathPattern
	if pathPattern == nil {
		pathPattern = DefaultPathPattern
	}

	seen := make(map[string]bool)
	var deps []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		deps = append(deps, id)
	}

	for _, m := range depPattern.FindAllStringSubmatch(rawParams, -1) {
		add(m[1])
	}
	for _, m := range pathPattern.FindAllStringSubmatch(rawParams, -1) {
		add(m[1])
	}
	return deps
}

// parseHeader splits a header line into name and optional invocation id:
// "name" or "name:invocation_id".
func parseHeader(header string) (name, id, parseErr string) {
	header = strings.TrimSpace(header)
	idx := strings.IndexByte(header, ':')
	if idx == -1 {
		if header == "" {
			return "", "", "empty gadget header"
		}
		return header, "", ""
	}
	name = header[:idx]
	id = header[idx+1:]
	if name == "" {
		return "", "", "gadget header missing name"
	}
	return name, id, ""
}

// consumeEndSuffix advances past an optional ":id" suffix immediately
// following the end marker, up to end-of-line or the start of adjoining
// input (e.g. a back-to-back "!!!GADGET_START:"). The trailing newline, if
// present right after the suffix, is also consumed.
func consumeEndSuffix(rest, expectedID string) string {
	if !strings.HasPrefix(rest, ":") {
		return rest
	}

	i := 1
	for i < len(rest) && isIDByte(rest[i]) {
		i++
	}
	if i == 1 {
		// Bare ':' with no id bytes following — not a valid suffix, leave
		// untouched.
		return rest
	}

	rest = rest[i:]
	if strings.HasPrefix(rest, "\n") {
		rest = rest[1:]
	}
	return rest
}

func isIDByte(b byte) bool {
	return b == '_' ||
		(b >= 'A' && b <= 'Z') ||
		(b >= 'a' && b <= 'z') ||
		(b >= '0' && b <= '9')
}

// suffixPrefixOverlap returns the length of the longest suffix of s that
// equals a strict, non-empty prefix of marker — i.e. how many trailing
// bytes of s might be the start of marker split across a chunk boundary.
func suffixPrefixOverlap(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, marker[:l]) {
			return l
		}
	}
	return 0
}
