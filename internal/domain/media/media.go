// Package media sniffs and describes binary content attached to gadget
// results and LLM responses, so downstream consumers (TUI, HTTP relay) can
// render it without trusting a caller-declared content type.
package media

import (
	"github.com/gabriel-vasile/mimetype"
)

// Source names where a Ref's bytes originated.
type Source string

const (
	SourceGadget Source = "gadget"
	SourceLLM    Source = "llm"
)

// Ref describes one piece of binary content attached to a Gadget/LLMCall node.
type Ref struct {
	ID        string `json:"id"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Source    Source `json:"source"`
	SniffedBy string `json:"sniffed_by"`
}

// Detect sniffs data's MIME type and builds a Ref. id is caller-supplied
// (typically an invocation_id-derived key so the ref can be correlated back
// to the node that produced it).
func Detect(id string, data []byte, source Source) Ref {
	mt := mimetype.Detect(data)
	return Ref{
		ID:        id,
		MimeType:  mt.String(),
		SizeBytes: int64(len(data)),
		Source:    source,
		SniffedBy: "mimetype",
	}
}
