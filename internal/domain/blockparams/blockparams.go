// Package blockparams decodes the "!!!ARG:"-delimited body grammar
// StreamParser hands off for gadgets that declare gadget.BodyFormatBlockParams
// (§4.2/C3). Each line starting with arg_prefix introduces a JSON-Pointer
// path; the body is assembled into the same nested map/slice value tree a
// JSON or YAML decode would produce, so GadgetRegistry.ParseBody can treat
// all three body encodings uniformly downstream.
package blockparams

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gadgetkit/gadgetkit/internal/domain/gadgeterr"
	"github.com/gadgetkit/gadgetkit/internal/domain/schema"
)

const defaultArgPrefix = "!!!ARG:"

var numericLiteral = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
var numericSegment = regexp.MustCompile(`^[0-9]+$`)

// Decoder parses a BlockParams body. ArgPrefix defaults to "!!!ARG:" when
// left empty.
type Decoder struct {
	ArgPrefix string
	Schema    *schema.Introspector // nil = auto-coercion only
}

// New builds a Decoder with the default arg prefix.
func New(introspector *schema.Introspector) *Decoder {
	return &Decoder{ArgPrefix: defaultArgPrefix, Schema: introspector}
}

type rawArg struct {
	path  string
	value string
}

// Decode parses body text into the nested value tree. Returns a
// *gadgeterr.Error (Kind = KindParse) wrapping "duplicate pointer" or array
// gap failures.
func (d *Decoder) Decode(body string) (map[string]interface{}, error) {
	prefix := d.ArgPrefix
	if prefix == "" {
		prefix = defaultArgPrefix
	}

	args, err := splitArgs(body, prefix)
	if err != nil {
		return nil, err
	}

	root := make(map[string]interface{})
	assigned := make(map[string]bool, len(args))

	for _, a := range args {
		if assigned[a.path] {
			return nil, gadgeterr.Parse(fmt.Sprintf("duplicate pointer: %s", a.path), nil)
		}
		assigned[a.path] = true

		value := coerce(a.path, a.value, d.Schema)
		if err := assign(root, splitPath(a.path), value); err != nil {
			return nil, err
		}
	}

	return root, nil
}

// splitArgs scans body for arg_prefix lines, returning each path/raw-value
// pair in document order. The value runs until the next arg_prefix line or
// end-of-body, with exactly one trailing newline stripped.
func splitArgs(body, prefix string) ([]rawArg, error) {
	var args []rawArg

	idx := strings.Index(body, prefix)
	if idx == -1 {
		if strings.TrimSpace(body) == "" {
			return args, nil
		}
		return nil, gadgeterr.Parse("body contains no arg headers", nil)
	}

	body = body[idx:]
	for len(body) > 0 {
		body = body[len(prefix):]
		nl := strings.IndexByte(body, '\n')
		var header string
		if nl == -1 {
			header = body
			body = ""
		} else {
			header = body[:nl]
			body = body[nl+1:]
		}
		path := strings.TrimSpace(header)

		next := strings.Index(body, prefix)
		var value string
		if next == -1 {
			value = body
			body = ""
		} else {
			value = body[:next]
			body = body[next:]
		}
		value = strings.TrimSuffix(value, "\n")

		args = append(args, rawArg{path: path, value: value})
	}

	return args, nil
}

// splitPath breaks a JSON-Pointer-style path into segments. A path with no
// "/" names a single top-level field.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isArrayIndex(seg string) bool {
	return numericSegment.MatchString(seg)
}

// assign writes value into root at the given path, building intermediate
// maps/slices as needed. Array segments must be dense starting at 0 for a
// given parent; a gap is reported as a parse error.
func assign(root map[string]interface{}, segs []string, value interface{}) error {
	if len(segs) == 0 {
		return gadgeterr.Parse("empty pointer path", nil)
	}

	cur := interface{}(root)
	var parent interface{}
	var parentKey string
	var parentIsArray bool

	for i, seg := range segs {
		last := i == len(segs)-1

		switch c := cur.(type) {
		case map[string]interface{}:
			if last {
				c[seg] = value
				return nil
			}
			next, ok := c[seg]
			if !ok {
				next = nextContainer(segs[i+1])
				c[seg] = next
			}
			parent, parentKey, parentIsArray = c, seg, false
			cur = next

		case []interface{}:
			if !isArrayIndex(seg) {
				return gadgeterr.Parse(fmt.Sprintf("non-numeric segment %q inside array", seg), nil)
			}
			n, err := strconv.Atoi(seg)
			if err != nil {
				return gadgeterr.Parse(fmt.Sprintf("non-numeric segment %q inside array", seg), nil)
			}
			if n != len(c) {
				if n < len(c) {
					// existing index, fine to descend/overwrite
				} else {
					return gadgeterr.Parse(fmt.Sprintf("array index gap: expected %d, got %d", len(c), n), nil)
				}
			}
			if last {
				if n == len(c) {
					c = append(c, value)
				} else {
					c[n] = value
				}
				reattach(parent, parentKey, parentIsArray, c)
				return nil
			}
			var next interface{}
			if n < len(c) {
				next = c[n]
			} else {
				next = nextContainer(segs[i+1])
				c = append(c, next)
			}
			reattach(parent, parentKey, parentIsArray, c)
			parent, parentKey, parentIsArray = c, seg, true
			cur = next

		default:
			return gadgeterr.Parse(fmt.Sprintf("path segment %q collides with a scalar value", seg), nil)
		}
	}
	return nil
}

// nextContainer decides whether the next level should be an array or a map
// based on whether the upcoming segment is numeric. A segment that parses
// as negative is always treated as an object key.
func nextContainer(nextSeg string) interface{} {
	if isArrayIndex(nextSeg) {
		return []interface{}{}
	}
	return map[string]interface{}{}
}

func reattach(parent interface{}, key string, parentIsArray bool, child []interface{}) {
	switch p := parent.(type) {
	case map[string]interface{}:
		p[key] = child
	case []interface{}:
		idx, _ := strconv.Atoi(key)
		if idx < len(p) {
			p[idx] = child
		}
	}
}

// coerce applies the auto-coercion or schema-aware coercion policy to one
// leaf value string.
func coerce(path, raw string, introspector *schema.Introspector) interface{} {
	if introspector == nil {
		return autoCoerce(raw)
	}

	switch introspector.KindAt(path) {
	case schema.KindString:
		return raw
	case schema.KindNumber:
		if n, ok := parseNumber(raw); ok {
			return n
		}
		return raw
	case schema.KindBoolean:
		if raw == "true" {
			return true
		}
		if raw == "false" {
			return false
		}
		return raw
	default:
		return autoCoerce(raw)
	}
}

func autoCoerce(raw string) interface{} {
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, ok := parseNumber(raw); ok {
		return n
	}
	return raw
}

func parseNumber(raw string) (float64, bool) {
	if !numericLiteral.MatchString(raw) {
		return 0, false
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
