package gadget

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gadgetkit/gadgetkit/internal/domain/blockparams"
	"github.com/gadgetkit/gadgetkit/internal/domain/gadgeterr"
	"github.com/gadgetkit/gadgetkit/internal/domain/schema"
	"gopkg.in/yaml.v3"
)

// ParseBody decodes a gadget's raw invocation body text into the nested
// args map Execute expects, dispatching on the gadget's declared BodyFormat
// (§4.2/§6): JSON via encoding/json, YAML via gopkg.in/yaml.v3, or
// BlockParams' "!!!ARG:"-delimited pointer-path grammar. schemaDoc may be
// nil, in which case BlockParams and YAML scalar coercion fall back to
// auto-coercion.
func ParseBody(format BodyFormat, rawBody string, schemaDoc map[string]interface{}) (map[string]interface{}, error) {
	switch format {
	case BodyFormatJSON:
		return parseJSONBody(rawBody)
	case BodyFormatYAML:
		return parseYAMLBody(rawBody, schemaDoc)
	case BodyFormatBlockParams:
		return parseBlockParamsBody(rawBody, schemaDoc)
	default:
		return parseBlockParamsBody(rawBody, schemaDoc)
	}
}

func parseJSONBody(rawBody string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(rawBody)
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, gadgeterr.Parse("invalid JSON body", err)
	}
	return out, nil
}

func parseYAMLBody(rawBody string, schemaDoc map[string]interface{}) (map[string]interface{}, error) {
	var decoded map[string]interface{}
	if err := yaml.Unmarshal([]byte(rawBody), &decoded); err != nil {
		return nil, gadgeterr.Parse("invalid YAML body", err)
	}

	var introspector *schema.Introspector
	if schemaDoc != nil {
		introspector = schema.New(schemaDoc)
	}
	return coerceYAMLTree(decoded, "", introspector), nil
}

// coerceYAMLTree walks a YAML-decoded tree, converting map[interface{}]any
// nodes (which yaml.v3 can still surface for untyped decodes of nested
// maps) to map[string]any and applying the same schema-aware scalar
// coercion BlockParams uses, so both body encodings produce an identical
// value-tree shape for downstream validators.
func coerceYAMLTree(node interface{}, path string, introspector *schema.Introspector) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			childPath := joinPointer(path, k)
			out[k] = coerceYAMLTree(val, childPath, introspector)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			ks, _ := k.(string)
			childPath := joinPointer(path, ks)
			out[ks] = coerceYAMLTree(val, childPath, introspector)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			childPath := joinPointer(path, strconv.Itoa(i))
			out[i] = coerceYAMLTree(val, childPath, introspector)
		}
		return out
	case string:
		// A quoted scalar decodes as a Go string even when the schema
		// expects number/boolean at this path; reconcile it the same way
		// BlockParams' schema-aware coercion does.
		if introspector == nil {
			return v
		}
		switch introspector.KindAt(path) {
		case schema.KindNumber:
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return n
			}
			return v
		case schema.KindBoolean:
			if v == "true" {
				return true
			}
			if v == "false" {
				return false
			}
			return v
		default:
			return v
		}
	default:
		return v
	}
}

func joinPointer(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "/" + seg
}

func parseBlockParamsBody(rawBody string, schemaDoc map[string]interface{}) (map[string]interface{}, error) {
	var introspector *schema.Introspector
	if schemaDoc != nil {
		introspector = schema.New(schemaDoc)
	}
	dec := blockparams.New(introspector)
	return dec.Decode(rawBody)
}

// DetectBodyEncoding classifies raw body text by its shape, for checking a
// gadget's declared format against what the model actually emitted
// (ParseBody itself dispatches on the declared format and does not call
// this): a leading "{" means JSON, a body containing "!!!ARG:" means
// BlockParams, and anything else falls through to YAML.
func DetectBodyEncoding(rawBody string) BodyFormat {
	trimmed := strings.TrimSpace(rawBody)
	if strings.HasPrefix(trimmed, "{") {
		return BodyFormatJSON
	}
	if strings.Contains(rawBody, "!!!ARG:") {
		return BodyFormatBlockParams
	}
	return BodyFormatYAML
}
