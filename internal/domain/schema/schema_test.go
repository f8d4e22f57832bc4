package schema

import "testing"

func TestKindAt_TopLevel(t *testing.T) {
	root := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "number"},
			"flag":  map[string]interface{}{"type": "boolean"},
		},
	}
	in := New(root)

	cases := map[string]Kind{
		"name":    KindString,
		"count":   KindNumber,
		"flag":    KindBoolean,
		"missing": KindUnknown,
	}
	for path, want := range cases {
		if got := in.KindAt(path); got != want {
			t.Errorf("KindAt(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestKindAt_UnwrapsOptional(t *testing.T) {
	root := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nickname": map[string]interface{}{
				"wraps":  "optional",
				"schema": map[string]interface{}{"type": "string"},
			},
		},
	}
	in := New(root)
	if got := in.KindAt("nickname"); got != KindString {
		t.Errorf("KindAt(nickname) = %q, want string", got)
	}
}

func TestKindAt_NestedArray(t *testing.T) {
	root := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"items": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"qty": map[string]interface{}{"type": "number"},
					},
				},
			},
		},
	}
	in := New(root)
	if got := in.KindAt("items/0/qty"); got != KindNumber {
		t.Errorf("KindAt(items/0/qty) = %q, want number", got)
	}
	if got := in.KindAt("items/x/qty"); got != KindUnknown {
		t.Errorf("non-numeric array segment should be unknown, got %q", got)
	}
}

func TestKindAt_EnumReportsString(t *testing.T) {
	root := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"color": map[string]interface{}{"type": "enum", "values": []interface{}{"red", "blue"}},
		},
	}
	in := New(root)
	if got := in.KindAt("color"); got != KindString {
		t.Errorf("KindAt(color) = %q, want string", got)
	}
}

func TestKindAt_UnionIsUnknown(t *testing.T) {
	root := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"value": map[string]interface{}{"type": "union"},
		},
	}
	in := New(root)
	if got := in.KindAt("value"); got != KindUnknown {
		t.Errorf("union should resolve unknown, got %q", got)
	}
}

func TestKindAt_CachesResult(t *testing.T) {
	root := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
	}
	in := New(root)
	first := in.KindAt("name")
	second := in.KindAt("name")
	if first != second {
		t.Fatalf("cached result changed between calls")
	}
	if _, ok := in.cache["name"]; !ok {
		t.Fatalf("expected path to be cached")
	}
}
