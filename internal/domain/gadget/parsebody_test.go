package gadget

import "testing"

func TestParseBody_JSON(t *testing.T) {
	got, err := ParseBody(BodyFormatJSON, `{"path": "a.go", "count": 3}`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["path"] != "a.go" {
		t.Errorf("path = %#v", got["path"])
	}
	if got["count"] != float64(3) {
		t.Errorf("count = %#v", got["count"])
	}
}

func TestParseBody_YAML(t *testing.T) {
	body := "path: a.go\ncount: 3\nnested:\n  flag: true\n"
	got, err := ParseBody(BodyFormatYAML, body, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["path"] != "a.go" {
		t.Errorf("path = %#v", got["path"])
	}
	nested, ok := got["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("nested = %#v, want map", got["nested"])
	}
	if nested["flag"] != true {
		t.Errorf("nested.flag = %#v", nested["flag"])
	}
}

func TestParseBody_BlockParams(t *testing.T) {
	body := "!!!ARG:path\na.go\n!!!ARG:count\n3\n"
	got, err := ParseBody(BodyFormatBlockParams, body, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["path"] != "a.go" {
		t.Errorf("path = %#v", got["path"])
	}
	if got["count"] != float64(3) {
		t.Errorf("count = %#v", got["count"])
	}
}

func TestDetectBodyEncoding(t *testing.T) {
	cases := map[string]BodyFormat{
		`{"a": 1}`:            BodyFormatJSON,
		"!!!ARG:a\n1\n":       BodyFormatBlockParams,
		"a: 1\nb: 2\n":        BodyFormatYAML,
	}
	for body, want := range cases {
		if got := DetectBodyEncoding(body); got != want {
			t.Errorf("DetectBodyEncoding(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestRegistry_ParseBody_UnknownGadget(t *testing.T) {
	reg := NewInMemoryRegistry()
	_, err := reg.ParseBody("missing", "{}")
	if err == nil {
		t.Fatal("expected an error for an unregistered gadget")
	}
}
