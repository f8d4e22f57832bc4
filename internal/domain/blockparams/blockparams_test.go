package blockparams

import (
	"reflect"
	"testing"

	"github.com/gadgetkit/gadgetkit/internal/domain/gadgeterr"
)

func TestDecode_TopLevelFields(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:path\nfoo/bar.go\n!!!ARG:count\n3\n"

	got, err := d.Decode(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]interface{}{
		"path":  "foo/bar.go",
		"count": float64(3),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestDecode_EmptyValueBeforeNextArg(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:x\n!!!ARG:y\nhi\n"

	got, err := d.Decode(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["x"] != "" {
		t.Errorf("x = %#v, want empty string", got["x"])
	}
	if got["y"] != "hi" {
		t.Errorf("y = %#v, want hi", got["y"])
	}
}

func TestDecode_NestedArray(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:items/0/name\nfirst\n!!!ARG:items/1/name\nsecond\n"

	got, err := d.Decode(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, ok := got["items"].([]interface{})
	if !ok || len(items) != 2 {
		t.Fatalf("items = %#v, want 2-element array", got["items"])
	}
	first := items[0].(map[string]interface{})
	if first["name"] != "first" {
		t.Errorf("items[0].name = %#v", first["name"])
	}
}

func TestDecode_ArrayGapIsError(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:items/0\na\n!!!ARG:items/2\nc\n"

	_, err := d.Decode(body)
	if err == nil {
		t.Fatal("expected a gap error")
	}
	if !gadgeterr.Is(err, gadgeterr.KindParse) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestDecode_DuplicatePointerIsError(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:x\na\n!!!ARG:x\nb\n"

	_, err := d.Decode(body)
	if err == nil {
		t.Fatal("expected a duplicate pointer error")
	}
	if !gadgeterr.Is(err, gadgeterr.KindParse) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestDecode_AutoCoercion(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:n\n42\n!!!ARG:f\n3.5\n!!!ARG:b\ntrue\n!!!ARG:s\nhello\n!!!ARG:neg\n-7\n"

	got, err := d.Decode(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["n"] != float64(42) {
		t.Errorf("n = %#v", got["n"])
	}
	if got["f"] != 3.5 {
		t.Errorf("f = %#v", got["f"])
	}
	if got["b"] != true {
		t.Errorf("b = %#v", got["b"])
	}
	if got["s"] != "hello" {
		t.Errorf("s = %#v", got["s"])
	}
	if got["neg"] != float64(-7) {
		t.Errorf("neg = %#v", got["neg"])
	}
}

func TestDecode_NegativeSegmentIsObjectKey(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:map/-1\nval\n"

	got, err := d.Decode(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := got["map"].(map[string]interface{})
	if !ok {
		t.Fatalf("map = %#v, want object (negative segment is a key, not an index)", got["map"])
	}
	if m["-1"] != "val" {
		t.Errorf("map[-1] = %#v", m["-1"])
	}
}

// A negative segment against an array established by an earlier pointer
// must not be treated as a slice index (it would panic on c[-1]); it is
// reported as an invalid segment instead.
func TestDecode_NegativeSegmentAgainstExistingArrayErrors(t *testing.T) {
	d := New(nil)
	body := "!!!ARG:items/0\na\n!!!ARG:items/-1\nb\n"

	_, err := d.Decode(body)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
}
