package models

import (
	"encoding/json"
	"testing"
)

func TestTaskRefRoundTrip(t *testing.T) {
	ref := TaskRef{Func: MainFunc, Edge: 3}
	b, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `["<main>",3]` {
		t.Fatalf("unexpected encoding: %s", b)
	}
	var back TaskRef
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != ref {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestTaskRefUnmarshalNamedFunction(t *testing.T) {
	var ref TaskRef
	if err := json.Unmarshal([]byte(`["loop_body",0]`), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.Func != "loop_body" || ref.Edge != 0 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestTaskRefUnmarshalRejectsBadShapes(t *testing.T) {
	cases := []string{
		`["only_one"]`,
		`["a",1,2]`,
		`[1,"a"]`,
		`{"func":"a","edge":1}`,
	}
	for _, raw := range cases {
		var ref TaskRef
		if err := json.Unmarshal([]byte(raw), &ref); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestTaskRefEmptyFuncDefaultsToMain(t *testing.T) {
	var ref TaskRef
	if err := json.Unmarshal([]byte(`["",2]`), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.Func != MainFunc {
		t.Fatalf("expected %q, got %q", MainFunc, ref.Func)
	}
}

func TestDeliberationResponseOmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(DeliberationResponse{
		Verdict:          VerdictAllow,
		VerdictReference: "ref",
		Signature:        "signature",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"verdict":"allow","verdict_reference":"ref","signature":"signature"}` {
		t.Fatalf("unexpected encoding: %s", b)
	}
}
