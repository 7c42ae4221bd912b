package eflint

import (
	"encoding/json"
	"testing"
)

func TestPhrasesInputEnvelope(t *testing.T) {
	in := NewPhrasesInput([]json.RawMessage{CreatePhrase("user", "Amy")})
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"kind":"phrases","version":"0.1.0","phrases":[{"kind":"create","operand":{"identifier":"user","operands":["Amy"]}}],"updates":true}`
	if string(raw) != want {
		t.Fatalf("got %s", raw)
	}
}

func TestDeclarationPhrases(t *testing.T) {
	if got := string(AFactPhrase("user")); got != `{"kind":"afact","name":"user","type":"String"}` {
		t.Fatalf("afact: %s", got)
	}
	if got := string(CFactPhrase("node-at", "node", "user")); got != `{"kind":"cfact","name":"node-at","identified-by":["node","user"]}` {
		t.Fatalf("cfact: %s", got)
	}
}

func TestResponseViolations(t *testing.T) {
	raw := `{
		"success": true,
		"results": [
			{"success": true, "violated": false},
			{"success": true, "violated": true,
			 "violations": [
				{"kind": "invariant", "identifier": "no-cross-domain-transfer"},
				{"kind": "invariant", "identifier": "no-cross-domain-transfer"},
				{"kind": "duty", "identifier": "audit-duty"}
			 ]}
		]
	}`
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Violated() {
		t.Fatal("expected violated")
	}
	got := resp.ViolatedPredicates()
	if len(got) != 2 || got[0] != "no-cross-domain-transfer" || got[1] != "audit-duty" {
		t.Fatalf("predicates: %v", got)
	}
}

func TestResponseTransientViolationRepaired(t *testing.T) {
	// A node create violates placement until the node-at create lands; only
	// the state after the final phrase counts.
	raw := `{
		"success": true,
		"results": [
			{"success": true, "violated": true,
			 "violations": [{"kind": "invariant", "identifier": "node-placement"}]},
			{"success": true, "violated": false}
		]
	}`
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Violated() {
		t.Fatal("final state change is clean, response must not be violated")
	}
	if preds := resp.ViolatedPredicates(); len(preds) != 0 {
		t.Fatalf("expected no predicates from the final state change, got %v", preds)
	}
}

func TestResponseClean(t *testing.T) {
	var resp Response
	if err := json.Unmarshal([]byte(`{"success":true,"results":[{"success":true,"violated":false}]}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Violated() || len(resp.ViolatedPredicates()) != 0 {
		t.Fatal("expected clean response")
	}
}
