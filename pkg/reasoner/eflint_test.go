package reasoner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/epi-project/policy-reasoner/pkg/models"
	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

func eflintPolicy(content string) models.Policy {
	return models.Policy{
		Version: 1,
		Content: []models.PolicyFragment{
			{Reasoner: "eflint", ReasonerVersion: "0.1.0", Content: json.RawMessage(content)},
		},
	}
}

func someFacts() workflow.Facts {
	f := workflow.NewFacts()
	f.Add(workflow.PredUser, "Amy")
	f.Add(workflow.PredDomain, "Amy")
	return f
}

func TestCompileSelectsMatchingFragments(t *testing.T) {
	c := NewEFlint("http://unused", nil, 1)
	policy := models.Policy{
		Version: 3,
		Content: []models.PolicyFragment{
			{Reasoner: "posix", ReasonerVersion: "1", Content: json.RawMessage(`{"ignored":true}`)},
			{Reasoner: "eflint", ReasonerVersion: "0.1.0", Content: json.RawMessage(`[{"kind":"afact","name":"x"},{"kind":"afact","name":"y"}]`)},
			{Reasoner: "eflint", ReasonerVersion: "0.1.0", Content: json.RawMessage(`{"kind":"afact","name":"z"}`)},
		},
	}
	program, err := c.Compile(policy)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(program) != 3 {
		t.Fatalf("expected 3 phrases, got %d", len(program))
	}
}

func TestCompileUnsupportedBackend(t *testing.T) {
	c := NewEFlint("http://unused", nil, 1)
	policy := models.Policy{
		Version: 2,
		Content: []models.PolicyFragment{
			{Reasoner: "posix", ReasonerVersion: "1", Content: json.RawMessage(`{}`)},
		},
	}
	if _, err := c.Compile(policy); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}

func TestEncodeOrdering(t *testing.T) {
	c := NewEFlint("http://unused", nil, 1)
	program := []json.RawMessage{json.RawMessage(`{"kind":"afact","name":"custom"}`)}
	question := workflow.Fact{Pred: QuestionExecuteWorkflow, Args: []string{"wf"}}
	in := c.Encode(program, someFacts(), question)

	if in.Kind != "phrases" || !in.Updates {
		t.Fatalf("bad envelope: %+v", in)
	}
	base := len(baseDefinitions())
	if len(in.Phrases) != base+1+2+1 {
		t.Fatalf("expected %d phrases, got %d", base+4, len(in.Phrases))
	}
	if string(in.Phrases[base]) != `{"kind":"afact","name":"custom"}` {
		t.Fatalf("program not after base definitions: %s", in.Phrases[base])
	}
	last := in.Phrases[len(in.Phrases)-1]
	if string(last) != `{"kind":"create","operand":{"identifier":"workflow-to-execute","operands":["wf"]}}` {
		t.Fatalf("question not last: %s", last)
	}
}

func TestDeliberateSatisfied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if in["kind"] != "phrases" {
			t.Errorf("unexpected input kind %v", in["kind"])
		}
		w.Write([]byte(`{"success":true,"results":[{"success":true,"violated":false}]}`))
	}))
	defer srv.Close()

	c := NewEFlint(srv.URL, srv.Client(), 2)
	out := c.Deliberate(context.Background(), eflintPolicy(`[]`), someFacts(),
		workflow.Fact{Pred: QuestionExecuteWorkflow, Args: []string{"wf"}})
	if out.Kind != SatisfiedAllInvariants {
		t.Fatalf("got %v: %s", out.Kind, out.Detail)
	}
	if d := Interpret(out); !d.Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestDeliberateViolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"results":[
			{"success":true,"violated":true,
			 "violations":[{"kind":"invariant","identifier":"no-foreign-domains"}]}]}`))
	}))
	defer srv.Close()

	c := NewEFlint(srv.URL, srv.Client(), 2)
	out := c.Deliberate(context.Background(), eflintPolicy(`[]`), someFacts(),
		workflow.Fact{Pred: QuestionExecuteTask, Args: []string{"t1"}})
	if out.Kind != SomeInvariantViolated {
		t.Fatalf("got %v: %s", out.Kind, out.Detail)
	}
	d := Interpret(out)
	if d.Allow || d.Reason != models.DenyPolicyViolated {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != "no-foreign-domains" {
		t.Fatalf("reasons: %v", d.Reasons)
	}
}

func TestDeliberateFailClosed(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"backend failure": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"errors":[{"id":"e1","message":"parse error"}]}`))
		},
		"malformed response": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{not json`))
		},
		"http error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
	}
	for name, handler := range cases {
		srv := httptest.NewServer(handler)
		c := NewEFlint(srv.URL, srv.Client(), 1)
		out := c.Deliberate(context.Background(), eflintPolicy(`[]`), someFacts(),
			workflow.Fact{Pred: QuestionExecuteWorkflow, Args: []string{"wf"}})
		srv.Close()
		if out.Kind != ReasonerError {
			t.Errorf("%s: got %v", name, out.Kind)
		}
		if d := Interpret(out); d.Allow || d.Reason != models.DenyReasonerError {
			t.Errorf("%s: decision %+v", name, d)
		}
	}
}

func TestDeliberateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewEFlint(srv.URL, srv.Client(), 1)
	out := c.Deliberate(ctx, eflintPolicy(`[]`), someFacts(),
		workflow.Fact{Pred: QuestionExecuteWorkflow, Args: []string{"wf"}})
	if out.Kind != ReasonerTimeout {
		t.Fatalf("got %v: %s", out.Kind, out.Detail)
	}
	if d := Interpret(out); d.Allow || d.Reason != models.DenyTimeout {
		t.Fatalf("decision %+v", d)
	}
}

func TestPoolSaturationTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	c := NewEFlint(srv.URL, srv.Client(), 1)
	go c.Evaluate(context.Background(), c.Encode(nil, someFacts(),
		workflow.Fact{Pred: QuestionExecuteWorkflow, Args: []string{"wf"}}))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := c.Evaluate(ctx, c.Encode(nil, someFacts(),
		workflow.Fact{Pred: QuestionExecuteWorkflow, Args: []string{"wf"}}))
	if out.Kind != ReasonerTimeout {
		t.Fatalf("got %v: %s", out.Kind, out.Detail)
	}
}

func TestNoOpAllowsEverything(t *testing.T) {
	out := NoOp{}.Deliberate(context.Background(), models.Policy{}, someFacts(),
		workflow.Fact{Pred: QuestionTransferResult, Args: []string{"wf", "report"}})
	if out.Kind != SatisfiedAllInvariants {
		t.Fatalf("got %v", out.Kind)
	}
}
