// Package eflint models the JSON exchange format of the eFLINT backend
// reasoner: phrase inputs sent to it and the state-change results it
// returns. Only the subset the checker speaks is modelled; policy programs
// pass through as raw phrases.
package eflint

import "encoding/json"

// Version of the exchange format spoken on the wire.
const Version = "0.1.0"

// PhrasesInput is the request envelope: a sequence of phrases to run against
// a fresh knowledge base. Updates asks the backend to report state changes.
type PhrasesInput struct {
	Kind    string            `json:"kind"`
	Version string            `json:"version"`
	Phrases []json.RawMessage `json:"phrases"`
	Updates bool              `json:"updates"`
}

// NewPhrasesInput wraps phrases in the request envelope.
func NewPhrasesInput(phrases []json.RawMessage) PhrasesInput {
	return PhrasesInput{
		Kind:    "phrases",
		Version: Version,
		Phrases: phrases,
		Updates: true,
	}
}

// ConstructorApplication instantiates a composite fact, e.g.
// node-input("t1", "entries"). Operands are expressions; the checker only
// ever constructs string primitives.
type ConstructorApplication struct {
	Identifier string        `json:"identifier"`
	Operands   []interface{} `json:"operands"`
}

// Atom builds a constructor application over string operands.
func Atom(identifier string, args ...string) ConstructorApplication {
	ops := make([]interface{}, len(args))
	for i, a := range args {
		ops[i] = a
	}
	return ConstructorApplication{Identifier: identifier, Operands: ops}
}

type createPhrase struct {
	Kind    string      `json:"kind"`
	Operand interface{} `json:"operand"`
}

// CreatePhrase renders a create statement over a constructor application.
func CreatePhrase(identifier string, args ...string) json.RawMessage {
	raw, _ := json.Marshal(createPhrase{Kind: "create", Operand: Atom(identifier, args...)})
	return raw
}

type atomicFactPhrase struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// AFactPhrase declares an atomic fact ranging over strings.
func AFactPhrase(name string) json.RawMessage {
	raw, _ := json.Marshal(atomicFactPhrase{Kind: "afact", Name: name, Type: "String"})
	return raw
}

type compositeFactPhrase struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	IdentifiedBy []string `json:"identified-by"`
}

// CFactPhrase declares a composite fact identified by existing fact names.
func CFactPhrase(name string, identifiedBy ...string) json.RawMessage {
	raw, _ := json.Marshal(compositeFactPhrase{Kind: "cfact", Name: name, IdentifiedBy: identifiedBy})
	return raw
}

// Violation is one invariant breach reported by the backend.
type Violation struct {
	Kind       string            `json:"kind"`
	Identifier string            `json:"identifier"`
	Operands   []json.RawMessage `json:"operands,omitempty"`
}

// StateChange is the per-phrase outcome within a phrases result.
type StateChange struct {
	Success    bool              `json:"success"`
	Changes    []json.RawMessage `json:"changes,omitempty"`
	Violated   bool              `json:"violated"`
	Violations []Violation       `json:"violations,omitempty"`
}

// Error is a backend-side processing failure.
type Error struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Response is the result envelope for a phrases input.
type Response struct {
	Success bool          `json:"success"`
	Errors  []Error       `json:"errors,omitempty"`
	Results []StateChange `json:"results,omitempty"`
}

// Violated reports whether the final state change left the knowledge base in
// violation. Facts are created one phrase at a time, so intermediate results
// may be transiently violated (a node before its placement, say) and repaired
// by a later create; only the state after the last phrase counts.
func (r Response) Violated() bool {
	if len(r.Results) == 0 {
		return false
	}
	return r.Results[len(r.Results)-1].Violated
}

// ViolatedPredicates returns the distinct violation identifiers of the final
// state change, in first-seen order.
func (r Response) ViolatedPredicates() []string {
	if len(r.Results) == 0 {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, v := range r.Results[len(r.Results)-1].Violations {
		if !seen[v.Identifier] {
			seen[v.Identifier] = true
			out = append(out, v.Identifier)
		}
	}
	return out
}
