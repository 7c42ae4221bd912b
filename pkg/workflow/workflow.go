package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/epi-project/policy-reasoner/pkg/models"
)

// NodeKind tags the three node variants of the submitted graph.
type NodeKind string

const (
	KindTask   NodeKind = "task"
	KindCommit NodeKind = "commit"
	KindLoop   NodeKind = "loop"
)

// UserDecl declares a user; Domain marks it able to host execution.
type UserDecl struct {
	Name   string
	Domain bool
}

// AssetDecl declares a data item; Code marks it as executable content.
type AssetDecl struct {
	Name string
	Code bool
}

// Input ties a node to an asset sourced from exactly one domain. Function is
// non-empty when this input is the code edge, naming the function to invoke.
type Input struct {
	Asset    int
	From     int
	Function string
}

// Node is one vertex of the parsed graph. Indices refer into the owning IR's
// arenas; -1 means absent. Scope is the task-addressing namespace: MainFunc
// for toplevel nodes, the enclosing loop's name for loop bodies.
type Node struct {
	Name   string
	Kind   NodeKind
	At     int
	Inputs []Input
	Output int
	Body   int
	Scope  string
}

// TargetKind says what an attachment decorates.
type TargetKind string

const (
	TargetWorkflow TargetKind = "workflow"
	TargetNode     TargetKind = "node"
	TargetAsset    TargetKind = "asset"
	TargetUser     TargetKind = "user"
)

// Attachment is one piece of metadata: a tag owned by a user plus a signature
// over an opaque payload, attached to a workflow, node, asset or user.
type Attachment struct {
	Target      TargetKind
	TargetIndex int
	TagOwner    int
	TagValue    string
	Signer      int
	Payload     string
}

// Result is the workflow's published outcome: an asset, optionally bound to a
// single recipient user (-1 when none).
type Result struct {
	Asset     int
	Recipient int
}

// IR is the validated arena form of a submitted workflow. Nodes, users and
// assets are addressed by index; derived relations are sets of index tuples.
type IR struct {
	Name     string
	Users    []UserDecl
	Assets   []AssetDecl
	Nodes    []Node
	Result   *Result
	Metadata []Attachment

	userIdx  map[string]int
	assetIdx map[string]int
	nodeIdx  map[string]int
}

func (ir *IR) userRef(name string) (int, bool)  { i, ok := ir.userIdx[name]; return i, ok }
func (ir *IR) assetRef(name string) (int, bool) { i, ok := ir.assetIdx[name]; return i, ok }

// domainRef resolves a name that must be a declared domain (a user marked as
// able to host execution).
func (ir *IR) domainRef(name string) (int, bool) {
	i, ok := ir.userIdx[name]
	if !ok || !ir.Users[i].Domain {
		return 0, false
	}
	return i, true
}

// ResolveTask maps a [function, edge] task address onto a node index. The
// toplevel body is MainFunc; a loop's body node lives in a scope named after
// the loop.
func (ir *IR) ResolveTask(ref models.TaskRef) (int, error) {
	edge := 0
	for i, n := range ir.Nodes {
		if n.Scope != ref.Func {
			continue
		}
		if edge == ref.Edge {
			return i, nil
		}
		edge++
	}
	return 0, fmt.Errorf("no node at edge %d of %q", ref.Edge, ref.Func)
}

// Wire format.

type wireWorkflow struct {
	ID       string         `json:"id"`
	Users    []wireUser     `json:"users"`
	Assets   []wireAsset    `json:"assets"`
	Nodes    []wireNode     `json:"nodes"`
	Result   *wireResult    `json:"result,omitempty"`
	Metadata []wireMetadata `json:"metadata,omitempty"`
}

type wireUser struct {
	ID       string         `json:"id"`
	Domain   bool           `json:"domain,omitempty"`
	Metadata []wireMetadata `json:"metadata,omitempty"`
}

type wireAsset struct {
	ID       string         `json:"id"`
	Code     bool           `json:"code,omitempty"`
	Metadata []wireMetadata `json:"metadata,omitempty"`
}

type wireNode struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	At       string         `json:"at"`
	Inputs   []wireInput    `json:"inputs,omitempty"`
	Output   stringList     `json:"output,omitempty"`
	Body     string         `json:"body,omitempty"`
	Metadata []wireMetadata `json:"metadata,omitempty"`
}

type wireInput struct {
	Asset      string `json:"asset"`
	FromDomain string `json:"from_domain"`
	Function   string `json:"function,omitempty"`
}

type wireResult struct {
	Asset      string   `json:"asset"`
	Recipients []string `json:"recipients,omitempty"`
}

type wireMetadata struct {
	Tag struct {
		Owner string `json:"owner"`
		Value string `json:"value"`
	} `json:"tag"`
	Signature struct {
		Signer  string `json:"signer"`
		Payload string `json:"payload"`
	} `json:"signature"`
}

// stringList accepts either a bare string or an array of strings, so a single
// output can be written without brackets.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Parse decodes the wire graph and validates its structure. Every returned
// error is a *ParseError; decode failures carry the Malformed kind.
func Parse(raw json.RawMessage) (*IR, error) {
	var w wireWorkflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, parseErrf(KindMalformed, "decode workflow: %v", err)
	}
	if w.ID == "" {
		return nil, parseErrf(KindMalformed, "workflow id missing")
	}

	ir := &IR{
		Name:     w.ID,
		userIdx:  make(map[string]int),
		assetIdx: make(map[string]int),
		nodeIdx:  make(map[string]int),
	}

	// Declarations are sets: a repeated user/asset merges its flags.
	for _, u := range w.Users {
		if u.ID == "" {
			return nil, parseErrf(KindMalformed, "user with empty id")
		}
		if i, ok := ir.userIdx[u.ID]; ok {
			ir.Users[i].Domain = ir.Users[i].Domain || u.Domain
			continue
		}
		ir.userIdx[u.ID] = len(ir.Users)
		ir.Users = append(ir.Users, UserDecl{Name: u.ID, Domain: u.Domain})
	}
	for _, a := range w.Assets {
		if a.ID == "" {
			return nil, parseErrf(KindMalformed, "asset with empty id")
		}
		if i, ok := ir.assetIdx[a.ID]; ok {
			ir.Assets[i].Code = ir.Assets[i].Code || a.Code
			continue
		}
		ir.assetIdx[a.ID] = len(ir.Assets)
		ir.Assets = append(ir.Assets, AssetDecl{Name: a.ID, Code: a.Code})
	}

	for _, n := range w.Nodes {
		if n.ID == "" {
			return nil, parseErrf(KindMalformed, "node with empty id")
		}
		if _, dup := ir.nodeIdx[n.ID]; dup {
			return nil, parseErrf(KindDuplicateNodeID, "node %q declared twice", n.ID)
		}
		ir.nodeIdx[n.ID] = len(ir.Nodes)
		ir.Nodes = append(ir.Nodes, Node{Name: n.ID, Output: -1, Body: -1})
	}

	for i, n := range w.Nodes {
		node := &ir.Nodes[i]
		switch NodeKind(n.Kind) {
		case KindTask, KindCommit, KindLoop:
			node.Kind = NodeKind(n.Kind)
		default:
			return nil, parseErrf(KindMalformed, "node %q: unknown kind %q", n.ID, n.Kind)
		}

		if n.At == "" {
			return nil, parseErrf(KindMissingNodeAt, "node %q has no executing domain", n.ID)
		}
		at, ok := ir.domainRef(n.At)
		if !ok {
			return nil, parseErrf(KindUnknownReference, "node %q executes at undeclared domain %q", n.ID, n.At)
		}
		node.At = at

		functions := 0
		for _, in := range n.Inputs {
			a, ok := ir.assetRef(in.Asset)
			if !ok {
				return nil, parseErrf(KindUnknownReference, "node %q reads undeclared asset %q", n.ID, in.Asset)
			}
			from, ok := ir.domainRef(in.FromDomain)
			if !ok {
				return nil, parseErrf(KindUnknownReference, "node %q sources %q from undeclared domain %q", n.ID, in.Asset, in.FromDomain)
			}
			if in.Function != "" {
				functions++
				if node.Kind != KindTask {
					return nil, parseErrf(KindTooManyFunctions, "%s node %q carries a function edge", node.Kind, n.ID)
				}
				if !ir.Assets[a].Code {
					return nil, parseErrf(KindFunctionNotCode, "node %q invokes %q from non-code asset %q", n.ID, in.Function, in.Asset)
				}
			}
			node.Inputs = append(node.Inputs, Input{Asset: a, From: from, Function: in.Function})
		}
		if functions > 1 {
			return nil, parseErrf(KindTooManyFunctions, "node %q has %d function edges", n.ID, functions)
		}

		if len(n.Output) > 1 {
			return nil, parseErrf(KindTooManyOutputs, "node %q has %d outputs", n.ID, len(n.Output))
		}
		if len(n.Output) == 1 {
			out, ok := ir.assetRef(n.Output[0])
			if !ok {
				return nil, parseErrf(KindUnknownReference, "node %q outputs undeclared asset %q", n.ID, n.Output[0])
			}
			for _, in := range node.Inputs {
				if in.Asset == out {
					return nil, parseErrf(KindRecursiveIO, "node %q reads and writes asset %q", n.ID, n.Output[0])
				}
			}
			node.Output = out
		}

		switch {
		case node.Kind == KindLoop && n.Body == "":
			return nil, parseErrf(KindLoopBodyMismatch, "loop %q has no body", n.ID)
		case node.Kind != KindLoop && n.Body != "":
			return nil, parseErrf(KindLoopBodyMismatch, "%s node %q has a body", node.Kind, n.ID)
		case n.Body != "":
			body, ok := ir.nodeIdx[n.Body]
			if !ok {
				return nil, parseErrf(KindUnknownReference, "loop %q references undeclared body %q", n.ID, n.Body)
			}
			node.Body = body
		}

		md, err := ir.parseMetadata(TargetNode, i, n.Metadata)
		if err != nil {
			return nil, err
		}
		ir.Metadata = append(ir.Metadata, md...)
	}

	if err := ir.checkLoopBodies(w); err != nil {
		return nil, err
	}
	ir.assignScopes()

	if w.Result != nil {
		a, ok := ir.assetRef(w.Result.Asset)
		if !ok {
			return nil, parseErrf(KindUnknownReference, "result references undeclared asset %q", w.Result.Asset)
		}
		if len(w.Result.Recipients) > 1 {
			return nil, parseErrf(KindMultipleRecipients, "workflow result names %d recipients", len(w.Result.Recipients))
		}
		res := &Result{Asset: a, Recipient: -1}
		if len(w.Result.Recipients) == 1 {
			u, ok := ir.userRef(w.Result.Recipients[0])
			if !ok {
				return nil, parseErrf(KindUnknownReference, "result recipient %q is not a declared user", w.Result.Recipients[0])
			}
			res.Recipient = u
		}
		ir.Result = res
	}

	md, err := ir.parseMetadata(TargetWorkflow, 0, w.Metadata)
	if err != nil {
		return nil, err
	}
	ir.Metadata = append(ir.Metadata, md...)
	for _, u := range w.Users {
		md, err := ir.parseMetadata(TargetUser, ir.userIdx[u.ID], u.Metadata)
		if err != nil {
			return nil, err
		}
		ir.Metadata = append(ir.Metadata, md...)
	}
	for _, a := range w.Assets {
		md, err := ir.parseMetadata(TargetAsset, ir.assetIdx[a.ID], a.Metadata)
		if err != nil {
			return nil, err
		}
		ir.Metadata = append(ir.Metadata, md...)
	}

	return ir, nil
}

func (ir *IR) parseMetadata(target TargetKind, idx int, items []wireMetadata) ([]Attachment, error) {
	out := make([]Attachment, 0, len(items))
	for _, m := range items {
		owner, ok := ir.userRef(m.Tag.Owner)
		if !ok {
			return nil, parseErrf(KindUnknownReference, "metadata tag owned by undeclared user %q", m.Tag.Owner)
		}
		signer, ok := ir.userRef(m.Signature.Signer)
		if !ok {
			return nil, parseErrf(KindUnknownReference, "metadata signed by undeclared user %q", m.Signature.Signer)
		}
		out = append(out, Attachment{
			Target:      target,
			TargetIndex: idx,
			TagOwner:    owner,
			TagValue:    m.Tag.Value,
			Signer:      signer,
			Payload:     m.Signature.Payload,
		})
	}
	return out, nil
}

// checkLoopBodies verifies loop inputs match their body node's inputs and
// that following body edges never revisits a node.
func (ir *IR) checkLoopBodies(w wireWorkflow) error {
	for i, n := range ir.Nodes {
		if n.Kind != KindLoop {
			continue
		}
		body := ir.Nodes[n.Body]
		if !sameInputs(n.Inputs, body.Inputs) {
			return parseErrf(KindLoopBodyMismatch, "loop %q inputs differ from body %q inputs", n.Name, body.Name)
		}

		seen := map[int]bool{i: true}
		for at := n.Body; at >= 0; at = ir.Nodes[at].Body {
			if seen[at] {
				return parseErrf(KindLoopBodyCycle, "loop %q body chain revisits node %q", n.Name, ir.Nodes[at].Name)
			}
			seen[at] = true
		}
	}
	return nil
}

func sameInputs(a, b []Input) bool {
	if len(a) != len(b) {
		return false
	}
	pairs := make(map[[2]int]int, len(a))
	for _, in := range a {
		pairs[[2]int{in.Asset, in.From}]++
	}
	for _, in := range b {
		pairs[[2]int{in.Asset, in.From}]--
	}
	for _, c := range pairs {
		if c != 0 {
			return false
		}
	}
	return true
}

// assignScopes places every node in its task-addressing namespace: loop body
// nodes are addressed through the loop that owns them, everything else
// through the toplevel body.
func (ir *IR) assignScopes() {
	owner := make(map[int]string)
	for _, n := range ir.Nodes {
		if n.Kind == KindLoop && n.Body >= 0 {
			owner[n.Body] = n.Name
		}
	}
	for i := range ir.Nodes {
		if scope, ok := owner[i]; ok {
			ir.Nodes[i].Scope = scope
		} else {
			ir.Nodes[i].Scope = models.MainFunc
		}
	}
}
