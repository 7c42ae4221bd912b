package workflow

// Predicate names of the fact vocabulary shared with the backend reasoner.
const (
	PredUser                  = "user"
	PredDomain                = "domain"
	PredAsset                 = "asset"
	PredCode                  = "code"
	PredFunction              = "function"
	PredWorkflow              = "workflow"
	PredNode                  = "node"
	PredTask                  = "task"
	PredCommit                = "commit"
	PredLoop                  = "loop"
	PredNodeAt                = "node-at"
	PredNodeInput             = "node-input"
	PredNodeInputFrom         = "node-input-from"
	PredNodeOutput            = "node-output"
	PredNodeFunction          = "node-function"
	PredLoopBody              = "loop-body"
	PredWorkflowResult        = "workflow-result"
	PredWorkflowResultRecip   = "workflow-result-recipient"
	PredTag                   = "tag"
	PredSignature             = "signature"
	PredSignatureValid        = "signature-valid"
	PredMetadata              = "metadata"
	PredAssetAccess           = "asset-access"
	PredNodeAsset             = "node-asset"
	PredNodeDependsOn         = "node-depends-on"
	PredNodeDependsOnAsset    = "node-depends-on-asset"
	PredNodeDependsOnDomain   = "node-depends-on-domain"
	PredAssetDownstreamDomain = "asset-downstream-domain"
)

// BaseFacts renders the parsed IR into its ground fact set, without closure.
func BaseFacts(ir *IR) Facts {
	f := NewFacts()
	f.Add(PredWorkflow, ir.Name)
	for _, u := range ir.Users {
		f.Add(PredUser, u.Name)
		if u.Domain {
			f.Add(PredDomain, u.Name)
		}
	}
	for _, a := range ir.Assets {
		f.Add(PredAsset, a.Name)
		if a.Code {
			f.Add(PredCode, a.Name)
		}
	}
	for _, n := range ir.Nodes {
		f.Add(PredNode, ir.Name, n.Name)
		switch n.Kind {
		case KindTask:
			f.Add(PredTask, n.Name)
		case KindCommit:
			f.Add(PredCommit, n.Name)
		case KindLoop:
			f.Add(PredLoop, n.Name)
		}
		f.Add(PredNodeAt, n.Name, ir.Users[n.At].Name)
		for _, in := range n.Inputs {
			asset := ir.Assets[in.Asset].Name
			f.Add(PredNodeInput, n.Name, asset)
			f.Add(PredNodeInputFrom, n.Name, asset, ir.Users[in.From].Name)
			if in.Function != "" {
				f.Add(PredNodeFunction, n.Name, asset)
				f.Add(PredFunction, asset, in.Function)
			}
		}
		if n.Output >= 0 {
			f.Add(PredNodeOutput, n.Name, ir.Assets[n.Output].Name)
		}
		if n.Body >= 0 {
			f.Add(PredLoopBody, n.Name, ir.Nodes[n.Body].Name)
		}
	}
	if ir.Result != nil {
		asset := ir.Assets[ir.Result.Asset].Name
		f.Add(PredWorkflowResult, ir.Name, asset)
		if ir.Result.Recipient >= 0 {
			f.Add(PredWorkflowResultRecip, ir.Name, asset, ir.Users[ir.Result.Recipient].Name)
		}
	}
	for _, m := range ir.Metadata {
		owner := ir.Users[m.TagOwner].Name
		signer := ir.Users[m.Signer].Name
		f.Add(PredTag, owner, m.TagValue)
		f.Add(PredSignature, signer, m.Payload)
		if m.Payload != "" {
			f.Add(PredSignatureValid, signer, m.Payload)
		}
		f.Add(PredMetadata, ir.targetName(m), owner, m.TagValue, signer)
	}
	return f
}

func (ir *IR) targetName(m Attachment) string {
	switch m.Target {
	case TargetNode:
		return ir.Nodes[m.TargetIndex].Name
	case TargetAsset:
		return ir.Assets[m.TargetIndex].Name
	case TargetUser:
		return ir.Users[m.TargetIndex].Name
	default:
		return ir.Name
	}
}

// AccessEntry grants a user access to an asset, as declared by a resolver.
type AccessEntry struct {
	Asset string
	User  string
}

// State is the resolver-fed view of the outside world for one use case.
type State struct {
	Users       []string
	Domains     []string
	AssetAccess []AccessEntry
	Code        []string
}

// Augment set-unions resolver state into a fact set. The input is not
// modified.
func Augment(f Facts, s State) Facts {
	out := f.Clone()
	for _, u := range s.Users {
		out.Add(PredUser, u)
	}
	for _, d := range s.Domains {
		out.Add(PredUser, d)
		out.Add(PredDomain, d)
	}
	for _, e := range s.AssetAccess {
		out.Add(PredAsset, e.Asset)
		out.Add(PredAssetAccess, e.Asset, e.User)
	}
	for _, a := range s.Code {
		out.Add(PredAsset, a)
		out.Add(PredCode, a)
	}
	return out
}

// Derive computes the full closure of a parsed IR.
func Derive(ir *IR) Facts {
	return Close(BaseFacts(ir))
}

// Close computes the monotone fixpoint of the derivation rules over a fact
// set. The input is not modified; Close(Close(f)) equals Close(f).
func Close(base Facts) Facts {
	f := base.Clone()
	for {
		before := f.Len()
		deriveNodeAsset(f)
		deriveAssetAccess(f)
		deriveDependsOn(f)
		deriveDependsOnAsset(f)
		deriveDependsOnDomain(f)
		deriveDownstreamDomain(f)
		if f.Len() == before {
			return f
		}
	}
}

// node-asset(n, a) holds for every input or output of n.
func deriveNodeAsset(f Facts) {
	for _, fact := range f.byPred(PredNodeInput) {
		f.Add(PredNodeAsset, fact.Args[0], fact.Args[1])
	}
	for _, fact := range f.byPred(PredNodeOutput) {
		f.Add(PredNodeAsset, fact.Args[0], fact.Args[1])
	}
}

// asset-access(a, u) holds when u's domain sources a, or a is an input,
// output or code edge of a node executing at u's domain.
func deriveAssetAccess(f Facts) {
	for _, fact := range f.byPred(PredNodeInputFrom) {
		f.Add(PredAssetAccess, fact.Args[1], fact.Args[2])
	}
	at := make(map[string][]string)
	for _, fact := range f.byPred(PredNodeAt) {
		at[fact.Args[0]] = append(at[fact.Args[0]], fact.Args[1])
	}
	for _, pred := range []string{PredNodeInput, PredNodeOutput, PredNodeFunction} {
		for _, fact := range f.byPred(pred) {
			for _, d := range at[fact.Args[0]] {
				f.Add(PredAssetAccess, fact.Args[1], d)
			}
		}
	}
}

// node-depends-on is reflexive, holds when an input of n1 is an output of
// n2, and is closed under transitivity. The transitive step runs semi-naive
// over a delta set.
func deriveDependsOn(f Facts) {
	for _, fact := range f.byPred(PredNode) {
		f.Add(PredNodeDependsOn, fact.Args[1], fact.Args[1])
	}

	producers := make(map[string][]string)
	for _, fact := range f.byPred(PredNodeOutput) {
		producers[fact.Args[1]] = append(producers[fact.Args[1]], fact.Args[0])
	}
	direct := make(map[string][]string)
	for _, fact := range f.byPred(PredNodeInput) {
		for _, producer := range producers[fact.Args[1]] {
			direct[fact.Args[0]] = append(direct[fact.Args[0]], producer)
			f.Add(PredNodeDependsOn, fact.Args[0], producer)
		}
	}

	delta := f.byPred(PredNodeDependsOn)
	for len(delta) > 0 {
		var next []Fact
		for _, fact := range delta {
			for _, further := range direct[fact.Args[1]] {
				if !f.Has(PredNodeDependsOn, fact.Args[0], further) {
					f.Add(PredNodeDependsOn, fact.Args[0], further)
					next = append(next, Fact{Pred: PredNodeDependsOn, Args: []string{fact.Args[0], further}})
				}
			}
		}
		delta = next
	}
}

// node-depends-on-asset(n, a) holds when some dependency of n reads a.
func deriveDependsOnAsset(f Facts) {
	inputs := make(map[string][]string)
	for _, fact := range f.byPred(PredNodeInput) {
		inputs[fact.Args[0]] = append(inputs[fact.Args[0]], fact.Args[1])
	}
	for _, fact := range f.byPred(PredNodeDependsOn) {
		for _, a := range inputs[fact.Args[1]] {
			f.Add(PredNodeDependsOnAsset, fact.Args[0], a)
		}
	}
}

// node-depends-on-domain(n, d) collects n's executing domain, the sourcing
// domains of its inputs, and the executing domains of its dependencies.
func deriveDependsOnDomain(f Facts) {
	at := make(map[string][]string)
	for _, fact := range f.byPred(PredNodeAt) {
		at[fact.Args[0]] = append(at[fact.Args[0]], fact.Args[1])
		f.Add(PredNodeDependsOnDomain, fact.Args[0], fact.Args[1])
	}
	for _, fact := range f.byPred(PredNodeInputFrom) {
		f.Add(PredNodeDependsOnDomain, fact.Args[0], fact.Args[2])
	}
	for _, fact := range f.byPred(PredNodeDependsOn) {
		for _, d := range at[fact.Args[1]] {
			f.Add(PredNodeDependsOnDomain, fact.Args[0], d)
		}
	}
}

// asset-downstream-domain(a, d) collects the sourcing domains of a, the
// executing domains of nodes touching a, and the executing domains of nodes
// depending on a.
func deriveDownstreamDomain(f Facts) {
	for _, fact := range f.byPred(PredNodeInputFrom) {
		f.Add(PredAssetDownstreamDomain, fact.Args[1], fact.Args[2])
	}
	at := make(map[string][]string)
	for _, fact := range f.byPred(PredNodeAt) {
		at[fact.Args[0]] = append(at[fact.Args[0]], fact.Args[1])
	}
	for _, pred := range []string{PredNodeInput, PredNodeOutput, PredNodeFunction} {
		for _, fact := range f.byPred(pred) {
			for _, d := range at[fact.Args[0]] {
				f.Add(PredAssetDownstreamDomain, fact.Args[1], d)
			}
		}
	}
	for _, fact := range f.byPred(PredNodeDependsOnAsset) {
		for _, d := range at[fact.Args[0]] {
			f.Add(PredAssetDownstreamDomain, fact.Args[1], d)
		}
	}
}
