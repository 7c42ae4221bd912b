package models

// DenyReason classifies why a deliberation denied. The zero value means the
// deliberation allowed.
type DenyReason string

const (
	DenyNoActivePolicy  DenyReason = "no-active-policy"
	DenyUnknownUseCase  DenyReason = "unknown-use-case"
	DenyInvalidWorkflow DenyReason = "invalid-workflow"
	DenyTimeout         DenyReason = "timeout"
	DenyReasonerError   DenyReason = "reasoner-error"
	DenyPolicyViolated  DenyReason = "policy-violated"
	DenyInternal        DenyReason = "internal-error"
)

// Decision is the internal outcome of a deliberation before it is rendered
// into the wire response. Detail is diagnostic and reaches only the audit
// trail; Reasons are the denial reasons the caller may see.
type Decision struct {
	Allow   bool
	Reason  DenyReason
	Detail  string
	Reasons []string
}

func Allowed() Decision {
	return Decision{Allow: true}
}

func Denied(reason DenyReason, detail string, reasons ...string) Decision {
	return Decision{Reason: reason, Detail: detail, Reasons: reasons}
}

// Verdict renders the wire verdict string.
func (d Decision) Verdict() string {
	if d.Allow {
		return VerdictAllow
	}
	return VerdictDeny
}
