// Package reasoner dispatches compiled policies, derived facts and a
// question to a backend reasoner and classifies the answer. Any transport
// fault, malformed response or timeout classifies as a denial, never as an
// allow.
package reasoner

import (
	"context"
	"errors"
	"strings"

	"github.com/epi-project/policy-reasoner/pkg/models"
	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

// Question predicates understood by the backends.
const (
	QuestionExecuteWorkflow = "workflow-to-execute"
	QuestionExecuteTask     = "task-to-execute"
	QuestionTransferData    = "dataset-to-transfer"
	QuestionTransferResult  = "result-to-transfer"
)

// ErrUnsupportedBackend is returned by Compile when no policy fragment
// targets the connector's backend.
var ErrUnsupportedBackend = errors.New("no policy fragment targets this backend")

// OutcomeKind classifies one backend exchange.
type OutcomeKind int

const (
	// SatisfiedAllInvariants: the knowledge base accepted every phrase.
	SatisfiedAllInvariants OutcomeKind = iota
	// SomeInvariantViolated: the backend reported violated predicates.
	SomeInvariantViolated
	// ReasonerTimeout: the exchange exceeded its allowance.
	ReasonerTimeout
	// ReasonerError: transport failure, malformed response or backend fault.
	ReasonerError
)

// String renders the classification as a stable label for logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case SatisfiedAllInvariants:
		return "satisfied"
	case SomeInvariantViolated:
		return "violated"
	case ReasonerTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Outcome is the classified result of one backend exchange.
type Outcome struct {
	Kind       OutcomeKind
	Predicates []string
	Detail     string
}

// Connector answers one policy question against one backend. Implementations
// are stateless across invocations; the engine never retries.
type Connector interface {
	// Context names the backend so policy experts know which fragments
	// will be evaluated.
	Context() models.ConnectorContext
	// Deliberate runs the full exchange for one question.
	Deliberate(ctx context.Context, policy models.Policy, facts workflow.Facts, question workflow.Fact) Outcome
}

// Interpret maps a classified outcome onto a verdict, fail-closed.
func Interpret(o Outcome) models.Decision {
	switch o.Kind {
	case SatisfiedAllInvariants:
		return models.Allowed()
	case SomeInvariantViolated:
		return models.Denied(models.DenyPolicyViolated, o.Detail, o.Predicates...)
	case ReasonerTimeout:
		return models.Denied(models.DenyTimeout, o.Detail)
	default:
		return models.Denied(models.DenyReasonerError, o.Detail)
	}
}

// satisfied, violated and failed are shorthands for classified outcomes.
func satisfied() Outcome {
	return Outcome{Kind: SatisfiedAllInvariants}
}

func violated(predicates []string) Outcome {
	return Outcome{
		Kind:       SomeInvariantViolated,
		Predicates: predicates,
		Detail:     "violated: " + strings.Join(predicates, ", "),
	}
}

func failed(ctx context.Context, detail string) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: ReasonerTimeout, Detail: detail}
	}
	return Outcome{Kind: ReasonerError, Detail: detail}
}
