// Package deliberate runs the checker's deliberation pipeline: load the
// active policy, validate the submitted graph, derive and augment facts, ask
// the backend, and commit the verdict to the audit trail before anything is
// written to the caller.
package deliberate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/epi-project/policy-reasoner/pkg/audit"
	"github.com/epi-project/policy-reasoner/pkg/auth"
	"github.com/epi-project/policy-reasoner/pkg/models"
	"github.com/epi-project/policy-reasoner/pkg/policystore"
	"github.com/epi-project/policy-reasoner/pkg/reasoner"
	"github.com/epi-project/policy-reasoner/pkg/state"
	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

const (
	defaultTimeout = 30 * time.Second
	auditTimeout   = 10 * time.Second

	// responseSignature is the placeholder until response signing lands.
	responseSignature = "signature"
)

// PolicySource yields the policy the next deliberation evaluates under.
type PolicySource interface {
	GetActive(ctx context.Context) (models.Policy, error)
}

// StateSource yields the external ground truth for a use case.
type StateSource interface {
	Resolve(ctx context.Context, useCase string) (workflow.State, error)
}

// AuditSink persists one audit record. Append failing fails the deliberation;
// a verdict without a trail is never released.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) error
}

// EventSink mirrors committed audit records to subscribers, best-effort.
type EventSink interface {
	Publish(ctx context.Context, rec audit.Record) error
}

// Engine wires the deliberation pipeline together. Timeout bounds one whole
// deliberation including the backend exchange; zero means defaultTimeout.
type Engine struct {
	Policies  PolicySource
	States    StateSource
	Connector reasoner.Connector
	Audit     AuditSink
	Events    EventSink
	Timeout   time.Duration
}

// Outcome is one committed deliberation: the wire response, the internal
// decision, and the audit record that already landed for it.
type Outcome struct {
	Response models.DeliberationResponse
	Decision models.Decision
	Record   audit.Record

	// Backend exchange stats, populated only when the backend was consulted.
	BackendConsulted bool
	BackendKind      reasoner.OutcomeKind
	BackendLatency   time.Duration
}

// ExecuteWorkflow deliberates whether the workflow may run as a whole.
func (e *Engine) ExecuteWorkflow(ctx context.Context, p auth.Principal, req models.ExecuteWorkflowRequest, rawBody json.RawMessage) (Outcome, error) {
	return e.run(ctx, p, audit.VerbExecuteWorkflow, rawBody, req.UseCase, req.Workflow,
		func(ir *workflow.IR) (workflow.Fact, error) {
			return workflow.Fact{Pred: reasoner.QuestionExecuteWorkflow, Args: []string{ir.Name}}, nil
		})
}

// ExecuteTask deliberates whether one task of the workflow may run.
func (e *Engine) ExecuteTask(ctx context.Context, p auth.Principal, req models.ExecuteTaskRequest, rawBody json.RawMessage) (Outcome, error) {
	return e.run(ctx, p, audit.VerbExecuteTask, rawBody, req.UseCase, req.Workflow,
		func(ir *workflow.IR) (workflow.Fact, error) {
			i, err := ir.ResolveTask(req.TaskID)
			if err != nil {
				return workflow.Fact{}, &workflow.ParseError{Kind: workflow.KindUnknownReference, Detail: err.Error()}
			}
			n := ir.Nodes[i]
			if n.Kind != workflow.KindTask {
				return workflow.Fact{}, &workflow.ParseError{
					Kind:   workflow.KindUnknownReference,
					Detail: fmt.Sprintf("task_id %s addresses %s node %q", req.TaskID, n.Kind, n.Name),
				}
			}
			return workflow.Fact{Pred: reasoner.QuestionExecuteTask, Args: []string{n.Name}}, nil
		})
}

// AccessData deliberates a dataset transfer. With a task_id the dataset must
// be an input of that node; without one the transfer is of the workflow's
// final result to its recipient.
func (e *Engine) AccessData(ctx context.Context, p auth.Principal, req models.AccessDataRequest, rawBody json.RawMessage) (Outcome, error) {
	return e.run(ctx, p, audit.VerbAccessData, rawBody, req.UseCase, req.Workflow,
		func(ir *workflow.IR) (workflow.Fact, error) {
			if req.TaskID == nil {
				if ir.Result == nil {
					return workflow.Fact{}, &workflow.ParseError{
						Kind:   workflow.KindUnknownReference,
						Detail: "workflow publishes no result",
					}
				}
				asset := ir.Assets[ir.Result.Asset].Name
				if req.DataID != "" && req.DataID != asset {
					return workflow.Fact{}, &workflow.ParseError{
						Kind:   workflow.KindUnknownReference,
						Detail: fmt.Sprintf("data_id %q is not the workflow result %q", req.DataID, asset),
					}
				}
				return workflow.Fact{Pred: reasoner.QuestionTransferResult, Args: []string{ir.Name, asset}}, nil
			}
			i, err := ir.ResolveTask(*req.TaskID)
			if err != nil {
				return workflow.Fact{}, &workflow.ParseError{Kind: workflow.KindUnknownReference, Detail: err.Error()}
			}
			n := ir.Nodes[i]
			for _, in := range n.Inputs {
				if ir.Assets[in.Asset].Name == req.DataID {
					return workflow.Fact{Pred: reasoner.QuestionTransferData, Args: []string{n.Name, req.DataID}}, nil
				}
			}
			return workflow.Fact{}, &workflow.ParseError{
				Kind:   workflow.KindUnknownReference,
				Detail: fmt.Sprintf("node %q has no input %q", n.Name, req.DataID),
			}
		})
}

// run is the shared pipeline. Every exit path goes through commit, so every
// verdict, denials included, is backed by an audit record.
func (e *Engine) run(ctx context.Context, p auth.Principal, verb string, rawBody json.RawMessage,
	useCase string, rawWorkflow json.RawMessage, question func(*workflow.IR) (workflow.Fact, error)) (Outcome, error) {

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy, err := e.Policies.GetActive(dctx)
	if err != nil {
		if errors.Is(err, policystore.ErrNoActive) {
			return e.commit(ctx, p, verb, rawBody, 0, "", models.Denied(models.DenyNoActivePolicy, err.Error()))
		}
		return e.commit(ctx, p, verb, rawBody, 0, "", models.Denied(models.DenyInternal, err.Error()))
	}

	ir, err := workflow.Parse(rawWorkflow)
	if err != nil {
		return e.commit(ctx, p, verb, rawBody, policy.Version, "", denyInvalid(err))
	}
	q, err := question(ir)
	if err != nil {
		return e.commit(ctx, p, verb, rawBody, policy.Version, "", denyInvalid(err))
	}

	st, err := e.States.Resolve(dctx, useCase)
	if err != nil {
		if errors.Is(err, state.ErrUnknownUseCase) {
			return e.commit(ctx, p, verb, rawBody, policy.Version, "", models.Denied(models.DenyUnknownUseCase, err.Error()))
		}
		return e.commit(ctx, p, verb, rawBody, policy.Version, "", models.Denied(models.DenyInternal, err.Error()))
	}

	facts := workflow.Close(workflow.Augment(workflow.BaseFacts(ir), st))
	fp := Fingerprint(policy.Version, facts, q)
	start := time.Now()
	res := e.Connector.Deliberate(dctx, policy, facts, q)
	elapsed := time.Since(start)
	out, err := e.commit(ctx, p, verb, rawBody, policy.Version, fp, reasoner.Interpret(res))
	if err != nil {
		return out, err
	}
	out.BackendConsulted = true
	out.BackendKind = res.Kind
	out.BackendLatency = elapsed
	return out, nil
}

// denyInvalid renders a structural validation failure as a denial carrying
// the stable error kind as its shareable reason.
func denyInvalid(err error) models.Decision {
	var perr *workflow.ParseError
	if errors.As(err, &perr) {
		return models.Denied(models.DenyInvalidWorkflow, perr.Detail, string(perr.Kind))
	}
	return models.Denied(models.DenyInvalidWorkflow, err.Error())
}

// commit appends the audit record, mirrors it to the event sink, and only
// then renders the response. The append runs detached from the caller's
// cancellation so a dropped client still leaves a trail.
func (e *Engine) commit(ctx context.Context, p auth.Principal, verb string, request json.RawMessage,
	policyVersion int64, fingerprint string, dec models.Decision) (Outcome, error) {

	rec := audit.Record{
		VerdictReference: uuid.NewString(),
		Initiator:        p.User,
		System:           p.System,
		Verb:             verb,
		Request:          request,
		PolicyVersion:    policyVersion,
		Fingerprint:      fingerprint,
		Verdict:          dec.Verdict(),
		ReasonCode:       string(dec.Reason),
		Reasons:          dec.Reasons,
		Detail:           dec.Detail,
		CreatedAt:        time.Now().UTC(),
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := e.Audit.Append(actx, rec); err != nil {
		return Outcome{}, fmt.Errorf("commit verdict %s: %w", rec.VerdictReference, err)
	}
	if e.Events != nil {
		if err := e.Events.Publish(actx, rec); err != nil {
			log.Printf("verdict event publish failed for %s: %v", rec.VerdictReference, err)
		}
	}

	resp := models.DeliberationResponse{
		Verdict:          rec.Verdict,
		VerdictReference: rec.VerdictReference,
		Signature:        responseSignature,
	}
	if !dec.Allow {
		resp.ReasonsForDenial = dec.Reasons
	}
	return Outcome{Response: resp, Decision: dec, Record: rec}, nil
}

// Fingerprint binds a verdict to its exact inputs: the policy version, the
// closed fact set in stable order, and the question. Equal inputs produce
// equal fingerprints across processes.
func Fingerprint(policyVersion int64, facts workflow.Facts, question workflow.Fact) string {
	rendered := make([]string, 0, facts.Len())
	for _, f := range facts.Sorted() {
		rendered = append(rendered, f.String())
	}
	doc, err := json.Marshal(struct {
		PolicyVersion int64    `json:"policy_version"`
		Facts         []string `json:"facts"`
		Question      string   `json:"question"`
	}{policyVersion, rendered, question.String()})
	if err != nil {
		// Only strings and an int64 are marshaled above.
		panic(err)
	}
	canon, err := models.CanonicalizeJSON(doc)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
