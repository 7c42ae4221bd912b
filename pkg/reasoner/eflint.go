package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/epi-project/policy-reasoner/pkg/eflint"
	"github.com/epi-project/policy-reasoner/pkg/models"
	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

const (
	eflintBackendName = "eflint"
	maxResponseBytes  = 16 << 20
)

// EFlint speaks the eFLINT JSON exchange format over HTTP. Concurrent
// exchanges share a bounded pool; waiters queue in arrival order and give up
// when their context expires.
type EFlint struct {
	url    string
	client *http.Client
	sem    chan struct{}
}

// NewEFlint builds a connector against the backend at url. pool bounds the
// number of in-flight exchanges; client may be nil for the default.
func NewEFlint(url string, client *http.Client, pool int) *EFlint {
	if client == nil {
		client = http.DefaultClient
	}
	if pool <= 0 {
		pool = 4
	}
	return &EFlint{
		url:    url,
		client: client,
		sem:    make(chan struct{}, pool),
	}
}

func (c *EFlint) Context() models.ConnectorContext {
	return models.ConnectorContext{
		Reasoner:        eflintBackendName,
		ReasonerVersion: eflint.Version,
	}
}

// Compile concatenates the policy fragments targeting this backend into one
// phrase program. Fragment content is either a phrase array or a single
// phrase object, stored byte-identical by the policy store.
func (c *EFlint) Compile(policy models.Policy) ([]json.RawMessage, error) {
	ctx := c.Context()
	var program []json.RawMessage
	matched := false
	for _, frag := range policy.Content {
		if frag.Reasoner != ctx.Reasoner || frag.ReasonerVersion != ctx.ReasonerVersion {
			continue
		}
		matched = true
		var phrases []json.RawMessage
		if err := json.Unmarshal(frag.Content, &phrases); err != nil {
			program = append(program, json.RawMessage(frag.Content))
			continue
		}
		program = append(program, phrases...)
	}
	if !matched {
		return nil, fmt.Errorf("%w: policy version %d has no %s@%s fragment",
			ErrUnsupportedBackend, policy.Version, ctx.Reasoner, ctx.ReasonerVersion)
	}
	return program, nil
}

// Encode lays out the exchange: vocabulary declarations, the compiled
// program, one create-phrase per fact in stable order, then the question.
func (c *EFlint) Encode(program []json.RawMessage, facts workflow.Facts, question workflow.Fact) eflint.PhrasesInput {
	phrases := append([]json.RawMessage{}, baseDefinitions()...)
	phrases = append(phrases, program...)
	for _, f := range facts.Sorted() {
		phrases = append(phrases, eflint.CreatePhrase(f.Pred, f.Args...))
	}
	phrases = append(phrases, eflint.CreatePhrase(question.Pred, question.Args...))
	return eflint.NewPhrasesInput(phrases)
}

// Evaluate transmits one encoded exchange and classifies the backend's
// answer.
func (c *EFlint) Evaluate(ctx context.Context, in eflint.PhrasesInput) Outcome {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return failed(ctx, "timed out waiting for a backend slot")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return Outcome{Kind: ReasonerError, Detail: fmt.Sprintf("encode request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: ReasonerError, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return failed(ctx, fmt.Sprintf("backend exchange: %v", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failed(ctx, fmt.Sprintf("read backend response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return failed(ctx, fmt.Sprintf("backend returned status %d", resp.StatusCode))
	}

	var out eflint.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{Kind: ReasonerError, Detail: fmt.Sprintf("malformed backend response: %v", err)}
	}
	if !out.Success {
		detail := "backend reported failure"
		for _, e := range out.Errors {
			detail += ": " + e.Message
		}
		return Outcome{Kind: ReasonerError, Detail: detail}
	}
	if out.Violated() {
		return violated(out.ViolatedPredicates())
	}
	return satisfied()
}

// Deliberate chains Compile, Encode and Evaluate for one question.
func (c *EFlint) Deliberate(ctx context.Context, policy models.Policy, facts workflow.Facts, question workflow.Fact) Outcome {
	program, err := c.Compile(policy)
	if err != nil {
		return Outcome{Kind: ReasonerError, Detail: err.Error()}
	}
	return c.Evaluate(ctx, c.Encode(program, facts, question))
}

// baseDefinitions declares the workflow fact vocabulary so create-phrases
// land on known types regardless of what the policy program declares.
func baseDefinitions() []json.RawMessage {
	defs := []json.RawMessage{
		eflint.AFactPhrase("user"),
		eflint.AFactPhrase("asset"),
		eflint.AFactPhrase("workflow"),
		eflint.AFactPhrase("node-id"),
		eflint.AFactPhrase("value"),
	}
	composite := []struct {
		name string
		by   []string
	}{
		{workflow.PredDomain, []string{"user"}},
		{workflow.PredCode, []string{"asset"}},
		{workflow.PredFunction, []string{"asset", "value"}},
		{workflow.PredNode, []string{"workflow", "node-id"}},
		{workflow.PredTask, []string{"node-id"}},
		{workflow.PredCommit, []string{"node-id"}},
		{workflow.PredLoop, []string{"node-id"}},
		{workflow.PredNodeAt, []string{"node-id", "user"}},
		{workflow.PredNodeInput, []string{"node-id", "asset"}},
		{workflow.PredNodeInputFrom, []string{"node-id", "asset", "user"}},
		{workflow.PredNodeOutput, []string{"node-id", "asset"}},
		{workflow.PredNodeFunction, []string{"node-id", "asset"}},
		{workflow.PredLoopBody, []string{"node-id", "node-id"}},
		{workflow.PredWorkflowResult, []string{"workflow", "asset"}},
		{workflow.PredWorkflowResultRecip, []string{"workflow", "asset", "user"}},
		{workflow.PredTag, []string{"user", "value"}},
		{workflow.PredSignature, []string{"user", "value"}},
		{workflow.PredSignatureValid, []string{"user", "value"}},
		{workflow.PredMetadata, []string{"value", "user", "value", "user"}},
		{workflow.PredAssetAccess, []string{"asset", "user"}},
		{workflow.PredNodeAsset, []string{"node-id", "asset"}},
		{workflow.PredNodeDependsOn, []string{"node-id", "node-id"}},
		{workflow.PredNodeDependsOnAsset, []string{"node-id", "asset"}},
		{workflow.PredNodeDependsOnDomain, []string{"node-id", "user"}},
		{workflow.PredAssetDownstreamDomain, []string{"asset", "user"}},
		{QuestionExecuteWorkflow, []string{"workflow"}},
		{QuestionExecuteTask, []string{"node-id"}},
		{QuestionTransferData, []string{"node-id", "asset"}},
		{QuestionTransferResult, []string{"workflow", "asset"}},
	}
	for _, c := range composite {
		defs = append(defs, eflint.CFactPhrase(c.name, c.by...))
	}
	return defs
}
