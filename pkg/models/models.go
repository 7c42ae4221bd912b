package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Verdict values as they appear on the wire.
const (
	VerdictAllow = "allow"
	VerdictDeny  = "deny"
)

// MainFunc is the task_id function selector for the workflow's toplevel body.
const MainFunc = "<main>"

// TaskRef addresses one task in a submitted workflow as a pair of the
// function it lives in and the edge index within that function.
type TaskRef struct {
	Func string
	Edge int
}

func (t TaskRef) String() string {
	return fmt.Sprintf("%s:%d", t.Func, t.Edge)
}

func (t TaskRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{t.Func, t.Edge})
}

func (t *TaskRef) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errors.New("task_id must be a [function, edge] pair")
	}
	if err := json.Unmarshal(raw[0], &t.Func); err != nil {
		return fmt.Errorf("task_id function: %w", err)
	}
	if err := json.Unmarshal(raw[1], &t.Edge); err != nil {
		return fmt.Errorf("task_id edge: %w", err)
	}
	if t.Func == "" {
		t.Func = MainFunc
	}
	return nil
}

// ExecuteWorkflowRequest asks whether a workflow may run as a whole.
type ExecuteWorkflowRequest struct {
	UseCase  string          `json:"use_case"`
	Workflow json.RawMessage `json:"workflow"`
}

// ExecuteTaskRequest asks whether one task within the workflow may run here.
type ExecuteTaskRequest struct {
	UseCase  string          `json:"use_case"`
	Workflow json.RawMessage `json:"workflow"`
	TaskID   TaskRef         `json:"task_id"`
}

// AccessDataRequest asks whether a dataset may be transferred. A nil TaskID
// means the transfer of the workflow's final result to its submitter.
type AccessDataRequest struct {
	UseCase  string          `json:"use_case"`
	Workflow json.RawMessage `json:"workflow"`
	TaskID   *TaskRef        `json:"task_id,omitempty"`
	DataID   string          `json:"data_id"`
}

// DeliberationResponse is the uniform answer for all deliberation verbs.
// ReasonsForDenial is present only on deny, and only carries the reasons the
// checker is willing to share.
type DeliberationResponse struct {
	Verdict          string   `json:"verdict"`
	VerdictReference string   `json:"verdict_reference"`
	Signature        string   `json:"signature,omitempty"`
	ReasonsForDenial []string `json:"reasons_for_denial,omitempty"`
}

// PolicyFragment is one backend-tagged piece of policy content. Content is
// kept byte-identical to what the policy expert submitted.
type PolicyFragment struct {
	Reasoner        string          `json:"reasoner"`
	ReasonerVersion string          `json:"reasoner_version"`
	Content         json.RawMessage `json:"content"`
}

// Policy is a stored, immutable policy version. CreatedAt is epoch
// microseconds.
type Policy struct {
	Version            int64            `json:"version"`
	Description        string           `json:"description"`
	VersionDescription string           `json:"version_description"`
	Creator            string           `json:"creator"`
	CreatedAt          int64            `json:"created_at"`
	Content            []PolicyFragment `json:"content"`
}

// PolicyMeta is the listing view of a policy, without content.
type PolicyMeta struct {
	Version            int64  `json:"version"`
	Creator            string `json:"creator"`
	CreatedAt          int64  `json:"created_at"`
	VersionDescription string `json:"version_description"`
}

// AddPolicyRequest is the management body for storing a new version.
type AddPolicyRequest struct {
	Description        string           `json:"description,omitempty"`
	VersionDescription string           `json:"version_description"`
	Content            []PolicyFragment `json:"content"`
}

// SetActiveRequest selects the version to activate.
type SetActiveRequest struct {
	Version int64 `json:"version"`
}

// ConnectorContext describes the backend the running connector targets, so
// policy experts know which fragments will be evaluated.
type ConnectorContext struct {
	Reasoner        string `json:"reasoner"`
	ReasonerVersion string `json:"reasoner_version"`
}

// PolicyListResponse is the management listing envelope.
type PolicyListResponse struct {
	Policies                 []PolicyMeta     `json:"policies"`
	ReasonerConnectorContext ConnectorContext `json:"reasoner_connector_context"`
}
