package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/epi-project/policy-reasoner/pkg/httpx"
	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

// HTTP resolves state from a remote state service. The service answers
// GET {base}/state/{use_case} with the wire document below.
type HTTP struct {
	Base       string
	UseCase    string
	Client     *http.Client
	AuthHeader string
	Retries    int
	RetryDelay time.Duration
}

type httpState struct {
	Users       []string `json:"users"`
	Domains     []string `json:"domains"`
	AssetAccess []struct {
		Asset string `json:"asset"`
		User  string `json:"user"`
	} `json:"asset_access"`
	Code []string `json:"code"`
}

func (h *HTTP) Resolve(ctx context.Context) (workflow.State, error) {
	endpoint := h.Base + "/state/" + url.PathEscape(h.UseCase)
	headers := map[string]string{}
	if h.AuthHeader != "" {
		headers["Authorization"] = h.AuthHeader
	}
	status, body, err := httpx.RequestJSON(ctx, h.Client, http.MethodGet, endpoint, nil, headers, h.Retries, h.RetryDelay)
	if err != nil {
		return workflow.State{}, fmt.Errorf("resolve state for %q: %w", h.UseCase, err)
	}
	if status != http.StatusOK {
		return workflow.State{}, fmt.Errorf("resolve state for %q: status %d", h.UseCase, status)
	}
	var doc httpState
	if err := json.Unmarshal(body, &doc); err != nil {
		return workflow.State{}, fmt.Errorf("decode state for %q: %w", h.UseCase, err)
	}
	st := workflow.State{
		Users:   doc.Users,
		Domains: doc.Domains,
		Code:    doc.Code,
	}
	for _, e := range doc.AssetAccess {
		st.AssetAccess = append(st.AssetAccess, workflow.AccessEntry{Asset: e.Asset, User: e.User})
	}
	return st, nil
}
