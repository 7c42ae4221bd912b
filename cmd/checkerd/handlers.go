package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/epi-project/policy-reasoner/pkg/audit"
	"github.com/epi-project/policy-reasoner/pkg/auth"
	"github.com/epi-project/policy-reasoner/pkg/deliberate"
	"github.com/epi-project/policy-reasoner/pkg/events"
	"github.com/epi-project/policy-reasoner/pkg/httpx"
	"github.com/epi-project/policy-reasoner/pkg/metrics"
	"github.com/epi-project/policy-reasoner/pkg/models"
	"github.com/epi-project/policy-reasoner/pkg/policystore"
	"github.com/epi-project/policy-reasoner/pkg/ratelimit"
	"github.com/epi-project/policy-reasoner/pkg/reasoner"
	"github.com/epi-project/policy-reasoner/pkg/stream"
	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

// Server carries the wired components behind the two endpoint families.
type Server struct {
	Engine    *deliberate.Engine
	Policies  *policystore.Store
	Audit     *audit.Writer
	Connector reasoner.Connector
	Metrics   *metrics.Registry
	Events    *stream.Hub

	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
}

// routes builds the full router: health and metrics open, deliberation and
// management each behind their own key set.
func (s *Server) routes(delibAuth, mgmtAuth *auth.KeySet) *chi.Mux {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.limitRequestBody)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "checkerd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	delib := chi.NewRouter()
	delib.Use(delibAuth.Middleware())
	delib.Use(s.rateLimit)
	delib.Post("/execute-workflow", s.executeWorkflow)
	delib.Post("/execute-task", s.executeTask)
	delib.Post("/access-data", s.accessData)
	r.Mount("/v1/deliberation", delib)

	mgmt := chi.NewRouter()
	mgmt.Use(mgmtAuth.Middleware())
	mgmt.Get("/policies", s.listPolicies)
	mgmt.Post("/policies", s.addPolicy)
	mgmt.Get("/policies/active", s.getActivePolicy)
	mgmt.Put("/policies/active", s.setActivePolicy)
	mgmt.Delete("/policies/active", s.unsetActivePolicy)
	mgmt.Get("/policies/{version}", s.getPolicy)
	mgmt.Get("/verdicts/{reference}", s.getVerdict)
	mgmt.Get("/events", s.streamEvents)
	r.Mount("/v1/management", mgmt)

	return r
}

// Deliberation family.

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req models.ExecuteWorkflowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	out, err := s.Engine.ExecuteWorkflow(r.Context(), p, req, body)
	s.writeDeliberation(w, out, err)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req models.ExecuteTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	out, err := s.Engine.ExecuteTask(r.Context(), p, req, body)
	s.writeDeliberation(w, out, err)
}

func (s *Server) accessData(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req models.AccessDataRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	out, err := s.Engine.AccessData(r.Context(), p, req, body)
	s.writeDeliberation(w, out, err)
}

func (s *Server) writeDeliberation(w http.ResponseWriter, out deliberate.Outcome, err error) {
	if err != nil {
		log.Printf("deliberation commit failed: %v", err)
		httpx.Error(w, 500, "internal error")
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncVerdict(out.Response.Verdict)
		s.Metrics.IncVerdictReason(out.Response.Verdict, string(out.Decision.Reason))
		if !out.Decision.Allow {
			s.Metrics.IncReason(string(out.Decision.Reason))
		}
		if out.BackendConsulted {
			s.Metrics.IncBackendOutcome(out.BackendKind.String())
			s.Metrics.ObserveBackendLatency(out.BackendLatency)
		}
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeVerdict, verdictView(out.Record)))
	}
	httpx.WriteJSON(w, deliberationStatus(out.Decision), out.Response)
}

// deliberationStatus maps a decision onto the wire status: denials are 200s,
// except structurally invalid submissions, which are client errors.
func deliberationStatus(dec models.Decision) int {
	if dec.Allow || dec.Reason != models.DenyInvalidWorkflow {
		return 200
	}
	for _, reason := range dec.Reasons {
		if reason == string(workflow.KindMalformed) {
			return 400
		}
	}
	return 422
}

func verdictView(rec audit.Record) events.Verdict {
	return events.Verdict{
		VerdictReference: rec.VerdictReference,
		Initiator:        rec.Initiator,
		System:           rec.System,
		Verb:             rec.Verb,
		Verdict:          rec.Verdict,
		ReasonCode:       rec.ReasonCode,
		Reasons:          rec.Reasons,
		PolicyVersion:    rec.PolicyVersion,
		Fingerprint:      rec.Fingerprint,
		CreatedAt:        rec.CreatedAt,
	}
}

// Management family.

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	metas, err := s.Policies.List(r.Context())
	if err != nil {
		internalServerError(w, "list policies", err)
		return
	}
	if err := s.auditManagement(r, audit.VerbListPolicies, nil, 0); err != nil {
		internalServerError(w, "audit list policies", err)
		return
	}
	httpx.WriteJSON(w, 200, models.PolicyListResponse{
		Policies:                 metas,
		ReasonerConnectorContext: s.Connector.Context(),
	})
}

func (s *Server) addPolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req models.AddPolicyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Content) == 0 {
		httpx.Error(w, 400, "content required")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	policy, err := s.Policies.Insert(r.Context(), req.Description, req.VersionDescription, p.User, req.Content)
	if err != nil {
		internalServerError(w, "add policy", err)
		return
	}
	if err := s.auditManagement(r, audit.VerbAddPolicy, body, policy.Version); err != nil {
		internalServerError(w, "audit add policy", err)
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypePolicyAdded, models.PolicyMeta{
			Version:            policy.Version,
			Creator:            policy.Creator,
			CreatedAt:          policy.CreatedAt,
			VersionDescription: policy.VersionDescription,
		}))
	}
	httpx.WriteJSON(w, 201, policy)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "version must be an integer")
		return
	}
	policy, err := s.Policies.Get(r.Context(), version)
	if errors.Is(err, policystore.ErrNotFound) {
		httpx.Error(w, 404, "policy version not found")
		return
	}
	if err != nil {
		internalServerError(w, "get policy", err)
		return
	}
	if err := s.auditManagement(r, audit.VerbGetPolicy, nil, version); err != nil {
		internalServerError(w, "audit get policy", err)
		return
	}
	httpx.WriteJSON(w, 200, policy)
}

func (s *Server) getActivePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.Policies.GetActive(r.Context())
	if errors.Is(err, policystore.ErrNoActive) {
		httpx.Error(w, 404, "no active policy version")
		return
	}
	if err != nil {
		internalServerError(w, "get active policy", err)
		return
	}
	if err := s.auditManagement(r, audit.VerbGetActive, nil, policy.Version); err != nil {
		internalServerError(w, "audit get active policy", err)
		return
	}
	httpx.WriteJSON(w, 200, policy)
}

func (s *Server) setActivePolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req models.SetActiveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	candidate, err := s.Policies.Get(r.Context(), req.Version)
	if errors.Is(err, policystore.ErrNotFound) {
		httpx.Error(w, 404, "policy version not found")
		return
	}
	if err != nil {
		internalServerError(w, "load policy for activation", err)
		return
	}
	if !fragmentsMatchBackend(candidate, s.Connector.Context()) {
		httpx.Error(w, 422, "no policy fragment targets the configured reasoner backend")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	policy, err := s.Policies.Activate(r.Context(), req.Version, p.User)
	if errors.Is(err, policystore.ErrNotFound) {
		httpx.Error(w, 404, "policy version not found")
		return
	}
	if err != nil {
		internalServerError(w, "set active policy", err)
		return
	}
	if err := s.auditManagement(r, audit.VerbSetActive, body, policy.Version); err != nil {
		internalServerError(w, "audit set active policy", err)
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypePolicyActivated, models.SetActiveRequest{Version: policy.Version}))
	}
	httpx.WriteJSON(w, 200, policy)
}

func (s *Server) unsetActivePolicy(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := s.Policies.Deactivate(r.Context(), p.User); err != nil {
		internalServerError(w, "unset active policy", err)
		return
	}
	if err := s.auditManagement(r, audit.VerbUnsetActive, nil, 0); err != nil {
		internalServerError(w, "audit unset active policy", err)
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypePolicyDeactivated, nil))
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

// getVerdict exposes the full audit record, diagnostics included, to policy
// experts. Deliberation callers only ever see the uniform response.
func (s *Server) getVerdict(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	rec, err := s.Audit.Get(r.Context(), ref)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, 404, "verdict reference not found")
		return
	}
	if err != nil {
		internalServerError(w, "get verdict", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"verdict_reference": rec.VerdictReference,
		"initiator":         rec.Initiator,
		"system":            rec.System,
		"verb":              rec.Verb,
		"request":           rec.Request,
		"policy_version":    rec.PolicyVersion,
		"fingerprint":       rec.Fingerprint,
		"verdict":           rec.Verdict,
		"reason_code":       rec.ReasonCode,
		"reasons":           rec.Reasons,
		"detail":            rec.Detail,
		"created_at":        rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// auditManagement appends one record per management action, before the
// response is written.
func (s *Server) auditManagement(r *http.Request, verb string, request json.RawMessage, policyVersion int64) error {
	p, _ := auth.PrincipalFromContext(r.Context())
	return s.Audit.Append(context.WithoutCancel(r.Context()), audit.Record{
		VerdictReference: uuid.NewString(),
		Initiator:        p.User,
		System:           p.System,
		Verb:             verb,
		Request:          request,
		PolicyVersion:    policyVersion,
		Verdict:          "ok",
		CreatedAt:        time.Now().UTC(),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// Middleware.

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, 400, "read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, _ := auth.PrincipalFromContext(r.Context())
		key := p.User
		if key == "" {
			key = p.System
		}
		d := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		key := r.Method + " " + routePattern(r)
		s.Metrics.Observe(key, rec.status, time.Since(start))
		s.Metrics.ObserveLatency(key, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// fragmentsMatchBackend reports whether at least one fragment of the policy
// targets the running connector. Activating a policy the backend cannot
// evaluate would deny every deliberation.
func fragmentsMatchBackend(policy models.Policy, ctx models.ConnectorContext) bool {
	for _, frag := range policy.Content {
		if frag.Reasoner == ctx.Reasoner && frag.ReasonerVersion == ctx.ReasonerVersion {
			return true
		}
	}
	return false
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("checkerd %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
