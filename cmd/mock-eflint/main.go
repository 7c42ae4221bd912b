// Command mock-eflint is a stand-in eFLINT backend for local development and
// load testing. It accepts the phrases exchange format and answers per its
// configured mode: allow everything, report violations, or fail outright.
// SLEEP_MS delays every answer to exercise deliberation timeouts.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/epi-project/policy-reasoner/pkg/eflint"
	"github.com/epi-project/policy-reasoner/pkg/httpx"
	"github.com/epi-project/policy-reasoner/pkg/telemetry"
)

// Backend modes.
const (
	ModeAllow   = "allow"
	ModeViolate = "violate"
	ModeError   = "error"
)

type Backend struct {
	Mode       string
	Violations []string
	Sleep      time.Duration
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockEFlint(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// reason answers one phrases exchange. The envelope is validated the way the
// real backend would: wrong kind or version is a processing failure, not a
// transport error.
func (b *Backend) reason(w http.ResponseWriter, r *http.Request) {
	if b.Sleep > 0 {
		select {
		case <-time.After(b.Sleep):
		case <-r.Context().Done():
			return
		}
	}

	var in eflint.PhrasesInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpx.WriteJSON(w, 200, eflint.Response{
			Success: false,
			Errors:  []eflint.Error{{ID: "decode", Message: err.Error()}},
		})
		return
	}
	if in.Kind != "phrases" || in.Version != eflint.Version {
		httpx.WriteJSON(w, 200, eflint.Response{
			Success: false,
			Errors:  []eflint.Error{{ID: "envelope", Message: "unsupported kind or version"}},
		})
		return
	}

	switch b.Mode {
	case ModeError:
		httpx.WriteJSON(w, 200, eflint.Response{
			Success: false,
			Errors:  []eflint.Error{{ID: "backend", Message: "configured to fail"}},
		})
	case ModeViolate:
		results := okResults(len(in.Phrases))
		if len(results) > 0 {
			last := &results[len(results)-1]
			last.Violated = true
			for _, p := range b.Violations {
				last.Violations = append(last.Violations, eflint.Violation{Kind: "invariant", Identifier: p})
			}
		}
		httpx.WriteJSON(w, 200, eflint.Response{Success: true, Results: results})
	default:
		httpx.WriteJSON(w, 200, eflint.Response{Success: true, Results: okResults(len(in.Phrases))})
	}
}

// okResults mirrors the real backend's one state change per phrase.
func okResults(n int) []eflint.StateChange {
	out := make([]eflint.StateChange, n)
	for i := range out {
		out[i].Success = true
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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

func runMockEFlint(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "mock-eflint")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	backend := &Backend{
		Mode:       strings.ToLower(env("MODE", ModeAllow)),
		Violations: splitList(env("VIOLATIONS", "mock-invariant")),
		Sleep:      time.Millisecond * time.Duration(envInt("SLEEP_MS", 0)),
	}
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("mock-eflint"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "mock-eflint"})
	})
	r.Post("/", backend.reason)

	addr := env("ADDR", ":8080")
	log.Printf("mock-eflint listening on %s (mode=%s)", addr, backend.Mode)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
