// Package hardening validates deployment configuration before the checker
// starts serving. In production-like environments a strict profile is
// enforced: TLS to the stores, an explicit HTTPS CORS allowlist and every
// declared secret present. Development environments skip all of it.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be set for the service to start.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values under validation. Flag fields
// hold the unparsed env strings; empty means "use the default".
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction enforces the strict profile in production-like
// environments. STRICT_PROD_SECURITY=false opts out explicitly.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolValue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: strict production hardening %s", service, fmt.Sprintf(format, args...))
	}

	if !boolValue(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !boolValue(o.RedisRequireTLS, false) {
			return fail("requires REDIS_REQUIRE_TLS=true")
		}
		if boolValue(o.RedisTLSInsecure, false) || boolValue(o.RedisAllowInsecureTLS, false) {
			return fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if err := checkOrigins(o.CORSAllowedOrigins, fail); err != nil {
		return err
	}
	for _, secret := range o.RequiredServiceSecrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return fail("requires %s", secret.Name)
		}
	}
	return nil
}

// checkOrigins requires an explicit HTTPS allowlist: no wildcard, no
// localhost, no plain HTTP.
func checkOrigins(raw string, fail func(string, ...any) error) error {
	count := 0
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		count++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fail("forbids CORS wildcard origin")
		case isLocalhost(lower):
			return fail("forbids localhost CORS origin %q", origin)
		case !strings.HasPrefix(lower, "https://"):
			return fail("requires HTTPS CORS origin, got %q", origin)
		}
	}
	if count == 0 {
		return fail("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isLocalhost(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func boolValue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
