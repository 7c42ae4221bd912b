package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "checkerd",
		Environment:        "production",
		StrictProdSecurity: "true",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://console.example.com",
		RequiredServiceSecrets: []EnvRequirement{
			{Name: "MGMT_AUTH_SECRETS", Value: "k1:secret"},
		},
	}
}

func TestValidateProduction(t *testing.T) {
	t.Parallel()

	t.Run("compliant_config_passes", func(t *testing.T) {
		if err := ValidateProduction(strictOptions()); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("skipped_outside_production", func(t *testing.T) {
		for _, environment := range []string{"development", "local", "test", ""} {
			o := strictOptions()
			o.Environment = environment
			o.DatabaseRequireTLS = "false"
			o.CORSAllowedOrigins = "*"
			if err := ValidateProduction(o); err != nil {
				t.Fatalf("env %q: expected skip, got %v", environment, err)
			}
		}
	})

	t.Run("strict_opt_out", func(t *testing.T) {
		o := strictOptions()
		o.StrictProdSecurity = "false"
		o.DatabaseRequireTLS = "false"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected opt-out skip, got %v", err)
		}
	})

	violations := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"db_tls", func(o *Options) { o.DatabaseRequireTLS = "false" }, "DATABASE_REQUIRE_TLS=true"},
		{"redis_tls", func(o *Options) { o.RedisRequireTLS = "false" }, "REDIS_REQUIRE_TLS=true"},
		{"redis_insecure", func(o *Options) { o.RedisTLSInsecure = "true" }, "REDIS_TLS_INSECURE"},
		{"cors_wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors_localhost", func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors_plain_http", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
		{"cors_empty", func(o *Options) { o.CORSAllowedOrigins = " , " }, "CORS_ALLOWED_ORIGINS"},
		{"missing_secret", func(o *Options) { o.RequiredServiceSecrets[0].Value = " " }, "MGMT_AUTH_SECRETS"},
	}
	for _, tc := range violations {
		t.Run(tc.name, func(t *testing.T) {
			o := strictOptions()
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
			if !strings.Contains(err.Error(), "checkerd") {
				t.Fatalf("error should name the service, got %v", err)
			}
		})
	}

	t.Run("redis_checks_skipped_without_addr", func(t *testing.T) {
		o := strictOptions()
		o.RedisAddr = ""
		o.RedisRequireTLS = "false"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected redis checks skipped, got %v", err)
		}
	})

	t.Run("blank_secret_names_ignored", func(t *testing.T) {
		o := strictOptions()
		o.RequiredServiceSecrets = append(o.RequiredServiceSecrets, EnvRequirement{Name: " ", Value: ""})
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected blank requirement ignored, got %v", err)
		}
	})
}
