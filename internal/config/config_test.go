package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected address or path: %+v", cfg)
	}
	if cfg.RateLimitRequests != defaultRateLimitRequests || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %d per %s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.BatchFlushInterval != 5*time.Second || cfg.BatchMaxPending != defaultMaxPending {
		t.Fatalf("unexpected batch defaults: %+v", cfg)
	}
	if cfg.RetentionCap != 20 || cfg.DefaultSource != "vidsrc" || !cfg.AllowPassivePreference {
		t.Fatalf("unexpected history defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CINESYNC_SESSION_SIGNING_SECRET", "from-env")
	t.Setenv("CINESYNC_RATELIMIT_WINDOW", "30s")
	t.Setenv("CINESYNC_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionSigningSecret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.SessionSigningSecret)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("expected 30s window, got %s", cfg.RateLimitWindow)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		expected string
	}{
		{name: "missing secret", settings: map[string]any{}, expected: "session.signing_secret"},
		{name: "negative requests", settings: map[string]any{"ratelimit.requests": -1}, expected: "ratelimit.requests"},
		{name: "zero window", settings: map[string]any{"ratelimit.window": "0s"}, expected: "ratelimit.window"},
		{name: "zero retention", settings: map[string]any{"history.retention_cap": 0}, expected: "history.retention_cap"},
		{name: "empty cookie", settings: map[string]any{"session.cookie_name": " "}, expected: "session.cookie_name"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.expected != "session.signing_secret" {
				configViper.Set("session.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.expected, err)
			}
		})
	}
}
