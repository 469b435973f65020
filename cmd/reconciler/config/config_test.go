package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ledger-recon-engine/internal/matcher"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/internal/reporter"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

const samplePolicies = `
default:
  matching:
    date_window_days: 4
  exceptions:
    escalation_age_days: 10
scopes:
  acme-us:
    matching:
      auto_accept_threshold: 95
  acme-eu:
    exceptions:
      grace_days: 0
`

func TestParsePoliciesLayersScopesOverDefault(t *testing.T) {
	file, err := ParsePolicies([]byte(samplePolicies))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	defaults := matcher.DefaultMatchingConfig()
	if file.Default.Matching.DateWindowDays != 4 {
		t.Errorf("expected default date window 4, got %d", file.Default.Matching.DateWindowDays)
	}
	if file.Default.Matching.AutoAcceptThreshold != defaults.AutoAcceptThreshold {
		t.Errorf("unset default fields should keep built-in values, got %v", file.Default.Matching.AutoAcceptThreshold)
	}

	us := file.Scopes["acme-us"]
	if us == nil {
		t.Fatalf("expected acme-us policy")
	}
	if us.Matching.AutoAcceptThreshold != 95 {
		t.Errorf("expected auto-accept 95, got %v", us.Matching.AutoAcceptThreshold)
	}
	if us.Matching.DateWindowDays != 4 {
		t.Errorf("scope policy should inherit the file default window, got %d", us.Matching.DateWindowDays)
	}
	if us.Exceptions.EscalationAgeDays != 10 {
		t.Errorf("scope policy should inherit escalation age 10, got %d", us.Exceptions.EscalationAgeDays)
	}

	eu := file.Scopes["acme-eu"]
	if eu.Exceptions.GraceDays != 0 {
		t.Errorf("expected grace days 0, got %d", eu.Exceptions.GraceDays)
	}

	// scope policies must not share state with the default
	us.Matching.DateWindowDays = 7
	if file.Default.Matching.DateWindowDays != 4 {
		t.Errorf("scope policy aliases the default policy")
	}

	names := file.ScopeNames()
	if len(names) != 2 || names[0] != "acme-eu" || names[1] != "acme-us" {
		t.Errorf("unexpected scope names %v", names)
	}
}

func TestParsePoliciesErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top-level key", "defaults:\n  matching: {}\n"},
		{"invalid default", "default:\n  matching:\n    auto_accept_threshold: 150\n"},
		{"invalid scope", "scopes:\n  acme:\n    matching:\n      suggest_threshold: -1\n"},
		{"malformed yaml", "default: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(tt.doc))
			if err == nil {
				t.Fatalf("expected error but got none")
			}
			rerr, ok := errors.AsReconcilerError(err)
			if !ok || rerr.Category != errors.CategoryConfiguration {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestParsePoliciesEmptyDocument(t *testing.T) {
	file, err := ParsePolicies(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(file.Scopes) != 0 {
		t.Errorf("expected no scopes, got %d", len(file.Scopes))
	}
	if file.Default.Matching.AutoAcceptThreshold != matcher.DefaultMatchingConfig().AutoAcceptThreshold {
		t.Errorf("empty document should yield the built-in default policy")
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(samplePolicies), 0644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	file, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(file.Scopes) != 2 {
		t.Errorf("expected 2 scopes, got %d", len(file.Scopes))
	}

	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.HasCode(err, errors.CodeMissingConfig) {
		t.Errorf("expected missing_config error, got %v", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	base := reconciler.DefaultPolicy()
	window := 5
	autoAccept := 97.0
	escalation := 30

	policy, err := ApplyOverrides(base, PolicyOverrides{
		DateWindowDays:      &window,
		AutoAcceptThreshold: &autoAccept,
		EscalationAgeDays:   &escalation,
		EnabledRules:        []string{matcher.RuleExact, matcher.RuleReference},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if policy.Matching.DateWindowDays != 5 || policy.Matching.AutoAcceptThreshold != 97 {
		t.Errorf("matching overrides not applied: %+v", policy.Matching)
	}
	if policy.Exceptions.EscalationAgeDays != 30 {
		t.Errorf("expected escalation age 30, got %d", policy.Exceptions.EscalationAgeDays)
	}
	if policy.Matching.RuleEnabled(matcher.RuleFuzzy) {
		t.Errorf("fuzzy rule should be disabled")
	}
	if base.Matching.DateWindowDays == 5 {
		t.Errorf("ApplyOverrides must not modify its input")
	}

	invalid := -3
	if _, err := ApplyOverrides(base, PolicyOverrides{DateWindowDays: &invalid}); err == nil {
		t.Errorf("expected validation error for negative date window")
	}
}

func TestPolicyOverridesIsEmpty(t *testing.T) {
	if !(PolicyOverrides{}).IsEmpty() {
		t.Errorf("zero overrides should be empty")
	}
	grace := 1
	if (PolicyOverrides{GraceDays: &grace}).IsEmpty() {
		t.Errorf("overrides with grace days should not be empty")
	}
}

func TestCreateReconcilerConfig(t *testing.T) {
	file, err := ParsePolicies([]byte(samplePolicies))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	config, err := CreateReconcilerConfig(file, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.LockTimeout != 2*time.Second {
		t.Errorf("expected lock timeout 2s, got %v", config.LockTimeout)
	}
	if config.DefaultPolicy.Matching.DateWindowDays != 4 {
		t.Errorf("expected default policy from file")
	}

	config, err = CreateReconcilerConfig(nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.LockTimeout != reconciler.DefaultConfig().LockTimeout {
		t.Errorf("expected default lock timeout, got %v", config.LockTimeout)
	}
}

func TestOpenRepository(t *testing.T) {
	repo, err := OpenRepository("", logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := repo.(*storage.MemoryRepository); !ok {
		t.Errorf("expected memory repository for empty path, got %T", repo)
	}

	repo, err = OpenRepository(filepath.Join(t.TempDir(), "recon.db"), logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer repo.Close()
	if _, ok := repo.(*storage.SQLiteRepository); !ok {
		t.Errorf("expected sqlite repository, got %T", repo)
	}
}

func TestCreateLoggerConfig(t *testing.T) {
	config, err := CreateLoggerConfig("warn", "json", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Level != logger.WarnLevel || config.Format != logger.JSONFormat {
		t.Errorf("unexpected logger config %+v", config)
	}

	config, _ = CreateLoggerConfig("warn", "", true)
	if config.Level != logger.DebugLevel {
		t.Errorf("verbose should force debug level, got %s", config.Level)
	}

	if _, err := CreateLoggerConfig("loud", "", false); err == nil {
		t.Errorf("expected error for invalid level")
	}
}

func TestCreateServerConfig(t *testing.T) {
	config := CreateServerConfig(9090, []string{"*"})
	if config.Port != 9090 {
		t.Errorf("expected port 9090, got %d", config.Port)
	}
	if len(config.AllowedOrigins) != 1 || config.AllowedOrigins[0] != "*" {
		t.Errorf("unexpected origins %v", config.AllowedOrigins)
	}

	config = CreateServerConfig(0, nil)
	if config.Port != 8080 || len(config.AllowedOrigins) == 0 {
		t.Errorf("expected defaults, got %+v", config)
	}
}

func TestCreateReportConfig(t *testing.T) {
	tests := []struct {
		format       string
		expectError  bool
		expectStats  bool
		expectedList int
	}{
		{"console", false, true, 10},
		{"json", false, true, 0},
		{"csv", false, false, 0},
		{"xml", true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			config, err := CreateReportConfig(tt.format, true)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if config.Format != reporter.OutputFormat(tt.format) {
				t.Errorf("expected format %s, got %s", tt.format, config.Format)
			}
			if !config.IncludeMatches {
				t.Errorf("expected matches to be included")
			}
			if config.IncludeRunStats != tt.expectStats {
				t.Errorf("expected IncludeRunStats %v, got %v", tt.expectStats, config.IncludeRunStats)
			}
			if config.MaxListItems != tt.expectedList {
				t.Errorf("expected MaxListItems %d, got %d", tt.expectedList, config.MaxListItems)
			}
		})
	}
}
