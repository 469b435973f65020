package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"ledger-recon-engine/internal/api"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/internal/reporter"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// PolicyFile is the YAML document holding the default policy and per-scope overrides.
// Scope entries only need the settings they change; the rest come from the default.
//
//	default:
//	  matching:
//	    date_window_days: 3
//	scopes:
//	  acme-us:
//	    matching:
//	      auto_accept_threshold: 95
type PolicyFile struct {
	Default *reconciler.Policy            `yaml:"default"`
	Scopes  map[string]*reconciler.Policy `yaml:"scopes"`
}

// LoadPolicyFile reads and validates a policy file
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "policies", path, err).
			WithSuggestion("Check the --policies path")
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes a policy document, layering every scope over the default
func ParsePolicies(data []byte) (*PolicyFile, error) {
	var doc struct {
		Default yaml.Node            `yaml:"default"`
		Scopes  map[string]yaml.Node `yaml:"scopes"`
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && err != io.EOF {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "policies", nil, err).
			WithSuggestion("The policy file must contain only 'default' and 'scopes'")
	}

	base := reconciler.DefaultPolicy()
	if !doc.Default.IsZero() {
		if err := doc.Default.Decode(base); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "policies.default", nil, err)
		}
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}

	file := &PolicyFile{Default: base, Scopes: make(map[string]*reconciler.Policy, len(doc.Scopes))}
	for scope, node := range doc.Scopes {
		policy := base.Clone()
		if err := node.Decode(policy); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "policies.scopes."+scope, nil, err)
		}
		if err := policy.Validate(); err != nil {
			return nil, errors.WrapIfNeeded(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, "invalid policy for scope "+scope).
				WithContext("scope", scope)
		}
		file.Scopes[scope] = policy
	}
	return file, nil
}

// ScopeNames lists the scopes with their own policy, sorted
func (f *PolicyFile) ScopeNames() []string {
	names := make([]string, 0, len(f.Scopes))
	for scope := range f.Scopes {
		names = append(names, scope)
	}
	sort.Strings(names)
	return names
}

// PolicyOverrides are command-line adjustments to one scope's policy. Nil fields keep the policy value.
type PolicyOverrides struct {
	DateWindowDays      *int
	FuzzyTolerance      *float64
	AutoAcceptThreshold *float64
	SuggestThreshold    *float64
	EscalationAgeDays   *int
	GraceDays           *int
	EnabledRules        []string
}

// IsEmpty reports whether no override is set
func (o PolicyOverrides) IsEmpty() bool {
	return o.DateWindowDays == nil && o.FuzzyTolerance == nil && o.AutoAcceptThreshold == nil &&
		o.SuggestThreshold == nil && o.EscalationAgeDays == nil && o.GraceDays == nil && len(o.EnabledRules) == 0
}

// ApplyOverrides returns a copy of the policy with the overrides applied and validated
func ApplyOverrides(policy *reconciler.Policy, o PolicyOverrides) (*reconciler.Policy, error) {
	p := policy.Clone()
	if o.DateWindowDays != nil {
		p.Matching.DateWindowDays = *o.DateWindowDays
	}
	if o.FuzzyTolerance != nil {
		p.Matching.FuzzyAmountTolerancePercent = *o.FuzzyTolerance
	}
	if o.AutoAcceptThreshold != nil {
		p.Matching.AutoAcceptThreshold = *o.AutoAcceptThreshold
	}
	if o.SuggestThreshold != nil {
		p.Matching.SuggestThreshold = *o.SuggestThreshold
	}
	if len(o.EnabledRules) > 0 {
		p.Matching.EnabledRules = append([]string(nil), o.EnabledRules...)
	}
	if o.EscalationAgeDays != nil {
		p.Exceptions.EscalationAgeDays = *o.EscalationAgeDays
	}
	if o.GraceDays != nil {
		p.Exceptions.GraceDays = *o.GraceDays
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateReconcilerConfig builds the service configuration, taking the default policy from the file when given
func CreateReconcilerConfig(policies *PolicyFile, lockTimeout time.Duration) (*reconciler.Config, error) {
	config := reconciler.DefaultConfig()
	if policies != nil && policies.Default != nil {
		config.DefaultPolicy = policies.Default.Clone()
	}
	if lockTimeout > 0 {
		config.LockTimeout = lockTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// OpenRepository opens SQLite storage at path, or in-memory storage when path is empty
func OpenRepository(path string, log logger.Logger) (storage.Repository, error) {
	if path == "" {
		return storage.NewMemoryRepository(), nil
	}
	repo, err := storage.NewSQLiteRepository(path, log)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// CreateLoggerConfig maps the logging flags onto a logger configuration
func CreateLoggerConfig(level, format string, verbose bool) (*logger.Config, error) {
	config := logger.DefaultConfig()
	config.Output = logger.StderrOutput
	if level != "" {
		config.Level = logger.Level(level)
	}
	if format != "" {
		config.Format = logger.Format(format)
	}
	if verbose {
		config.Level = logger.DebugLevel
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log", fmt.Sprintf("%s/%s", level, format), err)
	}
	return config, nil
}

// CreateServerConfig builds the API server configuration
func CreateServerConfig(port int, origins []string) api.Config {
	config := api.DefaultConfig()
	if port > 0 {
		config.Port = port
	}
	if len(origins) > 0 {
		config.AllowedOrigins = origins
	}
	return config
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string, includeMatches bool) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(format)
	config.IncludeMatches = includeMatches

	switch config.Format {
	case reporter.FormatConsole:
		config.MaxListItems = 10
	case reporter.FormatJSON:
		config.MaxListItems = 0
	case reporter.FormatCSV:
		config.MaxListItems = 0
		config.IncludeRunStats = false
	}

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", format, err).
			WithSuggestion("Valid formats: console, json, csv")
	}
	return config, nil
}
