// Package reconciler coordinates ingestion, reconciliation runs and reviewer actions
// over a storage repository.
//
// A run over one scope works in two phases:
//  1. Without any lock: load the scope's unmatched records, build an immutable
//     snapshot and evaluate every rule on it. Cancellation is honoured here.
//  2. Under the scope lock, acquired with a timeout: re-read current claims,
//     resolve candidates into matches, age exceptions, seal decision entries and
//     apply everything in one atomic change set. Cancellation is ignored from the
//     moment the lock is held.
//
// Reviewer actions (accept, reject, manual match, reversal, assignment, write-off)
// take the same scope lock, so they never interleave with a run's apply step.
//
// Example usage:
//
//	repo, _ := storage.NewSQLiteRepository("recon.db", log)
//	service, err := reconciler.NewService(repo, reconciler.DefaultConfig())
//	result, err := service.Reconcile(ctx, "acme-us")
//	fmt.Printf("auto-matched %d, suggested %d\n", result.Run.Stats.AutoMatched, result.Run.Stats.Suggested)
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Config holds service-wide settings. Matching and aging settings live in per-scope policies.
type Config struct {
	// LockTimeout bounds the wait for a scope lock before a run or review fails as retryable
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// DefaultPolicy applies to scopes without a stored policy
	DefaultPolicy *Policy `json:"default_policy" yaml:"default_policy"`

	// Normalizer controls how ingested raw records are parsed
	Normalizer *normalizer.Config `json:"normalizer" yaml:"normalizer"`
}

// DefaultConfig returns a configuration with the default policy and a 5s lock timeout
func DefaultConfig() *Config {
	return &Config{
		LockTimeout:   5 * time.Second,
		DefaultPolicy: DefaultPolicy(),
		Normalizer:    normalizer.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.LockTimeout < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "lock_timeout", c.LockTimeout, nil).
			WithSuggestion("use a positive duration such as 5s")
	}
	if c.DefaultPolicy == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "default_policy", nil, nil)
	}
	return c.DefaultPolicy.Validate()
}

// Service is the entry point for every write and query on reconciliation state
type Service struct {
	repo       storage.Repository
	config     *Config
	policies   *policyBook
	locks      *ScopeLocks
	decisions  *audit.DecisionLog
	normalizer *normalizer.Normalizer
	clock      func() time.Time
	newID      func() string
	logger     logger.Logger

	progressCallbacks []ProgressCallback

	jobsMu sync.RWMutex
	jobs   map[string]*runJob
	wg     sync.WaitGroup
}

// Option customizes a Service
type Option func(*Service)

// WithClock sets the clock used for every timestamp and for exception aging
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIDGenerator sets the generator of run, match and exception IDs
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithProgressCallback registers a callback that receives run progress
func WithProgressCallback(cb ProgressCallback) Option {
	return func(s *Service) { s.progressCallbacks = append(s.progressCallbacks, cb) }
}

// NewService creates a Service over a repository
func NewService(repo storage.Repository, config *Config, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "repository", nil, nil).
			WithSuggestion("provide a storage repository")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		repo:     repo,
		config:   config,
		policies: newPolicyBook(config.DefaultPolicy),
		locks:    NewScopeLocks(),
		clock:    time.Now,
		newID:    uuid.NewString,
		logger:   logger.GetGlobalLogger(),
		jobs:     make(map[string]*runJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("reconciliation_service")
	s.decisions = audit.NewDecisionLog(repo, s.now, s.logger)
	s.normalizer = normalizer.New(config.Normalizer, normalizer.WithClock(s.now), normalizer.WithLogger(s.logger))

	s.logger.WithField("lock_timeout", config.LockTimeout.String()).Debug("Reconciliation service created")
	return s, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// LoadPolicies reads stored per-scope policies into memory
func (s *Service) LoadPolicies(ctx context.Context) error {
	if err := s.policies.load(ctx, s.repo, s.logger); err != nil {
		return err
	}
	s.logger.WithField("scopes", len(s.policies.scopeNames())).Info("Loaded scope policies")
	return nil
}

// Policy returns the policy in force for a scope
func (s *Service) Policy(scope string) *Policy {
	return s.policies.get(scope)
}

// SetPolicy validates, stores and activates a scope's policy
func (s *Service) SetPolicy(ctx context.Context, scope string, p *Policy) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	if p == nil {
		return errors.ValidationError(errors.CodeMissingField, "policy", nil, nil)
	}
	p = p.Clone()
	p.fillDefaults(s.policies.get(scope))
	if err := p.Validate(); err != nil {
		return err
	}

	doc, err := encodePolicy(p)
	if err != nil {
		return err
	}
	if err := s.repo.SavePolicy(ctx, scope, doc); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to save policy")
	}
	s.policies.set(scope, p)

	s.logger.WithScope(scope).Info("Updated scope policy")
	return nil
}

// IngestResult reports what one ingestion stored and what it quarantined
type IngestResult struct {
	Scope       string                   `json:"scope"`
	Received    int                      `json:"received"`
	Sources     int                      `json:"sources"`
	Ledgers     int                      `json:"ledgers"`
	Quarantined []normalizer.Quarantined `json:"quarantined"`
	Summary     *errors.ErrorSummary     `json:"summary"`
}

// Ingest normalizes raw records into the scope. Malformed records are quarantined and
// reported; the rest are stored. A record naming a different scope is quarantined.
func (s *Service) Ingest(ctx context.Context, scope string, raws []normalizer.RawRecord) (*IngestResult, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	result := &IngestResult{Scope: scope, Received: len(raws)}
	var failures []*errors.ReconcilerError
	accepted := make([]normalizer.RawRecord, 0, len(raws))
	positions := make([]int, 0, len(raws))

	for i, raw := range raws {
		scoped, err := withScope(raw, scope)
		if err != nil {
			result.Quarantined = append(result.Quarantined, normalizer.Quarantined{Index: i, Raw: raw, Error: err})
			failures = append(failures, err)
			continue
		}
		accepted = append(accepted, scoped)
		positions = append(positions, i)
	}

	batch := s.normalizer.NormalizeBatch(accepted)
	for _, q := range batch.Quarantined {
		q.Index = positions[q.Index]
		result.Quarantined = append(result.Quarantined, q)
		failures = append(failures, q.Error)
	}
	result.Summary = errors.NewErrorSummary(failures)

	var err error
	if result.Sources, err = s.repo.SaveSources(ctx, batch.Sources); err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to store source records")
	}
	if result.Ledgers, err = s.repo.SaveLedgers(ctx, batch.Ledgers); err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to store ledger records")
	}

	s.logger.WithFields(logger.Fields{
		"scope":       scope,
		"received":    result.Received,
		"sources":     result.Sources,
		"ledgers":     result.Ledgers,
		"quarantined": len(result.Quarantined),
	}).Info("Ingested records")
	return result, nil
}

// withScope fills in the scope of a raw record, or rejects a record that names another one
func withScope(raw normalizer.RawRecord, scope string) (normalizer.RawRecord, *errors.ReconcilerError) {
	fields := make(map[string]string, len(raw.Fields)+1)
	named := ""
	for k, v := range raw.Fields {
		fields[k] = v
		key := strings.ToLower(strings.TrimSpace(k))
		if (key == normalizer.FieldScope || key == "entity") && strings.TrimSpace(v) != "" {
			named = strings.TrimSpace(v)
		}
	}

	if named != "" && named != scope {
		return raw, errors.MalformedRecordError(errors.CodeMalformedRecord, fields[normalizer.FieldID], normalizer.FieldScope, named, nil).
			WithSuggestion("post the record to the scope it belongs to")
	}
	if named == "" {
		fields[normalizer.FieldScope] = scope
	}
	return normalizer.RawRecord{Side: raw.Side, Fields: fields}, nil
}

// withLock runs fn under the scope lock. fn receives a context that is no longer cancellable.
func (s *Service) withLock(ctx context.Context, scope string, fn func(ctx context.Context) error) error {
	release, err := s.locks.Acquire(ctx, scope, s.config.LockTimeout)
	if err != nil {
		s.logger.WithError(err).WithScope(scope).Warn("Could not acquire scope lock")
		return err
	}
	defer release()
	return fn(context.WithoutCancel(ctx))
}

func requireScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return errors.ValidationError(errors.CodeMissingField, "scope", scope, nil)
	}
	return nil
}
