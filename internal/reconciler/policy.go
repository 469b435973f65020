package reconciler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"ledger-recon-engine/internal/exceptions"
	"ledger-recon-engine/internal/matcher"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Policy is the per-scope configuration of matching and exception aging.
// Changing a policy affects the next run of the scope; runs in flight keep theirs.
type Policy struct {
	Matching   *matcher.MatchingConfig `json:"matching" yaml:"matching"`
	Exceptions *exceptions.Config      `json:"exceptions" yaml:"exceptions"`
}

// DefaultPolicy returns the policy used by scopes without their own
func DefaultPolicy() *Policy {
	return &Policy{
		Matching:   matcher.DefaultMatchingConfig(),
		Exceptions: exceptions.DefaultConfig(),
	}
}

// Validate checks both halves of the policy
func (p *Policy) Validate() error {
	if p.Matching == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "matching", nil, nil)
	}
	if p.Exceptions == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "exceptions", nil, nil)
	}
	if err := p.Matching.Validate(); err != nil {
		return err
	}
	return p.Exceptions.Validate()
}

// Clone returns a deep copy
func (p *Policy) Clone() *Policy {
	c := &Policy{}
	if p.Matching != nil {
		c.Matching = p.Matching.Clone()
	}
	if p.Exceptions != nil {
		c.Exceptions = p.Exceptions.Clone()
	}
	return c
}

// fillDefaults replaces missing halves with the given base
func (p *Policy) fillDefaults(base *Policy) {
	if p.Matching == nil {
		p.Matching = base.Matching.Clone()
	}
	if p.Exceptions == nil {
		p.Exceptions = base.Exceptions.Clone()
	}
}

func encodePolicy(p *Policy) ([]byte, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "encode policy", err)
	}
	return doc, nil
}

// policyBook holds the active policy of every scope
type policyBook struct {
	mu       sync.RWMutex
	fallback *Policy
	scopes   map[string]*Policy
}

func newPolicyBook(fallback *Policy) *policyBook {
	if fallback == nil {
		fallback = DefaultPolicy()
	}
	return &policyBook{fallback: fallback.Clone(), scopes: make(map[string]*Policy)}
}

// get returns a copy of the scope's policy, or of the fallback
func (b *policyBook) get(scope string) *Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.scopes[scope]; ok {
		return p.Clone()
	}
	return b.fallback.Clone()
}

func (b *policyBook) set(scope string, p *Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopes[scope] = p.Clone()
}

func (b *policyBook) scopeNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.scopes))
	for name := range b.scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// load reads every stored policy. Documents are decoded over the fallback so a
// stored policy that omits a setting inherits the default value.
func (b *policyBook) load(ctx context.Context, repo storage.PolicyRepository, log logger.Logger) error {
	docs, err := repo.LoadPolicies(ctx)
	if err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load scope policies")
	}

	for scope, doc := range docs {
		p := b.fallback.Clone()
		if err := json.Unmarshal(doc, p); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "policy", scope, err)
		}
		p.fillDefaults(b.fallback)
		if err := p.Validate(); err != nil {
			return err
		}
		b.set(scope, p)
		log.WithScope(scope).Debug("Loaded scope policy")
	}
	return nil
}
