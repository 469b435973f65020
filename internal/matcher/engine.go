package matcher

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Engine runs every enabled rule over a snapshot, one worker per rule
type Engine struct {
	config *MatchingConfig
	rules  []Rule
	logger logger.Logger
}

// EvaluationResult holds the candidates of one engine pass, sorted for the resolver
type EvaluationResult struct {
	Candidates []models.MatchCandidate `json:"candidates"`
	PerRule    map[string]int          `json:"per_rule"`
	Duration   time.Duration           `json:"duration"`
}

// NewEngine validates the configuration and builds the enabled rules
func NewEngine(config *MatchingConfig, log logger.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	similarity, err := NewSimilarity(config.Similarity)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "similarity", config.Similarity, err)
	}
	calibrator := NewCalibrator(config)

	e := &Engine{config: config.Clone(), logger: log.WithComponent("rule_engine")}
	for _, id := range AllRules() {
		if !config.RuleEnabled(id) {
			continue
		}
		rule, err := newRule(id, e.config, calibrator, similarity)
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "enabled_rules", id, err)
		}
		e.rules = append(e.rules, rule)
	}
	return e, nil
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() *MatchingConfig {
	return e.config.Clone()
}

// Rules returns the IDs of the rules the engine runs
func (e *Engine) Rules() []string {
	ids := make([]string, len(e.rules))
	for i, r := range e.rules {
		ids[i] = r.ID()
	}
	return ids
}

// Evaluate runs the rules in parallel. Cancellation is checked before each worker
// starts and once all workers finish; a cancelled pass returns no candidates.
func (e *Engine) Evaluate(ctx context.Context, snap *Snapshot) (*EvaluationResult, error) {
	start := time.Now()
	results := make([][]models.MatchCandidate, len(e.rules))

	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range e.rules {
		i, rule := i, rule
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			candidates, err := rule.Evaluate(gctx, snap)
			if err != nil {
				return err
			}
			results[i] = candidates
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.ReconciliationError(errors.CodeRunCancelled, "rule evaluation", ctx.Err())
		}
		return nil, errors.ReconciliationError(errors.CodeMatchingFailed, "rule evaluation", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ReconciliationError(errors.CodeRunCancelled, "rule evaluation", err)
	}

	result := &EvaluationResult{PerRule: make(map[string]int, len(e.rules))}
	for i, rule := range e.rules {
		result.PerRule[rule.ID()] = len(results[i])
		result.Candidates = append(result.Candidates, results[i]...)
	}
	SortCandidates(result.Candidates)
	result.Duration = time.Since(start)

	e.logger.WithFields(logger.Fields{
		"scope":      snap.Scope,
		"sources":    len(snap.Sources()),
		"ledgers":    len(snap.Ledgers()),
		"candidates": len(result.Candidates),
		"per_rule":   result.PerRule,
		"duration":   result.Duration.String(),
	}).Debug("Evaluated rules")

	return result, nil
}

// SortCandidates orders candidates by tier, then confidence descending, then source
// and ledger IDs. The order is total, so resolution is deterministic.
func SortCandidates(candidates []models.MatchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.LedgerKey() < b.LedgerKey()
	})
}
