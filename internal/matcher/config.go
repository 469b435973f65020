// Package matcher provides the tiered rule engine that proposes source-to-ledger pairings.
//
// Rules run in parallel over an immutable Snapshot of the unmatched records of one
// scope. Each rule produces MatchCandidates with a calibrated 0-100 confidence; the
// resolver decides which candidates become matches.
//
// The tiers, in priority order:
//  1. exact: equal minor-unit amount and value date inside the window
//  2. reference: identical normalized reference
//  3. fuzzy: similar counterparty name and amount within a percentage tolerance
//  4. pattern: counterparty historically settles against the ledger account
//  5. split: one source equals the sum of several open ledger records
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.DateWindowDays = 2
//
//	engine, err := matcher.NewEngine(config)
//	snapshot := matcher.NewSnapshot(scope, sources, ledgers, history, rejected)
//	result, err := engine.Evaluate(ctx, snapshot)
package matcher

import (
	"fmt"

	"ledger-recon-engine/pkg/errors"
)

// Rule identifiers, in tier order
const (
	RuleExact     = "exact"
	RuleReference = "reference"
	RuleFuzzy     = "fuzzy"
	RulePattern   = "pattern"
	RuleSplit     = "split"
)

// ruleTiers maps each rule to its fixed priority; lower tiers claim records first
var ruleTiers = map[string]int{
	RuleExact:     1,
	RuleReference: 2,
	RuleFuzzy:     3,
	RulePattern:   4,
	RuleSplit:     5,
}

// AllRules lists every rule in tier order
func AllRules() []string {
	return []string{RuleExact, RuleReference, RuleFuzzy, RulePattern, RuleSplit}
}

// TierOf returns the tier of a rule, or 0 for an unknown rule
func TierOf(ruleID string) int {
	return ruleTiers[ruleID]
}

// SignConvention defines how a source amount relates to the ledger amount it settles
type SignConvention string

const (
	// SignSame expects the ledger to carry the same signed amount
	SignSame SignConvention = "same"

	// SignOpposite expects the ledger to carry the negated amount, as in intercompany books
	SignOpposite SignConvention = "opposite"
)

// MatchingConfig holds the tolerances and thresholds of the rule engine and resolver.
//
// Use the provided factory functions for common scenarios:
//   - DefaultMatchingConfig(): balanced approach for most use cases
//   - StrictMatchingConfig(): tight tolerances for critical reconciliation
//   - RelaxedMatchingConfig(): loose tolerances for exploratory matching
type MatchingConfig struct {
	// DateWindowDays is the maximum value-date distance for exact and split matches
	DateWindowDays int `json:"date_window_days" yaml:"date_window_days"`

	// FuzzyAmountTolerancePercent bounds the amount delta of fuzzy matches (0.0 to 100.0)
	FuzzyAmountTolerancePercent float64 `json:"fuzzy_amount_tolerance_percent" yaml:"fuzzy_amount_tolerance_percent"`

	// NameSimilarityThreshold is the minimum counterparty similarity (0.0 to 1.0)
	NameSimilarityThreshold float64 `json:"name_similarity_threshold" yaml:"name_similarity_threshold"`

	// Similarity names the counterparty similarity strategy: token, levenshtein or max
	Similarity string `json:"similarity" yaml:"similarity"`

	// PatternAmountTolerancePercent bounds the amount delta of pattern matches
	PatternAmountTolerancePercent float64 `json:"pattern_amount_tolerance_percent" yaml:"pattern_amount_tolerance_percent"`

	// PatternMinHitRate is the share of a counterparty's history an account must hold
	PatternMinHitRate float64 `json:"pattern_min_hit_rate" yaml:"pattern_min_hit_rate"`

	// PatternMinSamples is the number of past matches required before a pattern is trusted
	PatternMinSamples int `json:"pattern_min_samples" yaml:"pattern_min_samples"`

	// MaxSplitParts limits how many ledger records a split match may combine
	MaxSplitParts int `json:"max_split_parts" yaml:"max_split_parts"`

	// MaxSplitCandidates limits the ledger pool searched for one split match
	MaxSplitCandidates int `json:"max_split_candidates" yaml:"max_split_candidates"`

	// AutoAcceptThreshold is the confidence at which a match becomes active without review
	AutoAcceptThreshold float64 `json:"auto_accept_threshold" yaml:"auto_accept_threshold"`

	// SuggestThreshold is the confidence below which a candidate is dropped
	SuggestThreshold float64 `json:"suggest_threshold" yaml:"suggest_threshold"`

	// AmbiguityMargin is the score spread at or under which same-tier candidates tie
	AmbiguityMargin float64 `json:"ambiguity_margin" yaml:"ambiguity_margin"`

	// IntercompanySign applies to sources of kind intercompany
	IntercompanySign SignConvention `json:"intercompany_sign" yaml:"intercompany_sign"`

	// EnabledRules lists the rules to run; empty means all
	EnabledRules []string `json:"enabled_rules,omitempty" yaml:"enabled_rules,omitempty"`

	// Weights tune the confidence calibration per rule
	Weights CalibrationWeights `json:"weights" yaml:"weights"`
}

// CalibrationWeights are the per-rule constants of the confidence formulas
type CalibrationWeights struct {
	ExactBaseline    float64 `json:"exact_baseline" yaml:"exact_baseline"`
	ExactDatePenalty float64 `json:"exact_date_penalty" yaml:"exact_date_penalty"`

	ReferenceBaseline      float64 `json:"reference_baseline" yaml:"reference_baseline"`
	ReferenceAmountPenalty float64 `json:"reference_amount_penalty" yaml:"reference_amount_penalty"`
	ReferenceDatePenalty   float64 `json:"reference_date_penalty" yaml:"reference_date_penalty"`

	FuzzyCeiling       float64 `json:"fuzzy_ceiling" yaml:"fuzzy_ceiling"`
	FuzzyFloor         float64 `json:"fuzzy_floor" yaml:"fuzzy_floor"`
	FuzzyAmountPenalty float64 `json:"fuzzy_amount_penalty" yaml:"fuzzy_amount_penalty"`

	PatternBase          float64 `json:"pattern_base" yaml:"pattern_base"`
	PatternHitRateWeight float64 `json:"pattern_hit_rate_weight" yaml:"pattern_hit_rate_weight"`
	PatternCeiling       float64 `json:"pattern_ceiling" yaml:"pattern_ceiling"`
	PatternLagPenalty    float64 `json:"pattern_lag_penalty" yaml:"pattern_lag_penalty"`

	SplitBaseline    float64 `json:"split_baseline" yaml:"split_baseline"`
	SplitPartPenalty float64 `json:"split_part_penalty" yaml:"split_part_penalty"`
	SplitDatePenalty float64 `json:"split_date_penalty" yaml:"split_date_penalty"`
}

// DefaultCalibrationWeights returns the baselines of each tier
func DefaultCalibrationWeights() CalibrationWeights {
	return CalibrationWeights{
		ExactBaseline:          98,
		ExactDatePenalty:       0,
		ReferenceBaseline:      95,
		ReferenceAmountPenalty: 25,
		ReferenceDatePenalty:   0.5,
		FuzzyCeiling:           80,
		FuzzyFloor:             60,
		FuzzyAmountPenalty:     5,
		PatternBase:            50,
		PatternHitRateWeight:   45,
		PatternCeiling:         92,
		PatternLagPenalty:      2,
		SplitBaseline:          88,
		SplitPartPenalty:       2,
		SplitDatePenalty:       1,
	}
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		DateWindowDays:                3,
		FuzzyAmountTolerancePercent:   1.0,
		NameSimilarityThreshold:       0.8,
		Similarity:                    SimilarityMax,
		PatternAmountTolerancePercent: 5.0,
		PatternMinHitRate:             0.6,
		PatternMinSamples:             3,
		MaxSplitParts:                 3,
		MaxSplitCandidates:            12,
		AutoAcceptThreshold:           90,
		SuggestThreshold:              50,
		AmbiguityMargin:               2,
		IntercompanySign:              SignOpposite,
		Weights:                       DefaultCalibrationWeights(),
	}
}

// StrictMatchingConfig returns a configuration for strict matching
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 1
	config.FuzzyAmountTolerancePercent = 0.5
	config.NameSimilarityThreshold = 0.9
	config.PatternMinSamples = 5
	config.PatternMinHitRate = 0.8
	config.MaxSplitParts = 2
	config.AutoAcceptThreshold = 95
	config.SuggestThreshold = 60
	return config
}

// RelaxedMatchingConfig returns a configuration for relaxed matching
func RelaxedMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 5
	config.FuzzyAmountTolerancePercent = 2.0
	config.NameSimilarityThreshold = 0.7
	config.PatternAmountTolerancePercent = 10.0
	config.PatternMinHitRate = 0.5
	config.PatternMinSamples = 2
	config.MaxSplitParts = 4
	config.MaxSplitCandidates = 16
	config.AutoAcceptThreshold = 85
	config.SuggestThreshold = 40
	return config
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.DateWindowDays < 0 {
		return invalid("date_window_days", mc.DateWindowDays, "cannot be negative")
	}
	if mc.FuzzyAmountTolerancePercent < 0 || mc.FuzzyAmountTolerancePercent > 100 {
		return invalid("fuzzy_amount_tolerance_percent", mc.FuzzyAmountTolerancePercent, "must be between 0.0 and 100.0")
	}
	if mc.PatternAmountTolerancePercent < 0 || mc.PatternAmountTolerancePercent > 100 {
		return invalid("pattern_amount_tolerance_percent", mc.PatternAmountTolerancePercent, "must be between 0.0 and 100.0")
	}
	if mc.NameSimilarityThreshold <= 0 || mc.NameSimilarityThreshold > 1 {
		return invalid("name_similarity_threshold", mc.NameSimilarityThreshold, "must be in (0.0, 1.0]")
	}
	if _, err := NewSimilarity(mc.Similarity); err != nil {
		return invalid("similarity", mc.Similarity, err.Error())
	}
	if mc.PatternMinHitRate < 0 || mc.PatternMinHitRate > 1 {
		return invalid("pattern_min_hit_rate", mc.PatternMinHitRate, "must be between 0.0 and 1.0")
	}
	if mc.PatternMinSamples < 1 {
		return invalid("pattern_min_samples", mc.PatternMinSamples, "must be positive")
	}
	if mc.MaxSplitParts < 2 {
		return invalid("max_split_parts", mc.MaxSplitParts, "must be at least 2")
	}
	if mc.MaxSplitCandidates < mc.MaxSplitParts || mc.MaxSplitCandidates > 24 {
		return invalid("max_split_candidates", mc.MaxSplitCandidates, "must be between max_split_parts and 24")
	}
	if mc.SuggestThreshold < 0 || mc.SuggestThreshold > 100 {
		return invalid("suggest_threshold", mc.SuggestThreshold, "must be between 0 and 100")
	}
	if mc.AutoAcceptThreshold < mc.SuggestThreshold || mc.AutoAcceptThreshold > 100 {
		return invalid("auto_accept_threshold", mc.AutoAcceptThreshold, "must be between suggest_threshold and 100")
	}
	if mc.AmbiguityMargin < 0 {
		return invalid("ambiguity_margin", mc.AmbiguityMargin, "cannot be negative")
	}
	if mc.IntercompanySign != SignSame && mc.IntercompanySign != SignOpposite {
		return invalid("intercompany_sign", mc.IntercompanySign, "must be same or opposite")
	}
	for _, rule := range mc.EnabledRules {
		if TierOf(rule) == 0 {
			return invalid("enabled_rules", rule, "unknown rule")
		}
	}
	if err := mc.Weights.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks if the calibration weights are valid
func (w *CalibrationWeights) Validate() error {
	for name, baseline := range map[string]float64{
		"weights.exact_baseline":     w.ExactBaseline,
		"weights.reference_baseline": w.ReferenceBaseline,
		"weights.fuzzy_ceiling":      w.FuzzyCeiling,
		"weights.pattern_ceiling":    w.PatternCeiling,
		"weights.split_baseline":     w.SplitBaseline,
	} {
		if baseline < 0 || baseline > 100 {
			return invalid(name, baseline, "must be between 0 and 100")
		}
	}
	if w.FuzzyFloor > w.FuzzyCeiling {
		return invalid("weights.fuzzy_floor", w.FuzzyFloor, "cannot exceed fuzzy_ceiling")
	}
	for name, penalty := range map[string]float64{
		"weights.exact_date_penalty":       w.ExactDatePenalty,
		"weights.reference_amount_penalty": w.ReferenceAmountPenalty,
		"weights.reference_date_penalty":   w.ReferenceDatePenalty,
		"weights.fuzzy_amount_penalty":     w.FuzzyAmountPenalty,
		"weights.pattern_lag_penalty":      w.PatternLagPenalty,
		"weights.split_part_penalty":       w.SplitPartPenalty,
		"weights.split_date_penalty":       w.SplitDatePenalty,
	} {
		if penalty < 0 {
			return invalid(name, penalty, "cannot be negative")
		}
	}
	return nil
}

// RuleEnabled reports whether a rule should run
func (mc *MatchingConfig) RuleEnabled(ruleID string) bool {
	if len(mc.EnabledRules) == 0 {
		return true
	}
	for _, r := range mc.EnabledRules {
		if r == ruleID {
			return true
		}
	}
	return false
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	c := *mc
	c.EnabledRules = append([]string(nil), mc.EnabledRules...)
	return &c
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{DateWindow: %d days, FuzzyTolerance: %.2f%%, NameSimilarity: %.2f (%s), AutoAccept: %.0f, Suggest: %.0f, AmbiguityMargin: %.1f}",
		mc.DateWindowDays, mc.FuzzyAmountTolerancePercent, mc.NameSimilarityThreshold, mc.Similarity,
		mc.AutoAcceptThreshold, mc.SuggestThreshold, mc.AmbiguityMargin)
}

func invalid(setting string, value interface{}, reason string) error {
	return errors.ConfigurationError(errors.CodeInvalidConfig, setting, value, fmt.Errorf("%s", reason))
}
