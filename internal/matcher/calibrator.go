package matcher

import (
	"math"

	"ledger-recon-engine/internal/models"
)

// Calibrator maps a rule's raw score and signals to a 0-100 confidence.
// It is deterministic and has no side effects, so a decision can be recomputed for audit.
type Calibrator struct {
	weights   CalibrationWeights
	window    int
	nameFloor float64
}

// NewCalibrator creates a calibrator from the matching configuration
func NewCalibrator(config *MatchingConfig) *Calibrator {
	return &Calibrator{
		weights:   config.Weights,
		window:    config.DateWindowDays,
		nameFloor: config.NameSimilarityThreshold,
	}
}

// Calibrate returns the final confidence of a candidate produced by ruleID
func (c *Calibrator) Calibrate(ruleID string, raw float64, s models.Signals) float64 {
	w := c.weights
	var score float64

	switch ruleID {
	case RuleExact:
		score = w.ExactBaseline - w.ExactDatePenalty*float64(absInt(s.DateDiffDays))

	case RuleReference:
		score = w.ReferenceBaseline
		if s.AmountDelta != 0 {
			score -= w.ReferenceAmountPenalty
		}
		if beyond := absInt(s.DateDiffDays) - c.window; beyond > 0 {
			score -= w.ReferenceDatePenalty * float64(beyond)
		}

	case RuleFuzzy:
		span := 1 - c.nameFloor
		position := 1.0
		if span > 0 {
			position = (s.NameSimilarity - c.nameFloor) / span
		}
		position = math.Max(0, math.Min(1, position))
		score = w.FuzzyFloor + (w.FuzzyCeiling-w.FuzzyFloor)*position
		score -= w.FuzzyAmountPenalty * s.AmountDeltaRatio * 100

	case RulePattern:
		score = math.Min(w.PatternCeiling, w.PatternBase+w.PatternHitRateWeight*s.HistoryHitRate)
		score -= w.PatternLagPenalty * s.LagDeviation

	case RuleSplit:
		score = w.SplitBaseline
		if extra := s.Parts - 2; extra > 0 {
			score -= w.SplitPartPenalty * float64(extra)
		}
		score -= w.SplitDatePenalty * float64(absInt(s.DateDiffDays))

	default:
		score = raw
	}

	return round2(clamp(score, 0, 100))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
