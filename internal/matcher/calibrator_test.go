package matcher

import (
	"testing"

	"ledger-recon-engine/internal/models"
)

func TestCalibrate(t *testing.T) {
	c := NewCalibrator(DefaultMatchingConfig())

	tests := []struct {
		name    string
		rule    string
		signals models.Signals
		want    float64
	}{
		{"exact within window", RuleExact, models.Signals{DateDiffDays: 2}, 98},
		{"reference same amount", RuleReference, models.Signals{DateDiffDays: -3}, 95},
		{"reference different amount", RuleReference, models.Signals{AmountDelta: 100}, 70},
		{"reference far date", RuleReference, models.Signals{DateDiffDays: 13}, 90},
		{"fuzzy identical names", RuleFuzzy, models.Signals{NameSimilarity: 1}, 80},
		{"fuzzy at floor", RuleFuzzy, models.Signals{NameSimilarity: 0.8}, 60},
		{"fuzzy midway with delta", RuleFuzzy, models.Signals{NameSimilarity: 0.9, AmountDeltaRatio: 0.005}, 67.5},
		{"pattern capped", RulePattern, models.Signals{HistoryHitRate: 1}, 92},
		{"pattern hit rate", RulePattern, models.Signals{HistoryHitRate: 0.6}, 77},
		{"pattern lag deviation", RulePattern, models.Signals{HistoryHitRate: 0.6, LagDeviation: 1}, 75},
		{"split two parts", RuleSplit, models.Signals{Parts: 2}, 88},
		{"split three parts two days", RuleSplit, models.Signals{Parts: 3, DateDiffDays: 2}, 84},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Calibrate(tt.rule, 1, tt.signals)
			if got != tt.want {
				t.Errorf("Calibrate(%s) = %v, want %v", tt.rule, got, tt.want)
			}
		})
	}
}

func TestCalibrateClamps(t *testing.T) {
	config := DefaultMatchingConfig()
	config.Weights.ExactDatePenalty = 60
	c := NewCalibrator(config)

	if got := c.Calibrate(RuleExact, 1, models.Signals{DateDiffDays: 3}); got != 0 {
		t.Errorf("expected confidence clamped to 0, got %v", got)
	}
	if got := c.Calibrate("unknown", 150, models.Signals{}); got != 100 {
		t.Errorf("expected raw score clamped to 100, got %v", got)
	}
}

func TestCalibrateIsDeterministic(t *testing.T) {
	c := NewCalibrator(DefaultMatchingConfig())
	s := models.Signals{NameSimilarity: 0.87, AmountDeltaRatio: 0.0031}

	first := c.Calibrate(RuleFuzzy, 0.87, s)
	for i := 0; i < 100; i++ {
		if got := c.Calibrate(RuleFuzzy, 0.87, s); got != first {
			t.Fatalf("calibration changed between calls: %v then %v", first, got)
		}
	}
}
