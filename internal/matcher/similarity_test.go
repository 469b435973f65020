package matcher

import (
	"math"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Northwind Traders, Inc.": "northwind traders",
		"  ACME   Corp ":          "acme",
		"Globex GmbH & Co":        "globex",
		"O'Brien Ltd":             "o brien",
		"":                        "",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimilarityStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		a, b     string
		want     float64
	}{
		{"token identical after suffixes", SimilarityToken, "Northwind Traders Inc", "NORTHWIND TRADERS", 1},
		{"token half overlap", SimilarityToken, "Acme Widgets", "Acme Gadgets", 0.5},
		{"token empty", SimilarityToken, "", "Acme", 0},
		{"levenshtein one edit", SimilarityLevenshtein, "Acme", "Acmee", 0.8},
		{"levenshtein identical", SimilarityLevenshtein, "Initech LLC", "initech", 1},
		{"max picks best", SimilarityMax, "Acme", "Acmee", 0.8},
		{"max empty", SimilarityMax, "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSimilarity(tt.strategy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Name() != tt.strategy {
				t.Errorf("Name() = %s, want %s", s.Name(), tt.strategy)
			}
			if got := s.Score(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}

	if _, err := NewSimilarity("embedding"); err == nil {
		t.Error("expected an error for an unknown strategy")
	}
}
