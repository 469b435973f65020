package matcher

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity strategy names
const (
	SimilarityToken       = "token"
	SimilarityLevenshtein = "levenshtein"
	SimilarityMax         = "max"
)

// Similarity scores how alike two counterparty names are, from 0.0 to 1.0
type Similarity interface {
	Name() string
	Score(a, b string) float64
}

// NewSimilarity returns the strategy with the given name; empty means max
func NewSimilarity(name string) (Similarity, error) {
	switch name {
	case SimilarityToken:
		return TokenSimilarity{}, nil
	case SimilarityLevenshtein:
		return LevenshteinSimilarity{}, nil
	case SimilarityMax, "":
		return MaxSimilarity{TokenSimilarity{}, LevenshteinSimilarity{}}, nil
	default:
		return nil, fmt.Errorf("unknown similarity strategy %q", name)
	}
}

// legalSuffixes are dropped before names are compared
var legalSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "ltd": true, "limited": true, "llc": true,
	"corp": true, "corporation": true, "co": true, "company": true,
	"gmbh": true, "plc": true, "sa": true, "ag": true, "bv": true, "pty": true,
}

// NormalizeName lower-cases a counterparty name, drops punctuation and legal suffixes
func NormalizeName(name string) string {
	return strings.Join(nameTokens(name), " ")
}

func nameTokens(name string) []string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if !legalSuffixes[f] {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// TokenSimilarity is the Dice coefficient over the sets of name tokens
type TokenSimilarity struct{}

// Name returns the strategy name
func (TokenSimilarity) Name() string { return SimilarityToken }

// Score returns 2|A∩B| / (|A|+|B|)
func (TokenSimilarity) Score(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	common := 0
	for t := range setA {
		if setB[t] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(setA)+len(setB))
}

func tokenSet(name string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range nameTokens(name) {
		set[t] = true
	}
	return set
}

// LevenshteinSimilarity is one minus the edit distance over the longer name length
type LevenshteinSimilarity struct{}

// Name returns the strategy name
func (LevenshteinSimilarity) Name() string { return SimilarityLevenshtein }

// Score compares the normalized names by edit distance
func (LevenshteinSimilarity) Score(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	longest := utf8.RuneCountInString(na)
	if n := utf8.RuneCountInString(nb); n > longest {
		longest = n
	}
	distance := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(distance)/float64(longest)
}

// MaxSimilarity returns the best score of its strategies
type MaxSimilarity []Similarity

// Name returns the strategy name
func (MaxSimilarity) Name() string { return SimilarityMax }

// Score returns the maximum score across strategies
func (m MaxSimilarity) Score(a, b string) float64 {
	best := 0.0
	for _, s := range m {
		if score := s.Score(a, b); score > best {
			best = score
		}
	}
	return best
}
