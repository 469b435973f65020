package resolver

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"ledger-recon-engine/internal/matcher"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

var now = time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)

func newTestResolver() *Resolver {
	seq := 0
	return New(ConfigFrom(matcher.DefaultMatchingConfig()),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("m-%03d", seq) }),
		WithLogger(logger.Discard()))
}

func cand(source string, tier int, confidence float64, ledgers ...string) models.MatchCandidate {
	rule := matcher.AllRules()[tier-1]
	return models.MatchCandidate{SourceID: source, LedgerIDs: ledgers, RuleID: rule, Tier: tier, Confidence: confidence}
}

func unresolvedByKey(res *Resolution) map[string]Unresolved {
	out := make(map[string]Unresolved)
	for _, u := range res.Unresolved {
		out[u.Ref.Key()] = u
	}
	return out
}

func TestResolveAutoAcceptsExactMatch(t *testing.T) {
	res := newTestResolver().Resolve(Input{
		Scope:      "acme-us",
		RunID:      "run-1",
		Candidates: []models.MatchCandidate{cand("SRC-1", 2, 95, "GL-1"), cand("SRC-1", 1, 98, "GL-1")},
		SourceIDs:  []string{"SRC-1"},
		LedgerIDs:  []string{"GL-1"},
	})

	if len(res.Matches) != 1 {
		t.Fatalf("expected one match, got %d", len(res.Matches))
	}
	m := res.Matches[0]
	if m.RuleID != matcher.RuleExact || m.Confidence != 98 || m.State != models.MatchActive {
		t.Errorf("unexpected match %+v", m)
	}
	if m.AcceptedBy != models.AcceptedByAuto || m.AcceptedAt == nil || !m.AcceptedAt.Equal(now) {
		t.Errorf("expected auto acceptance at %v, got %s at %v", now, m.AcceptedBy, m.AcceptedAt)
	}
	if m.ID != "m-001" || m.RunID != "run-1" || m.Scope != "acme-us" {
		t.Errorf("unexpected identity %+v", m)
	}
	if res.RuleHits[matcher.RuleExact] != 1 || res.RuleHits[matcher.RuleReference] != 0 {
		t.Errorf("unexpected rule hits %v", res.RuleHits)
	}
	if len(res.Unresolved) != 0 {
		t.Errorf("expected nothing unresolved, got %+v", res.Unresolved)
	}
}

func TestResolveHoldsAmbiguousCandidates(t *testing.T) {
	res := newTestResolver().Resolve(Input{
		Scope:      "acme-us",
		Candidates: []models.MatchCandidate{cand("S1", 3, 91, "L1"), cand("S1", 3, 92, "L2")},
		SourceIDs:  []string{"S1"},
		LedgerIDs:  []string{"L1", "L2"},
	})

	if len(res.Matches) != 0 {
		t.Fatalf("expected no matches, got %+v", res.Matches)
	}
	if len(res.Ambiguities) != 1 || !errors.HasCode(res.Ambiguities[0], errors.CodeAmbiguousMatch) {
		t.Fatalf("expected an ambiguous match error, got %+v", res.Ambiguities)
	}
	if got := res.Ambiguities[0].Context["ledger_ids"]; got != "L1,L2" {
		t.Errorf("expected tied ledgers L1,L2, got %v", got)
	}

	unresolved := unresolvedByKey(res)
	for _, key := range []string{"source:S1", "ledger:L1", "ledger:L2"} {
		u, ok := unresolved[key]
		if !ok || !u.Ambiguous || u.Reason != models.ReasonAmbiguous {
			t.Errorf("expected %s unresolved as ambiguous, got %+v", key, u)
		}
	}
}

func TestResolveMarginIsInclusive(t *testing.T) {
	tests := []struct {
		name      string
		second    float64
		wantMatch bool
	}{
		{"exactly two points apart", 93, false},
		{"more than two points apart", 92.9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestResolver().Resolve(Input{
				Candidates: []models.MatchCandidate{cand("S1", 1, 95, "L1"), cand("S1", 1, tt.second, "L2")},
				SourceIDs:  []string{"S1"},
				LedgerIDs:  []string{"L1", "L2"},
			})
			if got := len(res.Matches) == 1; got != tt.wantMatch {
				t.Fatalf("match = %v, want %v (%+v)", got, tt.wantMatch, res.Matches)
			}
			if tt.wantMatch && res.Matches[0].LedgerIDs[0] != "L1" {
				t.Errorf("expected the higher candidate to win, got %+v", res.Matches[0])
			}
		})
	}
}

func TestResolveEarlierTierClaimsFirst(t *testing.T) {
	res := newTestResolver().Resolve(Input{
		Candidates: []models.MatchCandidate{
			cand("S2", 3, 99, "L1"),
			cand("S1", 1, 98, "L1"),
			cand("S3", 5, 88, "L2", "L3"),
			cand("S4", 1, 97, "L3"),
		},
		SourceIDs: []string{"S1", "S2", "S3", "S4"},
		LedgerIDs: []string{"L1", "L2", "L3"},
	})

	matched := make(map[string]string)
	for _, m := range res.Matches {
		matched[m.SourceID] = models.JoinIDs(m.LedgerIDs)
	}
	if !reflect.DeepEqual(matched, map[string]string{"S1": "L1", "S4": "L3"}) {
		t.Fatalf("unexpected matches %v", matched)
	}

	unresolved := unresolvedByKey(res)
	if unresolved["source:S2"].Reason != models.ReasonClaimLost || unresolved["source:S3"].Reason != models.ReasonClaimLost {
		t.Errorf("expected claim-lost for S2 and S3, got %+v", res.Unresolved)
	}
	if u, ok := unresolved["ledger:L2"]; !ok || u.Ambiguous || u.Reason != models.ReasonNoCandidates {
		t.Errorf("expected unclaimed L2 unresolved with no candidates, got %+v", u)
	}
	if _, ok := unresolved["ledger:L1"]; ok {
		t.Error("claimed ledger L1 reported unresolved")
	}
}

func TestResolveSuggestsMidConfidence(t *testing.T) {
	res := newTestResolver().Resolve(Input{
		Candidates: []models.MatchCandidate{cand("S1", 3, 72.5, "L1"), cand("S2", 3, 49.99, "L2")},
		SourceIDs:  []string{"S1", "S2", "S3"},
		LedgerIDs:  []string{"L1", "L2"},
	})

	if len(res.Matches) != 1 {
		t.Fatalf("expected one match, got %+v", res.Matches)
	}
	m := res.Matches[0]
	if m.State != models.MatchSuggested || m.AcceptedBy != "" || m.AcceptedAt != nil {
		t.Errorf("expected an unaccepted suggestion, got %+v", m)
	}

	unresolved := unresolvedByKey(res)
	if unresolved["source:S2"].Reason != models.ReasonBelowThreshold {
		t.Errorf("expected below-threshold for S2, got %+v", unresolved["source:S2"])
	}
	if unresolved["source:S3"].Reason != models.ReasonNoCandidates {
		t.Errorf("expected no-candidates for S3, got %+v", unresolved["source:S3"])
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != models.ReasonBelowThreshold {
		t.Errorf("unexpected rejections %+v", res.Rejected)
	}
}

func TestResolveExternalClaimConflict(t *testing.T) {
	res := newTestResolver().Resolve(Input{
		Candidates: []models.MatchCandidate{cand("S1", 1, 98, "L1"), cand("S1", 3, 70, "L2")},
		SourceIDs:  []string{"S1"},
		LedgerIDs:  []string{"L1", "L2"},
		Claims:     ClaimSet{"ledger:L1": "m-other"},
	})

	if len(res.Conflicts) != 1 || !errors.HasCode(res.Conflicts[0], errors.CodeClaimConflict) {
		t.Fatalf("expected one claim conflict, got %+v", res.Conflicts)
	}
	if len(res.Matches) != 1 || res.Matches[0].LedgerIDs[0] != "L2" {
		t.Fatalf("expected fallback to L2, got %+v", res.Matches)
	}
}

func TestResolveUniquenessAndDeterminism(t *testing.T) {
	var candidates []models.MatchCandidate
	var sources, ledgers []string
	for i := 0; i < 10; i++ {
		sources = append(sources, fmt.Sprintf("S%d", i))
		ledgers = append(ledgers, fmt.Sprintf("L%d", i))
	}
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			if (i+j)%3 == 0 {
				continue
			}
			tier := 1 + (i*j)%5
			confidence := float64(45 + (i*7+j*13)%55)
			candidates = append(candidates, cand(sources[i], tier, confidence, ledgers[j]))
		}
	}
	candidates = append(candidates, cand("S1", 5, 88, "L4", "L7"))

	first := newTestResolver().Resolve(Input{Candidates: candidates, SourceIDs: sources, LedgerIDs: ledgers})

	seen := make(map[string]string)
	for _, m := range first.Matches {
		for _, ref := range m.RecordRefs() {
			if other, ok := seen[ref.Key()]; ok {
				t.Fatalf("%s is in matches %s and %s", ref.Key(), other, m.ID)
			}
			seen[ref.Key()] = m.ID
		}
	}

	shuffled := make([]models.MatchCandidate, len(candidates))
	for i := range candidates {
		shuffled[i] = candidates[len(candidates)-1-i]
	}
	second := newTestResolver().Resolve(Input{Candidates: shuffled, SourceIDs: sources, LedgerIDs: ledgers})
	if !reflect.DeepEqual(first.Matches, second.Matches) || !reflect.DeepEqual(first.Unresolved, second.Unresolved) {
		t.Error("resolution depends on candidate input order")
	}
}

func TestResolveAcceptsEveryUncontestedHighConfidenceCandidate(t *testing.T) {
	var candidates []models.MatchCandidate
	var sources, ledgers []string
	for i := 0; i < 20; i++ {
		s, l := fmt.Sprintf("S%02d", i), fmt.Sprintf("L%02d", i)
		sources, ledgers = append(sources, s), append(ledgers, l)
		candidates = append(candidates, cand(s, 1+i%5, 90+float64(i%9), l))
	}

	res := newTestResolver().Resolve(Input{Candidates: candidates, SourceIDs: sources, LedgerIDs: ledgers})
	if len(res.Matches) != len(candidates) {
		t.Fatalf("expected all %d candidates to match, got %d", len(candidates), len(res.Matches))
	}
	for _, m := range res.Matches {
		if m.State != models.MatchActive {
			t.Errorf("expected %s to be auto-accepted, got %s", m.SourceID, m.State)
		}
	}
}
