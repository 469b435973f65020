package matcher

import (
	"context"
	"reflect"
	"testing"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

func day(d int) time.Time {
	return time.Date(2026, 2, d, 0, 0, 0, 0, time.UTC)
}

func src(id string, amount int64, date time.Time, counterparty, ref string) *models.SourceRecord {
	return &models.SourceRecord{
		ID: id, Scope: "acme-us", Amount: amount, Currency: "USD", ValueDate: date,
		Counterparty: counterparty, Reference: ref, Kind: models.KindBank,
	}
}

func ledger(id string, amount int64, date time.Time, counterparty, ref, account string) *models.LedgerRecord {
	return &models.LedgerRecord{
		ID: id, Scope: "acme-us", Amount: amount, Currency: "USD", ValueDate: date,
		Counterparty: counterparty, Reference: ref, AccountCode: account, Status: models.LedgerOpen,
	}
}

func newTestEngine(t *testing.T, config *MatchingConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(config, logger.Discard())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func evaluate(t *testing.T, e *Engine, snap *Snapshot) []models.MatchCandidate {
	t.Helper()
	result, err := e.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return result.Candidates
}

func TestEngineExactMatchScenario(t *testing.T) {
	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{src("SRC-1", 840000, day(5), "Northwind Traders", "CHK4821")},
		[]*models.LedgerRecord{ledger("GL-1", 840000, day(3), "Northwind Traders", "CHK4821", "1200")},
		nil, nil)

	candidates := evaluate(t, newTestEngine(t, nil), snap)
	if len(candidates) != 3 {
		t.Fatalf("expected exact, reference and fuzzy candidates, got %+v", candidates)
	}

	wantRules := []string{RuleExact, RuleReference, RuleFuzzy}
	wantConfidence := []float64{98, 95, 80}
	for i, c := range candidates {
		if c.RuleID != wantRules[i] || c.Confidence != wantConfidence[i] {
			t.Errorf("candidate %d = %s/%v, want %s/%v", i, c.RuleID, c.Confidence, wantRules[i], wantConfidence[i])
		}
	}
	if candidates[0].Signals.DateDiffDays != 2 || !candidates[0].Signals.ReferenceMatch {
		t.Errorf("unexpected exact signals %+v", candidates[0].Signals)
	}
}

func TestEngineExactRespectsWindow(t *testing.T) {
	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{src("S", 1000, day(10), "", "")},
		[]*models.LedgerRecord{
			ledger("L-in", 1000, day(7), "", "", ""),
			ledger("L-out", 1000, day(6), "", "", ""),
		},
		nil, nil)

	candidates := evaluate(t, newTestEngine(t, nil), snap)
	if len(candidates) != 1 || candidates[0].LedgerIDs[0] != "L-in" {
		t.Errorf("expected only the in-window ledger, got %+v", candidates)
	}
}

func TestEngineIntercompanyOppositeSign(t *testing.T) {
	s := src("IC-1", 50000, day(4), "Acme EU", "")
	s.Kind = models.KindIntercompany

	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{s},
		[]*models.LedgerRecord{
			ledger("L-neg", -50000, day(4), "", "", ""),
			ledger("L-pos", 50000, day(4), "", "", ""),
		},
		nil, nil)

	config := DefaultMatchingConfig()
	config.EnabledRules = []string{RuleExact}

	candidates := evaluate(t, newTestEngine(t, config), snap)
	if len(candidates) != 1 || candidates[0].LedgerIDs[0] != "L-neg" {
		t.Fatalf("expected the negated ledger only, got %+v", candidates)
	}

	config.IntercompanySign = SignSame
	candidates = evaluate(t, newTestEngine(t, config), snap)
	if len(candidates) != 1 || candidates[0].LedgerIDs[0] != "L-pos" {
		t.Fatalf("expected the same-sign ledger only, got %+v", candidates)
	}
}

func TestEngineFuzzyScoring(t *testing.T) {
	tests := []struct {
		name           string
		source, ledger string
		ledgerAmount   int64
		wantMatch      bool
		wantSimilarity float64
		wantConfidence float64
	}{
		{"identical names equal amounts", "Globex", "GLOBEX Inc", 100000, true, 1, 80},
		{"similarity 0.9 scores midway", "Cyberdynes", "Cyberdynex", 100000, true, 0.9, 70},
		{"similarity at the floor", "Acme", "Acmee", 100000, true, 0.8, 60},
		{"similarity 0.79 below the floor", "Vandelayimport", "Vandelayimpxyz", 100000, false, 0, 0},
		{"delta of exactly 1% over", "Globex", "Globex", 101000, true, 1, 75},
		{"delta of exactly 1% under", "Globex", "Globex", 99000, true, 1, 75},
		{"delta of 1.01%", "Globex", "Globex", 101010, false, 0, 0},
	}

	config := DefaultMatchingConfig()
	config.EnabledRules = []string{RuleFuzzy}
	engine := newTestEngine(t, config)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot("acme-us",
				[]*models.SourceRecord{src("S", 100000, day(5), tt.source, "")},
				[]*models.LedgerRecord{ledger("L", tt.ledgerAmount, day(5), tt.ledger, "", "")},
				nil, nil)

			candidates := evaluate(t, engine, snap)
			if got := len(candidates) == 1; got != tt.wantMatch {
				t.Fatalf("match = %v, want %v (%+v)", got, tt.wantMatch, candidates)
			}
			if !tt.wantMatch {
				return
			}
			c := candidates[0]
			if c.RuleID != RuleFuzzy || c.Tier != 3 {
				t.Errorf("unexpected rule %s tier %d", c.RuleID, c.Tier)
			}
			if c.Signals.NameSimilarity != tt.wantSimilarity {
				t.Errorf("similarity = %v, want %v", c.Signals.NameSimilarity, tt.wantSimilarity)
			}
			if c.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %v, want %v", c.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestEngineReferenceIgnoresDateWindowAndAmount(t *testing.T) {
	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{src("S", 100000, day(1), "Initech", "INV-2291")},
		[]*models.LedgerRecord{ledger("L", 98500, day(1).AddDate(0, 0, 40), "Wire transfer", "INV-2291", "1200")},
		nil, nil)

	config := DefaultMatchingConfig()
	config.EnabledRules = []string{RuleReference}

	candidates := evaluate(t, newTestEngine(t, config), snap)
	if len(candidates) != 1 {
		t.Fatalf("expected one reference candidate, got %+v", candidates)
	}
	c := candidates[0]
	if c.RuleID != RuleReference || !c.Signals.ReferenceMatch {
		t.Errorf("unexpected candidate %+v", c)
	}
	if absInt(c.Signals.DateDiffDays) != 40 || models.AbsMinor(c.Signals.AmountDelta) != 1500 {
		t.Errorf("unexpected signals %+v", c.Signals)
	}
	// 95 less 25 for the amount and 0.5 for each of the 37 days beyond the window
	if c.Confidence != 51.5 {
		t.Errorf("confidence = %v, want 51.5", c.Confidence)
	}
}

func TestEngineSkipsRejectedAndClosed(t *testing.T) {
	closed := ledger("L-closed", 1000, day(1), "", "", "")
	closed.Status = models.LedgerClosed

	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{src("S", 1000, day(1), "", "")},
		[]*models.LedgerRecord{ledger("L-rejected", 1000, day(1), "", "", ""), closed},
		nil,
		[]models.RejectedPair{{Scope: "acme-us", SourceID: "S", LedgerIDs: []string{"L-rejected"}}})

	if candidates := evaluate(t, newTestEngine(t, nil), snap); len(candidates) != 0 {
		t.Errorf("expected no candidates, got %+v", candidates)
	}
	if snap.Stats().Ledgers != 1 {
		t.Errorf("expected closed ledger to be left out of the snapshot, got %+v", snap.Stats())
	}
}

func TestEngineSplitMatch(t *testing.T) {
	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{src("S", 30000, day(8), "Globex", "")},
		[]*models.LedgerRecord{
			ledger("L1", 10000, day(8), "Globex GmbH", "", ""),
			ledger("L2", 20000, day(8), "Globex", "", ""),
			ledger("L3", 5000, day(8), "Globex", "", ""),
			ledger("L4", 20000, day(8), "Initech", "", ""),
		},
		nil, nil)

	config := DefaultMatchingConfig()
	config.EnabledRules = []string{RuleSplit}

	candidates := evaluate(t, newTestEngine(t, config), snap)
	if len(candidates) != 1 {
		t.Fatalf("expected one split candidate, got %+v", candidates)
	}
	c := candidates[0]
	if !reflect.DeepEqual(c.LedgerIDs, []string{"L1", "L2"}) || c.Confidence != 88 || c.Tier != 5 {
		t.Errorf("unexpected split candidate %+v", c)
	}
}

func TestEnginePatternMatch(t *testing.T) {
	history := []models.PairingStat{
		{Scope: "acme-us", Counterparty: "Initech", AccountCode: "6100", Hits: 4, LagDaySum: 8},
		{Scope: "acme-us", Counterparty: "INITECH LLC", AccountCode: "6200", Hits: 1, LagDaySum: 0},
	}
	snap := NewSnapshot("acme-us",
		[]*models.SourceRecord{src("S", 10000, day(12), "Initech", "")},
		[]*models.LedgerRecord{
			ledger("L-6100", 10200, day(10), "Payroll accrual", "", "6100"),
			ledger("L-6200", 10000, day(12), "Payroll accrual", "", "6200"),
		},
		history, nil)

	config := DefaultMatchingConfig()
	config.EnabledRules = []string{RulePattern}

	candidates := evaluate(t, newTestEngine(t, config), snap)
	if len(candidates) != 1 {
		t.Fatalf("expected one pattern candidate, got %+v", candidates)
	}
	c := candidates[0]
	if c.LedgerIDs[0] != "L-6100" || c.Signals.HistorySamples != 4 || c.Signals.HistoryHitRate != 0.8 {
		t.Errorf("unexpected pattern candidate %+v", c)
	}
	if c.Confidence != 86 {
		t.Errorf("expected confidence 86, got %v", c.Confidence)
	}
}

func TestEngineIsDeterministic(t *testing.T) {
	sources := []*models.SourceRecord{
		src("S2", 5000, day(3), "Acme", "A1"),
		src("S1", 5000, day(3), "Acme", ""),
	}
	ledgers := []*models.LedgerRecord{
		ledger("L2", 5000, day(2), "Acme", "A1", ""),
		ledger("L1", 5000, day(4), "Acme", "", ""),
	}

	engine := newTestEngine(t, nil)
	first := evaluate(t, engine, NewSnapshot("acme-us", sources, ledgers, nil, nil))
	for i := 0; i < 10; i++ {
		again := evaluate(t, engine, NewSnapshot("acme-us", sources, ledgers, nil, nil))
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation %d differs from the first", i)
		}
	}
}

func TestEngineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := NewSnapshot("acme-us", []*models.SourceRecord{src("S", 1, day(1), "", "")}, nil, nil, nil)
	_, err := newTestEngine(t, nil).Evaluate(ctx, snap)
	if !errors.HasCode(err, errors.CodeRunCancelled) {
		t.Errorf("expected run_cancelled, got %v", err)
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	config := DefaultMatchingConfig()
	config.DateWindowDays = -2
	if _, err := NewEngine(config, logger.Discard()); err == nil {
		t.Error("expected an error for an invalid config")
	}

	config = DefaultMatchingConfig()
	config.EnabledRules = []string{RuleFuzzy, RuleExact}
	engine := newTestEngine(t, config)
	if !reflect.DeepEqual(engine.Rules(), []string{RuleExact, RuleFuzzy}) {
		t.Errorf("expected rules in tier order, got %v", engine.Rules())
	}
}

func TestSnapshotLookups(t *testing.T) {
	snap := NewSnapshot("acme-us", nil, []*models.LedgerRecord{
		ledger("L1", 100, day(1), "", "", ""),
		ledger("L2", 200, day(3), "", "", ""),
		ledger("L3", 300, day(6), "", "", ""),
	}, nil, nil)

	if got := snap.LedgersInAmountRange("USD", 150, 300); len(got) != 2 || got[0].ID != "L2" {
		t.Errorf("unexpected amount range result %v", got)
	}
	if got := snap.LedgersInAmountRange("EUR", 0, 1000); got != nil {
		t.Errorf("expected no EUR ledgers, got %v", got)
	}
	if got := snap.LedgersInWindow("USD", day(4), 2); len(got) != 2 || got[0].ID != "L2" || got[1].ID != "L3" {
		t.Errorf("unexpected window result %v", got)
	}
}

func TestGetCombinations(t *testing.T) {
	records := []*models.LedgerRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}

	if got := len(getCombinations(records, 2)); got != 6 {
		t.Errorf("expected 6 pairs, got %d", got)
	}
	if got := len(getCombinations(records, 3)); got != 4 {
		t.Errorf("expected 4 triples, got %d", got)
	}
	if getCombinations(records, 5) != nil {
		t.Error("expected nil for size larger than input")
	}
	first := getCombinations(records, 2)[0]
	if first[0].ID != "a" || first[1].ID != "b" {
		t.Errorf("expected input order preserved, got %s,%s", first[0].ID, first[1].ID)
	}
}
