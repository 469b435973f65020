package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
)

// CurrencyTotals are the scope's amounts in one currency, in major units
type CurrencyTotals struct {
	Currency        string          `json:"currency"`
	SourceTotal     decimal.Decimal `json:"source_total"`
	LedgerTotal     decimal.Decimal `json:"ledger_total"`
	Difference      decimal.Decimal `json:"difference"`
	MatchedSource   decimal.Decimal `json:"matched_source"`
	UnmatchedSource decimal.Decimal `json:"unmatched_source"`
	UnmatchedLedger decimal.Decimal `json:"unmatched_ledger"`
}

// Summary is the reconciliation state of one scope. A record counts as matched only
// when an active match holds it; records held by suggestions count as pending review.
type Summary struct {
	Scope       string    `json:"scope"`
	GeneratedAt time.Time `json:"generated_at"`

	SourceRecords    int     `json:"source_records"`
	LedgerRecords    int     `json:"ledger_records"`
	MatchedSources   int     `json:"matched_sources"`
	UnmatchedSources int     `json:"unmatched_sources"`
	MatchedLedgers   int     `json:"matched_ledgers"`
	UnmatchedLedgers int     `json:"unmatched_ledgers"`
	PendingReview    int     `json:"pending_review"`
	MatchRate        float64 `json:"match_rate"`

	Totals             []CurrencyTotals               `json:"totals"`
	RuleHits           map[string]int                 `json:"rule_hits"`
	ExceptionsByStatus map[models.ExceptionStatus]int `json:"exceptions_by_status"`
	OpenBySeverity     map[models.Severity]int        `json:"open_by_severity"`
	LastRun            *models.Run                    `json:"last_run,omitempty"`
}

// Summary computes the scope's current reconciliation state
func (s *Service) Summary(ctx context.Context, scope string) (*Summary, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	sources, err := s.repo.ListSources(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load source records")
	}
	ledgers, err := s.repo.ListLedgers(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load ledger records")
	}
	active, _, err := s.repo.ListMatches(ctx, storage.MatchFilter{Scope: scope, States: []models.MatchState{models.MatchActive}})
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load matches")
	}
	_, pending, err := s.repo.ListMatches(ctx, storage.MatchFilter{Scope: scope, States: []models.MatchState{models.MatchSuggested}, Limit: 1})
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load suggestions")
	}
	all, _, err := s.repo.ListExceptions(ctx, storage.ExceptionFilter{Scope: scope})
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load exceptions")
	}
	runs, err := s.repo.ListRuns(ctx, scope, 1)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load runs")
	}

	summary := &Summary{
		Scope:              scope,
		GeneratedAt:        s.now(),
		SourceRecords:      len(sources),
		LedgerRecords:      len(ledgers),
		PendingReview:      pending,
		RuleHits:           make(map[string]int),
		ExceptionsByStatus: make(map[models.ExceptionStatus]int),
		OpenBySeverity:     make(map[models.Severity]int),
	}
	if len(runs) > 0 {
		summary.LastRun = runs[0]
	}

	matched := make(map[string]bool)
	for _, m := range active {
		summary.RuleHits[m.RuleID]++
		for _, ref := range m.RecordRefs() {
			matched[ref.Key()] = true
		}
	}

	totals := make(map[string]*CurrencyTotals)
	totalsFor := func(currency string) *CurrencyTotals {
		t, ok := totals[currency]
		if !ok {
			t = &CurrencyTotals{Currency: currency}
			totals[currency] = t
		}
		return t
	}

	for _, src := range sources {
		t := totalsFor(src.Currency)
		amount := models.MinorToDecimal(src.Amount, src.Currency)
		t.SourceTotal = t.SourceTotal.Add(amount)
		if matched[sourceRef(src.ID).Key()] {
			summary.MatchedSources++
			t.MatchedSource = t.MatchedSource.Add(amount)
		} else {
			summary.UnmatchedSources++
			t.UnmatchedSource = t.UnmatchedSource.Add(amount)
		}
	}
	for _, l := range ledgers {
		t := totalsFor(l.Currency)
		amount := models.MinorToDecimal(l.Amount, l.Currency)
		t.LedgerTotal = t.LedgerTotal.Add(amount)
		if matched[ledgerRef(l.ID).Key()] {
			summary.MatchedLedgers++
		} else {
			summary.UnmatchedLedgers++
			t.UnmatchedLedger = t.UnmatchedLedger.Add(amount)
		}
	}

	for _, t := range totals {
		t.Difference = t.SourceTotal.Sub(t.LedgerTotal)
		summary.Totals = append(summary.Totals, *t)
	}
	sort.Slice(summary.Totals, func(i, j int) bool { return summary.Totals[i].Currency < summary.Totals[j].Currency })

	if summary.SourceRecords > 0 {
		rate := decimal.NewFromInt(int64(summary.MatchedSources)).
			Div(decimal.NewFromInt(int64(summary.SourceRecords))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
		summary.MatchRate = rate.InexactFloat64()
	}

	for _, e := range all {
		summary.ExceptionsByStatus[e.Status]++
		if e.Status.IsOpen() {
			summary.OpenBySeverity[e.Severity]++
		}
	}
	return summary, nil
}
