package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"

	"ledger-recon-engine/internal/models"
)

// checkpointEvery is how many source records a rule evaluates between cancellation checks
const checkpointEvery = 128

// Rule is one matching strategy. Evaluate must not modify the snapshot.
type Rule interface {
	ID() string
	Tier() int
	Evaluate(ctx context.Context, snap *Snapshot) ([]models.MatchCandidate, error)
}

// baseRule carries what every rule needs to build calibrated candidates
type baseRule struct {
	id         string
	config     *MatchingConfig
	calibrator *Calibrator
	similarity Similarity
}

func (r *baseRule) ID() string { return r.id }

func (r *baseRule) Tier() int { return TierOf(r.id) }

// expected returns the ledger amount that would settle src
func (r *baseRule) expected(src *models.SourceRecord) int64 {
	if src.Kind == models.KindIntercompany && r.config.IntercompanySign == SignOpposite {
		return -src.Amount
	}
	return src.Amount
}

func (r *baseRule) candidate(src *models.SourceRecord, ledgerIDs []string, raw float64, s models.Signals, evidence ...string) models.MatchCandidate {
	return models.MatchCandidate{
		SourceID:   src.ID,
		LedgerIDs:  ledgerIDs,
		RuleID:     r.id,
		Tier:       r.Tier(),
		RawScore:   round2(raw),
		Confidence: r.calibrator.Calibrate(r.id, raw, s),
		Signals:    s,
		Evidence:   evidence,
	}
}

func (r *baseRule) signals(src *models.SourceRecord, l *models.LedgerRecord) models.Signals {
	expected := r.expected(src)
	delta := l.Amount - expected
	s := models.Signals{
		DateDiffDays:   LagDays(src, l),
		AmountDelta:    delta,
		NameSimilarity: round2(r.similarity.Score(src.Counterparty, l.Counterparty)),
		ReferenceMatch: src.Reference != "" && src.Reference == l.Reference,
		Parts:          1,
	}
	if expected != 0 {
		s.AmountDeltaRatio = float64(models.AbsMinor(delta)) / float64(models.AbsMinor(expected))
	}
	return s
}

func checkpoint(ctx context.Context, i int) error {
	if i%checkpointEvery == 0 {
		return ctx.Err()
	}
	return nil
}

// toleranceMinor returns percent of |amount| in whole minor units, rounded down
func toleranceMinor(amount int64, percent float64) int64 {
	return int64(math.Floor(float64(models.AbsMinor(amount)) * percent / 100))
}

// exactRule pairs records of equal amount whose dates fall inside the window
type exactRule struct{ baseRule }

func (r *exactRule) Evaluate(ctx context.Context, snap *Snapshot) ([]models.MatchCandidate, error) {
	var out []models.MatchCandidate
	for i, src := range snap.Sources() {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		for _, l := range snap.LedgersByAmount(src.Currency, r.expected(src)) {
			s := r.signals(src, l)
			if absInt(s.DateDiffDays) > r.config.DateWindowDays {
				continue
			}
			ids := []string{l.ID}
			if snap.IsRejected(src.ID, ids) {
				continue
			}
			out = append(out, r.candidate(src, ids, 1, s,
				fmt.Sprintf("amount %s %s equal", models.FormatMinor(l.Amount, l.Currency), l.Currency),
				fmt.Sprintf("value dates %d days apart", absInt(s.DateDiffDays))))
		}
	}
	return out, nil
}

// referenceRule pairs records sharing a normalized reference regardless of amount or date
type referenceRule struct{ baseRule }

func (r *referenceRule) Evaluate(ctx context.Context, snap *Snapshot) ([]models.MatchCandidate, error) {
	var out []models.MatchCandidate
	for i, src := range snap.Sources() {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		for _, l := range snap.LedgersByReference(src.Currency, src.Reference) {
			ids := []string{l.ID}
			if snap.IsRejected(src.ID, ids) {
				continue
			}
			s := r.signals(src, l)
			out = append(out, r.candidate(src, ids, 1, s,
				fmt.Sprintf("reference %s identical", src.Reference),
				fmt.Sprintf("amount delta %s", models.FormatMinor(s.AmountDelta, src.Currency))))
		}
	}
	return out, nil
}

// fuzzyRule pairs records with similar counterparties and nearly equal amounts
type fuzzyRule struct{ baseRule }

func (r *fuzzyRule) Evaluate(ctx context.Context, snap *Snapshot) ([]models.MatchCandidate, error) {
	var out []models.MatchCandidate
	for i, src := range snap.Sources() {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		if NormalizeName(src.Counterparty) == "" {
			continue
		}
		expected := r.expected(src)
		tol := toleranceMinor(expected, r.config.FuzzyAmountTolerancePercent)
		for _, l := range snap.LedgersInAmountRange(src.Currency, expected-tol, expected+tol) {
			s := r.signals(src, l)
			if s.NameSimilarity < r.config.NameSimilarityThreshold {
				continue
			}
			ids := []string{l.ID}
			if snap.IsRejected(src.ID, ids) {
				continue
			}
			out = append(out, r.candidate(src, ids, s.NameSimilarity, s,
				fmt.Sprintf("counterparty similarity %.2f (%s)", s.NameSimilarity, r.similarity.Name()),
				fmt.Sprintf("amount delta %s within %.2f%%", models.FormatMinor(s.AmountDelta, src.Currency), r.config.FuzzyAmountTolerancePercent)))
		}
	}
	return out, nil
}

// patternRule pairs a source with ledger records on the account its counterparty usually settles to
type patternRule struct{ baseRule }

func (r *patternRule) Evaluate(ctx context.Context, snap *Snapshot) ([]models.MatchCandidate, error) {
	var out []models.MatchCandidate
	for i, src := range snap.Sources() {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		stats := snap.History(src.Counterparty)
		if len(stats) == 0 {
			continue
		}

		total := 0
		accounts := make([]string, 0, len(stats))
		for account, stat := range stats {
			total += stat.Hits
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)

		expected := r.expected(src)
		tol := toleranceMinor(expected, r.config.PatternAmountTolerancePercent)

		for _, account := range accounts {
			stat := stats[account]
			hitRate := float64(stat.Hits) / float64(total)
			if stat.Hits < r.config.PatternMinSamples || hitRate < r.config.PatternMinHitRate {
				continue
			}
			avgLag := stat.AverageLag()

			for _, l := range snap.LedgersByAccount(account) {
				if l.Currency != src.Currency || models.AbsMinor(l.Amount-expected) > tol {
					continue
				}
				deviation := math.Abs(float64(LagDays(src, l)) - avgLag)
				if deviation > float64(r.config.DateWindowDays) {
					continue
				}
				ids := []string{l.ID}
				if snap.IsRejected(src.ID, ids) {
					continue
				}
				s := r.signals(src, l)
				s.HistoryHitRate = round2(hitRate)
				s.HistorySamples = stat.Hits
				s.LagDeviation = round2(deviation)
				out = append(out, r.candidate(src, ids, hitRate, s,
					fmt.Sprintf("%d of %d past matches settled to %s", stat.Hits, total, account),
					fmt.Sprintf("lag %d days against %.1f average", LagDays(src, l), avgLag)))
			}
		}
	}
	return out, nil
}

// splitRule pairs one source with several ledger records that sum exactly to its amount
type splitRule struct{ baseRule }

func (r *splitRule) Evaluate(ctx context.Context, snap *Snapshot) ([]models.MatchCandidate, error) {
	var out []models.MatchCandidate
	for i, src := range snap.Sources() {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		expected := r.expected(src)
		if expected == 0 || NormalizeName(src.Counterparty) == "" {
			continue
		}

		pool := r.pool(src, expected, snap)
		if len(pool) < 2 {
			continue
		}

		for size := 2; size <= r.config.MaxSplitParts && size <= len(pool); size++ {
			for _, combo := range getCombinations(pool, size) {
				var sum int64
				maxDiff := 0
				ids := make([]string, len(combo))
				for k, l := range combo {
					sum += l.Amount
					ids[k] = l.ID
					if d := absInt(LagDays(src, l)); d > maxDiff {
						maxDiff = d
					}
				}
				if sum != expected || snap.IsRejected(src.ID, ids) {
					continue
				}
				s := models.Signals{
					DateDiffDays:   maxDiff,
					NameSimilarity: round2(r.similarity.Score(src.Counterparty, combo[0].Counterparty)),
					Parts:          len(combo),
				}
				out = append(out, r.candidate(src, ids, float64(len(combo)), s,
					fmt.Sprintf("sum of %d ledger records equals %s %s", len(combo), models.FormatMinor(expected, src.Currency), src.Currency),
					fmt.Sprintf("value dates at most %d days apart", maxDiff)))
			}
		}
	}
	return out, nil
}

// pool returns the ledger records that may take part in a split of src, ordered by ID
func (r *splitRule) pool(src *models.SourceRecord, expected int64, snap *Snapshot) []*models.LedgerRecord {
	target := models.AbsMinor(expected)
	var pool []*models.LedgerRecord
	for _, l := range snap.LedgersInWindow(src.Currency, src.ValueDate, r.config.DateWindowDays) {
		if l.Amount == 0 || (l.Amount < 0) != (expected < 0) || models.AbsMinor(l.Amount) >= target {
			continue
		}
		if r.similarity.Score(src.Counterparty, l.Counterparty) < r.config.NameSimilarityThreshold {
			continue
		}
		pool = append(pool, l)
	}

	if len(pool) > r.config.MaxSplitCandidates {
		sort.SliceStable(pool, func(i, j int) bool {
			di, dj := absInt(LagDays(src, pool[i])), absInt(LagDays(src, pool[j]))
			if di != dj {
				return di < dj
			}
			return pool[i].ID < pool[j].ID
		})
		pool = pool[:r.config.MaxSplitCandidates]
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	return pool
}

// getCombinations generates all combinations of given size, preserving input order
func getCombinations(records []*models.LedgerRecord, size int) [][]*models.LedgerRecord {
	if size > len(records) || size <= 0 {
		return nil
	}

	if size == 1 {
		result := make([][]*models.LedgerRecord, 0, len(records))
		for _, l := range records {
			result = append(result, []*models.LedgerRecord{l})
		}
		return result
	}

	var result [][]*models.LedgerRecord
	for i := 0; i <= len(records)-size; i++ {
		for _, combo := range getCombinations(records[i+1:], size-1) {
			result = append(result, append([]*models.LedgerRecord{records[i]}, combo...))
		}
	}
	return result
}

// newRule builds the rule with the given ID
func newRule(id string, config *MatchingConfig, calibrator *Calibrator, similarity Similarity) (Rule, error) {
	base := baseRule{id: id, config: config, calibrator: calibrator, similarity: similarity}
	switch id {
	case RuleExact:
		return &exactRule{base}, nil
	case RuleReference:
		return &referenceRule{base}, nil
	case RuleFuzzy:
		return &fuzzyRule{base}, nil
	case RulePattern:
		return &patternRule{base}, nil
	case RuleSplit:
		return &splitRule{base}, nil
	default:
		return nil, fmt.Errorf("unknown rule %q", id)
	}
}
