package matcher

import (
	"sort"
	"strconv"
	"time"

	"ledger-recon-engine/internal/models"
)

// Snapshot is an immutable view of the unmatched records of one scope, indexed for
// the lookups rules need. Rules read it concurrently and never modify it.
type Snapshot struct {
	Scope string

	sources []*models.SourceRecord
	ledgers []*models.LedgerRecord

	// exactAmountIndex maps currency|amount to ledger records
	exactAmountIndex map[string][]*models.LedgerRecord

	// referenceIndex maps currency|reference to ledger records
	referenceIndex map[string][]*models.LedgerRecord

	// amountRangeIndex holds ledger records per currency sorted by amount
	amountRangeIndex map[string][]*models.LedgerRecord

	// dateIndex holds ledger records per currency sorted by value date
	dateIndex map[string][]*models.LedgerRecord

	// accountIndex maps account code to ledger records
	accountIndex map[string][]*models.LedgerRecord

	// history maps normalized counterparty to account code to pairing stats
	history map[string]map[string]models.PairingStat

	rejected map[string]struct{}
}

// NewSnapshot copies the given records and builds its indexes. Closed ledger records are left out.
func NewSnapshot(scope string, sources []*models.SourceRecord, ledgers []*models.LedgerRecord,
	history []models.PairingStat, rejected []models.RejectedPair) *Snapshot {

	s := &Snapshot{
		Scope:            scope,
		exactAmountIndex: make(map[string][]*models.LedgerRecord),
		referenceIndex:   make(map[string][]*models.LedgerRecord),
		amountRangeIndex: make(map[string][]*models.LedgerRecord),
		dateIndex:        make(map[string][]*models.LedgerRecord),
		accountIndex:     make(map[string][]*models.LedgerRecord),
		history:          make(map[string]map[string]models.PairingStat),
		rejected:         make(map[string]struct{}, len(rejected)),
	}

	for _, src := range sources {
		c := *src
		s.sources = append(s.sources, &c)
	}
	sort.Slice(s.sources, func(i, j int) bool { return s.sources[i].ID < s.sources[j].ID })

	for _, l := range ledgers {
		if !l.IsOpen() {
			continue
		}
		c := *l
		s.ledgers = append(s.ledgers, &c)
	}
	sort.Slice(s.ledgers, func(i, j int) bool { return s.ledgers[i].ID < s.ledgers[j].ID })

	s.buildIndexes()

	for _, stat := range history {
		name := NormalizeName(stat.Counterparty)
		if name == "" || stat.AccountCode == "" {
			continue
		}
		if s.history[name] == nil {
			s.history[name] = make(map[string]models.PairingStat)
		}
		merged := s.history[name][stat.AccountCode]
		merged.Scope = stat.Scope
		merged.Counterparty = name
		merged.AccountCode = stat.AccountCode
		merged.Hits += stat.Hits
		merged.LagDaySum += stat.LagDaySum
		s.history[name][stat.AccountCode] = merged
	}

	for _, r := range rejected {
		s.rejected[r.Key()] = struct{}{}
	}
	return s
}

// buildIndexes constructs all internal indexes for ledger records
func (s *Snapshot) buildIndexes() {
	for _, l := range s.ledgers {
		s.exactAmountIndex[amountKey(l.Currency, l.Amount)] = append(s.exactAmountIndex[amountKey(l.Currency, l.Amount)], l)
		if l.Reference != "" {
			key := l.Currency + "|" + l.Reference
			s.referenceIndex[key] = append(s.referenceIndex[key], l)
		}
		s.amountRangeIndex[l.Currency] = append(s.amountRangeIndex[l.Currency], l)
		s.dateIndex[l.Currency] = append(s.dateIndex[l.Currency], l)
		if l.AccountCode != "" {
			s.accountIndex[l.AccountCode] = append(s.accountIndex[l.AccountCode], l)
		}
	}

	for _, list := range s.amountRangeIndex {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Amount < list[j].Amount })
	}
	for _, list := range s.dateIndex {
		sort.SliceStable(list, func(i, j int) bool { return list[i].ValueDate.Before(list[j].ValueDate) })
	}
}

func amountKey(currency string, amount int64) string {
	return currency + "|" + strconv.FormatInt(amount, 10)
}

// Sources returns the unmatched source records ordered by ID
func (s *Snapshot) Sources() []*models.SourceRecord {
	return s.sources
}

// Ledgers returns the open unmatched ledger records ordered by ID
func (s *Snapshot) Ledgers() []*models.LedgerRecord {
	return s.ledgers
}

// LedgersByAmount returns ledger records with exactly this amount and currency
func (s *Snapshot) LedgersByAmount(currency string, amount int64) []*models.LedgerRecord {
	return s.exactAmountIndex[amountKey(currency, amount)]
}

// LedgersByReference returns ledger records carrying this normalized reference
func (s *Snapshot) LedgersByReference(currency, reference string) []*models.LedgerRecord {
	if reference == "" {
		return nil
	}
	return s.referenceIndex[currency+"|"+reference]
}

// LedgersInAmountRange returns ledger records whose amount lies in [min, max]
func (s *Snapshot) LedgersInAmountRange(currency string, min, max int64) []*models.LedgerRecord {
	list := s.amountRangeIndex[currency]
	start := sort.Search(len(list), func(i int) bool { return list[i].Amount >= min })
	end := sort.Search(len(list), func(i int) bool { return list[i].Amount > max })
	if start >= end {
		return nil
	}
	return list[start:end]
}

// LedgersInWindow returns ledger records whose value date is within days of date
func (s *Snapshot) LedgersInWindow(currency string, date time.Time, days int) []*models.LedgerRecord {
	list := s.dateIndex[currency]
	from := date.AddDate(0, 0, -days)
	to := date.AddDate(0, 0, days)
	start := sort.Search(len(list), func(i int) bool { return !list[i].ValueDate.Before(from) })
	end := sort.Search(len(list), func(i int) bool { return list[i].ValueDate.After(to) })
	if start >= end {
		return nil
	}
	return list[start:end]
}

// LedgersByAccount returns ledger records posted to an account
func (s *Snapshot) LedgersByAccount(account string) []*models.LedgerRecord {
	return s.accountIndex[account]
}

// History returns the pairing stats of a counterparty keyed by account code
func (s *Snapshot) History(counterparty string) map[string]models.PairingStat {
	return s.history[NormalizeName(counterparty)]
}

// IsRejected reports whether a reviewer has turned down this pairing
func (s *Snapshot) IsRejected(sourceID string, ledgerIDs []string) bool {
	_, ok := s.rejected[models.PairKey(sourceID, ledgerIDs)]
	return ok
}

// IndexStats describes the size of a snapshot
type IndexStats struct {
	Sources      int `json:"sources"`
	Ledgers      int `json:"ledgers"`
	UniqueAmount int `json:"unique_amounts"`
	References   int `json:"references"`
	Accounts     int `json:"accounts"`
	Patterns     int `json:"patterns"`
}

// Stats returns statistics about the snapshot indexes
func (s *Snapshot) Stats() IndexStats {
	return IndexStats{
		Sources:      len(s.sources),
		Ledgers:      len(s.ledgers),
		UniqueAmount: len(s.exactAmountIndex),
		References:   len(s.referenceIndex),
		Accounts:     len(s.accountIndex),
		Patterns:     len(s.history),
	}
}

// LagDays is the number of days from the ledger value date to the source value date
func LagDays(src *models.SourceRecord, l *models.LedgerRecord) int {
	return models.DaysBetween(l.ValueDate, src.ValueDate)
}
