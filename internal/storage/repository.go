// Package storage persists records, matches, exceptions, the decision log and run state.
//
// Two implementations share one contract: MemoryRepository for tests and single-shot
// CLI runs, and SQLiteRepository for the long-running server. Both apply a run's
// output atomically and enforce the single-claim rule on records.
package storage

import (
	"context"
	"sort"

	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/models"
)

// Repository defines the complete storage interface
type Repository interface {
	RecordRepository
	MatchRepository
	ExceptionRepository
	HistoryRepository
	RunRepository
	PolicyRepository
	audit.Store

	// ListScopes returns every scope that has ingested records
	ListScopes(ctx context.Context) ([]string, error)

	// Apply writes a change set in one transaction. Nothing is written on error.
	Apply(ctx context.Context, cs *ChangeSet) error

	Close() error
}

// RecordRepository handles normalized source and ledger records
type RecordRepository interface {
	// SaveSources inserts new source records; records whose ID already exists are left as they are
	SaveSources(ctx context.Context, records []*models.SourceRecord) (int, error)

	// SaveLedgers inserts ledger records and refreshes the status of existing ones
	SaveLedgers(ctx context.Context, records []*models.LedgerRecord) (int, error)

	GetSource(ctx context.Context, scope, id string) (*models.SourceRecord, error)
	GetLedger(ctx context.Context, scope, id string) (*models.LedgerRecord, error)
	ListSources(ctx context.Context, scope string) ([]*models.SourceRecord, error)
	ListLedgers(ctx context.Context, scope string) ([]*models.LedgerRecord, error)
}

// MatchRepository handles matches and the claims they hold
type MatchRepository interface {
	GetMatch(ctx context.Context, scope, id string) (*models.Match, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]*models.Match, int, error)

	// Claims maps the key of every claimed record to the suggested or active match holding it
	Claims(ctx context.Context, scope string) (map[string]string, error)
}

// ExceptionRepository handles exceptions
type ExceptionRepository interface {
	GetException(ctx context.Context, scope, id string) (*models.Exception, error)

	// ListExceptions returns a page ordered by severity score, then age, then ID, and the total count
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]*models.Exception, int, error)
}

// HistoryRepository handles the data the pattern tier and rejection memory rely on
type HistoryRepository interface {
	PairingHistory(ctx context.Context, scope string) ([]models.PairingStat, error)
	RejectedPairs(ctx context.Context, scope string) ([]models.RejectedPair, error)
}

// RunRepository handles reconciliation runs
type RunRepository interface {
	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, scope, id string) (*models.Run, error)
	ListRuns(ctx context.Context, scope string, limit int) ([]*models.Run, error)
}

// PolicyRepository stores per-scope policy documents as opaque JSON
type PolicyRepository interface {
	SavePolicy(ctx context.Context, scope string, doc []byte) error
	LoadPolicies(ctx context.Context) (map[string][]byte, error)
}

// MatchFilter defines filters for listing matches
type MatchFilter struct {
	Scope    string
	States   []models.MatchState // empty = all
	SourceID string
	RunID    string
	Limit    int // 0 = no limit
	Offset   int
}

// ExceptionFilter defines filters for listing exceptions
type ExceptionFilter struct {
	Scope    string
	Statuses []models.ExceptionStatus // empty = all
	RecordID string
	Limit    int // 0 = no limit
	Offset   int
}

// ChangeSet is everything one run or review action writes
type ChangeSet struct {
	Scope string

	// Matches are upserted by ID; claims follow each match's state
	Matches []*models.Match

	// Exceptions are upserted by ID
	Exceptions []*models.Exception

	// Decisions are appended and must continue the scope's chain
	Decisions []*models.DecisionLogEntry

	// History entries are deltas added to the stored counters
	History []models.PairingStat

	Rejected []models.RejectedPair

	Run *models.Run
}

// IsEmpty reports whether the change set writes nothing
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.Matches) == 0 && len(cs.Exceptions) == 0 && len(cs.Decisions) == 0 &&
		len(cs.History) == 0 && len(cs.Rejected) == 0 && cs.Run == nil
}

// orderedMatches puts matches that release their claims ahead of those that take claims,
// so a reversal and a replacement manual match can share one change set
func (cs *ChangeSet) orderedMatches() []*models.Match {
	ordered := make([]*models.Match, len(cs.Matches))
	copy(ordered, cs.Matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].State.Claims() && ordered[j].State.Claims()
	})
	return ordered
}

// orderedExceptions puts closed exceptions first for the same reason
func (cs *ChangeSet) orderedExceptions() []*models.Exception {
	ordered := make([]*models.Exception, len(cs.Exceptions))
	copy(ordered, cs.Exceptions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].Status.IsOpen() && ordered[j].Status.IsOpen()
	})
	return ordered
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsState(states []models.MatchState, s models.MatchState) bool {
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func containsStatus(statuses []models.ExceptionStatus, s models.ExceptionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func cloneDecision(e *models.DecisionLogEntry) *models.DecisionLogEntry {
	c := *e
	c.SourceIDs = append([]string(nil), e.SourceIDs...)
	c.LedgerIDs = append([]string(nil), e.LedgerIDs...)
	return &c
}
