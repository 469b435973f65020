package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Filter selects decision log entries of one scope
type Filter struct {
	Scope   string
	Action  models.DecisionAction
	MatchID string
	RunID   string

	// AfterSequence returns only entries with a larger sequence number
	AfterSequence int64

	Limit  int
	Offset int
}

// Store is the append-only persistence behind the decision log.
// AppendDecisions must reject entries that do not continue the stored chain.
type Store interface {
	LastDecision(ctx context.Context, scope string) (*models.DecisionLogEntry, error)
	AppendDecisions(ctx context.Context, entries []*models.DecisionLogEntry) error
	ListDecisions(ctx context.Context, filter Filter) ([]*models.DecisionLogEntry, int, error)
}

// DecisionLog appends, lists and verifies decisions. There is no update or delete.
type DecisionLog struct {
	store  Store
	clock  func() time.Time
	logger logger.Logger
	mu     sync.Mutex
}

// NewDecisionLog creates a decision log over a store
func NewDecisionLog(store Store, clock func() time.Time, log logger.Logger) *DecisionLog {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &DecisionLog{store: store, clock: clock, logger: log.WithComponent("decision_log")}
}

// ChainFor returns a chain positioned at the scope's current head. Entries sealed on it
// must be stored in one AppendDecisions call, or as part of one atomic apply.
func (l *DecisionLog) ChainFor(ctx context.Context, scope string) (*Chain, error) {
	last, err := l.store.LastDecision(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to read decision log head")
	}
	return NewChain(scope, last, l.clock), nil
}

// Record seals and appends a single entry
func (l *DecisionLog) Record(ctx context.Context, entry *models.DecisionLogEntry) error {
	if entry.Scope == "" {
		return errors.ValidationError(errors.CodeMissingField, "scope", entry.Scope, nil)
	}
	if entry.Action == "" {
		return errors.ValidationError(errors.CodeMissingField, "action", entry.Action, nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain, err := l.ChainFor(ctx, entry.Scope)
	if err != nil {
		return err
	}
	chain.Seal(entry)

	if err := l.store.AppendDecisions(ctx, []*models.DecisionLogEntry{entry}); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to append decision")
	}

	l.logger.WithFields(logger.Fields{
		"scope":    entry.Scope,
		"sequence": entry.Sequence,
		"action":   entry.Action,
	}).Debug("Recorded decision")
	return nil
}

// Correct appends an entry that refers to an earlier one. The earlier entry is untouched.
func (l *DecisionLog) Correct(ctx context.Context, priorID string, entry *models.DecisionLogEntry) error {
	if priorID == "" {
		return errors.ValidationError(errors.CodeMissingField, "refers_to", priorID, nil)
	}
	entry.RefersTo = priorID
	return l.Record(ctx, entry)
}

// List returns a page of entries and the total number matching the filter
func (l *DecisionLog) List(ctx context.Context, filter Filter) ([]*models.DecisionLogEntry, int, error) {
	entries, total, err := l.store.ListDecisions(ctx, filter)
	if err != nil {
		return nil, 0, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to list decisions")
	}
	return entries, total, nil
}

// Verify walks the scope's whole log and checks every link
func (l *DecisionLog) Verify(ctx context.Context, scope string) (*VerificationResult, error) {
	entries, _, err := l.store.ListDecisions(ctx, Filter{Scope: scope})
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to read decision log")
	}

	result, verr := VerifyChain(scope, entries)
	if verr != nil {
		l.logger.WithError(verr).WithField("scope", scope).Error(fmt.Sprintf("Decision log broken at sequence %d", result.BrokenAt))
	}
	return result, verr
}
