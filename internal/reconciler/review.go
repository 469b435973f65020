package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/exceptions"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// ManualMatchRequest pairs records a reviewer matched by hand
type ManualMatchRequest struct {
	SourceID  string   `json:"source_id"`
	LedgerIDs []string `json:"ledger_ids"`
	Reviewer  string   `json:"reviewer"`
	Reason    string   `json:"reason"`
}

// Validate checks the request fields
func (r *ManualMatchRequest) Validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return errors.ValidationError(errors.CodeMissingField, "source_id", r.SourceID, nil)
	}
	if len(r.LedgerIDs) == 0 {
		return errors.ValidationError(errors.CodeMissingField, "ledger_ids", r.LedgerIDs, nil)
	}
	seen := make(map[string]bool, len(r.LedgerIDs))
	for _, id := range r.LedgerIDs {
		if strings.TrimSpace(id) == "" || seen[id] {
			return errors.ValidationError(errors.CodeInvalidRequest, "ledger_ids", r.LedgerIDs, nil).
				WithSuggestion("list each ledger record once")
		}
		seen[id] = true
	}
	return requireActor("reviewer", r.Reviewer)
}

// AcceptSuggestion makes a suggested match active and closes the exceptions of its records
func (s *Service) AcceptSuggestion(ctx context.Context, scope, matchID, reviewer string) (*models.DecisionLogEntry, error) {
	if err := requireActor("reviewer", reviewer); err != nil {
		return nil, err
	}

	var entry *models.DecisionLogEntry
	err := s.withLock(ctx, scope, func(ctx context.Context) error {
		m, err := s.repo.GetMatch(ctx, scope, matchID)
		if err != nil {
			return err
		}
		if m.State != models.MatchSuggested {
			return errors.InvalidTransitionError("match", m.ID, string(m.State), string(models.MatchActive))
		}

		now := s.now()
		m.State = models.MatchActive
		m.AcceptedBy = reviewer
		m.AcceptedAt = &now
		m.UpdatedAt = now

		closed, err := s.closeExceptions(ctx, scope, m.RecordRefs(), models.ExceptionResolvedManual, now)
		if err != nil {
			return err
		}
		src, ledgers, err := s.matchRecords(ctx, scope, m)
		if err != nil {
			return err
		}
		prior, err := s.lastDecisionFor(ctx, scope, m.ID)
		if err != nil {
			return err
		}

		chain, err := s.decisions.ChainFor(ctx, scope)
		if err != nil {
			return err
		}
		entry = chain.Seal(&models.DecisionLogEntry{
			Action:     models.ActionSuggestionAccepted,
			MatchID:    m.ID,
			SourceIDs:  []string{m.SourceID},
			LedgerIDs:  append([]string(nil), m.LedgerIDs...),
			RuleID:     m.RuleID,
			Confidence: m.Confidence,
			Actor:      reviewer,
			ReasonCode: "reviewer-accepted",
			RefersTo:   prior,
		})

		return s.apply(ctx, &storage.ChangeSet{
			Scope:      scope,
			Matches:    []*models.Match{m},
			Exceptions: closed,
			Decisions:  []*models.DecisionLogEntry{entry},
			History:    pairingDeltas(scope, src, ledgers, 1),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logger.Fields{"scope": scope, "match_id": matchID, "reviewer": reviewer}).Info("Accepted suggestion")
	return entry, nil
}

// RejectSuggestion releases a suggested match's records and remembers the pairing so it
// is never suggested again. The source record's exception records the rejection.
func (s *Service) RejectSuggestion(ctx context.Context, scope, matchID, reviewer, reason string) (*models.DecisionLogEntry, error) {
	if err := requireActor("reviewer", reviewer); err != nil {
		return nil, err
	}

	var entry *models.DecisionLogEntry
	err := s.withLock(ctx, scope, func(ctx context.Context) error {
		m, err := s.repo.GetMatch(ctx, scope, matchID)
		if err != nil {
			return err
		}
		if m.State != models.MatchSuggested {
			return errors.InvalidTransitionError("match", m.ID, string(m.State), string(models.MatchRejected))
		}

		now := s.now()
		m.State = models.MatchRejected
		m.UpdatedAt = now

		src, _, err := s.matchRecords(ctx, scope, m)
		if err != nil {
			return err
		}
		open, err := s.openExceptions(ctx, scope, []models.RecordRef{sourceRef(src.ID)})
		if err != nil {
			return err
		}
		outcome := s.tracker(s.policies.get(scope)).Evaluate(scope, open, []exceptions.Item{{
			Ref:       sourceRef(src.ID),
			Amount:    src.Amount,
			Currency:  src.Currency,
			ValueDate: src.ValueDate,
			Reason:    models.ReasonRejected,
		}}, nil)

		prior, err := s.lastDecisionFor(ctx, scope, m.ID)
		if err != nil {
			return err
		}
		chain, err := s.decisions.ChainFor(ctx, scope)
		if err != nil {
			return err
		}
		entry = chain.Seal(&models.DecisionLogEntry{
			Action:     models.ActionSuggestionRejected,
			MatchID:    m.ID,
			SourceIDs:  []string{m.SourceID},
			LedgerIDs:  append([]string(nil), m.LedgerIDs...),
			RuleID:     m.RuleID,
			Confidence: m.Confidence,
			Actor:      reviewer,
			ReasonCode: "reviewer-rejected",
			Reason:     reason,
			RefersTo:   prior,
		})
		decisions := []*models.DecisionLogEntry{entry}
		for _, e := range outcome.Escalated {
			decisions = append(decisions, chain.Seal(escalationEntry(e, s.policies.get(scope), "")))
		}

		return s.apply(ctx, &storage.ChangeSet{
			Scope:      scope,
			Matches:    []*models.Match{m},
			Exceptions: outcome.Changed(),
			Decisions:  decisions,
			Rejected: []models.RejectedPair{{
				Scope:     scope,
				SourceID:  m.SourceID,
				LedgerIDs: append([]string(nil), m.LedgerIDs...),
				CreatedAt: now,
			}},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logger.Fields{"scope": scope, "match_id": matchID, "reviewer": reviewer}).Info("Rejected suggestion")
	return entry, nil
}

// ManualMatch creates an active match a reviewer assembled. Every record must be unclaimed.
func (s *Service) ManualMatch(ctx context.Context, scope string, req ManualMatchRequest) (*models.Match, *models.DecisionLogEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	var match *models.Match
	var entry *models.DecisionLogEntry
	err := s.withLock(ctx, scope, func(ctx context.Context) error {
		src, err := s.repo.GetSource(ctx, scope, req.SourceID)
		if err != nil {
			return err
		}
		ledgers := make([]*models.LedgerRecord, 0, len(req.LedgerIDs))
		for _, id := range req.LedgerIDs {
			l, err := s.repo.GetLedger(ctx, scope, id)
			if err != nil {
				return err
			}
			if !l.IsOpen() {
				return errors.ValidationError(errors.CodeInvalidRequest, "ledger_ids", id, nil).
					WithSuggestion("closed ledger records cannot be matched")
			}
			if l.Currency != src.Currency {
				return errors.ValidationError(errors.CodeInvalidCurrency, "ledger_ids", id, nil).
					WithSuggestion(fmt.Sprintf("ledger record is in %s but the source is in %s", l.Currency, src.Currency))
			}
			ledgers = append(ledgers, l)
		}

		claims, err := s.repo.Claims(ctx, scope)
		if err != nil {
			return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to read claims")
		}

		now := s.now()
		match = &models.Match{
			ID:         s.newID(),
			Scope:      scope,
			SourceID:   src.ID,
			LedgerIDs:  append([]string(nil), req.LedgerIDs...),
			RuleID:     models.RuleManual,
			Confidence: 100,
			State:      models.MatchActive,
			AcceptedBy: req.Reviewer,
			AcceptedAt: &now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		match.LedgerIDs = models.SplitIDs(models.JoinIDs(match.LedgerIDs))
		for _, ref := range match.RecordRefs() {
			if holder, held := claims[ref.Key()]; held {
				return errors.ConcurrentClaimConflict(ref.ID, holder).
					WithSuggestion("reject or reverse the match holding the record first")
			}
		}

		closed, err := s.closeExceptions(ctx, scope, match.RecordRefs(), models.ExceptionResolvedManual, now)
		if err != nil {
			return err
		}

		chain, err := s.decisions.ChainFor(ctx, scope)
		if err != nil {
			return err
		}
		entry = chain.Seal(&models.DecisionLogEntry{
			Action:     models.ActionManualMatch,
			MatchID:    match.ID,
			SourceIDs:  []string{match.SourceID},
			LedgerIDs:  append([]string(nil), match.LedgerIDs...),
			RuleID:     models.RuleManual,
			Confidence: match.Confidence,
			Actor:      req.Reviewer,
			ReasonCode: "manual",
			Reason:     req.Reason,
		})

		return s.apply(ctx, &storage.ChangeSet{
			Scope:      scope,
			Matches:    []*models.Match{match},
			Exceptions: closed,
			Decisions:  []*models.DecisionLogEntry{entry},
			History:    pairingDeltas(scope, src, ledgers, 1),
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithFields(logger.Fields{
		"scope":      scope,
		"match_id":   match.ID,
		"source_id":  match.SourceID,
		"ledger_ids": match.LedgerIDs,
		"reviewer":   req.Reviewer,
	}).Info("Created manual match")
	return match, entry, nil
}

// ReverseMatch undoes an active match. Its records return to the backlog, the pairing is
// remembered as rejected and the reversal entry refers to the decision that created the match.
func (s *Service) ReverseMatch(ctx context.Context, scope, matchID, reviewer, reason string) (*models.DecisionLogEntry, error) {
	if err := requireActor("reviewer", reviewer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "reason", reason, nil)
	}

	var entry *models.DecisionLogEntry
	err := s.withLock(ctx, scope, func(ctx context.Context) error {
		m, err := s.repo.GetMatch(ctx, scope, matchID)
		if err != nil {
			return err
		}
		if m.State != models.MatchActive {
			return errors.InvalidTransitionError("match", m.ID, string(m.State), string(models.MatchReversed))
		}

		now := s.now()
		m.State = models.MatchReversed
		m.UpdatedAt = now

		src, ledgers, err := s.matchRecords(ctx, scope, m)
		if err != nil {
			return err
		}
		prior, err := s.lastDecisionFor(ctx, scope, m.ID)
		if err != nil {
			return err
		}

		chain, err := s.decisions.ChainFor(ctx, scope)
		if err != nil {
			return err
		}
		entry = chain.Seal(&models.DecisionLogEntry{
			Action:     models.ActionMatchReversed,
			MatchID:    m.ID,
			SourceIDs:  []string{m.SourceID},
			LedgerIDs:  append([]string(nil), m.LedgerIDs...),
			RuleID:     m.RuleID,
			Confidence: m.Confidence,
			Actor:      reviewer,
			ReasonCode: "reversed",
			Reason:     reason,
			RefersTo:   prior,
		})

		return s.apply(ctx, &storage.ChangeSet{
			Scope:     scope,
			Matches:   []*models.Match{m},
			Decisions: []*models.DecisionLogEntry{entry},
			History:   pairingDeltas(scope, src, ledgers, -1),
			Rejected: []models.RejectedPair{{
				Scope:     scope,
				SourceID:  m.SourceID,
				LedgerIDs: append([]string(nil), m.LedgerIDs...),
				CreatedAt: now,
			}},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logger.Fields{"scope": scope, "match_id": matchID, "reviewer": reviewer}).Info("Reversed match")
	return entry, nil
}

// AssignException moves an exception into review under an owner
func (s *Service) AssignException(ctx context.Context, scope, exceptionID, owner, actor string) (*models.Exception, *models.DecisionLogEntry, error) {
	if err := requireActor("owner", owner); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(actor) == "" {
		actor = owner
	}

	return s.updateException(ctx, scope, exceptionID, func(e *models.Exception, now time.Time) (*models.DecisionLogEntry, error) {
		if err := exceptions.Assign(e, owner, now); err != nil {
			return nil, err
		}
		return &models.DecisionLogEntry{
			Action:      models.ActionExceptionAssigned,
			ExceptionID: e.ID,
			Actor:       actor,
			ReasonCode:  "assigned",
			Reason:      fmt.Sprintf("assigned to %s", owner),
		}, nil
	})
}

// WriteOff closes an exception without a match. The reason is kept in the decision log.
func (s *Service) WriteOff(ctx context.Context, scope, exceptionID, reviewer, reason string) (*models.Exception, *models.DecisionLogEntry, error) {
	if err := requireActor("reviewer", reviewer); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, nil, errors.ValidationError(errors.CodeMissingField, "reason", reason, nil).
			WithSuggestion("a write-off needs a reason for the audit trail")
	}

	return s.updateException(ctx, scope, exceptionID, func(e *models.Exception, now time.Time) (*models.DecisionLogEntry, error) {
		if err := exceptions.Transition(e, models.ExceptionWrittenOff, now); err != nil {
			return nil, err
		}
		return &models.DecisionLogEntry{
			Action:      models.ActionWriteOff,
			ExceptionID: e.ID,
			Actor:       reviewer,
			ReasonCode:  "written-off",
			Reason:      reason,
		}, nil
	})
}

// updateException changes one exception and logs the decision fn returns, under the scope lock
func (s *Service) updateException(ctx context.Context, scope, id string,
	fn func(e *models.Exception, now time.Time) (*models.DecisionLogEntry, error)) (*models.Exception, *models.DecisionLogEntry, error) {

	var updated *models.Exception
	var entry *models.DecisionLogEntry
	err := s.withLock(ctx, scope, func(ctx context.Context) error {
		e, err := s.repo.GetException(ctx, scope, id)
		if err != nil {
			return err
		}

		if entry, err = fn(e, s.now()); err != nil {
			return err
		}
		setRecordIDs(entry, e.Ref())

		chain, err := s.decisions.ChainFor(ctx, scope)
		if err != nil {
			return err
		}
		chain.Seal(entry)
		updated = e

		return s.apply(ctx, &storage.ChangeSet{
			Scope:      scope,
			Exceptions: []*models.Exception{e},
			Decisions:  []*models.DecisionLogEntry{entry},
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithFields(logger.Fields{
		"scope":        scope,
		"exception_id": id,
		"status":       updated.Status,
		"action":       entry.Action,
	}).Info("Updated exception")
	return updated, entry, nil
}

func (s *Service) apply(ctx context.Context, cs *storage.ChangeSet) error {
	if err := s.repo.Apply(ctx, cs); err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to apply changes")
	}
	return nil
}

// matchRecords loads the records a match pairs
func (s *Service) matchRecords(ctx context.Context, scope string, m *models.Match) (*models.SourceRecord, []*models.LedgerRecord, error) {
	src, err := s.repo.GetSource(ctx, scope, m.SourceID)
	if err != nil {
		return nil, nil, err
	}
	ledgers := make([]*models.LedgerRecord, 0, len(m.LedgerIDs))
	for _, id := range m.LedgerIDs {
		l, err := s.repo.GetLedger(ctx, scope, id)
		if err != nil {
			return nil, nil, err
		}
		ledgers = append(ledgers, l)
	}
	return src, ledgers, nil
}

// openExceptions returns the open exceptions of the given records
func (s *Service) openExceptions(ctx context.Context, scope string, refs []models.RecordRef) ([]*models.Exception, error) {
	var out []*models.Exception
	for _, ref := range refs {
		list, _, err := s.repo.ListExceptions(ctx, storage.ExceptionFilter{
			Scope:    scope,
			Statuses: models.OpenExceptionStatuses(),
			RecordID: ref.ID,
		})
		if err != nil {
			return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load exceptions")
		}
		for _, e := range list {
			if e.RecordSide == ref.Side {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// closeExceptions moves the open exceptions of the given records to a terminal status
func (s *Service) closeExceptions(ctx context.Context, scope string, refs []models.RecordRef,
	status models.ExceptionStatus, now time.Time) ([]*models.Exception, error) {

	open, err := s.openExceptions(ctx, scope, refs)
	if err != nil {
		return nil, err
	}
	for _, e := range open {
		if err := exceptions.Transition(e, status, now); err != nil {
			return nil, err
		}
	}
	return open, nil
}

// lastDecisionFor returns the ID of the latest decision about a match, or ""
func (s *Service) lastDecisionFor(ctx context.Context, scope, matchID string) (string, error) {
	entries, _, err := s.decisions.List(ctx, audit.Filter{Scope: scope, MatchID: matchID})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].ID, nil
}

func requireActor(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ValidationError(errors.CodeMissingField, field, value, nil)
	}
	return nil
}
