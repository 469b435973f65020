package reconciler

import (
	"context"
	"time"

	"ledger-recon-engine/internal/exceptions"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// SweepExceptions re-ages every open exception of the scope and escalates those past
// the escalation age, without running the rule engine
func (s *Service) SweepExceptions(ctx context.Context, scope string) (*exceptions.Outcome, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	var outcome *exceptions.Outcome
	err := s.withLock(ctx, scope, func(ctx context.Context) error {
		open, _, err := s.repo.ListExceptions(ctx, storage.ExceptionFilter{Scope: scope, Statuses: models.OpenExceptionStatuses()})
		if err != nil {
			return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load open exceptions")
		}
		if len(open) == 0 {
			outcome = &exceptions.Outcome{}
			return nil
		}

		policy := s.policies.get(scope)
		outcome = s.tracker(policy).Evaluate(scope, open, nil, nil)

		chain, err := s.decisions.ChainFor(ctx, scope)
		if err != nil {
			return err
		}
		var decisions []*models.DecisionLogEntry
		for _, e := range outcome.Escalated {
			decisions = append(decisions, chain.Seal(escalationEntry(e, policy, "")))
		}

		return s.apply(ctx, &storage.ChangeSet{
			Scope:      scope,
			Exceptions: outcome.Changed(),
			Decisions:  decisions,
		})
	})
	if err != nil {
		return nil, err
	}

	if len(outcome.Escalated) > 0 {
		s.logger.WithFields(logger.Fields{"scope": scope, "escalated": len(outcome.Escalated)}).Info("Escalated aged exceptions")
	}
	return outcome, nil
}

// RunSweeper sweeps every scope at the given interval until ctx ends
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := s.logger.WithField("interval", interval.String())
	log.Info("Exception sweeper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Exception sweeper stopped")
			return
		case <-ticker.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *Service) sweepAll(ctx context.Context) {
	scopes, err := s.repo.ListScopes(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scopes for sweep")
		return
	}
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.SweepExceptions(ctx, scope); err != nil {
			s.logger.WithError(err).WithScope(scope).Warn("Exception sweep failed")
		}
	}
}
