package reconciler

import (
	"context"

	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
)

// DefaultPageSize applies when a list request does not set one
const DefaultPageSize = 50

// MaxPageSize caps the page size of list requests
const MaxPageSize = 500

// Page selects one page of a list, counting pages from 1
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page to valid values
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the index of the page's first item
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// ListSuggestions returns a page of suggested matches awaiting review
func (s *Service) ListSuggestions(ctx context.Context, scope string, page Page) ([]*models.Match, int, error) {
	return s.ListMatches(ctx, scope, []models.MatchState{models.MatchSuggested}, page)
}

// ListMatches returns a page of the scope's matches in the given states
func (s *Service) ListMatches(ctx context.Context, scope string, states []models.MatchState, page Page) ([]*models.Match, int, error) {
	if err := requireScope(scope); err != nil {
		return nil, 0, err
	}
	page = page.Normalize()
	matches, total, err := s.repo.ListMatches(ctx, storage.MatchFilter{
		Scope:  scope,
		States: states,
		Limit:  page.Size,
		Offset: page.Offset(),
	})
	if err != nil {
		return nil, 0, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to list matches")
	}
	return matches, total, nil
}

// ListExceptions returns a page of the review queue, most severe first. No statuses means open ones.
func (s *Service) ListExceptions(ctx context.Context, scope string, statuses []models.ExceptionStatus, page Page) ([]*models.Exception, int, error) {
	if err := requireScope(scope); err != nil {
		return nil, 0, err
	}
	for _, st := range statuses {
		if !validStatus(st) {
			return nil, 0, errors.ValidationError(errors.CodeInvalidRequest, "status", st, nil).
				WithSuggestion("use new, in-review, escalated, resolved-manual, resolved-auto or written-off")
		}
	}
	if len(statuses) == 0 {
		statuses = models.OpenExceptionStatuses()
	}

	page = page.Normalize()
	list, total, err := s.repo.ListExceptions(ctx, storage.ExceptionFilter{
		Scope:    scope,
		Statuses: statuses,
		Limit:    page.Size,
		Offset:   page.Offset(),
	})
	if err != nil {
		return nil, 0, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to list exceptions")
	}
	return list, total, nil
}

// GetException returns one exception
func (s *Service) GetException(ctx context.Context, scope, id string) (*models.Exception, error) {
	return s.repo.GetException(ctx, scope, id)
}

// ListDecisions returns a page of the scope's decision log in sequence order
func (s *Service) ListDecisions(ctx context.Context, filter audit.Filter) ([]*models.DecisionLogEntry, int, error) {
	if err := requireScope(filter.Scope); err != nil {
		return nil, 0, err
	}
	return s.decisions.List(ctx, filter)
}

// VerifyDecisions checks the hash chain of the scope's decision log
func (s *Service) VerifyDecisions(ctx context.Context, scope string) (*audit.VerificationResult, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	return s.decisions.Verify(ctx, scope)
}

// Scopes lists every scope with ingested records
func (s *Service) Scopes(ctx context.Context) ([]string, error) {
	scopes, err := s.repo.ListScopes(ctx)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to list scopes")
	}
	return scopes, nil
}

func validStatus(st models.ExceptionStatus) bool {
	switch st {
	case models.ExceptionNew, models.ExceptionInReview, models.ExceptionEscalated,
		models.ExceptionResolvedManual, models.ExceptionResolvedAuto, models.ExceptionWrittenOff:
		return true
	default:
		return false
	}
}
