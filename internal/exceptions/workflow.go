package exceptions

import (
	"sort"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
)

// transitions lists the allowed target statuses per status
var transitions = map[models.ExceptionStatus][]models.ExceptionStatus{
	models.ExceptionNew: {
		models.ExceptionInReview,
		models.ExceptionEscalated,
		models.ExceptionResolvedManual,
		models.ExceptionResolvedAuto,
		models.ExceptionWrittenOff,
	},
	models.ExceptionInReview: {
		models.ExceptionEscalated,
		models.ExceptionResolvedManual,
		models.ExceptionResolvedAuto,
		models.ExceptionWrittenOff,
	},
	models.ExceptionEscalated: {
		models.ExceptionInReview,
		models.ExceptionResolvedManual,
		models.ExceptionResolvedAuto,
		models.ExceptionWrittenOff,
	},
}

// CanTransition reports whether an exception may move from one status to another
func CanTransition(from, to models.ExceptionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves e to status to, stamping ResolvedAt for terminal statuses
func Transition(e *models.Exception, to models.ExceptionStatus, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return errors.InvalidTransitionError("exception", e.ID, string(e.Status), string(to))
	}
	e.Status = to
	e.LastEvaluatedAt = now
	if !to.IsOpen() {
		at := now
		e.ResolvedAt = &at
	}
	return nil
}

// Assign gives an open exception to an owner and puts it in review
func Assign(e *models.Exception, owner string, now time.Time) error {
	if owner == "" {
		return errors.ValidationError(errors.CodeMissingField, "owner", owner, nil)
	}
	if e.Status != models.ExceptionInReview {
		if err := Transition(e, models.ExceptionInReview, now); err != nil {
			return err
		}
	}
	e.AssignedOwner = owner
	e.LastEvaluatedAt = now
	return nil
}

// SortQueue orders exceptions for review: highest severity score first, then oldest, then by ID
func SortQueue(list []*models.Exception) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.SeverityScore != b.SeverityScore {
			return a.SeverityScore > b.SeverityScore
		}
		if a.AgeInDays != b.AgeInDays {
			return a.AgeInDays > b.AgeInDays
		}
		return a.ID < b.ID
	})
}
