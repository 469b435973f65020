// Package resolver turns ranked match candidates into a final, conflict-free set of matches.
//
// Resolution is greedy and single-threaded: candidates are taken in tier order, then
// by confidence, and the first candidate whose records are all unclaimed wins. It is
// not an optimal global assignment. A source whose best candidates at one tier are
// too close to call is held back as ambiguous together with the tied ledger records.
package resolver

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ledger-recon-engine/internal/matcher"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// ClaimChecker reports records claimed outside the current resolution
type ClaimChecker interface {
	// ClaimedBy returns the ID of the match holding the record, or "" when it is free
	ClaimedBy(ref models.RecordRef) string
}

// ClaimSet is a ClaimChecker backed by a map of record keys to match IDs
type ClaimSet map[string]string

// ClaimedBy implements ClaimChecker
func (c ClaimSet) ClaimedBy(ref models.RecordRef) string {
	return c[ref.Key()]
}

// Config holds the thresholds the resolver applies
type Config struct {
	AutoAcceptThreshold float64
	SuggestThreshold    float64
	AmbiguityMargin     float64
}

// ConfigFrom takes the resolver thresholds from a matching configuration
func ConfigFrom(mc *matcher.MatchingConfig) Config {
	return Config{
		AutoAcceptThreshold: mc.AutoAcceptThreshold,
		SuggestThreshold:    mc.SuggestThreshold,
		AmbiguityMargin:     mc.AmbiguityMargin,
	}
}

// Input is everything one resolution needs
type Input struct {
	Scope      string
	RunID      string
	Candidates []models.MatchCandidate

	// SourceIDs and LedgerIDs are the unmatched records the candidates were drawn from
	SourceIDs []string
	LedgerIDs []string

	// Claims are checked just before a candidate is accepted; may be nil
	Claims ClaimChecker
}

// RejectedCandidate is a candidate that did not become a match
type RejectedCandidate struct {
	Candidate models.MatchCandidate  `json:"candidate"`
	Reason    models.ExceptionReason `json:"reason"`
}

// Unresolved is a record left without a match, with the reason it is unmatched
type Unresolved struct {
	Ref       models.RecordRef       `json:"ref"`
	Reason    models.ExceptionReason `json:"reason"`
	Ambiguous bool                   `json:"ambiguous"`
}

// Resolution is the outcome of one resolve step
type Resolution struct {
	Matches     []*models.Match
	Unresolved  []Unresolved
	Rejected    []RejectedCandidate
	Ambiguities []*errors.ReconcilerError
	Conflicts   []*errors.ReconcilerError
	RuleHits    map[string]int
}

// Resolver applies the greedy claim policy
type Resolver struct {
	config Config
	clock  func() time.Time
	newID  func() string
	logger logger.Logger
}

// Option customizes a Resolver
type Option func(*Resolver)

// WithClock sets the clock used for match timestamps
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) { r.clock = clock }
}

// WithIDGenerator sets the generator of match IDs
func WithIDGenerator(newID func() string) Option {
	return func(r *Resolver) { r.newID = newID }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver
func New(config Config, opts ...Option) *Resolver {
	r := &Resolver{
		config: config,
		clock:  time.Now,
		newID:  uuid.NewString,
		logger: logger.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("resolver")
	return r
}

// reasonRank orders reasons so the most specific one explains an unmatched record
var reasonRank = map[models.ExceptionReason]int{
	models.ReasonNoCandidates:   0,
	models.ReasonBelowThreshold: 1,
	models.ReasonClaimLost:      2,
	models.ReasonAmbiguous:      3,
}

type state struct {
	claimed map[string]bool
	held    map[string]bool
	reasons map[string]models.ExceptionReason
}

func (s *state) note(ref models.RecordRef, reason models.ExceptionReason) {
	key := ref.Key()
	if current, ok := s.reasons[key]; !ok || reasonRank[reason] > reasonRank[current] {
		s.reasons[key] = reason
	}
}

func (s *state) free(c models.MatchCandidate) bool {
	for _, ref := range candidateRefs(c) {
		if s.claimed[ref.Key()] || s.held[ref.Key()] {
			return false
		}
	}
	return true
}

// Resolve consolidates the candidates into matches. It never fails: conflicts and
// ambiguities are reported in the Resolution and leave the records unresolved.
func (r *Resolver) Resolve(in Input) *Resolution {
	candidates := make([]models.MatchCandidate, len(in.Candidates))
	copy(candidates, in.Candidates)
	matcher.SortCandidates(candidates)

	res := &Resolution{RuleHits: make(map[string]int)}
	st := &state{
		claimed: make(map[string]bool),
		held:    make(map[string]bool),
		reasons: make(map[string]models.ExceptionReason),
	}

	var viable []models.MatchCandidate
	for _, c := range candidates {
		if c.Confidence < r.config.SuggestThreshold {
			res.Rejected = append(res.Rejected, RejectedCandidate{Candidate: c, Reason: models.ReasonBelowThreshold})
			st.note(models.RecordRef{Side: models.SideSource, ID: c.SourceID}, models.ReasonBelowThreshold)
			continue
		}
		viable = append(viable, c)
	}

	groups := make(map[string][]int)
	for i, c := range viable {
		key := groupKey(c)
		groups[key] = append(groups[key], i)
	}
	checked := make(map[string]bool)
	now := r.clock().UTC()

	for _, c := range viable {
		if key := groupKey(c); !checked[key] {
			checked[key] = true
			if ambiguity := r.checkAmbiguity(viable, groups[key], st); ambiguity != nil {
				res.Ambiguities = append(res.Ambiguities, ambiguity)
			}
		}

		sourceRef := models.RecordRef{Side: models.SideSource, ID: c.SourceID}
		if !st.free(c) {
			reason := models.ReasonClaimLost
			if st.held[sourceRef.Key()] {
				reason = models.ReasonAmbiguous
			}
			res.Rejected = append(res.Rejected, RejectedCandidate{Candidate: c, Reason: reason})
			st.note(sourceRef, reason)
			continue
		}

		if conflict := r.externalConflict(c, in.Claims, st); conflict != nil {
			res.Conflicts = append(res.Conflicts, conflict)
			res.Rejected = append(res.Rejected, RejectedCandidate{Candidate: c, Reason: models.ReasonClaimLost})
			st.note(sourceRef, models.ReasonClaimLost)
			continue
		}

		for _, ref := range candidateRefs(c) {
			st.claimed[ref.Key()] = true
		}
		res.Matches = append(res.Matches, r.newMatch(in, c, now))
		res.RuleHits[c.RuleID]++
	}

	res.Unresolved = r.unresolved(in, st)

	r.logger.WithFields(logger.Fields{
		"scope":       in.Scope,
		"run_id":      in.RunID,
		"candidates":  len(candidates),
		"matches":     len(res.Matches),
		"unresolved":  len(res.Unresolved),
		"ambiguities": len(res.Ambiguities),
		"conflicts":   len(res.Conflicts),
	}).Debug("Resolved candidates")

	return res
}

// checkAmbiguity holds a source and its tied ledgers when the two best free candidates
// of one tier are within the ambiguity margin
func (r *Resolver) checkAmbiguity(viable []models.MatchCandidate, group []int, st *state) *errors.ReconcilerError {
	var free []models.MatchCandidate
	for _, i := range group {
		if st.free(viable[i]) {
			free = append(free, viable[i])
		}
	}
	if len(free) < 2 {
		return nil
	}

	top := free[0].Confidence
	spread := top - free[1].Confidence
	if spread > r.config.AmbiguityMargin {
		return nil
	}

	source := models.RecordRef{Side: models.SideSource, ID: free[0].SourceID}
	st.held[source.Key()] = true
	st.note(source, models.ReasonAmbiguous)

	var tied []string
	for _, c := range free {
		if top-c.Confidence > r.config.AmbiguityMargin {
			break
		}
		for _, id := range c.LedgerIDs {
			ref := models.RecordRef{Side: models.SideLedger, ID: id}
			if !st.held[ref.Key()] {
				st.held[ref.Key()] = true
				tied = append(tied, id)
			}
			st.note(ref, models.ReasonAmbiguous)
		}
	}
	sort.Strings(tied)

	return errors.AmbiguousMatchError(source.ID, free[0].Tier, tied, spread)
}

func (r *Resolver) externalConflict(c models.MatchCandidate, claims ClaimChecker, st *state) *errors.ReconcilerError {
	if claims == nil {
		return nil
	}
	for _, ref := range candidateRefs(c) {
		if by := claims.ClaimedBy(ref); by != "" {
			st.claimed[ref.Key()] = true
			return errors.ConcurrentClaimConflict(ref.Key(), by)
		}
	}
	return nil
}

func (r *Resolver) newMatch(in Input, c models.MatchCandidate, now time.Time) *models.Match {
	ledgerIDs := append([]string(nil), c.LedgerIDs...)
	sort.Strings(ledgerIDs)

	m := &models.Match{
		ID:         r.newID(),
		Scope:      in.Scope,
		SourceID:   c.SourceID,
		LedgerIDs:  ledgerIDs,
		RuleID:     c.RuleID,
		Tier:       c.Tier,
		Confidence: c.Confidence,
		State:      models.MatchSuggested,
		RunID:      in.RunID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.Confidence >= r.config.AutoAcceptThreshold {
		m.State = models.MatchActive
		m.AcceptedBy = models.AcceptedByAuto
		at := now
		m.AcceptedAt = &at
	}
	return m
}

func (r *Resolver) unresolved(in Input, st *state) []Unresolved {
	var out []Unresolved

	sourceIDs := append([]string(nil), in.SourceIDs...)
	sort.Strings(sourceIDs)
	for _, id := range sourceIDs {
		ref := models.RecordRef{Side: models.SideSource, ID: id}
		if st.claimed[ref.Key()] {
			continue
		}
		reason, ok := st.reasons[ref.Key()]
		if !ok {
			reason = models.ReasonNoCandidates
		}
		out = append(out, Unresolved{Ref: ref, Reason: reason, Ambiguous: st.held[ref.Key()]})
	}

	ledgerIDs := append([]string(nil), in.LedgerIDs...)
	sort.Strings(ledgerIDs)
	for _, id := range ledgerIDs {
		ref := models.RecordRef{Side: models.SideLedger, ID: id}
		if st.claimed[ref.Key()] {
			continue
		}
		reason, ok := st.reasons[ref.Key()]
		if !ok {
			reason = models.ReasonNoCandidates
		}
		out = append(out, Unresolved{Ref: ref, Reason: reason, Ambiguous: st.held[ref.Key()]})
	}
	return out
}

func groupKey(c models.MatchCandidate) string {
	return c.SourceID + "|" + strconv.Itoa(c.Tier)
}

func candidateRefs(c models.MatchCandidate) []models.RecordRef {
	refs := make([]models.RecordRef, 0, len(c.LedgerIDs)+1)
	refs = append(refs, models.RecordRef{Side: models.SideSource, ID: c.SourceID})
	for _, id := range c.LedgerIDs {
		refs = append(refs, models.RecordRef{Side: models.SideLedger, ID: id})
	}
	return refs
}
