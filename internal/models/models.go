package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecordSide distinguishes source-system records from ledger records
type RecordSide string

const (
	SideSource RecordSide = "source"
	SideLedger RecordSide = "ledger"
)

// IsValid checks if the side is known
func (s RecordSide) IsValid() bool {
	return s == SideSource || s == SideLedger
}

// RecordKind is the kind of source system a record came from
type RecordKind string

const (
	KindBank         RecordKind = "bank"
	KindIntercompany RecordKind = "intercompany"
	KindAR           RecordKind = "ar"
)

// IsValid checks if the record kind is known
func (k RecordKind) IsValid() bool {
	switch k {
	case KindBank, KindIntercompany, KindAR:
		return true
	default:
		return false
	}
}

// LedgerStatus tells whether a ledger item can still be matched
type LedgerStatus string

const (
	LedgerOpen   LedgerStatus = "open"
	LedgerClosed LedgerStatus = "closed"
)

// SourceRecord is a normalized bank line, intercompany transfer or AR receipt.
// Amount is in signed minor units of Currency. Source records are immutable once ingested.
type SourceRecord struct {
	ID           string     `json:"id"`
	Scope        string     `json:"scope"`
	Amount       int64      `json:"amount"`
	Currency     string     `json:"currency"`
	ValueDate    time.Time  `json:"value_date"`
	Counterparty string     `json:"counterparty"`
	Reference    string     `json:"reference,omitempty"`
	SourceSystem string     `json:"source_system"`
	Kind         RecordKind `json:"kind"`
	IngestedAt   time.Time  `json:"ingested_at"`
}

// Validate performs basic validation on the SourceRecord
func (r *SourceRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("source record ID cannot be empty")
	}
	if strings.TrimSpace(r.Scope) == "" {
		return fmt.Errorf("source record %s has no scope", r.ID)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("source record %s has invalid currency %q", r.ID, r.Currency)
	}
	if r.ValueDate.IsZero() {
		return fmt.Errorf("source record %s has no value date", r.ID)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("source record %s has invalid kind %q", r.ID, r.Kind)
	}
	return nil
}

// String returns a string representation of the SourceRecord
func (r *SourceRecord) String() string {
	return fmt.Sprintf("SourceRecord{ID: %s, Amount: %s, Date: %s, Counterparty: %q}",
		r.ID, FormatMinor(r.Amount, r.Currency), r.ValueDate.Format(DateLayout), r.Counterparty)
}

// LedgerRecord is a normalized GL line or open AR/AP item
type LedgerRecord struct {
	ID           string       `json:"id"`
	Scope        string       `json:"scope"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	ValueDate    time.Time    `json:"value_date"`
	Counterparty string       `json:"counterparty"`
	Reference    string       `json:"reference,omitempty"`
	AccountCode  string       `json:"account_code"`
	Status       LedgerStatus `json:"status"`
	SourceSystem string       `json:"source_system"`
	IngestedAt   time.Time    `json:"ingested_at"`
}

// Validate performs basic validation on the LedgerRecord
func (r *LedgerRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("ledger record ID cannot be empty")
	}
	if strings.TrimSpace(r.Scope) == "" {
		return fmt.Errorf("ledger record %s has no scope", r.ID)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("ledger record %s has invalid currency %q", r.ID, r.Currency)
	}
	if r.ValueDate.IsZero() {
		return fmt.Errorf("ledger record %s has no value date", r.ID)
	}
	if r.Status != LedgerOpen && r.Status != LedgerClosed {
		return fmt.Errorf("ledger record %s has invalid status %q", r.ID, r.Status)
	}
	return nil
}

// IsOpen reports whether the ledger record can take part in matching
func (r *LedgerRecord) IsOpen() bool {
	return r.Status == LedgerOpen
}

// String returns a string representation of the LedgerRecord
func (r *LedgerRecord) String() string {
	return fmt.Sprintf("LedgerRecord{ID: %s, Amount: %s, Date: %s, Account: %s}",
		r.ID, FormatMinor(r.Amount, r.Currency), r.ValueDate.Format(DateLayout), r.AccountCode)
}

// DateLayout is the canonical calendar-date layout
const DateLayout = "2006-01-02"

// DaysBetween returns the signed whole-day distance from a to b
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// AbsDays returns the unsigned whole-day distance between two dates
func AbsDays(a, b time.Time) int {
	d := DaysBetween(a, b)
	if d < 0 {
		return -d
	}
	return d
}

// Signals are the raw observations a rule made about a candidate pairing
type Signals struct {
	DateDiffDays     int     `json:"date_diff_days"`
	AmountDelta      int64   `json:"amount_delta"`
	AmountDeltaRatio float64 `json:"amount_delta_ratio"`
	NameSimilarity   float64 `json:"name_similarity"`
	ReferenceMatch   bool    `json:"reference_match"`
	HistoryHitRate   float64 `json:"history_hit_rate,omitempty"`
	HistorySamples   int     `json:"history_samples,omitempty"`
	LagDeviation     float64 `json:"lag_deviation,omitempty"`
	Parts            int     `json:"parts"`
}

// MatchCandidate is a proposed pairing produced by a rule. Candidates are never persisted.
type MatchCandidate struct {
	SourceID   string   `json:"source_id"`
	LedgerIDs  []string `json:"ledger_ids"`
	RuleID     string   `json:"rule_id"`
	Tier       int      `json:"tier"`
	RawScore   float64  `json:"raw_score"`
	Confidence float64  `json:"confidence"`
	Signals    Signals  `json:"signals"`
	Evidence   []string `json:"evidence,omitempty"`
}

// LedgerKey joins the candidate's ledger IDs in sorted order
func (c MatchCandidate) LedgerKey() string {
	return JoinIDs(c.LedgerIDs)
}

// PairKey identifies a (source, ledger set) pairing independent of ledger ID order
func PairKey(sourceID string, ledgerIDs []string) string {
	return sourceID + "=>" + JoinIDs(ledgerIDs)
}

// JoinIDs returns the IDs sorted and comma separated
func JoinIDs(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// SplitIDs is the inverse of JoinIDs
func SplitIDs(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

// MatchState is the lifecycle state of a match
type MatchState string

const (
	MatchSuggested MatchState = "suggested"
	MatchActive    MatchState = "active"
	MatchRejected  MatchState = "rejected"
	MatchReversed  MatchState = "reversed"
)

// Claims reports whether a match in this state holds its records exclusively
func (s MatchState) Claims() bool {
	return s == MatchSuggested || s == MatchActive
}

// AcceptedByAuto marks matches accepted by the engine rather than a reviewer
const AcceptedByAuto = "auto"

// RuleManual is the rule ID recorded on reviewer-created matches
const RuleManual = "manual"

// Match is a persisted pairing of one source record with one or more ledger records.
// A record takes part in at most one match whose state claims it.
type Match struct {
	ID         string     `json:"id"`
	Scope      string     `json:"scope"`
	SourceID   string     `json:"source_id"`
	LedgerIDs  []string   `json:"ledger_ids"`
	RuleID     string     `json:"rule_id"`
	Tier       int        `json:"tier"`
	Confidence float64    `json:"confidence"`
	State      MatchState `json:"state"`
	AcceptedBy string     `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RecordRefs lists every record the match touches
func (m *Match) RecordRefs() []RecordRef {
	refs := make([]RecordRef, 0, len(m.LedgerIDs)+1)
	refs = append(refs, RecordRef{Side: SideSource, ID: m.SourceID})
	for _, id := range m.LedgerIDs {
		refs = append(refs, RecordRef{Side: SideLedger, ID: id})
	}
	return refs
}

// Clone returns a deep copy
func (m *Match) Clone() *Match {
	c := *m
	c.LedgerIDs = append([]string(nil), m.LedgerIDs...)
	if m.AcceptedAt != nil {
		at := *m.AcceptedAt
		c.AcceptedAt = &at
	}
	return &c
}

// RecordRef names one record on one side
type RecordRef struct {
	Side RecordSide `json:"side"`
	ID   string     `json:"id"`
}

// Key returns a map key for the reference
func (r RecordRef) Key() string {
	return string(r.Side) + ":" + r.ID
}

// ExceptionStatus is the state of an exception in its aging workflow
type ExceptionStatus string

const (
	ExceptionNew            ExceptionStatus = "new"
	ExceptionInReview       ExceptionStatus = "in-review"
	ExceptionEscalated      ExceptionStatus = "escalated"
	ExceptionResolvedManual ExceptionStatus = "resolved-manual"
	ExceptionResolvedAuto   ExceptionStatus = "resolved-auto"
	ExceptionWrittenOff     ExceptionStatus = "written-off"
)

// IsOpen reports whether the exception still needs attention
func (s ExceptionStatus) IsOpen() bool {
	return s == ExceptionNew || s == ExceptionInReview || s == ExceptionEscalated
}

// OpenExceptionStatuses lists the non-terminal statuses
func OpenExceptionStatuses() []ExceptionStatus {
	return []ExceptionStatus{ExceptionNew, ExceptionInReview, ExceptionEscalated}
}

// ExceptionReason explains why a record is unmatched
type ExceptionReason string

const (
	ReasonNoCandidates   ExceptionReason = "no-candidates"
	ReasonClaimLost      ExceptionReason = "claim-lost"
	ReasonBelowThreshold ExceptionReason = "below-threshold"
	ReasonAmbiguous      ExceptionReason = "ambiguous"
	ReasonRejected       ExceptionReason = "rejected"
)

// Severity orders the review queue
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Exception tracks an unmatched record through its review workflow
type Exception struct {
	ID              string          `json:"id"`
	Scope           string          `json:"scope"`
	RecordID        string          `json:"record_id"`
	RecordSide      RecordSide      `json:"record_side"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	ValueDate       time.Time       `json:"value_date"`
	Status          ExceptionStatus `json:"status"`
	Reason          ExceptionReason `json:"reason"`
	Ambiguous       bool            `json:"ambiguous"`
	AgeInDays       int             `json:"age_in_days"`
	Severity        Severity        `json:"severity"`
	SeverityScore   float64         `json:"severity_score"`
	AssignedOwner   string          `json:"assigned_owner,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	LastEvaluatedAt time.Time       `json:"last_evaluated_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Ref returns the record the exception is about
func (e *Exception) Ref() RecordRef {
	return RecordRef{Side: e.RecordSide, ID: e.RecordID}
}

// Clone returns a deep copy
func (e *Exception) Clone() *Exception {
	c := *e
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// DecisionAction names what a decision log entry records
type DecisionAction string

const (
	ActionMatchAuto          DecisionAction = "match-auto"
	ActionMatchSuggested     DecisionAction = "match-suggested"
	ActionSuggestionAccepted DecisionAction = "suggestion-accepted"
	ActionSuggestionRejected DecisionAction = "suggestion-rejected"
	ActionManualMatch        DecisionAction = "manual-match"
	ActionMatchReversed      DecisionAction = "match-reversed"
	ActionExceptionEscalated DecisionAction = "exception-escalated"
	ActionExceptionAssigned  DecisionAction = "exception-assigned"
	ActionWriteOff           DecisionAction = "write-off"
)

// ActorSystem is recorded on decisions the engine makes on its own
const ActorSystem = "system"

// DecisionLogEntry is one immutable decision. Entries are chained per scope by hash.
type DecisionLogEntry struct {
	ID          string         `json:"id"`
	Scope       string         `json:"scope"`
	Sequence    int64          `json:"sequence"`
	Action      DecisionAction `json:"action"`
	MatchID     string         `json:"match_id,omitempty"`
	ExceptionID string         `json:"exception_id,omitempty"`
	SourceIDs   []string       `json:"source_ids,omitempty"`
	LedgerIDs   []string       `json:"ledger_ids,omitempty"`
	RuleID      string         `json:"rule_id,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Actor       string         `json:"actor"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RefersTo    string         `json:"refers_to,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// PairingStat accumulates how often a counterparty's records settled against a ledger account
type PairingStat struct {
	Scope        string `json:"scope"`
	Counterparty string `json:"counterparty"`
	AccountCode  string `json:"account_code"`
	Hits         int    `json:"hits"`
	LagDaySum    int    `json:"lag_day_sum"`
}

// AverageLag is the mean number of days between source and ledger value dates
func (p PairingStat) AverageLag() float64 {
	if p.Hits == 0 {
		return 0
	}
	return float64(p.LagDaySum) / float64(p.Hits)
}

// RejectedPair remembers a pairing a reviewer turned down so it is never suggested again
type RejectedPair struct {
	Scope     string    `json:"scope"`
	SourceID  string    `json:"source_id"`
	LedgerIDs []string  `json:"ledger_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the pair key of the rejected pairing
func (p RejectedPair) Key() string {
	return PairKey(p.SourceID, p.LedgerIDs)
}

// RunStatus is the state of an asynchronous reconciliation run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunStats counts what a run produced
type RunStats struct {
	Sources           int            `json:"sources"`
	Ledgers           int            `json:"ledgers"`
	Candidates        int            `json:"candidates"`
	AutoMatched       int            `json:"auto_matched"`
	Suggested         int            `json:"suggested"`
	ClaimConflicts    int            `json:"claim_conflicts"`
	Ambiguous         int            `json:"ambiguous"`
	ExceptionsOpened  int            `json:"exceptions_opened"`
	ExceptionsUpdated int            `json:"exceptions_updated"`
	Escalated         int            `json:"escalated"`
	AutoResolved      int            `json:"auto_resolved"`
	RuleHits          map[string]int `json:"rule_hits"`
}

// Run records one reconciliation run over a scope
type Run struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Status      RunStatus  `json:"status"`
	Retryable   bool       `json:"retryable"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats"`
}

// Clone returns a deep copy
func (r *Run) Clone() *Run {
	c := *r
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	if r.Stats.RuleHits != nil {
		c.Stats.RuleHits = make(map[string]int, len(r.Stats.RuleHits))
		for k, v := range r.Stats.RuleHits {
			c.Stats.RuleHits[k] = v
		}
	}
	return &c
}
