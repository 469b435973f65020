// Package exceptions tracks unmatched records through their aging and review workflow.
//
// The tracker opens an exception once a record stays unmatched past a grace window,
// refreshes its age on every run, escalates it automatically after a fixed age and
// resolves it when a later run matches the record. Severity only orders the review
// queue; it never changes matching.
package exceptions

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// SeverityBands are the lower bounds, in major units times days, of each severity above low
type SeverityBands struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// Config holds exception aging parameters
type Config struct {
	// GraceDays is how long a record may stay unmatched before an exception opens
	GraceDays int `json:"grace_days" yaml:"grace_days"`

	// EscalationAgeDays is the age above which new and in-review exceptions escalate
	EscalationAgeDays int `json:"escalation_age_days" yaml:"escalation_age_days"`

	SeverityBands SeverityBands `json:"severity_bands" yaml:"severity_bands"`
}

// DefaultConfig returns the default aging parameters
func DefaultConfig() *Config {
	return &Config{
		GraceDays:         2,
		EscalationAgeDays: 14,
		SeverityBands: SeverityBands{
			Medium:   1000,
			High:     50000,
			Critical: 500000,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.GraceDays < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "grace_days", c.GraceDays, fmt.Errorf("cannot be negative"))
	}
	if c.EscalationAgeDays < 1 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "escalation_age_days", c.EscalationAgeDays, fmt.Errorf("must be positive"))
	}
	b := c.SeverityBands
	if b.Medium <= 0 || b.High <= b.Medium || b.Critical <= b.High {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "severity_bands", b, fmt.Errorf("bands must be positive and increasing"))
	}
	return nil
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Item is an unmatched record handed to the tracker after resolution
type Item struct {
	Ref       models.RecordRef
	Amount    int64
	Currency  string
	ValueDate time.Time
	Reason    models.ExceptionReason
	Ambiguous bool
}

// Outcome lists what one evaluation changed. Escalated and Resolved entries also
// appear in Opened or Updated where they were touched.
type Outcome struct {
	Opened    []*models.Exception
	Updated   []*models.Exception
	Escalated []*models.Exception
	Resolved  []*models.Exception
	Pending   []Item
}

// Changed returns every exception the evaluation created or modified
func (o *Outcome) Changed() []*models.Exception {
	out := make([]*models.Exception, 0, len(o.Opened)+len(o.Updated)+len(o.Resolved))
	out = append(out, o.Opened...)
	out = append(out, o.Updated...)
	out = append(out, o.Resolved...)
	return out
}

// Tracker evaluates exceptions of one scope at a time
type Tracker struct {
	config *Config
	clock  func() time.Time
	newID  func() string
	logger logger.Logger
}

// Option customizes a Tracker
type Option func(*Tracker)

// WithClock sets the clock ages are measured against
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithIDGenerator sets the generator of exception IDs
func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a Tracker; a nil config means DefaultConfig
func NewTracker(config *Config, opts ...Option) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	t := &Tracker{
		config: config,
		clock:  time.Now,
		newID:  uuid.NewString,
		logger: logger.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("exception_tracker")
	return t
}

// Evaluate reconciles the open exceptions of a scope with this run's unmatched items.
// Open exceptions whose record is now in an active match resolve automatically;
// open exceptions are re-aged and escalated; unmatched items past the grace window
// (or ambiguous ones, at once) open new exceptions. The inputs are not modified.
func (t *Tracker) Evaluate(scope string, open []*models.Exception, items []Item, matched map[string]bool) *Outcome {
	now := t.clock().UTC()
	out := &Outcome{}

	byRef := make(map[string]*models.Exception, len(open))
	for _, e := range open {
		if e.Status.IsOpen() {
			byRef[e.Ref().Key()] = e.Clone()
		}
	}

	for _, key := range sortedKeys(byRef) {
		e := byRef[key]
		if !matched[key] {
			continue
		}
		if err := Transition(e, models.ExceptionResolvedAuto, now); err == nil {
			out.Resolved = append(out.Resolved, e)
		}
		delete(byRef, key)
	}

	touched := make(map[string]bool)
	for _, item := range items {
		key := item.Ref.Key()
		if matched[key] {
			continue
		}
		age := AgeInDays(item.ValueDate, now)

		if e, ok := byRef[key]; ok {
			touched[key] = true
			e.Reason = item.Reason
			e.Ambiguous = item.Ambiguous
			t.refresh(e, age, now, out)
			out.Updated = append(out.Updated, e)
			continue
		}

		if age <= t.config.GraceDays && !item.Ambiguous {
			out.Pending = append(out.Pending, item)
			continue
		}

		e := &models.Exception{
			ID:         t.newID(),
			Scope:      scope,
			RecordID:   item.Ref.ID,
			RecordSide: item.Ref.Side,
			Amount:     item.Amount,
			Currency:   item.Currency,
			ValueDate:  item.ValueDate,
			Status:     models.ExceptionNew,
			Reason:     item.Reason,
			Ambiguous:  item.Ambiguous,
			OpenedAt:   now,
		}
		t.refresh(e, age, now, out)
		out.Opened = append(out.Opened, e)
	}

	for _, key := range sortedKeys(byRef) {
		if touched[key] {
			continue
		}
		e := byRef[key]
		t.refresh(e, AgeInDays(e.ValueDate, now), now, out)
		out.Updated = append(out.Updated, e)
	}

	if len(out.Opened)+len(out.Escalated)+len(out.Resolved) > 0 {
		t.logger.WithFields(logger.Fields{
			"scope":     scope,
			"opened":    len(out.Opened),
			"updated":   len(out.Updated),
			"escalated": len(out.Escalated),
			"resolved":  len(out.Resolved),
			"pending":   len(out.Pending),
		}).Info("Evaluated exceptions")
	}
	return out
}

// refresh recomputes age and severity and escalates when the exception is too old
func (t *Tracker) refresh(e *models.Exception, age int, now time.Time, out *Outcome) {
	e.AgeInDays = age
	e.SeverityScore = SeverityScore(e.Amount, e.Currency, age)
	e.Severity = t.Classify(e.SeverityScore)
	e.LastEvaluatedAt = now

	if age > t.config.EscalationAgeDays && (e.Status == models.ExceptionNew || e.Status == models.ExceptionInReview) {
		if err := Transition(e, models.ExceptionEscalated, now); err == nil {
			out.Escalated = append(out.Escalated, e)
		}
	}
}

// Classify maps a severity score onto a severity band
func (t *Tracker) Classify(score float64) models.Severity {
	b := t.config.SeverityBands
	switch {
	case score >= b.Critical:
		return models.SeverityCritical
	case score >= b.High:
		return models.SeverityHigh
	case score >= b.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// AgeInDays is the number of whole days since the value date, never negative
func AgeInDays(valueDate, now time.Time) int {
	if age := models.DaysBetween(valueDate, now); age > 0 {
		return age
	}
	return 0
}

// SeverityScore is |amount in major units| times max(age, 1)
func SeverityScore(amount int64, currency string, age int) float64 {
	if age < 1 {
		age = 1
	}
	major := models.MinorToDecimal(models.AbsMinor(amount), currency).InexactFloat64()
	return major * float64(age)
}

func sortedKeys(m map[string]*models.Exception) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
