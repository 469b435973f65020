// Package normalizer turns raw records from source systems and the ledger into
// typed records with exact minor-unit amounts and calendar value dates.
//
// Normalization is pure apart from the ingestion timestamp, which comes from an
// injectable clock. Rendering a normalized record and normalizing it again
// yields the same record.
package normalizer

import (
	"strings"
	"time"
	"unicode"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Canonical field names of a raw record
const (
	FieldID           = "id"
	FieldScope        = "scope"
	FieldAmount       = "amount"
	FieldCurrency     = "currency"
	FieldValueDate    = "value_date"
	FieldCounterparty = "counterparty"
	FieldReference    = "reference"
	FieldSourceSystem = "source_system"
	FieldKind         = "kind"
	FieldAccountCode  = "account_code"
	FieldStatus       = "status"
)

// RawRecord is an untyped record as received from a feed or file
type RawRecord struct {
	Side   models.RecordSide `json:"side"`
	Fields map[string]string `json:"fields"`
}

// Result holds exactly one of Source or Ledger, depending on Side
type Result struct {
	Side   models.RecordSide
	Source *models.SourceRecord
	Ledger *models.LedgerRecord
}

// Config controls how raw fields are interpreted
type Config struct {
	// DateLayouts are tried in order; the first that parses wins
	DateLayouts []string `json:"date_layouts" yaml:"date_layouts"`

	// ColumnAliases maps alternative field names onto canonical ones
	ColumnAliases map[string]string `json:"column_aliases" yaml:"column_aliases"`

	// DefaultCurrency applies when a record carries no currency; empty means required
	DefaultCurrency string `json:"default_currency" yaml:"default_currency"`

	// ReferencePrefixes are stripped from references when followed by a digit
	ReferencePrefixes []string `json:"reference_prefixes" yaml:"reference_prefixes"`
}

// DefaultConfig returns the layouts and aliases seen across common bank and GL exports
func DefaultConfig() *Config {
	return &Config{
		DateLayouts: []string{
			"2006-01-02",
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"01/02/2006",
			"02-Jan-2006",
			"Jan 2, 2006",
			"20060102",
		},
		ColumnAliases: map[string]string{
			"transaction_id":   FieldID,
			"trx_id":           FieldID,
			"record_id":        FieldID,
			"entry_id":         FieldID,
			"amt":              FieldAmount,
			"value":            FieldAmount,
			"ccy":              FieldCurrency,
			"date":             FieldValueDate,
			"posting_date":     FieldValueDate,
			"transaction_date": FieldValueDate,
			"payee":            FieldCounterparty,
			"payer":            FieldCounterparty,
			"name":             FieldCounterparty,
			"description":      FieldCounterparty,
			"from_entity":      FieldCounterparty,
			"ref":              FieldReference,
			"reference_number": FieldReference,
			"memo":             FieldReference,
			"source":           FieldSourceSystem,
			"account":          FieldAccountCode,
			"gl_account":       FieldAccountCode,
			"entity":           FieldScope,
		},
		ReferencePrefixes: []string{"REF", "INV", "TXN", "NO"},
	}
}

// Normalizer converts raw records into typed records
type Normalizer struct {
	config *Config
	clock  func() time.Time
	logger logger.Logger
}

// Option customizes a Normalizer
type Option func(*Normalizer)

// WithClock sets the clock used for ingestion timestamps
func WithClock(clock func() time.Time) Option {
	return func(n *Normalizer) { n.clock = clock }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// New creates a Normalizer; a nil config means DefaultConfig
func New(config *Config, opts ...Option) *Normalizer {
	if config == nil {
		config = DefaultConfig()
	}
	n := &Normalizer{
		config: config,
		clock:  time.Now,
		logger: logger.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithComponent("normalizer")
	return n
}

// Normalize converts one raw record. It fails with a malformed-record error when the
// amount, date or currency cannot be parsed or a required field is missing.
func (n *Normalizer) Normalize(raw RawRecord) (Result, error) {
	fields := n.canonicalFields(raw.Fields)

	id := fields[FieldID]
	if id == "" {
		return Result{}, errors.MalformedRecordError(errors.CodeMissingField, "", FieldID, "", nil)
	}
	scope := fields[FieldScope]
	if scope == "" {
		return Result{}, errors.MalformedRecordError(errors.CodeMissingField, id, FieldScope, "", nil)
	}

	currency := strings.ToUpper(fields[FieldCurrency])
	if currency == "" {
		currency = strings.ToUpper(n.config.DefaultCurrency)
	}
	if !isCurrencyCode(currency) {
		return Result{}, errors.MalformedRecordError(errors.CodeInvalidCurrency, id, FieldCurrency, fields[FieldCurrency], nil)
	}

	amount, err := ParseAmount(fields[FieldAmount], currency)
	if err != nil {
		return Result{}, errors.MalformedRecordError(errors.CodeInvalidAmount, id, FieldAmount, fields[FieldAmount], err)
	}

	valueDate, err := ParseDate(fields[FieldValueDate], n.config.DateLayouts)
	if err != nil {
		return Result{}, errors.MalformedRecordError(errors.CodeInvalidDate, id, FieldValueDate, fields[FieldValueDate], err)
	}

	counterparty := CollapseWhitespace(fields[FieldCounterparty])
	reference := NormalizeReference(fields[FieldReference], n.config.ReferencePrefixes)
	ingestedAt := n.clock().UTC()

	switch raw.Side {
	case models.SideSource:
		kind := models.RecordKind(strings.ToLower(fields[FieldKind]))
		if kind == "" {
			kind = models.KindBank
		}
		if !kind.IsValid() {
			return Result{}, errors.MalformedRecordError(errors.CodeMalformedRecord, id, FieldKind, fields[FieldKind], nil)
		}
		return Result{Side: models.SideSource, Source: &models.SourceRecord{
			ID:           id,
			Scope:        scope,
			Amount:       amount,
			Currency:     currency,
			ValueDate:    valueDate,
			Counterparty: counterparty,
			Reference:    reference,
			SourceSystem: fields[FieldSourceSystem],
			Kind:         kind,
			IngestedAt:   ingestedAt,
		}}, nil

	case models.SideLedger:
		status := models.LedgerStatus(strings.ToLower(fields[FieldStatus]))
		if status == "" {
			status = models.LedgerOpen
		}
		if status != models.LedgerOpen && status != models.LedgerClosed {
			return Result{}, errors.MalformedRecordError(errors.CodeMalformedRecord, id, FieldStatus, fields[FieldStatus], nil)
		}
		return Result{Side: models.SideLedger, Ledger: &models.LedgerRecord{
			ID:           id,
			Scope:        scope,
			Amount:       amount,
			Currency:     currency,
			ValueDate:    valueDate,
			Counterparty: counterparty,
			Reference:    reference,
			AccountCode:  strings.ToUpper(fields[FieldAccountCode]),
			Status:       status,
			SourceSystem: fields[FieldSourceSystem],
			IngestedAt:   ingestedAt,
		}}, nil

	default:
		return Result{}, errors.MalformedRecordError(errors.CodeMalformedRecord, id, "side", raw.Side, nil)
	}
}

// Render converts a normalized record back into canonical raw form
func Render(result Result) RawRecord {
	switch {
	case result.Source != nil:
		r := result.Source
		return RawRecord{Side: models.SideSource, Fields: map[string]string{
			FieldID:           r.ID,
			FieldScope:        r.Scope,
			FieldAmount:       models.FormatMinor(r.Amount, r.Currency),
			FieldCurrency:     r.Currency,
			FieldValueDate:    r.ValueDate.Format(models.DateLayout),
			FieldCounterparty: r.Counterparty,
			FieldReference:    r.Reference,
			FieldSourceSystem: r.SourceSystem,
			FieldKind:         string(r.Kind),
		}}
	case result.Ledger != nil:
		r := result.Ledger
		return RawRecord{Side: models.SideLedger, Fields: map[string]string{
			FieldID:           r.ID,
			FieldScope:        r.Scope,
			FieldAmount:       models.FormatMinor(r.Amount, r.Currency),
			FieldCurrency:     r.Currency,
			FieldValueDate:    r.ValueDate.Format(models.DateLayout),
			FieldCounterparty: r.Counterparty,
			FieldReference:    r.Reference,
			FieldSourceSystem: r.SourceSystem,
			FieldAccountCode:  r.AccountCode,
			FieldStatus:       string(r.Status),
		}}
	default:
		return RawRecord{}
	}
}

// Quarantined is a raw record that failed normalization
type Quarantined struct {
	Index int                     `json:"index"`
	Raw   RawRecord               `json:"raw"`
	Error *errors.ReconcilerError `json:"error"`
}

// Batch is the outcome of normalizing many raw records
type Batch struct {
	Sources     []*models.SourceRecord `json:"sources"`
	Ledgers     []*models.LedgerRecord `json:"ledgers"`
	Quarantined []Quarantined          `json:"quarantined"`
	Summary     *errors.ErrorSummary   `json:"summary"`
}

// NormalizeBatch normalizes every record; malformed ones are quarantined instead of failing the batch
func (n *Normalizer) NormalizeBatch(raws []RawRecord) *Batch {
	batch := &Batch{}
	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "normalize",
		Total:     int64(len(raws)),
		Logger:    n.logger,
	})

	var failures []*errors.ReconcilerError
	for i, raw := range raws {
		result, err := n.Normalize(raw)
		if err != nil {
			reconcilerErr := errors.WrapIfNeeded(err, errors.CategoryValidation, errors.CodeMalformedRecord, "malformed record")
			batch.Quarantined = append(batch.Quarantined, Quarantined{Index: i, Raw: raw, Error: reconcilerErr})
			failures = append(failures, reconcilerErr)
			tracker.Increment(true)
			continue
		}
		if result.Source != nil {
			batch.Sources = append(batch.Sources, result.Source)
		} else {
			batch.Ledgers = append(batch.Ledgers, result.Ledger)
		}
		tracker.Increment(false)
	}

	stats := tracker.Complete()
	batch.Summary = errors.NewErrorSummary(failures)
	if len(failures) > 0 {
		n.logger.WithFields(logger.Fields{
			"quarantined": len(failures),
			"processed":   stats.Current,
		}).Warn("Quarantined malformed records")
	}
	return batch
}

// canonicalFields lower-cases keys, trims values and resolves aliases. A canonical key wins over its aliases.
func (n *Normalizer) canonicalFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	aliased := make(map[string]string)
	for key, value := range in {
		k := strings.ToLower(strings.TrimSpace(key))
		v := strings.TrimSpace(value)
		if canonical, ok := n.config.ColumnAliases[k]; ok {
			if v != "" {
				aliased[canonical] = v
			}
			continue
		}
		out[k] = v
	}
	for k, v := range aliased {
		if out[k] == "" {
			out[k] = v
		}
	}
	return out
}

// CollapseWhitespace trims and collapses internal runs of whitespace to one space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeReference upper-cases a reference, drops separators and strips known prefixes
func NormalizeReference(ref string, prefixes []string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(ref) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	s := b.String()

	for stripped := true; stripped; {
		stripped = false
		for _, p := range prefixes {
			p = strings.ToUpper(p)
			if len(s) > len(p) && strings.HasPrefix(s, p) && unicode.IsDigit(rune(s[len(p)])) {
				s = s[len(p):]
				stripped = true
			}
		}
	}
	return s
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
