// Package generator synthesizes seeded source and ledger feeds for demos, load
// runs and end-to-end tests. Every source record is generated for a known
// scenario, so a run over the output can be scored against the expectation.
package generator

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/pkg/errors"
)

// Scenario is the relationship a generated source record has with the ledger
type Scenario string

const (
	ScenarioExact     Scenario = "exact"
	ScenarioReference Scenario = "reference"
	ScenarioFuzzy     Scenario = "fuzzy"
	ScenarioSplit     Scenario = "split"
	ScenarioUnmatched Scenario = "unmatched"
	ScenarioMalformed Scenario = "malformed"
)

// Scenarios lists every scenario in generation order
func Scenarios() []Scenario {
	return []Scenario{ScenarioExact, ScenarioReference, ScenarioFuzzy, ScenarioSplit, ScenarioUnmatched, ScenarioMalformed}
}

// ExpectedRule returns the rule that should settle the scenario, or "" when nothing should
func (s Scenario) ExpectedRule() string {
	switch s {
	case ScenarioExact, ScenarioReference, ScenarioFuzzy, ScenarioSplit:
		return string(s)
	default:
		return ""
	}
}

// Mix weighs how often each scenario is drawn
type Mix map[Scenario]int

// DefaultMix is weighted towards clean matches, as real feeds are
func DefaultMix() Mix {
	return Mix{
		ScenarioExact:     50,
		ScenarioReference: 15,
		ScenarioFuzzy:     10,
		ScenarioSplit:     10,
		ScenarioUnmatched: 10,
		ScenarioMalformed: 5,
	}
}

// Config controls a generation run
type Config struct {
	Scope     string    `json:"scope" yaml:"scope"`
	Currency  string    `json:"currency" yaml:"currency"`
	Count     int       `json:"count" yaml:"count"`
	Seed      int64     `json:"seed" yaml:"seed"`
	StartDate time.Time `json:"start_date" yaml:"start_date"`
	Days      int       `json:"days" yaml:"days"`
	Mix       Mix       `json:"mix" yaml:"mix"`

	// OrphanRate is the share of unmatched sources that also get an unrelated ledger entry
	OrphanRate float64 `json:"orphan_rate" yaml:"orphan_rate"`
}

// DefaultConfig returns a small reproducible data set
func DefaultConfig() *Config {
	return &Config{
		Scope:      "demo",
		Currency:   "USD",
		Count:      100,
		Seed:       1,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Days:       30,
		Mix:        DefaultMix(),
		OrphanRate: 0.5,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scope) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "scope", c.Scope, nil)
	}
	if len(c.Currency) != 3 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "currency", c.Currency,
			fmt.Errorf("currency must be a three-letter code"))
	}
	if c.Count <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "count", c.Count,
			fmt.Errorf("count must be positive"))
	}
	if c.Days <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "days", c.Days,
			fmt.Errorf("days must be positive"))
	}
	if c.OrphanRate < 0 || c.OrphanRate > 1 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "orphan_rate", c.OrphanRate,
			fmt.Errorf("orphan_rate must be between 0 and 1"))
	}
	total := 0
	for s, w := range c.Mix {
		if s.ExpectedRule() == "" && s != ScenarioUnmatched && s != ScenarioMalformed {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "mix", string(s),
				fmt.Errorf("unknown scenario %q", s))
		}
		if w < 0 {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "mix", w,
				fmt.Errorf("weight of %s must not be negative", s))
		}
		total += w
	}
	if total == 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "mix", total,
			fmt.Errorf("at least one scenario needs a positive weight"))
	}
	return nil
}

// Expectation records what a run should decide for one generated source record
type Expectation struct {
	SourceID  string   `json:"source_id"`
	Scenario  Scenario `json:"scenario"`
	LedgerIDs []string `json:"ledger_ids,omitempty"`
}

// Dataset is the output of a generation run
type Dataset struct {
	Sources  []normalizer.RawRecord `json:"sources"`
	Ledgers  []normalizer.RawRecord `json:"ledgers"`
	Expected []Expectation          `json:"expected"`
}

// Counts returns the number of source records generated per scenario
func (d *Dataset) Counts() map[Scenario]int {
	counts := make(map[Scenario]int)
	for _, e := range d.Expected {
		counts[e.Scenario]++
	}
	return counts
}

var counterparties = []string{
	"Acme Holdings", "Globex", "Initech", "Umbrella Trading", "Stark Industries",
	"Wayne Enterprises", "Hooli", "Vandelay Imports", "Soylent Foods", "Wonka Confections",
	"Cyberdyne Systems", "Tyrell Manufacturing", "Oscorp", "Aperture Labs", "Gringotts Partners",
}

var accountCodes = []string{"1010", "1200", "2100", "4000", "6100"}

// generator carries the state of one run; amounts stay unique per source index so
// that scenarios do not collide with each other
type generator struct {
	config *Config
	rng    *rand.Rand
	out    *Dataset
	ledger int
}

// Generate builds a data set. The same configuration always yields the same data.
func Generate(config *Config) (*Dataset, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	g := &generator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		out:    &Dataset{},
	}
	pick := newPicker(config.Mix)

	for i := 0; i < config.Count; i++ {
		scenario := pick(g.rng)
		g.source(i, scenario)
	}
	return g.out, nil
}

func (g *generator) source(i int, scenario Scenario) {
	id := fmt.Sprintf("src-%06d", i+1)
	date := g.config.StartDate.AddDate(0, 0, g.rng.Intn(g.config.Days))
	amount := int64(i+1)*100000 + g.rng.Int63n(99999) + 1
	name := counterparties[g.rng.Intn(len(counterparties))]

	src := g.record(models.SideSource, id, amount, date, name, "")
	src.Fields[normalizer.FieldKind] = string(models.KindBank)
	src.Fields[normalizer.FieldSourceSystem] = "bank-feed"

	exp := Expectation{SourceID: id, Scenario: scenario}

	switch scenario {
	case ScenarioExact:
		l := g.ledgerRecord(amount, date.AddDate(0, 0, g.rng.Intn(2)), name, "")
		exp.LedgerIDs = []string{l.Fields[normalizer.FieldID]}

	case ScenarioReference:
		ref := fmt.Sprintf("INV-%06d", g.rng.Intn(900000)+100000)
		src.Fields[normalizer.FieldReference] = ref
		// the bank nets a fee and books a few days late
		fee := int64(g.rng.Intn(4000) + 1500)
		l := g.ledgerRecord(amount+fee, date.AddDate(0, 0, g.rng.Intn(6)), "Wire transfer", ref)
		exp.LedgerIDs = []string{l.Fields[normalizer.FieldID]}

	case ScenarioFuzzy:
		delta := amount / 500
		if delta == 0 {
			delta = 1
		}
		variant := strings.ToUpper(name) + " Inc."
		l := g.ledgerRecord(amount-delta, date.AddDate(0, 0, g.rng.Intn(3)), variant, "")
		exp.LedgerIDs = []string{l.Fields[normalizer.FieldID]}

	case ScenarioSplit:
		parts := 2 + g.rng.Intn(2)
		remaining := amount
		for p := 0; p < parts; p++ {
			part := remaining
			if p < parts-1 {
				part = remaining * int64(40+g.rng.Intn(20)) / 100
			}
			remaining -= part
			l := g.ledgerRecord(part, date, name, "")
			exp.LedgerIDs = append(exp.LedgerIDs, l.Fields[normalizer.FieldID])
		}
		sort.Strings(exp.LedgerIDs)

	case ScenarioUnmatched:
		if g.rng.Float64() < g.config.OrphanRate {
			// an orphan far from any generated amount
			g.ledgerRecord(-amount, date, "Suspense", "")
		}

	case ScenarioMalformed:
		if g.rng.Intn(2) == 0 {
			src.Fields[normalizer.FieldAmount] = "n/a"
		} else {
			src.Fields[normalizer.FieldValueDate] = "2024-13-45"
		}
	}

	g.out.Sources = append(g.out.Sources, src)
	g.out.Expected = append(g.out.Expected, exp)
}

func (g *generator) ledgerRecord(amount int64, date time.Time, counterparty, ref string) normalizer.RawRecord {
	g.ledger++
	l := g.record(models.SideLedger, fmt.Sprintf("gl-%06d", g.ledger), amount, date, counterparty, ref)
	l.Fields[normalizer.FieldAccountCode] = accountCodes[g.rng.Intn(len(accountCodes))]
	l.Fields[normalizer.FieldSourceSystem] = "erp"
	g.out.Ledgers = append(g.out.Ledgers, l)
	return l
}

func (g *generator) record(side models.RecordSide, id string, amount int64, date time.Time, counterparty, ref string) normalizer.RawRecord {
	return normalizer.RawRecord{Side: side, Fields: map[string]string{
		normalizer.FieldID:           id,
		normalizer.FieldScope:        g.config.Scope,
		normalizer.FieldAmount:       models.FormatMinor(amount, g.config.Currency),
		normalizer.FieldCurrency:     g.config.Currency,
		normalizer.FieldValueDate:    date.Format(models.DateLayout),
		normalizer.FieldCounterparty: counterparty,
		normalizer.FieldReference:    ref,
	}}
}

// newPicker draws scenarios by weight in a fixed scenario order
func newPicker(mix Mix) func(*rand.Rand) Scenario {
	var order []Scenario
	var cumulative []int
	total := 0
	for _, s := range Scenarios() {
		if w := mix[s]; w > 0 {
			total += w
			order = append(order, s)
			cumulative = append(cumulative, total)
		}
	}
	return func(rng *rand.Rand) Scenario {
		n := rng.Intn(total)
		idx := sort.SearchInts(cumulative, n+1)
		return order[idx]
	}
}
