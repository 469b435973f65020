// Package reporter renders reconciliation runs and scope summaries for the CLI.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per match, suggestion, exception or quarantined record
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(reporter.DefaultReportConfig())
//	report := &reporter.Report{Scope: "acme-us", Run: result, Summary: summary}
//	err = generator.GenerateReport(report, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/internal/reconciler"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format" yaml:"format"`

	IncludeMatches     bool `json:"include_matches" yaml:"include_matches"`
	IncludeSuggestions bool `json:"include_suggestions" yaml:"include_suggestions"`
	IncludeExceptions  bool `json:"include_exceptions" yaml:"include_exceptions"`
	IncludeQuarantine  bool `json:"include_quarantine" yaml:"include_quarantine"`
	IncludeRunStats    bool `json:"include_run_stats" yaml:"include_run_stats"`

	// MaxListItems truncates console lists; 0 means no limit
	MaxListItems int `json:"max_list_items" yaml:"max_list_items"`

	CSVDelimiter rune `json:"csv_delimiter" yaml:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" yaml:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:             FormatConsole,
		IncludeMatches:     false,
		IncludeSuggestions: true,
		IncludeExceptions:  true,
		IncludeQuarantine:  true,
		IncludeRunStats:    true,
		MaxListItems:       10,
		CSVDelimiter:       ',',
		CSVHeaders:         true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxListItems < 0 {
		return fmt.Errorf("max list items cannot be negative, got %d", c.MaxListItems)
	}
	return nil
}

// Report is everything one CLI invocation has to show
type Report struct {
	Scope       string                     `json:"scope"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Ingest      []*reconciler.IngestResult `json:"ingest,omitempty"`
	Run         *reconciler.RunResult      `json:"run,omitempty"`
	Summary     *reconciler.Summary        `json:"summary,omitempty"`

	// Exceptions is the scope's open review queue, most severe first
	Exceptions []*models.Exception `json:"exceptions,omitempty"`
}

// quarantined flattens the quarantine lists of every ingestion
func (r *Report) quarantined() []normalizer.Quarantined {
	var out []normalizer.Quarantined
	for _, in := range r.Ingest {
		out = append(out, in.Quarantined...)
	}
	return out
}

// matches splits the run's matches into active and suggested ones
func (r *Report) matches() (active, suggested []*models.Match) {
	if r.Run == nil {
		return nil, nil
	}
	for _, m := range r.Run.Matches {
		switch m.State {
		case models.MatchActive:
			active = append(active, m)
		case models.MatchSuggested:
			suggested = append(suggested, m)
		}
	}
	return active, suggested
}

// ReportGenerator generates reconciliation reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{config: config}, nil
}

// GenerateReport writes the report to the provided writer
func (rg *ReportGenerator) GenerateReport(report *Report, writer io.Writer) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(report, writer)
	case FormatJSON:
		return rg.generateJSONReport(report, writer)
	case FormatCSV:
		return rg.generateCSVReport(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(report *Report, writer io.Writer) error {
	fmt.Fprintf(writer, "RECONCILIATION REPORT: %s\n", report.Scope)
	fmt.Fprintf(writer, "Generated: %s\n", report.GeneratedAt.Format(time.RFC3339))
	if report.Run != nil {
		fmt.Fprintf(writer, "Run: %s (%s)\n", report.Run.Run.ID, report.Run.Run.Status)
		fmt.Fprintf(writer, "Processing Duration: %v\n", report.Run.Duration)
	}
	fmt.Fprintf(writer, "\n")

	if report.Summary != nil {
		fmt.Fprintf(writer, "=== SUMMARY ===\n")
		rg.printSummary(report.Summary, writer)
		fmt.Fprintf(writer, "\n")

		fmt.Fprintf(writer, "=== FINANCIAL SUMMARY ===\n")
		rg.printTotals(report.Summary.Totals, writer)
		fmt.Fprintf(writer, "\n")

		fmt.Fprintf(writer, "=== MATCHES BY RULE ===\n")
		rg.printRuleHits(report.Summary.RuleHits, writer)
		fmt.Fprintf(writer, "\n")
	}

	active, suggested := report.matches()
	if rg.config.IncludeMatches && len(active) > 0 {
		fmt.Fprintf(writer, "=== MATCHES ===\n")
		rg.printMatches(active, writer)
		fmt.Fprintf(writer, "\n")
	}
	if rg.config.IncludeSuggestions && len(suggested) > 0 {
		fmt.Fprintf(writer, "=== SUGGESTIONS AWAITING REVIEW ===\n")
		rg.printMatches(suggested, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeExceptions && len(report.Exceptions) > 0 {
		fmt.Fprintf(writer, "=== EXCEPTIONS ===\n")
		rg.printExceptions(report.Exceptions, writer)
		fmt.Fprintf(writer, "\n")
	}

	if quarantined := report.quarantined(); rg.config.IncludeQuarantine && len(quarantined) > 0 {
		fmt.Fprintf(writer, "=== QUARANTINED RECORDS ===\n")
		rg.printQuarantined(quarantined, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeRunStats && report.Run != nil {
		fmt.Fprintf(writer, "=== RUN STATISTICS ===\n")
		rg.printRunStats(report.Run, writer)
	}

	return nil
}

// generateJSONReport generates a structured JSON report
func (rg *ReportGenerator) generateJSONReport(report *Report, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rg.filterForOutput(report))
}

// generateCSVReport generates a CSV report with one row per item
func (rg *ReportGenerator) generateCSVReport(report *Report, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter
	defer csvWriter.Flush()

	if rg.config.CSVHeaders {
		headers := []string{
			"Type",
			"ID",
			"Source_ID",
			"Ledger_IDs",
			"Amount",
			"Currency",
			"Value_Date",
			"Status",
			"Rule",
			"Confidence",
			"Severity",
			"Age_Days",
			"Notes",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	active, suggested := report.matches()
	var rows [][]string
	if rg.config.IncludeMatches {
		for _, m := range active {
			rows = append(rows, matchRow("Match", m))
		}
	}
	if rg.config.IncludeSuggestions {
		for _, m := range suggested {
			rows = append(rows, matchRow("Suggestion", m))
		}
	}
	if rg.config.IncludeExceptions {
		for _, e := range report.Exceptions {
			source, ledger := "", ""
			if e.RecordSide == models.SideSource {
				source = e.RecordID
			} else {
				ledger = e.RecordID
			}
			rows = append(rows, []string{
				"Exception",
				e.ID,
				source,
				ledger,
				models.FormatMinor(e.Amount, e.Currency),
				e.Currency,
				e.ValueDate.Format("2006-01-02"),
				string(e.Status),
				"",
				"",
				string(e.Severity),
				fmt.Sprintf("%d", e.AgeInDays),
				string(e.Reason),
			})
		}
	}
	if rg.config.IncludeQuarantine {
		for _, q := range report.quarantined() {
			message := ""
			if q.Error != nil {
				message = q.Error.Error()
			}
			rows = append(rows, []string{
				"Quarantined",
				q.Raw.Fields[normalizer.FieldID],
				"", "", "", "", "",
				string(q.Raw.Side),
				"", "", "", "",
				message,
			})
		}
	}

	for _, row := range rows {
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}

func matchRow(kind string, m *models.Match) []string {
	return []string{
		kind,
		m.ID,
		m.SourceID,
		strings.Join(m.LedgerIDs, ";"),
		"", "", "",
		string(m.State),
		m.RuleID,
		fmt.Sprintf("%.2f", m.Confidence),
		"", "",
		m.AcceptedBy,
	}
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummary(summary *reconciler.Summary, writer io.Writer) {
	fmt.Fprintf(writer, "Source Records:\n")
	fmt.Fprintf(writer, "  Total:     %d\n", summary.SourceRecords)
	fmt.Fprintf(writer, "  Matched:   %d (%.1f%%)\n",
		summary.MatchedSources, calculatePercentage(summary.MatchedSources, summary.SourceRecords))
	fmt.Fprintf(writer, "  Unmatched: %d (%.1f%%)\n",
		summary.UnmatchedSources, calculatePercentage(summary.UnmatchedSources, summary.SourceRecords))

	fmt.Fprintf(writer, "\nLedger Records:\n")
	fmt.Fprintf(writer, "  Total:     %d\n", summary.LedgerRecords)
	fmt.Fprintf(writer, "  Matched:   %d (%.1f%%)\n",
		summary.MatchedLedgers, calculatePercentage(summary.MatchedLedgers, summary.LedgerRecords))
	fmt.Fprintf(writer, "  Unmatched: %d (%.1f%%)\n",
		summary.UnmatchedLedgers, calculatePercentage(summary.UnmatchedLedgers, summary.LedgerRecords))

	fmt.Fprintf(writer, "\nPending Review: %d\n", summary.PendingReview)
	fmt.Fprintf(writer, "Match Rate:     %.2f%%\n", summary.MatchRate)
}

func (rg *ReportGenerator) printTotals(totals []reconciler.CurrencyTotals, writer io.Writer) {
	if len(totals) == 0 {
		fmt.Fprintf(writer, "No records\n")
		return
	}
	for _, t := range totals {
		fmt.Fprintf(writer, "%s:\n", t.Currency)
		fmt.Fprintf(writer, "  Source Total:     %s\n", t.SourceTotal.StringFixed(2))
		fmt.Fprintf(writer, "  Ledger Total:     %s\n", t.LedgerTotal.StringFixed(2))
		fmt.Fprintf(writer, "  Difference:       %s\n", t.Difference.StringFixed(2))
		fmt.Fprintf(writer, "  Unmatched Source: %s\n", t.UnmatchedSource.StringFixed(2))
		fmt.Fprintf(writer, "  Unmatched Ledger: %s\n", t.UnmatchedLedger.StringFixed(2))
	}
}

func (rg *ReportGenerator) printRuleHits(hits map[string]int, writer io.Writer) {
	total := 0
	for _, n := range hits {
		total += n
	}
	if total == 0 {
		fmt.Fprintf(writer, "No active matches\n")
		return
	}

	rules := make([]string, 0, len(hits))
	for rule := range hits {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	for _, rule := range rules {
		fmt.Fprintf(writer, "%-10s %d (%.1f%%)\n", rule+":", hits[rule], calculatePercentage(hits[rule], total))
	}
}

func (rg *ReportGenerator) printMatches(matches []*models.Match, writer io.Writer) {
	sorted := make([]*models.Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	for i, m := range sorted {
		if rg.truncate(i, len(sorted), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. %s -> %s, Rule: %s, Confidence: %.2f\n",
			i+1, m.SourceID, strings.Join(m.LedgerIDs, "+"), m.RuleID, m.Confidence)
	}
}

func (rg *ReportGenerator) printExceptions(list []*models.Exception, writer io.Writer) {
	fmt.Fprintf(writer, "Open Exceptions: %d\n\n", len(list))

	groups := make(map[models.Severity][]*models.Exception)
	for _, e := range list {
		groups[e.Severity] = append(groups[e.Severity], e)
	}

	severities := []models.Severity{
		models.SeverityCritical,
		models.SeverityHigh,
		models.SeverityMedium,
		models.SeverityLow,
	}
	for _, severity := range severities {
		group := groups[severity]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(writer, "%s Severity (%d):\n", strings.ToUpper(string(severity)), len(group))
		for i, e := range group {
			if rg.truncate(i, len(group), writer) {
				break
			}
			flag := ""
			if e.Ambiguous {
				flag = " [ambiguous]"
			}
			fmt.Fprintf(writer, "  - %s %s: %s %s, %d days, %s (%s)%s\n",
				e.RecordSide, e.RecordID,
				models.FormatMinor(e.Amount, e.Currency), e.Currency,
				e.AgeInDays, e.Status, e.Reason, flag)
		}
		fmt.Fprintf(writer, "\n")
	}
}

func (rg *ReportGenerator) printQuarantined(list []normalizer.Quarantined, writer io.Writer) {
	fmt.Fprintf(writer, "Total Quarantined: %d\n", len(list))
	for i, q := range list {
		if rg.truncate(i, len(list), writer) {
			break
		}
		message := ""
		if q.Error != nil {
			message = q.Error.Message
		}
		fmt.Fprintf(writer, "  %d. %s record %q: %s\n", i+1, q.Raw.Side, q.Raw.Fields[normalizer.FieldID], message)
	}
}

func (rg *ReportGenerator) printRunStats(result *reconciler.RunResult, writer io.Writer) {
	stats := result.Run.Stats
	fmt.Fprintf(writer, "Sources Evaluated:    %d\n", stats.Sources)
	fmt.Fprintf(writer, "Ledgers Evaluated:    %d\n", stats.Ledgers)
	fmt.Fprintf(writer, "Candidates:           %d\n", stats.Candidates)
	fmt.Fprintf(writer, "Auto-matched:         %d\n", stats.AutoMatched)
	fmt.Fprintf(writer, "Suggested:            %d\n", stats.Suggested)
	fmt.Fprintf(writer, "Ambiguous:            %d\n", stats.Ambiguous)
	fmt.Fprintf(writer, "Claim Conflicts:      %d\n", stats.ClaimConflicts)
	fmt.Fprintf(writer, "Exceptions Opened:    %d\n", stats.ExceptionsOpened)
	fmt.Fprintf(writer, "Exceptions Escalated: %d\n", stats.Escalated)
	fmt.Fprintf(writer, "Exceptions Resolved:  %d\n", stats.AutoResolved)
	fmt.Fprintf(writer, "Decisions Logged:     %d\n", len(result.Decisions))
}

// truncate prints the overflow line and reports true once index i passes the list limit
func (rg *ReportGenerator) truncate(i, total int, writer io.Writer) bool {
	if rg.config.MaxListItems > 0 && i >= rg.config.MaxListItems {
		fmt.Fprintf(writer, "  ... and %d more\n", total-i)
		return true
	}
	return false
}

// Helper methods

func calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func (rg *ReportGenerator) filterForOutput(report *Report) map[string]interface{} {
	output := map[string]interface{}{
		"scope":        report.Scope,
		"generated_at": report.GeneratedAt,
	}
	if report.Summary != nil {
		output["summary"] = report.Summary
	}

	active, suggested := report.matches()
	if rg.config.IncludeMatches && active != nil {
		output["matches"] = active
	}
	if rg.config.IncludeSuggestions && suggested != nil {
		output["suggestions"] = suggested
	}
	if rg.config.IncludeExceptions && report.Exceptions != nil {
		output["exceptions"] = report.Exceptions
	}
	if quarantined := report.quarantined(); rg.config.IncludeQuarantine && quarantined != nil {
		output["quarantined"] = quarantined
	}
	if rg.config.IncludeRunStats && report.Run != nil {
		output["run"] = report.Run.Run
	}
	return output
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}

	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}
