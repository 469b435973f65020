package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

func sampleReport() *Report {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	completed := now.Add(2 * time.Second)

	run := &models.Run{
		ID:          "run-1",
		Scope:       "acme-us",
		Status:      models.RunCompleted,
		StartedAt:   now,
		CompletedAt: &completed,
		Stats: models.RunStats{
			Sources:          3,
			Ledgers:          3,
			Candidates:       5,
			AutoMatched:      1,
			Suggested:        1,
			ExceptionsOpened: 1,
			RuleHits:         map[string]int{"exact": 1},
		},
	}

	return &Report{
		Scope:       "acme-us",
		GeneratedAt: now,
		Ingest: []*reconciler.IngestResult{{
			Scope:    "acme-us",
			Received: 4,
			Sources:  3,
			Quarantined: []normalizer.Quarantined{{
				Index: 2,
				Raw: normalizer.RawRecord{
					Side:   models.SideSource,
					Fields: map[string]string{normalizer.FieldID: "src-bad"},
				},
				Error: errors.MalformedRecordError(errors.CodeInvalidAmount, "src-bad", "amount", "twelve", nil),
			}},
		}},
		Run: &reconciler.RunResult{
			Run: run,
			Matches: []*models.Match{
				{ID: "m-1", SourceID: "src-1", LedgerIDs: []string{"led-1"}, RuleID: "exact", Tier: 1, Confidence: 98, State: models.MatchActive, AcceptedBy: models.AcceptedByAuto},
				{ID: "m-2", SourceID: "src-2", LedgerIDs: []string{"led-2", "led-3"}, RuleID: "split", Tier: 5, Confidence: 72.5, State: models.MatchSuggested},
			},
			Duration: 2 * time.Second,
		},
		Summary: &reconciler.Summary{
			Scope:            "acme-us",
			SourceRecords:    3,
			LedgerRecords:    3,
			MatchedSources:   1,
			UnmatchedSources: 2,
			MatchedLedgers:   1,
			UnmatchedLedgers: 2,
			PendingReview:    1,
			MatchRate:        33.33,
			Totals: []reconciler.CurrencyTotals{{
				Currency:        "USD",
				SourceTotal:     decimal.RequireFromString("8700.00"),
				LedgerTotal:     decimal.RequireFromString("8650.00"),
				Difference:      decimal.RequireFromString("50.00"),
				UnmatchedSource: decimal.RequireFromString("300.00"),
				UnmatchedLedger: decimal.RequireFromString("250.00"),
			}},
			RuleHits: map[string]int{"exact": 1},
		},
		Exceptions: []*models.Exception{
			{ID: "exc-1", RecordID: "src-3", RecordSide: models.SideSource, Amount: 30000, Currency: "USD",
				ValueDate: now.AddDate(0, 0, -20), Status: models.ExceptionEscalated, Reason: models.ReasonNoCandidates,
				AgeInDays: 20, Severity: models.SeverityHigh},
			{ID: "exc-2", RecordID: "led-9", RecordSide: models.SideLedger, Amount: 1250, Currency: "USD",
				ValueDate: now.AddDate(0, 0, -2), Status: models.ExceptionNew, Reason: models.ReasonAmbiguous,
				Ambiguous: true, AgeInDays: 2, Severity: models.SeverityLow},
		},
	}
}

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{name: "default config", config: nil},
		{name: "valid config", config: DefaultReportConfig()},
		{name: "invalid format", config: &ReportConfig{Format: "xml"}, expectError: true},
		{name: "negative list limit", config: &ReportConfig{Format: FormatConsole, MaxListItems: -1}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if generator == nil {
				t.Errorf("expected generator but got nil")
			}
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if tt.format.IsValid() != tt.valid {
				t.Errorf("expected IsValid() = %v for format %s", tt.valid, tt.format)
			}
		})
	}
}

func TestConsoleOutputSections(t *testing.T) {
	config := DefaultReportConfig()
	config.IncludeMatches = true
	generator, err := NewReportGenerator(config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleReport(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := buf.String()

	expected := []string{
		"RECONCILIATION REPORT: acme-us",
		"Run: run-1 (completed)",
		"=== SUMMARY ===",
		"Matched:   1 (33.3%)",
		"Match Rate:     33.33%",
		"=== FINANCIAL SUMMARY ===",
		"Difference:       50.00",
		"=== MATCHES BY RULE ===",
		"exact:     1 (100.0%)",
		"=== MATCHES ===",
		"src-1 -> led-1, Rule: exact, Confidence: 98.00",
		"=== SUGGESTIONS AWAITING REVIEW ===",
		"src-2 -> led-2+led-3, Rule: split, Confidence: 72.50",
		"=== EXCEPTIONS ===",
		"HIGH Severity (1):",
		"source src-3: 300.00 USD, 20 days, escalated (no-candidates)",
		"ledger led-9: 12.50 USD, 2 days, new (ambiguous) [ambiguous]",
		"=== QUARANTINED RECORDS ===",
		`source record "src-bad"`,
		"=== RUN STATISTICS ===",
		"Auto-matched:         1",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("console output missing %q\n%s", want, output)
		}
	}

	if strings.Index(output, "HIGH Severity") > strings.Index(output, "LOW Severity") {
		t.Errorf("expected high severity exceptions before low severity ones")
	}
}

func TestConsoleOmitsDisabledSections(t *testing.T) {
	config := DefaultReportConfig()
	config.IncludeSuggestions = false
	config.IncludeQuarantine = false
	config.IncludeRunStats = false
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleReport(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := buf.String()

	for _, unwanted := range []string{"=== MATCHES ===", "SUGGESTIONS", "QUARANTINED", "RUN STATISTICS"} {
		if strings.Contains(output, unwanted) {
			t.Errorf("console output should not contain %q", unwanted)
		}
	}
}

func TestConsoleTruncatesLongLists(t *testing.T) {
	report := sampleReport()
	for i := 0; i < 5; i++ {
		report.Exceptions = append(report.Exceptions, &models.Exception{
			ID: "extra", RecordID: "led-x", RecordSide: models.SideLedger, Currency: "USD",
			Status: models.ExceptionNew, Severity: models.SeverityLow,
		})
	}

	config := DefaultReportConfig()
	config.MaxListItems = 2
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(report, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "... and 4 more") {
		t.Errorf("expected truncation line, got\n%s", buf.String())
	}
}

func TestJSONOutput(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleReport(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}

	if decoded["scope"] != "acme-us" {
		t.Errorf("expected scope acme-us, got %v", decoded["scope"])
	}
	if _, ok := decoded["matches"]; ok {
		t.Errorf("matches should be omitted when IncludeMatches is false")
	}
	suggestions, ok := decoded["suggestions"].([]interface{})
	if !ok || len(suggestions) != 1 {
		t.Errorf("expected one suggestion, got %v", decoded["suggestions"])
	}
	summary := decoded["summary"].(map[string]interface{})
	totals := summary["totals"].([]interface{})
	if totals[0].(map[string]interface{})["difference"] != "50" {
		t.Errorf("expected decimal difference encoded as string, got %v", totals[0])
	}
}

func TestCSVOutput(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatCSV
	config.IncludeMatches = true
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleReport(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV output: %v", err)
	}

	// header, 1 match, 1 suggestion, 2 exceptions, 1 quarantined
	if len(rows) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(rows))
	}
	if rows[0][0] != "Type" || len(rows[0]) != 13 {
		t.Errorf("unexpected header row %v", rows[0])
	}

	kinds := make(map[string]int)
	for _, row := range rows[1:] {
		if len(row) != len(rows[0]) {
			t.Errorf("row %v has %d columns, want %d", row, len(row), len(rows[0]))
		}
		kinds[row[0]]++
	}
	if kinds["Match"] != 1 || kinds["Suggestion"] != 1 || kinds["Exception"] != 2 || kinds["Quarantined"] != 1 {
		t.Errorf("unexpected row kinds %v", kinds)
	}

	if rows[2][3] != "led-2;led-3" {
		t.Errorf("expected split ledger IDs joined with ';', got %q", rows[2][3])
	}
	if rows[3][4] != "300.00" {
		t.Errorf("expected exception amount 300.00, got %q", rows[3][4])
	}
}

func TestCSVCustomDelimiterWithoutHeaders(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatCSV
	config.CSVDelimiter = ';'
	config.CSVHeaders = false
	config.IncludeQuarantine = false
	generator, _ := NewReportGenerator(config)

	var buf bytes.Buffer
	if err := generator.GenerateReport(sampleReport(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "Suggestion;m-2;") {
		t.Errorf("unexpected first line %q", lines[0])
	}
}

func TestEmptyReportHandling(t *testing.T) {
	report := &Report{
		Scope:   "empty",
		Summary: &reconciler.Summary{Scope: "empty"},
	}

	for _, format := range []OutputFormat{FormatConsole, FormatJSON, FormatCSV} {
		t.Run(string(format), func(t *testing.T) {
			config := DefaultReportConfig()
			config.Format = format
			generator, _ := NewReportGenerator(config)

			var buf bytes.Buffer
			if err := generator.GenerateReport(report, &buf); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if format == FormatConsole && !strings.Contains(buf.String(), "No records") {
				t.Errorf("expected empty totals notice, got\n%s", buf.String())
			}
		})
	}
}

func TestCalculatePercentage(t *testing.T) {
	tests := []struct {
		part, total int
		expected    float64
	}{
		{0, 0, 0},
		{1, 4, 25},
		{3, 3, 100},
	}
	for _, tt := range tests {
		if got := calculatePercentage(tt.part, tt.total); got != tt.expected {
			t.Errorf("calculatePercentage(%d, %d) = %v, want %v", tt.part, tt.total, got, tt.expected)
		}
	}
}

func TestUpdateConfiguration(t *testing.T) {
	generator, _ := NewReportGenerator(nil)

	if err := generator.UpdateConfiguration(&ReportConfig{Format: "bogus"}); err == nil {
		t.Errorf("expected error for invalid configuration")
	}

	next := DefaultReportConfig()
	next.Format = FormatJSON
	if err := generator.UpdateConfiguration(next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generator.GetConfiguration().Format != FormatJSON {
		t.Errorf("configuration was not updated")
	}
}

func TestSafeReportGeneratorValidation(t *testing.T) {
	generator, err := NewSafeReportGenerator(DefaultReportConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	err = generator.GenerateReportSafely(nil, &buf)
	if !errors.HasCode(err, errors.CodeMissingField) {
		t.Errorf("expected missing_field error, got %v", err)
	}

	err = generator.GenerateReportSafely(&Report{Scope: "acme-us"}, &buf)
	if !errors.HasCode(err, errors.CodeMissingField) {
		t.Errorf("expected missing_field error for report without data, got %v", err)
	}

	if _, err := NewSafeReportGenerator(&ReportConfig{Format: "pdf"}, logger.Discard()); !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Errorf("expected invalid_config error, got %v", err)
	}
}

func TestSafeReportGeneratorWriteToFile(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewSafeReportGenerator(config, logger.Discard())

	path := filepath.Join(t.TempDir(), "reports", "acme.json")
	if err := generator.WriteToFile(sampleReport(), path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("report file not written: %v", err)
	}
	if !json.Valid(data) {
		t.Errorf("report file is not valid JSON")
	}
}

func TestBackupPathFor(t *testing.T) {
	got := backupPathFor(filepath.Join("out", "report.csv"))
	if got != filepath.Join("out", "report_backup.csv") {
		t.Errorf("unexpected backup path %q", got)
	}
}
