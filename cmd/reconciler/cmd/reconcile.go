package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-recon-engine/cmd/reconciler/config"
	"ledger-recon-engine/internal/matcher"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/internal/reporter"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// maxReportedExceptions bounds the open exceptions loaded into one report
const maxReportedExceptions = 500

// reconcileCmd represents the run command
var reconcileCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"reconcile"},
	Short:   "Ingest source and ledger files and run one reconciliation",
	Long: `Run ingests source and ledger record files into a scope, runs the tiered
matching rules over everything still unmatched, and reports matches,
suggestions awaiting review, aging exceptions and quarantined records.

Files are CSV (with a header row) or JSON arrays; the extension decides.
With --db the scope's state persists between runs, so later files are matched
against the earlier backlog.

Examples:
  # Basic run against in-memory storage
  reconciler run --scope acme-us --source-files bank.csv --ledger-files gl.csv

  # Persisted scope with several feeds and JSON output
  reconciler run --scope acme-us --db recon.db \
    --source-files bank.csv,stripe.json --ledger-files gl.csv \
    --output-format json --output-file report.json

  # Tighter policy for this run
  reconciler run --scope acme-us --source-files bank.csv --ledger-files gl.csv \
    --date-window 1 --auto-accept 95 --rules exact,reference

  # Re-run over the stored backlog without new files
  reconciler run --scope acme-us --db recon.db`,

	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

// reconcileOptions holds the resolved flag values of one run
type reconcileOptions struct {
	Scope          string
	SourceFiles    []string
	LedgerFiles    []string
	OutputFormat   string
	OutputFile     string
	IncludeMatches bool
	ShowProgress   bool
	LockTimeout    time.Duration
	BatchSize      int
	Overrides      config.PolicyOverrides
}

var runOpts reconcileOptions

func init() {
	rootCmd.AddCommand(reconcileCmd)

	flags := reconcileCmd.Flags()
	flags.StringP("scope", "s", "", "reconciliation scope, e.g. an entity or account (required)")
	flags.StringSlice("source-files", []string{}, "comma-separated source record files (bank, processor, intercompany)")
	flags.StringSlice("ledger-files", []string{}, "comma-separated ledger record files")

	flags.StringP("output-format", "f", "console", "output format: console, json, csv")
	flags.StringP("output-file", "o", "", "output file path (default: stdout)")
	flags.Bool("include-matches", false, "list active matches in the report")
	flags.Bool("progress", false, "show progress indicators")
	flags.Duration("lock-timeout", 0, "wait for a busy scope before failing (default 5s)")
	flags.Int("batch-size", normalizer.DefaultBatchSize, "records read and ingested per batch")

	flags.Int("date-window", 0, "value-date window in days for exact and split matches")
	flags.Float64("fuzzy-tolerance", 0, "fuzzy amount tolerance percentage (0.0-100.0)")
	flags.Float64("auto-accept", 0, "confidence at which matches are accepted without review")
	flags.Float64("suggest", 0, "confidence below which candidates are dropped")
	flags.StringSlice("rules", []string{}, "rules to run: exact, reference, fuzzy, pattern, split (default all)")
	flags.Int("grace-days", 0, "days a record may stay unmatched before an exception opens")
	flags.Int("escalation-age", 0, "exception age in days that triggers escalation")

	for _, name := range []string{
		"scope", "source-files", "ledger-files", "output-format", "output-file",
		"include-matches", "progress", "lock-timeout", "batch-size", "date-window", "fuzzy-tolerance",
		"auto-accept", "suggest", "rules", "grace-days", "escalation-age",
	} {
		viper.BindPFlag("run."+name, flags.Lookup(name))
	}
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	opts, err := resolveReconcileOptions()
	if err != nil {
		return err
	}

	for i, file := range opts.SourceFiles {
		if err := validateFileExists(file, fmt.Sprintf("source file %d", i+1)); err != nil {
			return err
		}
	}
	for i, file := range opts.LedgerFiles {
		if err := validateFileExists(file, fmt.Sprintf("ledger file %d", i+1)); err != nil {
			return err
		}
	}

	if opts.OutputFile != "" {
		dir := filepath.Dir(opts.OutputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return errors.ValidationError(errors.CodeInvalidRequest, "output-file", opts.OutputFile, err).
					WithSuggestion(fmt.Sprintf("Create the output directory %s first", dir))
			}
		}
	}

	runOpts = opts
	return nil
}

// resolveReconcileOptions reads the run flags through viper so config files and env can supply them
func resolveReconcileOptions() (reconcileOptions, error) {
	opts := reconcileOptions{
		Scope:          strings.TrimSpace(viper.GetString("run.scope")),
		SourceFiles:    viper.GetStringSlice("run.source-files"),
		LedgerFiles:    viper.GetStringSlice("run.ledger-files"),
		OutputFormat:   viper.GetString("run.output-format"),
		OutputFile:     viper.GetString("run.output-file"),
		IncludeMatches: viper.GetBool("run.include-matches"),
		ShowProgress:   viper.GetBool("run.progress"),
		LockTimeout:    viper.GetDuration("run.lock-timeout"),
		BatchSize:      viper.GetInt("run.batch-size"),
	}

	if opts.Scope == "" {
		return opts, errors.ValidationError(errors.CodeMissingField, "scope", nil, nil).
			WithSuggestion("Pass --scope, e.g. --scope acme-us")
	}
	if !reporter.OutputFormat(opts.OutputFormat).IsValid() {
		return opts, errors.ValidationError(errors.CodeInvalidRequest, "output-format", opts.OutputFormat, nil).
			WithSuggestion("Valid formats: console, json, csv")
	}
	if opts.LockTimeout < 0 {
		return opts, errors.ValidationError(errors.CodeInvalidRequest, "lock-timeout", opts.LockTimeout, nil)
	}
	if opts.BatchSize < 0 {
		return opts, errors.ValidationError(errors.CodeInvalidRequest, "batch-size", opts.BatchSize, fmt.Errorf("cannot be negative"))
	}

	if viper.IsSet("run.date-window") {
		v := viper.GetInt("run.date-window")
		if v < 0 {
			return opts, errors.ValidationError(errors.CodeInvalidRequest, "date-window", v, fmt.Errorf("cannot be negative"))
		}
		opts.Overrides.DateWindowDays = &v
	}
	if viper.IsSet("run.fuzzy-tolerance") {
		v := viper.GetFloat64("run.fuzzy-tolerance")
		if v < 0 || v > 100 {
			return opts, errors.ValidationError(errors.CodeInvalidRequest, "fuzzy-tolerance", v, fmt.Errorf("must be between 0.0 and 100.0"))
		}
		opts.Overrides.FuzzyTolerance = &v
	}
	if viper.IsSet("run.auto-accept") {
		v := viper.GetFloat64("run.auto-accept")
		opts.Overrides.AutoAcceptThreshold = &v
	}
	if viper.IsSet("run.suggest") {
		v := viper.GetFloat64("run.suggest")
		opts.Overrides.SuggestThreshold = &v
	}
	if viper.IsSet("run.grace-days") {
		v := viper.GetInt("run.grace-days")
		opts.Overrides.GraceDays = &v
	}
	if viper.IsSet("run.escalation-age") {
		v := viper.GetInt("run.escalation-age")
		opts.Overrides.EscalationAgeDays = &v
	}
	for _, rule := range viper.GetStringSlice("run.rules") {
		rule = strings.ToLower(strings.TrimSpace(rule))
		if matcher.TierOf(rule) == 0 {
			return opts, errors.ValidationError(errors.CodeInvalidRequest, "rules", rule, nil).
				WithSuggestion("Valid rules: " + strings.Join(matcher.AllRules(), ", "))
		}
		opts.Overrides.EnabledRules = append(opts.Overrides.EnabledRules, rule)
	}

	return opts, nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return errors.ValidationError(errors.CodeMissingField, description, nil, nil)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return errors.ValidationError(errors.CodeInvalidRequest, description, filePath, err).
			WithSuggestion("Check if the file path is correct and the file exists")
	}
	if err != nil {
		return errors.ValidationError(errors.CodeInvalidRequest, description, filePath, err)
	}

	if info.IsDir() {
		return errors.ValidationError(errors.CodeInvalidRequest, description, filePath, fmt.Errorf("is a directory")).
			WithSuggestion("Pass a file, not a directory")
	}

	file, err := os.Open(filePath)
	if err != nil {
		return errors.ValidationError(errors.CodeInvalidRequest, description, filePath, err).
			WithSuggestion("Check file permissions")
	}
	file.Close()

	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runOpts
	log := logger.GetGlobalLogger().WithComponent("cli").WithScope(opts.Scope)

	var serviceOpts []reconciler.Option
	if opts.ShowProgress {
		serviceOpts = append(serviceOpts, reconciler.WithProgressCallback(func(p reconciler.RunProgress) {
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %-10s (%.1f%% complete)",
				p.CompletedSteps, p.TotalSteps, p.Step, p.PercentComplete)
		}))
	}

	service, repo, err := openService(ctx, log, opts.LockTimeout, serviceOpts...)
	if err != nil {
		return err
	}
	defer repo.Close()
	defer service.Close()

	report, err := reconcileScope(ctx, service, opts, log)
	if opts.ShowProgress {
		fmt.Fprintf(os.Stderr, "\n")
	}
	if err != nil {
		return err
	}

	reportConfig, err := config.CreateReportConfig(opts.OutputFormat, opts.IncludeMatches)
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, log)
	if err != nil {
		return err
	}

	if opts.OutputFile != "" {
		err = generator.WriteToFile(report, opts.OutputFile)
	} else {
		err = generator.GenerateReportSafely(report, cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}

	if viper.GetBool("verbose") && report.Summary != nil {
		s := report.Summary
		fmt.Fprintf(os.Stderr, "\nReconciliation completed for scope %s.\n", opts.Scope)
		fmt.Fprintf(os.Stderr, "Matched %d/%d source records and %d/%d ledger records (%.2f%%).\n",
			s.MatchedSources, s.SourceRecords, s.MatchedLedgers, s.LedgerRecords, s.MatchRate)
		fmt.Fprintf(os.Stderr, "%d suggestions await review, %d exceptions are open.\n",
			s.PendingReview, len(report.Exceptions))
		fmt.Fprintf(os.Stderr, "Processing time: %v\n", report.Run.Duration)
	}
	return nil
}

// reconcileScope ingests the run's files, applies policy overrides and runs the engine once
func reconcileScope(ctx context.Context, service *reconciler.Service, opts reconcileOptions, log logger.Logger) (*reporter.Report, error) {
	if !opts.Overrides.IsEmpty() {
		policy, err := config.ApplyOverrides(service.Policy(opts.Scope), opts.Overrides)
		if err != nil {
			return nil, err
		}
		if err := service.SetPolicy(ctx, opts.Scope, policy); err != nil {
			return nil, err
		}
		log.WithField("matching", policy.Matching.String()).Debug("Applied command-line policy overrides")
	}

	report := &reporter.Report{Scope: opts.Scope}

	inputs := []struct {
		side  models.RecordSide
		files []string
	}{
		{models.SideSource, opts.SourceFiles},
		{models.SideLedger, opts.LedgerFiles},
	}
	for _, input := range inputs {
		for _, file := range input.files {
			result, err := ingestFile(ctx, service, opts.Scope, input.side, file, opts.BatchSize)
			if err != nil {
				return nil, err
			}
			log.WithFields(logger.Fields{
				"file":        file,
				"side":        input.side,
				"received":    result.Received,
				"quarantined": len(result.Quarantined),
			}).Info("Ingested records")
			report.Ingest = append(report.Ingest, result)
		}
	}

	run, err := service.Reconcile(ctx, opts.Scope)
	if err != nil {
		return nil, err
	}
	report.Run = run

	summary, err := service.Summary(ctx, opts.Scope)
	if err != nil {
		return nil, err
	}
	report.Summary = summary
	report.GeneratedAt = summary.GeneratedAt

	open, _, err := service.ListExceptions(ctx, opts.Scope, models.OpenExceptionStatuses(),
		reconciler.Page{Number: 1, Size: maxReportedExceptions})
	if err != nil {
		return nil, err
	}
	report.Exceptions = open

	return report, nil
}

// ingestFile streams a file into the scope batch by batch and folds the batch results together
func ingestFile(ctx context.Context, service *reconciler.Service, scope string, side models.RecordSide, path string, batchSize int) (*reconciler.IngestResult, error) {
	readerConfig := normalizer.DefaultReaderConfig()
	readerConfig.Defaults = map[string]string{normalizer.FieldScope: scope}

	total := &reconciler.IngestResult{Scope: scope}
	var failures []*errors.ReconcilerError

	_, err := normalizer.StreamFile(ctx, path, side, readerConfig, batchSize, func(batch []normalizer.RawRecord, offset int) error {
		result, err := service.Ingest(ctx, scope, batch)
		if err != nil {
			return err
		}
		total.Received += result.Received
		total.Sources += result.Sources
		total.Ledgers += result.Ledgers
		for _, q := range result.Quarantined {
			q.Index += offset
			total.Quarantined = append(total.Quarantined, q)
			failures = append(failures, q.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	total.Summary = errors.NewErrorSummary(failures)
	return total, nil
}
