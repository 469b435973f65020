package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-recon-engine/internal/generator"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate seeded sample source and ledger files",
	Long: `Generate writes sources.csv, ledger.csv and expected.json for a synthetic
scope. Each source record is drawn from a scenario (exact, reference, fuzzy,
split, unmatched or malformed) and expected.json records the decision a run
should reach for it. The same seed always produces the same files.

Examples:
  reconciler generate --out ./sample
  reconciler generate --out ./load --count 50000 --seed 7 --mix exact=80,unmatched=20
  reconciler run -s demo --source-files sample/sources.csv --ledger-files sample/ledger.csv`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	defaults := generator.DefaultConfig()
	flags := generateCmd.Flags()
	flags.String("out", "generated", "output directory")
	flags.StringP("scope", "s", defaults.Scope, "scope written into every record")
	flags.String("currency", defaults.Currency, "ISO-4217 currency of every record")
	flags.Int("count", defaults.Count, "number of source records")
	flags.Int64("seed", defaults.Seed, "random seed")
	flags.String("start-date", defaults.StartDate.Format("2006-01-02"), "first value date")
	flags.Int("days", defaults.Days, "number of days value dates are spread over")
	flags.StringSlice("mix", nil, "scenario weights, e.g. exact=50,fuzzy=10 (default mix when empty)")
	flags.Float64("orphan-rate", defaults.OrphanRate, "share of unmatched sources that get an unrelated ledger entry")

	for _, name := range []string{"out", "scope", "currency", "count", "seed", "start-date", "days", "mix", "orphan-rate"} {
		viper.BindPFlag("generate."+name, flags.Lookup(name))
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	config, err := resolveGenerateConfig()
	if err != nil {
		return err
	}

	log := logger.GetGlobalLogger().WithComponent("cli").WithScope(config.Scope)

	var data *generator.Dataset
	var files *generator.Files
	err = logger.TimedOperation("generate", log, func() error {
		var err error
		if data, err = generator.Generate(config); err != nil {
			return err
		}
		files, err = data.WriteFiles(viper.GetString("generate.out"))
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sources:  %s (%d records)\n", files.Sources, len(data.Sources))
	fmt.Fprintf(out, "Ledger:   %s (%d records)\n", files.Ledgers, len(data.Ledgers))
	fmt.Fprintf(out, "Expected: %s\n", files.Expected)
	fmt.Fprintf(out, "Seed:     %d\n", config.Seed)

	counts := data.Counts()
	for _, s := range generator.Scenarios() {
		if counts[s] > 0 {
			fmt.Fprintf(out, "  %-10s %d\n", s, counts[s])
		}
	}
	return nil
}

func resolveGenerateConfig() (*generator.Config, error) {
	config := generator.DefaultConfig()
	config.Scope = strings.TrimSpace(viper.GetString("generate.scope"))
	config.Currency = strings.ToUpper(viper.GetString("generate.currency"))
	config.Count = viper.GetInt("generate.count")
	config.Seed = viper.GetInt64("generate.seed")
	config.Days = viper.GetInt("generate.days")
	config.OrphanRate = viper.GetFloat64("generate.orphan-rate")

	start, err := time.Parse("2006-01-02", viper.GetString("generate.start-date"))
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "start-date", viper.GetString("generate.start-date"), err).
			WithSuggestion("Use YYYY-MM-DD, e.g. --start-date 2024-01-01")
	}
	config.StartDate = start

	if entries := viper.GetStringSlice("generate.mix"); len(entries) > 0 {
		mix, err := parseMix(entries)
		if err != nil {
			return nil, err
		}
		config.Mix = mix
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// parseMix reads scenario=weight pairs
func parseMix(entries []string) (generator.Mix, error) {
	known := make(map[string]bool)
	var names []string
	for _, s := range generator.Scenarios() {
		known[string(s)] = true
		names = append(names, string(s))
	}
	sort.Strings(names)

	mix := make(generator.Mix, len(entries))
	for _, entry := range entries {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || !known[name] {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "mix", entry, nil).
				WithSuggestion("Use scenario=weight with one of: " + strings.Join(names, ", "))
		}
		var weight int
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &weight); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "mix", entry, err).
				WithSuggestion("Weights are whole numbers, e.g. exact=50")
		}
		mix[generator.Scenario(name)] = weight
	}
	return mix, nil
}
