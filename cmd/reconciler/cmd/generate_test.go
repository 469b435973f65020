package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-recon-engine/internal/generator"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

func setGenerateDefaults(out string) {
	viper.Set("generate.out", out)
	viper.Set("generate.scope", "demo")
	viper.Set("generate.currency", "usd")
	viper.Set("generate.count", 25)
	viper.Set("generate.seed", 42)
	viper.Set("generate.start-date", "2024-03-01")
	viper.Set("generate.days", 10)
	viper.Set("generate.orphan-rate", 0.5)
}

func TestRunGenerateThenReconcile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sample")

	viper.Reset()
	t.Cleanup(viper.Reset)
	setGenerateDefaults(out)
	viper.Set("generate.mix", []string{"exact=3", "malformed=1"})

	logger.SetGlobalLogger(logger.Discard())
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())

	if err := runGenerate(cmd, nil); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for _, want := range []string{"sources.csv (25 records)", "Seed:     42", "exact"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q\n%s", want, buf.String())
		}
	}

	viper.Set("run.scope", "demo")
	viper.Set("run.source-files", []string{filepath.Join(out, "sources.csv")})
	viper.Set("run.ledger-files", []string{filepath.Join(out, "ledger.csv")})
	viper.Set("run.output-format", "console")

	report, err := runCommand(t, runReconcile)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	for _, want := range []string{"RECONCILIATION REPORT: demo", "=== QUARANTINED RECORDS ===", "exact"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q\n%s", want, report)
		}
	}
}

func TestResolveGenerateConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setGenerateDefaults(t.TempDir())
	viper.Set("generate.mix", []string{"fuzzy=2", " Split = 1"})

	config, err := resolveGenerateConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Currency != "USD" || config.Count != 25 || config.Seed != 42 || config.Days != 10 {
		t.Errorf("unexpected config %+v", config)
	}
	if config.StartDate.Format("2006-01-02") != "2024-03-01" {
		t.Errorf("start date = %s", config.StartDate)
	}
	if config.Mix[generator.ScenarioFuzzy] != 2 || config.Mix[generator.ScenarioSplit] != 1 || len(config.Mix) != 2 {
		t.Errorf("mix = %v", config.Mix)
	}
}

func TestResolveGenerateConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"bad start date", "generate.start-date", "01/03/2024"},
		{"unknown scenario", "generate.mix", []string{"teleport=1"}},
		{"non-numeric weight", "generate.mix", []string{"exact=lots"}},
		{"missing weight", "generate.mix", []string{"exact"}},
		{"zero count", "generate.count", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			setGenerateDefaults(t.TempDir())
			viper.Set(tt.key, tt.val)

			_, err := resolveGenerateConfig()
			if !errors.HasCode(err, errors.CodeInvalidConfig) {
				t.Errorf("error = %v, want invalid_config", err)
			}
		})
	}
}
