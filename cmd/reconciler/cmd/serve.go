package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-recon-engine/cmd/reconciler/config"
	"ledger-recon-engine/internal/api"
	"ledger-recon-engine/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reconciliation API for the review dashboard",
	Long: `Serve starts the HTTP API used by the review dashboard: record ingestion,
asynchronous runs, the suggestion and exception queues, manual matches,
per-scope policies and the decision log. A background sweeper re-ages open
exceptions between runs.

Examples:
  reconciler serve --db recon.db
  reconciler serve --db recon.db --policies policies.yaml --port 9000
  RECONCILER_PORT=9000 RECONCILER_DB=/var/lib/recon.db reconciler serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.Int("port", 8080, "HTTP port")
	flags.StringSlice("allowed-origins", []string{}, "CORS origins allowed to call the API; * allows any")
	flags.Duration("sweep-interval", time.Hour, "interval between exception aging sweeps; 0 disables")
	flags.Duration("lock-timeout", 0, "wait for a busy scope before failing (default 5s)")
	flags.Duration("shutdown-timeout", 15*time.Second, "grace period for in-flight requests on shutdown")

	for _, name := range []string{"port", "allowed-origins", "sweep-interval", "lock-timeout", "shutdown-timeout"} {
		viper.BindPFlag("serve."+name, flags.Lookup(name))
	}
	// RECONCILER_PORT is the conventional override
	viper.BindEnv("serve.port", "RECONCILER_PORT", "PORT")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.GetGlobalLogger()

	service, repo, err := openService(ctx, log, viper.GetDuration("serve.lock-timeout"))
	if err != nil {
		return err
	}
	defer repo.Close()
	defer service.Close()

	go service.RunSweeper(ctx, viper.GetDuration("serve.sweep-interval"))

	serverConfig := config.CreateServerConfig(viper.GetInt("serve.port"), viper.GetStringSlice("serve.allowed-origins"))
	server := api.NewServer(serverConfig, service, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("serve.shutdown-timeout"))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		return err
	}

	log.Info("Server exited")
	return nil
}
