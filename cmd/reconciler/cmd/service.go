package cmd

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"ledger-recon-engine/cmd/reconciler/config"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/logger"
)

// openService wires storage, policies and the reconciliation service from the shared flags.
// Scope policies from the --policies file replace stored ones.
func openService(ctx context.Context, log logger.Logger, lockTimeout time.Duration, opts ...reconciler.Option) (*reconciler.Service, storage.Repository, error) {
	var policies *config.PolicyFile
	if path := viper.GetString("policies"); path != "" {
		file, err := config.LoadPolicyFile(path)
		if err != nil {
			return nil, nil, err
		}
		policies = file
	}

	serviceConfig, err := config.CreateReconcilerConfig(policies, lockTimeout)
	if err != nil {
		return nil, nil, err
	}

	repo, err := config.OpenRepository(viper.GetString("db"), log)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]reconciler.Option{reconciler.WithLogger(log)}, opts...)
	service, err := reconciler.NewService(repo, serviceConfig, opts...)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	if err := service.LoadPolicies(ctx); err != nil {
		service.Close()
		repo.Close()
		return nil, nil, err
	}
	if policies != nil {
		for _, scope := range policies.ScopeNames() {
			if err := service.SetPolicy(ctx, scope, policies.Scopes[scope]); err != nil {
				service.Close()
				repo.Close()
				return nil, nil, err
			}
		}
	}

	return service, repo, nil
}
