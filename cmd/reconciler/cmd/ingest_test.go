package cmd

import (
	"context"
	"testing"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

func TestIngestFileBatchesKeepPositions(t *testing.T) {
	source, _ := writeInputs(t)

	service, err := reconciler.NewService(storage.NewMemoryRepository(), nil, reconciler.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	defer service.Close()

	result, err := ingestFile(context.Background(), service, "acme-us", models.SideSource, source, 1)
	if err != nil {
		t.Fatalf("ingestFile failed: %v", err)
	}
	if result.Received != 3 || result.Sources != 2 {
		t.Errorf("received %d and stored %d sources, want 3 and 2", result.Received, result.Sources)
	}
	if len(result.Quarantined) != 1 {
		t.Fatalf("expected one quarantined record, got %d", len(result.Quarantined))
	}
	if q := result.Quarantined[0]; q.Index != 2 || q.Raw.Fields["id"] != "bank-3" {
		t.Errorf("quarantined record at %d (%v), want bank-3 at 2", q.Index, q.Raw.Fields["id"])
	}
	if result.Summary == nil || !result.Summary.HasCode(errors.CodeInvalidAmount) {
		t.Errorf("unexpected summary %+v", result.Summary)
	}
}
