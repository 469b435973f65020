package normalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
)

func csvRows(n int) string {
	var b strings.Builder
	b.WriteString("id,amount,value_date\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "R%d,%d.00,2026-01-01\n", i, i)
	}
	return b.String()
}

func TestStreamCSVBatches(t *testing.T) {
	var sizes, offsets []int
	var ids []string

	n, err := StreamCSV(context.Background(), strings.NewReader(csvRows(7)), models.SideSource, nil, 3,
		func(batch []RawRecord, offset int) error {
			sizes = append(sizes, len(batch))
			offsets = append(offsets, offset)
			for _, r := range batch {
				ids = append(ids, r.Fields["id"])
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("delivered %d records, want 7", n)
	}
	if fmt.Sprint(sizes) != "[3 3 1]" || fmt.Sprint(offsets) != "[0 3 6]" {
		t.Errorf("batches %v at offsets %v, want [3 3 1] at [0 3 6]", sizes, offsets)
	}
	if ids[0] != "R1" || ids[6] != "R7" {
		t.Errorf("records out of order: %v", ids)
	}
}

func TestStreamCSVStopsOnCallbackError(t *testing.T) {
	calls := 0
	stop := fmt.Errorf("stop")

	n, err := StreamCSV(context.Background(), strings.NewReader(csvRows(10)), models.SideSource, nil, 4,
		func(batch []RawRecord, offset int) error {
			calls++
			if calls == 2 {
				return stop
			}
			return nil
		})
	if err != stop {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 2 || n != 4 {
		t.Errorf("calls=%d delivered=%d, want 2 and 4", calls, n)
	}
}

func TestStreamCSVRejectsInvalidUTF8(t *testing.T) {
	content := "id,counterparty\nA1,Caf\xe9\n"
	_, err := StreamCSV(context.Background(), strings.NewReader(content), models.SideSource, nil, 0,
		func([]RawRecord, int) error { return nil })
	if !errors.HasCode(err, errors.CodeInvalidRequest) {
		t.Errorf("expected encoding error, got %v", err)
	}
}

func TestStreamFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bank.csv")
	jsonPath := filepath.Join(dir, "gl.json")
	if err := os.WriteFile(csvPath, []byte(csvRows(5)), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(jsonPath, []byte(`[{"id":"L1"},{"id":"L2"},{"id":"L3"}]`), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path    string
		side    models.RecordSide
		want    int
		batches int
	}{
		{csvPath, models.SideSource, 5, 3},
		{jsonPath, models.SideLedger, 3, 2},
	}
	for _, tt := range tests {
		t.Run(filepath.Ext(tt.path), func(t *testing.T) {
			batches := 0
			n, err := StreamFile(context.Background(), tt.path, tt.side, nil, 2, func(batch []RawRecord, _ int) error {
				batches++
				for _, r := range batch {
					if r.Side != tt.side {
						t.Errorf("record side %s, want %s", r.Side, tt.side)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n != tt.want || batches != tt.batches {
				t.Errorf("delivered %d in %d batches, want %d in %d", n, batches, tt.want, tt.batches)
			}
		})
	}

	if _, err := StreamFile(context.Background(), filepath.Join(dir, "gl.xlsx"), models.SideLedger, nil, 0,
		func([]RawRecord, int) error { return nil }); !errors.HasCode(err, errors.CodeInvalidRequest) {
		t.Errorf("expected unsupported file error, got %v", err)
	}
}
