package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

var now = time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)

// memStore keeps entries per scope and enforces chain continuity on append
type memStore struct {
	mu      sync.Mutex
	entries map[string][]*models.DecisionLogEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]*models.DecisionLogEntry)}
}

func (s *memStore) LastDecision(_ context.Context, scope string) (*models.DecisionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[scope]
	if len(list) == 0 {
		return nil, nil
	}
	last := *list[len(list)-1]
	return &last, nil
}

func (s *memStore) AppendDecisions(_ context.Context, entries []*models.DecisionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		list := s.entries[e.Scope]
		if e.Sequence != int64(len(list)+1) {
			return fmt.Errorf("sequence %d does not continue the log", e.Sequence)
		}
		copied := *e
		s.entries[e.Scope] = append(list, &copied)
	}
	return nil
}

func (s *memStore) ListDecisions(_ context.Context, filter Filter) ([]*models.DecisionLogEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DecisionLogEntry
	for _, e := range s.entries[filter.Scope] {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func newTestLog() (*DecisionLog, *memStore) {
	store := newMemStore()
	return NewDecisionLog(store, func() time.Time { return now }, logger.Discard()), store
}

func TestRecordChainsEntries(t *testing.T) {
	log, store := newTestLog()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &models.DecisionLogEntry{
			Scope:     "acme-us",
			Action:    models.ActionMatchAuto,
			MatchID:   fmt.Sprintf("m-%d", i),
			SourceIDs: []string{fmt.Sprintf("S%d", i)},
			LedgerIDs: []string{fmt.Sprintf("L%d", i)},
			RuleID:    "exact",
		}
		if err := log.Record(ctx, entry); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
	}

	entries := store.entries["acme-us"]
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != "" || entries[0].Sequence != 1 {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Errorf("entry %d is not linked to entry %d", i+1, i)
		}
	}
	if entries[2].Actor != models.ActorSystem || !entries[2].CreatedAt.Equal(now) {
		t.Errorf("expected system actor and clock timestamp, got %+v", entries[2])
	}

	result, err := log.Verify(ctx, "acme-us")
	if err != nil || !result.Valid || result.Head != entries[2].Hash || result.Entries != 3 {
		t.Errorf("expected a valid chain, got %+v (%v)", result, err)
	}
}

func TestScopesAreChainedIndependently(t *testing.T) {
	log, store := newTestLog()
	ctx := context.Background()

	for _, scope := range []string{"acme-us", "acme-eu", "acme-us"} {
		if err := log.Record(ctx, &models.DecisionLogEntry{Scope: scope, Action: models.ActionManualMatch}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	if got := store.entries["acme-eu"][0].Sequence; got != 1 {
		t.Errorf("expected acme-eu to start at sequence 1, got %d", got)
	}
	if got := store.entries["acme-us"][1].Sequence; got != 2 {
		t.Errorf("expected acme-us second entry at sequence 2, got %d", got)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(entries []*models.DecisionLogEntry) []*models.DecisionLogEntry
		broken int64
	}{
		{
			name: "edited reason",
			tamper: func(entries []*models.DecisionLogEntry) []*models.DecisionLogEntry {
				entries[1].Reason = "edited later"
				return entries
			},
			broken: 2,
		},
		{
			name: "deleted entry",
			tamper: func(entries []*models.DecisionLogEntry) []*models.DecisionLogEntry {
				return append(entries[:1], entries[2:]...)
			},
			broken: 2,
		},
		{
			name: "rehashed entry",
			tamper: func(entries []*models.DecisionLogEntry) []*models.DecisionLogEntry {
				entries[0].Confidence = 99
				entries[0].Hash = ComputeHash(entries[0])
				return entries
			},
			broken: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewChain("acme-us", nil, func() time.Time { return now })
			var entries []*models.DecisionLogEntry
			for i := 0; i < 3; i++ {
				entries = append(entries, chain.Seal(&models.DecisionLogEntry{
					Action: models.ActionMatchAuto, Confidence: 98, Reason: fmt.Sprintf("entry %d", i),
				}))
			}

			result, err := VerifyChain("acme-us", tt.tamper(entries))
			if !errors.HasCode(err, errors.CodeDataInconsistent) {
				t.Fatalf("expected data_inconsistent, got %v", err)
			}
			if result.Valid || result.BrokenAt != tt.broken {
				t.Errorf("expected break at %d, got %+v", tt.broken, result)
			}
		})
	}
}

func TestCorrectRefersToPriorEntry(t *testing.T) {
	log, store := newTestLog()
	ctx := context.Background()

	original := &models.DecisionLogEntry{Scope: "acme-us", Action: models.ActionMatchAuto, MatchID: "m-1"}
	if err := log.Record(ctx, original); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	reversal := &models.DecisionLogEntry{Scope: "acme-us", Action: models.ActionMatchReversed, MatchID: "m-1", Actor: "dana"}
	if err := log.Correct(ctx, original.ID, reversal); err != nil {
		t.Fatalf("Correct failed: %v", err)
	}

	entries := store.entries["acme-us"]
	if len(entries) != 2 || entries[1].RefersTo != original.ID {
		t.Fatalf("expected a second entry referring to %s, got %+v", original.ID, entries)
	}
	if entries[0].Action != models.ActionMatchAuto {
		t.Error("the original entry must be left untouched")
	}
	if err := log.Correct(ctx, "", &models.DecisionLogEntry{Scope: "acme-us", Action: models.ActionMatchReversed}); err == nil {
		t.Error("expected an error when the prior entry is missing")
	}
}

func TestRecordValidatesEntry(t *testing.T) {
	log, _ := newTestLog()
	if err := log.Record(context.Background(), &models.DecisionLogEntry{Action: models.ActionMatchAuto}); !errors.HasCode(err, errors.CodeMissingField) {
		t.Errorf("expected missing_field for an empty scope, got %v", err)
	}
}

func TestComputeHashIsDeterministic(t *testing.T) {
	entry := &models.DecisionLogEntry{
		ID: "d-1", Scope: "acme-us", Sequence: 1, Action: models.ActionMatchAuto,
		SourceIDs: []string{"S1"}, LedgerIDs: []string{"L1", "L2"}, Confidence: 88.5, CreatedAt: now,
	}
	first := ComputeHash(entry)
	if len(first) != 64 {
		t.Fatalf("expected a hex SHA-256, got %q", first)
	}

	local := *entry
	local.CreatedAt = now.In(time.FixedZone("CET", 3600))
	if ComputeHash(&local) != first {
		t.Error("hash must not depend on the timestamp's location")
	}

	local.LedgerIDs = []string{"L1"}
	if ComputeHash(&local) == first {
		t.Error("hash must cover the ledger IDs")
	}
}
