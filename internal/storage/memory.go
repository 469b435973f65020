package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/exceptions"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
)

// MemoryRepository keeps everything in process memory
type MemoryRepository struct {
	mu sync.RWMutex

	sources    map[string]map[string]*models.SourceRecord
	ledgers    map[string]map[string]*models.LedgerRecord
	matches    map[string]*models.Match
	claims     map[string]map[string]string // scope -> record key -> match ID
	exceptions map[string]*models.Exception
	openByRef  map[string]map[string]string // scope -> record key -> open exception ID
	decisions  map[string][]*models.DecisionLogEntry
	history    map[string]map[string]*models.PairingStat
	rejected   map[string]map[string]models.RejectedPair
	runs       map[string]*models.Run
	policies   map[string][]byte
}

// Compile-time check that MemoryRepository implements Repository
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sources:    make(map[string]map[string]*models.SourceRecord),
		ledgers:    make(map[string]map[string]*models.LedgerRecord),
		matches:    make(map[string]*models.Match),
		claims:     make(map[string]map[string]string),
		exceptions: make(map[string]*models.Exception),
		openByRef:  make(map[string]map[string]string),
		decisions:  make(map[string][]*models.DecisionLogEntry),
		history:    make(map[string]map[string]*models.PairingStat),
		rejected:   make(map[string]map[string]models.RejectedPair),
		runs:       make(map[string]*models.Run),
		policies:   make(map[string][]byte),
	}
}

// Close is a no-op
func (m *MemoryRepository) Close() error {
	return nil
}

// SaveSources inserts new source records
func (m *MemoryRepository) SaveSources(_ context.Context, records []*models.SourceRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range records {
		byID := m.sources[r.Scope]
		if byID == nil {
			byID = make(map[string]*models.SourceRecord)
			m.sources[r.Scope] = byID
		}
		if _, ok := byID[r.ID]; ok {
			continue
		}
		copied := *r
		byID[r.ID] = &copied
		inserted++
	}
	return inserted, nil
}

// SaveLedgers inserts ledger records and refreshes the status of existing ones
func (m *MemoryRepository) SaveLedgers(_ context.Context, records []*models.LedgerRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := 0
	for _, r := range records {
		byID := m.ledgers[r.Scope]
		if byID == nil {
			byID = make(map[string]*models.LedgerRecord)
			m.ledgers[r.Scope] = byID
		}
		if existing, ok := byID[r.ID]; ok {
			if existing.Status != r.Status {
				existing.Status = r.Status
				saved++
			}
			continue
		}
		copied := *r
		byID[r.ID] = &copied
		saved++
	}
	return saved, nil
}

// GetSource retrieves a source record
func (m *MemoryRepository) GetSource(_ context.Context, scope, id string) (*models.SourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sources[scope][id]
	if !ok {
		return nil, errors.NotFoundError("source record", id)
	}
	copied := *r
	return &copied, nil
}

// GetLedger retrieves a ledger record
func (m *MemoryRepository) GetLedger(_ context.Context, scope, id string) (*models.LedgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.ledgers[scope][id]
	if !ok {
		return nil, errors.NotFoundError("ledger record", id)
	}
	copied := *r
	return &copied, nil
}

// ListSources returns the scope's source records ordered by ID
func (m *MemoryRepository) ListSources(_ context.Context, scope string) ([]*models.SourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.SourceRecord, 0, len(m.sources[scope]))
	for _, r := range m.sources[scope] {
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListLedgers returns the scope's ledger records ordered by ID
func (m *MemoryRepository) ListLedgers(_ context.Context, scope string) ([]*models.LedgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.LedgerRecord, 0, len(m.ledgers[scope]))
	for _, r := range m.ledgers[scope] {
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListScopes returns every scope with records
func (m *MemoryRepository) ListScopes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for scope := range m.sources {
		seen[scope] = true
	}
	for scope := range m.ledgers {
		seen[scope] = true
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// GetMatch retrieves a match
func (m *MemoryRepository) GetMatch(_ context.Context, scope, id string) (*models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match, ok := m.matches[id]
	if !ok || match.Scope != scope {
		return nil, errors.NotFoundError("match", id)
	}
	return match.Clone(), nil
}

// ListMatches returns matches ordered by creation time, then ID
func (m *MemoryRepository) ListMatches(_ context.Context, filter MatchFilter) ([]*models.Match, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Match
	for _, match := range m.matches {
		if match.Scope != filter.Scope || !containsState(filter.States, match.State) {
			continue
		}
		if filter.SourceID != "" && match.SourceID != filter.SourceID {
			continue
		}
		if filter.RunID != "" && match.RunID != filter.RunID {
			continue
		}
		out = append(out, match.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), len(out), nil
}

// Claims returns the scope's claimed records
func (m *MemoryRepository) Claims(_ context.Context, scope string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.claims[scope]))
	for k, v := range m.claims[scope] {
		out[k] = v
	}
	return out, nil
}

// GetException retrieves an exception
func (m *MemoryRepository) GetException(_ context.Context, scope, id string) (*models.Exception, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.exceptions[id]
	if !ok || e.Scope != scope {
		return nil, errors.NotFoundError("exception", id)
	}
	return e.Clone(), nil
}

// ListExceptions returns exceptions in review-queue order
func (m *MemoryRepository) ListExceptions(_ context.Context, filter ExceptionFilter) ([]*models.Exception, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Exception
	for _, e := range m.exceptions {
		if e.Scope != filter.Scope || !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		if filter.RecordID != "" && e.RecordID != filter.RecordID {
			continue
		}
		out = append(out, e.Clone())
	}
	exceptions.SortQueue(out)
	return paginate(out, filter.Limit, filter.Offset), len(out), nil
}

// PairingHistory returns the scope's pairing counters
func (m *MemoryRepository) PairingHistory(_ context.Context, scope string) ([]models.PairingStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.PairingStat, 0, len(m.history[scope]))
	for _, stat := range m.history[scope] {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Counterparty != out[j].Counterparty {
			return out[i].Counterparty < out[j].Counterparty
		}
		return out[i].AccountCode < out[j].AccountCode
	})
	return out, nil
}

// RejectedPairs returns the pairings reviewers rejected in the scope
func (m *MemoryRepository) RejectedPairs(_ context.Context, scope string) ([]models.RejectedPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RejectedPair, 0, len(m.rejected[scope]))
	for _, p := range m.rejected[scope] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// SaveRun upserts a run
func (m *MemoryRepository) SaveRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a run
func (m *MemoryRepository) GetRun(_ context.Context, scope, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok || run.Scope != scope {
		return nil, errors.NotFoundError("run", id)
	}
	return run.Clone(), nil
}

// ListRuns returns the scope's most recent runs first
func (m *MemoryRepository) ListRuns(_ context.Context, scope string, limit int) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Run
	for _, run := range m.runs {
		if run.Scope == scope {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return paginate(out, limit, 0), nil
}

// SavePolicy stores a scope's policy document
func (m *MemoryRepository) SavePolicy(_ context.Context, scope string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[scope] = append([]byte(nil), doc...)
	return nil
}

// LoadPolicies returns every stored policy document
func (m *MemoryRepository) LoadPolicies(_ context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.policies))
	for scope, doc := range m.policies {
		out[scope] = append([]byte(nil), doc...)
	}
	return out, nil
}

// LastDecision returns the head of the scope's decision log, or nil when it is empty
func (m *MemoryRepository) LastDecision(_ context.Context, scope string) (*models.DecisionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.decisions[scope]
	if len(list) == 0 {
		return nil, nil
	}
	return cloneDecision(list[len(list)-1]), nil
}

// AppendDecisions appends entries that continue the stored chain
func (m *MemoryRepository) AppendDecisions(_ context.Context, entries []*models.DecisionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDecisions(entries); err != nil {
		return err
	}
	m.appendDecisions(entries)
	return nil
}

// ListDecisions returns entries ordered by sequence
func (m *MemoryRepository) ListDecisions(_ context.Context, filter audit.Filter) ([]*models.DecisionLogEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.DecisionLogEntry
	for _, e := range m.decisions[filter.Scope] {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.MatchID != "" && e.MatchID != filter.MatchID {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if e.Sequence <= filter.AfterSequence {
			continue
		}
		out = append(out, cloneDecision(e))
	}
	return paginate(out, filter.Limit, filter.Offset), len(out), nil
}

// Apply validates the whole change set against current state before writing any of it
func (m *MemoryRepository) Apply(_ context.Context, cs *ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	claims, err := m.stageClaims(cs)
	if err != nil {
		return err
	}
	openByRef, err := m.stageOpenExceptions(cs)
	if err != nil {
		return err
	}
	if err := m.checkDecisions(cs.Decisions); err != nil {
		return err
	}

	for _, match := range cs.Matches {
		m.matches[match.ID] = match.Clone()
	}
	m.claims[cs.Scope] = claims
	for _, e := range cs.Exceptions {
		m.exceptions[e.ID] = e.Clone()
	}
	m.openByRef[cs.Scope] = openByRef
	m.appendDecisions(cs.Decisions)

	for _, delta := range cs.History {
		byKey := m.history[cs.Scope]
		if byKey == nil {
			byKey = make(map[string]*models.PairingStat)
			m.history[cs.Scope] = byKey
		}
		key := delta.Counterparty + "|" + delta.AccountCode
		stat, ok := byKey[key]
		if !ok {
			stat = &models.PairingStat{Scope: cs.Scope, Counterparty: delta.Counterparty, AccountCode: delta.AccountCode}
			byKey[key] = stat
		}
		stat.Hits += delta.Hits
		stat.LagDaySum += delta.LagDaySum
	}

	for _, p := range cs.Rejected {
		byKey := m.rejected[cs.Scope]
		if byKey == nil {
			byKey = make(map[string]models.RejectedPair)
			m.rejected[cs.Scope] = byKey
		}
		if _, ok := byKey[p.Key()]; !ok {
			p.LedgerIDs = append([]string(nil), p.LedgerIDs...)
			byKey[p.Key()] = p
		}
	}

	if cs.Run != nil {
		m.runs[cs.Run.ID] = cs.Run.Clone()
	}
	return nil
}

// stageClaims computes the scope's claims after the change set, failing on a double claim
func (m *MemoryRepository) stageClaims(cs *ChangeSet) (map[string]string, error) {
	claims := make(map[string]string, len(m.claims[cs.Scope]))
	for k, v := range m.claims[cs.Scope] {
		claims[k] = v
	}

	for _, match := range cs.orderedMatches() {
		if match.Scope != cs.Scope {
			return nil, errors.ValidationError(errors.CodeInvalidRequest, "scope", match.Scope, fmt.Errorf("match %s is outside scope %s", match.ID, cs.Scope))
		}
		for key, owner := range claims {
			if owner == match.ID {
				delete(claims, key)
			}
		}
		if !match.State.Claims() {
			continue
		}
		for _, ref := range match.RecordRefs() {
			if owner, ok := claims[ref.Key()]; ok && owner != match.ID {
				return nil, errors.ConcurrentClaimConflict(ref.Key(), owner)
			}
			claims[ref.Key()] = match.ID
		}
	}
	return claims, nil
}

// stageOpenExceptions enforces one open exception per record
func (m *MemoryRepository) stageOpenExceptions(cs *ChangeSet) (map[string]string, error) {
	open := make(map[string]string, len(m.openByRef[cs.Scope]))
	for k, v := range m.openByRef[cs.Scope] {
		open[k] = v
	}

	for _, e := range cs.orderedExceptions() {
		if e.Scope != cs.Scope {
			return nil, errors.ValidationError(errors.CodeInvalidRequest, "scope", e.Scope, fmt.Errorf("exception %s is outside scope %s", e.ID, cs.Scope))
		}
		key := e.Ref().Key()
		if owner, ok := open[key]; ok && owner == e.ID {
			delete(open, key)
		}
		if !e.Status.IsOpen() {
			continue
		}
		if owner, ok := open[key]; ok {
			return nil, errors.ReconciliationError(errors.CodeDataInconsistent, "apply exceptions",
				fmt.Errorf("record %s already has open exception %s", key, owner))
		}
		open[key] = e.ID
	}
	return open, nil
}

func (m *MemoryRepository) checkDecisions(entries []*models.DecisionLogEntry) error {
	next := make(map[string]*models.DecisionLogEntry)
	for _, e := range entries {
		prev, ok := next[e.Scope]
		if !ok {
			if list := m.decisions[e.Scope]; len(list) > 0 {
				prev = list[len(list)-1]
			}
		}
		if err := continues(prev, e); err != nil {
			return err
		}
		next[e.Scope] = e
	}
	return nil
}

func (m *MemoryRepository) appendDecisions(entries []*models.DecisionLogEntry) {
	for _, e := range entries {
		m.decisions[e.Scope] = append(m.decisions[e.Scope], cloneDecision(e))
	}
}

// continues checks that e directly follows prev in its scope's chain
func continues(prev, e *models.DecisionLogEntry) error {
	wantSeq, wantPrev := int64(1), ""
	if prev != nil {
		wantSeq, wantPrev = prev.Sequence+1, prev.Hash
	}
	if e.Sequence != wantSeq || e.PrevHash != wantPrev {
		return errors.ReconciliationError(errors.CodeDataInconsistent, "append decisions",
			fmt.Errorf("entry %d of scope %s does not continue the log at sequence %d", e.Sequence, e.Scope, wantSeq))
	}
	return nil
}
