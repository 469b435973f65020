package reconciler

import (
	"context"
	"fmt"
	"time"

	"ledger-recon-engine/internal/exceptions"
	"ledger-recon-engine/internal/matcher"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/resolver"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Run steps, in order
const (
	StepLoad     = "loading records"
	StepEvaluate = "evaluating rules"
	StepResolve  = "resolving matches"
	StepAge      = "aging exceptions"
	StepApply    = "applying changes"
	StepDone     = "completed"
)

var runSteps = []string{StepLoad, StepEvaluate, StepResolve, StepAge, StepApply}

// RunProgress tracks the progress of one run
type RunProgress struct {
	RunID           string        `json:"run_id"`
	Scope           string        `json:"scope"`
	Step            string        `json:"step"`
	CompletedSteps  int           `json:"completed_steps"`
	TotalSteps      int           `json:"total_steps"`
	PercentComplete float64       `json:"percent_complete"`
	ElapsedTime     time.Duration `json:"elapsed_time"`
}

// ProgressCallback is called as a run enters each step
type ProgressCallback func(RunProgress)

// RunResult is everything one run produced
type RunResult struct {
	Run         *models.Run                `json:"run"`
	Matches     []*models.Match            `json:"matches"`
	Opened      []*models.Exception        `json:"opened"`
	Updated     []*models.Exception        `json:"updated"`
	Escalated   []*models.Exception        `json:"escalated"`
	Resolved    []*models.Exception        `json:"resolved"`
	Pending     []exceptions.Item          `json:"pending"`
	Ambiguities []*errors.ReconcilerError  `json:"ambiguities"`
	Conflicts   []*errors.ReconcilerError  `json:"conflicts"`
	Decisions   []*models.DecisionLogEntry `json:"decisions"`
	Duration    time.Duration              `json:"duration"`
}

// Reconcile runs one reconciliation over the scope's backlog and waits for it.
// The run is stored with its final status whether it succeeds or fails.
func (s *Service) Reconcile(ctx context.Context, scope string) (*RunResult, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	run := s.newRun(scope)
	run.Status = models.RunRunning
	result, err := s.execute(ctx, run)
	if err != nil {
		s.failRun(run, err)
		return nil, err
	}
	return result, nil
}

func (s *Service) newRun(scope string) *models.Run {
	return &models.Run{
		ID:        s.newID(),
		Scope:     scope,
		Status:    models.RunPending,
		StartedAt: s.now(),
		Stats:     models.RunStats{RuleHits: make(map[string]int)},
	}
}

// failRun stores the run as failed, or as cancelled when the context ended it
func (s *Service) failRun(run *models.Run, err error) {
	now := s.now()
	run.Status = models.RunFailed
	if errors.HasCode(err, errors.CodeRunCancelled) {
		run.Status = models.RunCancelled
	}
	run.Error = err.Error()
	run.Retryable = errors.IsRetryable(err)
	run.CompletedAt = &now

	if serr := s.repo.SaveRun(context.Background(), run); serr != nil {
		s.logger.WithError(serr).WithField("run_id", run.ID).Error("Failed to store run status")
	}
}

// execute performs the run. Nothing is written unless every step succeeds.
func (s *Service) execute(ctx context.Context, run *models.Run) (*RunResult, error) {
	start := time.Now()
	scope := run.Scope
	policy := s.policies.get(scope)
	op := logger.NewOperationLogger("reconcile", s.logger).
		WithField("scope", scope).
		WithField("run_id", run.ID)
	report := s.progressReporter(run)

	report(StepLoad)
	snap, err := s.loadSnapshot(ctx, scope)
	if err != nil {
		op.Error(err, "Failed to load records")
		return nil, err
	}
	run.Stats.Sources = len(snap.Sources())
	run.Stats.Ledgers = len(snap.Ledgers())
	op.Step(StepLoad, logger.Fields{"sources": run.Stats.Sources, "ledgers": run.Stats.Ledgers})

	engine, err := matcher.NewEngine(policy.Matching, s.logger)
	if err != nil {
		op.Error(err, "Invalid matching policy")
		return nil, err
	}

	report(StepEvaluate)
	evaluation, err := engine.Evaluate(ctx, snap)
	if err != nil {
		op.Error(err, "Rule evaluation failed")
		return nil, err
	}
	run.Stats.Candidates = len(evaluation.Candidates)
	op.Step(StepEvaluate, logger.Fields{"candidates": run.Stats.Candidates, "per_rule": evaluation.PerRule})

	if err := ctx.Err(); err != nil {
		return nil, errors.ReconciliationError(errors.CodeRunCancelled, "before resolution", err)
	}

	result := &RunResult{Run: run}
	err = s.withLock(ctx, scope, func(ctx context.Context) error {
		return s.resolveAndApply(ctx, run, policy, snap, evaluation, result, report)
	})
	if err != nil {
		op.Error(err, "Reconciliation run failed")
		return nil, err
	}

	result.Duration = time.Since(start)
	report(StepDone)
	op.Success("Reconciliation run completed", logger.Fields{
		"auto_matched":      run.Stats.AutoMatched,
		"suggested":         run.Stats.Suggested,
		"exceptions_opened": run.Stats.ExceptionsOpened,
		"escalated":         run.Stats.Escalated,
	})
	return result, nil
}

// settled maps the records a run must leave alone to whatever holds them: the
// suggested or active match claiming them, or the exception that wrote them off
func (s *Service) settled(ctx context.Context, scope string) (map[string]string, error) {
	claims, err := s.repo.Claims(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load claims")
	}
	writtenOff, _, err := s.repo.ListExceptions(ctx, storage.ExceptionFilter{
		Scope:    scope,
		Statuses: []models.ExceptionStatus{models.ExceptionWrittenOff},
	})
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load written-off exceptions")
	}

	out := make(map[string]string, len(claims)+len(writtenOff))
	for key, holder := range claims {
		out[key] = holder
	}
	for _, e := range writtenOff {
		if _, ok := out[e.Ref().Key()]; !ok {
			out[e.Ref().Key()] = e.ID
		}
	}
	return out, nil
}

// loadSnapshot builds the snapshot of records that are neither claimed by a
// suggested or active match nor written off
func (s *Service) loadSnapshot(ctx context.Context, scope string) (*matcher.Snapshot, error) {
	sources, err := s.repo.ListSources(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load source records")
	}
	ledgers, err := s.repo.ListLedgers(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load ledger records")
	}
	claims, err := s.settled(ctx, scope)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.PairingHistory(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load pairing history")
	}
	rejected, err := s.repo.RejectedPairs(ctx, scope)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load rejected pairs")
	}

	var freeSources []*models.SourceRecord
	for _, src := range sources {
		if _, held := claims[sourceRef(src.ID).Key()]; !held {
			freeSources = append(freeSources, src)
		}
	}
	var freeLedgers []*models.LedgerRecord
	for _, l := range ledgers {
		if _, held := claims[ledgerRef(l.ID).Key()]; !held {
			freeLedgers = append(freeLedgers, l)
		}
	}
	return matcher.NewSnapshot(scope, freeSources, freeLedgers, history, rejected), nil
}

// resolveAndApply runs under the scope lock with a non-cancellable context
func (s *Service) resolveAndApply(ctx context.Context, run *models.Run, policy *Policy, snap *matcher.Snapshot,
	evaluation *matcher.EvaluationResult, result *RunResult, report func(string)) error {

	scope := run.Scope
	claims, err := s.settled(ctx, scope)
	if err != nil {
		return err
	}

	sources := make(map[string]*models.SourceRecord, len(snap.Sources()))
	sourceIDs := make([]string, 0, len(snap.Sources()))
	for _, src := range snap.Sources() {
		sources[src.ID] = src
		sourceIDs = append(sourceIDs, src.ID)
	}
	ledgers := make(map[string]*models.LedgerRecord, len(snap.Ledgers()))
	ledgerIDs := make([]string, 0, len(snap.Ledgers()))
	for _, l := range snap.Ledgers() {
		ledgers[l.ID] = l
		ledgerIDs = append(ledgerIDs, l.ID)
	}

	report(StepResolve)
	res := resolver.New(resolver.ConfigFrom(policy.Matching),
		resolver.WithClock(s.now),
		resolver.WithIDGenerator(s.newID),
		resolver.WithLogger(s.logger),
	).Resolve(resolver.Input{
		Scope:      scope,
		RunID:      run.ID,
		Candidates: evaluation.Candidates,
		SourceIDs:  sourceIDs,
		LedgerIDs:  ledgerIDs,
		Claims:     resolver.ClaimSet(claims),
	})
	for _, conflict := range res.Conflicts {
		s.logger.WithError(conflict).WithScope(scope).Warn("Candidate lost its records to a concurrent writer")
	}

	report(StepAge)
	open, _, err := s.repo.ListExceptions(ctx, storage.ExceptionFilter{Scope: scope, Statuses: models.OpenExceptionStatuses()})
	if err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to load open exceptions")
	}

	items := make([]exceptions.Item, 0, len(res.Unresolved))
	for _, u := range res.Unresolved {
		// settled by a writer that finished after the snapshot was taken
		if _, held := claims[u.Ref.Key()]; held {
			continue
		}
		if item, ok := itemFor(u, sources, ledgers); ok {
			items = append(items, item)
		}
	}

	matched := make(map[string]bool)
	for _, m := range res.Matches {
		if m.State != models.MatchActive {
			continue
		}
		for _, ref := range m.RecordRefs() {
			matched[ref.Key()] = true
		}
	}
	outcome := s.tracker(policy).Evaluate(scope, open, items, matched)

	chain, err := s.decisions.ChainFor(ctx, scope)
	if err != nil {
		return err
	}
	var decisions []*models.DecisionLogEntry
	var history []models.PairingStat
	for _, m := range res.Matches {
		decisions = append(decisions, chain.Seal(matchEntry(m, run.ID)))
		if m.State == models.MatchActive {
			run.Stats.AutoMatched++
			history = append(history, pairingDeltas(scope, sources[m.SourceID], ledgersOf(m, ledgers), 1)...)
		} else {
			run.Stats.Suggested++
		}
	}
	for _, e := range outcome.Escalated {
		decisions = append(decisions, chain.Seal(escalationEntry(e, policy, run.ID)))
	}

	run.Stats.ClaimConflicts = len(res.Conflicts)
	run.Stats.Ambiguous = len(res.Ambiguities)
	run.Stats.ExceptionsOpened = len(outcome.Opened)
	run.Stats.ExceptionsUpdated = len(outcome.Updated)
	run.Stats.Escalated = len(outcome.Escalated)
	run.Stats.AutoResolved = len(outcome.Resolved)
	for rule, hits := range res.RuleHits {
		run.Stats.RuleHits[rule] = hits
	}
	now := s.now()
	run.Status = models.RunCompleted
	run.CompletedAt = &now

	report(StepApply)
	cs := &storage.ChangeSet{
		Scope:      scope,
		Matches:    res.Matches,
		Exceptions: outcome.Changed(),
		Decisions:  decisions,
		History:    history,
		Run:        run,
	}
	if err := s.repo.Apply(ctx, cs); err != nil {
		run.Status = models.RunRunning
		run.CompletedAt = nil
		return errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to apply run")
	}

	result.Matches = res.Matches
	result.Opened = outcome.Opened
	result.Updated = outcome.Updated
	result.Escalated = outcome.Escalated
	result.Resolved = outcome.Resolved
	result.Pending = outcome.Pending
	result.Ambiguities = res.Ambiguities
	result.Conflicts = res.Conflicts
	result.Decisions = decisions
	return nil
}

func (s *Service) tracker(policy *Policy) *exceptions.Tracker {
	return exceptions.NewTracker(policy.Exceptions,
		exceptions.WithClock(s.now),
		exceptions.WithIDGenerator(s.newID),
		exceptions.WithLogger(s.logger),
	)
}

func (s *Service) progressReporter(run *models.Run) func(step string) {
	start := time.Now()
	completed := 0
	return func(step string) {
		if step == StepDone {
			completed = len(runSteps)
		}
		p := RunProgress{
			RunID:           run.ID,
			Scope:           run.Scope,
			Step:            step,
			CompletedSteps:  completed,
			TotalSteps:      len(runSteps),
			PercentComplete: float64(completed) / float64(len(runSteps)) * 100,
			ElapsedTime:     time.Since(start),
		}
		completed++
		for _, cb := range s.progressCallbacks {
			cb(p)
		}
	}
}

// itemFor describes an unresolved record to the exception tracker
func itemFor(u resolver.Unresolved, sources map[string]*models.SourceRecord, ledgers map[string]*models.LedgerRecord) (exceptions.Item, bool) {
	item := exceptions.Item{Ref: u.Ref, Reason: u.Reason, Ambiguous: u.Ambiguous}
	switch u.Ref.Side {
	case models.SideSource:
		src, ok := sources[u.Ref.ID]
		if !ok {
			return item, false
		}
		item.Amount, item.Currency, item.ValueDate = src.Amount, src.Currency, src.ValueDate
	default:
		l, ok := ledgers[u.Ref.ID]
		if !ok {
			return item, false
		}
		item.Amount, item.Currency, item.ValueDate = l.Amount, l.Currency, l.ValueDate
	}
	return item, true
}

func ledgersOf(m *models.Match, ledgers map[string]*models.LedgerRecord) []*models.LedgerRecord {
	out := make([]*models.LedgerRecord, 0, len(m.LedgerIDs))
	for _, id := range m.LedgerIDs {
		if l, ok := ledgers[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

// pairingDeltas counts one settlement of the source's counterparty against each ledger
// account. A negative sign undoes an earlier count.
func pairingDeltas(scope string, src *models.SourceRecord, ledgers []*models.LedgerRecord, sign int) []models.PairingStat {
	if src == nil {
		return nil
	}
	name := matcher.NormalizeName(src.Counterparty)
	if name == "" {
		return nil
	}

	var out []models.PairingStat
	index := make(map[string]int)
	for _, l := range ledgers {
		if l.AccountCode == "" {
			continue
		}
		i, ok := index[l.AccountCode]
		if !ok {
			i = len(out)
			index[l.AccountCode] = i
			out = append(out, models.PairingStat{Scope: scope, Counterparty: name, AccountCode: l.AccountCode})
		}
		out[i].Hits += sign
		out[i].LagDaySum += sign * matcher.LagDays(src, l)
	}
	return out
}

func matchEntry(m *models.Match, runID string) *models.DecisionLogEntry {
	e := &models.DecisionLogEntry{
		Action:     models.ActionMatchSuggested,
		MatchID:    m.ID,
		SourceIDs:  []string{m.SourceID},
		LedgerIDs:  append([]string(nil), m.LedgerIDs...),
		RuleID:     m.RuleID,
		Confidence: m.Confidence,
		Actor:      models.ActorSystem,
		ReasonCode: "below-auto-accept",
		Reason:     fmt.Sprintf("tier %d %s match at %.2f awaits review", m.Tier, m.RuleID, m.Confidence),
		RunID:      runID,
	}
	if m.State == models.MatchActive {
		e.Action = models.ActionMatchAuto
		e.ReasonCode = "auto-accept"
		e.Reason = fmt.Sprintf("tier %d %s match at %.2f", m.Tier, m.RuleID, m.Confidence)
	}
	return e
}

func escalationEntry(e *models.Exception, policy *Policy, runID string) *models.DecisionLogEntry {
	entry := &models.DecisionLogEntry{
		Action:      models.ActionExceptionEscalated,
		ExceptionID: e.ID,
		Actor:       models.ActorSystem,
		ReasonCode:  "age-threshold",
		Reason: fmt.Sprintf("open %d days, past the %d day escalation age",
			e.AgeInDays, policy.Exceptions.EscalationAgeDays),
		RunID: runID,
	}
	setRecordIDs(entry, e.Ref())
	return entry
}

func setRecordIDs(entry *models.DecisionLogEntry, ref models.RecordRef) {
	if ref.Side == models.SideSource {
		entry.SourceIDs = []string{ref.ID}
	} else {
		entry.LedgerIDs = []string{ref.ID}
	}
}

func sourceRef(id string) models.RecordRef {
	return models.RecordRef{Side: models.SideSource, ID: id}
}

func ledgerRef(id string) models.RecordRef {
	return models.RecordRef{Side: models.SideLedger, ID: id}
}
