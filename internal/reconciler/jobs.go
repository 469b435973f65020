package reconciler

import (
	"context"
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// finishedJobRetention is how long a finished run's result stays in memory
const finishedJobRetention = time.Hour

// runJob is an asynchronous run in flight or recently finished
type runJob struct {
	run        *models.Run
	cancelFunc context.CancelFunc
	done       chan struct{}
	result     *RunResult
	err        error
}

// StartRun starts a run in the background and returns it in pending state.
// Its progress is polled with GetRun.
func (s *Service) StartRun(ctx context.Context, scope string) (*models.Run, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	run := s.newRun(scope)
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to store run")
	}

	// The job outlives the request that started it
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &runJob{run: run.Clone(), cancelFunc: cancel, done: make(chan struct{})}

	s.jobsMu.Lock()
	s.pruneJobsLocked()
	s.jobs[run.ID] = job
	s.jobsMu.Unlock()

	pending := run.Clone()
	s.wg.Add(1)
	go s.runJob(jobCtx, job, run)

	s.logger.WithFields(logger.Fields{"scope": scope, "run_id": run.ID}).Info("Started reconciliation run")
	return pending, nil
}

func (s *Service) runJob(ctx context.Context, job *runJob, run *models.Run) {
	defer s.wg.Done()
	defer close(job.done)
	defer job.cancelFunc()

	run.Status = models.RunRunning
	s.updateJob(job, run, nil, nil)
	if err := s.repo.SaveRun(ctx, run); err != nil {
		s.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to store run status")
	}

	result, err := s.execute(ctx, run)
	if err != nil {
		s.failRun(run, err)
	}
	s.updateJob(job, run, result, err)
}

func (s *Service) updateJob(job *runJob, run *models.Run, result *RunResult, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job.run = run.Clone()
	job.result = result
	job.err = err
}

// pruneJobsLocked drops finished jobs past their retention; their runs stay in storage
func (s *Service) pruneJobsLocked() {
	cutoff := s.now().Add(-finishedJobRetention)
	for id, job := range s.jobs {
		if job.run.Status.IsTerminal() && job.run.CompletedAt != nil && job.run.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

func (s *Service) lookupJob(scope, runID string) (*runJob, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	job, ok := s.jobs[runID]
	if !ok || job.run.Scope != scope {
		return nil, false
	}
	return job, true
}

// GetRun returns the current state of a run
func (s *Service) GetRun(ctx context.Context, scope, runID string) (*models.Run, error) {
	if job, ok := s.lookupJob(scope, runID); ok {
		s.jobsMu.RLock()
		defer s.jobsMu.RUnlock()
		return job.run.Clone(), nil
	}
	run, err := s.repo.GetRun(ctx, scope, runID)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to read run")
	}
	return run, nil
}

// ListRuns returns the scope's most recent runs, newest first
func (s *Service) ListRuns(ctx context.Context, scope string, limit int) ([]*models.Run, error) {
	runs, err := s.repo.ListRuns(ctx, scope, limit)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to list runs")
	}
	return runs, nil
}

// CancelRun asks a run to stop. A run that already holds the scope lock finishes
// its apply step, so the caller polls GetRun for the final status.
func (s *Service) CancelRun(ctx context.Context, scope, runID string) (*models.Run, error) {
	job, ok := s.lookupJob(scope, runID)
	if !ok {
		run, err := s.GetRun(ctx, scope, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return nil, errors.InvalidTransitionError("run", runID, string(run.Status), string(models.RunCancelled))
		}
		// Left behind by a previous process
		now := s.now()
		run.Status = models.RunCancelled
		run.CompletedAt = &now
		if err := s.repo.SaveRun(ctx, run); err != nil {
			return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeStorageFailure, "failed to store run")
		}
		return run, nil
	}

	s.jobsMu.RLock()
	status := job.run.Status
	s.jobsMu.RUnlock()
	if status.IsTerminal() {
		return nil, errors.InvalidTransitionError("run", runID, string(status), string(models.RunCancelled))
	}

	job.cancelFunc()
	s.logger.WithFields(logger.Fields{"scope": scope, "run_id": runID}).Info("Cancellation requested")
	return s.GetRun(ctx, scope, runID)
}

// WaitRun blocks until a background run finishes or ctx ends
func (s *Service) WaitRun(ctx context.Context, scope, runID string) (*RunResult, error) {
	job, ok := s.lookupJob(scope, runID)
	if !ok {
		run, err := s.GetRun(ctx, scope, runID)
		if err != nil {
			return nil, err
		}
		return &RunResult{Run: run}, nil
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	if job.err != nil {
		return nil, job.err
	}
	return job.result, nil
}

// Close cancels every run in flight and waits for them to stop
func (s *Service) Close() {
	s.jobsMu.RLock()
	for _, job := range s.jobs {
		job.cancelFunc()
	}
	s.jobsMu.RUnlock()
	s.wg.Wait()
}
