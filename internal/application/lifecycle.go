package application

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shipgate/shipgate-server/internal/domain"
)

const lockStripes = 64

// LifecycleService is the single serialized entry point for mutations of
// an existing deployment record: engine events (callback or poll) and
// rollback linking. Mutations for the same record ID are serialized on a
// striped lock; different records proceed in parallel.
type LifecycleService struct {
	Records domain.RecordRepository
	Logger  *slog.Logger

	// AutoRollback enables automatic rollback dispatch for failed
	// deploys whose recipe has a rollback pipeline.
	AutoRollback bool

	// Rollbacks starts the auto-rollback workflow. May be nil, which
	// disables auto-rollback regardless of AutoRollback.
	Rollbacks domain.RollbackRunner

	// RollbackWait bounds the background wait for a rollback workflow.
	// Defaults to 10 minutes.
	RollbackWait time.Duration

	locks [lockStripes]sync.Mutex
}

func (s *LifecycleService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *LifecycleService) lock(id domain.RecordID) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// ApplyEngineEvent applies a terminal engine event to the record owning
// the run identifier. An event for an unknown run is logged and dropped
// ([domain.ErrUnknownRun]); it never mutates any record. Duplicate
// terminal events return changed=false with no error. A transition to
// failed triggers at most one auto-rollback workflow.
func (s *LifecycleService) ApplyEngineEvent(ctx context.Context, ev domain.EngineEvent) (domain.DeploymentRecord, bool, error) {
	found, err := s.Records.FindByRunID(ctx, ev.RunID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger().Warn("dropping engine event for unknown run", "run", ev.RunID, "outcome", ev.Outcome)
			return domain.DeploymentRecord{}, false, fmt.Errorf("%w: run %q", domain.ErrUnknownRun, ev.RunID)
		}
		return domain.DeploymentRecord{}, false, fmt.Errorf("correlate run %q: %w", ev.RunID, err)
	}

	unlock := s.lock(found.ID)
	defer unlock()

	// Re-read under the lock: another event may have finalized the
	// record between correlation and acquisition.
	rec, err := s.Records.Get(ctx, found.ID)
	if err != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("load record %s: %w", found.ID, err)
	}

	changed, err := domain.ApplyOutcome(&rec, ev)
	if err != nil {
		return rec, false, err
	}
	if !changed {
		return rec, false, nil
	}
	if err := s.Records.Update(ctx, rec); err != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("update record %s: %w", rec.ID, err)
	}

	s.logger().Info("deployment record finalized",
		"record", rec.ID, "service", rec.Service, "run", rec.RunID, "state", rec.State)

	if s.AutoRollback && s.Rollbacks != nil && domain.EligibleForAutoRollback(rec) {
		go s.runRollback(rec.ID)
	}
	return rec, true, nil
}

// LinkRollback sets the rollback link on the original record. The first
// link wins; a repeated link to the same rollback record is a no-op.
func (s *LifecycleService) LinkRollback(ctx context.Context, originalID, rollbackID domain.RecordID) error {
	unlock := s.lock(originalID)
	defer unlock()

	rec, err := s.Records.Get(ctx, originalID)
	if err != nil {
		return fmt.Errorf("load record %s: %w", originalID, err)
	}
	if rec.RollbackID != "" {
		if rec.RollbackID != rollbackID {
			s.logger().Warn("record already linked to a different rollback",
				"record", originalID, "linked", rec.RollbackID, "ignored", rollbackID)
		}
		return nil
	}
	rec.RollbackID = rollbackID
	if err := s.Records.Update(ctx, rec); err != nil {
		return fmt.Errorf("update record %s: %w", originalID, err)
	}
	return nil
}

// Display resolves the observable status of a record, following the
// rollback link when present.
func (s *LifecycleService) Display(ctx context.Context, rec domain.DeploymentRecord) domain.DisplayState {
	if rec.RollbackID == "" {
		return domain.Display(rec, nil)
	}
	rollback, err := s.Records.Get(ctx, rec.RollbackID)
	if err != nil {
		s.logger().Warn("load linked rollback record", "record", rec.ID, "rollback", rec.RollbackID, "error", err)
		return domain.Display(rec, nil)
	}
	return domain.Display(rec, &rollback)
}

func (s *LifecycleService) runRollback(originalID domain.RecordID) {
	wait := s.RollbackWait
	if wait <= 0 {
		wait = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	handle, err := s.Rollbacks.Run(ctx, originalID)
	if err != nil {
		s.logger().Error("start auto-rollback workflow", "record", originalID, "error", err)
		return
	}
	rollbackID, err := handle.AwaitResult(ctx)
	if err != nil {
		s.logger().Error("auto-rollback workflow failed",
			"record", originalID, "workflow", handle.WorkflowID(), "error", err)
		return
	}
	s.logger().Info("auto-rollback completed",
		"record", originalID, "rollback", rollbackID, "workflow", handle.WorkflowID())
}
