package domain

import (
	"context"
	"fmt"
	"time"
)

// RollbackDispatcher creates and dispatches the rollback record for a
// failed deployment. The dispatch is system-initiated and idempotent per
// original record, so at-least-once workflow execution produces exactly
// one engine run.
type RollbackDispatcher interface {
	DispatchRollback(ctx context.Context, originalID RecordID) (DeploymentRecord, error)
}

// OutcomeApplier applies a terminal engine event through the serialized
// per-record lifecycle entry point.
type OutcomeApplier interface {
	ApplyEngineEvent(ctx context.Context, ev EngineEvent) (DeploymentRecord, bool, error)
}

// RollbackWorkflow is the auto-rollback pipeline run when a deploy under
// a recipe with a configured rollback pipeline fails: dispatch the
// rollback, then watch the engine run to a terminal state via the poll
// endpoint. Callbacks may finalize the record first; the watch activity
// then observes the terminal record and stops.
type RollbackWorkflow struct {
	Records    RecordRepository
	Dispatcher RollbackDispatcher
	Engine     EngineClient
	Lifecycle  OutcomeApplier

	// PollInterval defaults to 2s, PollTimeout to 5m.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Name is the stable workflow name used by durable engines.
func (w *RollbackWorkflow) Name() string { return "auto-rollback" }

// Run executes the workflow body against the given runner.
func (w *RollbackWorkflow) Run(runner DurableRunner, originalID RecordID) (RecordID, error) {
	rollbackID, err := RunActivity(runner, w.DispatchRollback(), originalID)
	if err != nil {
		return "", err
	}
	if _, err := RunActivity(runner, w.WatchRun(), rollbackID); err != nil {
		return rollbackID, err
	}
	return rollbackID, nil
}

// DispatchRollback creates the rollback record for the failed deployment
// and triggers its pipeline.
func (w *RollbackWorkflow) DispatchRollback() Activity[RecordID, RecordID] {
	return NewActivity("dispatch-rollback", func(ctx context.Context, originalID RecordID) (RecordID, error) {
		rec, err := w.Dispatcher.DispatchRollback(ctx, originalID)
		if err != nil {
			return "", fmt.Errorf("dispatch rollback for %s: %w", originalID, err)
		}
		return rec.ID, nil
	})
}

// WatchRun polls the engine until the rollback record's run reaches a
// terminal state and applies the result. Safe to re-run: a record that
// is already terminal (via callback or a previous attempt) ends the
// watch immediately.
func (w *RollbackWorkflow) WatchRun() Activity[RecordID, struct{}] {
	return NewActivity("watch-rollback-run", func(ctx context.Context, rollbackID RecordID) (struct{}, error) {
		interval := w.PollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		timeout := w.PollTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			rec, err := w.Records.Get(ctx, rollbackID)
			if err != nil {
				return struct{}{}, fmt.Errorf("load rollback record %s: %w", rollbackID, err)
			}
			if rec.Terminal() {
				return struct{}{}, nil
			}

			status, err := w.Engine.RunStatus(ctx, rec.RunID)
			if err == nil && status.Terminal {
				ev := EngineEvent{RunID: rec.RunID, Outcome: status.Outcome, OccurredAt: time.Now().UTC()}
				if _, _, err := w.Lifecycle.ApplyEngineEvent(ctx, ev); err != nil {
					return struct{}{}, fmt.Errorf("apply rollback outcome for %s: %w", rollbackID, err)
				}
				return struct{}{}, nil
			}

			select {
			case <-ctx.Done():
				return struct{}{}, fmt.Errorf("watch rollback run %s: %w", rollbackID, ctx.Err())
			case <-ticker.C:
			}
		}
	})
}
