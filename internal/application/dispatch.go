package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// RollbackLinker records the rollback link on an original record. It is
// implemented by [LifecycleService] so the link write goes through the
// same per-record serialization as engine events.
type RollbackLinker interface {
	LinkRollback(ctx context.Context, originalID, rollbackID domain.RecordID) error
}

// Dispatcher creates deployment records and sends the outbound trigger
// to the deployment engine. It is idempotent per caller-supplied key:
// record creation is a compare-and-insert, and a replayed submission
// returns the existing record without a second outbound call.
type Dispatcher struct {
	Records domain.RecordRepository
	Engine  domain.EngineClient
	Flags   domain.RuntimeFlags
	Links   RollbackLinker
	Logger  *slog.Logger

	// NewID and Now are overridable for tests.
	NewID func() string
	Now   func() time.Time
}

func (d *Dispatcher) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch inserts the record and triggers its pipeline. The returned
// bool is false when the submission was an idempotent replay and the
// existing record is returned instead. A known-failed dispatch marks
// the record dispatch-failed, releasing its idempotency key; an
// ambiguous failure leaves the record pending and the key held, to be
// reconciled by callback or poll.
func (d *Dispatcher) Dispatch(ctx context.Context, rec domain.DeploymentRecord) (domain.DeploymentRecord, bool, error) {
	rec, created, err := d.insert(ctx, rec)
	if err != nil || !created {
		return rec, false, err
	}

	if d.Flags != nil && d.Flags.DemoMode() {
		rec.RunID = domain.RunID("demo-" + d.newID())
		rec.State = domain.StateRunning
		if err := d.Records.Update(ctx, rec); err != nil {
			return domain.DeploymentRecord{}, false, fmt.Errorf("update record %s: %w", rec.ID, err)
		}
		d.logger().Info("demo-mode dispatch, engine skipped",
			"record", rec.ID, "service", rec.Service, "run", rec.RunID)
		return rec, true, nil
	}

	runID, err := d.Engine.TriggerPipeline(ctx, domain.DispatchRequest{
		Service:    rec.Service,
		Version:    rec.Version,
		Artifact:   rec.Artifact,
		PipelineID: rec.PipelineID,
	})
	if err != nil {
		var de *domain.DispatchError
		if errors.As(err, &de) && de.Ambiguous {
			// The pending record holds no run identifier, so engine
			// events cannot correlate to it. Only a retry with the same
			// key or operator cleanup resolves it.
			d.logger().Warn("ambiguous dispatch outcome, keeping record pending",
				"record", rec.ID, "service", rec.Service, "error", err)
			return domain.DeploymentRecord{}, false, err
		}
		rec.State = domain.StateFailed
		rec.DispatchFailed = true
		rec.TerminalAt = d.now()
		if uerr := d.Records.Update(ctx, rec); uerr != nil {
			d.logger().Error("mark dispatch-failed", "record", rec.ID, "error", uerr)
		}
		return domain.DeploymentRecord{}, false, err
	}

	rec.RunID = runID
	rec.State = domain.StateRunning
	if err := d.Records.Update(ctx, rec); err != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	return rec, true, nil
}

// Acknowledge inserts a record for an action with no engine pipeline
// (build registration, capability upload) with the same idempotency
// semantics as Dispatch. The record is immediately terminal.
func (d *Dispatcher) Acknowledge(ctx context.Context, rec domain.DeploymentRecord) (domain.DeploymentRecord, bool, error) {
	return d.insertTerminal(ctx, rec)
}

// DispatchRollback implements [domain.RollbackDispatcher]: it builds the
// rollback record for a failed deployment and dispatches its rollback
// pipeline. The idempotency key is derived from the original record ID,
// so at-least-once workflow execution triggers at most one engine run.
func (d *Dispatcher) DispatchRollback(ctx context.Context, originalID domain.RecordID) (domain.DeploymentRecord, error) {
	original, err := d.Records.Get(ctx, originalID)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("load record %s: %w", originalID, err)
	}
	if original.RollbackPipelineID == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("%w: record %s has no rollback pipeline", domain.ErrRecipeNotConfigured, originalID)
	}

	rec := domain.DeploymentRecord{
		Service:        original.Service,
		Action:         domain.ActionRollback,
		Version:        original.Version,
		Artifact:       original.Artifact,
		Recipe:         original.Recipe,
		Requester:      original.Requester,
		IdempotencyKey: "auto-rollback:" + string(originalID),
		PipelineID:     original.RollbackPipelineID,
		RollbackOf:     original.ID,
	}

	out, created, err := d.Dispatch(ctx, rec)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if created && d.Links != nil {
		if err := d.Links.LinkRollback(ctx, originalID, out.ID); err != nil {
			d.logger().Error("link rollback record", "original", originalID, "rollback", out.ID, "error", err)
		}
	}
	return out, nil
}

// insert performs the atomic compare-and-insert and resolves replays and
// conflicts against the existing key holder.
func (d *Dispatcher) insert(ctx context.Context, rec domain.DeploymentRecord) (domain.DeploymentRecord, bool, error) {
	rec.ID = domain.RecordID(d.newID())
	rec.State = domain.StatePending
	rec.CreatedAt = d.now()
	if rec.PayloadFingerprint == "" {
		rec.PayloadFingerprint = domain.Fingerprint(rec.Service, rec.Version, rec.Artifact, rec.Recipe)
	}

	err := d.Records.Create(ctx, rec)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return domain.DeploymentRecord{}, false, fmt.Errorf("create record: %w", err)
	}

	existing, ferr := d.Records.FindByIdempotencyKey(ctx, rec.Service, rec.Action, rec.IdempotencyKey)
	if ferr != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("resolve idempotency key %q: %w", rec.IdempotencyKey, ferr)
	}
	if existing.PayloadFingerprint != rec.PayloadFingerprint {
		return domain.DeploymentRecord{}, false, fmt.Errorf("%w: key %q reused with a different payload", domain.ErrIdempotencyConflict, rec.IdempotencyKey)
	}
	return existing, false, nil
}

func (d *Dispatcher) insertTerminal(ctx context.Context, rec domain.DeploymentRecord) (domain.DeploymentRecord, bool, error) {
	rec, created, err := d.insert(ctx, rec)
	if err != nil || !created {
		return rec, created, err
	}
	rec.State = domain.StateSucceeded
	rec.TerminalAt = rec.CreatedAt
	if err := d.Records.Update(ctx, rec); err != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	return rec, true, nil
}
