package domain

import (
	"fmt"
	"time"
)

// EngineOutcome is a terminal result reported by the deployment engine.
type EngineOutcome string

const (
	OutcomeSucceeded EngineOutcome = "succeeded"
	OutcomeFailed    EngineOutcome = "failed"
)

// EngineEvent is a terminal status report from the engine, delivered via
// callback or poll and correlated to a record by run identifier.
type EngineEvent struct {
	RunID      RunID
	Outcome    EngineOutcome
	OccurredAt time.Time
}

// ApplyOutcome applies a terminal engine event to a record. Transitions
// are monotonic: running moves to succeeded or failed; a duplicate
// terminal event for an already-terminal record is idempotently ignored
// (changed=false, no error); no transition leaves succeeded. An event
// for a pending record is invalid, since pending records have not been
// dispatched and own no run identifier.
func ApplyOutcome(r *DeploymentRecord, ev EngineEvent) (changed bool, err error) {
	if r.Terminal() {
		return false, nil
	}
	if r.State != StateRunning {
		return false, fmt.Errorf("%w: record %s is %s, cannot apply engine outcome", ErrInvalidArgument, r.ID, r.State)
	}

	switch ev.Outcome {
	case OutcomeSucceeded:
		r.State = StateSucceeded
	case OutcomeFailed:
		r.State = StateFailed
	default:
		return false, fmt.Errorf("%w: engine outcome %q", ErrInvalidArgument, ev.Outcome)
	}
	r.TerminalAt = ev.OccurredAt
	return true, nil
}

// EligibleForAutoRollback reports whether a record that just failed
// should trigger an automatic rollback dispatch: it must be a deploy
// under a recipe with a rollback pipeline, and not already linked to a
// rollback record.
func EligibleForAutoRollback(r DeploymentRecord) bool {
	return r.Action == ActionDeploy &&
		r.State == StateFailed &&
		!r.DispatchFailed &&
		r.RollbackPipelineID != "" &&
		r.RollbackID == ""
}

// Display computes the observable status of a record. rollback is the
// linked rollback record, or nil when none exists. A failed record whose
// rollback succeeded displays as rolled-back; the stored state stays
// failed.
func Display(r DeploymentRecord, rollback *DeploymentRecord) DisplayState {
	if r.State == StateFailed && rollback != nil && rollback.State == StateSucceeded {
		return DisplayRolledBack
	}
	return DisplayState(r.State)
}
