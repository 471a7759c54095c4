package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RecordID uniquely identifies a deployment record.
type RecordID string

// RunID is the deployment engine's identifier for a pipeline run. Engine
// events are correlated to records by RunID.
type RunID string

// CallerID is the opaque token subject a request was made under. It is
// the unit of rate and quota accounting.
type CallerID string

// ActionKind enumerates the governed action kinds. Each has an
// independent daily quota counter.
type ActionKind string

const (
	ActionDeploy           ActionKind = "deploy"
	ActionRollback         ActionKind = "rollback"
	ActionBuildRegister    ActionKind = "build-register"
	ActionUploadCapability ActionKind = "upload-capability"
)

// OperationClass splits requests into the two rate-limited classes.
type OperationClass string

const (
	ClassRead   OperationClass = "read"
	ClassMutate OperationClass = "mutate"
)

// RecordState is the lifecycle state of a deployment record.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateRunning   RecordState = "running"
	StateSucceeded RecordState = "succeeded"
	StateFailed    RecordState = "failed"
)

// DisplayState is the observable status of a record. It extends
// [RecordState] with the derived rolled-back status: a FAILED record
// whose linked rollback record succeeded displays as rolled-back while
// its stored state remains failed.
type DisplayState string

const (
	DisplayPending    DisplayState = "pending"
	DisplayRunning    DisplayState = "running"
	DisplaySucceeded  DisplayState = "succeeded"
	DisplayFailed     DisplayState = "failed"
	DisplayRolledBack DisplayState = "rolled-back"
)

// ArtifactRef locates the artifact to deploy: either an object-storage
// bucket and key, or a single opaque reference string.
type ArtifactRef struct {
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
	Opaque string `json:"ref,omitempty"`
}

// Validate checks that exactly one reference form is populated.
func (a ArtifactRef) Validate() error {
	if a.Opaque != "" {
		if a.Bucket != "" || a.Key != "" {
			return fmt.Errorf("%w: artifact ref is either bucket+key or an opaque ref, not both", ErrInvalidArgument)
		}
		return nil
	}
	if a.Bucket == "" || a.Key == "" {
		return fmt.Errorf("%w: artifact ref requires bucket and key", ErrInvalidArgument)
	}
	return nil
}

// IsZero reports whether no reference form is populated. Build
// registrations and capability uploads carry no artifact.
func (a ArtifactRef) IsZero() bool {
	return a == ArtifactRef{}
}

func (a ArtifactRef) String() string {
	if a.Opaque != "" {
		return a.Opaque
	}
	return a.Bucket + "/" + a.Key
}

// DeploymentRecord is the central mutable entity: one governed action and
// its lifecycle. Records are never deleted; they are retained as history.
type DeploymentRecord struct {
	ID        RecordID
	Service   string
	Action    ActionKind
	Version   string
	Artifact  ArtifactRef
	Recipe    Recipe
	Requester CallerID

	IdempotencyKey     string
	PayloadFingerprint string

	PipelineID         string
	RollbackPipelineID string
	RunID              RunID

	State RecordState

	// DispatchFailed marks a record whose outbound dispatch definitively
	// failed. Such records release their idempotency key so a caller
	// retry is not mistaken for a replay.
	DispatchFailed bool

	// RollbackOf links a rollback record back to the deployment it
	// reverts. RollbackID is the inverse link on the original record.
	RollbackOf RecordID
	RollbackID RecordID

	CreatedAt  time.Time
	TerminalAt time.Time
}

// Terminal reports whether the record reached a terminal state.
func (r DeploymentRecord) Terminal() bool {
	return r.State == StateSucceeded || r.State == StateFailed
}

// Fingerprint computes the payload fingerprint used to distinguish an
// idempotent replay (same fingerprint) from a conflicting reuse of the
// key (different fingerprint).
func Fingerprint(service, version string, artifact ArtifactRef, recipe Recipe) string {
	sum := sha256.Sum256([]byte(service + "\x00" + version + "\x00" + artifact.String() + "\x00" + string(recipe)))
	return hex.EncodeToString(sum[:])
}
