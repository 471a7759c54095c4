package domain

import "context"

// RecordRepository persists deployment records. Create is an atomic
// compare-and-insert on (service, action, idempotency key): a second
// insert with a live key fails with [ErrAlreadyExists] rather than
// racing. Records whose dispatch definitively failed release their key
// (see [DeploymentRecord.DispatchFailed]). Records are never deleted.
type RecordRepository interface {
	Create(ctx context.Context, r DeploymentRecord) error
	Get(ctx context.Context, id RecordID) (DeploymentRecord, error)
	Update(ctx context.Context, r DeploymentRecord) error

	// FindByIdempotencyKey returns the record holding the key, ignoring
	// dispatch-failed records.
	FindByIdempotencyKey(ctx context.Context, service string, action ActionKind, key string) (DeploymentRecord, error)

	// FindByRunID correlates an engine event to a record.
	FindByRunID(ctx context.Context, id RunID) (DeploymentRecord, error)

	// LatestDeploy returns the most recent deploy record for the
	// service, excluding dispatch-failed records.
	LatestDeploy(ctx context.Context, service string) (DeploymentRecord, error)

	// ListByService returns up to limit records for the service, most
	// recent first.
	ListByService(ctx context.Context, service string, limit int) ([]DeploymentRecord, error)
}
