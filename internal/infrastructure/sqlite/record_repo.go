package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shipgate/shipgate-server/internal/domain"
)

const recordColumns = `id, service, action, version, artifact, recipe, requester,
	idempotency_key, payload_fingerprint, pipeline_id, rollback_pipeline_id,
	run_id, state, dispatch_failed, rollback_of, rollback_id, created_at, terminal_at`

// RecordRepo implements [domain.RecordRepository] backed by SQLite. The
// partial unique index on (service, action, idempotency_key) makes
// Create the atomic compare-and-insert the dispatcher relies on.
type RecordRepo struct {
	DB *sql.DB
}

func (r *RecordRepo) Create(ctx context.Context, rec domain.DeploymentRecord) error {
	artifact, err := json.Marshal(rec.Artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO deployment_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), rec.Service, string(rec.Action), rec.Version, string(artifact),
		string(rec.Recipe), string(rec.Requester), rec.IdempotencyKey, rec.PayloadFingerprint,
		rec.PipelineID, rec.RollbackPipelineID, string(rec.RunID), string(rec.State),
		boolToInt(rec.DispatchFailed), string(rec.RollbackOf), string(rec.RollbackID),
		formatTime(rec.CreatedAt), nullTime(rec.TerminalAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %q for %s/%s: %w", rec.IdempotencyKey, rec.Service, rec.Action, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (r *RecordRepo) Get(ctx context.Context, id domain.RecordID) (domain.DeploymentRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records WHERE id = ?`, string(id))
	return scanRecord(row)
}

func (r *RecordRepo) Update(ctx context.Context, rec domain.DeploymentRecord) error {
	artifact, err := json.Marshal(rec.Artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	res, err := r.DB.ExecContext(ctx,
		`UPDATE deployment_records
		 SET run_id = ?, state = ?, dispatch_failed = ?, rollback_of = ?, rollback_id = ?,
		     terminal_at = ?, artifact = ?
		 WHERE id = ?`,
		string(rec.RunID), string(rec.State), boolToInt(rec.DispatchFailed),
		string(rec.RollbackOf), string(rec.RollbackID), nullTime(rec.TerminalAt),
		string(artifact), string(rec.ID),
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record %q: %w", rec.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *RecordRepo) FindByIdempotencyKey(ctx context.Context, service string, action domain.ActionKind, key string) (domain.DeploymentRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records
		 WHERE service = ? AND action = ? AND idempotency_key = ? AND dispatch_failed = 0`,
		service, string(action), key)
	return scanRecord(row)
}

func (r *RecordRepo) FindByRunID(ctx context.Context, id domain.RunID) (domain.DeploymentRecord, error) {
	// Records that were never dispatched hold an empty run_id, so an
	// empty identifier must not correlate to any of them.
	if id == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("empty run id: %w", domain.ErrNotFound)
	}
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records WHERE run_id = ?`, string(id))
	return scanRecord(row)
}

func (r *RecordRepo) LatestDeploy(ctx context.Context, service string) (domain.DeploymentRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records
		 WHERE service = ? AND action = ? AND dispatch_failed = 0
		 ORDER BY created_at DESC LIMIT 1`,
		service, string(domain.ActionDeploy))
	return scanRecord(row)
}

func (r *RecordRepo) ListByService(ctx context.Context, service string, limit int) ([]domain.DeploymentRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records
		 WHERE service = ? ORDER BY created_at DESC LIMIT ?`,
		service, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []domain.DeploymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(s scanner) (domain.DeploymentRecord, error) {
	var rec domain.DeploymentRecord
	var id, service, action, version, artifactJSON, recipe, requester string
	var idemKey, fingerprint, pipelineID, rollbackPipelineID, runID, state string
	var dispatchFailed int
	var rollbackOf, rollbackID, createdAt string
	var terminalAt sql.NullString

	err := s.Scan(&id, &service, &action, &version, &artifactJSON, &recipe, &requester,
		&idemKey, &fingerprint, &pipelineID, &rollbackPipelineID,
		&runID, &state, &dispatchFailed, &rollbackOf, &rollbackID, &createdAt, &terminalAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w", domain.ErrNotFound)
		}
		return rec, fmt.Errorf("scan record: %w", err)
	}

	rec.ID = domain.RecordID(id)
	rec.Service = service
	rec.Action = domain.ActionKind(action)
	rec.Version = version
	rec.Recipe = domain.Recipe(recipe)
	rec.Requester = domain.CallerID(requester)
	rec.IdempotencyKey = idemKey
	rec.PayloadFingerprint = fingerprint
	rec.PipelineID = pipelineID
	rec.RollbackPipelineID = rollbackPipelineID
	rec.RunID = domain.RunID(runID)
	rec.State = domain.RecordState(state)
	rec.DispatchFailed = dispatchFailed != 0
	rec.RollbackOf = domain.RecordID(rollbackOf)
	rec.RollbackID = domain.RecordID(rollbackID)

	if err := json.Unmarshal([]byte(artifactJSON), &rec.Artifact); err != nil {
		return rec, fmt.Errorf("unmarshal artifact: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("parse created_at: %w", err)
	}
	if terminalAt.Valid {
		if rec.TerminalAt, err = parseTime(terminalAt.String); err != nil {
			return rec, fmt.Errorf("parse terminal_at: %w", err)
		}
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// timeLayout keeps a fixed-width fraction so the TEXT columns sort
// chronologically under ORDER BY. RFC3339Nano trims trailing zeros and
// breaks that within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
