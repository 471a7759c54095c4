// Package recordrepotest provides contract tests for
// [domain.RecordRepository] implementations.
package recordrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// Factory creates a fresh [domain.RecordRepository] for each test.
type Factory func(t *testing.T) domain.RecordRepository

// Run exercises the [domain.RecordRepository] contract.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	sampleRecord := func(id domain.RecordID, key string, createdAt time.Time) domain.DeploymentRecord {
		return domain.DeploymentRecord{
			ID:                 id,
			Service:            "checkout",
			Action:             domain.ActionDeploy,
			Version:            "1.4.0",
			Artifact:           domain.ArtifactRef{Bucket: "builds", Key: "checkout/1.4.0.tar"},
			Recipe:             domain.RecipeStandard,
			Requester:          "ci-bot",
			IdempotencyKey:     key,
			PayloadFingerprint: "fp-1",
			PipelineID:         "pipe-deploy",
			RollbackPipelineID: "pipe-rollback",
			State:              domain.StatePending,
			CreatedAt:          createdAt,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		rec := sampleRecord("r1", "k1", base)

		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Service != "checkout" || got.Action != domain.ActionDeploy {
			t.Errorf("got %s/%s, want checkout/deploy", got.Service, got.Action)
		}
		if got.Artifact.Bucket != "builds" || got.Artifact.Key != "checkout/1.4.0.tar" {
			t.Errorf("Artifact = %+v", got.Artifact)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
		if !got.TerminalAt.IsZero() {
			t.Errorf("TerminalAt = %v, want zero", got.TerminalAt)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DuplicateIdempotencyKey", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Create(ctx, sampleRecord("r1", "k1", base)); err != nil {
			t.Fatalf("first Create: %v", err)
		}
		err := repo.Create(ctx, sampleRecord("r2", "k1", base))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("KeyFreedAfterDispatchFailure", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		rec := sampleRecord("r1", "k1", base)
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		rec.State = domain.StateFailed
		rec.DispatchFailed = true
		rec.TerminalAt = base.Add(time.Second)
		if err := repo.Update(ctx, rec); err != nil {
			t.Fatalf("Update: %v", err)
		}

		// The key no longer resolves to an active record and a fresh
		// attempt may reuse it.
		if _, err := repo.FindByIdempotencyKey(ctx, "checkout", domain.ActionDeploy, "k1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("FindByIdempotencyKey after failure: got %v, want ErrNotFound", err)
		}
		if err := repo.Create(ctx, sampleRecord("r2", "k1", base.Add(time.Minute))); err != nil {
			t.Fatalf("Create with freed key: %v", err)
		}
	})

	t.Run("SameKeyDifferentActionOrService", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Create(ctx, sampleRecord("r1", "k1", base)); err != nil {
			t.Fatalf("Create: %v", err)
		}

		other := sampleRecord("r2", "k1", base)
		other.Action = domain.ActionRollback
		if err := repo.Create(ctx, other); err != nil {
			t.Fatalf("Create same key other action: %v", err)
		}

		third := sampleRecord("r3", "k1", base)
		third.Service = "billing"
		if err := repo.Create(ctx, third); err != nil {
			t.Fatalf("Create same key other service: %v", err)
		}
	})

	t.Run("FindByIdempotencyKey", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Create(ctx, sampleRecord("r1", "k1", base)); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.FindByIdempotencyKey(ctx, "checkout", domain.ActionDeploy, "k1")
		if err != nil {
			t.Fatalf("FindByIdempotencyKey: %v", err)
		}
		if got.ID != "r1" {
			t.Errorf("ID = %q, want r1", got.ID)
		}

		if _, err := repo.FindByIdempotencyKey(ctx, "checkout", domain.ActionDeploy, "other"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("unknown key: got %v, want ErrNotFound", err)
		}
	})

	t.Run("FindByRunID", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		rec := sampleRecord("r1", "k1", base)
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		rec.RunID = "run-77"
		rec.State = domain.StateRunning
		if err := repo.Update(ctx, rec); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, err := repo.FindByRunID(ctx, "run-77")
		if err != nil {
			t.Fatalf("FindByRunID: %v", err)
		}
		if got.ID != "r1" || got.State != domain.StateRunning {
			t.Errorf("got %q in state %q", got.ID, got.State)
		}

		if _, err := repo.FindByRunID(ctx, "run-unknown"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("unknown run: got %v, want ErrNotFound", err)
		}
	})

	t.Run("FindByRunIDEmpty", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		// Pending records hold an empty run_id; an empty identifier
		// must not correlate to them.
		if err := repo.Create(ctx, sampleRecord("r1", "k1", base)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := repo.FindByRunID(ctx, ""); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("empty run id: got %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Update(context.Background(), sampleRecord("ghost", "k1", base))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("LatestDeploy", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		older := sampleRecord("r1", "k1", base)
		newer := sampleRecord("r2", "k2", base.Add(time.Hour))
		newer.Version = "1.5.0"
		if err := repo.Create(ctx, older); err != nil {
			t.Fatalf("Create older: %v", err)
		}
		if err := repo.Create(ctx, newer); err != nil {
			t.Fatalf("Create newer: %v", err)
		}

		// Rollbacks and records that never reached the engine do not count.
		rb := sampleRecord("r3", "k3", base.Add(2*time.Hour))
		rb.Action = domain.ActionRollback
		if err := repo.Create(ctx, rb); err != nil {
			t.Fatalf("Create rollback: %v", err)
		}
		ghost := sampleRecord("r4", "k4", base.Add(3*time.Hour))
		ghost.DispatchFailed = true
		ghost.State = domain.StateFailed
		if err := repo.Create(ctx, ghost); err != nil {
			t.Fatalf("Create failed-dispatch: %v", err)
		}

		got, err := repo.LatestDeploy(ctx, "checkout")
		if err != nil {
			t.Fatalf("LatestDeploy: %v", err)
		}
		if got.ID != "r2" {
			t.Errorf("LatestDeploy = %q, want r2", got.ID)
		}

		if _, err := repo.LatestDeploy(ctx, "billing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("LatestDeploy unknown service: got %v, want ErrNotFound", err)
		}
	})

	t.Run("LatestDeploySubsecondOrder", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		// The newer record lands within the same second as the older
		// one, on a fractional timestamp. The stored ordering must
		// still be chronological.
		older := sampleRecord("r1", "k1", base)
		newer := sampleRecord("r2", "k2", base.Add(500*time.Millisecond))
		if err := repo.Create(ctx, older); err != nil {
			t.Fatalf("Create older: %v", err)
		}
		if err := repo.Create(ctx, newer); err != nil {
			t.Fatalf("Create newer: %v", err)
		}

		got, err := repo.LatestDeploy(ctx, "checkout")
		if err != nil {
			t.Fatalf("LatestDeploy: %v", err)
		}
		if got.ID != "r2" {
			t.Errorf("LatestDeploy = %q, want r2", got.ID)
		}
	})

	t.Run("ListByService", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for i, id := range []domain.RecordID{"r1", "r2", "r3"} {
			rec := sampleRecord(id, "k"+string(rune('1'+i)), base.Add(time.Duration(i)*time.Minute))
			if err := repo.Create(ctx, rec); err != nil {
				t.Fatalf("Create %s: %v", id, err)
			}
		}

		got, err := repo.ListByService(ctx, "checkout", 2)
		if err != nil {
			t.Fatalf("ListByService: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ID != "r3" || got[1].ID != "r2" {
			t.Errorf("order = %q, %q; want r3, r2", got[0].ID, got[1].ID)
		}

		empty, err := repo.ListByService(ctx, "billing", 10)
		if err != nil {
			t.Fatalf("ListByService empty: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("len = %d, want 0", len(empty))
		}
	})
}
