package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// GovernanceService is the entry point for every mutating operation.
// Each submission runs the gate pipeline in order (kill switch, rate
// limiter, quota ledger, recipe resolver) and only then dispatches.
// Gate failures are surfaced synchronously and consume nothing further
// down the pipeline; engaging the kill switch never consumes quota.
type GovernanceService struct {
	Flags      domain.RuntimeFlags
	Rates      *domain.RateLimiter
	Quotas     *domain.QuotaLedger
	Recipes    domain.RecipeResolver
	Dispatcher *Dispatcher
	Records    domain.RecordRepository
	Lifecycle  *LifecycleService
	Logger     *slog.Logger
}

func (s *GovernanceService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// SubmitDeployInput is the caller-provided input for a deployment.
type SubmitDeployInput struct {
	Service        string
	Version        string
	Artifact       domain.ArtifactRef
	Recipe         string
	IdempotencyKey string
}

// SubmitDeploy validates and gates a deployment request, then dispatches
// it under the resolved recipe pipelines.
func (s *GovernanceService) SubmitDeploy(ctx context.Context, caller domain.CallerID, in SubmitDeployInput) (domain.DeploymentRecord, error) {
	if in.Service == "" || in.Version == "" || in.IdempotencyKey == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("%w: service, version, and idempotency key are required", domain.ErrInvalidArgument)
	}
	if err := in.Artifact.Validate(); err != nil {
		return domain.DeploymentRecord{}, err
	}
	recipe, err := domain.ParseRecipe(in.Recipe)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	reservation, err := s.admit(caller, domain.ActionDeploy)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	pair, err := s.Recipes.Resolve(in.Service, recipe)
	if err != nil {
		reservation.Release()
		return domain.DeploymentRecord{}, err
	}

	rec := domain.DeploymentRecord{
		Service:            in.Service,
		Action:             domain.ActionDeploy,
		Version:            in.Version,
		Artifact:           in.Artifact,
		Recipe:             recipe,
		Requester:          caller,
		IdempotencyKey:     in.IdempotencyKey,
		PipelineID:         pair.DeployPipelineID,
		RollbackPipelineID: pair.RollbackPipelineID,
	}
	return s.dispatch(ctx, rec, reservation)
}

// SubmitRollbackInput is the caller-provided input for a manual rollback
// of the most recent eligible deployment of a service.
type SubmitRollbackInput struct {
	Service        string
	IdempotencyKey string
}

// SubmitRollback gates and dispatches a rollback of the latest eligible
// deployment for the service.
func (s *GovernanceService) SubmitRollback(ctx context.Context, caller domain.CallerID, in SubmitRollbackInput) (domain.DeploymentRecord, error) {
	if in.Service == "" || in.IdempotencyKey == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("%w: service and idempotency key are required", domain.ErrInvalidArgument)
	}

	reservation, err := s.admit(caller, domain.ActionRollback)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	original, err := s.Records.LatestDeploy(ctx, in.Service)
	if err != nil {
		reservation.Release()
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DeploymentRecord{}, fmt.Errorf("%w: no deployment of %q to roll back", domain.ErrNotFound, in.Service)
		}
		return domain.DeploymentRecord{}, err
	}
	if original.RollbackPipelineID == "" {
		reservation.Release()
		return domain.DeploymentRecord{}, fmt.Errorf("%w: deployment %s has no rollback pipeline", domain.ErrRecipeNotConfigured, original.ID)
	}
	if original.RollbackID != "" {
		reservation.Release()
		return domain.DeploymentRecord{}, fmt.Errorf("%w: deployment %s already has rollback %s", domain.ErrAlreadyExists, original.ID, original.RollbackID)
	}

	rec := domain.DeploymentRecord{
		Service:        in.Service,
		Action:         domain.ActionRollback,
		Version:        original.Version,
		Artifact:       original.Artifact,
		Recipe:         original.Recipe,
		Requester:      caller,
		IdempotencyKey: in.IdempotencyKey,
		PipelineID:     original.RollbackPipelineID,
		RollbackOf:     original.ID,
	}
	out, err := s.dispatch(ctx, rec, reservation)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if s.Lifecycle != nil {
		if err := s.Lifecycle.LinkRollback(ctx, original.ID, out.ID); err != nil {
			s.logger().Error("link manual rollback", "original", original.ID, "rollback", out.ID, "error", err)
		}
	}
	return out, nil
}

// RegisterInput is the caller-provided input for build registration and
// capability upload. The payload is opaque to governance beyond quota
// accounting and idempotent replay detection.
type RegisterInput struct {
	Service        string
	IdempotencyKey string
	Payload        json.RawMessage
}

// RegisterBuild accounts a build registration against its quota and
// records an acknowledgment.
func (s *GovernanceService) RegisterBuild(ctx context.Context, caller domain.CallerID, in RegisterInput) (domain.DeploymentRecord, error) {
	return s.acknowledge(ctx, caller, domain.ActionBuildRegister, in)
}

// UploadCapability accounts a capability upload against its quota and
// records an acknowledgment.
func (s *GovernanceService) UploadCapability(ctx context.Context, caller domain.CallerID, in RegisterInput) (domain.DeploymentRecord, error) {
	return s.acknowledge(ctx, caller, domain.ActionUploadCapability, in)
}

func (s *GovernanceService) acknowledge(ctx context.Context, caller domain.CallerID, kind domain.ActionKind, in RegisterInput) (domain.DeploymentRecord, error) {
	if in.Service == "" || in.IdempotencyKey == "" {
		return domain.DeploymentRecord{}, fmt.Errorf("%w: service and idempotency key are required", domain.ErrInvalidArgument)
	}

	reservation, err := s.admit(caller, kind)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	rec := domain.DeploymentRecord{
		Service:            in.Service,
		Action:             kind,
		Requester:          caller,
		IdempotencyKey:     in.IdempotencyKey,
		PayloadFingerprint: domain.Fingerprint(in.Service, string(in.Payload), domain.ArtifactRef{}, ""),
	}
	out, created, err := s.Dispatcher.Acknowledge(ctx, rec)
	if err != nil {
		reservation.Release()
		return domain.DeploymentRecord{}, err
	}
	if !created {
		reservation.Release()
	}
	return out, nil
}

// admit runs the gate pipeline shared by every mutating operation.
func (s *GovernanceService) admit(caller domain.CallerID, kind domain.ActionKind) (*domain.QuotaReservation, error) {
	if s.Flags.KillSwitchEngaged() {
		return nil, fmt.Errorf("%w: kill switch engaged", domain.ErrGovernanceBlocked)
	}
	if err := s.Rates.TryConsume(caller, domain.ClassMutate); err != nil {
		return nil, err
	}
	reservation, err := s.Quotas.TryReserve(caller, kind)
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// dispatch sends the gated record and settles the quota reservation: a
// replay or a known-failed dispatch releases it, an ambiguous outcome
// keeps it so the engine cannot be double-charged by a blind retry.
func (s *GovernanceService) dispatch(ctx context.Context, rec domain.DeploymentRecord, reservation *domain.QuotaReservation) (domain.DeploymentRecord, error) {
	out, created, err := s.Dispatcher.Dispatch(ctx, rec)
	if err != nil {
		var de *domain.DispatchError
		if !errors.As(err, &de) || !de.Ambiguous {
			reservation.Release()
		}
		return domain.DeploymentRecord{}, err
	}
	if !created {
		reservation.Release()
	}
	return out, nil
}
