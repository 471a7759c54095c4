package application

import (
	"context"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// StatusService serves the read-only path: delivery status and allowed
// actions. Reads pass only the read rate ceiling, never the kill
// switch, quotas, or the engine token.
type StatusService struct {
	Records   domain.RecordRepository
	Rates     *domain.RateLimiter
	Quotas    *domain.QuotaLedger
	Flags     domain.RuntimeFlags
	Lifecycle *LifecycleService

	// HistoryLimit caps the history returned per service. Defaults to 20.
	HistoryLimit int
}

// RecordStatus pairs a record with its derived display state.
type RecordStatus struct {
	Record  domain.DeploymentRecord
	Display domain.DisplayState
}

// DeliveryStatus is the delivery view for one service.
type DeliveryStatus struct {
	Service string
	Current *RecordStatus
	History []RecordStatus
}

// DeliveryStatus returns the most recent deployment and history for a
// service with derived display states.
func (s *StatusService) DeliveryStatus(ctx context.Context, caller domain.CallerID, service string) (DeliveryStatus, error) {
	if err := s.Rates.TryConsume(caller, domain.ClassRead); err != nil {
		return DeliveryStatus{}, err
	}

	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	records, err := s.Records.ListByService(ctx, service, limit)
	if err != nil {
		return DeliveryStatus{}, err
	}

	out := DeliveryStatus{Service: service}
	for _, rec := range records {
		status := RecordStatus{Record: rec, Display: s.Lifecycle.Display(ctx, rec)}
		out.History = append(out.History, status)
		if out.Current == nil && rec.Action == domain.ActionDeploy && !rec.DispatchFailed {
			current := status
			out.Current = &current
		}
	}
	return out, nil
}

// ActionAvailability reports whether the caller could currently perform
// one action kind, without consuming anything.
type ActionAvailability struct {
	Action    domain.ActionKind
	Allowed   bool
	Remaining int
	Reason    string
}

// AllowedActions reports, per action kind, whether a submission by the
// caller would currently be admitted by the kill switch and quota gates.
func (s *StatusService) AllowedActions(ctx context.Context, caller domain.CallerID, service string) ([]ActionAvailability, error) {
	if err := s.Rates.TryConsume(caller, domain.ClassRead); err != nil {
		return nil, err
	}

	blocked := s.Flags.KillSwitchEngaged()
	kinds := []domain.ActionKind{
		domain.ActionDeploy,
		domain.ActionRollback,
		domain.ActionBuildRegister,
		domain.ActionUploadCapability,
	}

	out := make([]ActionAvailability, 0, len(kinds))
	for _, kind := range kinds {
		a := ActionAvailability{Action: kind, Remaining: s.Quotas.Remaining(caller, kind)}
		switch {
		case blocked:
			a.Reason = "kill switch engaged"
		case s.Quotas.Limit(kind) == 0:
			a.Reason = "no daily quota configured"
		case a.Remaining == 0:
			a.Reason = "daily quota exhausted"
		case kind == domain.ActionRollback && !s.rollbackEligible(ctx, service):
			a.Reason = "no eligible deployment to roll back"
		default:
			a.Allowed = true
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *StatusService) rollbackEligible(ctx context.Context, service string) bool {
	latest, err := s.Records.LatestDeploy(ctx, service)
	if err != nil {
		return false
	}
	return latest.RollbackPipelineID != "" && latest.RollbackID == ""
}
