package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shipgate/shipgate-server/internal/application"
	"github.com/shipgate/shipgate-server/internal/domain"
)

// Handlers exposes the governance and status services over HTTP.
type Handlers struct {
	Governance *application.GovernanceService
	Status     *application.StatusService
	Lifecycle  *application.LifecycleService
}

type artifactBody struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Ref    string `json:"ref"`
}

func (a artifactBody) toDomain() domain.ArtifactRef {
	return domain.ArtifactRef{Bucket: a.Bucket, Key: a.Key, Opaque: a.Ref}
}

type deployRequest struct {
	Service        string       `json:"service"`
	Version        string       `json:"version"`
	Artifact       artifactBody `json:"artifact"`
	Recipe         string       `json:"recipe"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type rollbackRequest struct {
	Service        string `json:"service"`
	IdempotencyKey string `json:"idempotency_key"`
}

type registerRequest struct {
	Service        string          `json:"service"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

type recordResponse struct {
	ID         string `json:"id"`
	Service    string `json:"service"`
	Action     string `json:"action"`
	Version    string `json:"version,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Requester  string `json:"requester"`
	RunID      string `json:"run_id,omitempty"`
	State      string `json:"state"`
	RollbackOf string `json:"rollback_of,omitempty"`
	RollbackID string `json:"rollback_id,omitempty"`
	CreatedAt  string `json:"created_at"`
	TerminalAt string `json:"terminal_at,omitempty"`
}

func toRecordResponse(rec domain.DeploymentRecord, display domain.DisplayState) recordResponse {
	out := recordResponse{
		ID:         string(rec.ID),
		Service:    rec.Service,
		Action:     string(rec.Action),
		Version:    rec.Version,
		Recipe:     string(rec.Recipe),
		Requester:  string(rec.Requester),
		RunID:      string(rec.RunID),
		State:      string(display),
		RollbackOf: string(rec.RollbackOf),
		RollbackID: string(rec.RollbackID),
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !rec.TerminalAt.IsZero() {
		out.TerminalAt = rec.TerminalAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (h *Handlers) submitDeploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	rec, err := h.Governance.SubmitDeploy(c.Request.Context(), caller(c), application.SubmitDeployInput{
		Service:        req.Service,
		Version:        req.Version,
		Artifact:       req.Artifact.toDomain(),
		Recipe:         req.Recipe,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, domain.ActionDeploy, err)
		return
	}
	dispatches.WithLabelValues(string(domain.ActionDeploy), "accepted").Inc()
	c.JSON(http.StatusAccepted, toRecordResponse(rec, h.Lifecycle.Display(c.Request.Context(), rec)))
}

func (h *Handlers) submitRollback(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	rec, err := h.Governance.SubmitRollback(c.Request.Context(), caller(c), application.SubmitRollbackInput{
		Service:        req.Service,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, domain.ActionRollback, err)
		return
	}
	dispatches.WithLabelValues(string(domain.ActionRollback), "accepted").Inc()
	c.JSON(http.StatusAccepted, toRecordResponse(rec, h.Lifecycle.Display(c.Request.Context(), rec)))
}

func (h *Handlers) registerBuild(c *gin.Context) {
	h.acknowledge(c, domain.ActionBuildRegister, h.Governance.RegisterBuild)
}

func (h *Handlers) uploadCapability(c *gin.Context) {
	h.acknowledge(c, domain.ActionUploadCapability, h.Governance.UploadCapability)
}

func (h *Handlers) acknowledge(
	c *gin.Context,
	kind domain.ActionKind,
	submit func(ctx context.Context, caller domain.CallerID, in application.RegisterInput) (domain.DeploymentRecord, error),
) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	rec, err := submit(c.Request.Context(), caller(c), application.RegisterInput{
		Service:        req.Service,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
	})
	if err != nil {
		writeError(c, kind, err)
		return
	}
	dispatches.WithLabelValues(string(kind), "accepted").Inc()
	c.JSON(http.StatusOK, toRecordResponse(rec, domain.DisplayState(rec.State)))
}

func (h *Handlers) deliveryStatus(c *gin.Context) {
	status, err := h.Status.DeliveryStatus(c.Request.Context(), caller(c), c.Param("service"))
	if err != nil {
		writeError(c, "", err)
		return
	}

	out := gin.H{"service": status.Service}
	if status.Current != nil {
		out["current"] = toRecordResponse(status.Current.Record, status.Current.Display)
	}
	history := make([]recordResponse, 0, len(status.History))
	for _, rs := range status.History {
		history = append(history, toRecordResponse(rs.Record, rs.Display))
	}
	out["history"] = history
	c.JSON(http.StatusOK, out)
}

type availabilityResponse struct {
	Action    string `json:"action"`
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handlers) allowedActions(c *gin.Context) {
	actions, err := h.Status.AllowedActions(c.Request.Context(), caller(c), c.Param("service"))
	if err != nil {
		writeError(c, "", err)
		return
	}

	out := make([]availabilityResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, availabilityResponse{
			Action:    string(a.Action),
			Allowed:   a.Allowed,
			Remaining: a.Remaining,
			Reason:    a.Reason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"actions": out})
}

type callbackRequest struct {
	RunID      string `json:"run_id"`
	Outcome    string `json:"outcome"`
	OccurredAt string `json:"occurred_at"`
}

// engineCallback ingests a terminal run event pushed by the deployment
// engine. Events for unknown runs are acknowledged as ignored so the
// engine does not retry them forever.
func (h *Handlers) engineCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	var outcome domain.EngineOutcome
	switch req.Outcome {
	case "succeeded":
		outcome = domain.OutcomeSucceeded
	case "failed":
		outcome = domain.OutcomeFailed
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be succeeded or failed"})
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.OccurredAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "occurred_at must be RFC 3339"})
			return
		}
		occurredAt = parsed
	}

	rec, changed, err := h.Lifecycle.ApplyEngineEvent(c.Request.Context(), domain.EngineEvent{
		RunID:      domain.RunID(req.RunID),
		Outcome:    outcome,
		OccurredAt: occurredAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnknownRun) {
			c.JSON(http.StatusOK, gin.H{"ignored": true})
			return
		}
		writeError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": string(rec.ID), "changed": changed})
}

// writeError maps domain errors onto HTTP statuses. Rate limited
// responses carry a Retry-After header rounded up to whole seconds.
func writeError(c *gin.Context, action domain.ActionKind, err error) {
	var rl *domain.RateLimitedError
	switch {
	case errors.As(err, &rl):
		if action != "" {
			gateRejections.WithLabelValues("rate_limit").Inc()
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrGovernanceBlocked):
		gateRejections.WithLabelValues("kill_switch").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrQuotaExceeded):
		gateRejections.WithLabelValues("quota").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRecipeUnknown), errors.Is(err, domain.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRecipeNotConfigured):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDispatchFailed), errors.Is(err, domain.ErrTokenUnavailable):
		if action != "" {
			dispatches.WithLabelValues(string(action), "failed").Inc()
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
